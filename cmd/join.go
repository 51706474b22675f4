package cmd

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/motionsignal/motionlink/internal/config"
	"github.com/motionsignal/motionlink/internal/lobby"
	"github.com/motionsignal/motionlink/internal/rtc"
	"github.com/motionsignal/motionlink/internal/transport"
	"github.com/motionsignal/motionlink/internal/ui"
)

var joinCmd = &cobra.Command{
	Use:     "join",
	Aliases: []string{"j"},
	Short:   "Discover a nearby lobby and join it",
	Long: `Scan for an advertising lobby host, connect over Bluetooth Low
Energy, and negotiate a WebRTC data channel. While the session is in
round mode the device streams motion intensity samples to the lobby.

Examples:
  motionlink join
  motionlink join --name kitchen-phone
  motionlink join --dev --link-addr 127.0.0.1:7373`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJoin()
	},
}

func init() {
	rootCmd.AddCommand(joinCmd)
}

func runJoin() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	central, err := buildCentral(cfg)
	if err != nil {
		return err
	}

	coord := lobby.New(cfg, nil, central)
	defer coord.Cleanup()

	model := ui.NewLobbyModel("client", cfg.DeviceName)
	updates := model.GetUpdateChannel()

	coord.OnDeviceChange(func(dev lobby.Device) {
		updates <- ui.LobbyUpdate{Type: ui.UpdateDevice, Device: dev}
	})
	coord.OnModeChange(func(mode string) {
		updates <- ui.LobbyUpdate{Type: ui.UpdateMode, Mode: mode}
	})

	sp := ui.NewScanSpinner("Scanning for a lobby host...")
	sp.Start()
	if err := coord.JoinLobby(context.Background(), cfg.DeviceName); err != nil {
		sp.Error("No lobby found")
		return err
	}
	sp.Success("Joined lobby")

	done := make(chan struct{})
	defer close(done)
	go publishIntensity(coord, done)

	program := tea.NewProgram(model)
	if _, err := program.Run(); err != nil {
		return err
	}
	return nil
}

// publishIntensity streams synthetic motion samples to the lobby while
// the session is in round mode. The real input pipeline replaces this
// on devices with a camera.
func publishIntensity(coord *lobby.Coordinator, done <-chan struct{}) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if coord.Mode() != "round" {
				continue
			}
			msg, err := rtc.NewMessage(rtc.MessageTypeMotionIntensity, rtc.IntensityPayload{
				DeviceID:  coord.LocalDevice().ID,
				Intensity: rand.Float64(),
				At:        time.Now().UnixMilli(),
			})
			if err != nil {
				continue
			}
			coord.BroadcastMessage(msg)
		}
	}
}

func buildCentral(cfg *config.Config) (transport.Central, error) {
	if flagDev {
		if flagLinkAddr == "" {
			return nil, fmt.Errorf("--dev join requires --link-addr of the host")
		}
		return transport.NewWSCentral(cfg.LinkAddr), nil
	}
	return transport.NewBLECentral(cfg.ServiceUUID, cfg.RXCharUUID, cfg.TXCharUUID)
}
