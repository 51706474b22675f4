package cmd

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/motionsignal/motionlink/internal/config"
	"github.com/motionsignal/motionlink/internal/lobby"
	"github.com/motionsignal/motionlink/internal/rtc"
	"github.com/motionsignal/motionlink/internal/transport"
	"github.com/motionsignal/motionlink/internal/ui"
)

var hostCmd = &cobra.Command{
	Use:     "host",
	Aliases: []string{"h"},
	Short:   "Host a lobby and wait for devices",
	Long: `Host a new lobby: advertise over Bluetooth Low Energy, accept
devices as they announce themselves, and negotiate a WebRTC data
channel with each of them.

Examples:
  motionlink host
  motionlink host --name living-room
  motionlink host --dev --link-addr 127.0.0.1:7373`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHost()
	},
}

func init() {
	rootCmd.AddCommand(hostCmd)
}

func runHost() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	peripheral, err := buildPeripheral(cfg)
	if err != nil {
		return err
	}

	coord := lobby.New(cfg, peripheral, nil)
	defer coord.Cleanup()

	model := ui.NewLobbyModel("host", cfg.DeviceName)
	updates := model.GetUpdateChannel()

	coord.OnDeviceChange(func(dev lobby.Device) {
		updates <- ui.LobbyUpdate{Type: ui.UpdateDevice, Device: dev}
	})
	coord.OnModeChange(func(mode string) {
		updates <- ui.LobbyUpdate{Type: ui.UpdateMode, Mode: mode}
	})
	coord.OnMessage(func(peerID string, msg rtc.Message) {
		if msg.Type != rtc.MessageTypeMotionIntensity {
			return
		}
		var payload rtc.IntensityPayload
		if err := msg.DecodePayload(&payload); err != nil {
			return
		}
		updates <- ui.LobbyUpdate{
			Type:    ui.UpdateStatus,
			Message: fmt.Sprintf("intensity %.2f from %s", payload.Intensity, payload.DeviceID),
		}
	})
	model.SetModeKeyHandler(func() {
		next := "round"
		if coord.Mode() == "round" {
			next = lobby.DefaultMode
		}
		if err := coord.BroadcastModeChange(next); err != nil {
			updates <- ui.LobbyUpdate{Type: ui.UpdateError, Error: err}
		}
	})

	if err := coord.CreateLobby(cfg.DeviceName); err != nil {
		return err
	}

	if wsp, ok := peripheral.(*transport.WSPeripheral); ok {
		ui.PrintInfof("websocket link listening on %s", wsp.Addr())
	}

	program := tea.NewProgram(model)
	if _, err := program.Run(); err != nil {
		return err
	}
	return nil
}

func buildPeripheral(cfg *config.Config) (transport.Peripheral, error) {
	if flagDev {
		return transport.NewWSPeripheral(cfg.LinkAddr), nil
	}
	return transport.NewBLEPeripheral(cfg.ServiceUUID, cfg.RXCharUUID, cfg.TXCharUUID)
}
