package cmd

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/spf13/cobra"

	"github.com/motionsignal/motionlink/internal/lobby"
	"github.com/motionsignal/motionlink/internal/rtc"
	"github.com/motionsignal/motionlink/internal/transport"
	"github.com/motionsignal/motionlink/internal/ui"
)

var flagDemoClients int

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a host and clients in-process over an in-memory link",
	Long: `Run a whole lobby in one process: an in-memory link stands in
for the radio, one coordinator hosts and the others join, negotiate
data channels and stream a few motion samples. Useful to see the
session flow without any Bluetooth hardware.

Examples:
  motionlink demo
  motionlink demo --clients 3`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDemo()
	},
}

func init() {
	demoCmd.Flags().IntVar(&flagDemoClients, "clients", 2, "number of in-process clients")
	rootCmd.AddCommand(demoCmd)
}

func runDemo() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// Memory link needs no radio pacing.
	cfg.ChunkDelay = 0

	net := transport.NewMemNetwork()

	host := lobby.New(cfg, net.Peripheral(), nil)
	defer host.Cleanup()

	connected := make(chan string, 64)
	host.OnDeviceChange(func(dev lobby.Device) {
		if dev.Self || !dev.ChannelReady {
			return
		}
		connected <- dev.Name
	})

	samples := make(chan rtc.IntensityPayload, 64)
	host.OnMessage(func(_ string, msg rtc.Message) {
		if msg.Type != rtc.MessageTypeMotionIntensity {
			return
		}
		var payload rtc.IntensityPayload
		if err := msg.DecodePayload(&payload); err == nil {
			samples <- payload
		}
	})

	if err := host.CreateLobby("demo-host"); err != nil {
		return err
	}
	ui.PrintSuccess("Lobby up, connecting clients...")

	clients := make([]*lobby.Coordinator, 0, flagDemoClients)
	defer func() {
		for _, c := range clients {
			c.Cleanup()
		}
	}()
	for i := 0; i < flagDemoClients; i++ {
		client := lobby.New(cfg, nil, net.Central())
		clients = append(clients, client)

		name := fmt.Sprintf("demo-client-%d", i+1)
		if err := client.JoinLobby(context.Background(), name); err != nil {
			return err
		}
	}

	seen := make(map[string]bool)
	deadline := time.After(30 * time.Second)
	for len(seen) < flagDemoClients {
		select {
		case name := <-connected:
			if !seen[name] {
				seen[name] = true
				ui.PrintSuccessf("%s connected, data channel open", name)
			}
		case <-deadline:
			return fmt.Errorf("timed out waiting for clients to connect")
		}
	}

	if err := host.BroadcastModeChange("round"); err != nil {
		return err
	}
	ui.PrintInfo("Round started, streaming samples")

	for _, client := range clients {
		go func(c *lobby.Coordinator) {
			for i := 0; i < 3; i++ {
				msg, err := rtc.NewMessage(rtc.MessageTypeMotionIntensity, rtc.IntensityPayload{
					DeviceID:  c.LocalDevice().ID,
					Intensity: rand.Float64(),
					At:        time.Now().UnixMilli(),
				})
				if err != nil {
					return
				}
				if err := c.BroadcastMessage(msg); err != nil {
					return
				}
				time.Sleep(100 * time.Millisecond)
			}
		}(client)
	}

	want := 3 * flagDemoClients
	got := 0
	timeout := time.After(15 * time.Second)
	for got < want {
		select {
		case payload := <-samples:
			got++
			ui.PrintInfof("%s intensity %.2f from %s", ui.IconMotion, payload.Intensity, payload.DeviceID)
		case <-timeout:
			return fmt.Errorf("received %d of %d samples before timeout", got, want)
		}
	}

	ui.PrintSuccess("Demo complete")
	return nil
}
