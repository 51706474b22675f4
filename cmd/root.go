package cmd

import (
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/motionsignal/motionlink/internal/config"
	"github.com/motionsignal/motionlink/internal/ui"
	"github.com/motionsignal/motionlink/internal/version"
)

var (
	flagName        string
	flagServiceUUID string
	flagRXUUID      string
	flagTXUUID      string
	flagSTUN        string
	flagTURN        string
	flagTURNUser    string
	flagTURNPass    string
	flagChunkSize   int
	flagDev         bool
	flagLinkAddr    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "motionlink",
	Short:   "Peer-to-peer motion lobby over BLE-bootstrapped WebRTC",
	Long:    `MotionLink connects nearby devices into a session lobby without any server: one device hosts and advertises over Bluetooth Low Energy, others discover it and exchange WebRTC signaling over the BLE link, and once data channels are up every device streams motion data peer to peer.`,
	Version: version.Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		os.Exit(0)
	}()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		ui.PrintError(err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagName, "name", "n", "", "device name shown to other lobby members")
	rootCmd.PersistentFlags().StringVar(&flagServiceUUID, "service-uuid", "", "BLE lobby service UUID")
	rootCmd.PersistentFlags().StringVar(&flagRXUUID, "rx-uuid", "", "BLE RX characteristic UUID")
	rootCmd.PersistentFlags().StringVar(&flagTXUUID, "tx-uuid", "", "BLE TX characteristic UUID")
	rootCmd.PersistentFlags().StringVar(&flagSTUN, "stun", "", "STUN server URL")
	rootCmd.PersistentFlags().StringVar(&flagTURN, "turn", "", "TURN server URL")
	rootCmd.PersistentFlags().StringVar(&flagTURNUser, "turn-user", "", "TURN username")
	rootCmd.PersistentFlags().StringVar(&flagTURNPass, "turn-pass", "", "TURN password")
	rootCmd.PersistentFlags().IntVar(&flagChunkSize, "chunk-size", 0, "signaling chunk size in bytes")
	rootCmd.PersistentFlags().BoolVar(&flagDev, "dev", false, "use the websocket development link instead of BLE")
	rootCmd.PersistentFlags().StringVar(&flagLinkAddr, "link-addr", "", "websocket link address (listen for host, dial for join)")
}

func loadConfig() (*config.Config, error) {
	return config.Load(config.Options{
		DeviceName:  flagName,
		ServiceUUID: flagServiceUUID,
		RXCharUUID:  flagRXUUID,
		TXCharUUID:  flagTXUUID,
		STUNServer:  flagSTUN,
		TURNServer:  flagTURN,
		TURNUser:    flagTURNUser,
		TURNPass:    flagTURNPass,
		ChunkSize:   flagChunkSize,
		LinkAddr:    flagLinkAddr,
	})
}
