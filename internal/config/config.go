package config

import (
	"os"
	"strconv"
	"time"
)

// Default configuration values (production)
const (
	// GATT contract. RX is written by centrals, TX notifies them; the
	// two characteristics share the service base with a bumped index.
	DefaultServiceUUID = "d8f7a1c0-3e5b-4a42-9f10-6c2d8b0741aa"
	DefaultRXCharUUID  = "d8f7a1c1-3e5b-4a42-9f10-6c2d8b0741aa"
	DefaultTXCharUUID  = "d8f7a1c2-3e5b-4a42-9f10-6c2d8b0741aa"

	DefaultSTUN     = "stun:stun.l.google.com:19302"
	DefaultTURN     = "" // Optional, off by default
	DefaultTURNUser = ""
	DefaultTURNPass = ""

	// Chunk ceiling for the minimum 23-byte ATT MTU (3 bytes header).
	DefaultChunkSize  = 20
	DefaultChunkDelay = 10 * time.Millisecond

	DefaultScanTimeout        = 15 * time.Second
	DefaultNegotiationTimeout = 30 * time.Second

	// Loopback listen address for the websocket development link.
	DefaultLinkAddr = "127.0.0.1:0"
)

// Config holds application configuration
type Config struct {
	// DeviceName is the human-readable name advertised to the lobby
	DeviceName string

	// BLE GATT identifiers, identical on host and client
	ServiceUUID string
	RXCharUUID  string
	TXCharUUID  string

	// ICE servers for WebRTC
	STUNServer string
	TURNServer string
	TURNUser   string
	TURNPass   string

	// Signaling transport pacing
	ChunkSize  int
	ChunkDelay time.Duration

	ScanTimeout        time.Duration
	NegotiationTimeout time.Duration

	// LinkAddr is the websocket development link listen address
	LinkAddr string
}

// Options for loading config with CLI flag overrides
type Options struct {
	DeviceName  string
	ServiceUUID string
	RXCharUUID  string
	TXCharUUID  string
	STUNServer  string
	TURNServer  string
	TURNUser    string
	TURNPass    string
	ChunkSize   int
	LinkAddr    string
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	deviceName := stringValue(opts.DeviceName, "DEVICE_NAME", defaultDeviceName())

	serviceUUID := stringValue(opts.ServiceUUID, "BLE_SERVICE_UUID", DefaultServiceUUID)
	rxUUID := stringValue(opts.RXCharUUID, "BLE_RX_UUID", DefaultRXCharUUID)
	txUUID := stringValue(opts.TXCharUUID, "BLE_TX_UUID", DefaultTXCharUUID)

	stunServer := stringValue(opts.STUNServer, "STUN_SERVER", DefaultSTUN)
	turnServer := stringValue(opts.TURNServer, "TURN_SERVER", DefaultTURN)
	turnUser := stringValue(opts.TURNUser, "TURN_USERNAME", DefaultTURNUser)
	turnPass := stringValue(opts.TURNPass, "TURN_PASSWORD", DefaultTURNPass)

	chunkSize := opts.ChunkSize
	if chunkSize == 0 {
		chunkSize = intEnv("CHUNK_SIZE", DefaultChunkSize)
	}

	linkAddr := stringValue(opts.LinkAddr, "LINK_ADDR", DefaultLinkAddr)

	return &Config{
		DeviceName:         deviceName,
		ServiceUUID:        serviceUUID,
		RXCharUUID:         rxUUID,
		TXCharUUID:         txUUID,
		STUNServer:         stunServer,
		TURNServer:         turnServer,
		TURNUser:           turnUser,
		TURNPass:           turnPass,
		ChunkSize:          chunkSize,
		ChunkDelay:         durationEnv("CHUNK_DELAY", DefaultChunkDelay),
		ScanTimeout:        durationEnv("SCAN_TIMEOUT", DefaultScanTimeout),
		NegotiationTimeout: durationEnv("NEGOTIATION_TIMEOUT", DefaultNegotiationTimeout),
		LinkAddr:           linkAddr,
	}, nil
}

// GetSTUNServers returns STUN server URLs if configured
func (c *Config) GetSTUNServers() []string {
	if c.STUNServer == "" {
		return nil
	}
	return []string{c.STUNServer}
}

// GetTURNServers returns TURN server URLs if configured
func (c *Config) GetTURNServers() []string {
	if c.TURNServer == "" {
		return nil
	}
	return []string{c.TURNServer}
}

// GetTURNCredentials returns TURN username and password
func (c *Config) GetTURNCredentials() (string, string) {
	return c.TURNUser, c.TURNPass
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "motionlink-device"
}

func stringValue(flag, env, fallback string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv(env); v != "" {
		return v
	}
	return fallback
}

func intEnv(env string, fallback int) int {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func durationEnv(env string, fallback time.Duration) time.Duration {
	if v := os.Getenv(env); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
