package rtc

import (
	"github.com/pion/webrtc/v4"

	"github.com/motionsignal/motionlink/internal/config"
)

// ICEServers builds the pion server list from configuration. STUN and
// TURN are each appended only when configured; with neither, peers rely
// on host candidates, which is enough on a shared LAN.
func ICEServers(cfg *config.Config) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if stunServers := cfg.GetSTUNServers(); stunServers != nil {
		servers = append(servers, webrtc.ICEServer{URLs: stunServers})
	}

	turnServers := cfg.GetTURNServers()
	if turnServers != nil {
		username, password := cfg.GetTURNCredentials()
		servers = append(servers, webrtc.ICEServer{
			URLs:       turnServers,
			Username:   username,
			Credential: password,
		})
	}
	return servers
}
