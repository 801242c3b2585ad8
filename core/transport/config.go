package transport

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	PeerID             string        `envconfig:"PEER_ID" required:"true"`
	ListenAddr         string        `envconfig:"LISTEN_ADDR" default:"127.0.0.1:7070"`
	Peers              []string      `envconfig:"PEERS"`
	ProbeInterval      time.Duration `envconfig:"PROBE_INTERVAL" default:"10s"`
	SendTimeout        time.Duration `envconfig:"SEND_TIMEOUT" default:"10s"`
	UnhealthyThreshold int           `envconfig:"UNHEALTHY_THRESHOLD" default:"3"`
}

func GetConfig() (*Config, error) {
	var cfg Config
	err := envconfig.Process("MESH", &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ParsePeers turns "id@host:port" entries into an id -> address map.
func ParsePeers(entries []string) (map[string]string, error) {
	peers := make(map[string]string, len(entries))

	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		id, addr, found := strings.Cut(entry, "@")
		if !found || id == "" || addr == "" {
			return nil, fmt.Errorf("invalid peer entry %q, want id@host:port", entry)
		}

		peers[id] = addr
	}

	return peers, nil
}
