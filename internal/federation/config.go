package federation

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Direction states which way events flow along a route.
type Direction string

const (
	DirectionPush Direction = "push"
	DirectionPull Direction = "pull"
	DirectionBoth Direction = "both"
)

func (d Direction) pushes() bool {
	return d == DirectionPush || d == DirectionBoth
}

func (d Direction) pulls() bool {
	return d == DirectionPull || d == DirectionBoth
}

// Peer is a co-located appliance reachable on the LAN.
type Peer struct {
	Product string `yaml:"product" json:"product"`
	Host    string `yaml:"host" json:"host"`
	Port    int    `yaml:"port" json:"port"`
	// Key overrides the shared federation key for this peer.
	Key string `yaml:"key" json:"-"`
}

// Route forwards a fixed set of entity types to or from a peer product.
type Route struct {
	TargetProduct string    `yaml:"target_product" json:"targetProduct"`
	EntityTypes   []string  `yaml:"entity_types" json:"entityTypes"`
	Direction     Direction `yaml:"direction" json:"direction"`
}

// FileConfig is the on-disk federation document.
type FileConfig struct {
	Product      string        `yaml:"product"`
	SharedKey    string        `yaml:"shared_key"`
	Products     []string      `yaml:"products"`
	Peers        []Peer        `yaml:"peers"`
	Routes       []Route       `yaml:"routes"`
	PushInterval time.Duration `yaml:"push_interval"`
	PullInterval time.Duration `yaml:"pull_interval"`
}

var ErrInvalidConfig = errors.New("federation: invalid configuration")

// LoadConfigFile reads and validates a YAML federation document.
func LoadConfigFile(path string) (FileConfig, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("federation: read %s: %w", path, err)
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return FileConfig{}, fmt.Errorf("federation: parse %s: %w", path, err)
	}
	if err := validatePeersAndRoutes(cfg.Peers, cfg.Routes); err != nil {
		return FileConfig{}, err
	}
	return cfg, nil
}

func validatePeersAndRoutes(peers []Peer, routes []Route) error {
	seen := make(map[string]struct{}, len(peers))
	for index, peer := range peers {
		product := strings.TrimSpace(peer.Product)
		if product == "" {
			return fmt.Errorf("%w: peer %d has no product", ErrInvalidConfig, index)
		}
		if strings.TrimSpace(peer.Host) == "" {
			return fmt.Errorf("%w: peer %s has no host", ErrInvalidConfig, product)
		}
		if peer.Port <= 0 || peer.Port > 65535 {
			return fmt.Errorf("%w: peer %s has invalid port %d", ErrInvalidConfig, product, peer.Port)
		}
		if _, duplicate := seen[product]; duplicate {
			return fmt.Errorf("%w: peer %s listed twice", ErrInvalidConfig, product)
		}
		seen[product] = struct{}{}
	}
	for index, route := range routes {
		if strings.TrimSpace(route.TargetProduct) == "" {
			return fmt.Errorf("%w: route %d has no target product", ErrInvalidConfig, index)
		}
		switch route.Direction {
		case DirectionPush, DirectionPull, DirectionBoth:
		default:
			return fmt.Errorf("%w: route %d has invalid direction %q", ErrInvalidConfig, index, route.Direction)
		}
		if len(route.EntityTypes) == 0 {
			return fmt.Errorf("%w: route %d has no entity types", ErrInvalidConfig, index)
		}
	}
	return nil
}
