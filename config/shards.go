package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// IPShard binds the connections of a set of exchanges to one source IP.
type IPShard struct {
	IP        string   `yaml:"ip"`
	Exchanges []string `yaml:"exchanges"`
}

// IPShards represents the full shard configuration.
type IPShards struct {
	Shards []IPShard `yaml:"shards"`
}

// LoadIPShards loads shard configuration from the given path.
func LoadIPShards(path string) (*IPShards, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read shards file: %w", err)
	}
	var cfg IPShards
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse shards file: %w", err)
	}
	seen := make(map[string]string)
	for _, s := range cfg.Shards {
		if strings.TrimSpace(s.IP) == "" {
			return nil, fmt.Errorf("shard without ip")
		}
		for _, ex := range s.Exchanges {
			ex = strings.ToLower(ex)
			if prev, ok := seen[ex]; ok && prev != s.IP {
				return nil, fmt.Errorf("exchange %s assigned to %s and %s", ex, prev, s.IP)
			}
			seen[ex] = s.IP
		}
	}
	return &cfg, nil
}

// IPFor returns the source IP assigned to exchange.
func (s *IPShards) IPFor(exchange string) (string, bool) {
	if s == nil {
		return "", false
	}
	for _, shard := range s.Shards {
		for _, ex := range shard.Exchanges {
			if strings.EqualFold(ex, exchange) {
				return shard.IP, true
			}
		}
	}
	return "", false
}

// ApplyShards sets the local IP of every enabled exchange that has none.
// Production-like environments fail on an exchange without assignment.
func (c *Config) ApplyShards(shards *IPShards, env Environment) error {
	for _, name := range c.EnabledExchanges() {
		ex := c.Exchanges[name]
		if ex.LocalIP != "" {
			continue
		}
		ip, ok := shards.IPFor(name)
		if !ok {
			if env.ProductionLike() {
				return fmt.Errorf("no ip shard for exchange %s in %s", name, env)
			}
			continue
		}
		ex.LocalIP = ip
		c.Exchanges[name] = ex
	}
	return nil
}
