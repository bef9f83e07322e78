package config

import (
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// NamespacesConfig holds per-topic-namespace overrides, keyed by the topic_id
// prefix the namespace governs (e.g. "billing-" for all billing/* topics).
type NamespacesConfig struct {
	Namespaces map[string]Config `yaml:"namespaces"`
}

// Manager resolves the effective Config for a given topic_id, applying the
// narrowest matching namespace override on top of the global config.
type Manager struct {
	globalConfig *Config
	namespaces   map[string]Config
	mu           sync.RWMutex
}

// NewManager loads the master config plus an optional namespace-overrides
// file; a missing namespaces file yields an empty override set.
func NewManager(masterPath, namespacesPath string) (*Manager, error) {
	master, err := LoadConfig(masterPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(namespacesPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manager{globalConfig: master, namespaces: make(map[string]Config)}, nil
		}
		return nil, err
	}
	defer f.Close()

	var nc NamespacesConfig
	if err := yaml.NewDecoder(f).Decode(&nc); err != nil {
		return nil, err
	}

	return &Manager{globalConfig: master, namespaces: nc.Namespaces}, nil
}

// Get returns the effective config for topicID: the global config with the
// longest-prefix-matching namespace override's non-zero IntegrityMaxLevel,
// IntegrityBucketSize, IntegrityBucketWindowSec, ClockToleranceMicro and
// CORSAllowOrigins applied; other override fields are ignored.
func (m *Manager) Get(topicID string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.globalConfig

	prefix, ok := m.longestMatchingPrefix(topicID)
	if !ok {
		return &effective
	}
	override := m.namespaces[prefix]

	if override.Engine.IntegrityMaxLevel != 0 {
		effective.Engine.IntegrityMaxLevel = override.Engine.IntegrityMaxLevel
	}
	if override.Engine.IntegrityBucketSize != 0 {
		effective.Engine.IntegrityBucketSize = override.Engine.IntegrityBucketSize
	}
	if override.Engine.IntegrityBucketWindowSec != 0 {
		effective.Engine.IntegrityBucketWindowSec = override.Engine.IntegrityBucketWindowSec
	}
	if override.Engine.ClockToleranceMicro != 0 {
		effective.Engine.ClockToleranceMicro = override.Engine.ClockToleranceMicro
	}
	if len(override.Server.CORSAllowOrigins) > 0 {
		effective.Server.CORSAllowOrigins = override.Server.CORSAllowOrigins
	}

	return &effective
}

func (m *Manager) longestMatchingPrefix(topicID string) (string, bool) {
	best := ""
	found := false
	for prefix := range m.namespaces {
		if strings.HasPrefix(topicID, prefix) && len(prefix) > len(best) {
			best = prefix
			found = true
		}
	}
	return best, found
}
