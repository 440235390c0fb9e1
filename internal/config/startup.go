package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// StartupTab describes a tab to open once the browser is up.
type StartupTab struct {
	Key string `yaml:"key"`
	URL string `yaml:"url"`
}

// Startup is the YAML file read at boot.
type Startup struct {
	Browser struct {
		Args []string `yaml:"args"`
	} `yaml:"browser"`
	Tabs []StartupTab `yaml:"tabs"`
}

// LoadStartup reads and validates a startup YAML file. A missing file returns
// an os.ErrNotExist-wrapped error; callers skip it in that case.
func LoadStartup(path string, baseTab string) (*Startup, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("startup config: %w", err)
	}
	var cfg Startup
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("startup config: %w", err)
	}
	seen := map[string]bool{baseTab: true}
	for i, t := range cfg.Tabs {
		key := strings.TrimSpace(t.Key)
		if key == "" {
			return nil, fmt.Errorf("startup config: tabs[%d] missing key", i)
		}
		if seen[key] {
			return nil, fmt.Errorf("startup config: tabs[%d] duplicate key %q", i, key)
		}
		seen[key] = true
		cfg.Tabs[i].Key = key
	}
	return &cfg, nil
}
