package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig is the daemon options file. Everything has a workable
// default; the environment overrides in applyEnv win over the file.
type fileConfig struct {
	NodeID   string `yaml:"node-id"`
	NodeName string `yaml:"node-name"`

	BindAddr    string `yaml:"bind-addr"`
	MetricsAddr string `yaml:"metrics-addr"`
	DataDir     string `yaml:"data-dir"`

	Peers map[string]string `yaml:"peers"` // node uuid -> bind address

	ElectionTimeout time.Duration `yaml:"election-timeout"`
	JoinTimeout     time.Duration `yaml:"join-timeout"`
	TickInterval    time.Duration `yaml:"tick-interval"`

	ClusterType string `yaml:"cluster-type"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
		File  string `yaml:"file"`
	} `yaml:"log"`

	FailFast bool `yaml:"fail-fast"`
}

func defaultConfig() fileConfig {
	var cfg fileConfig
	cfg.BindAddr = "127.0.0.1:7421"
	cfg.MetricsAddr = ""
	cfg.DataDir = "/var/lib/pacegrid"
	cfg.ElectionTimeout = 2 * time.Second
	cfg.JoinTimeout = 10 * time.Second
	cfg.TickInterval = 100 * time.Millisecond
	cfg.ClusterType = "corosync"
	cfg.Log.Level = "info"
	return cfg
}

// loadConfig reads the YAML options file if present.
func loadConfig(path string) (fileConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// applyEnv folds the controller's environment surface over the file
// configuration.
func applyEnv(cfg *fileConfig) {
	if v := os.Getenv("HA_cluster_type"); v != "" {
		cfg.ClusterType = v
	}
	if v := os.Getenv("HA_logfile"); v != "" {
		cfg.Log.File = v
	}
	if v := os.Getenv("HA_debug"); v == "1" || v == "true" {
		cfg.Log.Level = "debug"
	}
	if v := os.Getenv("PCMK_fail_fast"); v == "1" || v == "true" {
		cfg.FailFast = true
	}
}
