package main

import (
	"os"
	"time"

	"github.com/cuemby/aoslauncher/pkg/edgetransport"
	"gopkg.in/yaml.v3"
)

// Config is the launcher process's on-disk configuration: storage/content
// locations, allocation ranges, timer tunables, and the standalone
// node/subject registry edgetransport serves in place of a cloud client.
type Config struct {
	DataDir    string `yaml:"dataDir"`
	StorageDir string `yaml:"storageDir"`
	StateDir   string `yaml:"stateDir"`
	BlobsDir   string `yaml:"blobsDir"`
	LayersDir  string `yaml:"layersDir"`

	HTTPAddr string `yaml:"httpAddr"`

	UIDRangeBegin int `yaml:"uidRangeBegin"`
	UIDRangeEnd   int `yaml:"uidRangeEnd"`
	GIDRangeBegin int `yaml:"gidRangeBegin"`
	GIDRangeEnd   int `yaml:"gidRangeEnd"`

	DiskLimitPercent uint64 `yaml:"diskLimitPercent"`

	ServiceTTL             time.Duration `yaml:"serviceTTL"`
	NodesConnectionTimeout time.Duration `yaml:"nodesConnectionTimeout"`
	CleanupInterval        time.Duration `yaml:"cleanupInterval"`

	UpdateItemTTL        time.Duration `yaml:"updateItemTTL"`
	RemoveOutdatedPeriod time.Duration `yaml:"removeOutdatedPeriod"`

	QuotaAlertTag string `yaml:"quotaAlertTag"`

	Edge edgetransport.Config `yaml:"edge"`
}

// defaultConfig mirrors each component's own DefaultConfig, collected in
// one place for the process entrypoint.
func defaultConfig() Config {
	return Config{
		DataDir:                "./launcher-data",
		StorageDir:              "./launcher-data/storage",
		StateDir:                "./launcher-data/state",
		BlobsDir:                "./launcher-data/blobs",
		LayersDir:               "./launcher-data/layers",
		HTTPAddr:                "127.0.0.1:9091",
		UIDRangeBegin:           600000,
		UIDRangeEnd:             699999,
		GIDRangeBegin:           600000,
		GIDRangeEnd:             699999,
		DiskLimitPercent:        80,
		ServiceTTL:              7 * 24 * time.Hour,
		NodesConnectionTimeout:  time.Minute,
		CleanupInterval:         24 * time.Hour,
		UpdateItemTTL:           7 * 24 * time.Hour,
		RemoveOutdatedPeriod:    24 * time.Hour,
		QuotaAlertTag:           "SystemQuotaAlert",
	}
}

// loadConfig reads path over the defaults; a missing file is not an error,
// it just means "run with the built-in defaults and an empty node/subject
// registry."
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
