// Package config loads the sashimono daemon's on-disk configuration.
package config

import (
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gadget78/sashimono/common/environment"
)

// Config holds every knob the daemon reads at startup. Fields are grouped the
// way the original agent grouped them: socket/admission, storage layout,
// resource caps, port bases, and external helper locations.
type Config struct {
	Socket   SocketConfig   `yaml:"socket"`
	Paths    PathsConfig    `yaml:"paths"`
	Ports    PortsConfig    `yaml:"ports"`
	Limits   LimitsConfig   `yaml:"limits"`
	Helpers  HelpersConfig  `yaml:"helpers"`
	Network  NetworkConfig  `yaml:"network"`
	Log      LogConfig      `yaml:"log"`
	Readable ReadinessCheck `yaml:"readiness"`
}

// SocketConfig configures the admin stream socket (spec.md §4.7, §6).
type SocketConfig struct {
	Path       string `yaml:"path"`
	OwnerGroup string `yaml:"ownerGroup"`
	Mode       uint32 `yaml:"mode"`
	Backlog    int    `yaml:"backlog"`
}

// PathsConfig locates the catalog, the lease database, and instance homes.
type PathsConfig struct {
	DataDir      string `yaml:"dataDir"`
	TemplatePath string `yaml:"templatePath"`
	InstanceHome string `yaml:"instanceHome"`
}

// PortsConfig is the monotonic allocator's starting point (spec.md §4.3).
type PortsConfig struct {
	InitPeerPort  uint16 `yaml:"initPeerPort"`
	InitUserPort  uint16 `yaml:"initUserPort"`
	InitGPTCPPort uint16 `yaml:"initGPTCPPort"`
	InitGPUDPPort uint16 `yaml:"initGPUDPPort"`
}

// LimitsConfig caps admission and per-instance resource shares (spec.md §3).
type LimitsConfig struct {
	MaxInstanceCount int           `yaml:"maxInstanceCount"`
	MaxCPUMicros     uint64        `yaml:"maxCpuUs"`
	MaxMemKBytes     uint64        `yaml:"maxMemKbytes"`
	MaxSwapKBytes    uint64        `yaml:"maxSwapKbytes"`
	MaxStorageKBytes uint64        `yaml:"maxStorageKbytes"`
	CreateTimeout    time.Duration `yaml:"createTimeout"`
}

// HelpersConfig points to the two black-box shell helpers (spec.md §1, §4.4).
type HelpersConfig struct {
	InstallUserScript   string `yaml:"installUserScript"`
	UninstallUserScript string `yaml:"uninstallUserScript"`
}

// NetworkConfig is the default outbound network selection (spec.md §6).
type NetworkConfig struct {
	DefaultOutboundInterface string `yaml:"defaultOutboundInterface"`
	DefaultOutboundIPv6      string `yaml:"defaultOutboundIpv6"`
}

// LogConfig holds the log settings read from the config file and
// SASHIMONO_LOG_LEVEL. Nothing in the daemon applies them to the log/slog
// logger, which keeps its default settings.
type LogConfig struct {
	Level        string `yaml:"level"`
	ReportCaller bool   `yaml:"reportCaller"`
}

// ReadinessCheck configures the startup readiness probe (spec.md §4.4, §6).
type ReadinessCheck struct {
	CgroupServiceName string `yaml:"cgroupServiceName"`
	CgroupsConfPath   string `yaml:"cgrulesConfPath"`
	PackageTag        string `yaml:"packageTag"`
	RebootMarkerGlob  string `yaml:"rebootMarkerGlob"`
}

func defaultConfig() Config {
	return Config{
		Socket: SocketConfig{
			Path:       "/etc/sashimono/sa.sock",
			OwnerGroup: "sashiadmin",
			Mode:       0660,
			Backlog:    20,
		},
		Paths: PathsConfig{
			DataDir:      "/etc/sashimono/data",
			TemplatePath: "/etc/sashimono/contract_template",
			InstanceHome: "/home",
		},
		Ports: PortsConfig{
			InitPeerPort:  22861,
			InitUserPort:  26201,
			InitGPTCPPort: 36525,
			InitGPUDPPort: 39064,
		},
		Limits: LimitsConfig{
			MaxInstanceCount: 4,
			MaxCPUMicros:     4 * 1_000_000,
			MaxMemKBytes:     4 * 1024 * 1024,
			MaxSwapKBytes:    4 * 1024 * 1024,
			MaxStorageKBytes: 16 * 1024 * 1024,
			CreateTimeout:    120 * time.Second,
		},
		Helpers: HelpersConfig{
			InstallUserScript:   "/usr/bin/sashimono/install_user.sh",
			UninstallUserScript: "/usr/bin/sashimono/uninstall_user.sh",
		},
		Network: NetworkConfig{
			DefaultOutboundInterface: "eth0",
		},
		Log: LogConfig{
			Level: "info",
		},
		Readable: ReadinessCheck{
			CgroupServiceName: "cgrulesengd.service",
			CgroupsConfPath:   "/etc/cgrules.conf",
			PackageTag:        "sashimono",
			RebootMarkerGlob:  "/var/run/reboot-required.pkgs",
		},
	}
}

// Load reads fileName, falling back to (and persisting) defaults when the
// file does not yet exist, mirroring how operator-editable YAML configs are
// bootstrapped elsewhere in this codebase.
func Load(fileName string) *Config {
	cfg := defaultConfig()

	data, err := os.ReadFile(fileName)
	if err != nil {
		slog.Warn("configuration file not found, writing defaults", "path", fileName)
		if out, mErr := yaml.Marshal(&cfg); mErr == nil {
			if wErr := os.WriteFile(fileName, out, 0640); wErr != nil {
				slog.Error("failed to write default configuration file", "path", fileName, "err", wErr)
			}
		}
		return &cfg
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		slog.Error("failed to parse configuration file", "path", fileName, "err", err)
		os.Exit(1)
	}

	if lvl := environment.StringOr("SASHIMONO_LOG_LEVEL", ""); lvl != "" {
		cfg.Log.Level = lvl
	}

	return &cfg
}
