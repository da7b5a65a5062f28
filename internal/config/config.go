// Package config loads KohakuRiver's Host and Runner configuration from a
// YAML file plus environment-variable overrides: explicit schema structs,
// strict unknown-key rejection, no reflection-driven dynamic config.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// HostConfig is the Host binary's full configuration schema.
type HostConfig struct {
	ListenAddr       string        `yaml:"listen_addr"`
	DataDir          string        `yaml:"data_dir"`
	LogLevel         string        `yaml:"log_level"`
	LogJSON          bool          `yaml:"log_json"`
	AuthEnabled      bool          `yaml:"auth_enabled"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	OverlaySubnet    string        `yaml:"overlay_subnet"`
	BaseVXLANID      int           `yaml:"base_vxlan_id"`
	SSHProxyPort     int           `yaml:"ssh_proxy_port"`
	ReservationKey   string        `yaml:"reservation_key"`
	MaxSnapshotsPerVPS int         `yaml:"max_snapshots_per_vps"`
}

// RunnerConfig is the Runner binary's full configuration schema.
type RunnerConfig struct {
	ListenAddr         string        `yaml:"listen_addr"`
	HostURL            string        `yaml:"host_url"`
	Hostname           string        `yaml:"hostname"`
	AdvertiseIP        string        `yaml:"advertise_ip"`
	LogLevel           string        `yaml:"log_level"`
	LogJSON            bool          `yaml:"log_json"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	SharedDataDir      string        `yaml:"shared_data_dir"`
	LocalTempDir       string        `yaml:"local_temp_dir"`
	ContainerImageDir  string        `yaml:"container_image_dir"`
	VMCapable          bool          `yaml:"vm_capable"`
	VMImageDir         string        `yaml:"vm_image_dir"`
	VMBaseSSHPort      int           `yaml:"vm_base_ssh_port"`
	MaxSnapshotsPerVPS int           `yaml:"max_snapshots_per_vps"`
	Privileged         bool          `yaml:"allow_privileged"`
	NetworkMode        string        `yaml:"network_mode"`
	StandardBridge     string        `yaml:"standard_bridge"`
}

func defaultHostConfig() HostConfig {
	return HostConfig{
		ListenAddr:       ":8000",
		DataDir:          "/var/lib/kohakuriver",
		LogLevel:         "info",
		HeartbeatTimeout: 15 * time.Second,
		BaseVXLANID:      100,
		SSHProxyPort:     8002,
		MaxSnapshotsPerVPS: 5,
	}
}

func defaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		ListenAddr:         ":8001",
		LogLevel:           "info",
		HeartbeatInterval:  5 * time.Second,
		LocalTempDir:       "/tmp/kohakuriver",
		ContainerImageDir:  "/var/lib/kohakuriver-containers",
		VMBaseSSHPort:      9000,
		MaxSnapshotsPerVPS: 5,
		NetworkMode:        "overlay",
		StandardBridge:     "kohaku-br0",
	}
}

// LoadHostConfig reads a Host config file at path (if non-empty), overlays
// KOHAKURIVER_HOST_* environment variables, and returns the result.
// Unknown keys in the file are a load error.
func LoadHostConfig(path string) (*HostConfig, error) {
	cfg := defaultHostConfig()
	if path != "" {
		if err := decodeStrict(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: load host config: %w", err)
		}
	}
	applyEnvOverrides(&cfg, "KOHAKURIVER_HOST_")
	return &cfg, nil
}

// LoadRunnerConfig reads a Runner config file at path (if non-empty),
// overlays KOHAKURIVER_RUNNER_* environment variables, and returns the
// result.
func LoadRunnerConfig(path string) (*RunnerConfig, error) {
	cfg := defaultRunnerConfig()
	if path != "" {
		if err := decodeStrict(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: load runner config: %w", err)
		}
	}
	applyEnvOverrides(&cfg, "KOHAKURIVER_RUNNER_")
	return &cfg, nil
}

// decodeStrict parses a YAML file into dst, rejecting unknown fields:
// one exported struct, one decode call, no dynamic traversal.
func decodeStrict(path string, dst interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides overrides fields of cfg (a pointer to HostConfig or
// RunnerConfig) from the environment, using an explicit per-field list:
// each variable is prefix plus the field's yaml key in upper case (e.g.
// allow_privileged -> ALLOW_PRIVILEGED), applied when present.
func applyEnvOverrides(cfg interface{}, prefix string) {
	switch c := cfg.(type) {
	case *HostConfig:
		overrideString(&c.ListenAddr, prefix+"LISTEN_ADDR")
		overrideString(&c.DataDir, prefix+"DATA_DIR")
		overrideString(&c.LogLevel, prefix+"LOG_LEVEL")
		overrideBool(&c.LogJSON, prefix+"LOG_JSON")
		overrideBool(&c.AuthEnabled, prefix+"AUTH_ENABLED")
		overrideDuration(&c.HeartbeatTimeout, prefix+"HEARTBEAT_TIMEOUT")
		overrideString(&c.OverlaySubnet, prefix+"OVERLAY_SUBNET")
		overrideInt(&c.BaseVXLANID, prefix+"BASE_VXLAN_ID")
		overrideInt(&c.SSHProxyPort, prefix+"SSH_PROXY_PORT")
		overrideString(&c.ReservationKey, prefix+"RESERVATION_KEY")
		overrideInt(&c.MaxSnapshotsPerVPS, prefix+"MAX_SNAPSHOTS_PER_VPS")
	case *RunnerConfig:
		overrideString(&c.ListenAddr, prefix+"LISTEN_ADDR")
		overrideString(&c.HostURL, prefix+"HOST_URL")
		overrideString(&c.Hostname, prefix+"HOSTNAME")
		overrideString(&c.AdvertiseIP, prefix+"ADVERTISE_IP")
		overrideString(&c.LogLevel, prefix+"LOG_LEVEL")
		overrideBool(&c.LogJSON, prefix+"LOG_JSON")
		overrideDuration(&c.HeartbeatInterval, prefix+"HEARTBEAT_INTERVAL")
		overrideString(&c.SharedDataDir, prefix+"SHARED_DATA_DIR")
		overrideString(&c.LocalTempDir, prefix+"LOCAL_TEMP_DIR")
		overrideString(&c.ContainerImageDir, prefix+"CONTAINER_IMAGE_DIR")
		overrideBool(&c.VMCapable, prefix+"VM_CAPABLE")
		overrideString(&c.VMImageDir, prefix+"VM_IMAGE_DIR")
		overrideInt(&c.VMBaseSSHPort, prefix+"VM_BASE_SSH_PORT")
		overrideInt(&c.MaxSnapshotsPerVPS, prefix+"MAX_SNAPSHOTS_PER_VPS")
		overrideBool(&c.Privileged, prefix+"ALLOW_PRIVILEGED")
		overrideString(&c.NetworkMode, prefix+"NETWORK_MODE")
		overrideString(&c.StandardBridge, prefix+"STANDARD_BRIDGE")
	}
}

func overrideString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func overrideBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = strings.EqualFold(v, "true") || v == "1"
	}
}

func overrideInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func overrideDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
