package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. PROBESCAN_SCAN_RATE.
const EnvPrefix = "probescan"

// Config represents the top-level configuration structure.
type Config struct {
	Scan   ScanConfig   `yaml:"scan"`
	Output OutputConfig `yaml:"output"`
	Log    LogConfig    `yaml:"log"`
}

// ScanConfig holds all settings related to the scanning process.
type ScanConfig struct {
	Targets            TargetsConfig `yaml:"targets"`
	Ports              string        `yaml:"ports"`                                   // e.g. "47808" or "161,47808"
	Interface          string        `yaml:"interface"`                               // Network interface
	Module             string        `yaml:"module"`                                  // Probe module name
	ProbeArgs          string        `yaml:"probe_args" split_words:"true"`           // Module-specific arguments
	Rate               int           `yaml:"rate"`                                    // Packets per second, all senders (0 = unlimited)
	Senders            int           `yaml:"senders"`                                 // Send workers
	Probes             int           `yaml:"probes"`                                  // Probes per target
	SourcePorts        string        `yaml:"source_ports" split_words:"true"`         // "first-last"
	TTL                uint8         `yaml:"ttl"`                                     // IP TTL of probes
	ValidateSourcePort string        `yaml:"validate_source_port" split_words:"true"` // default|enable|disable
	SourceIP           string        `yaml:"source_ip" split_words:"true"`            // Source IP override
	GwMAC              string        `yaml:"gw_mac" split_words:"true"`               // Gateway MAC override
	Cooldown           Duration      `yaml:"cooldown"`                                // Keep receiving after the last send
	Seed               string        `yaml:"seed"`                                    // Hex validation key; random if empty
	Sequential         bool          `yaml:"sequential"`                              // Disable target shuffling
	Replay             string        `yaml:"replay"`                                  // Validate a pcap file instead of scanning
	DryRun             string        `yaml:"dry_run" split_words:"true"`              // Write probes to this pcap file instead of sending
}

// TargetsConfig defines included and excluded target sources.
type TargetsConfig struct {
	Include []string `yaml:"include"` // CIDR, IP, or range
	Exclude []string `yaml:"exclude"` // CIDR, IP, or range
	File    string   `yaml:"file"`    // One include spec per line
}

// OutputConfig controls how results are reported.
type OutputConfig struct {
	File      string     `yaml:"file"`                          // Output file
	Format    string     `yaml:"format"`                        // "json" or "csv"
	Stdout    bool       `yaml:"stdout"`                        // Stream records to stdout
	BatchSize int        `yaml:"batch_size" split_words:"true"` // Stdout bytes buffered per flush
	Pcap      string     `yaml:"pcap"`                          // Dump accepted frames to this pcap file
	TUI       bool       `yaml:"tui"`                           // Interactive status view on the terminal
	NATS      NATSOutput `yaml:"nats"`
}

// NATSOutput configures the NATS publisher sink. Empty URL disables it.
type NATSOutput struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// LogConfig selects the logrus level and formatter.
type LogConfig struct {
	Level  string   `yaml:"level"`
	Format string   `yaml:"format"` // "auto", "text" or "json"
	Status Duration `yaml:"status"` // Progress log interval, 0 disables
}

// Duration wraps time.Duration for YAML unmarshalling from strings like "5s", "10m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.Decode(s)
}

// Decode implements envconfig.Decoder.
func (d *Duration) Decode(s string) error {
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Scan: ScanConfig{
			Ports:              "47808",
			Module:             "bacnet",
			Senders:            1,
			Probes:             1,
			SourcePorts:        "32768-61000",
			TTL:                255,
			ValidateSourcePort: "default",
			Cooldown:           Duration{8 * time.Second},
		},
		Output: OutputConfig{
			Format:    "json",
			BatchSize: 4096,
			NATS:      NATSOutput{Subject: "probescan.results"},
		},
		Log: LogConfig{Level: "info", Format: "auto", Status: Duration{5 * time.Second}},
	}
}

// LoadConfig reads a YAML configuration file over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from PROBESCAN_* environment variables. Nested keys
// follow the YAML layout: PROBESCAN_SCAN_RATE, PROBESCAN_OUTPUT_NATS_URL,
// PROBESCAN_SCAN_TARGETS_INCLUDE (comma separated).
func ApplyEnv(cfg *Config) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	return nil
}

// Validate checks values that would otherwise fail deep inside the engine.
func (c *Config) Validate() error {
	s := c.Scan
	if s.Replay == "" && len(s.Targets.Include) == 0 && s.Targets.File == "" {
		return fmt.Errorf("no targets: set scan.targets.include or scan.targets.file")
	}
	if s.Senders < 1 {
		return fmt.Errorf("senders must be at least 1, got %d", s.Senders)
	}
	if s.Probes < 1 {
		return fmt.Errorf("probes must be at least 1, got %d", s.Probes)
	}
	if s.Replay != "" && s.DryRun != "" {
		return fmt.Errorf("replay and dry_run are mutually exclusive")
	}
	if s.Rate < 0 {
		return fmt.Errorf("negative rate %d", s.Rate)
	}
	if s.TTL == 0 {
		return fmt.Errorf("ttl must be at least 1")
	}
	switch strings.ToLower(c.Output.Format) {
	case "json", "csv":
	default:
		return fmt.Errorf("unknown output format %q", c.Output.Format)
	}
	switch c.Log.Format {
	case "auto", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}
