// Package config loads service configuration from an optional YAML file
// overlaid with environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads from YAML as a string such as "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Replication tunes volume groups hosted by a node.
type Replication struct {
	RecheckInterval  Duration `yaml:"recheck_interval"`
	SwitchTimeout    Duration `yaml:"switch_timeout"`
	RPCTimeout       Duration `yaml:"rpc_timeout"`
	BufferCapacity   int      `yaml:"buffer_capacity"`
	MaxSwitchRetries int      `yaml:"max_switch_retries"`
	RejoinRetries    int      `yaml:"rejoin_retries"`
}

// Config holds the settings of both binaries; each reads the fields it
// needs.
type Config struct {
	NodeID        string `yaml:"node_id"`
	Listen        string `yaml:"listen"`
	Addr          string `yaml:"addr"`
	PlacementAddr string `yaml:"placement_addr"`
	DataDir       string `yaml:"data_dir"`
	LogFormat     string `yaml:"log_format"`
	LogLevel      string `yaml:"log_level"`

	// placement service only
	PlacementListen string   `yaml:"placement_listen"`
	HealthInterval  Duration `yaml:"health_interval"`
	HealthFailures  int      `yaml:"health_failures"`

	Replication Replication `yaml:"replication"`
}

// Default returns the configuration used when neither file nor environment
// set a value.
func Default() Config {
	return Config{
		Listen:          ":8081",
		Addr:            "http://127.0.0.1:8081",
		PlacementAddr:   "http://127.0.0.1:8080",
		LogFormat:       "text",
		LogLevel:        "info",
		PlacementListen: ":8080",
		HealthInterval:  Duration(5 * time.Second),
		HealthFailures:  3,
		Replication: Replication{
			RecheckInterval:  Duration(30 * time.Second),
			SwitchTimeout:    Duration(5 * time.Second),
			RPCTimeout:       Duration(5 * time.Second),
			BufferCapacity:   1024,
			MaxSwitchRetries: 3,
			RejoinRetries:    5,
		},
	}
}

// Load reads path (skipped when empty) over the defaults, then applies the
// environment through getenv.
func Load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnv is Load with the CONFIG_FILE variable naming the file.
func FromEnv() (Config, error) {
	return Load(os.Getenv("CONFIG_FILE"), os.Getenv)
}

func (c *Config) applyEnv(getenv func(string) string) error {
	strs := []struct {
		key string
		dst *string
	}{
		{"NODE_ID", &c.NodeID},
		{"NODE_LISTEN", &c.Listen},
		{"NODE_ADDR", &c.Addr},
		{"PLACEMENT_ADDR", &c.PlacementAddr},
		{"PLACEMENT_LISTEN", &c.PlacementListen},
		{"DATA_DIR", &c.DataDir},
		{"LOG_FORMAT", &c.LogFormat},
		{"LOG_LEVEL", &c.LogLevel},
	}
	for _, s := range strs {
		if v := getenv(s.key); v != "" {
			*s.dst = v
		}
	}

	durs := []struct {
		key string
		dst *Duration
	}{
		{"RECHECK_INTERVAL", &c.Replication.RecheckInterval},
		{"SWITCH_TIMEOUT", &c.Replication.SwitchTimeout},
		{"RPC_TIMEOUT", &c.Replication.RPCTimeout},
		{"HEALTH_INTERVAL", &c.HealthInterval},
	}
	for _, d := range durs {
		v := getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", d.key, err)
		}
		*d.dst = Duration(parsed)
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"BUFFER_CAPACITY", &c.Replication.BufferCapacity},
		{"MAX_SWITCH_RETRIES", &c.Replication.MaxSwitchRetries},
		{"REJOIN_RETRIES", &c.Replication.RejoinRetries},
		{"HEALTH_FAILURES", &c.HealthFailures},
	}
	for _, i := range ints {
		v := getenv(i.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", i.key, err)
		}
		*i.dst = n
	}
	return nil
}

// ValidateNode checks the settings a node service needs.
func (c Config) ValidateNode() error {
	var errs []error
	if c.NodeID == "" {
		errs = append(errs, errors.New("node_id is required"))
	}
	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if c.PlacementAddr == "" {
		errs = append(errs, errors.New("placement_addr is required"))
	}
	errs = append(errs, c.Replication.validate()...)
	return joinErrs(errs)
}

// ValidatePlacement checks the settings the placement service needs.
func (c Config) ValidatePlacement() error {
	var errs []error
	if c.PlacementListen == "" {
		errs = append(errs, errors.New("placement_listen is required"))
	}
	if c.HealthInterval <= 0 {
		errs = append(errs, errors.New("health_interval must be positive"))
	}
	if c.HealthFailures < 1 {
		errs = append(errs, errors.New("health_failures must be at least 1"))
	}
	return joinErrs(errs)
}

func (r Replication) validate() []error {
	var errs []error
	if r.RecheckInterval <= 0 {
		errs = append(errs, errors.New("replication.recheck_interval must be positive"))
	}
	if r.SwitchTimeout <= 0 {
		errs = append(errs, errors.New("replication.switch_timeout must be positive"))
	}
	if r.RPCTimeout <= 0 {
		errs = append(errs, errors.New("replication.rpc_timeout must be positive"))
	}
	if r.BufferCapacity < 1 {
		errs = append(errs, errors.New("replication.buffer_capacity must be at least 1"))
	}
	if r.MaxSwitchRetries < 0 {
		errs = append(errs, errors.New("replication.max_switch_retries must not be negative"))
	}
	return errs
}

func joinErrs(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: %w", errors.Join(errs...))
}
