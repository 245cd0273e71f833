// Package config loads the fuzzer's configuration record (§6 External
// Interfaces) from a YAML file via viper, applying the same env-var
// placeholder resolution the teacher's config loader used for secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

// ProbeConfig holds the debug-probe connection parameters (§6).
type ProbeConfig struct {
	DeviceName string `mapstructure:"device_name"`
	JTAGSpeed  int    `mapstructure:"jtag_speed"`
	Interface  string `mapstructure:"interface"`
}

// NVMeConfig holds the target device and per-command-group timeouts (§6).
type NVMeConfig struct {
	Device    string         `mapstructure:"nvme_device"`
	Namespace uint32         `mapstructure:"nvme_namespace"`
	Timeouts  TimeoutsConfig `mapstructure:"nvme_timeouts"`

	// EnabledCommands restricts the active template set; empty means the
	// default non-destructive set. AllCommands opts every template in,
	// including destructive ones (FormatNVM, Sanitize).
	EnabledCommands []string `mapstructure:"enabled_commands"`
	AllCommands     bool     `mapstructure:"all_commands"`
}

// TimeoutsConfig carries per-timeout-group millisecond overrides; zero
// values fall back to nvme.DefaultTimeoutsMS().
type TimeoutsConfig struct {
	Command   int `mapstructure:"command"`
	Format    int `mapstructure:"format"`
	Sanitize  int `mapstructure:"sanitize"`
	FWCommit  int `mapstructure:"fw_commit"`
	Telemetry int `mapstructure:"telemetry"`
	DSM       int `mapstructure:"dsm"`
	Flush     int `mapstructure:"flush"`
}

// SamplingConfig holds PC-sampler tuning parameters (§4.2, §6).
type SamplingConfig struct {
	SampleIntervalUs      int `mapstructure:"sample_interval_us"`
	MaxSamplesPerRun      int `mapstructure:"max_samples_per_run"`
	SaturationLimit       int `mapstructure:"saturation_limit"`
	GlobalSaturationLimit int `mapstructure:"global_saturation_limit"`
	PostCmdDelayMS        int `mapstructure:"post_cmd_delay_ms"`
	AddrRangeStart        uint32 `mapstructure:"addr_range_start"`
	AddrRangeEnd          uint32 `mapstructure:"addr_range_end"`
}

// FuzzConfig holds the main loop's tunables (§4.4-§4.6, §6).
type FuzzConfig struct {
	MaxInputLen     int    `mapstructure:"max_input_len"`
	TotalRuntimeSec int    `mapstructure:"total_runtime_sec"`
	SeedDir         string `mapstructure:"seed_dir"`
	OutputDir       string `mapstructure:"output_dir"`
	ResumeCoverage  bool   `mapstructure:"resume_coverage"`

	MaxEnergy       float64 `mapstructure:"max_energy"`
	RandomGenRatio  float64 `mapstructure:"random_gen_ratio"`
	ExcludedOpcodes []int   `mapstructure:"excluded_opcodes"`

	OpcodeMutProb  float64 `mapstructure:"opcode_mut_prob"`
	NSIDMutProb    float64 `mapstructure:"nsid_mut_prob"`
	AdminSwapProb  float64 `mapstructure:"admin_swap_prob"`
	DataLenMutProb float64 `mapstructure:"datalen_mut_prob"`

	CalibrationRuns        int `mapstructure:"calibration_runs"`
	DeterministicEnabled   bool `mapstructure:"deterministic_enabled"`
	DeterministicArithMax  int  `mapstructure:"deterministic_arith_max"`

	MOptEnabled    bool `mapstructure:"mopt_enabled"`
	MOptPilotPeriod int `mapstructure:"mopt_pilot_period"`
	MOptCorePeriod  int `mapstructure:"mopt_core_period"`

	EdgeConfirmThreshold int `mapstructure:"edge_confirm_threshold"`
	MaxCorpusHardLimit   int `mapstructure:"max_corpus_hard_limit"`
}

// Config is the top-level configuration record.
type Config struct {
	Probe    ProbeConfig    `mapstructure:"probe"`
	NVMe     NVMeConfig     `mapstructure:"nvme"`
	Sampling SamplingConfig `mapstructure:"sampling"`
	Fuzz     FuzzConfig     `mapstructure:"fuzz"`

	LogLevel   string `mapstructure:"log_level"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// envVarPattern matches environment variable placeholders: ${VAR_NAME} or
// ${VAR_NAME:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// resolveEnvVars replaces ${VAR}/${VAR:-default} placeholders with their
// environment value, or the given default if unset.
func resolveEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, def := groups[1], groups[3]
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return def
	})
}

func resolveInMap(m map[string]interface{}) {
	for k, v := range m {
		switch val := v.(type) {
		case string:
			m[k] = resolveEnvVars(val)
		case map[string]interface{}:
			resolveInMap(val)
		case []interface{}:
			resolveInSlice(val)
		}
	}
}

func resolveInSlice(s []interface{}) {
	for i, v := range s {
		switch val := v.(type) {
		case string:
			s[i] = resolveEnvVars(val)
		case map[string]interface{}:
			resolveInMap(val)
		}
	}
}

// applyDefaults fills zero-valued fields with the spec's stated defaults.
func applyDefaults(cfg *Config) {
	if cfg.Fuzz.OutputDir == "" {
		cfg.Fuzz.OutputDir = "fuzz_out"
	}
	if cfg.Fuzz.SeedDir == "" {
		cfg.Fuzz.SeedDir = "seeds"
	}
	if cfg.Fuzz.MaxInputLen == 0 {
		cfg.Fuzz.MaxInputLen = 4096
	}
	if cfg.Fuzz.MaxEnergy == 0 {
		cfg.Fuzz.MaxEnergy = 32
	}
	if cfg.Fuzz.CalibrationRuns == 0 {
		cfg.Fuzz.CalibrationRuns = 3
	}
	if cfg.Fuzz.DeterministicArithMax == 0 {
		cfg.Fuzz.DeterministicArithMax = 35
	}
	if cfg.Fuzz.MOptPilotPeriod == 0 {
		cfg.Fuzz.MOptPilotPeriod = 1000
	}
	if cfg.Fuzz.MOptCorePeriod == 0 {
		cfg.Fuzz.MOptCorePeriod = 5000
	}
	if cfg.Fuzz.EdgeConfirmThreshold == 0 {
		cfg.Fuzz.EdgeConfirmThreshold = 2
	}
	if cfg.Sampling.MaxSamplesPerRun == 0 {
		cfg.Sampling.MaxSamplesPerRun = 5000
	}
	if cfg.Sampling.SaturationLimit == 0 {
		cfg.Sampling.SaturationLimit = 50
	}
	if cfg.Sampling.GlobalSaturationLimit == 0 {
		cfg.Sampling.GlobalSaturationLimit = 200
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":9090"
	}
}

// Load reads pcfuzz.yaml from the given search paths (or "." if none are
// given), resolves environment-variable placeholders, and unmarshals into
// a Config with defaults applied for anything left unset.
func Load(searchPaths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("pcfuzz")
	v.SetConfigType("yaml")
	if len(searchPaths) == 0 {
		searchPaths = []string{"."}
	}
	for _, p := range searchPaths {
		v.AddConfigPath(p)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: failed to read pcfuzz.yaml: %w", err)
		}
	} else {
		settings := v.AllSettings()
		resolveInMap(settings)
		v = viper.New()
		for k, val := range settings {
			v.Set(k, val)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadEnvFromDotEnv loads KEY=value pairs from a .env file in dir, without
// overriding variables already present in the environment. The file is
// optional; a missing file is not an error.
func LoadEnvFromDotEnv(dir string) error {
	envPath := filepath.Join(dir, ".env")
	data, err := os.ReadFile(envPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: failed to read .env file: %w", err)
	}

	for lineNum, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx < 0 {
			return fmt.Errorf("config: invalid .env line %d: missing '='", lineNum+1)
		}
		key := strings.TrimSpace(line[:idx])
		value := strings.Trim(strings.TrimSpace(line[idx+1:]), `"'`)
		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, value)
		}
	}
	return nil
}
