package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	infraconfig "github.com/coachrun/rvc-core/infrastructure/config"
	"github.com/coachrun/rvc-core/infrastructure/runtime"
)

// envOverrides is the small set of tunables an operator may override
// per-deployment without touching the YAML file, decoded via envdecode.
type envOverrides struct {
	RecordingsDir string `env:"RVC_RECORDINGS_DIR"`
	CANInterfaces string `env:"RVC_CAN_INTERFACES"` // CSV, overrides enabled-interface names only
}

// Load reads the structured configuration from path, applies .env and
// environment-variable overrides, and validates the result totally before
// returning it. A failed validation returns every violation joined
// together (errors.Join) rather than stopping at the first one, so an
// operator sees the whole set in one pass.
func Load(path string) (*Config, error) {
	// Local-dev .env loading; silently ignored if absent (production
	// deployments set env vars directly).
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := &Config{
		PinPolicy: DefaultPinPolicy(),
		RateLimit: DefaultRateLimitPolicy(),
		Retention: DefaultRetentionPolicy(),
		Safety:    DefaultSafetyPolicy(),
		Timeouts:  DefaultTimeouts(),
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.CoachMapping.indexByDevice()
	if err := cfg.RateLimit.parseTrustedNetworks(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	var overrides envOverrides
	if err := envdecode.Decode(&overrides); err != nil {
		// envdecode errors when none of the target fields are set in the
		// environment; treat that as "no overrides" rather than fail boot.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("config: decode env overrides: %w", err)
		}
	}
	cfg.RecordingsDir = runtime.ResolveString(cfg.RecordingsDir, "RVC_RECORDINGS_DIR", "./recordings")
	if overrides.CANInterfaces != "" {
		applyInterfaceOverride(cfg, overrides.CANInterfaces)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyInterfaceOverride(cfg *Config, csv string) {
	enabled := make(map[string]bool)
	for _, name := range infraconfig.SplitAndTrimCSV(csv) {
		enabled[name] = true
	}
	for i := range cfg.CANInterfaces {
		cfg.CANInterfaces[i].Enabled = enabled[cfg.CANInterfaces[i].Name]
	}
}
