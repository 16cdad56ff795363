package config

// Config is the complete immutable boot-time configuration. It is produced
// once by Load and never mutated afterward — reconfiguration of any field
// requires a process restart, matching the "Configuration is
// immutable post-load" rule.
type Config struct {
	RVCSpec       RVCSpecTable         `yaml:"rvc_spec"`
	CoachMapping  CoachMapping         `yaml:"coach_mapping"`
	CANInterfaces []CANInterfaceConfig `yaml:"can_interfaces"`
	PinPolicy     PinPolicy            `yaml:"pin_policy"`
	RateLimit     RateLimitPolicy      `yaml:"rate_limit"`
	Retention     RetentionPolicy      `yaml:"retention"`
	Safety        SafetyPolicy         `yaml:"safety"`
	Timeouts      Timeouts             `yaml:"timeouts"`

	// RecordingsDir is the directory Recorder sessions are written under.
	RecordingsDir string `yaml:"recordings_dir"`
}
