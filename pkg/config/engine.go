package config

// EngineConfig describes the bridge to the external agent command that
// actually performs runs. Conductor dispatches, supervises and records;
// the command does the work.
type EngineConfig struct {
	// Command is executed once per dispatched run. Run identity and the
	// selected model are passed in CONDUCTOR_* environment variables; the
	// process may print a JSON run result as its last stdout line.
	// Empty means no engine is provisioned and every run fails until one
	// is configured.
	Command string `yaml:"command"`

	// WorkDir is the working directory for run and gate processes. Empty
	// means the daemon's working directory.
	WorkDir string `yaml:"work_dir"`
}

// DefaultEngineConfig returns the built-in engine defaults.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{}
}
