package config

import "time"

// Config is the complete coreci configuration: service-wide settings plus
// the pipeline definition for every core under test.
type Config struct {
	Service  ServiceConfig         `yaml:"service"`
	State    StateConfig           `yaml:"state"`
	API      APIConfig             `yaml:"api,omitempty"`
	Defaults DefaultsConfig        `yaml:"defaults,omitempty"`
	Cores    map[string]CoreConfig `yaml:"cores"`
}

// ServiceConfig defines process-wide settings.
type ServiceConfig struct {
	Name         string `yaml:"name"`
	LogLevel     string `yaml:"log_level"`
	LockDir      string `yaml:"lock_dir"`
	ArtifactsDir string `yaml:"artifacts_dir"`
	WorkspaceDir string `yaml:"workspace_dir"`
}

// StateConfig defines run-history storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines the read-only status HTTP server.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// DefaultsConfig holds values applied to stages and branches that do not
// set their own. Pointers distinguish an absent key from an explicit zero,
// which means "no limit".
type DefaultsConfig struct {
	StageTimeout *time.Duration `yaml:"stage_timeout"`
	LockWait     *time.Duration `yaml:"lock_wait"`
}

// CoreConfig defines one core's pipeline: the shared prefix and the board
// branches that fan out after it.
type CoreConfig struct {
	Prefix []StageConfig  `yaml:"prefix"`
	Boards []BranchConfig `yaml:"boards"`
}

// StageConfig defines a single external-tool invocation.
type StageConfig struct {
	Name      string         `yaml:"name"`
	Program   string         `yaml:"program"`
	Args      []string       `yaml:"args,omitempty"`
	Dir       string         `yaml:"dir,omitempty"`
	Timeout   *time.Duration `yaml:"timeout,omitempty"`
	Artifacts string         `yaml:"artifacts,omitempty"`
}

// BranchConfig defines one board branch and the physical resource class it
// must hold exclusively while running.
type BranchConfig struct {
	Name     string        `yaml:"name"`
	Resource string        `yaml:"resource"`
	Stages   []StageConfig `yaml:"stages"`
}

// ChecksumManifest is the on-disk .checksums file format.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:         "coreci",
			LogLevel:     "info",
			LockDir:      "./state/locks",
			ArtifactsDir: "./state/artifacts",
			WorkspaceDir: "./state/workspaces",
		},
		State: StateConfig{
			Path: "./state/history.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8761",
		},
		Defaults: DefaultsConfig{
			StageTimeout: durationRef(30 * time.Minute),
			LockWait:     durationRef(10 * time.Minute),
		},
	}
}

func durationRef(d time.Duration) *time.Duration {
	return &d
}
