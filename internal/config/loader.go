package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/hdlci/coreci/internal/pipeline"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates and validates a configuration file. When a
// .checksums manifest exists next to the file, the file is verified against
// it before use.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	if _, err := os.Stat(absPath); err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// CoreNames lists configured cores in sorted order.
func (c *Config) CoreNames() []string {
	names := make([]string, 0, len(c.Cores))
	for name := range c.Cores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Graph converts one core's configuration into an executable pipeline
// graph, filling in the configured defaults.
func (c *Config) Graph(core string) (pipeline.Graph, error) {
	cc, ok := c.Cores[core]
	if !ok {
		return pipeline.Graph{}, fmt.Errorf("core %q is not configured (known: %v)", core, c.CoreNames())
	}

	g := pipeline.Graph{
		Core:     core,
		LockWait: *c.Defaults.LockWait,
	}
	for _, sc := range cc.Prefix {
		g.Prefix = append(g.Prefix, c.stage(sc))
	}
	for _, bc := range cc.Boards {
		b := pipeline.Branch{Name: bc.Name, Resource: bc.Resource}
		for _, sc := range bc.Stages {
			b.Stages = append(b.Stages, c.stage(sc))
		}
		g.Branches = append(g.Branches, b)
	}

	if err := g.Validate(); err != nil {
		return pipeline.Graph{}, fmt.Errorf("core %q: %w", core, err)
	}
	return g, nil
}

func (c *Config) stage(sc StageConfig) pipeline.Stage {
	// An absent timeout takes the default; an explicit zero disables the
	// limit entirely.
	timeout := *c.Defaults.StageTimeout
	if sc.Timeout != nil {
		timeout = *sc.Timeout
	}
	return pipeline.Stage{
		Name: sc.Name,
		Command: pipeline.Command{
			Program: sc.Program,
			Args:    sc.Args,
			Dir:     sc.Dir,
		},
		Timeout:      timeout,
		ArtifactGlob: sc.Artifacts,
	}
}

// verifyConfigHash checks the file against the .checksums manifest in its
// directory. Only a missing manifest skips verification; a manifest that is
// unreadable, unparseable or does not cover the file is a hard failure,
// since a corrupted manifest is indistinguishable from a tampered one.
func verifyConfigHash(path string) error {
	dir := filepath.Dir(path)
	if _, err := os.Stat(filepath.Join(dir, ".checksums")); os.IsNotExist(err) {
		return nil
	}

	manifest, err := LoadChecksums(dir)
	if err != nil {
		return fmt.Errorf("config integrity check failed: %w\n"+
			"The .checksums manifest at %s could not be used.\n"+
			"If you trust the current config, regenerate it with: coreci config lock --config %s", err, dir, path)
	}

	basename := filepath.Base(path)
	expectedHash, ok := manifest.Hashes[basename]
	if !ok {
		return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
			"Run: coreci config lock --config %s", basename, dir, path)
	}

	if err := VerifyFileHash(path, expectedHash); err != nil {
		return fmt.Errorf("config verification failed for %s: %w\n"+
			"This indicates tampering or unauthorized modification.\n"+
			"If you edited this file intentionally, run: coreci config lock --config %s", path, err, path)
	}
	return nil
}

// applyDefaults merges default values into config where not explicitly set.
func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LockDir == "" {
		cfg.Service.LockDir = defaults.Service.LockDir
	}
	if cfg.Service.ArtifactsDir == "" {
		cfg.Service.ArtifactsDir = defaults.Service.ArtifactsDir
	}
	if cfg.Service.WorkspaceDir == "" {
		cfg.Service.WorkspaceDir = defaults.Service.WorkspaceDir
	}
	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.Defaults.StageTimeout == nil {
		cfg.Defaults.StageTimeout = defaults.Defaults.StageTimeout
	}
	if cfg.Defaults.LockWait == nil {
		cfg.Defaults.LockWait = defaults.Defaults.LockWait
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and rejected by validation.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if *cfg.Defaults.StageTimeout < 0 {
		return fmt.Errorf("defaults.stage_timeout must not be negative")
	}
	if *cfg.Defaults.LockWait < 0 {
		return fmt.Errorf("defaults.lock_wait must not be negative")
	}

	if len(cfg.Cores) == 0 {
		return fmt.Errorf("at least one core must be configured")
	}

	for name, cc := range cfg.Cores {
		if len(cc.Boards) == 0 {
			return fmt.Errorf("core %q: at least one board is required", name)
		}
		for i, sc := range cc.Prefix {
			if err := validateStage(sc); err != nil {
				return fmt.Errorf("core %q: prefix[%d]: %w", name, i, err)
			}
		}
		for _, bc := range cc.Boards {
			if bc.Name == "" {
				return fmt.Errorf("core %q: board name is required", name)
			}
			if bc.Resource == "" {
				return fmt.Errorf("core %q: board %q: resource is required", name, bc.Name)
			}
			for i, sc := range bc.Stages {
				if err := validateStage(sc); err != nil {
					return fmt.Errorf("core %q: board %q: stages[%d]: %w", name, bc.Name, i, err)
				}
			}
		}
	}

	return nil
}

func validateStage(sc StageConfig) error {
	if sc.Name == "" {
		return fmt.Errorf("stage name is required")
	}
	if sc.Program == "" {
		return fmt.Errorf("stage %q: program is required", sc.Name)
	}
	if sc.Timeout != nil && *sc.Timeout < 0 {
		return fmt.Errorf("stage %q: timeout must not be negative", sc.Name)
	}
	// Unresolved ${VAR} placeholders must not reach the executor.
	for _, v := range append([]string{sc.Program, sc.Dir}, sc.Args...) {
		if envVarPattern.MatchString(v) {
			matches := envVarPattern.FindStringSubmatch(v)
			return fmt.Errorf("stage %q: environment variable ${%s} is not set", sc.Name, matches[1])
		}
	}
	return nil
}
