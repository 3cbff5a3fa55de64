package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validYAML = `
service:
  log_level: debug
state:
  path: ./history.db
defaults:
  stage_timeout: 15m
  lock_wait: 5m
cores:
  riscv-mini:
    prefix:
      - name: clone
        program: git
        args: ["clone", "https://example.com/riscv-mini.git", "."]
      - name: simulate
        program: make
        args: ["sim"]
    boards:
      - name: ulx3s-1
        resource: ulx3s
        stages:
          - name: synth
            program: make
            args: ["synth"]
            timeout: 1h
            artifacts: "build/*.bit"
          - name: test
            program: ./run_board_tests.sh
`

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "coreci.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr bool
		checkFn func(t *testing.T, cfg *Config)
	}{
		{
			name: "valid config",
			yaml: validYAML,
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.Service.LogLevel != "debug" {
					t.Error("log_level not parsed")
				}
				if cfg.Defaults.StageTimeout == nil || *cfg.Defaults.StageTimeout != 15*time.Minute {
					t.Error("stage_timeout not parsed")
				}
				core, ok := cfg.Cores["riscv-mini"]
				if !ok {
					t.Fatal("core riscv-mini not found")
				}
				if len(core.Prefix) != 2 || core.Prefix[0].Name != "clone" {
					t.Error("prefix stages not parsed")
				}
				if len(core.Boards) != 1 || core.Boards[0].Resource != "ulx3s" {
					t.Error("boards not parsed")
				}
				if core.Boards[0].Stages[0].Timeout == nil || *core.Boards[0].Stages[0].Timeout != time.Hour {
					t.Error("stage timeout override not parsed")
				}
				// Defaults applied where not set
				if cfg.Service.Name != "coreci" {
					t.Error("service name default not applied")
				}
				if cfg.API.Listen == "" {
					t.Error("api listen default not applied")
				}
			},
		},
		{
			name: "env var interpolation",
			yaml: `
state:
  path: ${CORECI_DB}
cores:
  mini:
    boards:
      - name: b1
        resource: r1
        stages:
          - name: test
            program: make
`,
			env: map[string]string{"CORECI_DB": "/tmp/h.db"},
			checkFn: func(t *testing.T, cfg *Config) {
				if cfg.State.Path != "/tmp/h.db" {
					t.Errorf("env var not interpolated: %s", cfg.State.Path)
				}
			},
		},
		{
			name: "unset env var in stage program rejected",
			yaml: `
cores:
  mini:
    boards:
      - name: b1
        resource: r1
        stages:
          - name: test
            program: ${CORECI_NOT_SET_ANYWHERE}
`,
			wantErr: true,
		},
		{
			name:    "no cores rejected",
			yaml:    "service:\n  log_level: info\n",
			wantErr: true,
		},
		{
			name: "board without resource rejected",
			yaml: `
cores:
  mini:
    boards:
      - name: b1
        stages:
          - name: test
            program: make
`,
			wantErr: true,
		},
		{
			name: "stage without program rejected",
			yaml: `
cores:
  mini:
    boards:
      - name: b1
        resource: r1
        stages:
          - name: test
`,
			wantErr: true,
		},
		{
			name:    "bad log level rejected",
			yaml:    "service:\n  log_level: loud\ncores:\n  mini:\n    boards:\n      - name: b1\n        resource: r1\n        stages:\n          - name: t\n            program: make\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := Load(writeConfig(t, tt.yaml))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, cfg)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestGraphConversion(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	g, err := cfg.Graph("riscv-mini")
	if err != nil {
		t.Fatalf("Graph: %v", err)
	}

	if g.Core != "riscv-mini" {
		t.Errorf("core = %q", g.Core)
	}
	if g.LockWait != 5*time.Minute {
		t.Errorf("lock wait = %v", g.LockWait)
	}
	if len(g.Prefix) != 2 || g.Prefix[1].Name != "simulate" {
		t.Error("prefix not converted")
	}
	if len(g.Branches) != 1 {
		t.Fatal("branches not converted")
	}
	b := g.Branches[0]
	if b.Resource != "ulx3s" {
		t.Errorf("resource = %q", b.Resource)
	}
	if b.Stages[0].Timeout != time.Hour {
		t.Error("explicit timeout lost")
	}
	// Stage without its own timeout gets the configured default.
	if b.Stages[1].Timeout != 15*time.Minute {
		t.Errorf("default timeout not applied: %v", b.Stages[1].Timeout)
	}
	if b.Stages[0].ArtifactGlob != "build/*.bit" {
		t.Error("artifact glob lost")
	}
}

func TestExplicitZeroMeansUnlimited(t *testing.T) {
	// A zero written in the file is "no limit", not "use the default".
	yaml := `
state:
  path: ./history.db
defaults:
  stage_timeout: 0
  lock_wait: 0
cores:
  mini:
    boards:
      - name: b1
        resource: r1
        stages:
          - name: test
            program: make
            timeout: 0
`
	cfg, err := Load(writeConfig(t, yaml))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	g, err := cfg.Graph("mini")
	if err != nil {
		t.Fatalf("Graph: %v", err)
	}
	if g.LockWait != 0 {
		t.Errorf("lock wait = %v, want unlimited", g.LockWait)
	}
	if got := g.Branches[0].Stages[0].Timeout; got != 0 {
		t.Errorf("stage timeout = %v, want unlimited", got)
	}
}

func TestGraphUnknownCore(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := cfg.Graph("nope"); err == nil {
		t.Fatal("expected error for unknown core")
	}
}
