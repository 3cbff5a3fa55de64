package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"github.com/hdlci/coreci/internal/api"
	"github.com/hdlci/coreci/internal/boardlock"
	"github.com/hdlci/coreci/internal/config"
	"github.com/hdlci/coreci/internal/events"
	"github.com/hdlci/coreci/internal/executor"
	"github.com/hdlci/coreci/internal/history"
	"github.com/hdlci/coreci/internal/lock"
	"github.com/hdlci/coreci/internal/log"
	"github.com/hdlci/coreci/internal/pipeline"
	"github.com/hdlci/coreci/internal/report"
	"github.com/hdlci/coreci/internal/scheduler"
	"github.com/hdlci/coreci/internal/storage"
	"github.com/hdlci/coreci/internal/tui/watch"
	"github.com/hdlci/coreci/internal/workspace"
)

const version = "0.1.0"

// Branch workspaces older than this are garbage-collected before a run.
const workspaceRetention = 7 * 24 * time.Hour

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "run":
		os.Exit(runPipeline(args))
	case "serve":
		os.Exit(runServe(args))
	case "watch":
		os.Exit(runWatch(args))
	case "config":
		os.Exit(runConfigNoun(args))
	case "runs":
		os.Exit(runRunsNoun(args))
	case "version":
		fmt.Printf("coreci version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`coreci - Hardware CI pipeline runner for HDL cores

Usage:
  coreci <command> [flags]

Commands:
  run               Execute a core's pipeline against its boards
  serve             Run the read-only status API server
  watch             Launch the live run watcher TUI
  config lock       Authorize current config (update integrity hashes)
  config check      Validate config syntax and integrity
  runs list         Show recorded runs
  runs show <id>    Show one run with its stage results

General:
  version           Show version information
  help              Show this help message

Use 'coreci <command> --help' for command-specific flags.
`)
}

// --- NOUN DISPATCHERS ---

func runConfigNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Fprintln(os.Stderr, "Usage: coreci config <action> [flags]")
		fmt.Fprintln(os.Stderr, "Actions: lock, check")
		if len(args) > 0 && isHelpToken(args[0]) {
			return 0
		}
		return 1
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "lock":
		return runConfigLock(actionArgs)
	case "check":
		return runConfigCheck(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

func runRunsNoun(args []string) int {
	if len(args) < 1 || isHelpToken(args[0]) {
		fmt.Fprintln(os.Stderr, "Usage: coreci runs <action> [flags]")
		fmt.Fprintln(os.Stderr, "Actions: list, show")
		if len(args) > 0 && isHelpToken(args[0]) {
			return 0
		}
		return 1
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "list":
		return runRunsList(actionArgs)
	case "show":
		return runRunsShow(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown runs action: %s\n", action)
		return 1
	}
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

// --- ACTION IMPLEMENTATIONS ---

func runPipeline(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "coreci.yaml", "Path to configuration file")
	core := fs.String("core", "", "Core to run (required)")
	jsonOut := fs.Bool("json", false, "Print the result as JSON instead of a report")
	junitPath := fs.String("junit", "", "Write a JUnit XML report to this path")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	if *core == "" {
		fmt.Fprintln(os.Stderr, "Usage: coreci run --core NAME [--config PATH] [--json] [--junit PATH]")
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	graph, err := cfg.Graph(*core)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid pipeline: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("coreci starting", "version", version, "config", *configPath, "core", *core)

	pidLock, err := lock.AcquirePIDLock(pidLockPath(cfg))
	if err != nil {
		logger.Error("failed to acquire PID lock", "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Warn("received shutdown signal, cancelling run", "signal", sig)
		cancel()
	}()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()

	exec, err := executor.New(cfg.Service.ArtifactsDir)
	if err != nil {
		logger.Error("failed to initialize executor", "error", err)
		return 1
	}
	locks, err := boardlock.NewRegistry(cfg.Service.LockDir)
	if err != nil {
		logger.Error("failed to initialize board locks", "error", err)
		return 1
	}
	ws, err := workspace.NewFSManager(cfg.Service.WorkspaceDir)
	if err != nil {
		logger.Error("failed to initialize workspaces", "error", err)
		return 1
	}

	if rep, err := ws.Cleanup(ctx, workspaceRetention); err != nil {
		logger.Warn("workspace cleanup failed", "error", err)
	} else if rep.DeletedDirs > 0 {
		logger.Info("cleaned up old workspaces", "count", rep.DeletedDirs)
	}

	hub := events.NewHub(256)
	sched := scheduler.New(exec, locks, ws, hub)
	store := history.New(db)

	// Optional status API for `coreci watch` and other observers.
	if cfg.API.Enabled {
		srv := api.New(api.Config{Listen: cfg.API.Listen}, store, hub, log.WithComponent("api"))
		go func() {
			if err := srv.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("status server failed", "error", err)
			}
		}()
		logger.Info("status server attached", "listen", cfg.API.Listen)
	}

	// Progress feed: mirror scheduler transitions onto the console log.
	evCh, unsubscribe := hub.Subscribe()
	defer unsubscribe()
	go func() {
		progress := log.WithComponent("progress")
		for ev := range evCh {
			progress.Info(ev.Type, "data", string(ev.Data))
		}
	}()

	runID := uuid.NewString()
	configHash, err := config.ComputeBlake3Hash(*configPath)
	if err != nil {
		logger.Warn("could not hash config file", "error", err)
	}

	res, err := sched.Run(ctx, runID, graph)
	if err != nil {
		logger.Error("run failed to start", "error", err)
		return 1
	}

	// Record with a fresh context: the run context may already be cancelled.
	recordCtx, recordCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer recordCancel()
	if err := store.Record(recordCtx, res, configHash); err != nil {
		logger.Error("failed to record run", "run_id", runID, "error", err)
	}

	if *junitPath != "" {
		if err := report.SaveJUnit(*junitPath, res); err != nil {
			logger.Error("failed to write junit report", "path", *junitPath, "error", err)
		} else {
			logger.Info("junit report written", "path", *junitPath)
		}
	}

	if *jsonOut {
		out, err := report.BuildJSON(res)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render result: %v\n", err)
			return 1
		}
		fmt.Println(out)
	} else {
		fmt.Print(report.BuildSummary(res))
	}

	if res.Verdict != pipeline.VerdictSuccess {
		return 1
	}
	return 0
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "coreci.yaml", "Path to configuration file")
	listen := fs.String("listen", "", "Listen address (overrides api.listen)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")

	addr := cfg.API.Listen
	if *listen != "" {
		addr = *listen
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()

	srv := api.New(api.Config{Listen: addr}, history.New(db), nil, log.WithComponent("api"))
	logger.Info("coreci status server running (press Ctrl+C to stop)", "listen", addr)
	if err := srv.Start(ctx); err != nil && err != context.Canceled {
		logger.Error("status server failed", "error", err)
		return 1
	}
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", "coreci.yaml", "Path to configuration file")
	apiURL := fs.String("api-url", "", "Status API base URL (overrides api.listen)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	url := *apiURL
	if url == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			return 1
		}
		url = "http://" + cfg.API.Listen
	}

	p := tea.NewProgram(watch.New(url))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}

func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	configPath := fs.String("config", "coreci.yaml", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config check FAILED: %v\n", err)
		return 1
	}

	// Every configured core must convert to a valid graph.
	for _, name := range cfg.CoreNames() {
		if _, err := cfg.Graph(name); err != nil {
			fmt.Fprintf(os.Stderr, "Config check FAILED: %v\n", err)
			return 1
		}
	}

	fmt.Printf("Config check PASSED (%d core(s): %s)\n",
		len(cfg.Cores), strings.Join(cfg.CoreNames(), ", "))
	return 0
}

func runConfigLock(args []string) int {
	fs := flag.NewFlagSet("lock", flag.ExitOnError)
	configPath := fs.String("config", "coreci.yaml", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	absPath, err := filepath.Abs(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve config path: %v\n", err)
		return 1
	}

	manifest, err := config.GenerateChecksums(filepath.Dir(absPath), []string{filepath.Base(absPath)})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	fmt.Printf("Locked %s\n", absPath)
	for name, hash := range manifest.Hashes {
		fmt.Printf("  %s: %s\n", name, hash)
	}
	return 0
}

func runRunsList(args []string) int {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	configPath := fs.String("config", "coreci.yaml", "Path to configuration file")
	limit := fs.Int("limit", 20, "Maximum number of runs to show")
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	store, closeDB, err := openStore(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer closeDB()

	runs, err := store.Recent(context.Background(), *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list runs: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(runs, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	if len(runs) == 0 {
		fmt.Println("No recorded runs.")
		return 0
	}
	for _, r := range runs {
		fmt.Printf("%s  %-12s  %-7s  %s  (%s)\n",
			r.ID, r.Core, strings.ToUpper(string(r.Verdict)),
			r.StartedAt.Local().Format(time.RFC3339),
			r.CompletedAt.Sub(r.StartedAt).Round(time.Second))
	}
	return 0
}

func runRunsShow(args []string) int {
	var configPath string
	var jsonOut bool

	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "coreci.yaml", "Path to configuration file")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")

	// Accept flags after the positional run ID.
	var runID string
	var remainingArgs []string
	for _, arg := range args {
		if !strings.HasPrefix(arg, "-") && runID == "" {
			runID = arg
		} else {
			remainingArgs = append(remainingArgs, arg)
		}
	}
	if err := fs.Parse(remainingArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if runID == "" {
		fmt.Fprintln(os.Stderr, "Usage: coreci runs show <run_id> [--config PATH] [--json]")
		return 1
	}

	store, closeDB, err := openStore(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer closeDB()

	sum, stages, err := store.Get(context.Background(), runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load run: %v\n", err)
		return 1
	}

	if jsonOut {
		data, _ := json.MarshalIndent(struct {
			history.RunSummary
			Stages []pipeline.StageRecord `json:"stages"`
		}{sum, stages}, "", "  ")
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("Run %s\n", sum.ID)
	fmt.Printf("  Core    : %s\n", sum.Core)
	fmt.Printf("  Verdict : %s\n", strings.ToUpper(string(sum.Verdict)))
	fmt.Printf("  Started : %s\n", sum.StartedAt.Local().Format(time.RFC3339))
	fmt.Printf("  Duration: %s\n", sum.CompletedAt.Sub(sum.StartedAt).Round(time.Second))
	if sum.ConfigHash != "" {
		fmt.Printf("  Config  : %s\n", sum.ConfigHash)
	}
	fmt.Println()
	for _, st := range stages {
		line := fmt.Sprintf("  [%s] %-12s %-9s %s", st.Branch, st.Stage, st.Outcome, st.Duration.Round(time.Millisecond))
		if st.Detail != "" {
			line += "  (" + st.Detail + ")"
		}
		fmt.Println(line)
	}
	return 0
}

func openStore(configPath string) (*history.Store, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("Failed to load config: %w", err)
	}
	db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("Failed to open database: %w", err)
	}
	return history.New(db), func() { _ = db.Close() }, nil
}

func pidLockPath(cfg *config.Config) string {
	dbPath := cfg.State.Path
	dbBase := filepath.Base(dbPath)
	ext := filepath.Ext(dbBase)
	return filepath.Join(filepath.Dir(dbPath), dbBase[:len(dbBase)-len(ext)]+".pid")
}
