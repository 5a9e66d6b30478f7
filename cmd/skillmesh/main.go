package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/clawinfra/skillmesh/internal/config"
	"github.com/clawinfra/skillmesh/internal/contextbuilder"
	"github.com/clawinfra/skillmesh/internal/dispatcher"
	"github.com/clawinfra/skillmesh/internal/evolution"
	"github.com/clawinfra/skillmesh/internal/intent"
	"github.com/clawinfra/skillmesh/internal/model"
	"github.com/clawinfra/skillmesh/internal/registry"
	"github.com/clawinfra/skillmesh/internal/skillsdef"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

// App holds all the runtime components
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Registry   *registry.Registry
	Dispatcher *dispatcher.Dispatcher
	Service    *evolution.Service
	Scanner    *evolution.Scanner
	Skills     []model.Skill
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "skillmesh.json", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("skillmesh v%s (built %s)\n", version, buildTime)
		return 0
	}

	args := flag.Args()
	cmd := "serve"
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	app, err := setup(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		return 1
	}
	defer shutdown(app)

	switch cmd {
	case "serve":
		return serve(app)
	case "evolve":
		return evolveCommand(app, args)
	case "registry":
		return registryCommand(app, args)
	case "context":
		return contextCommand(app, args)
	case "help", "--help", "-h":
		printHelp()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printHelp()
		return 1
	}
}

func printHelp() {
	fmt.Println(`Usage: skillmesh [flags] <command>

Commands:
  serve                       Run the agent runtime (default)
  evolve trigger <skill> <description>
                              Queue a manual evolution for a skill
  evolve list                 List evolution records and their states
  registry list               List registered capabilities
  registry brief              Print the capability brief
  context preview <input>     Classify an input and print the prompt it builds
  context tools <input>       Classify an input and print its tool surface

Flags:
  -config <path>              Config file (default skillmesh.json)
  -version                    Show version`)
}

// setup initializes all application components
func setup(configPath string) (*App, error) {
	app := &App{}

	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := loadConfig(configPath, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app.Config = cfg

	// Recreate logger with config's log level
	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))

	app.Logger.Info("starting skillmesh", "version", version, "config", configPath)

	reg, err := registry.New(filepath.Join(cfg.Server.DataDir, cfg.Registry.Dir))
	if err != nil {
		return nil, fmt.Errorf("create registry: %w", err)
	}
	app.Registry = reg

	if err := reg.Load(); err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	bound, skipped, err := reg.RehydrateExecutors()
	if err != nil {
		return nil, fmt.Errorf("rehydrate executors: %w", err)
	}
	if bound > 0 || skipped > 0 {
		app.Logger.Info("rehydrated executors", "bound", bound, "skipped", skipped)
	}

	app.Dispatcher = dispatcher.New(app.Logger)

	skillsDir := filepath.Join(cfg.Server.DataDir, "skills")
	loader := skillsdef.NewLoader(skillsDir, app.Logger)
	skills, err := loader.LoadAll()
	if err != nil {
		return nil, fmt.Errorf("load skills: %w", err)
	}
	app.Skills = skills

	svc, err := evolution.NewService(
		cfg.Server.DataDir,
		skillsDir,
		reg,
		evolution.NewSkillExecutorFactory(app.Dispatcher, reg),
		evolution.Options{
			MaxAttempts:     cfg.Evolution.MaxAttempts,
			ProviderTimeout: secondsToDuration(cfg.Evolution.ProviderTimeoutSec),
			TestTimeout:     secondsToDuration(cfg.Evolution.TestTimeoutSec),
		},
		app.Logger,
	)
	if err != nil {
		return nil, fmt.Errorf("create evolution service: %w", err)
	}
	app.Service = svc

	if cfg.Evolution.Enabled {
		app.Scanner = evolution.NewScanner(svc, cfg.Evolution.FailureThreshold, app.Logger)
	}

	return app, nil
}

func secondsToDuration(secs int) time.Duration {
	return time.Duration(secs) * time.Second
}

// loadConfig loads configuration from file or creates default
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no config found, creating default")
			cfg = config.DefaultConfig()
			if err := cfg.Save(path); err != nil {
				return nil, fmt.Errorf("save default config: %w", err)
			}
			if err := os.MkdirAll(cfg.Server.DataDir, 0750); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// parseLogLevel converts string log level to slog.Level
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func serve(app *App) int {
	if app.Scanner != nil {
		if err := app.Scanner.Start(app.Config.Evolution.ScanSchedule); err != nil {
			app.Logger.Error("failed to start scanner", "error", err)
			return 1
		}
	}

	app.Logger.Info("skillmesh running",
		"skills", len(app.Skills),
		"capabilities", app.Registry.Stats().Total,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	app.Logger.Info("shutdown signal received", "signal", sig)
	return 0
}

func evolveCommand(app *App, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: skillmesh evolve <trigger|list> ...")
		return 1
	}
	switch args[0] {
	case "trigger":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: skillmesh evolve trigger <skill> <description>")
			return 1
		}
		id, err := app.Service.TriggerManualEvolution(args[1], args[2])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Println(id)
		return 0
	case "list":
		for _, rec := range app.Service.ListRecords() {
			fmt.Printf("%s  %-16s attempt %d/%d  %s\n",
				rec.ID, rec.State, rec.Attempt, rec.MaxAttempts, rec.SkillName)
		}
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown evolve subcommand: %s\n", args[0])
		return 1
	}
}

func registryCommand(app *App, args []string) int {
	sub := "list"
	if len(args) > 0 {
		sub = args[0]
	}
	switch sub {
	case "list":
		for _, d := range app.Registry.ListAll() {
			fmt.Printf("%-32s %-10s %-16s v%s  %s\n",
				d.ID, d.CapabilityType, d.Status.Kind, d.Version, d.Name)
		}
		return 0
	case "brief":
		fmt.Print(app.Registry.GenerateBrief())
		return 0
	case "health":
		results := app.Registry.HealthCheckAll(context.Background())
		for id, healthy := range results {
			fmt.Printf("%-32s %v\n", id, healthy)
		}
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown registry subcommand: %s\n", sub)
		return 1
	}
}

// contextCommand is the debugging surface for the intent classifier and
// context builder: it shows exactly what a given user input would put in
// front of the provider.
func contextCommand(app *App, args []string) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: skillmesh context <preview|tools> <input>")
		return 1
	}
	sub := args[0]
	input := strings.Join(args[1:], " ")
	intents := intent.Classify(input)

	switch sub {
	case "preview":
		b := &contextbuilder.Builder{
			WorkspaceDir:    app.Config.Server.DataDir,
			Skills:          app.Skills,
			CapabilityBrief: app.Registry.GenerateBrief(),
		}
		msgs := b.BuildMessages(context.Background(), nil, input, nil, intents, nil, nil)
		fmt.Printf("intents: %v\n\n", intents)
		for _, m := range msgs {
			fmt.Printf("--- %s ---\n%s\n", m.Role, m.Content)
		}
		return 0
	case "tools":
		fmt.Printf("intents: %v\n", intents)
		for _, name := range intent.ToolsForIntents(intents) {
			fmt.Println(name)
		}
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown context subcommand: %s\n", sub)
		return 1
	}
}

// shutdown saves state and releases handles.
func shutdown(app *App) {
	if app.Scanner != nil {
		app.Scanner.Stop()
	}
	if app.Registry != nil {
		if err := app.Registry.Save(); err != nil {
			app.Logger.Error("failed to save registry", "error", err)
		}
		_ = app.Registry.Close()
	}
	if app.Service != nil {
		_ = app.Service.Close()
	}
}
