package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"topiary/internal/advisory"
	"topiary/internal/alerts"
	"topiary/internal/config"
	"topiary/internal/debounce"
	"topiary/internal/inputs"
	"topiary/internal/oracle"
	"topiary/internal/plant"
	"topiary/internal/twin"
)

// setpointFlags maps command-line flag names to setpoint fields.
var setpointFlags = []struct{ flag, field, usage string }{
	{"sulfur", plant.FieldSulfurIn, "Sulfur feed, T/h"},
	{"adm1", plant.FieldAdm1, "GTA 1 admission, T/h"},
	{"adm2", plant.FieldAdm2, "GTA 2 admission, T/h"},
	{"adm3", plant.FieldAdm3, "GTA 3 admission, T/h"},
}

type cliOptions struct {
	configPath string
	apiURL     string
	debounce   time.Duration
	refresh    string
	logLevel   string
	logFile    string
	altScreen  bool
	output     string
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:           "topiary-twin",
		Short:         "Terminal digital twin of the plant steam and power network",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			logger, closeLog, err := newLogger(cfg, nil)
			if err != nil {
				return err
			}
			defer closeLog()
			return runDashboard(cmd.Context(), cfg, logger)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "YAML config file (env "+config.EnvConfig+")")
	pf.StringVar(&opts.apiURL, "api-url", config.DefaultAPIURL, "Simulation oracle base URL (env "+config.EnvAPIURL+")")
	pf.DurationVar(&opts.debounce, "debounce", debounce.DefaultQuietPeriod, "Quiet period before edits are simulated")
	pf.StringVar(&opts.refresh, "refresh", "", `Cron spec for periodic re-simulation, e.g. "@every 30s"`)
	pf.StringVar(&opts.logLevel, "log-level", config.DefaultLogLevel, "Log level (debug|info|warn|error)")
	pf.StringVar(&opts.logFile, "log-file", config.DefaultLogFile, "Dashboard log file; one-shot commands log to stderr")
	root.Flags().BoolVar(&opts.altScreen, "alt-screen", true, "Use the alternate screen buffer")

	root.AddCommand(
		newSimulateCmd(opts),
		newOptimizeCmd(opts),
		newStatusCmd(opts),
		newReplayCmd(opts),
	)
	return root
}

// load layers explicitly set flags over config.Load (defaults, file, environment).
func (o *cliOptions) load(cmd *cobra.Command) (*config.Config, error) {
	path := o.configPath
	if path == "" {
		path = config.EnvOr(config.EnvConfig, "")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("api-url") {
		cfg.APIURL = o.apiURL
	}
	if flags.Changed("debounce") {
		cfg.Debounce = o.debounce
	}
	if flags.Changed("refresh") {
		cfg.RefreshSchedule = o.refresh
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = o.logLevel
	}
	if flags.Changed("log-file") {
		cfg.LogFile = o.logFile
	}
	if flags.Lookup("alt-screen") != nil && flags.Changed("alt-screen") {
		cfg.AltScreen = o.altScreen
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger logs to w, or to the configured log file when w is nil so the dashboard keeps
// the terminal to itself.
func newLogger(cfg *config.Config, w io.Writer) (*logrus.Logger, func(), error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	closeFn := func() {}
	switch {
	case w != nil:
		logger.SetOutput(w)
	case cfg.LogFile == "":
		logger.SetOutput(io.Discard)
	default:
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		logger.SetOutput(f)
		closeFn = func() { _ = f.Close() }
	}
	return logger, closeFn, nil
}

func runDashboard(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client, err := oracle.New(cfg.APIURL, oracle.WithLogger(logger))
	if err != nil {
		return err
	}
	store := inputs.NewStore(cfg.InitialSetpoints, logger)
	pipeline := twin.New(store, client, twin.Options{
		QuietPeriod:     cfg.Debounce,
		RefreshSchedule: cfg.RefreshSchedule,
		Logger:          logger,
	})
	session := advisory.NewSession(client, pipeline.PlantState, logger)

	events := make(chan tea.Msg, 64)
	done := make(chan struct{})
	unsubscribe := pipeline.Subscribe(forwardEvents(events, done))
	defer unsubscribe()
	if err := pipeline.Start(); err != nil {
		return fmt.Errorf("start twin pipeline: %w", err)
	}
	logger.WithFields(logrus.Fields{"api_url": cfg.APIURL, "debounce": cfg.Debounce, "refresh": cfg.RefreshSchedule}).Info("twin dashboard starting")

	m := newModel(dashboardDeps{
		ctx:     ctx,
		store:   store,
		twin:    pipeline,
		session: session,
		status:  client,
		events:  events,
		apiURL:  client.BaseURL(),
		log:     logger,
	}, cfg)
	programOpts := []tea.ProgramOption{tea.WithMouseCellMotion(), tea.WithContext(ctx)}
	if cfg.AltScreen {
		programOpts = append(programOpts, tea.WithAltScreen())
	}
	_, runErr := tea.NewProgram(m, programOpts...).Run()
	close(done)
	cancel()
	pipeline.Close()
	logger.Info("twin dashboard stopped")
	return runErr
}

func addSetpointFlags(cmd *cobra.Command) {
	defaults := plant.DefaultSetpoints()
	for _, f := range setpointFlags {
		v, _ := defaults.Get(f.field)
		cmd.Flags().Float64(f.flag, v, f.usage+" (default from config initial_setpoints)")
	}
}

// setpointsFromFlags starts from the configured initial setpoints and applies every flag
// the user set through an input store, so values are checked and clamped like dashboard edits.
func setpointsFromFlags(cmd *cobra.Command, cfg *config.Config, logger logrus.FieldLogger) (plant.Setpoints, error) {
	store := inputs.NewStore(cfg.InitialSetpoints, logger)
	for _, f := range setpointFlags {
		if !cmd.Flags().Changed(f.flag) {
			continue
		}
		v, err := cmd.Flags().GetFloat64(f.flag)
		if err != nil {
			return plant.Setpoints{}, err
		}
		if _, err := store.Set(f.field, v); err != nil {
			return plant.Setpoints{}, fmt.Errorf("--%s: %w", f.flag, err)
		}
	}
	return store.Snapshot(), nil
}

type simulationReport struct {
	Setpoints plant.Setpoints  `json:"setpoints" yaml:"setpoints"`
	State     plant.PlantState `json:"state" yaml:"state"`
	Alerts    []plant.Alert    `json:"alerts" yaml:"alerts"`
}

type optimizationReport struct {
	Setpoints  plant.Setpoints   `json:"setpoints" yaml:"setpoints"`
	Suggestion oracle.Suggestion `json:"suggestion" yaml:"suggestion"`
	Message    string            `json:"message" yaml:"message"`
}

type statusReport struct {
	APIURL string               `json:"api_url" yaml:"api_url"`
	Health oracle.Health        `json:"health" yaml:"health"`
	Config oracle.LearnedConfig `json:"config" yaml:"config"`
}

func newSimulateCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Simulate one operating point and evaluate the alert rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, client, err := opts.oneShot(cmd)
			if err != nil {
				return err
			}
			sp, err := setpointsFromFlags(cmd, cfg, logger)
			if err != nil {
				return err
			}
			state, err := client.Simulate(cmd.Context(), sp)
			if err != nil {
				return err
			}
			report := simulationReport{
				Setpoints: sp,
				State:     state,
				Alerts:    alerts.NewEngine(nil, logger).Evaluate(state, sp),
			}
			return writeOutput(cmd.OutOrStdout(), opts.output, report)
		},
	}
	addSetpointFlags(cmd)
	addOutputFlag(cmd, opts)
	return cmd
}

func newOptimizeCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Ask the oracle for a better admission split",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, client, err := opts.oneShot(cmd)
			if err != nil {
				return err
			}
			sp, err := setpointsFromFlags(cmd, cfg, logger)
			if err != nil {
				return err
			}
			sg, err := client.Suggest(cmd.Context(), sp.SulfurIn, sp.Admissions())
			if err != nil {
				return err
			}
			if opts.output == "text" {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), advisory.FormatSuggestion(sg))
				return err
			}
			return writeOutput(cmd.OutOrStdout(), opts.output, optimizationReport{
				Setpoints:  sp,
				Suggestion: sg,
				Message:    advisory.FormatSuggestion(sg),
			})
		},
	}
	addSetpointFlags(cmd)
	addOutputFlag(cmd, opts)
	return cmd
}

func newStatusCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show oracle health and its learned plant configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, _, client, err := opts.oneShot(cmd)
			if err != nil {
				return err
			}
			st, err := fetchStatus(cmd.Context(), client)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), opts.output, statusReport{
				APIURL: client.BaseURL(),
				Health: st.Health,
				Config: st.Config,
			})
		},
	}
	addOutputFlag(cmd, opts)
	return cmd
}

func (o *cliOptions) oneShot(cmd *cobra.Command) (*config.Config, *logrus.Logger, *oracle.Client, error) {
	cfg, err := o.load(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, _, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, nil, err
	}
	client, err := oracle.New(cfg.APIURL, oracle.WithLogger(logger))
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger, client, nil
}

func addOutputFlag(cmd *cobra.Command, opts *cliOptions) {
	cmd.Flags().StringVarP(&opts.output, "output", "o", "yaml", "Output format (yaml|json|text)")
}

func writeOutput(w io.Writer, format string, v any) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "yaml", "text":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format %q (want yaml, json or text)", format)
	}
}

type statusSource interface {
	Health(ctx context.Context) (oracle.Health, error)
	LearnedConfig(ctx context.Context) (oracle.LearnedConfig, error)
}

type oracleStatus struct {
	Health oracle.Health
	Config oracle.LearnedConfig
}

// fetchStatus queries health and learned config concurrently; the first failure cancels
// the other request.
func fetchStatus(ctx context.Context, src statusSource) (oracleStatus, error) {
	var out oracleStatus
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h, err := src.Health(gctx)
		if err != nil {
			return fmt.Errorf("health: %w", err)
		}
		out.Health = h
		return nil
	})
	g.Go(func() error {
		c, err := src.LearnedConfig(gctx)
		if err != nil {
			return fmt.Errorf("learned config: %w", err)
		}
		out.Config = c
		return nil
	})
	if err := g.Wait(); err != nil {
		return oracleStatus{}, err
	}
	return out, nil
}
