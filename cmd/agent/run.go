package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cisec/lockdown-agent/internal/api"
	"github.com/cisec/lockdown-agent/internal/config"
	"github.com/cisec/lockdown-agent/internal/controller"
	"github.com/cisec/lockdown-agent/internal/envscan"
	"github.com/cisec/lockdown-agent/internal/eventbus"
	"github.com/cisec/lockdown-agent/internal/firewall"
	"github.com/cisec/lockdown-agent/internal/metrics"
	"github.com/cisec/lockdown-agent/internal/platform"
	"github.com/cisec/lockdown-agent/internal/procmon"
	"github.com/cisec/lockdown-agent/internal/reporter"
	"github.com/cisec/lockdown-agent/internal/resolver"
	"github.com/cisec/lockdown-agent/internal/safety"
	"github.com/cisec/lockdown-agent/internal/watchdog"
	"github.com/cisec/lockdown-agent/internal/wfp"
	"github.com/cisec/lockdown-agent/pkg/types"
)

const shutdownTimeout = 30 * time.Second

type runOptions struct {
	dryRun         bool
	lockOnStart    bool
	monitorOnStart bool
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent and its control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "use in-memory filter engine and firewall instead of the OS")
	cmd.Flags().BoolVar(&opts.lockOnStart, "lock", false, "lock the network on start")
	cmd.Flags().BoolVar(&opts.monitorOnStart, "monitor", false, "start the integrity monitor on start")
	return cmd
}

// agentRuntime is the wired agent.
type agentRuntime struct {
	cfg      *config.AgentConfig
	bus      *eventbus.Bus
	ctrl     *controller.Controller
	deadman  *safety.DeadMan
	reporter *reporter.Reporter
	api      *api.Server
	logger   zerolog.Logger
}

func newAgentRuntime(cfg *config.AgentConfig, dryRun bool, logger zerolog.Logger) (*agentRuntime, error) {
	host, err := platform.GetHost()
	if err != nil {
		return nil, fmt.Errorf("initializing platform: %w", err)
	}

	res, err := resolver.New(cfg.Network.Resolver)
	if err != nil {
		return nil, fmt.Errorf("creating resolver: %w", err)
	}

	var (
		opener wfp.Opener
		policy firewall.Policy
	)
	if dryRun {
		logger.Warn().Msg("Dry run: filter engine and firewall are simulated in memory")
		opener = wfp.MemoryOpener(wfp.NewMemorySession())
		policy = firewall.NewMemoryPolicy()
	} else {
		opener = wfp.OpenDynamicSession
		policy, err = firewall.NewSystemPolicy()
		if err != nil {
			return nil, fmt.Errorf("opening firewall policy: %w", err)
		}
	}

	bus := eventbus.New(eventbus.DefaultQueueSize, logger)
	deadman := safety.NewDeadMan(logger)
	m := metrics.Get()
	m.TrackBus(bus.Stats)

	ctrl := controller.New(controller.Deps{
		Engine:   wfp.NewEngine(opener, logger),
		Firewall: firewall.NewManager(policy, res, cfg.Network.WhitelistDomains, logger),
		Processes: procmon.NewMonitor(procmon.NewClassifier(cfg.Monitor), host.Processes, host.Windows,
			bus, cfg.Monitor.ProcessInterval, logger),
		Environment: envscan.NewScanner(host, cfg.Environment, logger),
		Events:      bus,
		DeadMan:     deadman,
		OnRefresh: func(o watchdog.Outcome) {
			m.ObserveRefresh(string(o))
		},
	}, controller.Options{
		AllowedApps:         cfg.Network.AllowedApps,
		RefreshInterval:     cfg.Network.RefreshInterval,
		EnvironmentInterval: cfg.Monitor.EnvironmentInterval,
	}, logger)
	deadman.Arm(ctrl.EmergencyReset)
	if err := ctrl.RestoreOnStartup(); err != nil {
		return nil, err
	}

	rt := &agentRuntime{
		cfg:     cfg,
		bus:     bus,
		ctrl:    ctrl,
		deadman: deadman,
		logger:  logger,
	}

	if cfg.Reporter.Enabled {
		rt.reporter, err = reporter.New(cfg.Reporter, cfg.Agent, m.ObserveFlush, deadman.Go, logger)
		if err != nil {
			return nil, fmt.Errorf("creating reporter: %w", err)
		}
	}
	if cfg.Control.Enabled {
		rt.api = api.NewServer(ctrl, bus, version, deadman.Go, logger)
	}
	return rt, nil
}

// start launches the background workers. The returned function waits for
// them after the bus has been stopped.
func (rt *agentRuntime) start(ctx, busCtx context.Context) (wait func()) {
	busDone := make(chan struct{})
	rt.deadman.Go(func() {
		defer close(busDone)
		rt.bus.Run(busCtx)
	})

	rt.deadman.Go(func() {
		metrics.Get().Run(busCtx, rt.bus.Subscribe(eventbus.DefaultSubscriberBuffer), rt.ctrl.Status)
	})

	logEvents := rt.bus.Subscribe(eventbus.DefaultSubscriberBuffer)
	rt.deadman.Go(func() { rt.logEvents(logEvents) })

	reporterDone := make(chan struct{})
	if rt.reporter != nil {
		events := rt.bus.Subscribe(eventbus.DefaultSubscriberBuffer)
		rt.deadman.Go(func() {
			defer close(reporterDone)
			// The bus closes the subscription after draining, which makes
			// the reporter flush and exit.
			rt.reporter.Run(context.Background(), events)
		})
	} else {
		close(reporterDone)
	}

	if rt.api != nil {
		rt.deadman.Go(func() {
			if err := rt.api.ListenAndServe(ctx, rt.cfg.Control.Listen); err != nil {
				rt.logger.Error().Err(err).Msg("Control API stopped")
			}
		})
	}

	return func() {
		<-busDone
		<-reporterDone
	}
}

// logEvents writes every bus event to the log, the headless stand-in for a
// front end's log pane.
func (rt *agentRuntime) logEvents(events <-chan types.Event) {
	for ev := range events {
		var e *zerolog.Event
		switch ev.Kind {
		case types.EventViolation:
			e = rt.logger.Warn().Str("category", string(ev.Category))
		case types.EventError:
			e = rt.logger.Error()
		default:
			e = rt.logger.Info()
		}
		e.Str("kind", string(ev.Kind)).Str("source", ev.Source).Msg(ev.Message)
	}
}

func run(opts *runOptions) error {
	cfg, err := config.LoadAgentConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration %s: %w", cfgFile, err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logger, closer, err := setupLogger(cfg.Logging)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Str("student_id", cfg.Agent.StudentID).
		Str("session_id", cfg.Agent.SessionID).
		Msg("Starting Lockdown Agent")

	rt, err := newAgentRuntime(cfg, opts.dryRun, logger)
	if err != nil {
		return err
	}
	defer rt.deadman.Recover()

	ctx, stop := safety.NotifyShutdown(context.Background())
	defer stop()
	busCtx, stopBus := context.WithCancel(context.Background())
	defer stopBus()

	wait := rt.start(ctx, busCtx)

	if opts.monitorOnStart {
		if err := rt.ctrl.StartMonitor(); err != nil {
			logger.Error().Err(err).Msg("Failed to start monitor")
		}
	}
	if opts.lockOnStart {
		if err := rt.ctrl.Lock(); err != nil {
			logger.Error().Err(err).Msg("Failed to lock network")
		}
	}

	<-ctx.Done()
	logger.Info().Msg("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := rt.ctrl.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		logger.Error().Err(shutdownErr).Msg("Shutdown incomplete")
	}

	stopBus()
	wait()

	logger.Info().Msg("Agent stopped")
	return shutdownErr
}
