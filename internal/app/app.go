// Package app wires the supervisor, backup loop, health server and job
// registrar into one container lifetime.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/loykin/gatewarden/internal/backup"
	"github.com/loykin/gatewarden/internal/clock"
	"github.com/loykin/gatewarden/internal/config"
	"github.com/loykin/gatewarden/internal/env"
	"github.com/loykin/gatewarden/internal/health"
	historyfactory "github.com/loykin/gatewarden/internal/history/factory"
	"github.com/loykin/gatewarden/internal/metrics"
	"github.com/loykin/gatewarden/internal/process"
	"github.com/loykin/gatewarden/internal/schedule"
	"github.com/loykin/gatewarden/internal/server"
	"github.com/loykin/gatewarden/internal/store"
	storefactory "github.com/loykin/gatewarden/internal/store/factory"
	"github.com/loykin/gatewarden/internal/supervisor"
)

// Options override collaborators built from the configuration.
type Options struct {
	Clock     clock.Clock
	Store     store.Durable
	Launcher  supervisor.Launcher
	Scheduler schedule.Scheduler
	Ready     schedule.ReadyFunc
}

type App struct {
	cfg   *config.Config
	log   *slog.Logger
	clock clock.Clock

	sync      *backup.Synchronizer
	sup       *supervisor.Supervisor
	monitor   *health.Monitor
	registrar *schedule.Registrar
	server    *server.Server

	closeSinks  func()
	cleanupOnce sync.Once
}

// New builds every component. Configuration problems are reported here,
// before anything touches the network or starts the gateway.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, opts Options) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	gwEnv, err := cfg.GatewayEnv()
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, log: log, clock: clk, closeSinks: func() {}}

	st := opts.Store
	if st == nil && cfg.Backup.Enabled() {
		if st, err = storefactory.NewFromDSN(ctx, cfg.Backup.Store); err != nil {
			return nil, fmt.Errorf("%w: backup.store: %v", config.ErrConfig, err)
		}
	}
	if st != nil {
		if a.sync, err = backup.New(st, cfg.Backup.Synchronizer(), clk, log); err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrConfig, err)
		}
	}

	launcher := opts.Launcher
	if launcher == nil {
		pl := &process.Launcher{
			Spec:    cfg.Gateway,
			Log:     cfg.Log,
			Logger:  log.With("component", "process"),
			Environ: func() []string { return gwEnv },
		}
		launcher = supervisor.LauncherFunc(func(ctx context.Context) (supervisor.Handle, error) {
			p, err := pl.Launch(ctx)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}
	supCfg := cfg.Supervisor
	supCfg.StopTimeout = cfg.Gateway.StopTimeout
	a.sup = supervisor.New(cfg.Gateway.Name, supCfg, launcher, clk, log)

	sinks, closeSinks, err := historyfactory.NewSinks(cfg.History.DSNs)
	if err != nil {
		return nil, fmt.Errorf("%w: history: %v", config.ErrConfig, err)
	}
	a.closeSinks = closeSinks
	a.sup.SetHistorySinks(sinks...)

	var storage health.Storage
	if st != nil {
		storage = st
	}
	a.monitor = health.New(health.Config{
		Address:      cfg.Gateway.Address(),
		ProbeTimeout: cfg.Health.ProbeTimeout,
		Resource:     cfg.Health.Resource,
	}, a.currentProcess, storage, log)

	if len(cfg.Schedule.Jobs) > 0 || cfg.Schedule.JobsFile != "" {
		sched := opts.Scheduler
		if sched == nil {
			sched = &schedule.CLIScheduler{Args: cfg.Schedule.Command, Env: gwEnv}
		}
		ready := opts.Ready
		if ready == nil {
			ready = schedule.TCPReady(cfg.Gateway.Address())
		}
		a.registrar = schedule.NewRegistrar(cfg.Schedule.Config, sched, ready, clk, log)
		a.registrar.SetEnv(env.Lookup(gwEnv))
	}

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, err
		}
	}
	if cfg.Server.Listen != "" {
		router := server.NewRouter(a.monitor, a.Status, cfg.Server.BasePath, cfg.Metrics.Enabled)
		a.server = server.NewServer(cfg.Server.Listen, router.Handler(), log)
	}
	return a, nil
}

func (a *App) currentProcess() health.Process {
	h := a.sup.Current()
	if h == nil {
		return nil
	}
	return h
}

// Run restores state, starts the background services and blocks in the
// supervisor loop. The final push runs once on every exit path.
func (a *App) Run(ctx context.Context) error {
	defer a.Cleanup()

	if a.sync != nil {
		res := a.sync.Restore(ctx)
		a.log.Info("restore finished", "restored", res.Restored, "reason", res.Reason)
	}

	tree := a.tree()
	treeCtx, cancelTree := context.WithCancel(ctx)
	treeErr := tree.ServeBackground(treeCtx)

	err := a.sup.Run(ctx)
	cancelTree()
	if terr := <-treeErr; terr != nil && !errors.Is(terr, context.Canceled) {
		a.log.Warn("background services stopped with error", "error", terr)
	}
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		a.log.Info("shutting down", "reason", ctx.Err())
		return nil
	}
	return err
}

func (a *App) tree() *suture.Supervisor {
	hook := (&sutureslog.Handler{Logger: a.log}).MustHook()
	root := suture.New("gatewarden", suture.Spec{
		EventHook:        hook,
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})
	if a.sync != nil {
		root.Add(&pushService{sync: a.sync})
	}
	if a.server != nil {
		root.Add(a.server)
	}
	if a.registrar != nil {
		root.Add(&registrarService{registrar: a.registrar, log: a.log})
	}
	return root
}

// Cleanup runs the final push and releases history sinks. Safe to call
// more than once.
func (a *App) Cleanup() {
	a.cleanupOnce.Do(func() {
		if a.sync != nil {
			res := a.sync.Final(context.Background())
			if res.Err != nil {
				a.log.Warn("final push failed", "error", res.Err)
			}
		}
		a.closeSinks()
	})
}

// Status is served on /status.
func (a *App) Status() any {
	out := map[string]any{
		"gateway":    a.cfg.Gateway.Name,
		"supervisor": a.sup.State(),
	}
	if a.sync != nil {
		push, restore := a.sync.Last()
		out["sync"] = map[string]any{
			"store":       a.sync.Store().Describe(),
			"lastPush":    push,
			"lastRestore": restore,
		}
	}
	return out
}

func (a *App) Monitor() *health.Monitor { return a.monitor }

func (a *App) Synchronizer() *backup.Synchronizer { return a.sync }

func (a *App) Supervisor() *supervisor.Supervisor { return a.sup }
