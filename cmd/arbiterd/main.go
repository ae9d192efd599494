// Command arbiterd runs the partition arbiter for one cluster node.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dd0wney/cluso-arbiter/pkg/api"
	"github.com/dd0wney/cluso-arbiter/pkg/arbiter"
	"github.com/dd0wney/cluso-arbiter/pkg/audit"
	"github.com/dd0wney/cluso-arbiter/pkg/bus"
	"github.com/dd0wney/cluso-arbiter/pkg/cluster"
	"github.com/dd0wney/cluso-arbiter/pkg/config"
	"github.com/dd0wney/cluso-arbiter/pkg/dispatch"
	"github.com/dd0wney/cluso-arbiter/pkg/fencing"
	"github.com/dd0wney/cluso-arbiter/pkg/health"
	"github.com/dd0wney/cluso-arbiter/pkg/hooks"
	"github.com/dd0wney/cluso-arbiter/pkg/logging"
	"github.com/dd0wney/cluso-arbiter/pkg/metrics"
	arbtls "github.com/dd0wney/cluso-arbiter/pkg/tls"
	"github.com/dd0wney/cluso-arbiter/pkg/witness"
)

const (
	shutdownTimeout   = 30 * time.Second
	certExpiryWarning = 14 * 24 * time.Hour
)

func main() {
	configPath := flag.String("config", "/etc/arbiter/arbiter.yaml", "Path to the YAML configuration")
	node := flag.String("node", "", "Local node name (overrides config and ARBITER_NODE_NAME)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	flag.Parse()

	if err := run(*configPath, *node, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "arbiterd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, node, logLevel string) error {
	cfg, err := loadConfig(configPath, node, logLevel)
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger := logging.NewJSONLogger(os.Stdout, level).With(logging.Node(cfg.Node.Name))
	logging.SetDefaultLogger(logger)

	logger.Info("arbiter starting",
		logging.String("empty_witness_policy", cfg.Arbitration.EmptyWitnessPolicy),
		logging.Strings("witnesses", cfg.Witnesses),
		logging.String("transport", cfg.Bus.Transport))

	reg := metrics.NewRegistry()

	var sink *audit.Sink
	if cfg.Audit.Path != "" {
		if sink, err = audit.OpenSink(cfg.Audit.Path); err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer func() {
			if err := sink.Close(); err != nil {
				logger.Warn("audit log close failed", logging.Error(err))
			}
		}()
	}
	journal := audit.NewJournal(cfg.Audit.Capacity, sink)

	runner := hooks.ExecRunner{}

	locks := fencing.NewLockManager(cfg.Fencing.LockDir, cfg.Fencing.StaleGrace,
		fencing.WithPollInterval(cfg.Fencing.PollInterval),
		fencing.WithLockLogger(logger),
		fencing.WithLockMetrics(reg),
		fencing.WithStaleHook(func(channel string, holder int, age time.Duration) {
			e := audit.NewEvent(audit.KindStaleLock, "", audit.OutcomeInfo, "stale fencing lock broken").
				With("holder_pid", holder).
				With("age", age.String())
			e.Channel = channel
			if err := journal.Record(e); err != nil {
				logger.Warn("journal write failed", logging.Error(err))
			}
		}))
	coordinator := fencing.NewCoordinator(locks,
		hooks.NewExecFencer(cfg.Fencing.Command, runner, logger),
		fencing.CoordinatorConfig{
			LockWait:     cfg.Fencing.LockWait,
			FenceTimeout: cfg.Fencing.FenceTimeout,
		}, logger, reg)

	probe, err := witness.ProbeFor(cfg.Probe.Method)
	if err != nil {
		return err
	}
	prober := witness.NewProber(probe, cfg.Probe.WitnessTimeout,
		witness.WithLogger(logger), witness.WithMetrics(reg))

	arb, err := newArbiter(cfg, logger, reg)
	if err != nil {
		return err
	}

	factory, err := bus.NewSocketFactory(cfg.Bus.Transport)
	if err != nil {
		return err
	}
	codec, err := bus.NewCodec([]byte(cfg.Bus.AuthKey), cfg.Bus.CompressThreshold)
	if err != nil {
		return err
	}
	if cfg.Bus.AuthKey == "" {
		logger.Warn("bus authentication key not set; messages are checksummed but not authenticated")
	}
	b, err := bus.New(bus.Config{
		Self:        cfg.Node.Name,
		Listen:      cfg.Bus.Listen,
		Peers:       cfg.Bus.Peers,
		RecvTimeout: cfg.Bus.RecvTimeout,
	}, factory, codec, logger, reg)
	if err != nil {
		return fmt.Errorf("open bus: %w", err)
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warn("bus close failed", logging.Error(err))
		}
	}()

	d, err := dispatch.New(dispatch.Config{Witnesses: cfg.Witnesses}, dispatch.Deps{
		Observer:  cluster.NewObserver(cfg.Node.Name, reg),
		Arbiter:   arb,
		Prober:    prober,
		Fencer:    coordinator,
		Resources: hooks.NewExecResourceManager(cfg.Hooks.StepDown, cfg.Hooks.Release, cfg.Hooks.Timeout, runner, logger),
		Escalator: hooks.NewLogEscalator(cfg.Hooks.Escalate, cfg.Hooks.Timeout, runner, journal, logger),
		Bus:       b,
		Journal:   journal,
		Logger:    logger,
		Metrics:   reg,
	})
	if err != nil {
		return err
	}

	hc := newHealthChecker(d)
	serverTLS, err := arbtls.ServerConfig(arbtls.Config{
		CertFile:          cfg.HTTP.TLS.CertFile,
		KeyFile:           cfg.HTTP.TLS.KeyFile,
		CAFile:            cfg.HTTP.TLS.CAFile,
		RequireClientCert: cfg.HTTP.TLS.RequireClientCert,
		AutoGenerate:      cfg.HTTP.TLS.AutoGenerate,
		Hosts:             cfg.HTTP.TLS.Hosts,
		ValidFor:          cfg.HTTP.TLS.ValidFor,
	})
	if err != nil {
		return fmt.Errorf("http tls: %w", err)
	}
	if certFile := cfg.HTTP.TLS.CertFile; certFile != "" {
		hc.Register("tls_certificate", health.CertificateCheck(func() (time.Time, error) {
			info, err := arbtls.Inspect(certFile)
			if err != nil {
				return time.Time{}, err
			}
			return info.NotAfter, nil
		}, certExpiryWarning), health.ProbeHealth)
	}

	server := api.NewServer(cfg.HTTP.Addr, d, hc, journal, reg, logger)
	if serverTLS != nil {
		server.UseTLS(serverTLS)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	errs := make(chan error, 3)

	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := d.Run(ctx); err != nil {
			errs <- fmt.Errorf("dispatcher: %w", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := b.Run(ctx, d.Deliver(ctx)); err != nil && !errors.Is(err, bus.ErrClosed) {
			errs <- fmt.Errorf("bus: %w", err)
		}
	}()
	go func() {
		defer wg.Done()
		server.RunSystemMetrics(ctx, 15*time.Second)
	}()

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start() }()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		runErr = fmt.Errorf("http: %w", err)
	case err := <-errs:
		runErr = err
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", logging.Error(err))
	}
	wg.Wait()

	logger.Info("arbiter stopped")
	return runErr
}

// loadConfig reads the configuration and applies command-line overrides,
// which take precedence over the environment.
func loadConfig(path, node, logLevel string) (*config.Config, error) {
	if node == "" && logLevel == "" {
		return config.Load(path)
	}

	cfg := config.Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := config.Parse(data, cfg); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if node != "" {
		cfg.Node.Name = node
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newArbiter(cfg *config.Config, logger logging.Logger, reg *metrics.Registry) (*arbiter.Arbiter, error) {
	policy, err := arbiter.ParseEmptyPolicy(cfg.Arbitration.EmptyWitnessPolicy)
	if err != nil {
		return nil, err
	}
	scope, err := arbiter.ParseScope(cfg.Arbitration.ReleaseScope)
	if err != nil {
		return nil, err
	}

	homes := make(map[string]string, len(cfg.Resources.Groups))
	for _, g := range cfg.Resources.Groups {
		homes[g.Name] = g.Node
	}

	return arbiter.New(arbiter.Config{
		Self:         cfg.Node.Name,
		Policy:       policy,
		ReleaseScope: scope,
		RoundTimeout: cfg.Probe.RoundTimeout,
		Groups:       arbiter.NewGroups(homes),
		ChannelFor:   cfg.ChannelFor,
	}, logger, reg)
}

func newHealthChecker(d *dispatch.Dispatcher) *health.HealthChecker {
	hc := health.NewHealthChecker()

	hc.Register("event_loop", health.LoopCheck(func() bool {
		return d.Status().Running
	}), health.ProbeHealth, health.ProbeReadiness, health.ProbeLiveness)

	hc.Register("witnesses", health.WitnessCheck(func() (int, int, bool) {
		st := d.Status()
		if st.LastRound == nil {
			return len(st.Witnesses), 0, false
		}
		return len(st.Witnesses), len(st.LastRound.Reachable), true
	}), health.ProbeHealth)

	hc.Register("fencing", health.FencingCheck(func() []string {
		unfenced := d.Status().Arbiter.Unfenced
		peers := make([]string, 0, len(unfenced))
		for _, u := range unfenced {
			peers = append(peers, u.Peer)
		}
		return peers
	}), health.ProbeHealth)

	hc.Register("membership", health.MembershipCheck(func() (up, down, unknown int) {
		for _, n := range d.Status().Members {
			switch n.Status {
			case cluster.StatusUp:
				up++
			case cluster.StatusDown:
				down++
			default:
				unknown++
			}
		}
		return up, down, unknown
	}), health.ProbeHealth, health.ProbeReadiness)

	return hc
}
