// Package nitra assembles the scheduling core into a runnable server:
// configuration, logging, metrics, the orchestrator and the TCP
// acceptor.
package nitra

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/ymarcov/nitra/channel"
	"github.com/ymarcov/nitra/config"
	"github.com/ymarcov/nitra/log"
	"github.com/ymarcov/nitra/metrics"
	"github.com/ymarcov/nitra/orchestrator"
	"github.com/ymarcov/nitra/server"
	"github.com/ymarcov/nitra/throttle"
)

// Nitra holds the assembled components of one server instance.
type Nitra struct {
	Config       *config.Config
	Logger       *log.CoreLogger
	Metrics      *metrics.PrometheusReporter
	Orchestrator *orchestrator.Orchestrator
	Server       *server.PolledTCPServer

	result <-chan error
}

// New builds a server from the given configuration and channel factory.
// A nil cfg selects the defaults.
func New(cfg *config.Config, factory channel.Factory) (*Nitra, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := log.NewLogger(&cfg.Log)
	log.SetDefaultLogger(logger)

	reporter, err := metrics.NewPrometheusReporter(&cfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics reporter: %w", err)
	}
	metrics.SetMetricsReporters([]metrics.Reporter{reporter})

	orch, err := orchestrator.Create(factory, cfg.Orchestrator.Threads)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	orch.SetInactivityTimeout(cfg.Orchestrator.InactivityTimeout())

	if cfg.Orchestrator.ReadBytesPerSec > 0 {
		orch.ThrottleRead(throttle.New(cfg.Orchestrator.ReadBytesPerSec, cfg.Orchestrator.ReadBurstBytes))
		log.Info().
			Str("rate", humanize.IBytes(uint64(cfg.Orchestrator.ReadBytesPerSec))+"/s").
			Str("burst", humanize.IBytes(uint64(cfg.Orchestrator.ReadBurstBytes))).
			Msg("global read throttling enabled")
	}
	if cfg.Orchestrator.WriteBytesPerSec > 0 {
		orch.ThrottleWrite(throttle.New(cfg.Orchestrator.WriteBytesPerSec, cfg.Orchestrator.WriteBurstBytes))
		log.Info().
			Str("rate", humanize.IBytes(uint64(cfg.Orchestrator.WriteBytesPerSec))+"/s").
			Str("burst", humanize.IBytes(uint64(cfg.Orchestrator.WriteBurstBytes))).
			Msg("global write throttling enabled")
	}

	srv, err := server.NewPolledTCPServer(&cfg.Server, orch)
	if err != nil {
		return nil, fmt.Errorf("failed to create server: %w", err)
	}

	n := &Nitra{
		Config:       cfg,
		Logger:       logger,
		Metrics:      reporter,
		Orchestrator: orch,
		Server:       srv,
	}

	log.Info().Int("threads", cfg.Orchestrator.Threads).Msg("nitra initialized")
	return n, nil
}

// Start brings every component online: metrics endpoint, orchestrator,
// then the acceptor.
func (n *Nitra) Start() error {
	if err := n.Metrics.Start(); err != nil {
		return fmt.Errorf("failed to start metrics reporter: %w", err)
	}

	n.result = n.Orchestrator.Start()

	if err := n.Server.Start(); err != nil {
		n.Orchestrator.Stop()
		n.Metrics.Stop()
		return err
	}

	return nil
}

// Addr returns the acceptor's bound address.
func (n *Nitra) Addr() string {
	return n.Server.Addr()
}

// Wait blocks until the orchestrator has fully stopped and returns its
// terminal error, if any.
func (n *Nitra) Wait() error {
	return <-n.result
}

// Stop shuts the server down: stop accepting, drain the orchestrator,
// then take the metrics endpoint offline.
func (n *Nitra) Stop() {
	log.Info().Msg("nitra shutting down")
	n.Server.Stop()
	n.Orchestrator.Stop()
	n.Metrics.Stop()
	log.Refresh()
}
