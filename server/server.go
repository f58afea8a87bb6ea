// Package server provides the polled TCP acceptor feeding accepted
// connections into the orchestrator.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/ratelimit"
	"golang.org/x/sys/unix"

	"github.com/ymarcov/nitra/log"
	"github.com/ymarcov/nitra/metrics"
	"github.com/ymarcov/nitra/stream"
)

// Cfg holds the acceptor's configuration.
type Cfg struct {
	// Addr is the "host:port" listen address. Port 0 picks an
	// ephemeral port, exposed through Addr() after Start.
	Addr string `mapstructure:"addr"`

	// Backlog is the listen queue depth.
	Backlog int `mapstructure:"backlog"`

	// AcceptPerSec paces the accept loop. Zero accepts as fast as
	// connections arrive.
	AcceptPerSec int `mapstructure:"acceptPerSec"`
}

// GetName returns the configuration section key.
func (c *Cfg) GetName() string {
	return "server"
}

// Validate checks the configuration and applies defaults.
func (c *Cfg) Validate() error {
	if c.Addr == "" {
		return errors.New("Addr cannot be empty")
	}
	if c.Backlog < 0 {
		return fmt.Errorf("backlog must be non-negative, got %d", c.Backlog)
	}
	if c.Backlog == 0 {
		c.Backlog = 128
	}
	if c.AcceptPerSec < 0 {
		return fmt.Errorf("acceptPerSec must be non-negative, got %d", c.AcceptPerSec)
	}
	return nil
}

// ChannelAdder receives accepted streams; in production this is the
// orchestrator.
type ChannelAdder interface {
	Add(s stream.Stream)
}

// PolledTCPServer accepts TCP connections, switches them to non-blocking
// mode and hands them to the orchestrator, which registers them with the
// poller for readability.
type PolledTCPServer struct {
	cfg   *Cfg
	adder ChannelAdder

	listenFd  int
	boundAddr string

	// limiter is swapped atomically so the accept rate can be
	// hot-reloaded while the loop runs.
	limiter atomic.Pointer[ratelimit.Limiter]

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewPolledTCPServer creates an acceptor for the given configuration.
func NewPolledTCPServer(cfg *Cfg, adder ChannelAdder) (*PolledTCPServer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server Cfg: %w", err)
	}

	s := &PolledTCPServer{
		cfg:      cfg,
		adder:    adder,
		listenFd: -1,
		done:     make(chan struct{}),
	}
	if cfg.AcceptPerSec > 0 {
		lim := ratelimit.New(cfg.AcceptPerSec)
		s.limiter.Store(&lim)
	}
	return s, nil
}

// SetAcceptRate replaces the accept pacing at runtime. Zero removes the
// limit.
func (s *PolledTCPServer) SetAcceptRate(perSec int) {
	if perSec <= 0 {
		s.limiter.Store(nil)
		return
	}
	lim := ratelimit.New(perSec)
	s.limiter.Store(&lim)
}

// Start binds the listen socket and launches the accept loop.
func (s *PolledTCPServer) Start() error {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to resolve TCP address '%s': %w", s.cfg.Addr, err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("failed to create listen socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
	if ip4 := tcpAddr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}

	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return fmt.Errorf("failed to bind '%s': %w", s.cfg.Addr, err)
	}
	if err := unix.Listen(fd, s.cfg.Backlog); err != nil {
		unix.Close(fd)
		return fmt.Errorf("failed to listen on '%s': %w", s.cfg.Addr, err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return fmt.Errorf("failed to read bound address: %w", err)
	}
	s.boundAddr = sockaddrString(bound)
	s.listenFd = fd

	var ctx context.Context
	ctx, s.cancel = context.WithCancel(context.Background())
	go s.serve(ctx)

	log.Info().Str("address", s.boundAddr).Int("backlog", s.cfg.Backlog).
		Int("acceptPerSec", s.cfg.AcceptPerSec).Msg("TCP server started and listening")
	return nil
}

// Addr returns the actual bound address, useful with port 0.
func (s *PolledTCPServer) Addr() string {
	return s.boundAddr
}

// Stop closes the listen socket and joins the accept loop. Idempotent.
func (s *PolledTCPServer) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.listenFd >= 0 {
			// Closing the fd does not wake a thread blocked in accept;
			// shutting the socket down makes the pending Accept4 fail.
			unix.Shutdown(s.listenFd, unix.SHUT_RDWR)
		}
		if s.cancel != nil {
			<-s.done
		} else {
			close(s.done)
		}
		if s.listenFd >= 0 {
			unix.Close(s.listenFd)
		}
	})
}

func (s *PolledTCPServer) serve(ctx context.Context) {
	defer close(s.done)

	for {
		if ctx.Err() != nil {
			return
		}

		if lim := s.limiter.Load(); lim != nil {
			(*lim).Take()
		}

		nfd, sa, err := unix.Accept4(s.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			switch err {
			case unix.EINTR, unix.ECONNABORTED:
				continue
			case unix.EBADF, unix.EINVAL:
				// The listen socket was shut down under us: shutdown.
				return
			default:
				if ctx.Err() != nil {
					return
				}
				log.Warn().Err(err).Msg("accept failed")
				continue
			}
		}

		if err := unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			log.Warn().Err(err).Msg("failed to set TCP_NODELAY")
		}

		remote := sockaddrString(sa)
		metrics.IncrCounterWithGroup(metrics.NameAcceptTotal, metrics.GroupNitra, 1)
		log.Debug().Str("remote", remote).Int("fd", nfd).Msg("connection accepted")

		s.adder.Add(stream.NewTCP(nfd, remote))
	}
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IPv4(a.Addr[0], a.Addr[1], a.Addr[2], a.Addr[3])
		return fmt.Sprintf("%s:%d", ip, a.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%s]:%d", net.IP(a.Addr[:]), a.Port)
	default:
		return "unknown"
	}
}
