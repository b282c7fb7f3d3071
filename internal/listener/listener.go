// Package listener implements the Unix-socket and optional TLS accept
// loops (component C6), handing each accepted connection to a bounded
// handler pool so one saturated pool refuses new connections rather than
// queuing them without bound.
package listener

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/errgroup"

	"github.com/noematicsllc/cortexd/internal/conn"
	"github.com/noematicsllc/cortexd/internal/config"
	"github.com/noematicsllc/cortexd/internal/identity"
	"github.com/noematicsllc/cortexd/internal/logger"
)

// Supervisor runs the Unix listener, and the TLS listener when mesh config
// is present, restarting either if it exits unexpectedly (spec.md §4.6,
// §5 "A listener that crashes MUST be restarted"). The two loops are
// tracked with an errgroup so Stop can wait on both without hand-rolled
// WaitGroup bookkeeping.
type Supervisor struct {
	cfg  *config.Config
	deps *conn.Deps
	log  *logger.Logger

	pool *ants.Pool

	group  *errgroup.Group
	cancel context.CancelFunc
}

func NewSupervisor(cfg *config.Config, deps *conn.Deps, log *logger.Logger) (*Supervisor, error) {
	cap := cfg.Pool.MaxConnections
	if cap <= 0 {
		cap = 1000
	}
	pool, err := ants.NewPool(cap,
		ants.WithNonblocking(true), // Submit must refuse, not queue, when saturated (spec.md §5)
		ants.WithPanicHandler(func(v any) {
			log.Error("connection handler panic: %v", v)
		}),
	)
	if err != nil {
		return nil, err
	}
	return &Supervisor{cfg: cfg, deps: deps, log: log, pool: pool}, nil
}

// Start launches the Unix accept loop, and the TLS accept loop if mesh
// config is present, each under its own restart supervision.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	s.group = g

	g.Go(func() error { s.supervise(gctx, "unix", s.runUnix); return nil })
	if s.cfg.Mesh != nil {
		g.Go(func() error { s.supervise(gctx, "tls", s.runTLS); return nil })
	}
}

// Stop closes both listeners, releases the handler pool, and unlinks the
// Unix socket file, per spec.md §9 "Global state" teardown ordering.
func (s *Supervisor) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.group != nil {
		_ = s.group.Wait()
	}
	_ = s.pool.ReleaseTimeout(5 * time.Second)
	_ = os.Remove(s.cfg.Unix.SocketPath)
}

// supervise restarts fn whenever it returns, until ctx is cancelled. Its
// own errors never fail the errgroup — a listener crash must not tear
// down its sibling loop.
func (s *Supervisor) supervise(ctx context.Context, name string, fn func(context.Context) error) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := fn(ctx); err != nil {
			s.log.Error("%s listener exited: %v; restarting", name, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		return // clean shutdown (ctx cancelled inside fn)
	}
}

func (s *Supervisor) runUnix(ctx context.Context) error {
	_ = os.Remove(s.cfg.Unix.SocketPath)

	ln, err := net.Listen("unix", s.cfg.Unix.SocketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(s.cfg.Unix.SocketPath, s.cfg.Unix.Mode); err != nil {
		s.log.Warn("chmod on unix socket failed: %v", err)
	}
	s.log.Info("unix listener on %s", s.cfg.Unix.SocketPath)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		uc, ok := c.(*net.UnixConn)
		if !ok {
			c.Close()
			continue
		}
		s.submit(ctx, uc, func() {
			h, err := conn.NewUnix(s.deps, uc)
			if err != nil {
				s.log.Debug("identity resolution failed, closing connection: %v", err)
				uc.Close()
				return
			}
			h.Run(ctx)
		})
	}
}

func (s *Supervisor) runTLS(ctx context.Context) error {
	mc := s.cfg.Mesh
	cert, err := tls.LoadX509KeyPair(mc.NodeCert, mc.NodeKey)
	if err != nil {
		return err
	}
	caPEM, err := os.ReadFile(mc.CACert)
	if err != nil {
		return err
	}
	caPool := x509.NewCertPool()
	caPool.AppendCertsFromPEM(caPEM)

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caPool,
	}

	ln, err := net.Listen("tcp", ":"+strconv.Itoa(mc.TLSPort))
	if err != nil {
		return err
	}
	s.log.Info("tls listener on port %d", mc.TLSPort)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		tlsConn := tls.Server(raw, tlsCfg)
		s.submit(ctx, tlsConn, func() {
			// Handshake completes off the accept path so one slow peer
			// cannot stall subsequent accepts (spec.md §4.6).
			if err := tlsConn.Handshake(); err != nil {
				s.log.Debug("tls handshake failed: %v", err)
				tlsConn.Close()
				return
			}
			id, err := identity.ResolveTLS(tlsConn)
			if err != nil {
				s.log.Debug("tls identity resolution failed: %v", err)
				tlsConn.Close()
				return
			}
			h, err := conn.NewTLS(s.deps, tlsConn, id)
			if err != nil {
				tlsConn.Close()
				return
			}
			h.Run(ctx)
		})
	}
}

// submit hands conn ownership to the bounded handler pool; a saturated
// pool refuses the connection outright rather than queuing it (spec.md
// §5 "Shared resources").
func (s *Supervisor) submit(ctx context.Context, c net.Conn, run func()) {
	err := s.pool.Submit(run)
	if err != nil {
		s.deps.Metrics.PoolSaturated()
		s.log.Warn("handler pool saturated, refusing connection: %v", err)
		c.Close()
	}
}
