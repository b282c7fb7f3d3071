package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noematicsllc/cortexd/internal/authz"
	"github.com/noematicsllc/cortexd/internal/conn"
	"github.com/noematicsllc/cortexd/internal/config"
	"github.com/noematicsllc/cortexd/internal/listener"
	"github.com/noematicsllc/cortexd/internal/logger"
	"github.com/noematicsllc/cortexd/internal/mesh"
	"github.com/noematicsllc/cortexd/internal/metrics"
	"github.com/noematicsllc/cortexd/internal/store"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file (optional)")
	dataDir := flag.String("data-dir", "", "Override configured data directory")
	socketPath := flag.String("socket", "", "Override configured Unix socket path")
	metricsAddr := flag.String("metrics-addr", "", "Address to serve Prometheus metrics on (empty disables)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *socketPath != "" {
		cfg.Unix.SocketPath = *socketPath
	}

	log_ := logger.Default()
	log_.SetLevel(logger.ParseLevel(cfg.Log.Level))
	log_.Info("starting cortexd")
	log_.Info("data directory: %s", cfg.DataDir)
	log_.Info("unix socket: %s", cfg.Unix.SocketPath)

	st, err := store.Open(cfg.DataDir, log_)
	if err != nil {
		log.Fatalf("opening store: %v", err)
	}
	defer st.Close()

	m := metrics.New()
	az := authz.New(st, log_)

	deps := &conn.Deps{
		Store:     st,
		Authz:     az,
		Cfg:       cfg,
		Log:       log_,
		Metrics:   m,
		StartedAt: time.Now(),
	}

	var driver *mesh.Driver
	if cfg.Mesh != nil {
		deps.NodeName = cfg.Mesh.NodeName
		deps.Claims = store.NewJWTClaimCodec([]byte(claimSecret(cfg)), 24*time.Hour)

		var peers []string
		for _, n := range cfg.Mesh.Nodes {
			peers = append(peers, n.Name)
		}
		transport := mesh.NewLocalTransport()
		driver = mesh.NewDriver(st, transport, cfg.Mesh.NodeName, peers, log_)
		deps.Mesh = driver
		st.OnMutation(func(ev store.CatalogEvent) {
			m.CatalogMutation(string(ev.Kind))
			driver.OnCatalogEvent(ev)
		})
	} else {
		st.OnMutation(func(ev store.CatalogEvent) {
			m.CatalogMutation(string(ev.Kind))
		})
	}

	sup, err := listener.NewSupervisor(cfg, deps, log_)
	if err != nil {
		log.Fatalf("creating listener supervisor: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sup.Start(ctx)

	if driver != nil {
		go func() {
			if err := driver.Run(ctx); err != nil {
				log_.Error("replication driver stopped: %v", err)
			}
		}()
	}

	var metricsSrv *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log_.Error("metrics server error: %v", err)
			}
		}()
		log_.Info("metrics listening on %s", *metricsAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log_.Info("shutting down")

	cancel()
	sup.Stop()
	if metricsSrv != nil {
		_ = metricsSrv.Close()
	}

	log_.Info("cortexd stopped")
}

// claimSecret resolves the HMAC secret backing JWT-based claim tokens. A
// production deployment should set CORTEX_MESH_CLAIMSECRET; absent that,
// a fixed built-in development secret is used, which every node without a
// configured secret shares, so anyone who knows it can mint claim tokens.
func claimSecret(cfg *config.Config) string {
	if cfg.Mesh.ClaimSecret != "" {
		return cfg.Mesh.ClaimSecret
	}
	return "cortexd-dev-claim-secret-change-me"
}
