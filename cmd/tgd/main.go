// Command tgd runs a tangram node: the content-addressed object store,
// the raft-replicated index, the cache materializer and sandbox runtime,
// and the mTLS gRPC listeners other nodes and cmd/tg clients connect to.
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tangramdotdev/tangram/pkg/api"
	"github.com/tangramdotdev/tangram/pkg/cache"
	"github.com/tangramdotdev/tangram/pkg/config"
	"github.com/tangramdotdev/tangram/pkg/index"
	"github.com/tangramdotdev/tangram/pkg/kv/boltkv"
	"github.com/tangramdotdev/tangram/pkg/log"
	"github.com/tangramdotdev/tangram/pkg/messenger/local"
	"github.com/tangramdotdev/tangram/pkg/metrics"
	"github.com/tangramdotdev/tangram/pkg/replication"
	"github.com/tangramdotdev/tangram/pkg/sandbox"
	"github.com/tangramdotdev/tangram/pkg/security"
	"github.com/tangramdotdev/tangram/pkg/store"
	"github.com/tangramdotdev/tangram/pkg/tag"
	"github.com/tangramdotdev/tangram/pkg/tgerror"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "tgd",
	Short:   "tgd runs a tangram node",
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("tgd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))
	config.RegisterFlags(rootCmd.Flags())
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.FromCommand(cmd)
	if err != nil {
		return err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	logger := log.WithComponent("tgd")

	buckets := append(append([]string{}, store.Buckets...), tag.Buckets...)
	buckets = append(buckets, security.Buckets...)
	buckets = append(buckets, index.Buckets...)
	kvStore, err := boltkv.Open(cfg.DataDir, buckets)
	if err != nil {
		return tgerror.Wrap(tgerror.IO, "tgd.runServe", err, "failed to open data directory")
	}

	now := func() int64 { return time.Now().UnixNano() }

	objectStore := store.New(kvStore)
	tagStore := tag.New(kvStore, now)

	ca := security.New(kvStore)
	if err := ca.LoadFromStore(cmd.Context()); err != nil {
		if !tgerror.Is(err, tgerror.NotFound) {
			return tgerror.Wrap(tgerror.IO, "tgd.runServe", err, "failed to load certificate authority")
		}
		logger.Info().Msg("no certificate authority found, initializing a new one")
		if err := ca.Initialize(cmd.Context()); err != nil {
			return err
		}
	}

	idx, err := index.Open(index.Config{NodeID: cfg.NodeID, BindAddr: cfg.BindAddr, DataDir: cfg.DataDir}, kvStore, tagStore, now)
	if err != nil {
		return tgerror.Wrap(tgerror.IO, "tgd.runServe", err, "failed to open index")
	}
	if len(cfg.PeerAddrs) == 0 {
		if err := idx.Bootstrap(cfg.NodeID, cfg.BindAddr); err != nil {
			logger.Warn().Err(err).Msg("index bootstrap skipped (already bootstrapped?)")
		}
	}

	broker := local.NewBroker()
	broker.Start()

	cacheDir := store.NewCacheDir(cfg.DataDir + "/cache")
	materializer := cache.New(objectStore, cacheDir, broker)

	sb, err := sandbox.New(cfg.ContainerdSocket, objectStore, materializer)
	if err != nil {
		logger.Warn().Err(err).Msg("sandbox unavailable, processes will only be queued for remote workers")
		sb = nil
	}

	dnsNames := []string{cfg.NodeID}
	ips := dialableIPs(cfg.BindAddr, cfg.APIAddr)

	apiServer, err := api.NewServer(objectStore, idx, tagStore, sb, broker, ca, cfg.NodeID, dnsNames, ips, now)
	if err != nil {
		return tgerror.Wrap(tgerror.IO, "tgd.runServe", err, "failed to create API server")
	}
	replServer, err := replication.NewServer(objectStore, idx, tagStore, ca, cfg.NodeID, dnsNames, ips, now)
	if err != nil {
		return tgerror.Wrap(tgerror.IO, "tgd.runServe", err, "failed to create replication server")
	}

	collector := metrics.NewCollector(idx)
	collector.Start()
	metrics.SetVersion(Version)
	metrics.RegisterComponent("index", true, "bootstrapped")
	metrics.RegisterComponent("sandbox", sb != nil, sandboxStatus(sb != nil))
	metrics.RegisterComponent("api", false, "starting")
	metrics.RegisterComponent("replication", false, "starting")

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint listening")

	errCh := make(chan error, 2)

	apiLis, err := net.Listen("tcp", cfg.APIAddr)
	if err != nil {
		return tgerror.Wrap(tgerror.IO, "tgd.runServe", err, "failed to bind API address")
	}
	go func() {
		if err := apiServer.Serve(apiLis); err != nil {
			errCh <- fmt.Errorf("API server error: %w", err)
		}
	}()
	metrics.RegisterComponent("api", true, "ready")
	logger.Info().Str("addr", cfg.APIAddr).Msg("API server listening")

	replAddr := replicationAddr(cfg.BindAddr)
	replLis, err := net.Listen("tcp", replAddr)
	if err != nil {
		return tgerror.Wrap(tgerror.IO, "tgd.runServe", err, "failed to bind replication address")
	}
	go func() {
		if err := replServer.Serve(replLis); err != nil {
			errCh <- fmt.Errorf("replication server error: %w", err)
		}
	}()
	metrics.RegisterComponent("replication", true, "ready")
	logger.Info().Str("addr", replAddr).Msg("replication server listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error, shutting down")
	}

	apiServer.Stop()
	replServer.Stop()
	collector.Stop()
	if err := idx.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("index shutdown failed")
	}
	if err := kvStore.Close(); err != nil {
		logger.Error().Err(err).Msg("data store close failed")
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

// replicationAddr derives the replication gRPC listen address from the
// raft bind address by incrementing its port by one, keeping a node's
// three listeners (raft, API, replication) at predictable neighboring
// ports without a fourth flag.
func replicationAddr(bindAddr string) string {
	host, port, err := net.SplitHostPort(bindAddr)
	if err != nil {
		return bindAddr
	}
	var p int
	if _, err := fmt.Sscanf(port, "%d", &p); err != nil {
		return bindAddr
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", p+1))
}

// dialableIPs collects the IP addresses a certificate issued for this
// node should cover, so peers dialing either its raft or API address
// can verify the presented certificate against a matching SAN.
func dialableIPs(addrs ...string) []net.IP {
	var ips []net.IP
	seen := map[string]bool{}
	for _, addr := range addrs {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		if seen[host] {
			continue
		}
		seen[host] = true
		if ip := net.ParseIP(host); ip != nil {
			ips = append(ips, ip)
		}
	}
	if len(ips) == 0 {
		ips = append(ips, net.ParseIP("127.0.0.1"))
	}
	return ips
}

func sandboxStatus(ok bool) string {
	if ok {
		return "ready"
	}
	return "unavailable"
}
