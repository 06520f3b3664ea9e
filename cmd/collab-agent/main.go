// collab-agent runs one blueprint replica on a workstation: it authorizes
// against the collab service, keeps a local copy on disk, serves peer
// connections, and finds other replicas of the same document over mDNS.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"warmanager/collab/internal/collab"
	"warmanager/collab/internal/config"
	"warmanager/collab/internal/localstore"
	"warmanager/collab/internal/logger"
	"warmanager/collab/internal/metrics"
	"warmanager/collab/internal/session"
	"warmanager/collab/internal/transport"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cfg := config.Load()

	var (
		docID       = flag.String("doc", "", "blueprint document id to open")
		serverURL   = flag.String("server", "http://localhost:8791", "collab service base URL")
		token       = flag.String("token", os.Getenv("COLLAB_IDENTITY_TOKEN"), "identity token presented to the collab service")
		dataDir     = flag.String("data", defaultDataDir(), "directory for the local document cache")
		listenAddr  = flag.String("listen", cfg.PeerAddr, "address to serve peer connections on")
		grantSecret = flag.String("grant-secret", cfg.GrantSecret, "shared secret for verifying peer grants")
		peers       = flag.String("peers", "", "comma separated peer addresses to dial directly")
		mdns        = flag.Bool("mdns", true, "discover peers over mDNS")
	)
	flag.Parse()

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: true})

	if *docID == "" {
		log.Fatal().Msg("-doc is required")
	}
	if *token == "" {
		log.Fatal().Msg("identity token is required (-token or COLLAB_IDENTITY_TOKEN)")
	}

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("create data dir failed")
	}
	local, err := localstore.Open(filepath.Join(*dataDir, "blueprints.db"), logger.Component(log, "localstore"))
	if err != nil {
		log.Fatal().Err(err).Msg("open local cache failed")
	}
	defer local.Close()

	meter := metrics.New(prometheus.NewRegistry())

	admit := func(h transport.Hello) error {
		grant, err := session.VerifyGrant([]byte(*grantSecret), h.Grant)
		if err != nil {
			return fmt.Errorf("peer grant: %w", err)
		}
		if grant.DocumentID != *docID || grant.Nonce != h.Nonce {
			return fmt.Errorf("peer grant scope mismatch")
		}
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess, err := collab.Open(ctx, *docID, collab.Deps{
		Local: local,
		Auth: &collab.HTTPAuthClient{
			BaseURL:     *serverURL,
			Credentials: *token,
		},
		Presence: &collab.HTTPPresenceClient{
			BaseURL:     *serverURL,
			Credentials: *token,
		},
		Admit: admit,
		Log:   logger.Component(log, "collab"),
		Meter: meter,
	})
	if err != nil {
		log.Fatal().Err(err).Str("doc", *docID).Msg("open session failed")
	}

	peerServer := &http.Server{
		Addr:              *listenAddr,
		Handler:           peerMux(sess),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", *listenAddr).Msg("serving peer connections")
		if err := peerServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("peer server failed")
		}
	}()

	for _, addr := range strings.Split(*peers, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			sess.ConnectPeer(addr)
		}
	}

	var discovery *transport.Discovery
	if *mdns {
		port, err := listenPort(*listenAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("bad -listen address")
		}
		discovery = transport.NewDiscovery(cfg.MDNSService, sess.ReplicaID, *docID, port, sess.Mesh(), logger.Component(log, "discovery"))
		if err := discovery.Start(ctx); err != nil {
			log.Warn().Err(err).Msg("mDNS discovery unavailable, relying on -peers")
		}
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	if discovery != nil {
		discovery.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = peerServer.Shutdown(shutdownCtx)
	if err := sess.Close(); err != nil {
		log.Error().Err(err).Msg("session close error")
	}
}

func peerMux(sess *collab.Session) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/sync", sess.Handler())
	return mux
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".warmanager"
	}
	return filepath.Join(home, ".warmanager")
}

func listenPort(addr string) (int, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return 0, fmt.Errorf("no port in %q", addr)
	}
	port, err := strconv.Atoi(addr[idx+1:])
	if err != nil {
		return 0, fmt.Errorf("bad port in %q: %w", addr, err)
	}
	return port, nil
}
