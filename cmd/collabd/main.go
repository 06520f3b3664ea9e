package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"warmanager/collab/internal/app"
	"warmanager/collab/internal/archive"
	"warmanager/collab/internal/collab"
	"warmanager/collab/internal/config"
	"warmanager/collab/internal/identity"
	"warmanager/collab/internal/localstore"
	"warmanager/collab/internal/logger"
	"warmanager/collab/internal/metrics"
	"warmanager/collab/internal/presence"
	"warmanager/collab/internal/session"
	"warmanager/collab/internal/snapshot"
	"warmanager/collab/internal/store"
	"warmanager/collab/internal/transport"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
)

// archivingDocuments routes state commits through the snapshot syncer so
// each accepted state also lands in the archive bucket.
type archivingDocuments struct {
	*store.PostgresStore
	syncer *snapshot.Syncer
}

func (d archivingDocuments) UpsertDocumentState(ctx context.Context, id string, state []byte, updatedBy string) error {
	return d.syncer.Commit(ctx, id, state, updatedBy)
}

func main() {
	cfg := config.Load()
	ctx := context.Background()

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	dataStore := store.NewPostgresStore(db)
	if err := dataStore.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("schema setup failed")
	}

	registry := prometheus.NewRegistry()
	meter := metrics.New(registry)

	presenceChannel, err := presence.NewChannel(cfg.RedisURL, cfg.PresenceTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection failed")
	}
	defer presenceChannel.Close()

	var (
		archiver snapshot.Archiver
		archives app.Archives
	)
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		arch, err := archive.New(ctx, archive.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("snapshot archive connection failed")
		}
		archiver = arch
		archives = arch
		log.Info().Str("bucket", cfg.MinioBucket).Msg("snapshot archive enabled")
	}
	syncer := snapshot.NewSyncer(dataStore, archiver, logger.Component(log, "snapshot"), meter)
	documents := archivingDocuments{PostgresStore: dataStore, syncer: syncer}

	identities := identity.NewJWTProvider([]byte(cfg.IdentitySecret))
	authorizer := session.NewAuthorizer(
		[]byte(cfg.GrantSecret),
		cfg.GrantTTL,
		identities,
		dataStore,
		logger.Component(log, "session"),
		meter,
	)

	httpServer := app.NewHTTPServer(authorizer, identities, documents, presenceChannel, archives, registry, cfg.CORSOrigin, logger.Component(log, "http"))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// The relay hosts a server-side replica per active document, so agents
	// always have a peer to sync with. It gets its own listener: the API
	// middleware wraps the response writer and would break the websocket
	// upgrade.
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("create data dir failed")
	}
	relayLocal, err := localstore.Open(filepath.Join(cfg.DataDir, "relay.db"), logger.Component(log, "localstore"))
	if err != nil {
		log.Fatal().Err(err).Msg("open relay cache failed")
	}
	defer relayLocal.Close()

	admit := func(h transport.Hello) error {
		if _, err := authorizer.Verify(h.Grant, session.DocumentChannel(h.DocumentID), h.Nonce); err != nil {
			return fmt.Errorf("peer grant: %w", err)
		}
		return nil
	}
	relay := collab.NewRelay(func(openCtx context.Context, documentID string) (collab.RelayDocument, error) {
		token, err := identity.IssueToken([]byte(cfg.IdentitySecret), identity.Identity{
			UserID: "relay",
			Name:   "Blueprint Relay",
		}, *jwt.NewNumericDate(time.Now().Add(time.Minute)))
		if err != nil {
			return nil, fmt.Errorf("issue relay token: %w", err)
		}
		return collab.Open(openCtx, documentID, collab.Deps{
			Local:         relayLocal,
			Auth:          collab.LocalAuthorizer{Authorizer: authorizer, Credentials: token},
			Snapshots:     syncer,
			Admit:         admit,
			SnapshotEvery: cfg.SnapshotInterval,
			Log:           logger.Component(log, "relay-session"),
			Meter:         meter,
		})
	}, logger.Component(log, "relay"))

	relayMux := http.NewServeMux()
	relayMux.Handle("/sync", relay)
	relayServer := &http.Server{
		Addr:              cfg.PeerAddr,
		Handler:           relayMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("collab service listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()
	go func() {
		log.Info().Str("addr", cfg.PeerAddr).Msg("relay listening")
		if err := relayServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("relay server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := relayServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("relay shutdown error")
	}
	if err := relay.Close(); err != nil {
		log.Error().Err(err).Msg("relay close error")
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}
