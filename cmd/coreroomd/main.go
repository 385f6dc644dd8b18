// Copyright 2024 coreroomd contributors
//
// Command coreroomd runs a Matrix homeserver's federation surface: the
// membership/join engine, event authorization and state resolution,
// schema-versioned storage migrations, and both the inbound federation
// HTTP routes and the outbound federation sender.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/matrix-org/gomatrixserverlib/fclient"
	"github.com/sirupsen/logrus"

	"github.com/coreroom/coreroomd/federationapi"
	"github.com/coreroom/coreroomd/federationapi/queue"
	"github.com/coreroom/coreroomd/federationapi/routing"
	fedpostgres "github.com/coreroom/coreroomd/federationapi/storage/postgres"
	fedsqlite3 "github.com/coreroom/coreroomd/federationapi/storage/sqlite3"
	fedshared "github.com/coreroom/coreroomd/federationapi/storage/shared"
	"github.com/coreroom/coreroomd/internal/caching"
	"github.com/coreroom/coreroomd/roomserver"
	"github.com/coreroom/coreroomd/roomserver/types"
	rspostgres "github.com/coreroom/coreroomd/roomserver/storage/postgres"
	rssqlite3 "github.com/coreroom/coreroomd/roomserver/storage/sqlite3"
	rsshared "github.com/coreroom/coreroomd/roomserver/storage/shared"
	"github.com/coreroom/coreroomd/setup/config"
)

func main() {
	configPath := flag.String("config", "coreroomd.yaml", "Path to the coreroomd configuration file")
	httpBindAddr := flag.String("http-bind-address", ":8008", "Address the federation HTTP listener binds to")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	signingKey, keyID := loadOrGenerateSigningKey(cfg)

	roomDB, err := openRoomServerDB(cfg.RoomServer.Database.ConnectionString)
	if err != nil {
		logrus.WithError(err).Fatal("failed to open room server database")
	}
	fedDB, err := openFederationDB(cfg.FederationAPI.Database.ConnectionString)
	if err != nil {
		logrus.WithError(err).Fatal("failed to open federation database")
	}

	if err := migrateRoomServerDB(roomDB); err != nil {
		logrus.WithError(err).Fatal("failed to migrate room server database")
	}

	caches := caching.NewRistrettoCache(128*1024*1024, time.Hour)

	httpClient := &http.Client{Timeout: cfg.Global.Timeouts.FederationTimeout}
	keyFetcher := federationapi.NewDirectKeyFetcher(httpClient, serverKeysCache(caches))
	requestVerifier := federationapi.NewRequestVerifier(cfg.Global.ServerName, keyFetcher)
	keyRing := federationapi.NewKeyRing(keyFetcher, caches.BadEvents)

	fedIdentity := &fclient.SigningIdentity{
		ServerName: cfg.Global.ServerName,
		KeyID:      keyID,
		PrivateKey: signingKey,
	}
	rawFedClient := fclient.NewFederationClient([]*fclient.SigningIdentity{fedIdentity})
	fedClient, txnClient := federationapi.NewFederationClient(*rawFedClient)

	rsAPI := roomserver.NewInternalAPI(cfg, roomDB, fedClient, keyRing, signingKey, keyID)

	queues := queue.NewOutgoingQueues(fedDB, txnClient, cfg.Global.ServerName, cfg.FederationAPI, cfg.Global.Timeouts.SenderTimeout, nil)
	ctx, cancelQueues := context.WithCancel(context.Background())
	defer cancelQueues()
	if err := queues.Start(ctx); err != nil {
		logrus.WithError(err).Fatal("failed to start outgoing federation queues")
	}

	router := mux.NewRouter().SkipClean(true).UseEncodedPath()
	rateLimits := routing.NewServerRateLimits(&cfg.FederationAPI.RateLimiting)
	routing.Setup(router, rsAPI, requestVerifier, keyRing, rateLimits)

	listener, err := net.Listen("tcp", *httpBindAddr)
	if err != nil {
		logrus.WithError(err).Fatal("failed to bind federation HTTP listener")
	}

	server := &http.Server{Handler: router}
	go func() {
		logrus.WithField("address", listener.Addr().String()).Info("coreroomd federation API listening")
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("federation HTTP server stopped unexpectedly")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logrus.Info("received shutdown signal, stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("error during federation HTTP server shutdown")
	}
}

func serverKeysCache(caches *caching.Caches) *ristretto.Cache {
	if caches == nil {
		return nil
	}
	return caches.ServerKeys
}

func openRoomServerDB(connectionString string) (*rsshared.Database, error) {
	if strings.HasPrefix(connectionString, "postgres://") || strings.HasPrefix(connectionString, "postgresql://") {
		return rspostgres.Open(connectionString)
	}
	return rssqlite3.Open(connectionString)
}

// loadOrGenerateSigningKey reads an ed25519 seed from cfg.Global.PrivateKeyPath
// (a PEM block, the way matrix_key.pem is shaped upstream) or, if the file
// doesn't exist yet, generates a fresh key and persists it there so restarts
// keep the same server identity.
func loadOrGenerateSigningKey(cfg *config.Config) (ed25519.PrivateKey, gomatrixserverlib.KeyID) {
	keyID := gomatrixserverlib.KeyID(cfg.Global.KeyID)
	if keyID == "" {
		keyID = "ed25519:auto"
	}

	path := cfg.Global.PrivateKeyPath
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			block, _ := pem.Decode(data)
			if block != nil && len(block.Bytes) >= ed25519.SeedSize {
				seed := block.Bytes[:ed25519.SeedSize]
				return ed25519.NewKeyFromSeed(seed), keyID
			}
			logrus.WithField("path", path).Warn("private key file is malformed, generating a new one")
		}
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		logrus.WithError(err).Fatal("failed to generate signing key")
	}

	if path != "" {
		block := &pem.Block{Type: "MATRIX PRIVATE KEY", Bytes: priv.Seed()}
		if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
			logrus.WithError(err).WithField("path", path).Warn("failed to persist generated signing key, it will not survive a restart")
		}
	} else {
		logrus.Warn("no private_key path configured, using an ephemeral signing key")
	}

	return priv, keyID
}

func migrateRoomServerDB(db interface {
	Initialized(ctx context.Context) (bool, error)
	AllRoomNIDs(ctx context.Context) ([]types.RoomNID, error)
	DefaultFixRoomUserIDJoined(ctx context.Context, roomNID types.RoomNID, usersInRoom []string) (joined, left []string, err error)
	Migrate(
		ctx context.Context,
		userCount func(ctx context.Context) (int, error),
		serverUserExists func(ctx context.Context) (bool, error),
		seedAdminRoom func(ctx context.Context) error,
		fixRoomUserIDJoined func(ctx context.Context, roomNID types.RoomNID, usersInRoom []string) (joined, left []string, err error),
		roomNIDs func(ctx context.Context) ([]types.RoomNID, error),
	) error
}) error {
	ctx := context.Background()
	initialized, err := db.Initialized(ctx)
	if err != nil {
		return err
	}

	userCount := func(ctx context.Context) (int, error) {
		if initialized {
			return 1, nil
		}
		return 0, nil
	}
	// No accounts subsystem is built here (out of scope), so there is no
	// canonical server user to check for; treat every non-fresh database
	// as valid rather than refusing to start.
	serverUserExists := func(ctx context.Context) (bool, error) { return true, nil }
	seedAdminRoom := func(ctx context.Context) error { return nil }

	return db.Migrate(ctx, userCount, serverUserExists, seedAdminRoom, db.DefaultFixRoomUserIDJoined, db.AllRoomNIDs)
}

func openFederationDB(connectionString string) (*fedshared.Database, error) {
	if strings.HasPrefix(connectionString, "postgres://") || strings.HasPrefix(connectionString, "postgresql://") {
		return fedpostgres.Open(connectionString)
	}
	return fedsqlite3.Open(connectionString)
}
