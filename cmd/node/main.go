// Command node runs the NMOS Node behaviour core: the Resource Store
// and the six cooperating components that keep it synchronized with a
// registry, an authorization server, and any number of Query API
// subscribers — the Node Registration Controller, the Authorization
// Controller, two Activation Engine instances (connection and
// channel-mapping), the Subscription Fan-out, and the served HTTP
// surface itself.
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/nmos-node/core/internal/activation"
	"github.com/nmos-node/core/internal/api"
	"github.com/nmos-node/core/internal/cache"
	"github.com/nmos-node/core/internal/config"
	"github.com/nmos-node/core/internal/discovery"
	"github.com/nmos-node/core/internal/eventbus"
	"github.com/nmos-node/core/internal/logger"
	"github.com/nmos-node/core/internal/model"
	"github.com/nmos-node/core/internal/nmosauth"
	"github.com/nmos-node/core/internal/query"
	"github.com/nmos-node/core/internal/registration"
	"github.com/nmos-node/core/internal/store"
	"github.com/nmos-node/core/internal/subscription"
)

func main() {
	cfg := config.Load()
	logger.Initialize(cfg.LogLevel, cfg.LogPretty)
	log := logger.GetLogger()

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.New().String()
	}

	apiVersions, highest, err := parseAPIVersions(cfg.APIVersions)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid API version list in configuration")
	}

	bus := eventbus.New(eventbus.Config{URL: natsURL(cfg)})
	resourceStore := store.New(bus)

	if err := seedNodeResource(resourceStore, nodeID, highest); err != nil {
		log.Fatal().Err(err).Msg("failed to seed node resource")
	}

	// DNS-SD discovery/advertising is explicitly out of scope for this
	// core (see registration and discovery package docs); a production
	// deployment supplies a real Backend here. The fake keeps the node
	// runnable standalone, falling straight through to peer-to-peer
	// operation.
	discoveryBackend := discovery.NewFake()

	regCtrl := registration.New(resourceStore, bus, discoveryBackend, discoveryBackend, cfg, nodeID)

	nodeKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to generate node RSA keypair")
	}

	redisCache, err := cache.NewCache(cache.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Enabled:  cfg.CacheEnabled,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize cache")
	}
	defer redisCache.Close()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = nodeID
	}

	tokenCache := nmosauth.NewTokenCache(redisCache)
	authCtrl := nmosauth.New(discoveryBackend, nodeKey, tokenCache, nmosauth.Config{
		SeedID:               cfg.SeedID,
		RegistrationDir:      cfg.ClientRegistrationPath,
		NodeHostname:         hostname,
		RequestedScope:       "registration query connection",
		FetchJWKSIntervalMin: cfg.FetchAuthPublicKeysIntervalMin,
		FetchJWKSIntervalMax: cfg.FetchAuthPublicKeysIntervalMax,
		TokenRefreshInterval: cfg.AccessTokenRefreshInterval,
		RequestTimeout:       cfg.AuthorizationRequestMax,
	})

	// The validator trusts whatever keys the Authorization Controller
	// resolved for the server it discovered; issuer/audience are left
	// unchecked here since the KeySet it draws from is already scoped
	// to that one discovered server.
	validator := nmosauth.NewValidator(authCtrl.KeySet(), "", "")

	connectionEngine := activation.New(resourceStore, activation.Config{
		StagedSenderType:   model.TypeConnectionSender,
		StagedReceiverType: model.TypeConnectionReceiver,
		IOSenderType:       model.TypeSender,
		IOReceiverType:     model.TypeReceiver,
		Resolver:           activation.RTPResolver{AutoPort: cfg.AutoRTPPort}.Resolve,
	})

	// The channel-mapping domain has no receiver leg and no auto
	// transport parameters to resolve; it reuses the same engine loop
	// with the sender-only half of its Config left at its zero value.
	channelMappingEngine := activation.New(resourceStore, activation.Config{
		StagedSenderType: model.TypeChannelMappingOutput,
		IOSenderType:     model.TypeDevice,
		Resolver:         activation.NoopResolver,
	})

	hub := subscription.New(resourceStore, bus, subscription.Config{
		RequestedVersion:     highest,
		EventsExpiryInterval: cfg.EventsExpiryInterval,
	})

	router := api.NewRouter(api.Deps{
		Store:             resourceStore,
		Hub:               hub,
		ConnectionEngine:  connectionEngine,
		ActivationWaitMax: cfg.ActivationWaitMax,
		QuerySettings: query.Settings{
			DefaultLimit: cfg.QueryPagingDefault,
			MaxLimit:     cfg.QueryPagingLimit,
		},
		APIVersions:    apiVersions,
		Validator:      validator,
		AuthController: authCtrl,
		NodePublicKey:  &nodeKey.PublicKey,
		GinMode:        cfg.GinMode,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,

		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go regCtrl.Run(ctx)
	go authCtrl.Run(ctx)
	go connectionEngine.Run(ctx)
	go channelMappingEngine.Run(ctx)

	go func() {
		log.Info().Str("port", cfg.Port).Str("node_id", nodeID).Msg("node API server listening")
		var serveErr error
		if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
			serveErr = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			log.Warn().Msg("TLS_CERT_FILE/TLS_KEY_FILE not set, serving plain HTTP")
			serveErr = srv.ListenAndServe()
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			log.Fatal().Err(serveErr).Msg("node API server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server did not shut down cleanly")
	}

	cancel()
	regCtrl.Stop()
	authCtrl.Stop()
	connectionEngine.Stop()
	channelMappingEngine.Stop()

	log.Info().Msg("shutdown complete")
}

func natsURL(cfg *config.Config) string {
	if !cfg.EventBusEnabled {
		return ""
	}
	return cfg.NATSURL
}

// parseAPIVersions parses the configured "vX.Y" strings into
// model.APIVersion values and returns the highest one, which the
// Subscription Fan-out and node resource document both treat as this
// node's own served version.
func parseAPIVersions(raw []string) ([]model.APIVersion, model.APIVersion, error) {
	if len(raw) == 0 {
		return nil, model.APIVersion{}, fmt.Errorf("no API versions configured")
	}
	versions := make([]model.APIVersion, 0, len(raw))
	highest := model.APIVersion{}
	for _, s := range raw {
		v, err := model.ParseAPIVersion(s)
		if err != nil {
			return nil, model.APIVersion{}, err
		}
		versions = append(versions, v)
		if v.Compare(highest) > 0 {
			highest = v
		}
	}
	return versions, highest, nil
}

// seedNodeResource inserts this node's own IS-04 node resource into the
// store at startup, the one resource every other component assumes is
// already present (the Node Registration Controller looks it up by
// nodeID before it can register anything).
func seedNodeResource(s *store.Store, nodeID string, ver model.APIVersion) error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = nodeID
	}
	doc := map[string]any{
		"id":          nodeID,
		"version":     "0:0",
		"label":       hostname,
		"description": "",
		"tags":        map[string][]string{},
		"href":        fmt.Sprintf("http://%s/", hostname),
		"hostname":    hostname,
		"caps":        map[string]any{},
		"services":    []any{},
		"clocks":      []any{},
		"interfaces":  []any{},
		"api": map[string]any{
			"versions": []string{ver.String()},
			"endpoints": []map[string]any{
				{"host": hostname, "port": 80, "protocol": "http"},
			},
		},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return s.Insert(&model.Resource{
		ID:      nodeID,
		Type:    model.TypeNode,
		Version: ver,
		Data:    data,
		Health:  model.ForeverHealth,
	})
}
