package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"match-admission/allocator"
	"match-admission/auth"
	"match-admission/config"
	"match-admission/events"
	"match-admission/gateway"
	"match-admission/matching"
	"match-admission/queue"
	"match-admission/route53"
	"match-admission/server"
	"match-admission/token"
)

var version = "source"

func setLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	lv, err := zerolog.ParseLevel(level)
	if err != nil {
		lv = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lv)
}

func main() {
	cfg := config.Load()
	setLogger(cfg.LogLevel)
	log.Info().Msgf("Starting match-admission version: %s", version)
	log.Info().Interface("config", cfg.Redacted()).Msg("config loaded")

	// Preflight required configuration
	if cfg.MatchTokenSecret == "" {
		log.Fatal().Msg("missing match token secret; set MATCH_TOKEN_SECRET")
	}
	if cfg.AuthTokenSecret == "" {
		log.Fatal().Msg("missing auth token secret; set AUTH_TOKEN_SECRET")
	}
	if cfg.InternalToken == "" {
		log.Fatal().Msg("missing internal callback token; set INTERNAL_TOKEN")
	}

	// Context and shutdown handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer rdb.Close()
	q := queue.New(rdb, cfg.SessionTTL)

	var alloc allocator.Client
	switch cfg.AllocatorMode {
	case "grpc":
		grpcAlloc, err := allocator.NewGRPC(cfg.AllocatorEndpoint, cfg.AllocatorCertFile, cfg.AllocatorKeyFile, cfg.AllocatorCAFile, cfg.AgonesNamespace, cfg.AllocateTimeout)
		if err != nil {
			log.Fatal().Err(err).Msg("allocator client setup failed")
		}
		defer grpcAlloc.Close()
		alloc = grpcAlloc
		log.Info().Str("endpoint", cfg.AllocatorEndpoint).Msg("using mTLS allocator endpoint")
	case "cluster":
		alloc = allocator.NewCluster(cfg.AgonesNamespace, cfg.AllocateTimeout)
		log.Info().Str("namespace", cfg.AgonesNamespace).Msg("using in-cluster allocation")
	default:
		log.Fatal().Str("mode", cfg.AllocatorMode).Msg("unknown allocator mode")
	}

	var dns route53.Publisher
	if cfg.Route53HostedZoneID != "" && cfg.DNSBaseDomain != "" {
		r53, err := route53.New(ctx, cfg.Route53HostedZoneID, cfg.DNSBaseDomain, cfg.DNSRecordTTL, cfg.DNSTimeout)
		if err != nil {
			log.Fatal().Err(err).Msg("route53 client setup failed")
		}
		dns = r53
		log.Info().Str("zone", cfg.Route53HostedZoneID).Str("baseDomain", cfg.DNSBaseDomain).Msg("publishing game server DNS records")
	} else {
		dns = route53.NopPublisher{}
		log.Warn().Msg("DNS publication disabled; handing out raw game server addresses")
	}

	var ev events.Publisher = events.Nop{}
	if cfg.PubsubProjectID != "" && cfg.PubsubTopic != "" {
		ev = events.NewPubsub(cfg.PubsubProjectID, cfg.PubsubTopic, cfg.CredentialsFile)
	} else {
		log.Info().Msg("no event topic configured; lifecycle events disabled")
	}

	issuer := token.NewIssuer(cfg.MatchTokenSecret, cfg.MatchTokenTTL)
	verifier := auth.NewVerifier(cfg.AuthTokenSecret)
	hub := gateway.NewHub(cfg, q, verifier)
	rooms := matching.NewRoomClient(cfg.AllocateTimeout)

	for _, pool := range cfg.Pools {
		w := matching.NewWorker(pool, q, alloc, dns, issuer, hub, ev, rooms, cfg.TickInterval, cfg.BackfillTimeout)
		go w.Run(ctx)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           server.New(cfg, q, hub, verifier, ev).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr()).Msg("starting http server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	// Block until shutdown
	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server graceful shutdown failed")
	}
	log.Info().Msg("shutdown complete")
}
