package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/domino14/skyodds/pkg/amm"
	"github.com/domino14/skyodds/pkg/archive"
	"github.com/domino14/skyodds/pkg/config"
	"github.com/domino14/skyodds/pkg/events"
	"github.com/domino14/skyodds/pkg/marketapi"
)

func main() {
	cfgPath := flag.String("config", os.Getenv("SKYODDS_CONFIG"), "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load-config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid-config")
	}
	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("server-exited")
	}
	log.Info().Msg("server-stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	if err := marketapi.EnsureMigrations(&marketapi.Config{
		DBMigrationsPath: cfg.DB.MigrationsPath,
		DBPath:           cfg.DB.Path,
	}); err != nil {
		return err
	}
	store, err := marketapi.NewSqliteStore(cfg.DB.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	var (
		publishers events.Multi
		hub        *events.Hub
	)
	if cfg.HTTP.EnableWS {
		hub = events.NewHub()
		publishers = append(publishers, hub)
	}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		publishers = append(publishers, events.NewRedisPublisher(rdb))
		log.Info().Str("addr", cfg.Redis.Addr).Msg("redis-publisher-enabled")
	}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic))
		defer kp.Close()
		publishers = append(publishers, kp)
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("kafka-publisher-enabled")
	}

	authorities, err := cfg.Authorities()
	if err != nil {
		return err
	}
	opts := amm.Options{
		Params:      cfg.Params(),
		Authorities: authorities,
		Store:       store,
	}
	if len(publishers) > 0 {
		opts.Publisher = publishers
	}
	if cfg.Archive.Bucket != "" {
		a, err := archive.New(ctx, archive.ClientConfig{
			Endpoint:       cfg.Archive.Endpoint,
			Region:         cfg.Archive.Region,
			Bucket:         cfg.Archive.Bucket,
			Prefix:         cfg.Archive.Prefix,
			AccessKey:      cfg.Archive.AccessKey,
			SecretKey:      cfg.Archive.SecretKey,
			ForcePathStyle: cfg.Archive.ForcePathStyle,
		})
		if err != nil {
			return err
		}
		opts.Archiver = a
	}

	engine, err := amm.New(opts)
	if err != nil {
		return err
	}
	if err := engine.Load(ctx); err != nil {
		return err
	}

	var feed http.Handler
	if hub != nil {
		feed = hub
	}
	handler := marketapi.Middleware(log.Logger,
		marketapi.NewRateLimiter(cfg.HTTP.RateLimit, cfg.HTTP.RateBurst),
		marketapi.NewMarketService(engine,
			marketapi.NewSignatureAuth(time.Duration(cfg.HTTP.SignatureWindowSecs)*time.Second, nil),
			cfg.HTTP.APIKey).Handler(feed))
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if hub != nil {
		g.Go(func() error { return hub.Run(gctx) })
	}
	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("http-listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSecs)*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
