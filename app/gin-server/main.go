package main

import (
	"context"
	"errors"
	"io"
	stdlog "log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/yoockh/meetstream/config"
	"github.com/yoockh/meetstream/internal/api/handlers"
	"github.com/yoockh/meetstream/internal/api/middleware"
	"github.com/yoockh/meetstream/internal/api/routes"
	"github.com/yoockh/meetstream/internal/auth"
	"github.com/yoockh/meetstream/internal/cache"
	"github.com/yoockh/meetstream/internal/ingest"
	"github.com/yoockh/meetstream/internal/logger"
	"github.com/yoockh/meetstream/internal/providers/llm"
	"github.com/yoockh/meetstream/internal/providers/stt"
	"github.com/yoockh/meetstream/internal/pubsub"
	"github.com/yoockh/meetstream/internal/ratelimit"
	"github.com/yoockh/meetstream/internal/registry"
	"github.com/yoockh/meetstream/internal/relay"
	mongorepo "github.com/yoockh/meetstream/internal/repositories/mongo"
	pgrepo "github.com/yoockh/meetstream/internal/repositories/postgres"
	"github.com/yoockh/meetstream/internal/services"
	"github.com/yoockh/meetstream/internal/subscriber"
	"github.com/yoockh/meetstream/internal/workers"
)

const transcriptCacheTTL = 5 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		stdlog.Fatalf("config error: %v", err)
	}
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	// Transcript store
	repo, closer, err := openStore(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("transcript store init failed")
	}
	closers = append(closers, closer)

	// Fan-out bus
	bus, err := pubsub.Connect(ctx, cfg.RedisAddr, cfg.RedisRequired, log)
	if err != nil {
		log.WithError(err).Fatal("fan-out bus init failed")
	}
	closers = append(closers, bus)
	log.WithField("mode", bus.Mode()).Info("fan-out bus ready")

	// Shared Redis client for rate limiting, caching and the tip queue
	var rdb *redis.Client
	if bus.Mode() == pubsub.ModeRedis {
		rdb, err = config.OpenRedis(ctx, cfg.RedisAddr)
		if err != nil {
			log.WithError(err).Fatal("redis init failed")
		}
		closers = append(closers, rdb)
	}

	var limiter ratelimit.Limiter = ratelimit.NewMemory(cfg.RateLimitMaxAttempts, cfg.RateLimitWindow)
	if cfg.RateLimitBackend == "redis" {
		if rdb == nil {
			log.Warn("redis rate limiting requested without redis; using in-memory limiter")
		} else {
			limiter = ratelimit.NewRedis(rdb, cfg.RateLimitMaxAttempts, cfg.RateLimitWindow, log)
		}
	}

	var c cache.Cache = cache.NewMemory()
	if rdb != nil {
		c = cache.NewRedisCache(rdb)
	}
	transcripts := services.NewTranscriptService(repo, services.WithCache(c, transcriptCacheTTL))

	dialer, err := newDialer(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("asr provider init failed")
	}
	if cl, ok := dialer.(io.Closer); ok {
		closers = append(closers, cl)
	}

	verifier, err := auth.NewVerifier(auth.Config{
		Secret:        cfg.JWTSecret,
		PublicKeyPath: cfg.JWTPublicKeyPath,
		Audience:      cfg.JWTAudience,
		Issuer:        cfg.JWTIssuer,
	})
	if err != nil {
		log.WithError(err).Fatal("token verifier init failed")
	}

	reg := registry.New(cfg.MaxSubscribersPerMeeting, cfg.MaxBroadcastBytes, log)

	var tips ingest.TipQueue
	if cfg.TipsEnabled {
		pool, err := startTips(ctx, cfg, rdb, bus, log)
		if err != nil {
			log.WithError(err).Fatal("tip workers init failed")
		}
		closers = append(closers, pool.LLM)
		tips = pool
	}

	ingestSvc := ingest.NewService(ingest.Deps{
		Limiter:  limiter,
		Verifier: verifier,
		Registry: reg,
		Dialer:   dialer,
		Bus:      bus,
		Store:    transcripts,
		Counters: ingest.NewCounters(),
		Tips:     tips,
		Log:      log,
	}, ingest.Config{
		SampleRate:       cfg.IngestSampleRate,
		Channels:         cfg.IngestChannels,
		MaxFrameBytes:    cfg.MaxIngestFrameBytes,
		HandshakeTimeout: cfg.HandshakeTimeout,
		IdleTimeout:      cfg.IngestIdleTimeout,
		FinalizeTimeout:  cfg.FinalizeTimeout,
		Model:            cfg.ASRModel,
		Language:         cfg.ASRLanguage,
		Relay: relay.Config{
			ReadTimeout:   cfg.ASRReadTimeout,
			FinalizeGrace: cfg.FinalizeGrace,
		},
	})
	subscriberSvc := subscriber.NewService(subscriber.Deps{
		Verifier: verifier,
		Registry: reg,
		Bus:      bus,
		Log:      log,
	}, subscriber.Config{KeepAlive: cfg.KeepAliveInterval})

	if !log.IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(log))
	routes.RegisterRoutes(r, routes.Deps{
		Verifier: verifier,
		Health:   handlers.NewHealthHandler(bus, transcripts),
		Meeting:  handlers.NewMeetingHandler(transcripts, reg),
		WS:       handlers.NewWSHandler(ingestSvc, subscriberSvc, cfg.AllowedOrigins),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		log.WithFields(logrus.Fields{
			"port":     cfg.Port,
			"store":    cfg.TranscriptStore,
			"provider": dialer.Name(),
		}).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server error")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown incomplete")
	}
}

type closeFunc func() error

func (f closeFunc) Close() error { return f() }

func openStore(ctx context.Context, cfg config.Settings, log *logrus.Logger) (services.TranscriptRepository, io.Closer, error) {
	switch cfg.TranscriptStore {
	case "mongo":
		client, err := config.OpenMongo(ctx, cfg.MongoURI)
		if err != nil {
			return nil, nil, err
		}
		db := client.Database(cfg.MongoDB)
		if err := config.EnsureMongoIndexes(ctx, db); err != nil {
			_ = client.Disconnect(ctx)
			return nil, nil, err
		}
		log.WithField("db", cfg.MongoDB).Info("MongoDB connected")
		return mongorepo.NewTranscriptRepo(db), closeFunc(func() error {
			return client.Disconnect(context.Background())
		}), nil

	default:
		db, err := config.OpenPostgres(cfg.PostgresURI, log)
		if err != nil {
			return nil, nil, err
		}
		if cfg.AutoMigrate {
			if err := pgrepo.AutoMigrate(db); err != nil {
				return nil, nil, err
			}
		}
		log.Info("PostgreSQL connected")
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		return pgrepo.NewTranscriptRepo(db), sqlDB, nil
	}
}

func newDialer(ctx context.Context, cfg config.Settings, log *logrus.Logger) (stt.Dialer, error) {
	switch cfg.ASRProvider {
	case "google":
		return stt.NewGoogleSpeech(ctx, cfg.GoogleCredentialsFile)
	case "yandex":
		return stt.NewYandex(stt.YandexConfig{
			Endpoint: cfg.YandexEndpoint,
			APIKey:   cfg.YandexAPIKey,
			IAMToken: cfg.YandexIAMToken,
			FolderID: cfg.YandexFolderID,
		})
	default:
		if cfg.DeepgramAPIKey == "" {
			// sessions fail with an upstream error until a key is configured
			log.Warn("DEEPGRAM_API_KEY is not set")
		}
		return stt.NewDeepgram(stt.DeepgramConfig{
			APIKey:   cfg.DeepgramAPIKey,
			Endpoint: cfg.DeepgramEndpoint,
		}, log), nil
	}
}

func startTips(ctx context.Context, cfg config.Settings, rdb *redis.Client, bus pubsub.Bus, log *logrus.Logger) (*workers.TipWorkerPool, error) {
	if rdb == nil {
		return nil, errors.New("tips require redis")
	}
	gemini, err := llm.NewVertexGemini(ctx, llm.VertexConfig{
		Project:     cfg.VertexProject,
		Location:    cfg.VertexLocation,
		Model:       cfg.VertexModel,
		Instruction: workers.TipInstruction,
		MaxTokens:   256,
		Temperature: 0.3,
	})
	if err != nil {
		return nil, err
	}
	pool := &workers.TipWorkerPool{
		Redis:      rdb,
		LLM:        gemini,
		Bus:        bus,
		NumWorkers: cfg.TipWorkers,
		Logger:     log,
	}
	if err := pool.Start(ctx); err != nil {
		_ = gemini.Close()
		return nil, err
	}
	return pool, nil
}
