// Command server runs the chat, signaling and notification endpoints.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/wardlink/internal/ai"
	"github.com/suPer8Hu/wardlink/internal/auth"
	"github.com/suPer8Hu/wardlink/internal/chat"
	"github.com/suPer8Hu/wardlink/internal/config"
	"github.com/suPer8Hu/wardlink/internal/devices"
	"github.com/suPer8Hu/wardlink/internal/events"
	"github.com/suPer8Hu/wardlink/internal/httpapi"
	"github.com/suPer8Hu/wardlink/internal/httpapi/handlers"
	"github.com/suPer8Hu/wardlink/internal/logging"
	"github.com/suPer8Hu/wardlink/internal/metrics"
	"github.com/suPer8Hu/wardlink/internal/notify"
	"github.com/suPer8Hu/wardlink/internal/push"
	"github.com/suPer8Hu/wardlink/internal/session"
	"github.com/suPer8Hu/wardlink/internal/store"
	"github.com/suPer8Hu/wardlink/internal/store/rabbitmq"
	"github.com/suPer8Hu/wardlink/internal/throttle"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := store.Connect(cfg.DBDSN)
	if err != nil {
		logger.Fatal("db connect", zap.Error(err))
	}
	repo := store.NewRepo(gdb)

	chatReg := session.NewRegistry()
	presence := session.NewPresence()
	tokens := devices.NewRegistry(repo, logger)

	// throttles: redis when configured so limits hold across instances
	var (
		limiter  throttle.Limiter
		cooldown throttle.Cooldown
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		cancel()
		limiter = throttle.NewRedisLimiter(rdb, "wardlink:assistant", cfg.AssistantRateLimit, cfg.AssistantRateWindow)
		cooldown = throttle.NewRedisCooldown(rdb, "wardlink", cfg.CallWakeCooldown)
	} else {
		limiter = throttle.NewMemoryLimiter(cfg.AssistantRateLimit, cfg.AssistantRateWindow)
		cooldown = throttle.NewMemoryCooldown(cfg.CallWakeCooldown)
	}

	// push gateway and token revocation
	var gw push.Gateway = push.LogGateway{Log: logger}
	if cfg.FCMCredentialsFile != "" {
		fcm, err := push.NewFCMGateway(ctx, cfg.FCMCredentialsFile)
		if err != nil {
			logger.Fatal("fcm init", zap.Error(err))
		}
		gw = fcm
	} else {
		logger.Warn("FCM_CREDENTIALS_FILE not set, pushes are only logged")
	}

	var revoker push.TokenRevoker
	asyncRevoker := devices.NewAsyncRevoker(tokens, logger)
	if cfg.RabbitURL != "" {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			logger.Fatal("rabbit connect", zap.Error(err))
		}
		defer pub.Close()
		revoker = pub
	} else {
		revoker = asyncRevoker
	}
	pusher := push.NewPusher(gw, tokens, revoker, logger)
	dispatcher := notify.NewDispatcher(repo, presence, pusher, logger)

	// assistant provider
	providers := ai.NewRegistry()
	providers.Register("ollama", func(_ context.Context, model string) (ai.Provider, error) {
		if m := strings.TrimSpace(model); m != "" {
			return ai.NewOllamaProvider(cfg.OllamaBaseURL, m), nil
		}
		return ai.NewOllamaProvider(cfg.OllamaBaseURL, cfg.OllamaModel), nil
	})
	providers.Register("openrouter", func(_ context.Context, model string) (ai.Provider, error) {
		if cfg.OpenRouterAPIKey == "" {
			return nil, errors.New("OPENROUTER_API_KEY is required")
		}
		if m := strings.TrimSpace(model); m != "" {
			return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, m, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
		}
		return ai.NewOpenRouterProvider(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, cfg.OpenRouterModel, cfg.OpenRouterSiteURL, cfg.OpenRouterAppName), nil
	})
	assistant, err := providers.Get(ctx, cfg.AIProvider, "")
	if err != nil {
		logger.Fatal("ai provider", zap.Error(err))
	}

	router := chat.NewRouter(chat.Deps{
		Registry:      chatReg,
		Store:         repo,
		Users:         repo,
		Notifier:      dispatcher,
		Pusher:        pusher,
		Assistant:     assistant,
		Limiter:       limiter,
		Cooldown:      cooldown,
		Log:           logger,
		ContextWindow: cfg.ChatContextWindowSize,
	})

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(promReg, chatReg, presence)

	go session.Sweep(ctx, cfg.HeartbeatInterval, logger, map[string]session.Sweepable{
		"chat":          chatReg,
		"notifications": presence,
	})

	if len(cfg.KafkaBrokers) > 0 {
		consumer, err := events.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroup, cfg.KafkaTopics, events.NewHandler(dispatcher, logger), logger)
		if err != nil {
			logger.Fatal("kafka consumer", zap.Error(err))
		}
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx); err != nil {
				logger.Error("event_consumer_exit", zap.Error(err))
			}
		}()
	}

	h := handlers.NewHandler(handlers.Handler{
		Repo:              repo,
		Auth:              auth.NewAuthenticator(auth.NewJWTVerifier(cfg.JWTSecret), repo),
		Chat:              router,
		Registry:          chatReg,
		Presence:          presence,
		Devices:           tokens,
		Dispatcher:        dispatcher,
		Log:               logger,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, cfg.CORSOrigins)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(h, cfg.CORSOrigins, promReg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("http_listening", zap.String("addr", cfg.HTTPAddr), zap.String("ai_provider", cfg.AIProvider))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http serve", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting_down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	// hijacked websockets are not tracked by Shutdown
	for _, s := range chatReg.All() {
		_ = s.Close()
	}
	for _, s := range presence.All() {
		_ = s.Close()
	}
	router.Wait()
	asyncRevoker.Wait()
}
