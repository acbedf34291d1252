// The server binary exposes the web surface of the engine: event ingress,
// payment-gateway callbacks, the tracking redirect, and the admin
// reporting endpoints. All event processing happens in the worker binary;
// the server only authenticates, enqueues, and reconciles pushed statuses.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-outreach-engine/internal/config"
	"github.com/tbourn/go-outreach-engine/internal/gateway"
	enginehttp "github.com/tbourn/go-outreach-engine/internal/http"
	"github.com/tbourn/go-outreach-engine/internal/http/handlers"
	"github.com/tbourn/go-outreach-engine/internal/observability"
	"github.com/tbourn/go-outreach-engine/internal/queue"
	"github.com/tbourn/go-outreach-engine/internal/repo"
	"github.com/tbourn/go-outreach-engine/internal/services"
	"github.com/tbourn/go-outreach-engine/internal/sysutil"
)

const version = "1.0.0"

func main() {
	_ = godotenv.Load()
	cfg := config.MustLoad()
	sysutil.SetupLogging(cfg.LogLevel, cfg.LogPretty)
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.Setup(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("tracing setup failed")
	}

	store, err := repo.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connect failed")
	}
	defer store.Close()

	subjects := &repo.Subjects{Store: store, BotID: cfg.BotID}
	payments := &repo.Payments{Store: store}
	deliveries := &repo.Deliveries{Store: store}
	funnel := &repo.Funnel{Store: store}
	attribution := &repo.Attribution{Store: store}

	sender := gateway.NewBotClient(cfg.BotAPIBase, cfg.BotToken)
	checkout := gateway.NewCheckoutClient(cfg.Gateway.BaseURL, cfg.Gateway.SecretKey)

	followups := &services.FollowupService{
		Store:    store,
		Subjects: subjects,
		Funnel:   funnel,
		Sender:   sender,
		Delay:    cfg.Worker.FollowupDelay,
		Message:  cfg.Messages.Followup,
	}
	delivery := &services.DeliveryService{
		Subjects:      subjects,
		Deliveries:    deliveries,
		Payments:      payments,
		Funnel:        funnel,
		Sender:        sender,
		PortalBaseURL: cfg.PortalBaseURL,
	}
	tracking := &services.TrackingService{
		Store:       store,
		Attribution: attribution,
		Orders:      gateway.NewOrderClient(cfg.Sinks.OrderURL, cfg.Sinks.OrderToken),
		Events:      gateway.NewEventClient(cfg.Sinks.EventURL, cfg.Sinks.PixelID, cfg.Sinks.AccessToken),
		MaxAttempts: cfg.Worker.RetryMax,
	}
	paySvc := &services.PaymentService{
		Subjects:    subjects,
		Payments:    payments,
		Attribution: attribution,
		Funnel:      funnel,
		Gateway:     checkout,
		Followups:   followups,
		Delivery:    delivery,
		Tracking:    tracking,
		Currency:    cfg.Gateway.Currency,
		ProductName: cfg.Gateway.ProductName,
		SuccessURL:  cfg.Gateway.SuccessURL,
		CancelURL:   cfg.Gateway.CancelURL,
	}

	h := &handlers.Handler{
		Queue:         queue.NewUpdates(store),
		Payments:      paySvc,
		Followups:     followups,
		Tracking:      tracking,
		Funnel:        funnel,
		Attribution:   attribution,
		Deliveries:    deliveries,
		WebhookSecret: cfg.WebhookSecret,
		GatewaySecret: cfg.Gateway.WebhookSecret,
		AdminToken:    cfg.AdminToken,
		DeeplinkBase:  cfg.Deeplink,
	}

	r := gin.New()
	enginehttp.RegisterRoutes(r, h, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("tracing shutdown failed")
	}
	log.Info().Msg("stopped")
}
