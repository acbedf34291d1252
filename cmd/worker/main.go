// The worker binary runs the orchestration loops: the bounded-concurrency
// dispatcher over the inbound FIFO, the one-shot due-time sweep, the
// pending-payment poller, and the retry drain. It shares the store with
// the server binary and owns every outbound side effect.
package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-outreach-engine/internal/config"
	"github.com/tbourn/go-outreach-engine/internal/gateway"
	"github.com/tbourn/go-outreach-engine/internal/observability"
	"github.com/tbourn/go-outreach-engine/internal/queue"
	"github.com/tbourn/go-outreach-engine/internal/repo"
	"github.com/tbourn/go-outreach-engine/internal/services"
	"github.com/tbourn/go-outreach-engine/internal/sysutil"
	"github.com/tbourn/go-outreach-engine/internal/worker"
)

const version = "1.0.0"

func main() {
	_ = godotenv.Load()
	cfg := config.MustLoad()
	sysutil.SetupLogging(cfg.LogLevel, cfg.LogPretty)

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
		Store:     store,
		Subjects:  subjects,
		Funnel:    funnel,
		Sender:    sender,
		Delay:     cfg.Worker.FollowupDelay,
		BatchSize: cfg.Worker.FollowupBatch,
		Message:   cfg.Messages.Followup,
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
		Store:         store,
		Attribution:   attribution,
		Orders:        gateway.NewOrderClient(cfg.Sinks.OrderURL, cfg.Sinks.OrderToken),
		Events:        gateway.NewEventClient(cfg.Sinks.EventURL, cfg.Sinks.PixelID, cfg.Sinks.AccessToken),
		MaxAttempts:   cfg.Worker.RetryMax,
		DrainBatch:    cfg.Worker.RetryBatch,
		DrainInterval: cfg.Worker.RetryInterval,
	}
	paySvc := &services.PaymentService{
		Subjects:     subjects,
		Payments:     payments,
		Attribution:  attribution,
		Funnel:       funnel,
		Gateway:      checkout,
		Followups:    followups,
		Delivery:     delivery,
		Tracking:     tracking,
		Currency:     cfg.Gateway.Currency,
		ProductName:  cfg.Gateway.ProductName,
		SuccessURL:   cfg.Gateway.SuccessURL,
		CancelURL:    cfg.Gateway.CancelURL,
		PollBatch:    cfg.Worker.PollBatch,
		PollWorkers:  cfg.Worker.PollWorkers,
		PollInterval: cfg.Worker.PollInterval,
	}

	d := &worker.Dispatcher{
		Queue:         queue.NewUpdates(store),
		MaxConcurrent: cfg.Worker.MaxConcurrent,
		PopTimeout:    cfg.Worker.PopTimeout,
	}
	h := &worker.Handlers{
		Subjects:             subjects,
		Funnel:               funnel,
		Attribution:          attribution,
		Sender:               sender,
		Followups:            followups,
		Payments:             paySvc,
		WelcomeMessage:       cfg.Messages.Welcome,
		CheckoutRetryMessage: cfg.Messages.CheckoutRetry,
	}
	h.Register(d)

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Str("loop", name).Msg("loop started")
			fn(ctx)
			log.Info().Str("loop", name).Msg("loop stopped")
		}()
	}

	run("dispatch", d.Run)
	run("followup", followups.RunDueLoop)
	run("payment-poll", paySvc.RunPollLoop)
	run("retry-drain", tracking.RunRetryLoop)

	<-ctx.Done()
	log.Info().Msg("shutting down")
	wg.Wait()

	if err := shutdownTracing(context.Background()); err != nil {
		log.Error().Err(err).Msg("tracing shutdown failed")
	}
	log.Info().Msg("stopped")
}
