package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/halarumdigital/site-hortibless-sub000/config"
	"github.com/halarumdigital/site-hortibless-sub000/internal/adapters/evolution"
	"github.com/halarumdigital/site-hortibless-sub000/internal/adapters/openai"
	"github.com/halarumdigital/site-hortibless-sub000/internal/db"
	"github.com/halarumdigital/site-hortibless-sub000/internal/events"
	"github.com/halarumdigital/site-hortibless-sub000/internal/handlers"
	"github.com/halarumdigital/site-hortibless-sub000/internal/models"
	"github.com/halarumdigital/site-hortibless-sub000/internal/services"
	"github.com/halarumdigital/site-hortibless-sub000/internal/storage"
	"github.com/halarumdigital/site-hortibless-sub000/internal/store"
	"github.com/halarumdigital/site-hortibless-sub000/pkg/keylock"
	"github.com/halarumdigital/site-hortibless-sub000/pkg/logger"
)

func main() {
	logger.InitLogger()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.Configure(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer database.Close()
	if err := database.Migrate(models.All()...); err != nil {
		log.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	conversationStore, err := store.NewConversationStore(database.SQL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize ConversationStore")
	}
	connectionStore, err := store.NewConnectionStore(database.ORM, cfg.ConnectionCacheTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize ConnectionStore")
	}

	// Gateway client. Without it media cannot be downloaded and replies are
	// not sent, but the webhook still records conversations.
	var (
		textSender  services.TextSender
		mediaSource services.MediaSource = unavailableMedia{}
	)
	if cfg.EvolutionBaseURL != "" {
		evo, err := evolution.NewClient(cfg.EvolutionBaseURL, cfg.EvolutionAPIKey, cfg.GatewayTimeout)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize Evolution API client")
		}
		textSender, mediaSource = evo, evo
	}

	var (
		chat   services.ChatCompleter
		speech services.SpeechToText
	)
	if cfg.OpenAIAPIKey != "" {
		ai, err := openai.NewClient(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.GenerationTimeout)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize OpenAI client")
		}
		chat, speech = ai, ai
	}

	var dedup services.Deduplicator = services.NewMemoryDeduplicator(cfg.DedupTTL)
	if cfg.RedisURL != "" {
		redisDedup, err := services.NewRedisDeduplicator(ctx, cfg.RedisURL, cfg.DedupTTL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize Redis deduplicator")
		}
		defer redisDedup.Close()
		dedup = redisDedup
	}

	sinks := buildSinks(cfg)
	defer func() {
		for _, sink := range sinks {
			if c, ok := sink.(io.Closer); ok {
				if err := c.Close(); err != nil {
					log.Warn().Err(err).Str("sink", sink.Name()).Msg("Failed to close event sink")
				}
			}
		}
	}()
	deliveryManager := events.NewDeliveryManager(sinks...)
	deliveryManager.Start()
	defer deliveryManager.Stop()

	var archive services.AudioArchiver
	if cfg.S3.Enabled() {
		a, err := storage.NewAudioArchive(storage.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			Bucket:    cfg.S3.Bucket,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			PathStyle: cfg.S3.PathStyle,
			PublicURL: cfg.S3.PublicURL,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize audio archive")
		}
		archive = a
	}

	mediaFetcher, err := services.NewMediaFetcher(mediaSource, cfg.GatewayTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize MediaFetcher")
	}
	generator := services.NewResponseGenerator(chat, cfg.DefaultAIModel, cfg.GenerationTimeout)
	dispatcher := services.NewDispatcher(textSender, cfg.GatewayTimeout)
	locks := keylock.New()

	ingestion, err := services.NewIngestionService(services.IngestionDeps{
		Conversations:   conversationStore,
		Channels:        connectionStore,
		Media:           mediaFetcher,
		Transcriber:     services.NewTranscriber(speech, cfg.TranscriptionModel, cfg.TranscriptionLanguage, cfg.TranscriptionTimeout),
		Generator:       generator,
		Dispatcher:      dispatcher,
		Archive:         archive,
		Events:          deliveryManager,
		Dedup:           dedup,
		Locks:           locks,
		HistoryLimit:    cfg.HistoryLimit,
		PipelineTimeout: cfg.PipelineTimeout,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize IngestionService")
	}
	conversations, err := services.NewConversationService(conversationStore, dispatcher, generator, deliveryManager, locks)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize ConversationService")
	}

	router := handlers.NewRouter(handlers.Routes{
		WebhookPath:   cfg.WebhookPath,
		Webhook:       handlers.NewEvolutionWebhookHandler(ingestion),
		Conversations: handlers.NewConversationHandler(conversations),
		Connections:   handlers.NewConnectionHandler(connectionStore, conversations),
		Delivery:      handlers.NewDeliveryHandler(deliveryManager),
		Health: handlers.NewHealthHandler(database, map[string]bool{
			"evolution": textSender != nil,
			"openai":    chat != nil,
			"redis":     cfg.RedisURL != "",
			"events":    deliveryManager.Enabled(),
			"s3":        archive != nil,
		}),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Str("webhookPath", cfg.WebhookPath).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown did not complete cleanly")
	}
}

// buildSinks connects the configured event sinks. A sink that cannot connect
// is logged and skipped so the webhook keeps working without it.
func buildSinks(cfg *config.Config) []events.Sink {
	var sinks []events.Sink
	if cfg.RabbitMQURL != "" {
		rabbit, err := events.NewRabbitSink(events.RabbitConfig{
			URL:            cfg.RabbitMQURL,
			Queue:          cfg.RabbitMQQueue,
			QueuePrefix:    cfg.RabbitMQQueuePrefix,
			SpecificEvents: cfg.RabbitMQSpecificEvents,
		})
		if err != nil {
			log.Error().Err(err).Msg("RabbitMQ sink disabled")
		} else {
			sinks = append(sinks, rabbit)
		}
	}
	if cfg.NATSURL != "" {
		nc, err := events.NewNATSSink(cfg.NATSURL, cfg.NATSSubjectPrefix)
		if err != nil {
			log.Error().Err(err).Msg("NATS sink disabled")
		} else {
			sinks = append(sinks, nc)
		}
	}
	return sinks
}

// unavailableMedia stands in for the gateway when EVOLUTION_API_URL is unset.
type unavailableMedia struct{}

func (unavailableMedia) GetBase64FromMediaMessage(context.Context, string, string) (*evolution.MediaResponse, error) {
	return nil, errors.New("gateway not configured")
}
