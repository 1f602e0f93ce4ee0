package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/curanet/fhir-gateway/internal/config"
	"github.com/curanet/fhir-gateway/internal/consumer"
	"github.com/curanet/fhir-gateway/internal/gateway"
	"github.com/curanet/fhir-gateway/internal/harmonize"
	"github.com/curanet/fhir-gateway/internal/pipeline"
	"github.com/curanet/fhir-gateway/internal/platform/db"
	"github.com/curanet/fhir-gateway/internal/platform/metrics"
	"github.com/curanet/fhir-gateway/internal/pseudonym"
	"github.com/curanet/fhir-gateway/internal/retry"
	"github.com/curanet/fhir-gateway/internal/sinks"
	"github.com/curanet/fhir-gateway/internal/validate"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhir-gateway",
		Short: "FHIR data integration gateway",
	}

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func policyFromConfig(cfg *config.Config) retry.Policy {
	p := retry.DefaultPolicy()
	p.InitialInterval = cfg.RetryInitialInterval
	p.MaxInterval = cfg.RetryMaxInterval
	p.Multiplier = cfg.RetryMultiplier
	p.MaxAttempts = cfg.RetryMaxAttempts
	return p
}

// consumerPolicyFromConfig returns the same backoff curve without an attempt
// budget. The Kafka ingress and its republish writer block a partition
// rather than give up, so a broker outage stalls consumption instead of
// stopping the process.
func consumerPolicyFromConfig(cfg *config.Config) retry.Policy {
	p := policyFromConfig(cfg)
	p.Unbounded = true
	return p
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	policy := policyFromConfig(cfg)

	// The pseudonymizer slot is always filled; when the stage is disabled a
	// pass-through takes its place.
	httpClient := &http.Client{Timeout: cfg.PseudonymTimeout}
	var pseudonymizer pipeline.Pseudonymizer = pseudonym.Passthrough{}
	if cfg.PseudonymizationEnabled {
		provider := pseudonym.NewClient(cfg.PseudonymizerURL, httpClient, policy, logger,
			m.DependencyFailures.WithLabelValues("pseudonymizer"))
		pseudonymizer = pseudonym.NewEngine(provider,
			map[pseudonym.Domain]string{
				pseudonym.DomainPatient: cfg.PatientDomain,
				pseudonym.DomainCase:    cfg.CaseDomain,
				pseudonym.DomainReport:  cfg.ReportDomain,
			},
			pseudonym.Systems{
				PatientID:       cfg.PatientIDSystem,
				EncounterID:     cfg.EncounterIDSystem,
				ReportID:        cfg.ReportIDSystem,
				InsuranceNumber: cfg.InsuranceNumberSystem,
			},
			logger)
	} else {
		logger.Warn().Msg("pseudonymization disabled; identifiers pass through unchanged")
	}

	var opts []pipeline.Option
	var consumerOpts []pipeline.Option

	if cfg.HarmonizationEnabled {
		converter := harmonize.NewHTTPConverter(cfg.ConversionServiceURL, httpClient, policy, logger,
			m.DependencyFailures.WithLabelValues("conversion-service"))
		h := harmonize.New(converter, cfg.LoincSystem, cfg.HarmonizationFailOnError, logger, m.ConversionErrors)
		opts = append(opts, pipeline.WithHarmonizer(h))
		consumerOpts = append(consumerOpts, pipeline.WithHarmonizer(h))
	}

	if cfg.ValidationEnabled {
		stage := validate.NewStage(validate.NewStructuralValidator(), cfg.ValidationConcurrency,
			cfg.ValidationFailOnError, logger)
		opts = append(opts, pipeline.WithValidator(stage))
		consumerOpts = append(consumerOpts, pipeline.WithValidator(stage))
	}

	var pool *pgxpool.Pool
	if cfg.PostgresEnabled {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		if err := db.EnsureSchema(ctx, pool); err != nil {
			logger.Fatal().Err(err).Msg("failed to apply database schema")
		}
		logger.Info().Msg("connected to database")

		pg := sinks.NewPostgres(pool, policy, logger, m.DependencyFailures.WithLabelValues("postgres"))
		opts = append(opts, pipeline.WithSinks(pg))
		consumerOpts = append(consumerOpts, pipeline.WithSinks(pg))
	}

	if cfg.FHIRServerEnabled {
		fs := sinks.NewFHIRServer(cfg.FHIRServerURL, &http.Client{Timeout: 30 * time.Second}, policy, logger,
			m.DependencyFailures.WithLabelValues("fhir-server"))
		opts = append(opts, pipeline.WithSinks(fs))
		consumerOpts = append(consumerOpts, pipeline.WithSinks(fs))
	}

	topics := sinks.TopicRule{
		MatchExpression: cfg.KafkaTopicMatchExpr,
		ReplaceWith:     cfg.KafkaTopicReplace,
		Default:         cfg.KafkaOutputTopic,
	}
	var writer *kafkago.Writer
	if cfg.KafkaEnabled {
		if err := topics.Compile(); err != nil {
			logger.Fatal().Err(err).Msg("invalid kafka topic configuration")
		}
		writer = &kafkago.Writer{
			Addr:     kafkago.TCP(cfg.KafkaBrokers...),
			Balancer: &kafkago.Hash{},
		}
		defer writer.Close()

		// The HTTP path publishes to the default topic through the
		// pipeline, bounded like its other sinks so a broker outage
		// cannot hold a synchronous caller open.
		opts = append(opts, pipeline.WithSinks(
			sinks.NewKafka(writer, topics, []byte(cfg.KafkaHMACKey), policy, logger,
				m.DependencyFailures.WithLabelValues("kafka"))))
	}

	httpPipeline := pipeline.New(pseudonymizer, m, logger, opts...)

	group, ctx := errgroup.WithContext(ctx)

	// Kafka ingress
	if cfg.KafkaEnabled && cfg.KafkaInputTopic != "" {
		reader := kafkago.NewReader(kafkago.ReaderConfig{
			Brokers: cfg.KafkaBrokers,
			GroupID: cfg.KafkaGroupID,
			Topic:   cfg.KafkaInputTopic,
		})
		defer reader.Close()

		consumerPolicy := consumerPolicyFromConfig(cfg)
		// The consumer's republish writer shares the broker connection but
		// not the bounded policy; its retries never give up.
		publisher := sinks.NewKafka(writer, topics, []byte(cfg.KafkaHMACKey), consumerPolicy, logger,
			m.DependencyFailures.WithLabelValues("kafka"))
		consumerPipeline := pipeline.New(pseudonymizer, m, logger, consumerOpts...)
		cons := consumer.New(reader, consumerPipeline, publisher, topics, consumerPolicy, logger,
			m.DependencyFailures.WithLabelValues("pipeline"))

		group.Go(func() error {
			logger.Info().Str("topic", cfg.KafkaInputTopic).Msg("kafka ingress started")
			return cons.Run(ctx)
		})
	}

	// HTTP ingress
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(gateway.Recovery(logger))
	e.Use(gateway.RequestID())
	e.Use(gateway.Logger(logger))

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if pool != nil {
		e.GET("/health/db", db.HealthHandler(pool))
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})))

	fhirGroup := e.Group("/fhir")
	if cfg.AuthSecret != "" {
		fhirGroup.Use(gateway.JWTMiddleware(gateway.JWTConfig{
			Secret:   cfg.AuthSecret,
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
		}))
	} else if !cfg.IsDev() {
		logger.Warn().Msg("AUTH_SECRET not set; ingress endpoints are unauthenticated")
	}
	gateway.NewHandler(httpPipeline, logger).RegisterRoutes(fhirGroup)

	group.Go(func() error {
		logger.Info().Str("port", cfg.Port).Msg("http ingress started")
		if err := e.Start(":" + cfg.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Error().Err(err).Msg("gateway stopped")
		return err
	}
	logger.Info().Msg("gateway stopped")
	return nil
}
