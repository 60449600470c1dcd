package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/maxparsons123/happy-ride-helper-sub009/internal/dispatch"
	"github.com/maxparsons123/happy-ride-helper-sub009/internal/geocode"
	"github.com/maxparsons123/happy-ride-helper-sub009/internal/store"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/bus"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/common"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/config"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/errors"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/health"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/logger"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/models"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/ratelimit"
	redisclient "github.com/maxparsons123/happy-ride-helper-sub009/pkg/redis"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/resilience"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/tracing"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/validation"
)

const (
	serviceName = "dispatchd"
	version     = "1.0.0"
)

// Exit codes, stable for supervisor and deploy scripts.
const (
	exitOK     = 0
	exitError  = 1
	exitConfig = 2
	exitBroker = 3
	exitStore  = 4
)

func main() {
	cmd, args := "run", os.Args[1:]
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	var code int
	switch cmd {
	case "run":
		code = runEngine(args)
	case "submit":
		code = runSubmit(args)
	case "status":
		code = runStatus(args)
	case "cancel":
		code = runCancel(args)
	case "version":
		fmt.Printf("%s %s\n", serviceName, version)
	case "help":
		usage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage(os.Stderr)
		code = exitConfig
	}
	os.Exit(code)
}

func usage(w io.Writer) {
	fmt.Fprintf(w, `%s %s

Usage:
  dispatchd [run] [-broker URL] [-store URL]      start the engine and admin server
  dispatchd submit [-broker URL]                  publish a job request read from stdin, print its ID
  dispatchd status [-store URL] <job-id>          print a job's current state as JSON
  dispatchd cancel [-broker URL] [-reason TEXT] <job-id>
                                                  ask the running engine to cancel a job
  dispatchd version                               print the build version

Broker and store URLs default to the BROKER_URL and STORE_URL environment
variables (mem://, nats://, amqp:// and mem://, postgres:// respectively).
`, serviceName, version)
}

// loadConfig reads the environment and applies any flag overrides.
func loadConfig(brokerURL, storeURL string) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if brokerURL != "" {
		cfg.Broker.URL = brokerURL
	}
	if storeURL != "" {
		cfg.Store.URL = storeURL
	}
	return cfg, nil
}

func busConfig(cfg *config.Config) bus.Config {
	return bus.Config{
		URL:            cfg.Broker.URL,
		StreamName:     cfg.Broker.StreamName,
		Exchange:       cfg.Broker.Exchange,
		ConsumerPrefix: cfg.Broker.ConsumerPrefix,
		BufferSize:     cfg.Engine.BusBufferSize,
	}
}

func runEngine(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	brokerURL := fs.String("broker", "", "broker URL, overrides BROKER_URL")
	storeURL := fs.String("store", "", "store URL, overrides STORE_URL")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	cfg, err := loadConfig(*brokerURL, *storeURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return exitConfig
	}

	if err := logger.Init(cfg.Server.Environment); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return exitConfig
	}
	defer logger.Sync()

	logger.Info("Starting dispatch engine",
		zap.String("service", serviceName),
		zap.String("version", version),
		zap.String("environment", cfg.Server.Environment),
	)

	sentryConfig := errors.DefaultSentryConfig()
	sentryConfig.ServerName = serviceName
	sentryConfig.Release = version
	if err := errors.InitSentry(sentryConfig); err != nil {
		logger.Warn("Failed to initialize Sentry, continuing without error tracking", zap.Error(err))
	} else {
		defer errors.Flush(2 * time.Second)
		logger.Info("Sentry error tracking initialized successfully")
	}

	tracerEnabled := os.Getenv("OTEL_ENABLED") == "true"
	if tracerEnabled {
		tracerCfg := tracing.Config{
			ServiceName:    serviceName,
			ServiceVersion: version,
			Environment:    cfg.Server.Environment,
			OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			Enabled:        true,
		}

		tp, err := tracing.InitTracer(tracerCfg, logger.Get())
		if err != nil {
			logger.Warn("Failed to initialize tracer, continuing without tracing", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tp.Shutdown(shutdownCtx); err != nil {
					logger.Warn("Failed to shutdown tracer", zap.Error(err))
				}
			}()
			logger.Info("OpenTelemetry tracing initialized successfully")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, &cfg.Store, logger.Get())
	if err != nil {
		logger.Error("Failed to open store", zap.Error(err))
		return exitStore
	}
	defer st.Close()
	logger.Info("Store ready")

	b, err := bus.New(ctx, busConfig(cfg))
	if err != nil {
		logger.Error("Failed to connect to broker", zap.Error(err))
		return exitBroker
	}
	defer func() {
		if err := b.Close(); err != nil {
			logger.Warn("Failed to close broker connection", zap.Error(err))
		}
	}()
	logger.Info("Broker connected")

	var (
		redisClient *redisclient.Client
		limiter     *ratelimit.Limiter
	)
	if cfg.Redis.URL != "" {
		redisClient, err = redisclient.NewRedisClient(&cfg.Redis)
		if err != nil {
			logger.Warn("Failed to connect to redis, continuing without geocode cache and rate limiting", zap.Error(err))
			redisClient = nil
		} else {
			defer func() {
				if err := redisClient.Close(); err != nil {
					logger.Warn("Failed to close redis client", zap.Error(err))
				}
			}()
			if cfg.RateLimit.Enabled {
				limiter = ratelimit.NewLimiter(redisClient.Client, cfg.RateLimit)
				logger.Info("Rate limiting enabled",
					zap.Int("default_limit", cfg.RateLimit.DefaultLimit),
					zap.Int("default_burst", cfg.RateLimit.DefaultBurst),
				)
			}
		}
	}

	var (
		gc             geocode.Geocoder
		geocodeBreaker *resilience.CircuitBreaker
	)
	if cfg.Geocoder.APIKey != "" {
		var cache redisclient.ClientInterface
		if redisClient != nil {
			cache = redisClient
		}
		hg := geocode.New(&cfg.Geocoder, cache, logger.Get())
		if cfg.Resilience.CircuitBreaker.Enabled {
			cb := cfg.Resilience.CircuitBreaker
			geocodeBreaker = resilience.NewCircuitBreaker(resilience.Settings{
				Name:             "geocoder",
				Interval:         time.Duration(cb.IntervalSeconds) * time.Second,
				Timeout:          time.Duration(cb.TimeoutSeconds) * time.Second,
				FailureThreshold: uint32(cb.FailureThreshold),
			}, nil)
			hg.SetCircuitBreaker(geocodeBreaker)
			logger.Info("Circuit breaker configured for geocoder",
				zap.Int("failure_threshold", cb.FailureThreshold),
				zap.Int("timeout_seconds", cb.TimeoutSeconds),
				zap.Int("interval_seconds", cb.IntervalSeconds),
			)
		}
		gc = hg
		logger.Info("Geocoder enabled", zap.String("base_url", cfg.Geocoder.BaseURL))
	} else {
		logger.Info("Geocoder disabled, submissions keep their coordinates as sent")
	}

	eng := dispatch.New(cfg, st, b, gc, logger.Get())
	if err := eng.Start(ctx); err != nil {
		logger.Error("Failed to start engine", zap.Error(err))
		return exitBroker
	}
	logger.Info("Engine started", zap.String("dispatcher_id", eng.DispatcherID()))

	api := dispatch.NewAPI(eng, cfg.Server, version, logger.Get())
	if redisClient != nil {
		api.AddReadinessCheck("redis", func() error {
			pingCtx, pingCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer pingCancel()
			return redisClient.Client.Ping(pingCtx).Err()
		})
		api.SetIdempotencyStore(redisClient)
	}
	if limiter != nil {
		api.SetRateLimiter(limiter, cfg.RateLimit)
	}

	deepCfg := health.DefaultDeepCheckerConfig()
	deepCfg.Version = version
	deep := health.NewDeepChecker(deepCfg)
	deep.SetBus(b)
	if pg, ok := st.(*store.Postgres); ok {
		deep.SetPool(pg.Pool())
	}
	if redisClient != nil {
		deep.SetRedis(redisClient)
	}
	if geocodeBreaker != nil {
		deep.AddCircuitBreaker("geocoder", geocodeBreaker)
	}
	api.SetDeepChecker(deep)

	srv := &http.Server{
		Addr:         cfg.Server.AdminAddr,
		Handler:      api.Router(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("Admin server starting", zap.String("addr", cfg.Server.AdminAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start admin server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Admin server forced to shutdown", zap.Error(err))
	}

	eng.Stop()
	cancel()
	eng.Wait()

	logger.Info("Engine stopped")
	return exitOK
}

func runSubmit(args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	brokerURL := fs.String("broker", "", "broker URL, overrides BROKER_URL")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	cfg, err := loadConfig(*brokerURL, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return exitConfig
	}

	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read request from stdin: %v\n", err)
		return exitError
	}
	var req models.JobRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		fmt.Fprintf(os.Stderr, "invalid job request: %v\n", err)
		return exitConfig
	}
	if req.Passengers == 0 {
		req.Passengers = 1
	}
	if err := validation.ValidateJobRequest(&req); err != nil {
		fmt.Fprintf(os.Stderr, "invalid job request: %v\n", err)
		return exitConfig
	}
	if req.ID == "" {
		req.ID = models.NewJobID()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := bus.New(ctx, busConfig(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "broker unreachable: %v\n", err)
		return exitBroker
	}
	defer b.Close()

	payload, err := json.Marshal(payloadFromRequest(&req, time.Now().UTC()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode booking: %v\n", err)
		return exitError
	}
	if err := b.Publish(ctx, cfg.Engine.BookingsTopic, payload); err != nil {
		fmt.Fprintf(os.Stderr, "failed to publish booking: %v\n", err)
		return exitBroker
	}

	fmt.Println(req.ID)
	return exitOK
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	storeURL := fs.String("store", "", "store URL, overrides STORE_URL")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: dispatchd status [-store URL] <job-id>")
		return exitConfig
	}
	jobID := fs.Arg(0)

	cfg, err := loadConfig("", *storeURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return exitConfig
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := store.Open(ctx, &cfg.Store, zap.NewNop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "store unreachable: %v\n", err)
		return exitStore
	}
	defer st.Close()

	job, err := st.GetJob(ctx, jobID)
	if err != nil {
		if common.IsCode(err, common.CodeNotFound) {
			fmt.Fprintf(os.Stderr, "job %s not found\n", jobID)
			return exitError
		}
		fmt.Fprintf(os.Stderr, "lookup failed: %v\n", err)
		return exitStore
	}

	out, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode job: %v\n", err)
		return exitError
	}
	fmt.Println(string(out))
	return exitOK
}

func runCancel(args []string) int {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	brokerURL := fs.String("broker", "", "broker URL, overrides BROKER_URL")
	reason := fs.String("reason", "", "cancellation reason recorded on the job")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: dispatchd cancel [-broker URL] [-reason TEXT] <job-id>")
		return exitConfig
	}
	jobID := fs.Arg(0)

	cfg, err := loadConfig(*brokerURL, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		return exitConfig
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	b, err := bus.New(ctx, busConfig(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "broker unreachable: %v\n", err)
		return exitBroker
	}
	defer b.Close()

	payload, err := json.Marshal(models.ResponsePayload{
		JobID:       jobID,
		JobIDLegacy: jobID,
		Status:      "cancelled",
		Reason:      *reason,
		TimestampMs: time.Now().UnixMilli(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode cancellation: %v\n", err)
		return exitError
	}
	if err := b.Publish(ctx, models.TopicJobResponse(jobID), payload); err != nil {
		fmt.Fprintf(os.Stderr, "failed to publish cancellation: %v\n", err)
		return exitBroker
	}

	fmt.Printf("cancellation requested for %s\n", jobID)
	return exitOK
}

// payloadFromRequest builds the primary-format booking payload the intake
// pipeline consumes, the inverse of the normalization it applies on receipt.
func payloadFromRequest(req *models.JobRequest, now time.Time) models.JobPayload {
	p := models.JobPayload{
		JobID:         req.ID,
		PickupLat:     req.PickupLat,
		PickupLng:     req.PickupLon,
		PickupAddress: req.PickupText,
		Dropoff:       req.DropoffText,
		DropoffLat:    req.DropoffLat,
		DropoffLng:    req.DropoffLon,

		Passengers:       models.FlexCount{Count: req.Passengers, Text: req.PassengerDetail},
		BiddingWindowSec: req.BiddingWindowSeconds,
		CustomerName:     req.CallerName,
		CustomerPhone:    req.CallerPhone,
		Notes:            req.Notes,

		TimestampMs: now.UnixMilli(),
		Version:     models.PayloadVersion,
	}
	if req.FareEstimate != nil {
		p.Fare = strconv.FormatFloat(*req.FareEstimate, 'f', 2, 64)
	}
	if req.Priority != nil {
		p.Temp1 = "priority:" + *req.Priority
	}
	switch {
	case req.VehicleOverride != nil:
		p.Temp2 = "vehicle_override:" + *req.VehicleOverride
	case req.VehicleRequired != "":
		// The wire format has no required-class slot; carry the caller's
		// explicit choice as an override so the engine honors it.
		p.Temp2 = "vehicle_override:" + string(req.VehicleRequired)
	}
	if req.PaymentMethod != nil {
		p.Temp3 = "payment_method:" + *req.PaymentMethod
	}
	return p
}
