package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/common"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/config"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/health"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/middleware"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/models"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/ratelimit"
	redisclient "github.com/maxparsons123/happy-ride-helper-sub009/pkg/redis"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/swagger"
)

// readinessCacheTTL bounds how often the readiness probe hits the store and
// broker; load balancers poll faster than dependencies want to be pinged.
const readinessCacheTTL = 5 * time.Second

// API is the admin HTTP surface over one engine: health, metrics, job lookup,
// direct submission and cancellation. Direct submitters get the synchronous
// structured response the bus channels cannot give them.
type API struct {
	engine     *Engine
	cfg        config.ServerConfig
	version    string
	log        *zap.Logger
	ready      map[string]*health.CachedChecker
	deep       *health.DeepChecker
	idem       redisclient.ClientInterface
	limiter    *ratelimit.Limiter
	limiterCfg config.RateLimitConfig
}

// NewAPI builds the admin surface. Store and broker readiness probes are
// pre-wired; AddReadinessCheck attaches optional ones.
func NewAPI(e *Engine, cfg config.ServerConfig, version string, log *zap.Logger) *API {
	if log == nil {
		log = zap.NewNop()
	}
	a := &API{
		engine:  e,
		cfg:     cfg,
		version: version,
		log:     log,
		ready:   make(map[string]*health.CachedChecker),
	}
	a.AddReadinessCheck("store", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return e.store.Ping(ctx)
	})
	a.AddReadinessCheck("broker", health.BusChecker(e.bus))
	return a
}

// AddReadinessCheck registers a named dependency probe on /health/ready.
// Results are cached between evaluations.
func (a *API) AddReadinessCheck(name string, c health.Checker) {
	a.ready[name] = health.NewCachedChecker(c, readinessCacheTTL)
}

// SetRateLimiter puts the Redis token bucket in front of the job routes.
// Callers presenting the internal API key get the trusted bucket.
func (a *API) SetRateLimiter(l *ratelimit.Limiter, cfg config.RateLimitConfig) {
	a.limiter = l
	a.limiterCfg = cfg
}

// SetDeepChecker mounts the diagnostic /health/deep endpoint with
// per-dependency latencies and circuit breaker states.
func (a *API) SetDeepChecker(d *health.DeepChecker) {
	a.deep = d
}

// SetIdempotencyStore enables Idempotency-Key replay protection on the
// mutating job routes.
func (a *API) SetIdempotencyStore(r redisclient.ClientInterface) {
	a.idem = r
}

// Router assembles the gin handler with the service middleware chain.
func (a *API) Router() *gin.Engine {
	if strings.EqualFold(a.cfg.Environment, "production") {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(middleware.RecoveryWithSentry())
	r.Use(middleware.SentryMiddleware())
	r.Use(middleware.RequestID())
	r.Use(middleware.RequestTimeout(a.requestTimeout()))
	r.Use(middleware.RequestLogger(serviceName))
	r.Use(middleware.CORS())
	r.Use(middleware.SanitizeRequest())
	if os.Getenv("OTEL_ENABLED") == "true" {
		r.Use(middleware.TracingMiddleware(serviceName))
	}
	r.Use(middleware.ErrorHandler())

	r.GET("/healthz", a.handleHealthz)
	r.GET("/health/ready", a.handleReady)
	if a.deep != nil {
		r.GET("/health/deep", gin.WrapF(a.deep.Handler()))
	}
	r.GET("/version", a.handleVersion)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	swagger.RegisterRoutes(r)

	v1 := r.Group("/v1")
	if a.limiter != nil {
		v1.Use(middleware.TrustedCaller())
		v1.Use(middleware.RateLimit(a.limiter, a.limiterCfg))
	}
	if a.idem != nil {
		v1.Use(middleware.Idempotency(a.idem))
	}
	v1.POST("/jobs", a.handleSubmit)
	v1.GET("/jobs/:id", a.handleJob)
	v1.POST("/jobs/:id/cancel", a.handleCancel)

	return r
}

func (a *API) requestTimeout() time.Duration {
	if a.cfg.WriteTimeout <= 0 {
		return 10 * time.Second
	}
	return time.Duration(a.cfg.WriteTimeout) * time.Second
}

func (a *API) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) handleReady(c *gin.Context) {
	status := "ready"
	code := http.StatusOK
	checks := make(map[string]string, len(a.ready))
	for name, checker := range a.ready {
		if err := checker.Check(); err != nil {
			checks[name] = err.Error()
			status = "unavailable"
			code = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	c.JSON(code, gin.H{"status": status, "checks": checks})
}

func (a *API) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":      serviceName,
		"version":      a.version,
		"dispatcherId": a.engine.DispatcherID(),
	})
}

func (a *API) handleSubmit(c *gin.Context) {
	var req models.JobRequest
	if !common.BindJSON(c, &req) {
		return
	}
	if req.Source == "" {
		req.Source = "admin"
	}

	job, err := a.engine.Submit(c.Request.Context(), &req)
	if common.HandleServiceError(c, err, "failed to admit job") {
		return
	}
	common.CreatedResponse(c, job)
}

func (a *API) handleJob(c *gin.Context) {
	id, ok := common.ParseJobIDParam(c, "id")
	if !ok {
		return
	}

	job, err := a.engine.Job(c.Request.Context(), id)
	if common.HandleServiceError(c, err, "failed to load job") {
		return
	}

	var bids []models.BidSnapshot
	if job.BidsSnapshotJSON != "" {
		if err := json.Unmarshal([]byte(job.BidsSnapshotJSON), &bids); err != nil {
			a.log.Warn("stored bid snapshot unreadable",
				zap.String("job_id", job.ID),
				zap.Error(err))
		}
	}
	common.SuccessResponse(c, gin.H{"job": job, "bids": bids})
}

func (a *API) handleCancel(c *gin.Context) {
	id, ok := common.ParseJobIDParam(c, "id")
	if !ok {
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	if c.Request.ContentLength > 0 {
		if !common.BindJSON(c, &body) {
			return
		}
	}

	if err := a.engine.Cancel(c.Request.Context(), id, body.Reason); err != nil {
		common.HandleServiceError(c, err, "failed to cancel job")
		return
	}
	common.SuccessResponse(c, gin.H{"job": id, "status": string(models.JobStatusCancelled)})
}
