package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable of the dispatch engine. Values come from the
// environment (optionally seeded by a .env file); nothing here is read
// anywhere else, so changing a weight or a timeout never touches code.
type Config struct {
	Server     ServerConfig
	Broker     BrokerConfig
	Store      StoreConfig
	Redis      RedisConfig
	Geocoder   GeocoderConfig
	Engine     EngineConfig
	Scoring    ScoringConfig
	Spoof      SpoofConfig
	Eta        EtaConfig
	Watchdog   WatchdogConfig
	Resilience ResilienceConfig
	RateLimit  RateLimitConfig
}

// ServerConfig configures the admin HTTP surface
type ServerConfig struct {
	AdminAddr    string
	Environment  string
	ReadTimeout  int
	WriteTimeout int
	CORSOrigins  string
}

// BrokerConfig selects and tunes the bus transport by URL scheme
// (nats://, amqp://, mem://).
type BrokerConfig struct {
	URL            string
	StreamName     string
	Exchange       string
	ConsumerPrefix string
}

// StoreConfig selects the store by URL scheme (postgres://, mem://).
type StoreConfig struct {
	URL            string
	MaxConns       int
	MinConns       int
	MigrateOnStart bool
	MigrationsURL  string
}

// RedisConfig configures the optional geocode cache. Empty URL disables it.
type RedisConfig struct {
	URL string
}

// GeocoderConfig configures the forward-geocoding adapter used to repair
// invalid submission coordinates.
type GeocoderConfig struct {
	BaseURL       string
	APIKey        string
	Region        string
	TimeoutSec    int
	CacheTTLHours int
}

// EngineConfig tunes auctions, intake and publication.
type EngineConfig struct {
	MaxBidRadiusKm      float64
	DefaultWindowSec    int
	WindowMinSec        int
	WindowMaxSec        int
	IntakeQueueSize     int
	BusBufferSize       int
	HungarianMinJobs    int
	HungarianMinBidders int
	PublishAttempts     int
	PublishBackoffMs    int
	FallbackPickupLat   float64
	FallbackPickupLon   float64
	BookingsTopic       string
	PubsRequestPrefix   string
}

// ScoringConfig carries the utility weights and penalties. The final score is
// (wD·dist + wF·fairness + wI·idle + wR·reliability + wE·eta + heading bonus)
// scaled by the GPS and spoof penalties, clamped to [0,1].
type ScoringConfig struct {
	DistanceWeight    float64 `json:"distance_weight"`
	FairnessWeight    float64 `json:"fairness_weight"`
	IdleWeight        float64 `json:"idle_weight"`
	ReliabilityWeight float64 `json:"reliability_weight"`
	EtaWeight         float64 `json:"eta_weight"`

	DistanceNormKm   float64 `json:"distance_norm_km"`
	FairnessNormJobs float64 `json:"fairness_norm_jobs"`
	IdleNormMinutes  float64 `json:"idle_norm_minutes"`
	EtaNormMinutes   float64 `json:"eta_norm_minutes"`

	HeadingTightBonus  float64 `json:"heading_tight_bonus"`
	HeadingTightDeg    float64 `json:"heading_tight_deg"`
	HeadingLooseBonus  float64 `json:"heading_loose_bonus"`
	HeadingLooseDeg    float64 `json:"heading_loose_deg"`
	GpsPenaltyPoor     float64 `json:"gps_penalty_poor"`
	GpsPoorAccuracyM   float64 `json:"gps_poor_accuracy_m"`
	GpsPenaltyFair     float64 `json:"gps_penalty_fair"`
	GpsFairAccuracyM   float64 `json:"gps_fair_accuracy_m"`
	SpoofPenaltyFactor float64 `json:"spoof_penalty_factor"`

	ReliabilityCancelWeight float64 `json:"reliability_cancel_weight"`
	ReliabilityNoShowWeight float64 `json:"reliability_no_show_weight"`
	ReliabilityAcceptWeight float64 `json:"reliability_accept_weight"`
	ReliabilityRatingWeight float64 `json:"reliability_rating_weight"`
	RatingBaseline          float64 `json:"rating_baseline"`
	RatingRange             float64 `json:"rating_range"`
}

// SpoofConfig tunes the GPS plausibility heuristics.
type SpoofConfig struct {
	StaleAfterSec    int
	StaleRisk        float64
	SpeedHighKmh     float64
	SpeedHighRisk    float64
	SpeedElevatedKmh float64
	SpeedElevated    float64
	StaticDistanceKm float64
	StaticAfterSec   int
	StaticRisk       float64
	DemoteThreshold  float64
	DemoteSamples    int
}

// EtaConfig tunes the default time-of-day ETA model.
type EtaConfig struct {
	RushSpeedKmh    float64
	OffPeakSpeedKmh float64
	ZoneReduction   float64
	MinMinutes      int
}

// WatchdogConfig tunes the background sweeps.
type WatchdogConfig struct {
	IntervalSec       int
	DriverLivenessSec int
	AuctionGraceSec   int
	StalledMaxSec     int
}

// ResilienceConfig captures circuit-breaker tuning for outbound calls.
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// CircuitBreakerConfig holds breaker thresholds, currently used by the
// geocoding adapter.
type CircuitBreakerConfig struct {
	Enabled          bool
	FailureThreshold int
	TimeoutSeconds   int
	IntervalSeconds  int
}

// RateLimitConfig tunes the Redis token bucket in front of the admin
// surface. Trusted traffic is anything that passed the internal API key
// check; everything else is keyed by client IP.
type RateLimitConfig struct {
	Enabled           bool
	RedisPrefix       string
	WindowSeconds     int
	DefaultLimit      int
	DefaultBurst      int
	AnonymousLimit    int
	AnonymousBurst    int
	EndpointOverrides map[string]EndpointOverride
}

// EndpointOverride narrows rate limits for a single method+path.
type EndpointOverride struct {
	WindowSeconds  int
	AnonymousLimit int
	AnonymousBurst int
	TrustedLimit   int
	TrustedBurst   int
}

// Window returns the refill window, defaulting to a minute.
func (r RateLimitConfig) Window() time.Duration {
	if r.WindowSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(r.WindowSeconds) * time.Second
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			AdminAddr:    getEnv("ADMIN_ADDR", ":8080"),
			Environment:  getEnv("ENVIRONMENT", "development"),
			ReadTimeout:  getEnvAsInt("READ_TIMEOUT", 10),
			WriteTimeout: getEnvAsInt("WRITE_TIMEOUT", 10),
			CORSOrigins:  getEnv("CORS_ORIGINS", "http://localhost:3000"),
		},
		Broker: BrokerConfig{
			URL:            getEnv("BROKER_URL", ""),
			StreamName:     getEnv("BROKER_STREAM", "DISPATCH"),
			Exchange:       getEnv("BROKER_EXCHANGE", "dispatch"),
			ConsumerPrefix: getEnv("BROKER_CONSUMER_PREFIX", "dispatch"),
		},
		Store: StoreConfig{
			URL:            getEnv("STORE_URL", ""),
			MaxConns:       getEnvAsInt("STORE_MAX_CONNS", 25),
			MinConns:       getEnvAsInt("STORE_MIN_CONNS", 5),
			MigrateOnStart: getEnvAsBool("STORE_MIGRATE_ON_START", true),
			MigrationsURL:  getEnv("STORE_MIGRATIONS_URL", "file://db/migrations"),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", ""),
		},
		Geocoder: GeocoderConfig{
			BaseURL:       getEnv("GEOCODER_URL", "https://maps.googleapis.com/maps/api/geocode/json"),
			APIKey:        getEnv("GEOCODER_API_KEY", ""),
			Region:        getEnv("GEOCODER_REGION", "uk"),
			TimeoutSec:    getEnvAsInt("GEOCODER_TIMEOUT_SEC", 5),
			CacheTTLHours: getEnvAsInt("GEOCODER_CACHE_TTL_HOURS", 24),
		},
		Engine: EngineConfig{
			MaxBidRadiusKm:      getEnvAsFloat("MAX_BID_RADIUS_KM", 10),
			DefaultWindowSec:    getEnvAsInt("DEFAULT_WINDOW_SEC", 30),
			WindowMinSec:        getEnvAsInt("WINDOW_MIN_SEC", 5),
			WindowMaxSec:        getEnvAsInt("WINDOW_MAX_SEC", 120),
			IntakeQueueSize:     getEnvAsInt("INTAKE_QUEUE_SIZE", 1024),
			BusBufferSize:       getEnvAsInt("BUS_BUFFER_SIZE", 8192),
			HungarianMinJobs:    getEnvAsInt("HUNGARIAN_MIN_JOBS", 8),
			HungarianMinBidders: getEnvAsInt("HUNGARIAN_MIN_BIDDERS", 8),
			PublishAttempts:     getEnvAsInt("PUBLISH_ATTEMPTS", 3),
			PublishBackoffMs:    getEnvAsInt("PUBLISH_BACKOFF_MS", 250),
			FallbackPickupLat:   getEnvAsFloat("FALLBACK_PICKUP_LAT", 52.4068),
			FallbackPickupLon:   getEnvAsFloat("FALLBACK_PICKUP_LON", -1.5197),
			BookingsTopic:       getEnv("BOOKINGS_TOPIC", "taxi/bookings"),
			PubsRequestPrefix:   getEnv("PUBS_REQUEST_PREFIX", "pubs/requests"),
		},
		Scoring:  DefaultScoring(),
		Spoof:    DefaultSpoof(),
		Eta:      DefaultEta(),
		Watchdog: DefaultWatchdog(),
		Resilience: ResilienceConfig{
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          getEnvAsBool("CB_ENABLED", true),
				FailureThreshold: getEnvAsInt("CB_FAILURE_THRESHOLD", 5),
				TimeoutSeconds:   getEnvAsInt("CB_TIMEOUT_SECONDS", 30),
				IntervalSeconds:  getEnvAsInt("CB_INTERVAL_SECONDS", 60),
			},
		},
		RateLimit: RateLimitConfig{
			Enabled:        getEnvAsBool("RATE_LIMIT_ENABLED", false),
			RedisPrefix:    getEnv("RATE_LIMIT_PREFIX", "ratelimit"),
			WindowSeconds:  getEnvAsInt("RATE_LIMIT_WINDOW_SEC", 60),
			DefaultLimit:   getEnvAsInt("RATE_LIMIT_TRUSTED_LIMIT", 600),
			DefaultBurst:   getEnvAsInt("RATE_LIMIT_TRUSTED_BURST", 60),
			AnonymousLimit: getEnvAsInt("RATE_LIMIT_ANON_LIMIT", 120),
			AnonymousBurst: getEnvAsInt("RATE_LIMIT_ANON_BURST", 20),
		},
	}

	if overrides := getEnv("SCORING_WEIGHTS", ""); overrides != "" {
		if err := json.Unmarshal([]byte(overrides), &cfg.Scoring); err != nil {
			return nil, fmt.Errorf("invalid SCORING_WEIGHTS value: %w", err)
		}
	}

	if cfg.Engine.WindowMinSec <= 0 {
		cfg.Engine.WindowMinSec = 5
	}
	if cfg.Engine.WindowMaxSec < cfg.Engine.WindowMinSec {
		cfg.Engine.WindowMaxSec = cfg.Engine.WindowMinSec
	}
	if cfg.Engine.IntakeQueueSize <= 0 {
		cfg.Engine.IntakeQueueSize = 1024
	}
	if cfg.Engine.BusBufferSize <= 0 {
		cfg.Engine.BusBufferSize = 8192
	}
	if cfg.Engine.PublishAttempts <= 0 {
		cfg.Engine.PublishAttempts = 3
	}
	if cfg.Geocoder.TimeoutSec <= 0 {
		cfg.Geocoder.TimeoutSec = 5
	}

	return cfg, nil
}

// DefaultScoring returns the stock utility weights.
func DefaultScoring() ScoringConfig {
	return ScoringConfig{
		DistanceWeight:    getEnvAsFloat("SCORE_DISTANCE_WEIGHT", 0.35),
		FairnessWeight:    getEnvAsFloat("SCORE_FAIRNESS_WEIGHT", 0.20),
		IdleWeight:        getEnvAsFloat("SCORE_IDLE_WEIGHT", 0.10),
		ReliabilityWeight: getEnvAsFloat("SCORE_RELIABILITY_WEIGHT", 0.20),
		EtaWeight:         getEnvAsFloat("SCORE_ETA_WEIGHT", 0.15),

		DistanceNormKm:   10,
		FairnessNormJobs: 200,
		IdleNormMinutes:  60,
		EtaNormMinutes:   30,

		HeadingTightBonus:  0.05,
		HeadingTightDeg:    45,
		HeadingLooseBonus:  0.02,
		HeadingLooseDeg:    90,
		GpsPenaltyPoor:     0.95,
		GpsPoorAccuracyM:   100,
		GpsPenaltyFair:     0.98,
		GpsFairAccuracyM:   50,
		SpoofPenaltyFactor: 0.6,

		ReliabilityCancelWeight: 0.45,
		ReliabilityNoShowWeight: 0.20,
		ReliabilityAcceptWeight: 0.20,
		ReliabilityRatingWeight: 0.15,
		RatingBaseline:          3.5,
		RatingRange:             1.5,
	}
}

// DefaultSpoof returns the stock GPS plausibility thresholds.
func DefaultSpoof() SpoofConfig {
	return SpoofConfig{
		StaleAfterSec:    getEnvAsInt("SPOOF_STALE_AFTER_SEC", 20),
		StaleRisk:        0.25,
		SpeedHighKmh:     getEnvAsFloat("SPOOF_SPEED_HIGH_KMH", 140),
		SpeedHighRisk:    0.55,
		SpeedElevatedKmh: getEnvAsFloat("SPOOF_SPEED_ELEVATED_KMH", 110),
		SpeedElevated:    0.35,
		StaticDistanceKm: 0.005,
		StaticAfterSec:   60,
		StaticRisk:       0.10,
		DemoteThreshold:  getEnvAsFloat("SPOOF_DEMOTE_THRESHOLD", 0.8),
		DemoteSamples:    getEnvAsInt("SPOOF_DEMOTE_SAMPLES", 3),
	}
}

// DefaultEta returns the stock time-of-day model tuning.
func DefaultEta() EtaConfig {
	return EtaConfig{
		RushSpeedKmh:    getEnvAsFloat("ETA_RUSH_SPEED_KMH", 22),
		OffPeakSpeedKmh: getEnvAsFloat("ETA_OFFPEAK_SPEED_KMH", 28),
		ZoneReduction:   getEnvAsFloat("ETA_ZONE_REDUCTION", 0.10),
		MinMinutes:      getEnvAsInt("ETA_MIN_MINUTES", 2),
	}
}

// DefaultWatchdog returns the stock sweep intervals.
func DefaultWatchdog() WatchdogConfig {
	return WatchdogConfig{
		IntervalSec:       getEnvAsInt("WATCHDOG_INTERVAL_SEC", 30),
		DriverLivenessSec: getEnvAsInt("DRIVER_LIVENESS_SEC", 120),
		AuctionGraceSec:   getEnvAsInt("AUCTION_GRACE_SEC", 10),
		StalledMaxSec:     getEnvAsInt("STALLED_MAX_SEC", 7200),
	}
}

// WindowClamp bounds a requested bidding window to the configured range,
// substituting the default when the request carries none.
func (c EngineConfig) WindowClamp(requested int) time.Duration {
	seconds := requested
	if seconds <= 0 {
		seconds = c.DefaultWindowSec
	}
	if seconds < c.WindowMinSec {
		seconds = c.WindowMinSec
	}
	if seconds > c.WindowMaxSec {
		seconds = c.WindowMaxSec
	}
	return time.Duration(seconds) * time.Second
}

// PublishBackoff returns the initial retry backoff for bus publishes.
func (c EngineConfig) PublishBackoff() time.Duration {
	return time.Duration(c.PublishBackoffMs) * time.Millisecond
}

// GeocodeTimeout returns the per-call geocoding deadline.
func (c GeocoderConfig) GeocodeTimeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// Interval returns the watchdog sweep interval.
func (c WatchdogConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

// DriverLiveness returns the location age beyond which an Online driver is
// demoted to Offline.
func (c WatchdogConfig) DriverLiveness() time.Duration {
	return time.Duration(c.DriverLivenessSec) * time.Second
}

// AuctionGrace returns the allowance past a window deadline before the
// reaper force-closes an auction.
func (c WatchdogConfig) AuctionGrace() time.Duration {
	return time.Duration(c.AuctionGraceSec) * time.Second
}

// StalledMax returns the maximum Allocated age before a job is marked
// Completed with a stalled annotation.
func (c WatchdogConfig) StalledMax() time.Duration {
	return time.Duration(c.StalledMaxSec) * time.Second
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}
