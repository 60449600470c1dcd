package geocode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/cache"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/common"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/config"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/logger"
	redisclient "github.com/maxparsons123/happy-ride-helper-sub009/pkg/redis"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/resilience"
	"github.com/maxparsons123/happy-ride-helper-sub009/pkg/tracing"
)

const (
	defaultTimeout  = 5 * time.Second
	defaultCacheTTL = 24 * time.Hour
)

// Result is a resolved address.
type Result struct {
	Lat              float64 `json:"lat"`
	Lon              float64 `json:"lon"`
	FormattedAddress string  `json:"formatted_address"`
}

// Geocoder resolves free-text pickup and dropoff strings to coordinates.
// The intake layer calls it only when a submission arrives with invalid or
// missing coordinates.
type Geocoder interface {
	Forward(ctx context.Context, query, region string) (*Result, error)
}

// HTTPGeocoder talks to a Google-geocode-shaped HTTP API. Results are
// cached in Redis for a day when a cache is wired; the engine runs fine
// without one.
type HTTPGeocoder struct {
	baseURL  string
	apiKey   string
	region   string
	client   *http.Client
	cache    *cache.Manager
	cacheTTL time.Duration
	breaker  *resilience.CircuitBreaker
	log      *zap.Logger
}

// New builds the geocoding adapter from configuration. redis may be nil.
func New(cfg *config.GeocoderConfig, redis redisclient.ClientInterface, log *zap.Logger) *HTTPGeocoder {
	if log == nil {
		log = zap.NewNop()
	}

	timeout := defaultTimeout
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}
	ttl := defaultCacheTTL
	if cfg.CacheTTLHours > 0 {
		ttl = time.Duration(cfg.CacheTTLHours) * time.Hour
	}

	g := &HTTPGeocoder{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		region:   cfg.Region,
		client:   &http.Client{Timeout: timeout},
		cacheTTL: ttl,
		log:      log,
	}
	if redis != nil {
		g.cache = cache.NewManager(redis)
	}
	return g
}

// SetCircuitBreaker enables circuit breaker protection for the upstream API.
func (g *HTTPGeocoder) SetCircuitBreaker(cb *resilience.CircuitBreaker) {
	g.breaker = cb
}

// Forward resolves an address to its best-matching coordinate. region
// overrides the configured regional bias for this lookup; pass "" to keep
// the default.
func (g *HTTPGeocoder) Forward(ctx context.Context, query, region string) (*Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, common.NewValidationError("geocode query is required", common.ErrValidation)
	}
	if region == "" {
		region = g.region
	}

	cacheKey := cache.Keys.Geocode(region + "|" + query)
	if g.cache != nil {
		var cached Result
		if err := g.cache.Get(ctx, cacheKey, &cached); err == nil {
			return &cached, nil
		}
	}

	params := url.Values{}
	params.Set("address", query)
	if g.apiKey != "" {
		params.Set("key", g.apiKey)
	}
	if region != "" {
		params.Set("region", region)
	}

	reqURL := fmt.Sprintf("%s?%s", g.baseURL, params.Encode())
	var body []byte
	err := tracing.TraceExternalAPI(ctx, "geocode", "geocoder", "forward", func(ctx context.Context) error {
		tracing.AddSpanAttributes(ctx, tracing.GeocodeQueryKey.String(query))
		b, err := g.doRequest(ctx, reqURL)
		body = b
		return err
	})
	if err != nil {
		return nil, err
	}

	result, err := parseResult(ctx, body)
	if err != nil {
		return nil, err
	}

	if g.cache != nil {
		if err := g.cache.Set(ctx, cacheKey, result, g.cacheTTL); err != nil {
			logger.WarnContext(ctx, "failed to cache geocode result", zap.Error(err))
		}
	}
	return result, nil
}

func parseResult(ctx context.Context, body []byte) (*Result, error) {
	var apiResp struct {
		Status  string `json:"status"`
		Results []struct {
			FormattedAddress string `json:"formatted_address"`
			Geometry         struct {
				Location struct {
					Lat float64 `json:"lat"`
					Lng float64 `json:"lng"`
				} `json:"location"`
			} `json:"geometry"`
		} `json:"results"`
		ErrorMessage string `json:"error_message"`
	}

	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, common.NewInternalError("failed to parse geocoding response", err)
	}

	if apiResp.Status != "OK" && apiResp.Status != "ZERO_RESULTS" {
		logger.WarnContext(ctx, "geocoding API error",
			zap.String("status", apiResp.Status),
			zap.String("error", apiResp.ErrorMessage))
		return nil, common.NewUnavailableError(
			fmt.Sprintf("geocoding API error: %s", apiResp.Status), nil)
	}
	if len(apiResp.Results) == 0 {
		return nil, common.NewNotFoundError("address did not resolve")
	}

	first := apiResp.Results[0]
	return &Result{
		Lat:              first.Geometry.Location.Lat,
		Lon:              first.Geometry.Location.Lng,
		FormattedAddress: first.FormattedAddress,
	}, nil
}

// doRequest executes the lookup, through the circuit breaker when one is set.
func (g *HTTPGeocoder) doRequest(ctx context.Context, reqURL string) ([]byte, error) {
	call := func(_ context.Context) (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}
		var body []byte
		_, err = tracing.TraceHTTPClient(ctx, "geocode", http.MethodGet, reqURL, func() (int, error) {
			resp, err := g.client.Do(req)
			if err != nil {
				return 0, err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return resp.StatusCode, fmt.Errorf("geocoder returned status %d", resp.StatusCode)
			}
			body, err = io.ReadAll(resp.Body)
			return resp.StatusCode, err
		})
		if err != nil {
			return nil, err
		}
		return body, nil
	}

	if g.breaker != nil {
		result, err := g.breaker.Execute(ctx, call)
		if err != nil {
			return nil, common.NewUnavailableError("geocoding circuit open or request failed", err)
		}
		return result.([]byte), nil
	}

	result, err := call(ctx)
	if err != nil {
		return nil, common.NewUnavailableError("geocoding request failed", err)
	}
	return result.([]byte), nil
}

// regionByDialCode maps phone country prefixes to geocoder region hints.
// Longest prefix wins.
var regionByDialCode = map[string]string{
	"+44":  "gb",
	"+353": "ie",
	"+33":  "fr",
	"+49":  "de",
	"+34":  "es",
	"+39":  "it",
	"+31":  "nl",
	"+1":   "us",
}

// RegionFromPhone infers a regional bias from a caller's phone country code.
// Unknown or empty numbers return "" so the configured default applies.
func RegionFromPhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if !strings.HasPrefix(phone, "+") {
		return ""
	}
	best := ""
	bestLen := 0
	for code, region := range regionByDialCode {
		if strings.HasPrefix(phone, code) && len(code) > bestLen {
			best = region
			bestLen = len(code)
		}
	}
	return best
}
