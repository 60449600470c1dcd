package tracing

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Database span attributes
const (
	DBSystemKey    = attribute.Key("db.system")
	DBStatementKey = attribute.Key("db.statement")
	DBOperationKey = attribute.Key("db.operation")
	DBRowsAffected = attribute.Key("db.rows_affected")
)

// Redis span attributes
const (
	RedisCommandKey = attribute.Key("redis.command")
	RedisKeyKey     = attribute.Key("redis.key")
)

// HTTP span attributes
const (
	HTTPMethodKey = attribute.Key("http.method")
	HTTPURLKey    = attribute.Key("http.url")
	HTTPStatusKey = attribute.Key("http.status_code")
)

// Dispatch span attributes
const (
	JobIDKey        = attribute.Key("job.id")
	JobStatusKey    = attribute.Key("job.status")
	DriverIDKey     = attribute.Key("driver.id")
	AuctionBidsKey  = attribute.Key("auction.bids")
	BatchJobsKey    = attribute.Key("match.batch_jobs")
	MatchScoreKey   = attribute.Key("match.score")
	DistanceKmKey   = attribute.Key("distance.km")
	EtaMinutesKey   = attribute.Key("eta.minutes")
	SpoofRiskKey    = attribute.Key("spoof.risk")
	LatitudeKey     = attribute.Key("location.latitude")
	LongitudeKey    = attribute.Key("location.longitude")
	BusTopicKey     = attribute.Key("bus.topic")
	GeocodeQueryKey = attribute.Key("geocode.query")
)

// TraceDBQuery wraps a database query with tracing
func TraceDBQuery(ctx context.Context, tracerName, operation, query string, fn func() error) error {
	ctx, span := StartSpan(ctx, tracerName, fmt.Sprintf("db.%s", operation),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	span.SetAttributes(
		DBSystemKey.String("postgresql"),
		DBOperationKey.String(operation),
		DBStatementKey.String(query),
	)

	err := fn()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	return err
}

// TraceDBExec wraps a database statement with tracing and records rows affected
func TraceDBExec(ctx context.Context, tracerName, operation, query string, fn func() (int64, error)) (int64, error) {
	ctx, span := StartSpan(ctx, tracerName, fmt.Sprintf("db.%s", operation),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	span.SetAttributes(
		DBSystemKey.String("postgresql"),
		DBOperationKey.String(operation),
		DBStatementKey.String(query),
	)

	rowsAffected, err := fn()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}

	span.SetAttributes(DBRowsAffected.Int64(rowsAffected))
	span.SetStatus(codes.Ok, "")
	return rowsAffected, nil
}

// TraceRedisCommand wraps a Redis command with tracing
func TraceRedisCommand(ctx context.Context, tracerName, command, key string, fn func() error) error {
	ctx, span := StartSpan(ctx, tracerName, fmt.Sprintf("redis.%s", command),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	span.SetAttributes(
		attribute.String("db.system", "redis"),
		RedisCommandKey.String(command),
		RedisKeyKey.String(key),
	)

	err := fn()
	if err != nil && err != redis.Nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	return err
}

// TraceHTTPClient wraps an HTTP client call with tracing
func TraceHTTPClient(ctx context.Context, tracerName, method, url string, fn func() (int, error)) (int, error) {
	ctx, span := StartSpan(ctx, tracerName, fmt.Sprintf("HTTP %s", method),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	span.SetAttributes(
		HTTPMethodKey.String(method),
		HTTPURLKey.String(url),
	)

	statusCode, err := fn()

	span.SetAttributes(HTTPStatusKey.Int(statusCode))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if statusCode >= 400 {
		span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", statusCode))
	} else {
		span.SetStatus(codes.Ok, "")
	}

	return statusCode, err
}

// TraceOperation wraps an engine operation with tracing
func TraceOperation(ctx context.Context, tracerName, operation string, attrs []attribute.KeyValue, fn func(context.Context) error) error {
	ctx, span := StartSpan(ctx, tracerName, operation,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start)

	span.SetAttributes(
		attribute.Int64("duration_ms", duration.Milliseconds()),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	return err
}

// TraceExternalAPI wraps external API calls with tracing
func TraceExternalAPI(ctx context.Context, tracerName, serviceName, operation string, fn func(context.Context) error) error {
	ctx, span := StartSpan(ctx, tracerName, fmt.Sprintf("%s.%s", serviceName, operation),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	span.SetAttributes(
		attribute.String("external.service", serviceName),
		attribute.String("external.operation", operation),
	)

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	return err
}

// JobAttributes builds the attribute set shared by job lifecycle spans
func JobAttributes(jobID, driverID string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 2)
	if jobID != "" {
		attrs = append(attrs, JobIDKey.String(jobID))
	}
	if driverID != "" {
		attrs = append(attrs, DriverIDKey.String(driverID))
	}
	return attrs
}

// MatchAttributes builds the attribute set for allocation spans
func MatchAttributes(score, distanceKm float64, etaMinutes int) []attribute.KeyValue {
	return []attribute.KeyValue{
		MatchScoreKey.Float64(score),
		DistanceKmKey.Float64(distanceKm),
		EtaMinutesKey.Int(etaMinutes),
	}
}

// LocationAttributes builds the attribute set for location spans
func LocationAttributes(latitude, longitude float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		LatitudeKey.Float64(latitude),
		LongitudeKey.Float64(longitude),
	}
}
