package internal

import (
	"context"
	"sync"
)

// telemetry.go
// Hook layer for client metrics. By default the emitter is a no-op; wiring code
// may register an OpenTelemetry-backed emitter or a test stub.

type telemetryEmitter func(ctx context.Context, name string, labels map[string]string, value any)

var (
	teleMu   sync.Mutex
	teleImpl telemetryEmitter = func(ctx context.Context, name string, labels map[string]string, value any) {
		// noop by default
	}
)

// RegisterTelemetryEmitter registers a custom emitter function. Passing nil
// restores the no-op emitter.
func RegisterTelemetryEmitter(fn telemetryEmitter) {
	teleMu.Lock()
	defer teleMu.Unlock()
	if fn == nil {
		teleImpl = func(ctx context.Context, name string, labels map[string]string, value any) {}
		return
	}
	teleImpl = fn
}

func emit(ctx context.Context, name string, labels map[string]string, value any) {
	teleMu.Lock()
	fn := teleImpl
	teleMu.Unlock()
	fn(ctx, name, labels, value)
}

// EmitFetchLatency records the duration of one request in milliseconds.
// name: "hyperform_fetch_latency_ms" with labels {"method", "status"}
func EmitFetchLatency(ctx context.Context, method string, status string, ms int64) {
	emit(ctx, "hyperform_fetch_latency_ms", map[string]string{"method": method, "status": status}, ms)
}

// EmitCacheLookup counts response cache lookups.
// name: "hyperform_cache_lookup" with label {"result": "hit"|"miss"|"stale"|"error"}
func EmitCacheLookup(ctx context.Context, result string) {
	emit(ctx, "hyperform_cache_lookup", map[string]string{"result": result}, int64(1))
}

// EmitNormalizationFailure counts contradictory schemas.
// name: "hyperform_schema_normalization_failure" with label {"code": "<error code>"}
func EmitNormalizationFailure(ctx context.Context, code string) {
	emit(ctx, "hyperform_schema_normalization_failure", map[string]string{"code": code}, int64(1))
}

// EmitCircuitOpen counts requests refused by an open breaker.
// name: "hyperform_circuit_open" with label {"url": "<request url>"}
func EmitCircuitOpen(ctx context.Context, url string) {
	emit(ctx, "hyperform_circuit_open", map[string]string{"url": url}, int64(1))
}
