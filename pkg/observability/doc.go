// Package observability provides OpenTelemetry tracing and metrics for the
// validation engine.
//
// Initialize the provider at worker startup:
//
//	provider, err := observability.New(ctx, &observability.Config{
//		ServiceName:  "veriflow-engine",
//		OTLPEndpoint: "otel-collector:4317",
//		SampleRate:   0.1, // 10% sampling in production
//		Enabled:      true,
//	})
//	defer provider.Shutdown(ctx)
//
// Attach the metrics hook to the orchestrator:
//
//	orch := pipeline.New(reg, pipeline.WithHook(observability.NewMetricsHook(provider)))
//
// Create spans manually around engine operations:
//
//	ctx, done := provider.TrackStep(ctx, "kosit.validate", attrs...)
//	defer done(err)
package observability
