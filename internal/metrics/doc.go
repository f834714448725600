// Package metrics provides pipeline observability hooks.
//
// Components receive a Recorder through dependency injection and default to NoopRecorder,
// so metrics can be switched on without code changes:
//
//	reg := prometheus.NewRegistry()
//	rec := metrics.NewPrometheusRecorder(reg)
//	mux.Handle("/metrics", metrics.HTTPHandler(reg))
package metrics
