/*
Package metrics provides Prometheus metrics collection and exposition for
the pipeline.

All metrics are registered at package init via a single MustRegister
call and exposed over HTTP by Handler() for scraping. Collector polls the
Dataset Store on a 15s tick for the metrics a counter can't express
(population by status); everything else is incremented inline by the
scheduler, executor, and reaper code as events happen.

	mux.Handle("/metrics", metrics.Handler())

	timer := metrics.NewTimer()
	err := ex.Execute(ctx, ds, destinationPath, progress)
	timer.ObserveDurationVec(metrics.UploadDuration, string(ds.SourceType))
*/
package metrics
