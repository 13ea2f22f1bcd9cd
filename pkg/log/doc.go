/*
Package log provides structured logging for the pipeline using zerolog.

Init configures the global logger once at process startup (JSON output in
production, console output for local runs). Every scheduler, executor, and
the reaper derive a child logger scoped to their component with
WithComponent, and tag individual log lines with WithDatasetID,
WithWorkerID, or WithSessionID so that a dataset's whole lifecycle can be
grepped out of aggregated logs by its uuid.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("upload-scheduler")
	logger.Info().Str("dataset_uuid", ds.UUID).Msg("claimed dataset")
*/
package log
