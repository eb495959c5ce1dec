/*
Package log provides structured logging for Conductor built on zerolog.

A single global logger is initialized once at process start via Init, then
components derive child loggers carrying stable fields:

	logger := log.WithComponent("executor")
	logger.Info().Str("process_id", id).Msg("process started")

Console output (RFC3339 timestamps) is the default; JSON output is used when
running as a service. The level is configured at startup and applies globally.
*/
package log
