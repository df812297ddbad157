/*
Package log provides structured logging for pacegrid using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. Structured warnings emitted by the policy engine
and executor carry a stable "kind" field per error class so operators can
filter on them.

The global logger is the only process-wide singleton in the daemon; all other
state is threaded through the Controller context.

Usage:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("scheduler")
	logger.Warn().Str("kind", "no-allowed-node").Str("resource", id).Msg("resource has no allowed node")
*/
package log
