/*
Package log provides structured logging for raet using zerolog.

The log package wraps zerolog to give every component of a RoadStack
JSON-structured logging with configurable levels and per-component
context, without threading a logger through every constructor.

# Usage

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	stackLog := log.WithComponent("stacking")
	stackLog.Info().Uint32("eid", local.Eid).Msg("stack started")

	txLog := log.WithTransaction(string(idx.Kind), string(raeting.RoleInitiator))
	txLog.Debug().Uint32("sid", idx.Sid).Uint32("tid", idx.Tid).Msg("transaction armed")

Component loggers are cheap to create per-transaction since zerolog's
With() reuses the parent's encoder state; prefer a fresh component
logger at each call site over passing one down through layers.

# Levels

Debug covers dropped inbound packets: parse failures, invalid
destinations, and rejected join, allow, or message requests. Info
covers process events in cmd/raet (stack started, message received,
shutdown). Warn covers socket I/O failures, packets that fail to
pack, skipped Allows, failed keep dumps, and delivery failures. No
call site logs at Error level.
*/
package log
