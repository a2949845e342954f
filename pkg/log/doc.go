/*
Package log provides structured logging via zerolog.

It wraps the zerolog library behind a global logger initialized once from the
CLI, with child-logger helpers carrying the component, node and operation-run
fields every orchestration step logs with. Console output is the default;
--log-json switches to JSON for aggregation. In dry-run mode the logger tags
every event with dry_run=true so the decision trace reads unambiguously.
*/
package log
