/*
Package log provides structured logging for HakuRiver using zerolog.

It wraps zerolog with a global Logger, Init(Config) to configure level/format/
output once at process start, and a set of WithX child-logger constructors for
tagging log lines with the context a given component cares about.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	coordLog := log.WithComponent("coordinator")
	coordLog.Info().Msg("accepting submissions")

	taskLog := log.WithTaskID(taskID)
	taskLog.Warn().Err(err).Msg("dispatch failed")

WithComponent tags a subsystem (coordinator, runner, tunnel, registry).
WithHostname and WithNodeID tag a specific node. WithTaskID and WithBatchID tag
a specific unit of work or its batch. Chain .With() further for additional
fields; these constructors just seed the common ones.

Fatal logs and then calls os.Exit(1); use it only for startup failures the
process cannot run without.
*/
package log
