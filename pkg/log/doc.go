/*
Package log provides the structured logger shared across the launcher core.

It wraps zerolog with a package-level Logger, initialized once via Init, and
a set of WithX constructors for tagging child loggers with component,
node, or instance context. Component loggers are created once at
construction time (see pkg/balancer, pkg/nodemgr, pkg/imagemanager) rather
than per call.

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	l := log.WithComponent("balancer")
	l.Info().Str("item_id", itemID).Msg("placement started")
*/
package log
