// Package logging provides structured JSON logging for reqtree sessions.
//
// A Logger wraps log/slog and carries persistent attributes that identify
// where a record came from:
//
//	logger, err := logging.NewLogger(dir, logging.LevelInfo)
//	if err != nil { ... }
//	defer logger.Close()
//
//	treeLog := logger.WithSession(sessionID).WithPhase("tree")
//	treeLog.WithNode(node.ID).WithDepth(node.Depth).Warn("depth limit reached")
//
// Child loggers share the root's output and level, so SetLevel on any of
// them (for example after a config file change) applies everywhere.
//
// Log files can be size-rotated with NewLoggerWithRotation and read back
// with ReadLogDir and FilterEntries for post-run inspection.
package logging
