// Package logging provides structured logging built on log/slog.
//
// Every component receives a *Logger and derives a child with With()
// to attach its identifying attributes:
//
//	coverLog := logger.With("cover", coverID, "source", sourceID)
//	coverLog.Debug("convergence scheduled")
//
// Output format (json/text), level, and destination come from the
// logging section of config.yaml.
package logging
