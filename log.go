package gro

import "log/slog"

// nopLogger is the fallback for components constructed without a logger.
var nopLogger = slog.New(slog.DiscardHandler)
