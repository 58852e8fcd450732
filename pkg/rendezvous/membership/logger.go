package membership

import (
	"strings"

	"go.uber.org/zap"
)

// stdLogAdapter turns memberlist's stdlib *log.Logger output into zap log
// entries at the appropriate level, splitting on memberlist's own
// "[DEBUG]"/"[WARN]"/"[INFO]" line prefixes.
type stdLogAdapter struct {
	l *zap.Logger
}

func (a *stdLogAdapter) Write(p []byte) (int, error) {
	msg := string(p)
	parts := strings.SplitN(msg, " ", 2)
	lvl := "[DEBUG]"
	if len(parts) > 1 {
		lvl = parts[0]
		msg = strings.TrimPrefix(parts[1], "memberlist: ")
	}
	switch lvl {
	case "[WARN]":
		a.l.Warn(msg)
	case "[INFO]":
		a.l.Info(msg)
	default:
		a.l.Debug(msg)
	}
	return len(p), nil
}
