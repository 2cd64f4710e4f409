package replicax

import (
	"go.uber.org/zap"
)

// LeveledLogger is the key/value logging surface some libraries expect
// (for example go-retryablehttp). Arguments alternate key and value.
type LeveledLogger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// ZapLeveled wraps a zap logger into a LeveledLogger
func ZapLeveled(l *zap.Logger) LeveledLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return &zapLeveledAdapter{s: l.Sugar()}
}

type zapLeveledAdapter struct{ s *zap.SugaredLogger }

func (z *zapLeveledAdapter) Debug(msg string, kv ...any) { z.s.Debugw(msg, kv...) }
func (z *zapLeveledAdapter) Info(msg string, kv ...any)  { z.s.Infow(msg, kv...) }
func (z *zapLeveledAdapter) Warn(msg string, kv ...any)  { z.s.Warnw(msg, kv...) }
func (z *zapLeveledAdapter) Error(msg string, kv ...any) { z.s.Errorw(msg, kv...) }
