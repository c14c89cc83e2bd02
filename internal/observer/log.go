package observer

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mohammad-safakhou/researcher/internal/logging"
)

// Log writes each record through zap at a level matching its status.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logging.OrNop(logger).Named("steps")}
}

func (l *Log) Observe(_ context.Context, step Step) {
	level := zapcore.InfoLevel
	switch step.Status {
	case StatusWarning:
		level = zapcore.WarnLevel
	case StatusError:
		level = zapcore.ErrorLevel
	}
	l.logger.Log(level, step.Summary,
		zap.String("run_id", step.RunID),
		zap.String("state", step.State),
		zap.String("status", step.Status),
		zap.Time("timestamp", step.Timestamp))
}
