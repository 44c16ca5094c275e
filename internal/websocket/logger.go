package websocket

import (
	"go.uber.org/zap"
)

// Logger provides structured logging for websocket events
type Logger struct {
	logger *zap.Logger
}

func NewLogger(base *zap.Logger) *Logger {
	if base == nil {
		base = zap.NewNop()
	}
	return &Logger{logger: base.With(zap.String("component", "websocket"))}
}

func (l *Logger) fields(event, userID, clientID string, extra []zap.Field) []zap.Field {
	return append([]zap.Field{
		zap.String("event", event),
		zap.String("user_id", userID),
		zap.String("client_id", clientID),
	}, extra...)
}

func (l *Logger) Debug(event, userID, clientID string, fields ...zap.Field) {
	l.logger.Debug("websocket_event", l.fields(event, userID, clientID, fields)...)
}

func (l *Logger) Info(event, userID, clientID string, fields ...zap.Field) {
	l.logger.Info("websocket_event", l.fields(event, userID, clientID, fields)...)
}

func (l *Logger) Warn(event, userID, clientID string, fields ...zap.Field) {
	l.logger.Warn("websocket_warning", l.fields(event, userID, clientID, fields)...)
}

func (l *Logger) Error(event, userID, clientID string, err error, fields ...zap.Field) {
	l.logger.Error("websocket_error", l.fields(event, userID, clientID, append(fields, zap.Error(err)))...)
}
