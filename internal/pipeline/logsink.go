package pipeline

import (
	"context"
	"log/slog"

	"chatcal/internal/models"
)

// LogSink is a calendar sink that only logs the events it receives. The
// returned ID is the event UID.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (l *LogSink) CreateEvent(ctx context.Context, event *models.Event) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.logger.Info("Calendar event",
		"title", event.Title,
		"start", event.StartTime,
		"end", event.EndTime,
		"location", event.Location,
		"reminders", event.ReminderMinutes,
		"uid", event.UID)
	return event.UID, nil
}
