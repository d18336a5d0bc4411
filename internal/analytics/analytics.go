// Package analytics records one event per proxied request.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"

	"tilde-proxy/internal/config"
)

// Event describes one completed upstream call.
type Event struct {
	Time      time.Time `json:"time"`
	Method    string    `json:"method"`
	URL       string    `json:"url"`
	Host      string    `json:"host"`
	Status    int       `json:"status"`
	ElapsedMS float64   `json:"elapsed_ms"`
}

// NewEvent builds an Event for a request to u.
func NewEvent(method string, u *url.URL, status int, elapsed time.Duration) Event {
	return Event{
		Time:      time.Now().UTC(),
		Method:    method,
		URL:       u.String(),
		Host:      u.Hostname(),
		Status:    status,
		ElapsedMS: float64(elapsed.Microseconds()) / 1000,
	}
}

// Recorder stores analytics events. Callers treat a Record error as
// non-fatal.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// New returns the Recorder selected by cfg.Analytics.Backend. A Redis
// recorder is pinged before it is returned.
func New(cfg *config.Config, logger *slog.Logger) (Recorder, error) {
	switch cfg.Analytics.Backend {
	case config.AnalyticsNone:
		return NopRecorder{}, nil
	case config.AnalyticsRedis:
		rc := cfg.Analytics.Redis
		client := redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("analytics: ping redis %s: %w", rc.Addr, err)
		}

		logger.Info("analytics backend connected", "backend", config.AnalyticsRedis, "addr", rc.Addr)
		return NewRedisRecorder(client, rc.Key, rc.MaxEntries), nil
	default:
		return NewLogRecorder(logger), nil
	}
}

// NopRecorder discards every event.
type NopRecorder struct{}

// Record implements Recorder.
func (NopRecorder) Record(context.Context, Event) error { return nil }

// LogRecorder writes events to a structured logger.
type LogRecorder struct {
	logger *slog.Logger
}

// NewLogRecorder creates a LogRecorder.
func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	return &LogRecorder{logger: logger.With("component", "analytics")}
}

// Record implements Recorder.
func (r *LogRecorder) Record(ctx context.Context, ev Event) error {
	r.logger.LogAttrs(ctx, slog.LevelInfo, "proxied",
		slog.String("method", ev.Method),
		slog.String("url", ev.URL),
		slog.String("host", ev.Host),
		slog.Int("status", ev.Status),
		slog.Float64("elapsed_ms", ev.ElapsedMS),
	)
	return nil
}
