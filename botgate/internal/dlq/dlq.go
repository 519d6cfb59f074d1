package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/botgate/botgate/internal/metrics"
	"github.com/telhawk-systems/botgate/botgate/internal/models"
)

// Reasons an event ends up in the dead-letter queue.
const (
	ReasonHandlerFailed  = "handler_failed"
	ReasonHandlerTimeout = "handler_timeout"
	ReasonQueueFull      = "queue_full"
)

var ErrDisabled = errors.New("dlq not enabled")

// FailedEvent captures an event that was not handled, for later replay.
type FailedEvent struct {
	ID        string           `json:"id"`
	Timestamp time.Time        `json:"timestamp"`
	EventID   string           `json:"event_id,omitempty"`
	EventKind models.EventKind `json:"event_kind"`
	Origin    string           `json:"origin"`
	Handler   string           `json:"handler,omitempty"`
	Reason    string           `json:"reason"`
	Error     string           `json:"error"`
	Raw       []byte           `json:"raw,omitempty"`
}

// NewFailedEvent builds an entry for ev. handler is empty when the event
// never reached one.
func NewFailedEvent(ev *models.CanonicalEvent, handler, reason string, cause error) FailedEvent {
	f := FailedEvent{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Handler:   handler,
		Reason:    reason,
	}
	if cause != nil {
		f.Error = cause.Error()
	}
	if ev != nil {
		f.EventID = ev.ID
		f.EventKind = ev.Kind
		f.Origin = ev.Origin.String()
		f.Raw = ev.Raw
	}
	return f
}

// Writer records failed events.
type Writer interface {
	Write(ctx context.Context, failed FailedEvent) error
}

// Queue writes failed events to disk, one JSON file per entry.
type Queue struct {
	basePath string
	mu       sync.Mutex
	written  uint64
}

// NewQueue creates a DLQ that writes to the specified directory.
func NewQueue(basePath string) (*Queue, error) {
	if basePath == "" {
		basePath = "/var/lib/botgate/dlq"
	}

	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("create dlq directory: %w", err)
	}

	return &Queue{
		basePath: basePath,
	}, nil
}

// Write records a failed event to the dead-letter queue.
func (q *Queue) Write(ctx context.Context, failed FailedEvent) error {
	if q == nil {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if failed.ID == "" {
		failed.ID = uuid.NewString()
	}
	if failed.Timestamp.IsZero() {
		failed.Timestamp = time.Now().UTC()
	}

	filename := fmt.Sprintf("failed_%d_%s.json", failed.Timestamp.UnixNano(), failed.ID)
	filePath := filepath.Join(q.basePath, filename)

	data, err := json.MarshalIndent(failed, "", "  ")
	if err != nil {
		metrics.DLQWrites.WithLabelValues(failed.Reason, "error").Inc()
		return fmt.Errorf("marshal dlq entry: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		metrics.DLQWrites.WithLabelValues(failed.Reason, "error").Inc()
		return fmt.Errorf("write dlq entry: %w", err)
	}

	q.written++
	metrics.DLQWrites.WithLabelValues(failed.Reason, "ok").Inc()
	slog.Info("dlq entry written",
		slog.String("file", filename),
		slog.String("reason", failed.Reason),
		slog.String("event_id", failed.EventID),
	)
	return nil
}

// Stats returns DLQ counters.
func (q *Queue) Stats() map[string]interface{} {
	if q == nil {
		return map[string]interface{}{
			"enabled": false,
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	files, err := os.ReadDir(q.basePath)
	if err != nil {
		return map[string]interface{}{
			"enabled":       true,
			"backend":       "file",
			"written":       q.written,
			"pending_files": 0,
			"error":         err.Error(),
		}
	}

	return map[string]interface{}{
		"enabled":       true,
		"backend":       "file",
		"written":       q.written,
		"pending_files": len(files),
		"base_path":     q.basePath,
	}
}

// List returns up to limit entries, oldest first. limit <= 0 means all.
func (q *Queue) List(ctx context.Context, limit int) ([]FailedEvent, error) {
	if q == nil {
		return nil, ErrDisabled
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	files, err := os.ReadDir(q.basePath)
	if err != nil {
		return nil, fmt.Errorf("read dlq directory: %w", err)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name() < files[j].Name() })

	var events []FailedEvent
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		if limit > 0 && len(events) >= limit {
			break
		}

		data, err := os.ReadFile(filepath.Join(q.basePath, file.Name()))
		if err != nil {
			slog.Warn("failed to read dlq file", slog.String("file", file.Name()), slog.String("error", err.Error()))
			continue
		}

		var failed FailedEvent
		if err := json.Unmarshal(data, &failed); err != nil {
			slog.Warn("failed to parse dlq file", slog.String("file", file.Name()), slog.String("error", err.Error()))
			continue
		}
		events = append(events, failed)
	}

	return events, nil
}

// Delete removes the entry with the given id.
func (q *Queue) Delete(ctx context.Context, id string) error {
	if q == nil {
		return ErrDisabled
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(q.basePath, fmt.Sprintf("failed_*_%s.json", id)))
	if err != nil {
		return fmt.Errorf("search dlq files: %w", err)
	}
	if len(matches) == 0 {
		return fmt.Errorf("dlq entry %s not found", id)
	}

	for _, match := range matches {
		if err := os.Remove(match); err != nil {
			return fmt.Errorf("delete dlq file: %w", err)
		}
	}
	return nil
}

// Purge removes all entries and returns how many were deleted.
func (q *Queue) Purge(ctx context.Context) (int, error) {
	if q == nil {
		return 0, ErrDisabled
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	files, err := os.ReadDir(q.basePath)
	if err != nil {
		return 0, fmt.Errorf("read dlq directory: %w", err)
	}

	deleted := 0
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(q.basePath, file.Name())); err != nil {
			slog.Warn("failed to delete dlq file", slog.String("file", file.Name()), slog.String("error", err.Error()))
			continue
		}
		deleted++
	}

	slog.Info("dlq purged", slog.Int("deleted", deleted))
	return deleted, nil
}
