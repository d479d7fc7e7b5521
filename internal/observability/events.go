// Package observability provides the telemetry surface shared by every
// component: structured events, prometheus metrics, and health aggregation.
package observability

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is the stable structured-event schema all components emit.
type Event struct {
	Component string         `json:"component"`
	Level     string         `json:"level"` // debug | info | warn | error
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	Time      time.Time      `json:"time"`
}

// Well-known event messages emitted by the ingestion pipeline.
const (
	EventPipelineStarted = "pipeline:started"
	EventPipelineError   = "pipeline:error"
	EventParseError      = "parse:error"
	EventWorkerError     = "worker:error"
	EventMetricsUpdated  = "metrics:updated"
	EventAlertTriggered  = "alert:triggered"
	EventBatchCompleted  = "batch:completed"
	EventEntityCreated   = "entity:created"
	EventEntityUpdated   = "entity:updated"
	EventEntityDeleted   = "entity:deleted"
	EventEdgeUpserted    = "relationship:upserted"
	EventEdgeDeleted     = "relationship:deleted"
	EventQueryError      = "error"

	EventBackupCompleted  = "backup:completed"
	EventBackupFailed     = "backup:failed"
	EventRestoreCompleted = "restore:completed"
	EventConfigReloaded   = "config:reloaded"
)

// Bus fans events out to subscribers. Consumers pull from a channel scoped
// to their context; a slow consumer loses events rather than blocking
// publishers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	buffer int
	logger *zap.Logger
}

// NewBus creates a bus whose subscriber channels hold up to buffer events.
func NewBus(buffer int, logger *zap.Logger) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{subs: make(map[int]chan Event), buffer: buffer, logger: logger}
}

// Subscribe returns a channel delivering every event published after the
// call. The subscription ends when ctx is cancelled; the channel is closed.
func (b *Bus) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, b.buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

// Publish delivers the event to all current subscribers, stamping Time if
// unset. Full subscriber buffers drop the event for that subscriber.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Emit is the common publish path: it logs the event and puts it on the bus.
func (b *Bus) Emit(component, level, message string, data map[string]any) {
	fields := []zap.Field{zap.String("component", component)}
	for k, v := range data {
		fields = append(fields, zap.Any(k, v))
	}
	switch level {
	case "error":
		b.logger.Error(message, fields...)
	case "warn":
		b.logger.Warn(message, fields...)
	case "debug":
		b.logger.Debug(message, fields...)
	default:
		b.logger.Info(message, fields...)
	}
	b.Publish(Event{Component: component, Level: level, Message: message, Data: data})
}
