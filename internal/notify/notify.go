// internal/notify/notify.go
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/playsquad/playsquad/internal/models"
)

// Trigger is the enqueue-only contract the core calls on match-found and
// lobby-invite. Delivery channels and per-user preferences live in the
// external notification subsystem.
type Trigger interface {
	CreateNotification(ctx context.Context, userID uuid.UUID, n models.Notification) error
}

// Record is what lands on the queue for the delivery worker.
type Record struct {
	UserID       uuid.UUID           `json:"userId"`
	Notification models.Notification `json:"notification"`
	EnqueuedAt   int64               `json:"enqueuedAt"`
}

// RedisTrigger pushes JSON records onto a Redis list consumed by the
// delivery worker. The push is quick and does not block core logic beyond
// the network send.
type RedisTrigger struct {
	rdb       *redis.Client
	queueName string
}

// NewRedisTrigger wraps an already-connected client.
func NewRedisTrigger(rdb *redis.Client, queueName string) *RedisTrigger {
	return &RedisTrigger{rdb: rdb, queueName: queueName}
}

func (t *RedisTrigger) CreateNotification(ctx context.Context, userID uuid.UUID, n models.Notification) error {
	data, err := json.Marshal(Record{
		UserID:       userID,
		Notification: n,
		EnqueuedAt:   time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification record: %w", err)
	}
	if err := t.rdb.RPush(ctx, t.queueName, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list %q: %w", t.queueName, err)
	}
	return nil
}

// Noop discards notifications. Useful when no Redis is configured.
type Noop struct{}

func (Noop) CreateNotification(ctx context.Context, userID uuid.UUID, n models.Notification) error {
	return nil
}

// Recorder captures notifications in memory for tests.
type Recorder struct {
	mu      sync.Mutex
	records []Record
}

func (r *Recorder) CreateNotification(ctx context.Context, userID uuid.UUID, n models.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, Record{UserID: userID, Notification: n, EnqueuedAt: time.Now().UnixMilli()})
	return nil
}

// Records returns a snapshot of everything enqueued so far.
func (r *Recorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.records...)
}
