package store

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// 领域事件类型
const (
	EventCheckinPerformed = "checkin.performed"
	EventCheckinCancelled = "checkin.cancelled"
	EventShareResolved    = "share.resolved"
	EventSupervision      = "supervision.changed"
	EventUserMerged       = "user.merged"
)

// Event 领域事件
type Event struct {
	Type       string         `json:"type"`
	UserID     int64          `json:"user_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// EventPublisher 事件发布（供下游协作方消费）
type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}

// StreamPublisher 写入 Redis Streams（XADD）
type StreamPublisher struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewStreamPublisher(client *redis.Client, stream string) *StreamPublisher {
	return &StreamPublisher{client: client, stream: stream, maxLen: 100000}
}

func (p *StreamPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":      ev.Type,
			"user_id":   strconv.FormatInt(ev.UserID, 10),
			"data":      string(data),
			"timestamp": ev.OccurredAt.Unix(),
		},
	}).Err()
}

// NopPublisher 无 Redis 时使用
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// RecordingPublisher 记录发布过的事件（测试与本地调试）
type RecordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *RecordingPublisher) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *RecordingPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}
