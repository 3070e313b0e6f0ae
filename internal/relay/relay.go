package relay

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"bandburg/internal/eventbus"
)

// Envelope 是转发到外部系统的事件包装。
type Envelope struct {
	ID          string    `json:"id"`
	Topic       string    `json:"topic"`
	Payload     any       `json:"payload"`
	PublishedAt time.Time `json:"published_at"`
}

// NewEnvelope 为总线事件分配 ID 与时间戳。
func NewEnvelope(ev eventbus.Event, now time.Time) Envelope {
	return Envelope{
		ID:          uuid.NewString(),
		Topic:       ev.Topic,
		Payload:     ev.Payload,
		PublishedAt: now.UTC(),
	}
}

// Encode 序列化为 JSON。
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher 把事件投递到外部系统。
type Publisher interface {
	Name() string
	Publish(ctx context.Context, env Envelope) error
	Close() error
}
