package bus

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"

	"flowci/internal/models"
	"flowci/internal/telemetry"
)

// EventBus fans events out to live subscribers over Redis pub/sub. It is
// strictly an optimization: no backlog, no replay, no delivery guarantee.
// A consumer needing history must read the progress tracker or the
// persisted run record first and only then subscribe.
type EventBus struct {
	client *redis.Client
}

func New(client *redis.Client) *EventBus {
	return &EventBus{client: client}
}

// Publish sends an event on a channel, fire-and-forget. A marshal or
// publish failure is logged and swallowed; correctness never depends on
// the event arriving.
func (b *EventBus) Publish(ctx context.Context, channel string, ev models.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("bus: drop event on %s: %v", channel, err)
		return
	}
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		log.Printf("bus: publish %s: %v", channel, err)
		return
	}
	telemetry.EventsPublished.Inc()
}

// Subscribe yields events from the given channels until ctx ends. Events
// published before the subscription was established are never delivered.
// Unparseable payloads are skipped.
func (b *EventBus) Subscribe(ctx context.Context, channels ...string) <-chan models.Event {
	sub := b.client.Subscribe(ctx, channels...)
	out := make(chan models.Event, 16)

	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev models.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Printf("bus: bad payload on %s: %v", msg.Channel, err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
