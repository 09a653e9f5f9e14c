package redis

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"competition-engine/internal/domain"
)

// Notifier routes change events between devices over Redis pub/sub,
// one channel per competition. Delivery is at-least-once with no
// ordering guarantee; subscribers reconcile from full row sets, so a
// dropped or repeated message costs nothing but latency.
type Notifier struct {
	client *redis.Client
	log    zerolog.Logger
}

func NewNotifier(client *redis.Client, log zerolog.Logger) *Notifier {
	return &Notifier{client: client, log: log.With().Str("component", "redis-notifier").Logger()}
}

func channelFor(competitionID string) string {
	return "competition:" + competitionID + ":changes"
}

// Publish sends one change event to every device subscribed to the
// competition's channel.
func (n *Notifier) Publish(ctx context.Context, ev domain.ChangeEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, channelFor(ev.CompetitionID), data).Err()
}

// Subscribe opens the change stream for a competition. The returned
// cancel func closes both the Redis subscription and the channel; it is
// safe to call more than once.
func (n *Notifier) Subscribe(ctx context.Context, competitionID string) (<-chan domain.ChangeEvent, func(), error) {
	pubsub := n.client.Subscribe(ctx, channelFor(competitionID))
	// Force the SUBSCRIBE round trip so a dead broker fails here, not
	// silently on the first missed event.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, err
	}

	events := make(chan domain.ChangeEvent, 32)
	go func() {
		defer close(events)
		for msg := range pubsub.Channel() {
			var ev domain.ChangeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				n.log.Warn().Err(err).Str("competition", competitionID).Msg("malformed change event dropped")
				continue
			}
			select {
			case events <- ev:
			default:
				// Drop the oldest so a stalled consumer never blocks the
				// pub/sub reader.
				select {
				case <-events:
				default:
				}
				select {
				case events <- ev:
				default:
				}
			}
		}
	}()

	cancel := func() { _ = pubsub.Close() }
	return events, cancel, nil
}
