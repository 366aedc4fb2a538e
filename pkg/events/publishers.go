package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"github.com/domino14/skyodds/pkg/amm"
	"github.com/domino14/skyodds/pkg/ledger"
)

// ChannelPrefix prefixes the per-market Redis channel.
const ChannelPrefix = "skyodds:trades:"

func Channel(marketID string) string {
	return ChannelPrefix + marketID
}

// RedisPublisher publishes each record as JSON on its market's channel.
type RedisPublisher struct {
	rdb *redis.Client
}

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

func (p *RedisPublisher) Publish(ctx context.Context, rec ledger.TradeRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal trade %d: %w", rec.Sequence, err)
	}
	if err := p.rdb.Publish(ctx, Channel(rec.MarketID), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", Channel(rec.MarketID), err)
	}
	return nil
}

// Subscribe streams the records published for one market until ctx ends.
func (p *RedisPublisher) Subscribe(ctx context.Context, marketID string) (<-chan ledger.TradeRecord, error) {
	pubsub := p.rdb.Subscribe(ctx, Channel(marketID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", Channel(marketID), err)
	}
	out := make(chan ledger.TradeRecord, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var rec ledger.TradeRecord
				if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
					log.Err(err).Str("channel", msg.Channel).Msg("bad-trade-payload")
					continue
				}
				select {
				case out <- rec:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// KafkaPublisher writes protobuf-encoded records keyed by market id, so one
// market's records land on one partition in order.
type KafkaPublisher struct {
	w *kafka.Writer
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
}

func NewKafkaPublisher(w *kafka.Writer) *KafkaPublisher {
	return &KafkaPublisher{w: w}
}

func (p *KafkaPublisher) Publish(ctx context.Context, rec ledger.TradeRecord) error {
	msg, err := Message(rec)
	if err != nil {
		return err
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka: write trade %s/%d: %w", rec.MarketID, rec.Sequence, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

// Message builds the Kafka message for a record.
func Message(rec ledger.TradeRecord) (kafka.Message, error) {
	payload, err := Encode(rec)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(rec.MarketID),
		Value: payload,
		Time:  rec.Timestamp,
	}, nil
}

func NewKafkaReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        group,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		StartOffset:    kafka.FirstOffset,
	})
}

// Consume decodes records from r and hands them to fn until ctx ends or fn
// fails.
func Consume(ctx context.Context, r *kafka.Reader, fn func(ledger.TradeRecord) error) error {
	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("kafka: read: %w", err)
		}
		rec, err := Decode(msg.Value)
		if err != nil {
			log.Err(err).Int64("offset", msg.Offset).Msg("bad-trade-message")
			continue
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// Multi publishes to every publisher, attempting all of them even when some
// fail.
type Multi []amm.Publisher

func (m Multi) Publish(ctx context.Context, rec ledger.TradeRecord) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
