package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/minhvo-dev/docpipe/internal/job"
	"github.com/minhvo-dev/docpipe/shared/rabbitmq"
)

// Rabbit adapts the shared RabbitMQ client to the job.Queue contract.
// Consumption starts lazily on the first Receive so that pure
// producers (the API service) never open a consumer.
type Rabbit struct {
	client      *rabbitmq.Client
	logger      *slog.Logger
	consumerTag string
	prefetch    int
	deliveries  <-chan amqp.Delivery
}

// NewRabbit creates a queue adapter. prefetch caps how many unsettled
// messages the broker hands this process and should match the worker
// concurrency.
func NewRabbit(client *rabbitmq.Client, consumerTag string, prefetch int, logger *slog.Logger) *Rabbit {
	return &Rabbit{
		client:      client,
		logger:      logger,
		consumerTag: consumerTag,
		prefetch:    prefetch,
	}
}

// Send publishes body under messageID
func (r *Rabbit) Send(ctx context.Context, body []byte, messageID string) error {
	return r.client.Publish(ctx, body, messageID)
}

// Receive leases up to maxCount messages. It blocks up to maxWait for
// the first delivery, then drains whatever else is already buffered
// without waiting further. An empty result is a normal idle cycle.
func (r *Rabbit) Receive(ctx context.Context, maxCount int, maxWait time.Duration) ([]job.Lease, error) {
	if r.deliveries == nil {
		deliveries, err := r.client.Consume(r.consumerTag, r.prefetch)
		if err != nil {
			return nil, fmt.Errorf("failed to start consumer: %w", err)
		}
		r.deliveries = deliveries
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	leases := make([]job.Lease, 0, maxCount)

	select {
	case d, ok := <-r.deliveries:
		if !ok {
			return nil, fmt.Errorf("delivery channel closed")
		}
		leases = append(leases, r.newLease(d))
	case <-timer.C:
		return leases, nil
	case <-ctx.Done():
		return leases, ctx.Err()
	}

	for len(leases) < maxCount {
		select {
		case d, ok := <-r.deliveries:
			if !ok {
				return leases, nil
			}
			leases = append(leases, r.newLease(d))
		default:
			return leases, nil
		}
	}

	return leases, nil
}

func (r *Rabbit) newLease(d amqp.Delivery) *rabbitLease {
	return &rabbitLease{
		delivery: d,
		client:   r.client,
		logger:   r.logger,
	}
}

// rabbitLease is one leased delivery. Settling maps onto AMQP acks:
// Complete -> ack, Abandon -> nack with requeue, DeadLetter -> poison
// publish followed by ack.
type rabbitLease struct {
	delivery amqp.Delivery
	client   *rabbitmq.Client
	logger   *slog.Logger
}

func (l *rabbitLease) Body() []byte {
	return l.delivery.Body
}

func (l *rabbitLease) MessageID() string {
	return l.delivery.MessageId
}

// DeliveryCount reads the quorum-queue redelivery counter. The header
// is absent on first delivery, which reads as zero.
func (l *rabbitLease) DeliveryCount() int {
	raw, ok := l.delivery.Headers["x-delivery-count"]
	if !ok {
		return 0
	}

	switch v := raw.(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	default:
		l.logger.Warn("Unexpected x-delivery-count header type",
			slog.String("message_id", l.delivery.MessageId),
			slog.Any("value", raw),
		)
		return 0
	}
}

func (l *rabbitLease) Complete() error {
	if err := l.delivery.Ack(false); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

func (l *rabbitLease) Abandon() error {
	if err := l.delivery.Nack(false, true); err != nil {
		return fmt.Errorf("failed to nack message: %w", err)
	}
	return nil
}

func (l *rabbitLease) DeadLetter(reason string) error {
	headers := amqp.Table{
		"original_message_id": l.delivery.MessageId,
		"error":               reason,
		"failed_at":           time.Now().UTC().Format(time.RFC3339),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := l.client.PublishPoison(ctx, l.delivery.Body, headers); err != nil {
		return fmt.Errorf("failed to publish poison message: %w", err)
	}

	l.logger.Info("Message routed to poison queue",
		slog.String("message_id", l.delivery.MessageId),
		slog.String("error", reason),
	)

	// Ack only after the poison record is durable, so a crash between
	// the two publishes redelivers rather than loses the message.
	if err := l.delivery.Ack(false); err != nil {
		return fmt.Errorf("failed to ack poisoned message: %w", err)
	}

	return nil
}
