package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"library-notifications/shared/events"
	"library-notifications/shared/logx"
	"library-notifications/shared/mqx"
)

const BrokerAdapterName = "broker"

// BrokerAdapter consumes the durable queue bound to the topic exchange with
// manual acknowledgement.
type BrokerAdapter struct {
	url         string
	topology    mqx.Topology
	consumerTag string
	pipeline    *Pipeline
	logger      logx.Logger
	reconnector *Reconnector
}

func NewBrokerAdapter(url string, topology mqx.Topology, consumerTag string, pipeline *Pipeline, rc *Reconnector, logger logx.Logger) *BrokerAdapter {
	return &BrokerAdapter{
		url:         url,
		topology:    topology,
		consumerTag: consumerTag,
		pipeline:    pipeline,
		logger:      logger.With(slog.String("adapter", BrokerAdapterName)),
		reconnector: rc,
	}
}

func (a *BrokerAdapter) State() State { return a.reconnector.State() }

// Run blocks until ctx ends. The connection is dropped without draining; unacked
// deliveries go back to the queue.
func (a *BrokerAdapter) Run(ctx context.Context) {
	a.reconnector.Run(ctx, a.session)
}

func (a *BrokerAdapter) session(ctx context.Context, subscribed func()) error {
	conn, err := mqx.DialAMQP(a.url)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	if err := mqx.DeclareConsumer(ch, a.topology); err != nil {
		return err
	}
	deliveries, err := ch.Consume(a.topology.Queue, a.consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	subscribed()

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			if amqpErr == nil {
				return errors.New("connection closed")
			}
			return amqpErr
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			a.handleDelivery(ctx, d)
		}
	}
}

// handleDelivery acks every delivery once the pipeline has seen it. Malformed
// payloads and duplicates are acked too; requeueing them would only loop.
func (a *BrokerAdapter) handleDelivery(ctx context.Context, d amqp.Delivery) Outcome {
	spanCtx, span := otel.Tracer("mqx").Start(ctx, "amqp.consume")
	span.SetAttributes(
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("messaging.destination", d.Exchange),
		attribute.String("messaging.rabbitmq.routing_key", d.RoutingKey),
	)
	defer span.End()

	outcome := a.pipeline.Handle(spanCtx, events.OriginBroker, d.Body, d.RoutingKey)
	if err := d.Ack(false); err != nil {
		span.RecordError(err)
		a.logger.Error(ctx, "amqp_ack_failed", "failed to ack delivery",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
			slog.Uint64("delivery_tag", d.DeliveryTag),
		)
	}
	return outcome
}
