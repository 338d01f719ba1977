package messaging

import (
	"context"
	"encoding/json"
	"time"

	"example.com/backstage/services/agreements/config"
	"example.com/backstage/services/agreements/internal/apperrors"
	"example.com/backstage/services/agreements/internal/tracing"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const receiveRetryDelay = 2 * time.Second

// Settlement is what happens to a message once it has been processed
type Settlement int

const (
	// Complete removes the message from the queue
	Complete Settlement = iota
	// DeadLetter parks a message that can never succeed
	DeadLetter
	// Abandon returns the message for redelivery
	Abandon
)

func (s Settlement) String() string {
	switch s {
	case Complete:
		return "complete"
	case DeadLetter:
		return "dead-letter"
	default:
		return "abandon"
	}
}

// SettlementFor decides the settlement from the processing result. Conflicts mean the
// event was already applied. Validation and not-found failures would fail again on redelivery.
func SettlementFor(err error) Settlement {
	switch {
	case err == nil, apperrors.IsConflict(err):
		return Complete
	case apperrors.IsValidation(err), apperrors.IsNotFound(err):
		return DeadLetter
	default:
		return Abandon
	}
}

// settler is the subset of *azservicebus.Receiver used to settle messages
type settler interface {
	CompleteMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	AbandonMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error
	DeadLetterMessage(ctx context.Context, message *azservicebus.ReceivedMessage, options *azservicebus.DeadLetterOptions) error
}

// ServiceBus consumes the inbound queues and publishes notifications
type ServiceBus struct {
	client      *azservicebus.Client
	tracer      tracing.Tracer
	maxMessages int
}

// NewServiceBus creates a new Azure Service Bus client
func NewServiceBus(cfg config.AzureConfig, tracer tracing.Tracer) (*ServiceBus, error) {
	if cfg.ConnectionString == "" {
		return nil, errors.New("Azure Service Bus connection string is empty")
	}

	client, err := azservicebus.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Service Bus client")
	}

	if tracer == nil {
		tracer = tracing.Noop()
	}
	maxMessages := cfg.MaxMessages
	if maxMessages <= 0 {
		maxMessages = 10
	}

	return &ServiceBus{
		client:      client,
		tracer:      tracer,
		maxMessages: maxMessages,
	}, nil
}

// ProcessQueue receives from the queue until ctx is cancelled, settling every message
func (s *ServiceBus) ProcessQueue(ctx context.Context, queue string, processor MessageProcessor) error {
	receiver, err := s.client.NewReceiverForQueue(queue, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to create receiver for queue %s", queue)
	}
	defer func() {
		if err := receiver.Close(context.Background()); err != nil {
			log.Error().Err(err).Str("queue", queue).Msg("Error closing receiver")
		}
	}()

	log.Info().Str("queue", queue).Msg("Starting consumer")

	for {
		messages, err := receiver.ReceiveMessages(ctx, s.maxMessages, nil)
		if ctx.Err() != nil {
			log.Info().Str("queue", queue).Msg("Consumer stopped")
			return nil
		}
		if err != nil {
			log.Error().Err(err).Str("queue", queue).Msg("Error receiving messages")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(receiveRetryDelay):
			}
			continue
		}

		for _, message := range messages {
			s.handle(ctx, queue, receiver, processor, message)
		}
	}
}

func (s *ServiceBus) handle(ctx context.Context, queue string, receiver settler, processor MessageProcessor, message *azservicebus.ReceivedMessage) {
	txn := s.tracer.StartTransaction("process-" + queue)
	defer s.tracer.EndTransaction(txn)
	s.tracer.AddAttribute(txn, "message_id", message.MessageID)

	err := processor.ProcessMessage(ctx, message)
	if err != nil {
		s.tracer.RecordError(txn, err)
	}
	settle(context.Background(), receiver, message, err)
}

// settle applies the settlement for err. Settlement failures are logged; the lock
// expires and the broker redelivers.
func settle(ctx context.Context, receiver settler, message *azservicebus.ReceivedMessage, err error) Settlement {
	settlement := SettlementFor(err)
	logger := log.With().Str("message_id", message.MessageID).Str("settlement", settlement.String()).Logger()

	var settleErr error
	switch settlement {
	case Complete:
		if err != nil {
			logger.Info().Err(err).Msg("Message already applied")
		}
		settleErr = receiver.CompleteMessage(ctx, message, nil)
	case DeadLetter:
		logger.Error().Err(err).Msg("Rejecting message")
		reason := string(apperrors.KindOf(err))
		description := err.Error()
		settleErr = receiver.DeadLetterMessage(ctx, message, &azservicebus.DeadLetterOptions{
			Reason:           &reason,
			ErrorDescription: &description,
		})
	default:
		logger.Error().Err(err).Msg("Error processing message, returning it to the queue")
		settleErr = receiver.AbandonMessage(ctx, message, nil)
	}

	if settleErr != nil {
		logger.Error().Err(settleErr).Msg("Failed to settle message")
	}
	return settlement
}

// NewPublisher creates a publisher for a queue or topic
func (s *ServiceBus) NewPublisher(topic string) (*Publisher, error) {
	sender, err := s.client.NewSender(topic, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create Service Bus sender for %s", topic)
	}
	return &Publisher{sender: sender, topic: topic}, nil
}

// Close closes the Service Bus client
func (s *ServiceBus) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// Publisher sends status notifications
type Publisher struct {
	sender *azservicebus.Sender
	topic  string
}

// Publish sends one CloudEvent
func (p *Publisher) Publish(ctx context.Context, event CloudEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "failed to marshal notification")
	}

	contentType := jsonContentType
	messageID := event.ID
	msg := &azservicebus.Message{
		Body:        data,
		ContentType: &contentType,
		MessageID:   &messageID,
		ApplicationProperties: map[string]interface{}{
			"type":   event.Type,
			"source": event.Source,
			"time":   event.Time,
		},
	}

	if err := p.sender.SendMessage(ctx, msg, nil); err != nil {
		return errors.Wrapf(err, "failed to publish notification to %s", p.topic)
	}
	return nil
}

// Close closes the sender
func (p *Publisher) Close(ctx context.Context) error {
	if p.sender == nil {
		return nil
	}
	return p.sender.Close(ctx)
}
