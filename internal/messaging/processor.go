package messaging

import (
	"context"
	"encoding/json"

	"example.com/backstage/services/agreements/internal/apperrors"
	"example.com/backstage/services/agreements/internal/utils"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/rs/zerolog/log"
)

// MessageProcessor handles one received message
type MessageProcessor interface {
	ProcessMessage(ctx context.Context, message *azservicebus.ReceivedMessage) error
}

// AgreementHandler applies decoded events to agreements
type AgreementHandler interface {
	HandleCreateEvent(ctx context.Context, messageID string, event CreateEvent) error
	HandleUpdateEvent(ctx context.Context, event UpdateEvent) error
}

// CreateProcessor consumes the create agreement queue
type CreateProcessor struct {
	handler AgreementHandler
}

// NewCreateProcessor creates a processor for create events
func NewCreateProcessor(handler AgreementHandler) *CreateProcessor {
	return &CreateProcessor{handler: handler}
}

// ProcessMessage decodes a create event and hands it on. Events of other types are ignored.
func (p *CreateProcessor) ProcessMessage(ctx context.Context, message *azservicebus.ReceivedMessage) error {
	var event CreateEvent
	if err := json.Unmarshal(message.Body, &event); err != nil {
		return apperrors.Validation("create event is not valid JSON: %v", err)
	}
	if err := utils.ValidateStruct(event); err != nil {
		return apperrors.Validation("invalid create event: %v", err)
	}

	if !event.IsCreate() {
		log.Info().Str("type", event.Type).Str("message_id", message.MessageID).Msg("Ignoring event that does not create an agreement")
		return nil
	}

	messageID := event.ID
	if messageID == "" {
		messageID = message.MessageID
	}
	if messageID == "" {
		return apperrors.Validation("create event has no message identifier")
	}

	log.Info().Str("type", event.Type).Str("message_id", messageID).Msg("Processing create event")
	return p.handler.HandleCreateEvent(ctx, messageID, event)
}

// UpdateProcessor consumes the application status update queue
type UpdateProcessor struct {
	handler AgreementHandler
}

// NewUpdateProcessor creates a processor for status update events
func NewUpdateProcessor(handler AgreementHandler) *UpdateProcessor {
	return &UpdateProcessor{handler: handler}
}

// ProcessMessage decodes a status update and hands it on
func (p *UpdateProcessor) ProcessMessage(ctx context.Context, message *azservicebus.ReceivedMessage) error {
	var event UpdateEvent
	if err := json.Unmarshal(message.Body, &event); err != nil {
		return apperrors.Validation("update event is not valid JSON: %v", err)
	}
	if err := utils.ValidateStruct(event); err != nil {
		return apperrors.Validation("invalid update event: %v", err)
	}

	log.Info().
		Str("status", event.Data.Status).
		Str("client_ref", event.Data.ClientRef).
		Str("agreement_number", event.Data.AgreementNumber).
		Msg("Processing status update")
	return p.handler.HandleUpdateEvent(ctx, event)
}
