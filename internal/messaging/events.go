package messaging

import (
	"strings"
	"time"

	"example.com/backstage/services/agreements/config"
	"example.com/backstage/services/agreements/internal/models"

	"github.com/google/uuid"
)

// Event type markers
const (
	CreateEventMarker  = "agreement.create"
	WithdrawnStatus    = "WITHDRAWN"
	cloudEventsVersion = "1.0"
	jsonContentType    = "application/json"
)

// CreateEvent asks for an agreement to be offered from an application
type CreateEvent struct {
	ID     string                 `json:"id"`
	Type   string                 `json:"type" validate:"required"`
	Source string                 `json:"source"`
	Time   string                 `json:"time"`
	Data   map[string]interface{} `json:"data" validate:"required"`
}

// IsCreate reports whether the event type asks for an agreement to be created
func (e CreateEvent) IsCreate() bool {
	return strings.Contains(e.Type, CreateEventMarker)
}

// UpdateEvent reports an application status change
type UpdateEvent struct {
	ID     string     `json:"id"`
	Type   string     `json:"type"`
	Source string     `json:"source"`
	Time   string     `json:"time"`
	Data   UpdateData `json:"data"`
}

// UpdateData identifies the agreement by number or by the application's client reference
type UpdateData struct {
	Status          string `json:"status" validate:"required"`
	ClientRef       string `json:"clientRef" validate:"required_without=AgreementNumber"`
	AgreementNumber string `json:"agreementNumber" validate:"agreement_number"`
}

// IsWithdrawal reports whether the status withdraws the agreement
func (d UpdateData) IsWithdrawal() bool {
	return strings.Contains(strings.ToUpper(d.Status), WithdrawnStatus)
}

// CloudEvent is the outbound status notification envelope
type CloudEvent struct {
	ID              string     `json:"id"`
	Source          string     `json:"source"`
	SpecVersion     string     `json:"specversion"`
	Type            string     `json:"type"`
	Time            string     `json:"time"`
	DataContentType string     `json:"datacontenttype"`
	Data            StatusData `json:"data"`
}

// StatusData describes the agreement version whose status changed
type StatusData struct {
	AgreementNumber string `json:"agreementNumber"`
	CorrelationID   string `json:"correlationId"`
	ClientRef       string `json:"clientRef"`
	Version         int    `json:"version"`
	AgreementURL    string `json:"agreementUrl,omitempty"`
	Status          string `json:"status"`
	Date            string `json:"date"`
	Code            string `json:"code"`
	EndDate         string `json:"endDate"`
}

// NewStatusNotification builds the notification for the agreement's current version
func NewStatusNotification(cfg config.NotificationConfig, view models.AgreementView, now time.Time) CloudEvent {
	date := view.UpdatedAt
	if date.IsZero() {
		date = now
	}

	var agreementURL string
	if cfg.AgreementBaseURL != "" {
		agreementURL = strings.TrimRight(cfg.AgreementBaseURL, "/") + "/" + view.AgreementNumber
	}

	return CloudEvent{
		ID:              uuid.NewString(),
		Source:          cfg.Source,
		SpecVersion:     cloudEventsVersion,
		Type:            cfg.EventType,
		Time:            now.UTC().Format(time.RFC3339),
		DataContentType: jsonContentType,
		Data: StatusData{
			AgreementNumber: view.AgreementNumber,
			CorrelationID:   view.CorrelationID,
			ClientRef:       view.ClientRef,
			Version:         view.Version,
			AgreementURL:    agreementURL,
			Status:          view.Status,
			Date:            date.UTC().Format(time.RFC3339),
			Code:            view.Code,
			EndDate:         view.Payment.AgreementEndDate,
		},
	}
}
