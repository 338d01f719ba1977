package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"example.com/backstage/services/agreements/config"
	"example.com/backstage/services/agreements/internal/apperrors"
	"example.com/backstage/services/agreements/internal/messaging"
	"example.com/backstage/services/agreements/internal/metrics"
	"example.com/backstage/services/agreements/internal/models"
	"example.com/backstage/services/agreements/internal/normalizer"
	"example.com/backstage/services/agreements/internal/paymenthub"
	"example.com/backstage/services/agreements/internal/repositories"
	"example.com/backstage/services/agreements/internal/tracing"
	"example.com/backstage/services/agreements/internal/utils"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
)

const (
	agreementNumberPrefix   = "FPTT"
	agreementNumberAttempts = 3
	defaultCreatedBy        = "agreements-service"
)

// AgreementStore persists agreements and their versions
type AgreementStore interface {
	ExistsByKey(ctx context.Context, criteria repositories.Criteria) (bool, error)
	Create(ctx context.Context, agreement *models.Agreement, version *models.Version) (*models.AgreementView, error)
	GetCurrent(ctx context.Context, criteria repositories.Criteria) (*models.AgreementView, error)
	UpdateCurrent(ctx context.Context, criteria repositories.Criteria, patch repositories.VersionPatch) (*models.AgreementView, error)
	ListVersions(ctx context.Context, criteria repositories.Criteria) ([]models.Version, error)
	ListPendingDispatch(ctx context.Context, limit int) ([]models.AgreementView, error)
}

// InvoiceSequencer issues invoices with stable claim ids
type InvoiceSequencer interface {
	CreateInvoice(ctx context.Context, view models.AgreementView) (*models.Invoice, error)
	MarkDispatched(ctx context.Context, invoiceID uint, request []byte) error
}

// RateCalculator prices action applications
type RateCalculator interface {
	CalculateForApplications(ctx context.Context, applications []models.ActionApplication) (*models.Payment, error)
}

// PaymentDispatcher sends payment requests to the payment hub
type PaymentDispatcher interface {
	Dispatch(ctx context.Context, request *paymenthub.Request) error
}

// NotificationPublisher sends status notifications
type NotificationPublisher interface {
	Publish(ctx context.Context, event messaging.CloudEvent) error
}

// AgreementIndexer maintains the search projection
type AgreementIndexer interface {
	IndexAgreement(ctx context.Context, view models.AgreementView) error
	SearchAgreements(ctx context.Context, terms map[string]string, size int) ([]map[string]interface{}, error)
}

// Dependencies wires an AgreementService. Calculator, Publisher and Indexer are optional.
type Dependencies struct {
	Store        AgreementStore
	Sequencer    InvoiceSequencer
	Calculator   RateCalculator
	Dispatcher   PaymentDispatcher
	Publisher    NotificationPublisher
	Indexer      AgreementIndexer
	Normalizer   *normalizer.Normalizer
	Tracer       tracing.Tracer
	Metrics      *metrics.Metrics
	Notification config.NotificationConfig
	PaymentHub   paymenthub.Options
	// ReconcileBatch caps the agreements handled per reconcile run
	ReconcileBatch int
}

// AgreementService handles the agreement lifecycle
type AgreementService struct {
	store        AgreementStore
	sequencer    InvoiceSequencer
	calculator   RateCalculator
	dispatcher   PaymentDispatcher
	publisher    NotificationPublisher
	indexer      AgreementIndexer
	normalizer   *normalizer.Normalizer
	tracer       tracing.Tracer
	metrics      *metrics.Metrics
	notification config.NotificationConfig
	hubOptions   paymenthub.Options
	batch        int
	now          func() time.Time
}

// NewAgreementService creates a new agreement service
func NewAgreementService(deps Dependencies) *AgreementService {
	n := deps.Normalizer
	if n == nil {
		n = normalizer.New()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = tracing.Noop()
	}

	return &AgreementService{
		store:        deps.Store,
		sequencer:    deps.Sequencer,
		calculator:   deps.Calculator,
		dispatcher:   deps.Dispatcher,
		publisher:    deps.Publisher,
		indexer:      deps.Indexer,
		normalizer:   n,
		tracer:       tracer,
		metrics:      deps.Metrics,
		notification: deps.Notification,
		hubOptions:   deps.PaymentHub,
		batch:        deps.ReconcileBatch,
		now:          time.Now,
	}
}

// HandleCreateEvent offers a new agreement for an application, once per message identifier
func (s *AgreementService) HandleCreateEvent(ctx context.Context, messageID string, event messaging.CreateEvent) error {
	txn := s.tracer.StartTransaction("create-agreement")
	defer s.tracer.EndTransaction(txn)
	s.tracer.AddAttribute(txn, "message_id", messageID)

	exists, err := s.store.ExistsByKey(ctx, repositories.Criteria{NotificationMessageID: messageID})
	if err != nil {
		s.tracer.RecordError(txn, err)
		return err
	}
	if exists {
		s.metrics.IncrementCounter(metrics.DuplicateEvents)
		return apperrors.Conflict("message %s has already been processed", messageID)
	}

	span := s.tracer.StartSpan("normalize", txn)
	result, err := s.normalizer.Normalize(event.Data)
	span.End()
	if err != nil {
		return err
	}

	payment := *result.Payment
	if s.calculator != nil && len(result.ActionApplications) > 0 {
		span := s.tracer.StartSpan("rate-calculator", txn)
		calculated, err := s.calculator.CalculateForApplications(ctx, result.ActionApplications)
		span.End()
		if err != nil {
			s.tracer.RecordError(txn, err)
			return err
		}
		if calculated.Currency == "" {
			calculated.Currency = payment.Currency
		}
		payment = *calculated
	}

	data := event.Data
	identifiers := utils.GetMap(data, "identifiers")
	sbi := utils.GetStringValue(identifiers, "sbi")
	if sbi == "" {
		return apperrors.Validation("create event has no sbi identifier")
	}

	agreementNumber := utils.GetStringValue(data, "agreementNumber")
	if !utils.IsValidAgreementNumber(agreementNumber) {
		return apperrors.Validation("agreement number %q is not valid", agreementNumber)
	}

	correlationID := utils.FirstString(data, "correlationId")
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	createdBy := event.Source
	if createdBy == "" {
		createdBy = defaultCreatedBy
	}

	newVersion := func() *models.Version {
		return &models.Version{
			Status:                models.StatusOffered,
			CorrelationID:         correlationID,
			ClientRef:             utils.FirstString(data, "clientRef", "applicationId"),
			Code:                  utils.FirstString(data, "code"),
			NotificationMessageID: messageID,
			Scheme:                utils.FirstString(data, "scheme"),
			AgreementName:         utils.FirstString(data, "agreementName", "applicationName"),
			Identifiers:           datatypes.NewJSONType(identifiers),
			ActionApplications:    datatypes.NewJSONType(result.ActionApplications),
			Payment:               datatypes.NewJSONType(payment),
			Applicant:             datatypes.NewJSONType(result.Applicant),
		}
	}

	var view *models.AgreementView
	for attempt := 1; ; attempt++ {
		number := agreementNumber
		if number == "" {
			number = generateAgreementNumber()
		}
		agreement := &models.Agreement{
			AgreementNumber: number,
			FRN:             utils.GetStringValue(identifiers, "frn"),
			SBI:             sbi,
			CreatedBy:       createdBy,
		}

		view, err = s.store.Create(ctx, agreement, newVersion())
		// a generated number can collide with an existing agreement, try another
		if err != nil && apperrors.IsConflict(err) && agreementNumber == "" && attempt < agreementNumberAttempts {
			log.Warn().Str("agreement_number", number).Msg("Generated agreement number already in use, retrying")
			continue
		}
		break
	}
	if err != nil {
		s.tracer.RecordError(txn, err)
		return err
	}

	s.tracer.AddAttribute(txn, "agreement_number", view.AgreementNumber)
	log.Info().
		Str("agreement_number", view.AgreementNumber).
		Str("message_id", messageID).
		Str("shape", string(result.Shape)).
		Int64("agreement_total_pence", view.Payment.AgreementTotalPence).
		Msg("Agreement offered")
	s.metrics.IncrementCounter(metrics.AgreementsOffered)

	s.afterTransition(ctx, *view)
	return nil
}

// HandleUpdateEvent withdraws the agreement when the application was withdrawn. Other statuses are ignored.
func (s *AgreementService) HandleUpdateEvent(ctx context.Context, event messaging.UpdateEvent) error {
	if !event.Data.IsWithdrawal() {
		log.Debug().Str("status", event.Data.Status).Msg("Ignoring status update")
		s.metrics.IncrementCounter(metrics.EventsIgnored)
		return nil
	}

	txn := s.tracer.StartTransaction("withdraw-agreement")
	defer s.tracer.EndTransaction(txn)

	criteria := repositories.Criteria{AgreementNumber: event.Data.AgreementNumber}
	if criteria.AgreementNumber == "" {
		criteria.ClientRef = event.Data.ClientRef
	}

	current, err := s.store.GetCurrent(ctx, criteria)
	if err != nil {
		s.tracer.RecordError(txn, err)
		return err
	}
	if current.Status == models.StatusWithdrawn {
		log.Info().Str("agreement_number", current.AgreementNumber).Msg("Agreement already withdrawn")
		return nil
	}

	view, err := s.store.UpdateCurrent(ctx, repositories.Criteria{AgreementNumber: current.AgreementNumber}, repositories.VersionPatch{
		Status:      models.StatusWithdrawn,
		AllowedFrom: []string{models.StatusOffered, models.StatusAccepted},
	})
	if err != nil {
		s.tracer.RecordError(txn, err)
		return err
	}

	log.Info().Str("agreement_number", view.AgreementNumber).Int("version", view.Version).Msg("Agreement withdrawn")
	s.metrics.IncrementCounter(metrics.AgreementsWithdrawn)
	s.afterTransition(ctx, *view)
	return nil
}

// AcceptAgreement accepts an offered agreement and requests its first payment.
// A failed dispatch does not undo the acceptance; the reconcile job retries it.
func (s *AgreementService) AcceptAgreement(ctx context.Context, agreementNumber string) (*models.AgreementView, error) {
	txn := s.tracer.StartTransaction("accept-agreement")
	defer s.tracer.EndTransaction(txn)
	s.tracer.AddAttribute(txn, "agreement_number", agreementNumber)

	signed := s.now().UTC()
	view, err := s.store.UpdateCurrent(ctx, repositories.Criteria{AgreementNumber: agreementNumber}, repositories.VersionPatch{
		Status:        models.StatusAccepted,
		SignatureDate: &signed,
		AllowedFrom:   []string{models.StatusOffered},
	})
	if err != nil {
		s.tracer.RecordError(txn, err)
		return nil, err
	}

	log.Info().Str("agreement_number", view.AgreementNumber).Int("version", view.Version).Msg("Agreement accepted")
	s.metrics.IncrementCounter(metrics.AgreementsAccepted)

	span := s.tracer.StartSpan("dispatch-payment", txn)
	if err := s.DispatchPayment(ctx, *view); err != nil {
		s.tracer.RecordError(txn, err)
		log.Error().Err(err).Str("agreement_number", view.AgreementNumber).Msg("Failed to dispatch payment request, reconcile job will retry")
	}
	span.End()

	s.afterTransition(ctx, *view)
	return view, nil
}

// GetAgreement returns the agreement's current view
func (s *AgreementService) GetAgreement(ctx context.Context, agreementNumber string) (*models.AgreementView, error) {
	return s.store.GetCurrent(ctx, repositories.Criteria{AgreementNumber: agreementNumber})
}

// ListVersions returns the agreement's version history, oldest first
func (s *AgreementService) ListVersions(ctx context.Context, agreementNumber string) ([]models.AgreementView, error) {
	current, err := s.store.GetCurrent(ctx, repositories.Criteria{AgreementNumber: agreementNumber})
	if err != nil {
		return nil, err
	}
	versions, err := s.store.ListVersions(ctx, repositories.Criteria{AgreementNumber: agreementNumber})
	if err != nil {
		return nil, err
	}

	agreement := models.Agreement{
		ID:              current.AgreementID,
		AgreementNumber: current.AgreementNumber,
		FRN:             current.FRN,
		SBI:             current.SBI,
		CreatedBy:       current.CreatedBy,
		CreatedAt:       current.CreatedAt,
	}
	views := make([]models.AgreementView, 0, len(versions))
	for _, version := range versions {
		views = append(views, models.NewAgreementView(agreement, version))
	}
	return views, nil
}

// SearchAgreements queries the search projection
func (s *AgreementService) SearchAgreements(ctx context.Context, terms map[string]string, size int) ([]map[string]interface{}, error) {
	if s.indexer == nil {
		return nil, apperrors.Validation("search is not configured")
	}
	docs, err := s.indexer.SearchAgreements(ctx, terms, size)
	if err != nil {
		return nil, apperrors.Unreachable(err, "agreement search failed")
	}
	return docs, nil
}

// DispatchPayment invoices the view's version and sends it to the payment hub. Safe to repeat.
func (s *AgreementService) DispatchPayment(ctx context.Context, view models.AgreementView) error {
	err := s.dispatchPayment(ctx, view)
	s.metrics.RecordResult(metrics.PaymentDispatch, err)
	return err
}

func (s *AgreementService) dispatchPayment(ctx context.Context, view models.AgreementView) error {
	invoice, err := s.sequencer.CreateInvoice(ctx, view)
	if err != nil {
		return err
	}
	if invoice.DispatchedAt != nil {
		return nil
	}

	request, err := paymenthub.BuildRequest(view, invoice, s.hubOptions)
	if err != nil {
		return err
	}
	if err := s.dispatcher.Dispatch(ctx, request); err != nil {
		return err
	}

	body, err := json.Marshal(request)
	if err != nil {
		return errors.Wrap(err, "failed to marshal payment request")
	}
	if err := s.sequencer.MarkDispatched(ctx, invoice.ID, body); err != nil {
		return err
	}

	log.Info().
		Str("agreement_number", view.AgreementNumber).
		Str("invoice_number", invoice.InvoiceNumber).
		Str("claim_id", invoice.ClaimID).
		Msg("Payment request sent")
	return nil
}

// ReconcilePaymentRequests dispatches accepted agreements whose payment request never went out
func (s *AgreementService) ReconcilePaymentRequests(ctx context.Context) error {
	txn := s.tracer.StartTransaction("reconcile-payment-requests")
	defer s.tracer.EndTransaction(txn)

	start := time.Now()
	defer func() { s.metrics.RecordTimer(metrics.ReconcileRun, time.Since(start)) }()

	pending, err := s.store.ListPendingDispatch(ctx, s.batch)
	if err != nil {
		s.tracer.RecordError(txn, err)
		return err
	}
	s.metrics.SetGauge(metrics.ReconcilePending, int64(len(pending)))
	if len(pending) == 0 {
		return nil
	}

	failed := 0
	for _, view := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.DispatchPayment(ctx, view); err != nil {
			failed++
			s.tracer.RecordError(txn, err)
			log.Error().Err(err).Str("agreement_number", view.AgreementNumber).Msg("Reconcile dispatch failed")
		}
	}

	log.Info().Int("pending", len(pending)).Int("failed", failed).Msg("Payment reconcile finished")
	return nil
}

// afterTransition publishes the status notification and refreshes the search projection.
// Both are best effort: the version is already committed.
func (s *AgreementService) afterTransition(ctx context.Context, view models.AgreementView) {
	if s.publisher != nil {
		event := messaging.NewStatusNotification(s.notification, view, s.now())
		err := s.publisher.Publish(ctx, event)
		s.metrics.RecordResult(metrics.NotificationSends, err)
		if err != nil {
			log.Error().Err(err).Str("agreement_number", view.AgreementNumber).Msg("Failed to publish status notification")
		}
	}
	if s.indexer != nil {
		err := s.indexer.IndexAgreement(ctx, view)
		s.metrics.RecordResult(metrics.SearchIndexing, err)
		if err != nil {
			log.Warn().Err(err).Str("agreement_number", view.AgreementNumber).Msg("Failed to index agreement")
		}
	}
}

func generateAgreementNumber() string {
	return fmt.Sprintf("%s%09d", agreementNumberPrefix, rand.Intn(1_000_000_000))
}
