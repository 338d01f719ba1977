// Package sequencer mints claim identifiers and invoice numbers.
//
// A claim id is minted once per agreement from the "claimIds" counter and reused by every
// later version's invoice. Invoice creation locks the agreement row, so two first invoices
// for the same agreement cannot both mint a claim id.
package sequencer

import (
	"context"
	"fmt"
	"time"

	"example.com/backstage/services/agreements/internal/apperrors"
	"example.com/backstage/services/agreements/internal/database"
	"example.com/backstage/services/agreements/internal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Sequencer persists counters and invoices
type Sequencer struct {
	db *gorm.DB
}

// New creates a Sequencer
func New(db *gorm.DB) *Sequencer {
	return &Sequencer{db: db}
}

// FormatClaimID formats a counter value as a claim id, e.g. R00000001
func FormatClaimID(n int64) string {
	return fmt.Sprintf("R%08d", n)
}

// QuarterOf returns Q1..Q4 for the calendar month of date
func QuarterOf(date time.Time) string {
	return fmt.Sprintf("Q%d", (int(date.Month())-1)/3+1)
}

// GenerateInvoiceNumber builds {claimId}-V{version:000}{quarter}
func GenerateInvoiceNumber(claimID string, version int, quarter string) string {
	return fmt.Sprintf("%s-V%03d%s", claimID, version, quarter)
}

// NextValue atomically increments the named counter and returns the new value
func (s *Sequencer) NextValue(ctx context.Context, name string) (int64, error) {
	var value int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		value, err = nextValue(tx, name)
		return err
	})
	return value, err
}

// nextValue increments with a single upsert and reads the row back while it is still locked by tx
func nextValue(tx *gorm.DB, name string) (int64, error) {
	counter := models.Counter{Name: name, Value: 1}
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"value": gorm.Expr("counters.value + 1")}),
	}).Create(&counter).Error
	if err != nil {
		return 0, apperrors.Internal(err, "failed to increment counter "+name)
	}

	if err := tx.First(&counter, "name = ?", name).Error; err != nil {
		return 0, apperrors.Internal(err, "failed to read counter "+name)
	}
	return counter.Value, nil
}

// GetOrCreateClaimID reuses the claim id of the agreement's earliest invoice for versions after
// the first. Version 1, or a later version without any invoice, mints a new one.
func (s *Sequencer) GetOrCreateClaimID(ctx context.Context, agreementID uint, version int) (string, error) {
	var claimID string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		claimID, err = getOrCreateClaimID(tx, agreementID, version)
		return err
	})
	return claimID, err
}

func getOrCreateClaimID(tx *gorm.DB, agreementID uint, version int) (string, error) {
	if version > 1 {
		var earliest models.Invoice
		err := tx.Where("agreement_id = ?", agreementID).Order("created_at ASC, id ASC").First(&earliest).Error
		if err == nil {
			return earliest.ClaimID, nil
		}
		if !database.IsRecordNotFound(err) {
			return "", apperrors.Internal(err, "failed to look up earliest invoice")
		}
	}

	n, err := nextValue(tx, models.ClaimIDCounter)
	if err != nil {
		return "", err
	}
	return FormatClaimID(n), nil
}

// CreateInvoice returns the invoice of the agreement's current version, creating it on first use
func (s *Sequencer) CreateInvoice(ctx context.Context, view models.AgreementView) (*models.Invoice, error) {
	first, ok := view.Payment.FirstInstallment()
	if !ok {
		return nil, apperrors.Validation("agreement %s has no scheduled payments", view.AgreementNumber)
	}
	paymentDate, err := time.Parse("2006-01-02", first.PaymentDate)
	if err != nil {
		return nil, apperrors.Validation("agreement %s has an invalid payment date %q", view.AgreementNumber, first.PaymentDate)
	}

	var invoice *models.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var agreement models.Agreement
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&agreement, view.AgreementID).Error
		if err != nil {
			if database.IsRecordNotFound(err) {
				return apperrors.NotFound("agreement %s", view.AgreementNumber)
			}
			return apperrors.Internal(err, "failed to lock agreement")
		}

		var existing models.Invoice
		err = tx.Where("agreement_id = ? AND version_number = ?", agreement.ID, view.Version).First(&existing).Error
		if err == nil {
			invoice = &existing
			return nil
		}
		if !database.IsRecordNotFound(err) {
			return apperrors.Internal(err, "failed to look up invoice")
		}

		claimID, err := getOrCreateClaimID(tx, agreement.ID, view.Version)
		if err != nil {
			return err
		}

		created := &models.Invoice{
			AgreementID:     agreement.ID,
			AgreementNumber: agreement.AgreementNumber,
			VersionNumber:   view.Version,
			InvoiceNumber:   GenerateInvoiceNumber(claimID, view.Version, QuarterOf(paymentDate)),
			ClaimID:         claimID,
			CorrelationID:   view.CorrelationID,
		}
		result := tx.Create(created)
		if result.Error != nil {
			if database.IsDuplicateKey(result.Error) {
				return apperrors.Conflict("invoice for agreement %s version %d already exists", agreement.AgreementNumber, view.Version)
			}
			return apperrors.Internal(result.Error, "failed to create invoice")
		}
		if result.RowsAffected == 0 {
			return apperrors.NotFound("invoice for agreement %s was not created", agreement.AgreementNumber)
		}
		invoice = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return invoice, nil
}

// GetInvoice returns the invoice of one agreement version
func (s *Sequencer) GetInvoice(ctx context.Context, agreementID uint, version int) (*models.Invoice, error) {
	var invoice models.Invoice
	err := s.db.WithContext(ctx).Where("agreement_id = ? AND version_number = ?", agreementID, version).First(&invoice).Error
	if err != nil {
		if database.IsRecordNotFound(err) {
			return nil, apperrors.NotFound("invoice for agreement version %d", version)
		}
		return nil, apperrors.Internal(err, "failed to load invoice")
	}
	return &invoice, nil
}

// MarkDispatched records the payload sent to the payment hub
func (s *Sequencer) MarkDispatched(ctx context.Context, invoiceID uint, request []byte) error {
	result := s.db.WithContext(ctx).Model(&models.Invoice{}).Where("id = ?", invoiceID).Updates(map[string]interface{}{
		"request":       datatypes.JSON(request),
		"dispatched_at": time.Now().UTC(),
	})
	if result.Error != nil {
		return apperrors.Internal(result.Error, "failed to mark invoice dispatched")
	}
	if result.RowsAffected == 0 {
		return apperrors.NotFound("invoice %d", invoiceID)
	}
	return nil
}
