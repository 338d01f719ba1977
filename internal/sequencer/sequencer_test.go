package sequencer

import (
	"context"
	"testing"
	"time"

	"example.com/backstage/services/agreements/internal/apperrors"
	"example.com/backstage/services/agreements/internal/database"
	"example.com/backstage/services/agreements/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupSequencer(t *testing.T) (*Sequencer, *gorm.DB) {
	t.Helper()
	db, err := database.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })
	return New(db), db
}

func seedAgreement(t *testing.T, db *gorm.DB, number string) models.Agreement {
	t.Helper()
	agreement := models.Agreement{AgreementNumber: number, SBI: "106284736", FRN: "1234567890"}
	require.NoError(t, db.Create(&agreement).Error)
	return agreement
}

func viewFor(agreement models.Agreement, version int, paymentDate string) models.AgreementView {
	return models.AgreementView{
		AgreementID:     agreement.ID,
		AgreementNumber: agreement.AgreementNumber,
		Version:         version,
		CorrelationID:   "corr-1",
		Payment: models.Payment{
			Payments: []models.Installment{{TotalPaymentPence: 8788, PaymentDate: paymentDate}},
		},
	}
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "R00000001", FormatClaimID(1))
	assert.Equal(t, "R12345678", FormatClaimID(12345678))
	assert.Equal(t, "R00000001-V002Q3", GenerateInvoiceNumber("R00000001", 2, "Q3"))
	assert.Equal(t, "R00000042-V010Q1", GenerateInvoiceNumber(FormatClaimID(42), 10, "Q1"))

	quarters := map[time.Month]string{
		time.January: "Q1", time.March: "Q1", time.April: "Q2", time.June: "Q2",
		time.July: "Q3", time.September: "Q3", time.October: "Q4", time.December: "Q4",
	}
	for month, want := range quarters {
		assert.Equal(t, want, QuarterOf(time.Date(2025, month, 5, 0, 0, 0, 0, time.UTC)), month.String())
	}
}

func TestNextValue(t *testing.T) {
	seq, _ := setupSequencer(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := seq.NextValue(ctx, models.ClaimIDCounter)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	other, err := seq.NextValue(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, int64(1), other)
}

func TestGetOrCreateClaimID(t *testing.T) {
	seq, db := setupSequencer(t)
	ctx := context.Background()
	agreement := seedAgreement(t, db, "FPTT123456789")

	// no invoice yet, a later version still mints
	claimID, err := seq.GetOrCreateClaimID(ctx, agreement.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, "R00000001", claimID)

	require.NoError(t, db.Create(&models.Invoice{
		AgreementID: agreement.ID, AgreementNumber: agreement.AgreementNumber,
		VersionNumber: 2, InvoiceNumber: "R00000001-V002Q4", ClaimID: "R00000001",
	}).Error)
	require.NoError(t, db.Create(&models.Invoice{
		AgreementID: agreement.ID, AgreementNumber: agreement.AgreementNumber,
		VersionNumber: 3, InvoiceNumber: "R00000009-V003Q4", ClaimID: "R00000009",
	}).Error)

	claimID, err = seq.GetOrCreateClaimID(ctx, agreement.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, "R00000001", claimID)

	// version 1 always mints
	claimID, err = seq.GetOrCreateClaimID(ctx, agreement.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, "R00000002", claimID)
}

func TestCreateInvoice(t *testing.T) {
	seq, db := setupSequencer(t)
	ctx := context.Background()
	agreement := seedAgreement(t, db, "FPTT123456789")

	invoice, err := seq.CreateInvoice(ctx, viewFor(agreement, 2, "2025-12-05"))
	require.NoError(t, err)
	assert.Equal(t, "R00000001", invoice.ClaimID)
	assert.Equal(t, "R00000001-V002Q4", invoice.InvoiceNumber)
	assert.Equal(t, "corr-1", invoice.CorrelationID)
	assert.Nil(t, invoice.DispatchedAt)

	again, err := seq.CreateInvoice(ctx, viewFor(agreement, 2, "2025-12-05"))
	require.NoError(t, err)
	assert.Equal(t, invoice.ID, again.ID)

	next, err := seq.CreateInvoice(ctx, viewFor(agreement, 3, "2026-03-05"))
	require.NoError(t, err)
	assert.Equal(t, "R00000001-V003Q1", next.InvoiceNumber)

	var count int64
	require.NoError(t, db.Model(&models.Counter{}).Where("name = ?", models.ClaimIDCounter).Select("value").Scan(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestCreateInvoiceSeparateAgreements(t *testing.T) {
	seq, db := setupSequencer(t)
	ctx := context.Background()
	first := seedAgreement(t, db, "FPTT000000001")
	second := seedAgreement(t, db, "FPTT000000002")

	a, err := seq.CreateInvoice(ctx, viewFor(first, 2, "2025-12-05"))
	require.NoError(t, err)
	b, err := seq.CreateInvoice(ctx, viewFor(second, 2, "2025-12-05"))
	require.NoError(t, err)

	assert.NotEqual(t, a.ClaimID, b.ClaimID)
	assert.NotEqual(t, a.InvoiceNumber, b.InvoiceNumber)
}

func TestCreateInvoiceErrors(t *testing.T) {
	seq, db := setupSequencer(t)
	ctx := context.Background()
	agreement := seedAgreement(t, db, "FPTT123456789")

	_, err := seq.CreateInvoice(ctx, viewFor(models.Agreement{ID: 999, AgreementNumber: "FPTT999"}, 2, "2025-12-05"))
	assert.True(t, apperrors.IsNotFound(err))

	view := viewFor(agreement, 2, "2025-12-05")
	view.Payment.Payments = nil
	_, err = seq.CreateInvoice(ctx, view)
	assert.True(t, apperrors.IsValidation(err))

	_, err = seq.CreateInvoice(ctx, viewFor(agreement, 2, "05/12/2025"))
	assert.True(t, apperrors.IsValidation(err))
}

func TestMarkDispatched(t *testing.T) {
	seq, db := setupSequencer(t)
	ctx := context.Background()
	agreement := seedAgreement(t, db, "FPTT123456789")

	invoice, err := seq.CreateInvoice(ctx, viewFor(agreement, 2, "2025-12-05"))
	require.NoError(t, err)

	require.NoError(t, seq.MarkDispatched(ctx, invoice.ID, []byte(`{"invoiceNumber":"R00000001-V002Q4"}`)))

	stored, err := seq.GetInvoice(ctx, agreement.ID, 2)
	require.NoError(t, err)
	require.NotNil(t, stored.DispatchedAt)
	assert.JSONEq(t, `{"invoiceNumber":"R00000001-V002Q4"}`, string(stored.Request))

	assert.True(t, apperrors.IsNotFound(seq.MarkDispatched(ctx, 999, []byte(`{}`))))
	_, err = seq.GetInvoice(ctx, agreement.ID, 7)
	assert.True(t, apperrors.IsNotFound(err))
}
