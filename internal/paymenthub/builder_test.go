package paymenthub

import (
	"encoding/json"
	"testing"

	"example.com/backstage/services/agreements/internal/apperrors"
	"example.com/backstage/services/agreements/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64Ptr(v int64) *int64 { return &v }

func acceptedView() models.AgreementView {
	return models.AgreementView{
		AgreementNumber: "FPTT123456789",
		FRN:             "1234567890",
		SBI:             "106284736",
		Version:         2,
		Status:          models.StatusAccepted,
		CorrelationID:   "corr-1",
		Payment: models.Payment{
			AgreementStartDate: "2025-09-01",
			AgreementEndDate:   "2028-09-01",
			Frequency:          models.FrequencyQuarterly,
			ParcelItems: map[int]models.PaymentItem{
				1: {Code: "CMOR1", SheetID: "AB1234", ParcelID: "10001", AnnualPaymentPence: int64Ptr(35150)},
			},
			AgreementLevelItems: map[int]models.PaymentItem{
				1: {Code: "CSAM1", AnnualPaymentPence: int64Ptr(27200)},
			},
			Payments: []models.Installment{
				{
					TotalPaymentPence: 15588,
					PaymentDate:       "2025-12-01",
					LineItems: []models.LineItem{
						{ParcelItemID: 1, PaymentPence: 8788},
						{AgreementLevelItemID: 1, PaymentPence: 6800},
					},
				},
				{
					TotalPaymentPence: 15588,
					PaymentDate:       "2026-03-01",
					LineItems:         []models.LineItem{{ParcelItemID: 1, PaymentPence: 8788}},
				},
			},
		},
	}
}

var testInvoice = &models.Invoice{InvoiceNumber: "R00000001-V002Q4", ClaimID: "R00000001"}

func TestBuildRequest(t *testing.T) {
	request, err := BuildRequest(acceptedView(), testInvoice, Options{
		SourceSystem: "FPTT",
		SchemeCodes:  map[string]string{"cmor1": "SFI-CMOR"},
	})
	require.NoError(t, err)

	assert.Equal(t, "FPTT", request.SourceSystem)
	assert.Equal(t, "1234567890", request.FRN)
	assert.Equal(t, "106284736", request.SBI)
	assert.Equal(t, 2025, request.MarketingYear)
	assert.Equal(t, 2, request.PaymentRequestNumber)
	assert.Equal(t, "corr-1", request.CorrelationID)
	assert.Equal(t, "R00000001-V002Q4", request.InvoiceNumber)
	assert.Equal(t, "FPTT123456789", request.AgreementNumber)
	assert.Equal(t, "T4", request.Schedule)
	assert.Equal(t, "2025-12-01", request.DueDate)
	assert.Equal(t, 155.88, request.Value)
	assert.Equal(t, "GBP", request.Currency)
	assert.Equal(t, []InvoiceLine{
		{Value: 87.88, Description: "CMOR1: AB1234 10001", SchemeCode: "SFI-CMOR"},
		{Value: 68, Description: "CSAM1: agreement level", SchemeCode: "CSAM1"},
	}, request.InvoiceLines)
}

func TestBuildRequestScheduleAndCurrency(t *testing.T) {
	view := acceptedView()
	view.Payment.Frequency = "quarterly"
	request, err := BuildRequest(view, testInvoice, Options{})
	require.NoError(t, err)
	assert.Equal(t, "T4", request.Schedule)

	view.Payment.Frequency = "Annual"
	view.Payment.Currency = "EUR"
	request, err = BuildRequest(view, testInvoice, Options{})
	require.NoError(t, err)
	assert.Equal(t, "EUR", request.Currency)

	body, err := json.Marshal(request)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "schedule")
}

func TestBuildRequestMarketingYearFallsBackToDueDate(t *testing.T) {
	view := acceptedView()
	view.Payment.AgreementStartDate = ""
	request, err := BuildRequest(view, testInvoice, Options{})
	require.NoError(t, err)
	assert.Equal(t, 2025, request.MarketingYear)
}

func TestBuildRequestRejectsIncompleteInput(t *testing.T) {
	_, err := BuildRequest(acceptedView(), nil, Options{})
	assert.True(t, apperrors.IsValidation(err))

	view := acceptedView()
	view.Payment.Payments = nil
	_, err = BuildRequest(view, testInvoice, Options{})
	assert.True(t, apperrors.IsValidation(err))

	view = acceptedView()
	view.Payment.Payments[0].LineItems = []models.LineItem{{ParcelItemID: 9, PaymentPence: 100}}
	_, err = BuildRequest(view, testInvoice, Options{})
	assert.True(t, apperrors.IsValidation(err))

	view = acceptedView()
	view.Payment.Payments[0].LineItems = []models.LineItem{{PaymentPence: 100}}
	_, err = BuildRequest(view, testInvoice, Options{})
	assert.True(t, apperrors.IsValidation(err))
}
