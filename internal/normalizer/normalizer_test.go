package normalizer

import (
	"encoding/json"
	"testing"
	"time"

	"example.com/backstage/services/agreements/internal/apperrors"
	"example.com/backstage/services/agreements/internal/models"
	"example.com/backstage/services/agreements/internal/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, time.March, 14, 10, 30, 0, 0, time.UTC)

func newTestNormalizer() *Normalizer {
	return NewWithClock(func() time.Time { return fixedNow })
}

func decode(t *testing.T, payload string) map[string]interface{} {
	t.Helper()
	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(payload), &raw))
	return raw
}

func int64Ptr(v int64) *int64 { return &v }

const scenarioPayload = `{
	"application": {
		"totalAnnualPaymentPence": 35150,
		"parcels": [{
			"sheetId": "AB1234",
			"parcelId": "10001",
			"actions": [{
				"code": "CMOR1",
				"durationYears": 3,
				"appliedFor": {"unit": "ha", "quantity": 7.5},
				"paymentRates": {"ratePerUnitPence": 1060},
				"annualPaymentPence": 35150
			}]
		}]
	}
}`

func TestConvertApplicationScenario(t *testing.T) {
	result := newTestNormalizer().Convert(decode(t, scenarioPayload))

	require.NotNil(t, result.Payment)
	assert.Equal(t, ShapeApplication, result.Shape)
	assert.Equal(t, int64(35150), result.Payment.AnnualTotalPence)
	assert.Equal(t, int64(105450), result.Payment.AgreementTotalPence)
	assert.Len(t, result.Payment.Payments, 2)
	require.Len(t, result.ActionApplications, 1)
	assert.Equal(t, "CMOR1", result.ActionApplications[0].Code)
	assert.Equal(t, "AB1234", result.ActionApplications[0].SheetID)
	assert.Equal(t, 7.5, result.ActionApplications[0].AppliedFor.Quantity)

	item := result.Payment.ParcelItems[1]
	assert.Equal(t, "CMOR1", item.Code)
	assert.Equal(t, int64(35150), *item.AnnualPaymentPence)
	assert.Equal(t, 1060.0, *item.RateInPence)
	assert.Equal(t, "ha", item.Unit)
	assert.Empty(t, result.Payment.AgreementLevelItems)
}

func TestConvertInstallments(t *testing.T) {
	result := newTestNormalizer().Convert(decode(t, scenarioPayload))
	payment := result.Payment

	assert.Equal(t, "2025-03-14", payment.AgreementStartDate)
	assert.Equal(t, "2028-03-14", payment.AgreementEndDate)
	assert.Equal(t, models.FrequencyQuarterly, payment.Frequency)

	require.Len(t, payment.Payments, 2)
	assert.Equal(t, "2025-06-14", payment.Payments[0].PaymentDate)
	assert.Equal(t, "2025-09-14", payment.Payments[1].PaymentDate)
	for _, installment := range payment.Payments {
		require.Len(t, installment.LineItems, 1)
		assert.Equal(t, 1, installment.LineItems[0].ParcelItemID)
		// 35150 / 4 = 8787.5 rounds half up
		assert.Equal(t, int64(8788), installment.LineItems[0].PaymentPence)
		assert.Equal(t, int64(8788), installment.TotalPaymentPence)
	}
}

func TestConvertDerivesAnnualFromRateAndQuantity(t *testing.T) {
	raw := decode(t, `{
		"answers": {
			"parcels": [{
				"sheetId": "SX0679",
				"parcelId": "9238",
				"actions": [
					{"code": "CSAM1", "durationYears": 3, "appliedFor": {"unit": "ha", "quantity": "4.53"},
					 "paymentRates": {"ratePerUnitPence": 600, "agreementLevelAmountPence": 27200}},
					{"code": "CSAM2", "durationYears": 2, "eligible": {"unit": "ha", "quantity": 2},
					 "paymentRates": {"ratePerUnitPence": "not-a-number"}}
				]
			}]
		}
	}`)

	result := newTestNormalizer().Convert(raw)
	require.NotNil(t, result.Payment)
	payment := result.Payment

	assert.Equal(t, ShapeAnswersParcels, result.Shape)
	require.Len(t, payment.ParcelItems, 2)
	assert.Equal(t, int64(2718), *payment.ParcelItems[1].AnnualPaymentPence)
	assert.Equal(t, 2.0, payment.ParcelItems[2].Quantity)
	assert.Nil(t, payment.ParcelItems[2].AnnualPaymentPence)
	assert.Nil(t, payment.ParcelItems[2].RateInPence)

	require.Len(t, payment.AgreementLevelItems, 1)
	assert.Equal(t, "CSAM1", payment.AgreementLevelItems[1].Code)
	assert.Equal(t, int64(27200), *payment.AgreementLevelItems[1].AnnualPaymentPence)

	assert.Equal(t, int64(2718+27200), payment.AnnualTotalPence)
	assert.Equal(t, int64((2718+27200)*3), payment.AgreementTotalPence)
	assert.Equal(t, "2028-03-14", payment.AgreementEndDate)

	first := payment.Payments[0]
	require.Len(t, first.LineItems, 3)
	assert.Equal(t, models.LineItem{ParcelItemID: 1, PaymentPence: 680}, first.LineItems[0])
	assert.Equal(t, models.LineItem{ParcelItemID: 2, PaymentPence: 0}, first.LineItems[1])
	assert.Equal(t, models.LineItem{AgreementLevelItemID: 1, PaymentPence: 6800}, first.LineItems[2])
	assert.Equal(t, int64(7480), first.TotalPaymentPence)
}

func TestConvertWithoutItemsUsesQuarterOfAnnualTotal(t *testing.T) {
	raw := decode(t, `{"application": {"totalAnnualPaymentPence": 1001, "agreementStartDate": "2025-01-01", "parcels": []}}`)

	payment := newTestNormalizer().Convert(raw).Payment
	require.NotNil(t, payment)

	assert.Equal(t, "2025-01-01", payment.AgreementStartDate)
	assert.Equal(t, "2026-01-01", payment.AgreementEndDate)
	assert.Equal(t, int64(1001), payment.AgreementTotalPence)
	require.Len(t, payment.Payments, 2)
	assert.Empty(t, payment.Payments[0].LineItems)
	assert.Equal(t, int64(250), payment.Payments[0].TotalPaymentPence)
	assert.Equal(t, "2025-04-01", payment.Payments[0].PaymentDate)
	assert.Equal(t, "2025-07-01", payment.Payments[1].PaymentDate)
}

func TestConvertUsesExplicitDatesAndZeroTotalFallsBack(t *testing.T) {
	raw := decode(t, `{
		"payments": {
			"agreementStartDate": "2025-06-01",
			"agreementEndDate": "2027-05-31",
			"annualTotalPence": 0,
			"parcel": [{"sheetId": "A", "parcelId": "1", "actions": [
				{"code": "X1", "annualPaymentPence": 400, "durationYears": 2}
			]}]
		}
	}`)

	result := newTestNormalizer().Convert(raw)
	require.NotNil(t, result.Payment)

	assert.Equal(t, ShapePayments, result.Shape)
	assert.Equal(t, "2025-06-01", result.Payment.AgreementStartDate)
	assert.Equal(t, "2027-05-31", result.Payment.AgreementEndDate)
	assert.Equal(t, int64(400), result.Payment.AnnualTotalPence)
	assert.Equal(t, int64(800), result.Payment.AgreementTotalPence)
	assert.Equal(t, "2025-09-01", result.Payment.Payments[0].PaymentDate)
}

func TestDetectShapes(t *testing.T) {
	action := `{"sheetId": "A", "parcelId": "1", "actions": [{"code": "X1", "appliedFor": {"quantity": 1}}]}`

	tests := []struct {
		name    string
		payload string
		shape   Shape
	}{
		{"application parcels", `{"application": {"parcels": [` + action + `]}}`, ShapeApplication},
		{"application parcel", `{"application": {"parcel": [` + action + `]}}`, ShapeApplication},
		{"answers parcels", `{"answers": {"parcels": [` + action + `]}}`, ShapeAnswersParcels},
		{"answers parcel", `{"answers": {"parcel": [` + action + `]}}`, ShapeAnswersParcel},
		{"answers application", `{"answers": {"application": {"parcel": [` + action + `]}}}`, ShapeAnswersApplication},
		{"answers payments", `{"answers": {"payments": {"parcels": [` + action + `]}}}`, ShapeAnswersPayments},
		{"payments", `{"payments": {"parcel": [` + action + `]}}`, ShapePayments},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := decode(t, tt.payload)

			assert.Equal(t, []Shape{tt.shape}, Detect(raw))

			result := newTestNormalizer().Convert(raw)
			assert.Equal(t, tt.shape, result.Shape)
			require.Len(t, result.ActionApplications, 1)
			assert.Equal(t, "X1", result.ActionApplications[0].Code)
		})
	}
}

func TestConvertTakesFirstShapeOnly(t *testing.T) {
	raw := decode(t, `{
		"application": {"parcels": [{"sheetId": "A", "parcelId": "1", "actions": [{"code": "X1", "annualPaymentPence": 100}]}]},
		"answers": {"parcels": [{"sheetId": "B", "parcelId": "2", "actions": [{"code": "X2", "annualPaymentPence": 900}]}]}
	}`)

	assert.Equal(t, []Shape{ShapeApplication, ShapeAnswersParcels}, Detect(raw))

	result := newTestNormalizer().Convert(raw)
	assert.Equal(t, int64(100), result.Payment.AnnualTotalPence)
	assert.Len(t, result.Payment.ParcelItems, 1)
	assert.Len(t, result.ActionApplications, 1)
}

func TestConvertExistingFieldsWin(t *testing.T) {
	canonical := models.Payment{
		AgreementStartDate:  "2025-01-01",
		AgreementEndDate:    "2028-01-01",
		Frequency:           models.FrequencyQuarterly,
		AgreementTotalPence: 3000,
		AnnualTotalPence:    1000,
		ParcelItems: map[int]models.PaymentItem{
			1: {Code: "CMOR1", Quantity: 2, AnnualPaymentPence: int64Ptr(1000), SheetID: "A", ParcelID: "1"},
		},
		Payments: []models.Installment{
			{TotalPaymentPence: 250, PaymentDate: "2025-04-01", LineItems: []models.LineItem{{ParcelItemID: 1, PaymentPence: 250}}},
			{TotalPaymentPence: 250, PaymentDate: "2025-07-01", LineItems: []models.LineItem{{ParcelItemID: 1, PaymentPence: 250}}},
		},
	}
	existingActions := []models.ActionApplication{{Code: "CMOR1", SheetID: "A", ParcelID: "1"}}

	raw, err := utils.ToMap(map[string]interface{}{
		"payment":            canonical,
		"actionApplications": existingActions,
		"applicant":          map[string]interface{}{"business": map[string]interface{}{"name": "Home Farm"}},
		"application":        decode(t, scenarioPayload)["application"],
	})
	require.NoError(t, err)

	result := newTestNormalizer().Convert(raw)

	assert.Equal(t, ShapeCanonical, result.Shape)
	require.NotNil(t, result.Payment)
	assert.Equal(t, canonical, *result.Payment)
	assert.Equal(t, existingActions, result.ActionApplications)
	assert.Equal(t, "Home Farm", utils.LookupMap(result.Applicant, "business")["name"])
}

func TestConvertIsIdempotent(t *testing.T) {
	n := newTestNormalizer()
	first := n.Convert(decode(t, scenarioPayload))
	require.NotNil(t, first.Payment)

	raw, err := utils.ToMap(map[string]interface{}{
		"payment":            first.Payment,
		"actionApplications": first.ActionApplications,
	})
	require.NoError(t, err)

	second := n.Convert(raw)
	require.NotNil(t, second.Payment)
	assert.Equal(t, *first.Payment, *second.Payment)
	assert.Equal(t, first.ActionApplications, second.ActionApplications)
}

func TestNormalizeRequiresPaymentAndApplicant(t *testing.T) {
	n := newTestNormalizer()

	_, err := n.Normalize(decode(t, scenarioPayload))
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))

	_, err = n.Normalize(decode(t, `{"applicant": {"customerReference": "1100014934"}}`))
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))

	raw := decode(t, scenarioPayload)
	utils.GetMap(raw, "application")["applicant"] = map[string]interface{}{"customerReference": "1100014934"}

	result, err := n.Normalize(raw)
	require.NoError(t, err)
	assert.Equal(t, "1100014934", result.Applicant["customerReference"])
}

func TestConvertToleratesUnreadableNumbers(t *testing.T) {
	raw := decode(t, `{"answers": {"parcel": [{"sheetId": "A", "parcelId": "1", "actions": [
		{"code": "X1", "durationYears": "three", "appliedFor": {"quantity": "lots"}, "eligible": {"quantity": "1.5", "unit": "ha"},
		 "paymentRates": {"ratePerUnitPence": 200}}
	]}]}}`)

	result := newTestNormalizer().Convert(raw)
	require.NotNil(t, result.Payment)

	item := result.Payment.ParcelItems[1]
	assert.Equal(t, 1.5, item.Quantity)
	assert.Equal(t, "ha", item.Unit)
	assert.Equal(t, int64(300), *item.AnnualPaymentPence)
	assert.Equal(t, 0, item.DurationYears)
	assert.Equal(t, int64(300), result.Payment.AgreementTotalPence)
}

func TestConvertReadsCanonicalPaymentLeniently(t *testing.T) {
	payment := `"payment": {
		"agreementStartDate": "2025-01-01",
		"agreementTotalPence": "105450",
		"annualTotalPence": 35150.5,
		"parcelItems": {"1": {"code": "CMOR1", "quantity": "7.5", "annualPaymentPence": "35150"}},
		"payments": [{"totalPaymentPence": "8787.5", "paymentDate": "2025-04-01", "lineItems": [{"parcelItemId": "1", "paymentPence": 8787.5}]}]
	}`
	applicant := `"applicant": {"customerReference": "1100014934"}`

	t.Run("with a nested source", func(t *testing.T) {
		raw := decode(t, `{`+payment+`,`+applicant+`,"application": {"parcels": [{"sheetId": "A", "parcelId": "1",
			"actions": [{"code": "X1", "appliedFor": {"quantity": 1}, "annualPaymentPence": 1}]}]}}`)

		result := newTestNormalizer().Convert(raw)
		assert.Equal(t, ShapeCanonical, result.Shape)
		require.NotNil(t, result.Payment)
		assert.Equal(t, int64(105450), result.Payment.AgreementTotalPence)
		assert.Equal(t, int64(35151), result.Payment.AnnualTotalPence)
		assert.Equal(t, "CMOR1", result.Payment.ParcelItems[1].Code)
	})

	t.Run("canonical only", func(t *testing.T) {
		result, err := newTestNormalizer().Normalize(decode(t, `{`+payment+`,`+applicant+`}`))
		require.NoError(t, err)

		assert.Equal(t, int64(105450), result.Payment.AgreementTotalPence)
		item := result.Payment.ParcelItems[1]
		assert.Equal(t, 7.5, item.Quantity)
		assert.Equal(t, int64(35150), *item.AnnualPaymentPence)
		require.Len(t, result.Payment.Payments, 1)
		assert.Equal(t, int64(8788), result.Payment.Payments[0].TotalPaymentPence)
		assert.Equal(t, models.LineItem{ParcelItemID: 1, PaymentPence: 8788}, result.Payment.Payments[0].LineItems[0])
	})
}
