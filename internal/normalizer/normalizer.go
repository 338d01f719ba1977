// Package normalizer turns upstream grant application submissions into the canonical
// {payment, applicant, actionApplications} triple stored on an agreement version.
//
// Submissions come in several historical layouts (see Shape). Values already present at the
// canonical top level always win over values converted from a nested layout. Numeric fields
// are read leniently: anything that cannot be read as a number counts as absent.
package normalizer

import (
	"math"
	"sort"
	"time"

	"example.com/backstage/services/agreements/internal/apperrors"
	"example.com/backstage/services/agreements/internal/models"
	"example.com/backstage/services/agreements/internal/utils"

	"github.com/rs/zerolog/log"
)

const dateLayout = "2006-01-02"

// installmentOffsets are the months after the start date of the two scheduled payments
var installmentOffsets = []int{3, 6}

// Result is the canonical form of a submission
type Result struct {
	// Shape is the layout the payment was taken from, empty when there is none
	Shape              Shape
	Payment            *models.Payment
	Applicant          map[string]interface{}
	ActionApplications []models.ActionApplication
}

// Normalizer converts submissions. The clock supplies the start date when a submission has none.
type Normalizer struct {
	now func() time.Time
}

// New returns a Normalizer using the wall clock
func New() *Normalizer {
	return &Normalizer{now: time.Now}
}

// NewWithClock returns a Normalizer with a fixed clock
func NewWithClock(now func() time.Time) *Normalizer {
	return &Normalizer{now: now}
}

// Normalize converts a submission and requires both a payment and an applicant
func (n *Normalizer) Normalize(raw map[string]interface{}) (Result, error) {
	result := n.Convert(raw)
	if result.Payment == nil {
		return result, apperrors.Validation("submission has no payment information")
	}
	if len(result.Applicant) == 0 {
		return result, apperrors.Validation("submission has no applicant")
	}
	return result, nil
}

// Convert converts a submission without validating it
func (n *Normalizer) Convert(raw map[string]interface{}) Result {
	var result Result

	src, found := detectSource(raw)

	var converted *models.Payment
	var convertedActions []models.ActionApplication
	if found {
		payment, actions := n.convert(src)
		converted = &payment
		convertedActions = actions
	}

	if payment, ok := canonicalPayment(raw); ok {
		result.Payment = payment
		result.Shape = ShapeCanonical
	} else if converted != nil {
		result.Payment = converted
		result.Shape = src.shape
	}

	if actions, ok := canonicalActions(raw); ok {
		result.ActionApplications = actions
	} else {
		result.ActionApplications = convertedActions
	}

	result.Applicant = findApplicant(raw, src)

	return result
}

func canonicalPayment(raw map[string]interface{}) (*models.Payment, bool) {
	switch v := raw["payment"].(type) {
	case nil:
		return nil, false
	case models.Payment:
		return &v, true
	case *models.Payment:
		return v, v != nil
	case map[string]interface{}:
		var payment models.Payment
		if err := utils.Decode(v, &payment); err != nil {
			log.Debug().Err(err).Msg("Ignoring unreadable canonical payment")
			return nil, false
		}
		return &payment, true
	default:
		return nil, false
	}
}

func canonicalActions(raw map[string]interface{}) ([]models.ActionApplication, bool) {
	switch v := raw["actionApplications"].(type) {
	case []models.ActionApplication:
		return v, true
	case []interface{}:
		var actions []models.ActionApplication
		if err := utils.Decode(v, &actions); err != nil {
			log.Debug().Err(err).Msg("Ignoring unreadable canonical action applications")
			return nil, false
		}
		return actions, true
	default:
		return nil, false
	}
}

func findApplicant(raw map[string]interface{}, src source) map[string]interface{} {
	if applicant := utils.GetMap(raw, "applicant"); applicant != nil {
		return applicant
	}
	for _, container := range src.containers {
		if applicant := utils.GetMap(container, "applicant"); applicant != nil {
			return applicant
		}
	}
	if applicant := utils.LookupMap(raw, "application", "applicant"); applicant != nil {
		return applicant
	}
	return utils.LookupMap(raw, "answers", "applicant")
}

// convert builds a payment and the action applications from one parcel list
func (n *Normalizer) convert(src source) (models.Payment, []models.ActionApplication) {
	parcelItems := map[int]models.PaymentItem{}
	agreementLevelItems := map[int]models.PaymentItem{}
	var actions []models.ActionApplication

	var itemsTotal, durationTotal int64
	hasDurationTotal := false
	maxDuration := 0

	for _, p := range src.parcels {
		parcel, ok := p.(map[string]interface{})
		if !ok {
			continue
		}
		sheetID := utils.GetStringValue(parcel, "sheetId")
		parcelID := utils.GetStringValue(parcel, "parcelId")

		for _, a := range utils.GetSlice(parcel, "actions") {
			action, ok := a.(map[string]interface{})
			if !ok {
				continue
			}

			code := utils.GetStringValue(action, "code")
			duration := utils.GetIntValue(action, "durationYears")
			if duration > maxDuration {
				maxDuration = duration
			}
			quantity, unit := resolveQuantity(action)

			rates := utils.GetMap(action, "paymentRates")
			rate, hasRate := utils.GetFloat64(rates, "ratePerUnitPence")

			var annual *int64
			if explicit, ok := utils.GetFloat64(action, "annualPaymentPence"); ok {
				annual = pence(explicit)
			} else if hasRate {
				annual = pence(rate * quantity)
			}

			item := models.PaymentItem{
				Code:               code,
				Description:        utils.GetStringValue(action, "description"),
				Quantity:           quantity,
				Unit:               unit,
				AnnualPaymentPence: annual,
				SheetID:            sheetID,
				ParcelID:           parcelID,
				DurationYears:      duration,
			}
			if hasRate {
				r := rate
				item.RateInPence = &r
			}
			parcelItems[len(parcelItems)+1] = item

			var levelAmount int64
			if amount, ok := utils.GetFloat64(rates, "agreementLevelAmountPence"); ok {
				levelAmount = *pence(amount)
				agreementLevelItems[len(agreementLevelItems)+1] = models.PaymentItem{
					Code:               code,
					AnnualPaymentPence: pence(amount),
					DurationYears:      duration,
				}
				itemsTotal += levelAmount
			}

			if annual != nil {
				itemsTotal += *annual
				if duration > 0 {
					durationTotal += (*annual + levelAmount) * int64(duration)
					hasDurationTotal = true
				}
			}

			actions = append(actions, models.ActionApplication{
				Code:          code,
				SheetID:       sheetID,
				ParcelID:      parcelID,
				DurationYears: duration,
				AppliedFor:    &models.Measure{Unit: unit, Quantity: quantity},
			})
		}
	}

	annualTotal := itemsTotal
	if explicit, ok := explicitTotal(src.containers); ok {
		annualTotal = explicit
	}

	years := maxDuration
	if years < 1 {
		years = 1
	}

	start, startText := n.resolveStart(src.containers)
	endText := explicitDate(src.containers, "agreementEndDate", "endDate")
	if endText == "" {
		endText = start.AddDate(years, 0, 0).Format(dateLayout)
	}

	agreementTotal := annualTotal * int64(years)
	if hasDurationTotal {
		agreementTotal = durationTotal
	}

	payment := models.Payment{
		AgreementStartDate:  startText,
		AgreementEndDate:    endText,
		Frequency:           models.FrequencyQuarterly,
		AgreementTotalPence: agreementTotal,
		AnnualTotalPence:    annualTotal,
		ParcelItems:         parcelItems,
		AgreementLevelItems: agreementLevelItems,
		Payments:            buildInstallments(start, annualTotal, parcelItems, agreementLevelItems),
		Currency:            firstString(src.containers, "currency"),
	}
	if len(payment.ParcelItems) == 0 {
		payment.ParcelItems = nil
	}
	if len(payment.AgreementLevelItems) == 0 {
		payment.AgreementLevelItems = nil
	}

	return payment, actions
}

// buildInstallments creates the two quarterly payments. Each item contributes a quarter of its
// annual amount, rounded on its own, so line items may drift from a quarter of the annual total.
func buildInstallments(start time.Time, annualTotal int64, parcelItems, levelItems map[int]models.PaymentItem) []models.Installment {
	var lineItems []models.LineItem
	for _, key := range sortedKeys(parcelItems) {
		lineItems = append(lineItems, models.LineItem{
			ParcelItemID: key,
			PaymentPence: quarterOf(parcelItems[key].AnnualPaymentPence),
		})
	}
	for _, key := range sortedKeys(levelItems) {
		lineItems = append(lineItems, models.LineItem{
			AgreementLevelItemID: key,
			PaymentPence:         quarterOf(levelItems[key].AnnualPaymentPence),
		})
	}

	total := round(float64(annualTotal) / 4)
	if len(lineItems) > 0 {
		total = 0
		for _, line := range lineItems {
			total += line.PaymentPence
		}
	}

	installments := make([]models.Installment, 0, len(installmentOffsets))
	for _, months := range installmentOffsets {
		lines := make([]models.LineItem, len(lineItems))
		copy(lines, lineItems)
		installments = append(installments, models.Installment{
			TotalPaymentPence: total,
			PaymentDate:       start.AddDate(0, months, 0).Format(dateLayout),
			LineItems:         lines,
		})
	}
	return installments
}

func (n *Normalizer) resolveStart(containers []map[string]interface{}) (time.Time, string) {
	text := explicitDate(containers, "agreementStartDate", "startDate")
	if text != "" {
		if t, ok := parseDate(text); ok {
			return t, text
		}
	}
	now := n.now().UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if text != "" {
		return start, text
	}
	return start, start.Format(dateLayout)
}

func resolveQuantity(action map[string]interface{}) (float64, string) {
	for _, key := range []string{"appliedFor", "eligible"} {
		measure := utils.GetMap(action, key)
		if q, ok := utils.GetFloat64(measure, "quantity"); ok {
			return q, utils.GetStringValue(measure, "unit")
		}
	}
	return 0, ""
}

func explicitTotal(containers []map[string]interface{}) (int64, bool) {
	for _, container := range containers {
		for _, key := range []string{"totalAnnualPaymentPence", "annualTotalPence"} {
			if v, ok := utils.GetFloat64(container, key); ok && v > 0 {
				return round(v), true
			}
		}
	}
	return 0, false
}

func explicitDate(containers []map[string]interface{}, keys ...string) string {
	return firstString(containers, keys...)
}

func firstString(containers []map[string]interface{}, keys ...string) string {
	for _, container := range containers {
		if s := utils.FirstString(container, keys...); s != "" {
			return s
		}
	}
	return ""
}

func parseDate(text string) (time.Time, bool) {
	for _, layout := range []string{dateLayout, time.RFC3339, time.RFC3339Nano} {
		if t, err := time.Parse(layout, text); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func sortedKeys(items map[int]models.PaymentItem) []int {
	keys := make([]int, 0, len(items))
	for key := range items {
		keys = append(keys, key)
	}
	sort.Ints(keys)
	return keys
}

func quarterOf(annual *int64) int64 {
	if annual == nil {
		return 0
	}
	return round(float64(*annual) / 4)
}

// round rounds half up, matching how pence amounts are rounded upstream
func round(f float64) int64 {
	return int64(math.Floor(f + 0.5))
}

func pence(f float64) *int64 {
	v := round(f)
	return &v
}
