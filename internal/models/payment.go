package models

// FrequencyQuarterly is the only schedule the normalizer produces
const FrequencyQuarterly = "Quarterly"

// Payment is the canonical payment breakdown embedded in a Version
type Payment struct {
	AgreementStartDate  string              `json:"agreementStartDate"`
	AgreementEndDate    string              `json:"agreementEndDate"`
	Frequency           string              `json:"frequency"`
	AgreementTotalPence int64               `json:"agreementTotalPence"`
	AnnualTotalPence    int64               `json:"annualTotalPence"`
	ParcelItems         map[int]PaymentItem `json:"parcelItems,omitempty"`
	AgreementLevelItems map[int]PaymentItem `json:"agreementLevelItems,omitempty"`
	Payments            []Installment       `json:"payments"`
	Currency            string              `json:"currency,omitempty"`
}

// PaymentItem is one priced action. Agreement level items carry no parcel reference.
type PaymentItem struct {
	Code               string   `json:"code"`
	Description        string   `json:"description,omitempty"`
	RateInPence        *float64 `json:"rateInPence,omitempty"`
	Quantity           float64  `json:"quantity,omitempty"`
	Unit               string   `json:"unit,omitempty"`
	AnnualPaymentPence *int64   `json:"annualPaymentPence"`
	SheetID            string   `json:"sheetId,omitempty"`
	ParcelID           string   `json:"parcelId,omitempty"`
	DurationYears      int      `json:"durationYears,omitempty"`
}

// Installment is one scheduled payment
type Installment struct {
	TotalPaymentPence int64      `json:"totalPaymentPence"`
	PaymentDate       string     `json:"paymentDate"`
	LineItems         []LineItem `json:"lineItems"`
}

// LineItem references either a parcel item or an agreement level item by its key
type LineItem struct {
	ParcelItemID         int   `json:"parcelItemId,omitempty"`
	AgreementLevelItemID int   `json:"agreementLevelItemId,omitempty"`
	PaymentPence         int64 `json:"paymentPence"`
}

// ActionApplication is an action applied for on a land parcel
type ActionApplication struct {
	Code          string   `json:"code"`
	SheetID       string   `json:"sheetId"`
	ParcelID      string   `json:"parcelId"`
	DurationYears int      `json:"durationYears,omitempty"`
	AppliedFor    *Measure `json:"appliedFor,omitempty"`
}

// Measure is a quantity with its unit
type Measure struct {
	Unit     string  `json:"unit,omitempty"`
	Quantity float64 `json:"quantity"`
}

// FirstInstallment returns the earliest scheduled payment, if any
func (p Payment) FirstInstallment() (Installment, bool) {
	if len(p.Payments) == 0 {
		return Installment{}, false
	}
	return p.Payments[0], true
}
