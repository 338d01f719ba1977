package models

import (
	"encoding/json"
	"math"

	"example.com/backstage/services/agreements/internal/utils"
)

// number reads a JSON number or numeric string. Anything else, including null, leaves it unset.
type number struct {
	value float64
	set   bool
}

func (n *number) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	f, ok := utils.ToFloat64(raw)
	if ok && utils.IsFinite(f) {
		n.value, n.set = f, true
	}
	return nil
}

// pence rounds half up to whole pence
func (n number) pence() int64 {
	if !n.set {
		return 0
	}
	return int64(math.Floor(n.value + 0.5))
}

func (n number) penceRef() *int64 {
	if !n.set {
		return nil
	}
	v := n.pence()
	return &v
}

func (n number) floatRef() *float64 {
	if !n.set {
		return nil
	}
	v := n.value
	return &v
}

// UnmarshalJSON accepts pence totals as numbers, fractional numbers or numeric strings
func (p *Payment) UnmarshalJSON(data []byte) error {
	type plain Payment
	aux := struct {
		*plain
		AgreementTotalPence number `json:"agreementTotalPence"`
		AnnualTotalPence    number `json:"annualTotalPence"`
	}{plain: (*plain)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p.AgreementTotalPence = aux.AgreementTotalPence.pence()
	p.AnnualTotalPence = aux.AnnualTotalPence.pence()
	return nil
}

func (i *PaymentItem) UnmarshalJSON(data []byte) error {
	type plain PaymentItem
	aux := struct {
		*plain
		RateInPence        number `json:"rateInPence"`
		Quantity           number `json:"quantity"`
		AnnualPaymentPence number `json:"annualPaymentPence"`
		DurationYears      number `json:"durationYears"`
	}{plain: (*plain)(i)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	i.RateInPence = aux.RateInPence.floatRef()
	i.Quantity = aux.Quantity.value
	i.AnnualPaymentPence = aux.AnnualPaymentPence.penceRef()
	i.DurationYears = int(aux.DurationYears.value)
	return nil
}

func (i *Installment) UnmarshalJSON(data []byte) error {
	type plain Installment
	aux := struct {
		*plain
		TotalPaymentPence number `json:"totalPaymentPence"`
	}{plain: (*plain)(i)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	i.TotalPaymentPence = aux.TotalPaymentPence.pence()
	return nil
}

func (l *LineItem) UnmarshalJSON(data []byte) error {
	type plain LineItem
	aux := struct {
		*plain
		ParcelItemID         number `json:"parcelItemId"`
		AgreementLevelItemID number `json:"agreementLevelItemId"`
		PaymentPence         number `json:"paymentPence"`
	}{plain: (*plain)(l)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	l.ParcelItemID = int(aux.ParcelItemID.value)
	l.AgreementLevelItemID = int(aux.AgreementLevelItemID.value)
	l.PaymentPence = aux.PaymentPence.pence()
	return nil
}

func (a *ActionApplication) UnmarshalJSON(data []byte) error {
	type plain ActionApplication
	aux := struct {
		*plain
		DurationYears number `json:"durationYears"`
	}{plain: (*plain)(a)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	a.DurationYears = int(aux.DurationYears.value)
	return nil
}

func (m *Measure) UnmarshalJSON(data []byte) error {
	type plain Measure
	aux := struct {
		*plain
		Quantity number `json:"quantity"`
	}{plain: (*plain)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.Quantity = aux.Quantity.value
	return nil
}
