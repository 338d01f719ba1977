// Package paymenthub builds and dispatches payment requests for accepted agreements.
package paymenthub

import (
	"fmt"
	"strings"
	"time"

	"example.com/backstage/services/agreements/internal/apperrors"
	"example.com/backstage/services/agreements/internal/models"

	"github.com/shopspring/decimal"
)

const (
	defaultCurrency   = "GBP"
	quarterlySchedule = "T4"
)

// Options carries the configuration the builder needs
type Options struct {
	SourceSystem string
	// SchemeCodes maps action codes, lowercased, to payment hub scheme codes
	SchemeCodes map[string]string
}

// Request is the payload the payment hub accepts
type Request struct {
	SourceSystem         string        `json:"sourceSystem"`
	FRN                  string        `json:"frn"`
	SBI                  string        `json:"sbi"`
	MarketingYear        int           `json:"marketingYear"`
	PaymentRequestNumber int           `json:"paymentRequestNumber"`
	CorrelationID        string        `json:"correlationId"`
	InvoiceNumber        string        `json:"invoiceNumber"`
	AgreementNumber      string        `json:"agreementNumber"`
	Schedule             string        `json:"schedule,omitempty"`
	DueDate              string        `json:"dueDate"`
	Value                float64       `json:"value"`
	Currency             string        `json:"currency"`
	InvoiceLines         []InvoiceLine `json:"invoiceLines"`
}

// InvoiceLine is one priced item of the first installment, in pounds
type InvoiceLine struct {
	Value       float64 `json:"value"`
	Description string  `json:"description"`
	SchemeCode  string  `json:"schemeCode"`
}

// BuildRequest maps the agreement's current version and its invoice onto a payment request.
// Only the items of the first scheduled installment are invoiced.
func BuildRequest(view models.AgreementView, invoice *models.Invoice, opts Options) (*Request, error) {
	if invoice == nil {
		return nil, apperrors.Validation("agreement %s has no invoice", view.AgreementNumber)
	}
	payment := view.Payment
	first, ok := payment.FirstInstallment()
	if !ok {
		return nil, apperrors.Validation("agreement %s has no scheduled payments", view.AgreementNumber)
	}

	lines := make([]InvoiceLine, 0, len(first.LineItems))
	for _, item := range first.LineItems {
		line, err := invoiceLine(payment, item, opts)
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}

	currency := payment.Currency
	if currency == "" {
		currency = defaultCurrency
	}

	request := &Request{
		SourceSystem:         opts.SourceSystem,
		FRN:                  view.FRN,
		SBI:                  view.SBI,
		MarketingYear:        marketingYear(payment.AgreementStartDate, first.PaymentDate),
		PaymentRequestNumber: view.Version,
		CorrelationID:        view.CorrelationID,
		InvoiceNumber:        invoice.InvoiceNumber,
		AgreementNumber:      view.AgreementNumber,
		DueDate:              first.PaymentDate,
		Value:                penceToPounds(first.TotalPaymentPence),
		Currency:             currency,
		InvoiceLines:         lines,
	}
	if strings.EqualFold(payment.Frequency, models.FrequencyQuarterly) {
		request.Schedule = quarterlySchedule
	}
	return request, nil
}

func invoiceLine(payment models.Payment, item models.LineItem, opts Options) (InvoiceLine, error) {
	var code, description string
	switch {
	case item.ParcelItemID != 0:
		parcelItem, ok := payment.ParcelItems[item.ParcelItemID]
		if !ok {
			return InvoiceLine{}, apperrors.Validation("line item references unknown parcel item %d", item.ParcelItemID)
		}
		code = parcelItem.Code
		description = fmt.Sprintf("%s: %s %s", parcelItem.Code, parcelItem.SheetID, parcelItem.ParcelID)
	case item.AgreementLevelItemID != 0:
		levelItem, ok := payment.AgreementLevelItems[item.AgreementLevelItemID]
		if !ok {
			return InvoiceLine{}, apperrors.Validation("line item references unknown agreement level item %d", item.AgreementLevelItemID)
		}
		code = levelItem.Code
		description = fmt.Sprintf("%s: agreement level", levelItem.Code)
	default:
		return InvoiceLine{}, apperrors.Validation("line item references no payment item")
	}

	return InvoiceLine{
		Value:       penceToPounds(item.PaymentPence),
		Description: description,
		SchemeCode:  schemeCode(code, opts.SchemeCodes),
	}, nil
}

func schemeCode(code string, codes map[string]string) string {
	if mapped, ok := codes[strings.ToLower(code)]; ok && mapped != "" {
		return mapped
	}
	return code
}

func marketingYear(dates ...string) int {
	for _, date := range dates {
		if parsed, err := time.Parse("2006-01-02", date); err == nil {
			return parsed.Year()
		}
	}
	return 0
}

func penceToPounds(pence int64) float64 {
	return decimal.New(pence, -2).InexactFloat64()
}
