package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Version statuses
const (
	StatusOffered   = "offered"
	StatusAccepted  = "accepted"
	StatusWithdrawn = "withdrawn"
)

// ClaimIDCounter is the counter minting claim identifiers
const ClaimIDCounter = "claimIds"

// Agreement is the identity record of a grant agreement. Only CurrentVersionID changes after insert.
type Agreement struct {
	ID               uint      `gorm:"primaryKey" json:"-"`
	AgreementNumber  string    `gorm:"type:varchar(32);uniqueIndex;not null" json:"agreementNumber"`
	FRN              string    `gorm:"type:varchar(32);index" json:"frn"`
	SBI              string    `gorm:"type:varchar(32);index" json:"sbi"`
	CreatedBy        string    `gorm:"type:varchar(128)" json:"createdBy"`
	CurrentVersionID *uint     `gorm:"index" json:"-"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Version is an append-only snapshot of an agreement's terms and status
type Version struct {
	ID                    uint                                        `gorm:"primaryKey"`
	AgreementID           uint                                        `gorm:"not null;uniqueIndex:idx_versions_agreement_number,priority:1"`
	Number                int                                         `gorm:"not null;uniqueIndex:idx_versions_agreement_number,priority:2"`
	Status                string                                      `gorm:"type:varchar(20);not null;index"`
	CorrelationID         string                                      `gorm:"type:varchar(64);index"`
	ClientRef             string                                      `gorm:"type:varchar(64);index"`
	Code                  string                                      `gorm:"type:varchar(64)"`
	NotificationMessageID string                                      `gorm:"type:varchar(128);index"`
	Scheme                string                                      `gorm:"type:varchar(32)"`
	AgreementName         string                                      `gorm:"type:varchar(255)"`
	Identifiers           datatypes.JSONType[map[string]interface{}] `gorm:"not null"`
	ActionApplications    datatypes.JSONType[[]ActionApplication]     `gorm:"not null"`
	Payment               datatypes.JSONType[Payment]                 `gorm:"not null"`
	Applicant             datatypes.JSONType[map[string]interface{}] `gorm:"not null"`
	SignatureDate         *time.Time
	CreatedAt             time.Time `gorm:"index"`
}

// Clone copies the snapshot into a new, unsaved Version numbered after v
func (v Version) Clone() Version {
	next := v
	next.ID = 0
	next.Number = v.Number + 1
	next.CreatedAt = time.Time{}
	return next
}

// Invoice pairs an invoice number with the agreement's claim id for one version
type Invoice struct {
	ID              uint           `gorm:"primaryKey" json:"-"`
	AgreementID     uint           `gorm:"not null;uniqueIndex:idx_invoices_agreement_version,priority:1" json:"-"`
	AgreementNumber string         `gorm:"type:varchar(32);index;not null" json:"agreementNumber"`
	VersionNumber   int            `gorm:"not null;uniqueIndex:idx_invoices_agreement_version,priority:2" json:"version"`
	InvoiceNumber   string         `gorm:"type:varchar(32);uniqueIndex;not null" json:"invoiceNumber"`
	ClaimID         string         `gorm:"type:varchar(16);index;not null" json:"claimId"`
	CorrelationID   string         `gorm:"type:varchar(64)" json:"correlationId"`
	Request         datatypes.JSON `json:"request,omitempty"`
	DispatchedAt    *time.Time     `json:"dispatchedAt,omitempty"`
	CreatedAt       time.Time      `gorm:"index" json:"createdAt"`
}

// Counter is a named monotonic sequence
type Counter struct {
	Name  string `gorm:"primaryKey;type:varchar(64)"`
	Value int64  `gorm:"not null"`
}

// AgreementView is an Agreement with its current Version's fields merged on top
type AgreementView struct {
	AgreementID           uint                   `json:"-"`
	VersionID             uint                   `json:"-"`
	AgreementNumber       string                 `json:"agreementNumber"`
	FRN                   string                 `json:"frn"`
	SBI                   string                 `json:"sbi"`
	CreatedBy             string                 `json:"createdBy"`
	Version               int                    `json:"version"`
	Status                string                 `json:"status"`
	CorrelationID         string                 `json:"correlationId"`
	ClientRef             string                 `json:"clientRef"`
	Code                  string                 `json:"code"`
	NotificationMessageID string                 `json:"notificationMessageId,omitempty"`
	Scheme                string                 `json:"scheme"`
	AgreementName         string                 `json:"agreementName"`
	Identifiers           map[string]interface{} `json:"identifiers"`
	ActionApplications    []ActionApplication    `json:"actionApplications"`
	Payment               Payment                `json:"payment"`
	Applicant             map[string]interface{} `json:"applicant"`
	SignatureDate         *time.Time             `json:"signatureDate,omitempty"`
	CreatedAt             time.Time              `json:"createdAt"`
	UpdatedAt             time.Time              `json:"updatedAt"`
}

// NewAgreementView merges the version onto the agreement
func NewAgreementView(a Agreement, v Version) AgreementView {
	return AgreementView{
		AgreementID:           a.ID,
		VersionID:             v.ID,
		AgreementNumber:       a.AgreementNumber,
		FRN:                   a.FRN,
		SBI:                   a.SBI,
		CreatedBy:             a.CreatedBy,
		Version:               v.Number,
		Status:                v.Status,
		CorrelationID:         v.CorrelationID,
		ClientRef:             v.ClientRef,
		Code:                  v.Code,
		NotificationMessageID: v.NotificationMessageID,
		Scheme:                v.Scheme,
		AgreementName:         v.AgreementName,
		Identifiers:           v.Identifiers.Data(),
		ActionApplications:    v.ActionApplications.Data(),
		Payment:               v.Payment.Data(),
		Applicant:             v.Applicant.Data(),
		SignatureDate:         v.SignatureDate,
		CreatedAt:             a.CreatedAt,
		UpdatedAt:             v.CreatedAt,
	}
}

// SetupModels runs the schema migrations
func SetupModels(db *gorm.DB) error {
	return db.AutoMigrate(
		&Agreement{},
		&Version{},
		&Invoice{},
		&Counter{},
	)
}
