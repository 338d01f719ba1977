package repositories

import (
	"context"
	"strings"
	"time"

	"example.com/backstage/services/agreements/internal/apperrors"
	"example.com/backstage/services/agreements/internal/database"
	"example.com/backstage/services/agreements/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultPendingLimit = 100

// Criteria selects an agreement. Agreement fields match the identity record,
// version fields match any version of the agreement. Set fields are ANDed.
type Criteria struct {
	AgreementNumber       string
	SBI                   string
	FRN                   string
	ClientRef             string
	CorrelationID         string
	NotificationMessageID string
}

// IsEmpty reports whether no field is set
func (c Criteria) IsEmpty() bool {
	return c == Criteria{}
}

// VersionPatch is applied to a copy of the current version. Zero fields are left unchanged.
type VersionPatch struct {
	Status        string
	SignatureDate *time.Time
	CorrelationID string
	// AllowedFrom, when set, lists the statuses the current version may be in
	AllowedFrom []string
}

func (p VersionPatch) permits(status string) bool {
	if len(p.AllowedFrom) == 0 {
		return true
	}
	for _, allowed := range p.AllowedFrom {
		if allowed == status {
			return true
		}
	}
	return false
}

func (p VersionPatch) apply(v *models.Version) {
	if p.Status != "" {
		v.Status = p.Status
	}
	if p.SignatureDate != nil {
		v.SignatureDate = p.SignatureDate
	}
	if p.CorrelationID != "" {
		v.CorrelationID = p.CorrelationID
	}
}

// AgreementRepository stores agreements and their append-only versions
type AgreementRepository struct {
	db         *gorm.DB // Write database
	readOnlyDB *gorm.DB // Read-only database
}

// NewAgreementRepository creates a new agreement repository
func NewAgreementRepository(db *gorm.DB, readOnlyDB *gorm.DB) *AgreementRepository {
	if readOnlyDB == nil {
		readOnlyDB = db
	}
	return &AgreementRepository{
		db:         db,
		readOnlyDB: readOnlyDB,
	}
}

// ExistsByKey reports whether any agreement matches the criteria.
// It reads the write database so a redelivered create event sees the first delivery's insert.
func (r *AgreementRepository) ExistsByKey(ctx context.Context, criteria Criteria) (bool, error) {
	if criteria.IsEmpty() {
		return false, apperrors.Validation("at least one lookup field is required")
	}

	var ids []uint
	err := matching(r.db.WithContext(ctx), criteria).
		Limit(1).
		Pluck("agreements.id", &ids).Error
	if err != nil {
		return false, apperrors.Internal(err, "failed to check agreement existence")
	}
	return len(ids) > 0, nil
}

// Create inserts the agreement and its first version and points the agreement at it
func (r *AgreementRepository) Create(ctx context.Context, agreement *models.Agreement, version *models.Version) (*models.AgreementView, error) {
	if agreement.AgreementNumber == "" {
		return nil, apperrors.Validation("agreement number is required")
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		agreement.CurrentVersionID = nil
		if err := tx.Create(agreement).Error; err != nil {
			if database.IsDuplicateKey(err) {
				return apperrors.Conflict("agreement %s already exists", agreement.AgreementNumber)
			}
			return apperrors.Internal(err, "failed to create agreement")
		}

		version.ID = 0
		version.AgreementID = agreement.ID
		version.Number = 1
		if err := tx.Create(version).Error; err != nil {
			return apperrors.Internal(err, "failed to create agreement version")
		}

		return setCurrent(tx, agreement, version)
	})
	if err != nil {
		return nil, err
	}

	view := models.NewAgreementView(*agreement, *version)
	return &view, nil
}

// GetCurrent returns the agreement merged with its current version
func (r *AgreementRepository) GetCurrent(ctx context.Context, criteria Criteria) (*models.AgreementView, error) {
	if criteria.IsEmpty() {
		return nil, apperrors.Validation("at least one lookup field is required")
	}

	db := r.readOnlyDB.WithContext(ctx)
	agreement, err := findAgreement(matching(db, criteria), criteria)
	if err != nil {
		return nil, err
	}
	version, err := currentVersion(db, agreement)
	if err != nil {
		return nil, err
	}

	view := models.NewAgreementView(*agreement, *version)
	return &view, nil
}

// UpdateCurrent appends a copy of the current version with the patch applied and
// makes it current. The agreement row stays locked until the pointer has moved.
func (r *AgreementRepository) UpdateCurrent(ctx context.Context, criteria Criteria, patch VersionPatch) (*models.AgreementView, error) {
	if criteria.IsEmpty() {
		return nil, apperrors.Validation("at least one lookup field is required")
	}

	var view models.AgreementView
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		agreement, err := findAgreement(matching(tx, criteria).Clauses(clause.Locking{Strength: "UPDATE"}), criteria)
		if err != nil {
			return err
		}
		current, err := currentVersion(tx, agreement)
		if err != nil {
			return err
		}

		if !patch.permits(current.Status) {
			return apperrors.Conflict("agreement %s is %s", agreement.AgreementNumber, current.Status)
		}

		next := current.Clone()
		patch.apply(&next)
		if err := tx.Create(&next).Error; err != nil {
			if database.IsDuplicateKey(err) {
				return apperrors.Conflict("agreement %s version %d was written concurrently", agreement.AgreementNumber, next.Number)
			}
			return apperrors.Internal(err, "failed to append agreement version")
		}

		if err := setCurrent(tx, agreement, &next); err != nil {
			return err
		}
		view = models.NewAgreementView(*agreement, next)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// ListVersions returns every version of an agreement, oldest first
func (r *AgreementRepository) ListVersions(ctx context.Context, criteria Criteria) ([]models.Version, error) {
	if criteria.IsEmpty() {
		return nil, apperrors.Validation("at least one lookup field is required")
	}

	db := r.readOnlyDB.WithContext(ctx)
	agreement, err := findAgreement(matching(db, criteria), criteria)
	if err != nil {
		return nil, err
	}

	var versions []models.Version
	if err := db.Where("agreement_id = ?", agreement.ID).Order("number ASC").Find(&versions).Error; err != nil {
		return nil, apperrors.Internal(err, "failed to list agreement versions")
	}
	return versions, nil
}

// ListPendingDispatch returns accepted agreements whose current version has no
// invoice yet, or an invoice that was never dispatched
func (r *AgreementRepository) ListPendingDispatch(ctx context.Context, limit int) ([]models.AgreementView, error) {
	if limit <= 0 {
		limit = defaultPendingLimit
	}
	db := r.readOnlyDB.WithContext(ctx)

	var agreements []models.Agreement
	err := db.
		Select("agreements.*").
		Joins("JOIN versions ON versions.id = agreements.current_version_id").
		Joins("LEFT JOIN invoices ON invoices.agreement_id = agreements.id AND invoices.version_number = versions.number").
		Where("versions.status = ? AND (invoices.id IS NULL OR invoices.dispatched_at IS NULL)", models.StatusAccepted).
		Order("agreements.id ASC").
		Limit(limit).
		Find(&agreements).Error
	if err != nil {
		return nil, apperrors.Internal(err, "failed to list agreements pending dispatch")
	}
	if len(agreements) == 0 {
		return nil, nil
	}

	ids := make([]uint, 0, len(agreements))
	for _, agreement := range agreements {
		ids = append(ids, *agreement.CurrentVersionID)
	}
	var versions []models.Version
	if err := db.Where("id IN ?", ids).Find(&versions).Error; err != nil {
		return nil, apperrors.Internal(err, "failed to load current versions")
	}
	byID := make(map[uint]models.Version, len(versions))
	for _, version := range versions {
		byID[version.ID] = version
	}

	views := make([]models.AgreementView, 0, len(agreements))
	for _, agreement := range agreements {
		if version, ok := byID[*agreement.CurrentVersionID]; ok {
			views = append(views, models.NewAgreementView(agreement, version))
		}
	}
	return views, nil
}

// matching scopes a query on agreements to the criteria
func matching(db *gorm.DB, criteria Criteria) *gorm.DB {
	query := db.Model(&models.Agreement{})
	if criteria.AgreementNumber != "" {
		query = query.Where("agreements.agreement_number = ?", criteria.AgreementNumber)
	}
	if criteria.SBI != "" {
		query = query.Where("agreements.sbi = ?", criteria.SBI)
	}
	if criteria.FRN != "" {
		query = query.Where("agreements.frn = ?", criteria.FRN)
	}

	var conditions []string
	var args []interface{}
	if criteria.ClientRef != "" {
		conditions = append(conditions, "versions.client_ref = ?")
		args = append(args, criteria.ClientRef)
	}
	if criteria.CorrelationID != "" {
		conditions = append(conditions, "versions.correlation_id = ?")
		args = append(args, criteria.CorrelationID)
	}
	if criteria.NotificationMessageID != "" {
		conditions = append(conditions, "versions.notification_message_id = ?")
		args = append(args, criteria.NotificationMessageID)
	}
	if len(conditions) > 0 {
		query = query.Where(
			"EXISTS (SELECT 1 FROM versions WHERE versions.agreement_id = agreements.id AND "+strings.Join(conditions, " AND ")+")",
			args...,
		)
	}
	return query
}

// findAgreement returns the most recently created agreement of the scoped query
func findAgreement(query *gorm.DB, criteria Criteria) (*models.Agreement, error) {
	var agreement models.Agreement
	err := query.Order("agreements.created_at DESC, agreements.id DESC").First(&agreement).Error
	if err != nil {
		if database.IsRecordNotFound(err) {
			return nil, apperrors.NotFound("agreement not found for %s", describe(criteria))
		}
		return nil, apperrors.Internal(err, "failed to load agreement")
	}
	return &agreement, nil
}

// currentVersion follows the agreement's pointer. Rows written before the pointer
// existed fall back to the newest version by creation time, ties broken by id.
func currentVersion(db *gorm.DB, agreement *models.Agreement) (*models.Version, error) {
	var version models.Version
	if agreement.CurrentVersionID != nil {
		err := db.Where("id = ? AND agreement_id = ?", *agreement.CurrentVersionID, agreement.ID).First(&version).Error
		if err == nil {
			return &version, nil
		}
		if !database.IsRecordNotFound(err) {
			return nil, apperrors.Internal(err, "failed to load current version")
		}
	}

	err := db.Where("agreement_id = ?", agreement.ID).Order("created_at DESC, id DESC").First(&version).Error
	if err != nil {
		if database.IsRecordNotFound(err) {
			return nil, apperrors.NotFound("agreement %s has no versions", agreement.AgreementNumber)
		}
		return nil, apperrors.Internal(err, "failed to load latest version")
	}
	return &version, nil
}

func setCurrent(tx *gorm.DB, agreement *models.Agreement, version *models.Version) error {
	if err := tx.Model(agreement).Update("current_version_id", version.ID).Error; err != nil {
		return apperrors.Internal(err, "failed to move current version")
	}
	agreement.CurrentVersionID = &version.ID
	return nil
}

func describe(c Criteria) string {
	var parts []string
	add := func(name, value string) {
		if value != "" {
			parts = append(parts, name+"="+value)
		}
	}
	add("agreementNumber", c.AgreementNumber)
	add("sbi", c.SBI)
	add("frn", c.FRN)
	add("clientRef", c.ClientRef)
	add("correlationId", c.CorrelationID)
	add("notificationMessageId", c.NotificationMessageID)
	return strings.Join(parts, ", ")
}
