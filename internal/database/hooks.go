package database

import (
	"time"

	"example.com/backstage/services/agreements/internal/metrics"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

const startTimeKey = "metrics:start_time"

// RegisterMetricsHooks records the duration and outcome of every create, query, update and delete
// as db_<operation> timers and error rates. Missing records are not counted as errors.
func RegisterMetricsHooks(db *gorm.DB, m *metrics.Metrics) error {
	callbacks := db.Callback()
	after := func(name string) func(*gorm.DB) {
		return func(tx *gorm.DB) { record(tx, m, name) }
	}

	registrations := []error{
		callbacks.Create().Before("gorm:create").Register("metrics:before_create", startTimer),
		callbacks.Create().After("gorm:create").Register("metrics:after_create", after("db_create")),
		callbacks.Query().Before("gorm:query").Register("metrics:before_query", startTimer),
		callbacks.Query().After("gorm:query").Register("metrics:after_query", after("db_query")),
		callbacks.Update().Before("gorm:update").Register("metrics:before_update", startTimer),
		callbacks.Update().After("gorm:update").Register("metrics:after_update", after("db_update")),
		callbacks.Delete().Before("gorm:delete").Register("metrics:before_delete", startTimer),
		callbacks.Delete().After("gorm:delete").Register("metrics:after_delete", after("db_delete")),
	}
	for _, err := range registrations {
		if err != nil {
			return errors.Wrap(err, "failed to register database metrics hooks")
		}
	}
	return nil
}

func startTimer(tx *gorm.DB) {
	tx.InstanceSet(startTimeKey, time.Now())
}

func record(tx *gorm.DB, m *metrics.Metrics, name string) {
	if start, ok := tx.InstanceGet(startTimeKey); ok {
		m.RecordTimer(name, time.Since(start.(time.Time)))
	}

	err := tx.Error
	if IsRecordNotFound(err) {
		err = nil
	}
	m.RecordResult(name, err)
}
