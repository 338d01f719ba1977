package database

import (
	"testing"

	"example.com/backstage/services/agreements/config"
	"example.com/backstage/services/agreements/internal/models"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestOpenInMemoryMigrates(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer Close(db)

	for _, table := range []interface{}{&models.Agreement{}, &models.Version{}, &models.Invoice{}, &models.Counter{}} {
		assert.True(t, db.Migrator().HasTable(table))
	}
}

func TestConnectRejectsUnknownDriver(t *testing.T) {
	_, err := Connect(config.DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)
}

func TestIsDuplicateKey(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer Close(db)

	require.NoError(t, db.Create(&models.Counter{Name: "claimIds", Value: 1}).Error)
	err = db.Create(&models.Counter{Name: "claimIds", Value: 2}).Error
	require.Error(t, err)
	assert.True(t, IsDuplicateKey(err))

	assert.True(t, IsDuplicateKey(errors.Wrap(&pgconn.PgError{Code: "23505"}, "insert")))
	assert.True(t, IsDuplicateKey(gorm.ErrDuplicatedKey))
	assert.False(t, IsDuplicateKey(&pgconn.PgError{Code: "23503"}))
	assert.False(t, IsDuplicateKey(nil))
}

func TestIsRecordNotFound(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer Close(db)

	var counter models.Counter
	err = db.First(&counter, "name = ?", "missing").Error
	assert.True(t, IsRecordNotFound(err))
}
