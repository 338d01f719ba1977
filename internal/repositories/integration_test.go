//go:build integration

package repositories

import (
	"context"
	"os"
	"sync"
	"testing"

	"example.com/backstage/services/agreements/config"
	"example.com/backstage/services/agreements/internal/apperrors"
	"example.com/backstage/services/agreements/internal/database"
	"example.com/backstage/services/agreements/internal/models"
	"example.com/backstage/services/agreements/internal/sequencer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"gorm.io/gorm"
)

// startPostgres boots a Postgres 16 container, or reuses AGREEMENTS_TEST_PG_DSN when set
func startPostgres(t *testing.T) *gorm.DB {
	t.Helper()
	ctx := context.Background()

	dsn := os.Getenv("AGREEMENTS_TEST_PG_DSN")
	if dsn == "" {
		container, err := postgres.Run(ctx,
			"postgres:16",
			postgres.WithDatabase("agreements"),
			postgres.WithUsername("agreements"),
			postgres.WithPassword("agreements"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
		t.Cleanup(func() { _ = container.Terminate(ctx) })

		dsn, err = container.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	db, err := database.Connect(config.DatabaseConfig{Driver: "postgres", DSN: dsn, MaxOpenConns: 10, MaxIdleConns: 5})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { _ = database.Close(db) })
	return db
}

func TestPostgresVersionStore(t *testing.T) {
	db := startPostgres(t)
	repo := NewAgreementRepository(db, db)
	ctx := context.Background()

	agreement, version := newAgreement("FPTT100000001")
	_, err := repo.Create(ctx, agreement, version)
	require.NoError(t, err)

	_, err = repo.Create(ctx, &models.Agreement{AgreementNumber: "FPTT100000001"}, &models.Version{Status: models.StatusOffered})
	assert.True(t, apperrors.IsConflict(err), "unique violation maps to a conflict")

	exists, err := repo.ExistsByKey(ctx, Criteria{NotificationMessageID: "msg-FPTT100000001"})
	require.NoError(t, err)
	assert.True(t, exists)

	// concurrent transitions serialize on the agreement row, each appending its own version
	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.UpdateCurrent(ctx, Criteria{AgreementNumber: "FPTT100000001"}, VersionPatch{Status: models.StatusAccepted})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	view, err := repo.GetCurrent(ctx, Criteria{AgreementNumber: "FPTT100000001"})
	require.NoError(t, err)
	assert.Equal(t, 6, view.Version)
}

func TestPostgresConcurrentFirstInvoices(t *testing.T) {
	db := startPostgres(t)
	repo := NewAgreementRepository(db, db)
	seq := sequencer.New(db)
	ctx := context.Background()

	agreement, version := newAgreement("FPTT100000002")
	_, err := repo.Create(ctx, agreement, version)
	require.NoError(t, err)
	view, err := repo.UpdateCurrent(ctx, Criteria{AgreementNumber: "FPTT100000002"}, VersionPatch{Status: models.StatusAccepted})
	require.NoError(t, err)

	var wg sync.WaitGroup
	claims := make(chan string, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			invoice, err := seq.CreateInvoice(ctx, *view)
			if err == nil {
				claims <- invoice.ClaimID
			}
		}()
	}
	wg.Wait()
	close(claims)

	distinct := map[string]bool{}
	for claim := range claims {
		distinct[claim] = true
	}
	assert.Len(t, distinct, 1, "one claim id per agreement")
}
