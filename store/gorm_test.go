package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"cadencer/models"
)

// setupGormStore connects to the database named by TEST_DATABASE_DSN and
// skips otherwise, so the suite passes without a local Postgres.
func setupGormStore(t *testing.T) *GormStore {
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TEST_DATABASE_DSN not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)

	s, err := NewGormStore(db)
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Exec("DELETE FROM lead_cadence_states WHERE email LIKE ?", "%@gormtest.example")
		s.Close()
	})
	return s
}

func TestGormStore_RoundTrip(t *testing.T) {
	s := setupGormStore(t)
	ctx := context.Background()

	lead := testLead("roundtrip@gormtest.example")
	lead.StepsCompleted = []models.StepCompletion{{StepIndex: 0, CompletedAt: lead.StartedAt}}
	require.NoError(t, s.Put(ctx, lead))

	got, err := s.Get(ctx, "roundtrip@gormtest.example")
	require.NoError(t, err)
	assert.Equal(t, lead.CadenceID, got.CadenceID)
	require.Len(t, got.StepsCompleted, 1)
	assert.Equal(t, 0, got.StepsCompleted[0].StepIndex)

	_, err = s.Get(ctx, "missing@gormtest.example")
	assert.True(t, IsNotFound(err))
}

func TestGormStore_AtomicUpdate(t *testing.T) {
	s := setupGormStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testLead("atomic@gormtest.example")))

	updated, err := s.AtomicUpdate(ctx, "atomic@gormtest.example", func(st *models.LeadCadenceState) error {
		st.Status = models.StatusPaused
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaused, updated.Status)

	active, _, err := s.ListActive(ctx)
	require.NoError(t, err)
	for _, st := range active {
		assert.NotEqual(t, "atomic@gormtest.example", st.Email)
	}
}
