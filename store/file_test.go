package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadencer/models"
)

func testLead(email string) *models.LeadCadenceState {
	started := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	return &models.LeadCadenceState{
		Email:          email,
		CadenceID:      "default_21day",
		Tier:           "tier2",
		StartedAt:      started,
		CurrentStep:    0,
		Status:         models.StatusActive,
		StepsCompleted: []models.StepCompletion{},
		NextStepDue:    models.DateOf(started),
		UpdatedAt:      started,
	}
}

func setupFileStore(t *testing.T) *FileStore {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestFileStore_PutGet(t *testing.T) {
	s := setupFileStore(t)
	ctx := context.Background()

	err := s.Put(ctx, testLead("Jane.Doe@Example.com"))
	require.NoError(t, err)

	// Lookups are case-insensitive because the key is canonicalized.
	got, err := s.Get(ctx, "jane.doe@example.com")
	require.NoError(t, err)
	assert.Equal(t, "jane.doe@example.com", got.Email)
	assert.Equal(t, "default_21day", got.CadenceID)
	assert.Equal(t, int64(1), got.Version)
}

func TestFileStore_GetNotFound(t *testing.T) {
	s := setupFileStore(t)

	_, err := s.Get(context.Background(), "nobody@example.com")
	assert.True(t, IsNotFound(err))
}

func TestFileStore_FilenameEncoding(t *testing.T) {
	assert.Equal(t, "user_at_example_com", EncodeEmailFilename("user@example.com"))
	assert.Equal(t, "jane_doe_at_corp_example_co", EncodeEmailFilename("Jane.Doe@corp.example.co"))
	assert.Equal(t, "a_b_at_x_io", EncodeEmailFilename("a+b@x.io"))
}

func TestFileStore_FileOnDisk(t *testing.T) {
	s := setupFileStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testLead("user@example.com")))

	// The record lands under leads/ with the encoded name.
	_, err := os.Stat(filepath.Join(s.Dir(), "leads", "user_at_example_com.json"))
	require.NoError(t, err)
}

func TestFileStore_CorruptRecord(t *testing.T) {
	s := setupFileStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testLead("good@example.com")))

	bad := filepath.Join(s.Dir(), "leads", "bad_at_example_com.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o644))

	// Get on the corrupt lead reports corruption, not absence.
	_, err := s.Get(ctx, "bad@example.com")
	assert.True(t, IsCorrupt(err))
	assert.False(t, IsNotFound(err))

	// List still returns the healthy lead and reports the bad one.
	states, recErrs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "good@example.com", states[0].Email)
	require.Len(t, recErrs, 1)
	assert.True(t, IsCorrupt(recErrs[0].Err))
}

func TestFileStore_AtomicUpdate(t *testing.T) {
	s := setupFileStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testLead("user@example.com")))

	updated, err := s.AtomicUpdate(ctx, "user@example.com", func(st *models.LeadCadenceState) error {
		st.CurrentStep = 3
		st.LinkedInConnected = true
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, updated.CurrentStep)
	assert.Equal(t, int64(2), updated.Version)

	got, err := s.Get(ctx, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, 3, got.CurrentStep)
	assert.True(t, got.LinkedInConnected)
}

func TestFileStore_AtomicUpdateNotFound(t *testing.T) {
	s := setupFileStore(t)

	_, err := s.AtomicUpdate(context.Background(), "ghost@example.com", func(st *models.LeadCadenceState) error {
		t.Fatal("update fn must not run for a missing lead")
		return nil
	})
	assert.True(t, IsNotFound(err))
}

func TestFileStore_AtomicUpdateAborts(t *testing.T) {
	s := setupFileStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, testLead("user@example.com")))

	boom := assert.AnError
	_, err := s.AtomicUpdate(ctx, "user@example.com", func(st *models.LeadCadenceState) error {
		st.CurrentStep = 99
		return boom
	})
	require.ErrorIs(t, err, boom)

	// Nothing was written.
	got, err := s.Get(ctx, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentStep)
	assert.Equal(t, int64(1), got.Version)
}

func TestFileStore_ListActive(t *testing.T) {
	s := setupFileStore(t)
	ctx := context.Background()

	active := testLead("active@example.com")
	paused := testLead("paused@example.com")
	paused.Status = models.StatusPaused
	exited := testLead("exited@example.com")
	exited.Status = models.StatusExited
	exited.ExitReason = models.ExitReplied

	require.NoError(t, s.Put(ctx, active))
	require.NoError(t, s.Put(ctx, paused))
	require.NoError(t, s.Put(ctx, exited))

	states, recErrs, err := s.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, recErrs)
	require.Len(t, states, 1)
	assert.Equal(t, "active@example.com", states[0].Email)

	all, _, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestFileStore_EmptyDir(t *testing.T) {
	s := setupFileStore(t)

	states, recErrs, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, states)
	assert.Empty(t, recErrs)
}
