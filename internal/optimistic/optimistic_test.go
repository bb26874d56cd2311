package optimistic

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fablenest/fablenest/internal/apperror"
)

// counterDoc is a minimal versioned document for exercising the protocol.
type counterDoc struct {
	Value   int
	Version int64
}

// contendedStore simulates a store where another writer bumps the version
// underneath us for the first `conflicts` saves.
type contendedStore struct {
	doc       counterDoc
	conflicts int
	loads     int
	saves     int
}

func (s *contendedStore) load(context.Context) (*counterDoc, error) {
	s.loads++
	snapshot := s.doc
	return &snapshot, nil
}

func (s *contendedStore) save(_ context.Context, doc *counterDoc) error {
	s.saves++
	if s.conflicts > 0 {
		s.conflicts--
		// A rival writer committed first: bump the stored version so the
		// retry sees fresh state.
		s.doc.Version++
		return ErrVersionConflict
	}
	if doc.Version != s.doc.Version {
		return ErrVersionConflict
	}
	s.doc = *doc
	s.doc.Version++
	return nil
}

func TestUpdate_SucceedsFirstAttempt(t *testing.T) {
	store := &contendedStore{doc: counterDoc{Value: 10}}

	got, err := Update(context.Background(), DefaultAttempts,
		store.load,
		func(d *counterDoc) error { d.Value++; return nil },
		store.save,
	)

	require.NoError(t, err)
	require.Equal(t, 11, got.Value)
	require.Equal(t, 1, store.loads)
	require.Equal(t, 11, store.doc.Value)
}

func TestUpdate_RetriesThroughConflicts(t *testing.T) {
	store := &contendedStore{doc: counterDoc{Value: 5}, conflicts: 2}

	got, err := Update(context.Background(), 3,
		store.load,
		func(d *counterDoc) error { d.Value++; return nil },
		store.save,
	)

	require.NoError(t, err)
	require.Equal(t, 6, got.Value)
	// Two lost races plus the winning attempt.
	require.Equal(t, 3, store.loads)
	require.Equal(t, 3, store.saves)
}

func TestUpdate_ExhaustedRetriesReturnsConflict(t *testing.T) {
	store := &contendedStore{doc: counterDoc{}, conflicts: 99}

	_, err := Update(context.Background(), 3,
		store.load,
		func(d *counterDoc) error { d.Value++; return nil },
		store.save,
	)

	require.Error(t, err)
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, "conflict", appErr.Type)
	require.Equal(t, 3, store.saves)
}

func TestUpdate_MutateErrorIsNotRetried(t *testing.T) {
	store := &contendedStore{doc: counterDoc{Value: 3}}
	boom := errors.New("insufficient balance")

	_, err := Update(context.Background(), 3,
		store.load,
		func(*counterDoc) error { return boom },
		store.save,
	)

	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, store.loads)
	require.Zero(t, store.saves)
	require.Equal(t, 3, store.doc.Value)
}

func TestUpdate_LoadErrorAborts(t *testing.T) {
	boom := errors.New("connection reset")

	_, err := Update(context.Background(), 3,
		func(context.Context) (*counterDoc, error) { return nil, boom },
		func(*counterDoc) error { return nil },
		func(context.Context, *counterDoc) error { return nil },
	)

	require.ErrorIs(t, err, boom)
}

// Two writers toggling membership on the same set must both land: the loser
// of the first race reloads and applies its toggle on top of the winner's
// committed state.
func TestUpdate_InterleavedTogglesBothLand(t *testing.T) {
	store := &contendedStore{doc: counterDoc{Value: 0}}

	for i := 0; i < 2; i++ {
		_, err := Update(context.Background(), DefaultAttempts,
			store.load,
			func(d *counterDoc) error { d.Value++; return nil },
			store.save,
		)
		require.NoError(t, err)
	}

	require.Equal(t, 2, store.doc.Value)
}
