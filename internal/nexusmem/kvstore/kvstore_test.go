package kvstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSetGetDelete(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Set("archived:c1", "summary text"))
	v, ok := s.Get("archived:c1")
	require.True(t, ok)
	assert.Equal(t, "summary text", v)

	require.NoError(t, s.Delete("archived:c1"))
	_, ok = s.Get("archived:c1")
	assert.False(t, ok)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Delete("never-existed"))
}

func TestKeysWithPrefix(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Set("archived:c1", "x"))
	require.NoError(t, s.Set("archived:c2", "y"))
	require.NoError(t, s.Set("rehydratable:c3", "z"))
	keys := s.Keys("archived:")
	assert.ElementsMatch(t, []string{"archived:c1", "archived:c2"}, keys)
}

func TestObservationTimelineFiltersAndOrders(t *testing.T) {
	s := openTestStore(t)
	base := time.Now().UTC()
	require.NoError(t, s.RecordObservation(Observation{Tool: "t", Type: "note", Project: "demo", SessionID: "s1", Timestamp: base}))
	require.NoError(t, s.RecordObservation(Observation{Tool: "t", Type: "note", Project: "demo", SessionID: "s1", Timestamp: base.Add(time.Second)}))
	require.NoError(t, s.RecordObservation(Observation{Tool: "t", Type: "other", Project: "demo", SessionID: "s1", Timestamp: base.Add(2 * time.Second)}))

	obs := s.GetObservations("s1", "demo", "note", time.Time{}, 0)
	require.Len(t, obs, 2)
	assert.True(t, obs[0].Timestamp.After(obs[1].Timestamp))
}
