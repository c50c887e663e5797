package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xpanel-dev/xpanel/api"
)

func TestUserStoreMissingFileIsEmpty(t *testing.T) {
	s := NewUserStore(filepath.Join(t.TempDir(), "users.json"))

	users, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, users)

	id, err := s.NextID()
	require.NoError(t, err)
	assert.Equal(t, 1, id)
}

func TestUserStoreRoundTrip(t *testing.T) {
	s := NewUserStore(filepath.Join(t.TempDir(), "users.json"))

	in := []api.UserRecord{
		{ID: 1, Username: "alice", StatKey: "alice", QuotaGB: 10, Enabled: true},
		{ID: 4, Username: "bob", StatKey: "bob", QuotaGB: api.QuotaUnlimited, Enabled: false},
	}
	require.NoError(t, s.Replace(in))

	out, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, in, out)

	// NextID follows the highest assigned id, not the list length.
	id, err := s.NextID()
	require.NoError(t, err)
	assert.Equal(t, 5, id)
}

func TestUserStoreCorruptFileErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewUserStore(path).List()
	assert.Error(t, err)
}

func TestAccumStoreRoundTrip(t *testing.T) {
	s := NewAccumStore(filepath.Join(t.TempDir(), "traffic.json"))

	entries, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, entries)

	in := map[string]api.AccumEntry{
		"alice": {AccumBytes: 1024, LastRawBytes: 512},
	}
	require.NoError(t, s.Replace(in))

	out, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestWriteLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	s := NewDomainStore(filepath.Join(dir, "domains.json"))

	require.NoError(t, s.Replace([]api.DomainRecord{{ID: 1, Domain: "proxy.example.com", Port: 443, Active: true}}))

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "domains.json", files[0].Name())
}
