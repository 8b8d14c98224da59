package auth

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/netbulls/ternity-desktop/internal/securestore"
	"github.com/netbulls/ternity-desktop/internal/settings"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel) // Reduce noise in tests
	return logger
}

// memoryKeyring is an in-memory stand-in for the OS credential store.
type memoryKeyring struct {
	entries map[string]string
}

func newMemoryKeyring() *memoryKeyring {
	return &memoryKeyring{entries: map[string]string{}}
}

func (m *memoryKeyring) Get(service, user string) (string, error) {
	v, ok := m.entries[service+"/"+user]
	if !ok {
		return "", keyring.ErrNotFound
	}
	return v, nil
}

func (m *memoryKeyring) Set(service, user, password string) error {
	m.entries[service+"/"+user] = password
	return nil
}

// brokenKeyring simulates a platform without credential storage.
type brokenKeyring struct{}

func (brokenKeyring) Get(service, user string) (string, error) {
	return "", errors.New("no secret service available")
}

func (brokenKeyring) Set(service, user, password string) error {
	return errors.New("no secret service available")
}

func newTestStore(t *testing.T, ring securestore.Keyring) *Store {
	t.Helper()
	logger := testLogger()
	settingsFile := settings.NewFile(filepath.Join(t.TempDir(), "settings.json"), logger)
	return NewStore(settingsFile, securestore.NewCodecWithKeyring(logger, ring), logger)
}

func sampleTokenSet() *TokenSet {
	return &TokenSet{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		IDToken:      "id-1",
		ExpiresAt:    1900000000,
		Profile: &User{
			Subject: "user-1",
			Name:    "Pat Doe",
			Email:   "pat@ternity.io",
			Roles:   []string{"admin"},
		},
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, ring := range map[string]securestore.Keyring{
		"secure storage available": newMemoryKeyring(),
		"plaintext fallback":       brokenKeyring{},
	} {
		t.Run(name, func(t *testing.T) {
			store := newTestStore(t, ring)

			ts := sampleTokenSet()
			require.NoError(t, store.Save("prod", ts))

			loaded, ok := store.Load("prod")
			require.True(t, ok)
			assert.Equal(t, ts, loaded)
		})
	}
}

func TestStoreLoadMissing(t *testing.T) {
	store := newTestStore(t, newMemoryKeyring())

	_, ok := store.Load("prod")
	assert.False(t, ok)
}

func TestStoreIsolatesEnvironments(t *testing.T) {
	store := newTestStore(t, newMemoryKeyring())

	prod := sampleTokenSet()
	dev := sampleTokenSet()
	dev.AccessToken = "dev-access"
	require.NoError(t, store.Save("prod", prod))
	require.NoError(t, store.Save("dev", dev))

	require.NoError(t, store.Clear("prod"))

	_, ok := store.Load("prod")
	assert.False(t, ok)

	loaded, ok := store.Load("dev")
	require.True(t, ok)
	assert.Equal(t, "dev-access", loaded.AccessToken)
}

func TestStoreCorruptRecordReadsAsSignedOut(t *testing.T) {
	logger := testLogger()
	settingsFile := settings.NewFile(filepath.Join(t.TempDir(), "settings.json"), logger)
	store := NewStore(settingsFile, securestore.NewCodecWithKeyring(logger, newMemoryKeyring()), logger)

	require.NoError(t, settingsFile.WriteAuth(map[string]string{"prod": "enc.v1$garbage!!!"}))

	_, ok := store.Load("prod")
	assert.False(t, ok)
}

func TestStoreClearMissingIsNoop(t *testing.T) {
	store := newTestStore(t, newMemoryKeyring())
	assert.NoError(t, store.Clear("prod"))
}
