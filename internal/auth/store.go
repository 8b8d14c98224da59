package auth

import (
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/netbulls/ternity-desktop/internal/securestore"
	"github.com/netbulls/ternity-desktop/internal/settings"
)

// TokenSet is the persisted token record for one environment.
//
// ExpiresAt always describes the resource-scoped access token. Once a refresh
// token has been issued for an environment it is carried forward across
// refreshes unless the provider rotates in a replacement; it is never
// silently dropped.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	ExpiresAt    int64  `json:"expires_at"`
	Profile      *User  `json:"profile,omitempty"`
}

// Store persists one TokenSet per environment inside the shared settings
// document, sealed through the secure-storage codec.
type Store struct {
	settings *settings.File
	codec    *securestore.Codec
	logger   *logrus.Logger
}

// NewStore creates a token store.
func NewStore(settingsFile *settings.File, codec *securestore.Codec, logger *logrus.Logger) *Store {
	return &Store{settings: settingsFile, codec: codec, logger: logger}
}

// Save persists the token set for an environment.
func (s *Store) Save(envID string, ts *TokenSet) error {
	data, err := json.Marshal(ts)
	if err != nil {
		return fmt.Errorf("failed to serialize token set: %w", err)
	}

	auth, err := s.settings.ReadAuth()
	if err != nil {
		return err
	}
	auth[envID] = s.codec.Seal(data)

	s.logger.WithFields(logrus.Fields{
		"environment": envID,
		"encrypted":   s.codec.Available(),
	}).Debug("auth: persisting token set")
	return s.settings.WriteAuth(auth)
}

// Load returns the token set for an environment. A missing, corrupt, or
// undecryptable record reads as "no session"; storage problems never
// propagate to callers as errors.
func (s *Store) Load(envID string) (*TokenSet, bool) {
	auth, err := s.settings.ReadAuth()
	if err != nil {
		s.logger.WithError(err).Warn("auth: failed to read token storage, treating as signed out")
		return nil, false
	}

	blob, ok := auth[envID]
	if !ok {
		return nil, false
	}

	data, ok := s.codec.Open(blob)
	if !ok {
		s.logger.WithField("environment", envID).Warn("auth: stored token record is unreadable, treating as signed out")
		return nil, false
	}

	var ts TokenSet
	if err := json.Unmarshal(data, &ts); err != nil {
		s.logger.WithField("environment", envID).Warn("auth: stored token record is corrupt, treating as signed out")
		return nil, false
	}
	if ts.AccessToken == "" {
		return nil, false
	}
	return &ts, true
}

// Clear removes the token set for an environment.
func (s *Store) Clear(envID string) error {
	auth, err := s.settings.ReadAuth()
	if err != nil {
		return err
	}
	if _, ok := auth[envID]; !ok {
		return nil
	}
	delete(auth, envID)

	s.logger.WithField("environment", envID).Debug("auth: clearing token set")
	return s.settings.WriteAuth(auth)
}
