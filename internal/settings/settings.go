// Package settings manages the application's shared settings document: a
// single JSON file holding configuration for every part of the desktop app.
// The auth core owns only the "auth" key, a map from environment id to an
// opaque serialized token blob; all other keys are preserved untouched on
// write.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

const authKey = "auth"

// File provides read/write access to the settings document at a fixed path.
type File struct {
	path   string
	logger *logrus.Logger
	mu     sync.Mutex
}

// NewFile creates a settings file handle. The file does not need to exist yet.
func NewFile(path string, logger *logrus.Logger) *File {
	return &File{path: path, logger: logger}
}

// Path returns the location of the settings document.
func (f *File) Path() string {
	return f.path
}

// ReadAuth returns the auth map from the settings document. A missing file or
// a missing auth key yields an empty map.
func (f *File) ReadAuth() (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.readDocument()
	if err != nil {
		return nil, err
	}

	raw, ok := doc[authKey]
	if !ok {
		return map[string]string{}, nil
	}

	var auth map[string]string
	if err := json.Unmarshal(raw, &auth); err != nil {
		f.logger.WithError(err).Warn("settings: auth section is malformed, treating as empty")
		return map[string]string{}, nil
	}
	if auth == nil {
		auth = map[string]string{}
	}
	return auth, nil
}

// WriteAuth replaces the auth map in the settings document, preserving every
// other key.
func (f *File) WriteAuth(auth map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.readDocument()
	if err != nil {
		return err
	}

	raw, err := json.Marshal(auth)
	if err != nil {
		return fmt.Errorf("failed to marshal auth section: %w", err)
	}
	doc[authKey] = raw

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("failed to create settings dir: %w", err)
	}

	f.logger.WithField("path", f.path).Debug("settings: writing document")
	return os.WriteFile(f.path, data, 0600)
}

// readDocument loads the full settings document as raw JSON values. A missing
// or unreadable document is treated as empty rather than an error: the auth
// core must stay usable on first launch and after settings corruption.
func (f *File) readDocument() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		f.logger.WithError(err).Warn("settings: document is malformed, starting fresh")
		return map[string]json.RawMessage{}, nil
	}
	if doc == nil {
		doc = map[string]json.RawMessage{}
	}
	return doc, nil
}
