package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultEnvironments(t *testing.T) {
	envs := DefaultEnvironments()

	require.Contains(t, envs, "local")
	require.Contains(t, envs, "dev")
	require.Contains(t, envs, "prod")

	assert.True(t, envs["local"].Local)
	assert.Empty(t, envs["local"].IssuerURL)

	for _, id := range []string{"dev", "prod"} {
		env := envs[id]
		assert.False(t, env.Local)
		assert.NotEmpty(t, env.IssuerURL, id)
		assert.NotEmpty(t, env.ClientID, id)
		assert.NotEmpty(t, env.APIResource, id)
	}
}

func TestLoadEnvironmentsMissingFile(t *testing.T) {
	envs, err := LoadEnvironments(filepath.Join(t.TempDir(), "environments.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultEnvironments(), envs)
}

func TestLoadEnvironmentsOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "environments.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environments:
  - id: staging
    label: Staging
    api_base_url: https://api.staging.ternity.io
    issuer_url: https://auth.staging.ternity.io
    client_id: ternity-desktop
    api_resource: https://api.staging.ternity.io
  - id: prod
    label: Production (alt)
    api_base_url: https://api.alt.ternity.io
    issuer_url: https://auth.alt.ternity.io
    client_id: ternity-desktop-alt
    api_resource: https://api.alt.ternity.io
`), 0600))

	envs, err := LoadEnvironments(path)
	require.NoError(t, err)

	// New environments are added, built-ins can be replaced wholesale.
	assert.Contains(t, envs, "staging")
	assert.Equal(t, "ternity-desktop-alt", envs["prod"].ClientID)
	assert.Contains(t, envs, "local")
}

func TestLoadEnvironmentsRejectsMissingID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "environments.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environments:
  - label: Nameless
`), 0600))

	_, err := LoadEnvironments(path)
	assert.Error(t, err)
}

func TestLoadEnvironmentsRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "environments.yaml")
	require.NoError(t, os.WriteFile(path, []byte("environments: [unclosed"), 0600))

	_, err := LoadEnvironments(path)
	assert.Error(t, err)
}
