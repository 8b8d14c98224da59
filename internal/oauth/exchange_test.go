package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel) // Reduce noise in tests
	return logger
}

// tokenEndpointStub scripts the provider's token endpoint per grant type.
type tokenEndpointStub struct {
	t *testing.T

	codeResponse    map[string]any
	refreshResponse map[string]any
	refreshStatus   int

	codeRequests    []map[string]string
	refreshRequests []map[string]string
}

func (s *tokenEndpointStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.NoError(s.t, r.ParseForm())
		form := map[string]string{}
		for k := range r.Form {
			form[k] = r.Form.Get(k)
		}

		w.Header().Set("Content-Type", "application/json")
		switch form["grant_type"] {
		case "authorization_code":
			s.codeRequests = append(s.codeRequests, form)
			_ = json.NewEncoder(w).Encode(s.codeResponse)
		case "refresh_token":
			s.refreshRequests = append(s.refreshRequests, form)
			if s.refreshStatus != 0 {
				w.WriteHeader(s.refreshStatus)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
			_ = json.NewEncoder(w).Encode(s.refreshResponse)
		default:
			s.t.Errorf("unexpected grant_type %q", form["grant_type"])
			w.WriteHeader(http.StatusBadRequest)
		}
	}
}

func TestExchangeCodeTwoStep(t *testing.T) {
	stub := &tokenEndpointStub{
		t: t,
		codeResponse: map[string]any{
			"access_token":  "unscoped-token",
			"refresh_token": "refresh-1",
			"id_token":      "id-token-1",
			"expires_in":    300,
		},
		refreshResponse: map[string]any{
			"access_token":  "scoped-token",
			"refresh_token": "refresh-2",
			"expires_in":    3600,
		},
	}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	engine := NewEngine(srv.Client(), testLogger())
	grant, err := engine.ExchangeCode(context.Background(), srv.URL, "client-1",
		"code-1", "verifier-1", "http://127.0.0.1:21987/callback", "https://api.example.com")
	require.NoError(t, err)

	// The resource-scoped token from step two wins, never the step-one token.
	assert.Equal(t, "scoped-token", grant.AccessToken)
	assert.True(t, grant.Scoped)
	// Rotation: step two issued a replacement refresh token.
	assert.Equal(t, "refresh-2", grant.RefreshToken)
	// id_token came from step one only.
	assert.Equal(t, "id-token-1", grant.IDToken)
	assert.InDelta(t, time.Now().Unix()+3600, grant.ExpiresAt, 5)

	// Step one must not carry the resource parameter; step two must.
	require.Len(t, stub.codeRequests, 1)
	assert.Empty(t, stub.codeRequests[0]["resource"])
	assert.Equal(t, "verifier-1", stub.codeRequests[0]["code_verifier"])
	require.Len(t, stub.refreshRequests, 1)
	assert.Equal(t, "https://api.example.com", stub.refreshRequests[0]["resource"])
	assert.Equal(t, "refresh-1", stub.refreshRequests[0]["refresh_token"])
}

func TestExchangeCodeKeepsStepOneTokensWhenRefreshOmitsThem(t *testing.T) {
	stub := &tokenEndpointStub{
		t: t,
		codeResponse: map[string]any{
			"access_token":  "unscoped-token",
			"refresh_token": "refresh-1",
			"id_token":      "id-token-1",
			"expires_in":    300,
		},
		refreshResponse: map[string]any{
			"access_token": "scoped-token",
			"expires_in":   3600,
		},
	}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	engine := NewEngine(srv.Client(), testLogger())
	grant, err := engine.ExchangeCode(context.Background(), srv.URL, "client-1",
		"code-1", "verifier-1", "http://127.0.0.1:21987/callback", "https://api.example.com")
	require.NoError(t, err)

	assert.Equal(t, "scoped-token", grant.AccessToken)
	assert.Equal(t, "refresh-1", grant.RefreshToken)
	assert.Equal(t, "id-token-1", grant.IDToken)
}

func TestExchangeCodeDegradedWithoutRefreshToken(t *testing.T) {
	stub := &tokenEndpointStub{
		t: t,
		codeResponse: map[string]any{
			"access_token": "unscoped-token",
			"id_token":     "id-token-1",
			"expires_in":   300,
		},
	}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	engine := NewEngine(srv.Client(), testLogger())
	grant, err := engine.ExchangeCode(context.Background(), srv.URL, "client-1",
		"code-1", "verifier-1", "http://127.0.0.1:21987/callback", "https://api.example.com")
	require.NoError(t, err)

	// No refresh token means no scoping refresh: the unscoped token is all
	// there is.
	assert.Equal(t, "unscoped-token", grant.AccessToken)
	assert.False(t, grant.Scoped)
	assert.Empty(t, grant.RefreshToken)
	assert.Empty(t, stub.refreshRequests)
}

func TestRefreshTokensError(t *testing.T) {
	stub := &tokenEndpointStub{t: t, refreshStatus: http.StatusBadRequest}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	engine := NewEngine(srv.Client(), testLogger())
	_, err := engine.RefreshTokens(context.Background(), srv.URL, "client-1", "stale", "https://api.example.com")
	require.Error(t, err)

	var refreshErr *RefreshError
	require.True(t, errors.As(err, &refreshErr))
	assert.Equal(t, http.StatusBadRequest, refreshErr.Status)
	assert.Contains(t, refreshErr.Body, "invalid_grant")
}

func TestRefreshTokensComputesExpiry(t *testing.T) {
	stub := &tokenEndpointStub{
		t: t,
		refreshResponse: map[string]any{
			"access_token": "fresh",
			"expires_in":   120,
		},
	}
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	engine := NewEngine(srv.Client(), testLogger())
	grant, err := engine.RefreshTokens(context.Background(), srv.URL, "client-1", "refresh-1", "https://api.example.com")
	require.NoError(t, err)
	assert.InDelta(t, time.Now().Unix()+120, grant.ExpiresAt, 5)
}
