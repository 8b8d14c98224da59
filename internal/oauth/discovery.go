package oauth

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/sirupsen/logrus"
)

// ProviderMetadata holds the OIDC endpoints the auth core needs from a
// provider's discovery document.
type ProviderMetadata struct {
	Issuer                string
	AuthorizationEndpoint string
	TokenEndpoint         string
	UserinfoEndpoint      string
	EndSessionEndpoint    string
}

// DiscoveryError indicates the provider metadata fetch failed. Fatal to the
// current attempt; callers do not retry automatically.
type DiscoveryError struct {
	Issuer string
	Err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("failed to discover OIDC provider %s: %v", e.Issuer, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// Discovery fetches and memoizes provider metadata per issuer URL. Cached
// entries live for the process lifetime; provider metadata is assumed stable
// for a running session.
type Discovery struct {
	httpClient *http.Client
	logger     *logrus.Logger

	mu        sync.Mutex
	providers map[string]*ProviderMetadata
}

// NewDiscovery creates a discovery cache.
func NewDiscovery(httpClient *http.Client, logger *logrus.Logger) *Discovery {
	return &Discovery{
		httpClient: httpClient,
		logger:     logger,
		providers:  map[string]*ProviderMetadata{},
	}
}

// Discover returns provider metadata for the issuer, fetching the discovery
// document on first use.
func (d *Discovery) Discover(ctx context.Context, issuerURL string) (*ProviderMetadata, error) {
	d.mu.Lock()
	if md, ok := d.providers[issuerURL]; ok {
		d.mu.Unlock()
		return md, nil
	}
	d.mu.Unlock()

	d.logger.WithField("issuer", issuerURL).Debug("auth: fetching OIDC discovery document")

	if d.httpClient != nil {
		ctx = oidc.ClientContext(ctx, d.httpClient)
	}
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		d.logger.WithError(err).WithField("issuer", issuerURL).Error("auth: OIDC discovery failed")
		return nil, &DiscoveryError{Issuer: issuerURL, Err: err}
	}

	// go-oidc exposes the standard endpoints directly; the optional ones come
	// out of the raw claims.
	var extra struct {
		UserinfoEndpoint   string `json:"userinfo_endpoint"`
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := provider.Claims(&extra); err != nil {
		d.logger.WithError(err).Debug("auth: failed to decode optional discovery claims")
	}

	endpoint := provider.Endpoint()
	md := &ProviderMetadata{
		Issuer:                issuerURL,
		AuthorizationEndpoint: endpoint.AuthURL,
		TokenEndpoint:         endpoint.TokenURL,
		UserinfoEndpoint:      extra.UserinfoEndpoint,
		EndSessionEndpoint:    extra.EndSessionEndpoint,
	}

	d.mu.Lock()
	d.providers[issuerURL] = md
	d.mu.Unlock()

	d.logger.WithFields(logrus.Fields{
		"issuer":          issuerURL,
		"has_end_session": md.EndSessionEndpoint != "",
	}).Debug("auth: OIDC discovery document cached")

	return md, nil
}
