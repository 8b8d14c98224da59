package oauth

import (
	"golang.org/x/oauth2"
)

// AuthorizationRequest carries everything needed to build the URL the system
// browser is sent to.
type AuthorizationRequest struct {
	ClientID    string
	RedirectURI string
	State       string
	Challenge   string
	Resource    string
	Scopes      []string
}

// BuildAuthorizationURL constructs the authorization-code request URL with
// the S256 PKCE challenge and the RFC8707 resource parameter.
func BuildAuthorizationURL(md *ProviderMetadata, req AuthorizationRequest) string {
	cfg := oauth2.Config{
		ClientID:    req.ClientID,
		RedirectURL: req.RedirectURI,
		Scopes:      req.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  md.AuthorizationEndpoint,
			TokenURL: md.TokenEndpoint,
		},
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", req.Challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	}
	if req.Resource != "" {
		opts = append(opts, oauth2.SetAuthURLParam("resource", req.Resource))
	}

	return cfg.AuthCodeURL(req.State, opts...)
}
