package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/netbulls/ternity-desktop/internal/callback"
	"github.com/netbulls/ternity-desktop/internal/config"
	"github.com/netbulls/ternity-desktop/internal/oauth"
)

const (
	// DefaultRefreshFailureLimit is how many consecutive refresh failures are
	// tolerated before the stored session is cleared and the user must sign
	// in again. Kept overridable; the value has no deeper rationale than
	// riding out transient network loss such as laptop sleep/wake.
	DefaultRefreshFailureLimit = 3

	// refreshSkew is how close to expiry a cached access token is still
	// handed out without refreshing.
	refreshSkew = 60 * time.Second

	// localTokenValidity is the lifetime of the synthesised token for the
	// local environment.
	localTokenValidity = 365 * 24 * time.Hour
)

// DefaultScopes are requested on every sign-in. offline_access obtains the
// refresh token the resource-scoping handshake depends on.
var DefaultScopes = []string{"openid", "profile", "email", "offline_access"}

// SignInResult is the outcome of a sign-in attempt. Failures are carried in
// the result rather than raised; the message is surfaced to the user
// verbatim.
type SignInResult struct {
	Success bool   `json:"success"`
	User    *User  `json:"user,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SignOutResult carries the local page the caller should open to complete a
// sign-out.
type SignOutResult struct {
	SignOutPageURL string `json:"signOutPageUrl"`
}

// AuthState is a pure read of the persisted session.
type AuthState struct {
	IsAuthenticated bool  `json:"isAuthenticated"`
	User            *User `json:"user,omitempty"`
}

// signInSession is the transient state of one sign-in attempt. At most one
// exists process-wide; it never outlives the attempt that created it.
type signInSession struct {
	envID  string
	cancel context.CancelFunc
	server *callback.Server
}

// Options configures an Orchestrator.
type Options struct {
	Environments map[string]config.Environment
	Store        *Store
	Discovery    *oauth.Discovery
	Engine       *oauth.Engine
	Browser      oauth.BrowserLauncher
	HTTPClient   *http.Client
	Logger       *logrus.Logger

	// CallbackPort defaults to callback.DefaultPort.
	CallbackPort  int
	SignInTimeout time.Duration

	// RefreshFailureLimit defaults to DefaultRefreshFailureLimit.
	RefreshFailureLimit int
}

// Orchestrator coordinates sign-in, sign-out, state queries, cancellation,
// and refresh-driven invalidation. It is the only component with global
// mutable state: the single active sign-in session and the loopback port
// lease.
type Orchestrator struct {
	environments map[string]config.Environment
	store        *Store
	discovery    *oauth.Discovery
	engine       *oauth.Engine
	browser      oauth.BrowserLauncher
	httpClient   *http.Client
	logger       *logrus.Logger

	callbackPort        int
	signInTimeout       time.Duration
	refreshFailureLimit int

	mu              sync.Mutex
	active          *signInSession
	signOutServer   *callback.Server
	refreshFailures map[string]int
}

// NewOrchestrator creates the session orchestrator.
func NewOrchestrator(opts Options) *Orchestrator {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	port := opts.CallbackPort
	if port == 0 {
		port = callback.DefaultPort
	}
	limit := opts.RefreshFailureLimit
	if limit <= 0 {
		limit = DefaultRefreshFailureLimit
	}

	return &Orchestrator{
		environments:        opts.Environments,
		store:               opts.Store,
		discovery:           opts.Discovery,
		engine:              opts.Engine,
		browser:             opts.Browser,
		httpClient:          httpClient,
		logger:              opts.Logger,
		callbackPort:        port,
		signInTimeout:       opts.SignInTimeout,
		refreshFailureLimit: limit,
		refreshFailures:     map[string]int{},
	}
}

// SignIn runs the full browser sign-in flow for an environment and blocks
// until it resolves. A second call while one attempt is active fails
// synchronously, before any I/O, so there is never a double browser launch or
// a double listener bind.
func (o *Orchestrator) SignIn(ctx context.Context, envID string) SignInResult {
	env, ok := o.environments[envID]
	if !ok {
		return SignInResult{Error: fmt.Sprintf("unknown environment: %s", envID)}
	}

	sessCtx, cancelSess := context.WithCancel(ctx)
	sess := &signInSession{envID: envID, cancel: cancelSess}

	o.mu.Lock()
	if o.active != nil {
		o.mu.Unlock()
		cancelSess()
		o.logger.WithField("environment", envID).Warn("auth: sign-in rejected, another attempt is in progress")
		return SignInResult{Error: "a sign-in is already in progress"}
	}
	// The sign-out pages and the callback listener share one port.
	signOutServer := o.signOutServer
	o.signOutServer = nil
	o.active = sess
	o.mu.Unlock()

	// Close blocks on the HTTP shutdown; do it off the lock so state queries
	// and cancellation stay responsive meanwhile.
	if signOutServer != nil {
		signOutServer.Close()
	}

	defer func() {
		cancelSess()
		o.mu.Lock()
		if o.active == sess {
			o.active = nil
		}
		o.mu.Unlock()
	}()

	o.logger.WithField("environment", envID).Info("auth: starting sign-in")

	var result SignInResult
	if env.Local {
		result = o.localSignIn(sessCtx, env)
	} else {
		result = o.browserSignIn(sessCtx, sess, env)
	}

	if result.Success {
		o.logger.WithFields(logrus.Fields{
			"environment": envID,
			"subject":     result.User.Subject,
		}).Info("auth: sign-in completed")
	} else {
		o.logger.WithFields(logrus.Fields{
			"environment": envID,
			"error":       result.Error,
		}).Warn("auth: sign-in failed")
	}
	return result
}

func (o *Orchestrator) browserSignIn(ctx context.Context, sess *signInSession, env config.Environment) SignInResult {
	md, err := o.discovery.Discover(ctx, env.IssuerURL)
	if err != nil {
		return o.failure(ctx, err)
	}

	verifier, err := oauth.GenerateVerifier()
	if err != nil {
		return SignInResult{Error: err.Error()}
	}
	challenge := oauth.ChallengeS256(verifier)
	state, err := oauth.GenerateState()
	if err != nil {
		return SignInResult{Error: err.Error()}
	}

	server, err := o.bindCallbackPort(ctx, func() (*callback.Server, error) {
		return callback.ListenSignIn(o.callbackPort, o.signInTimeout, o.logger)
	})
	if err != nil {
		return o.failure(ctx, err)
	}

	o.mu.Lock()
	cancelled := ctx.Err() != nil
	if !cancelled {
		sess.server = server
	}
	o.mu.Unlock()
	if cancelled {
		server.Close()
		return SignInResult{Error: "sign-in was cancelled"}
	}

	authURL := oauth.BuildAuthorizationURL(md, oauth.AuthorizationRequest{
		ClientID:    env.ClientID,
		RedirectURI: server.RedirectURI(),
		State:       state,
		Challenge:   challenge,
		Resource:    env.APIResource,
		Scopes:      DefaultScopes,
	})

	o.logger.WithField("environment", env.ID).Debug("auth: opening system browser")
	if err := o.browser.OpenURL(authURL); err != nil {
		server.Close()
		return SignInResult{Error: err.Error()}
	}

	result := <-server.Wait()
	// Resolution schedules the teardown; block on it here so the fixed port
	// is reusable the moment this attempt returns.
	server.Close()
	if result.Err != nil {
		return SignInResult{Error: result.Err.Error()}
	}

	grant, err := o.engine.ExchangeCode(ctx, md.TokenEndpoint, env.ClientID,
		result.Code, verifier, server.RedirectURI(), env.APIResource)
	if err != nil {
		return o.failure(ctx, err)
	}

	user := o.resolveUser(ctx, env, grant.AccessToken, grant.IDToken)

	ts := &TokenSet{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		IDToken:      grant.IDToken,
		ExpiresAt:    grant.ExpiresAt,
		Profile:      user,
	}
	if err := o.store.Save(env.ID, ts); err != nil {
		return SignInResult{Error: err.Error()}
	}

	o.resetRefreshFailures(env.ID)
	return SignInResult{Success: true, User: user}
}

// localSignIn authenticates against a locally running API without any OIDC
// round trip: an opaque long-lived token is synthesised and the identity
// comes from the local API itself. An unreachable local API is a sign-in
// failure, not a success with an unknown user.
func (o *Orchestrator) localSignIn(ctx context.Context, env config.Environment) SignInResult {
	token := "local." + uuid.NewString()

	user, err := FetchProfile(ctx, o.httpClient, env.APIBaseURL, token, o.logger)
	if err != nil {
		return o.failure(ctx, fmt.Errorf("could not reach the local API: %w", err))
	}

	ts := &TokenSet{
		AccessToken: token,
		ExpiresAt:   time.Now().Add(localTokenValidity).Unix(),
		Profile:     user,
	}
	if err := o.store.Save(env.ID, ts); err != nil {
		return SignInResult{Error: err.Error()}
	}
	return SignInResult{Success: true, User: user}
}

// resolveUser fetches the first-party profile, falling back to the ID token's
// claims when the API is unreachable. May return nil.
func (o *Orchestrator) resolveUser(ctx context.Context, env config.Environment, accessToken, idToken string) *User {
	user, err := FetchProfile(ctx, o.httpClient, env.APIBaseURL, accessToken, o.logger)
	if err == nil {
		return user
	}
	o.logger.WithError(err).Warn("auth: profile fetch failed, falling back to ID token claims")
	return DecodeIDTokenUser(idToken)
}

// failure maps an error to a sign-in failure, reporting cancellation
// distinctly when the session context was torn down mid-step.
func (o *Orchestrator) failure(ctx context.Context, err error) SignInResult {
	if ctx.Err() == context.Canceled {
		return SignInResult{Error: "sign-in was cancelled"}
	}
	return SignInResult{Error: err.Error()}
}

// SignOut clears the stored session for an environment unconditionally, then
// starts the local sign-out pages and, when the provider advertises an
// end-session endpoint, wires up the browser-side logout link. Discovery
// failure degrades to a purely local sign-out.
func (o *Orchestrator) SignOut(ctx context.Context, envID string) (SignOutResult, error) {
	env, ok := o.environments[envID]
	if !ok {
		return SignOutResult{}, fmt.Errorf("unknown environment: %s", envID)
	}

	ts, hadSession := o.store.Load(envID)
	if err := o.store.Clear(envID); err != nil {
		o.logger.WithError(err).Warn("auth: failed to clear stored session")
	}
	o.resetRefreshFailures(envID)

	o.logger.WithFields(logrus.Fields{
		"environment": envID,
		"had_session": hadSession,
	}).Info("auth: signing out")

	// Take over the shared port: an in-flight sign-in loses its lease. The
	// extra Close blocks until the listener is really gone so the bind below
	// cannot race the asynchronous teardown.
	o.mu.Lock()
	stolen := o.active
	var stolenServer *callback.Server
	if stolen != nil {
		stolen.cancel()
		stolenServer = stolen.server
	}
	signOutServer := o.signOutServer
	o.signOutServer = nil
	o.mu.Unlock()

	if stolenServer != nil {
		stolenServer.Cancel()
		stolenServer.Close()
	}
	if signOutServer != nil {
		signOutServer.Close()
	}

	server, err := o.bindCallbackPort(ctx, func() (*callback.Server, error) {
		return callback.ListenSignOut(o.callbackPort, 0, o.logger)
	})
	if err != nil {
		return SignOutResult{}, err
	}

	if !env.Local && env.IssuerURL != "" {
		if md, derr := o.discovery.Discover(ctx, env.IssuerURL); derr == nil && md.EndSessionEndpoint != "" {
			server.SetEndSessionURL(buildEndSessionURL(md.EndSessionEndpoint, server.SignOutCompleteURL(), ts))
		} else if derr != nil {
			o.logger.WithError(derr).Warn("auth: discovery failed, browser sign-out not offered")
		}
	}

	o.mu.Lock()
	o.signOutServer = server
	o.mu.Unlock()

	return SignOutResult{SignOutPageURL: server.SignOutURL()}, nil
}

// bindCallbackPort binds the shared loopback port, retrying briefly on
// failure. Stealing the lease from a flow whose listener is not bound yet
// (a sign-in cancelled mid-discovery) releases the port a moment after the
// steal, so a losing bind can succeed on the next attempt.
func (o *Orchestrator) bindCallbackPort(ctx context.Context, bind func() (*callback.Server, error)) (*callback.Server, error) {
	var server *callback.Server
	var err error
	for i := 0; i < 20; i++ {
		server, err = bind()
		if err == nil {
			return server, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		time.Sleep(50 * time.Millisecond)
	}
	o.logger.WithError(err).Error("auth: could not bind the callback port")
	return nil, err
}

func buildEndSessionURL(endpoint, postLogoutRedirect string, ts *TokenSet) string {
	params := url.Values{}
	params.Set("post_logout_redirect_uri", postLogoutRedirect)
	if ts != nil && ts.IDToken != "" {
		params.Set("id_token_hint", ts.IDToken)
	}
	return endpoint + "?" + params.Encode()
}

// GetAuthState reads the persisted session. It never touches the network.
func (o *Orchestrator) GetAuthState(envID string) AuthState {
	ts, ok := o.store.Load(envID)
	if !ok {
		return AuthState{}
	}

	user := ts.Profile
	if user == nil {
		user = DecodeIDTokenUser(ts.IDToken)
	}
	return AuthState{IsAuthenticated: true, User: user}
}

// GetAccessToken returns a valid access token for an environment, refreshing
// transparently when the cached one is within the expiry skew. A refresh
// failure is tolerated up to the failure limit before the session is cleared;
// below the limit the stale session survives so a later call can retry.
func (o *Orchestrator) GetAccessToken(ctx context.Context, envID string) (string, bool) {
	env, ok := o.environments[envID]
	if !ok {
		return "", false
	}

	ts, ok := o.store.Load(envID)
	if !ok {
		return "", false
	}

	if time.Until(time.Unix(ts.ExpiresAt, 0)) > refreshSkew {
		return ts.AccessToken, true
	}

	if ts.RefreshToken == "" {
		o.logger.WithField("environment", envID).Info("auth: token expired with no refresh token, clearing session")
		_ = o.store.Clear(envID)
		return "", false
	}

	grant, err := o.refresh(ctx, env, ts.RefreshToken)
	if err != nil {
		return o.recordRefreshFailure(envID, err)
	}

	// Preserve the cached profile, and fall back to the previous refresh/ID
	// tokens when the provider omitted them (rotation support).
	newTS := &TokenSet{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		IDToken:      grant.IDToken,
		ExpiresAt:    grant.ExpiresAt,
		Profile:      ts.Profile,
	}
	if newTS.RefreshToken == "" {
		newTS.RefreshToken = ts.RefreshToken
	}
	if newTS.IDToken == "" {
		newTS.IDToken = ts.IDToken
	}

	if err := o.store.Save(envID, newTS); err != nil {
		o.logger.WithError(err).Error("auth: failed to persist refreshed tokens")
		return "", false
	}

	o.resetRefreshFailures(envID)
	o.logger.WithField("environment", envID).Debug("auth: access token refreshed")
	return newTS.AccessToken, true
}

func (o *Orchestrator) refresh(ctx context.Context, env config.Environment, refreshToken string) (*oauth.Grant, error) {
	md, err := o.discovery.Discover(ctx, env.IssuerURL)
	if err != nil {
		return nil, err
	}
	return o.engine.RefreshTokens(ctx, md.TokenEndpoint, env.ClientID, refreshToken, env.APIResource)
}

// recordRefreshFailure counts a failed refresh against the per-environment
// budget. At the limit the session is destroyed; below it the stale token
// stays on disk so transient network loss (laptop sleep/wake) recovers on a
// later call.
func (o *Orchestrator) recordRefreshFailure(envID string, err error) (string, bool) {
	o.mu.Lock()
	o.refreshFailures[envID]++
	failures := o.refreshFailures[envID]
	o.mu.Unlock()

	o.logger.WithError(err).WithFields(logrus.Fields{
		"environment": envID,
		"failures":    failures,
	}).Warn("auth: token refresh failed")

	if failures >= o.refreshFailureLimit {
		o.logger.WithField("environment", envID).Warn("auth: refresh failure limit reached, clearing session")
		_ = o.store.Clear(envID)
		o.resetRefreshFailures(envID)
	}
	return "", false
}

func (o *Orchestrator) resetRefreshFailures(envID string) {
	o.mu.Lock()
	delete(o.refreshFailures, envID)
	o.mu.Unlock()
}

// CancelSignIn rejects the active sign-in attempt, if any. With no attempt in
// flight it is a no-op.
func (o *Orchestrator) CancelSignIn() {
	o.mu.Lock()
	sess := o.active
	var server *callback.Server
	if sess != nil {
		server = sess.server
	}
	o.mu.Unlock()

	if sess == nil {
		return
	}

	o.logger.WithField("environment", sess.envID).Info("auth: cancelling sign-in")
	sess.cancel()
	if server != nil {
		server.Cancel()
	}
}
