// Package callback implements the transient loopback HTTP server that
// mediates between the system browser and the desktop application. One fixed
// port is shared, mutually exclusively, by the sign-in flow (awaiting the
// OAuth redirect on /callback) and the sign-out flow (serving the
// /signed-out pages).
package callback

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultPort is the fixed loopback port registered with the OIDC
	// provider as part of the redirect URI.
	DefaultPort = 21987

	// SignInTimeout bounds how long the listener waits for the browser
	// redirect before rejecting the attempt.
	SignInTimeout = 5 * time.Minute

	// SignOutLinger bounds the sign-out server's lifetime even if the user
	// never completes the browser round trip.
	SignOutLinger = 60 * time.Second
)

// RejectReason classifies why a sign-in wait ended without a code.
type RejectReason int

const (
	ReasonProviderError RejectReason = iota + 1
	ReasonMissingCode
	ReasonTimedOut
	ReasonCancelled
)

func (r RejectReason) String() string {
	switch r {
	case ReasonProviderError:
		return "provider_error"
	case ReasonMissingCode:
		return "missing_code"
	case ReasonTimedOut:
		return "timed_out"
	case ReasonCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is a rejected callback wait. The reason lets callers distinguish a
// user cancellation from a timeout or a provider-reported failure.
type Error struct {
	Reason  RejectReason
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Result is the outcome of a sign-in wait: an authorization code or an
// *Error.
type Result struct {
	Code string
	Err  error
}

type mode int

const (
	modeSignIn mode = iota + 1
	modeSignOut
)

// Server is a single-owner lease on the loopback port. It resolves at most
// once; whichever of {redirect request, timeout, explicit cancel} happens
// first wins and the others become no-ops.
type Server struct {
	logger     *logrus.Logger
	mode       mode
	listener   net.Listener
	httpServer *http.Server
	port       int

	resultCh    chan Result
	resolveOnce sync.Once
	closeOnce   sync.Once

	mu            sync.Mutex
	timer         *time.Timer
	endSessionURL string
}

// ListenSignIn binds the loopback port and starts serving the sign-in
// surface: /callback, the favicon asset, 404 for everything else. Port 0
// picks an ephemeral port (used by tests).
func ListenSignIn(port int, timeout time.Duration, logger *logrus.Logger) (*Server, error) {
	s, err := listen(port, modeSignIn, logger)
	if err != nil {
		return nil, err
	}

	if timeout <= 0 {
		timeout = SignInTimeout
	}
	s.mu.Lock()
	s.timer = time.AfterFunc(timeout, func() {
		s.resolve(Result{Err: &Error{Reason: ReasonTimedOut, Message: "timed out waiting for the browser sign-in to complete"}})
	})
	s.mu.Unlock()

	logger.WithField("redirect_uri", s.RedirectURI()).Debug("auth: callback server listening for sign-in")
	return s, nil
}

// ListenSignOut binds the loopback port and starts serving the sign-out
// pages. The server closes itself after the linger period even if the user
// never completes the browser round trip; linger <= 0 means SignOutLinger.
func ListenSignOut(port int, linger time.Duration, logger *logrus.Logger) (*Server, error) {
	s, err := listen(port, modeSignOut, logger)
	if err != nil {
		return nil, err
	}

	if linger <= 0 {
		linger = SignOutLinger
	}
	s.mu.Lock()
	s.timer = time.AfterFunc(linger, s.Close)
	s.mu.Unlock()

	logger.WithField("url", s.SignOutURL()).Debug("auth: callback server listening for sign-out")
	return s, nil
}

func listen(port int, m mode, logger *logrus.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to bind callback port: %w", err)
	}

	s := &Server{
		logger:   logger,
		mode:     m,
		listener: listener,
		port:     listener.Addr().(*net.TCPAddr).Port,
		resultCh: make(chan Result, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/favicon.svg", s.handleFavicon)
	switch m {
	case modeSignIn:
		mux.HandleFunc("/callback", s.handleCallback)
	case modeSignOut:
		mux.HandleFunc("/signed-out", s.handleSignedOut)
		mux.HandleFunc("/signed-out-complete", s.handleSignedOutComplete)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	s.httpServer = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("auth: callback server error")
		}
	}()

	return s, nil
}

// Port returns the bound port.
func (s *Server) Port() int {
	return s.port
}

// RedirectURI returns the redirect target registered with the provider.
func (s *Server) RedirectURI() string {
	return fmt.Sprintf("http://127.0.0.1:%d/callback", s.port)
}

// SignOutURL returns the local page shown when a sign-out starts.
func (s *Server) SignOutURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d/signed-out", s.port)
}

// SignOutCompleteURL returns the post-logout redirect target for the
// provider's end-session round trip.
func (s *Server) SignOutCompleteURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d/signed-out-complete", s.port)
}

// Wait returns the channel carrying the sign-in outcome. The channel is
// buffered; the result is delivered exactly once.
func (s *Server) Wait() <-chan Result {
	return s.resultCh
}

// Cancel rejects a pending sign-in wait immediately, regardless of current
// state, and releases the port. Safe to call at any time, including racing
// an incoming callback request; whichever resolves first wins.
func (s *Server) Cancel() {
	s.resolve(Result{Err: &Error{Reason: ReasonCancelled, Message: "sign-in was cancelled"}})
}

// Close releases the listener and stops any pending timer. Idempotent.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
		}
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			_ = s.listener.Close()
		}
		s.logger.Debug("auth: callback server closed")
	})
}

// resolve settles the sign-in wait exactly once and schedules the listener
// teardown. The shutdown happens off the request goroutine so the branded
// result page finishes being served first.
func (s *Server) resolve(result Result) {
	s.resolveOnce.Do(func() {
		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
		}
		s.mu.Unlock()

		s.resultCh <- result
		go s.Close()
	})
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if errParam := query.Get("error"); errParam != "" {
		errDesc := query.Get("error_description")
		if errDesc == "" {
			errDesc = "The sign-in was not completed."
		}
		s.logger.WithFields(logrus.Fields{
			"error":             errParam,
			"error_description": errDesc,
		}).Warn("auth: provider returned an error on the callback")

		writeFailurePage(w, errDesc)
		s.resolve(Result{Err: &Error{Reason: ReasonProviderError, Message: fmt.Sprintf("%s: %s", errParam, errDesc)}})
		return
	}

	code := query.Get("code")
	if code == "" {
		s.logger.Warn("auth: callback request carried no authorization code")
		writeFailurePage(w, "No authorization code was received from the sign-in provider.")
		s.resolve(Result{Err: &Error{Reason: ReasonMissingCode, Message: "callback request carried no authorization code"}})
		return
	}

	writeSuccessPage(w)
	s.resolve(Result{Code: code})
}

// SetEndSessionURL configures the optional "sign out of browser" link on the
// /signed-out page. It points at the provider's end-session endpoint; when
// discovery failed the page simply omits the link.
func (s *Server) SetEndSessionURL(url string) {
	s.mu.Lock()
	s.endSessionURL = url
	s.mu.Unlock()
}

func (s *Server) handleSignedOut(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	endSessionURL := s.endSessionURL
	s.mu.Unlock()
	writeSignedOutPage(w, endSessionURL)
}

func (s *Server) handleSignedOutComplete(w http.ResponseWriter, r *http.Request) {
	writeSignedOutCompletePage(w)
}

func (s *Server) handleFavicon(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	_, _ = w.Write([]byte(faviconSVG))
}
