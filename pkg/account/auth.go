package account

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bmwcd/connecteddrive/internal/log"
	"github.com/bmwcd/connecteddrive/pkg/protocol"
)

// DefaultAuthURL is the authentication provider endpoint for the login
// exchange.
const DefaultAuthURL = "https://customer.bmwgroup.com/gcdm/oauth/authenticate"

const (
	defaultClientID    = "dbf0a542-ebd1-4ff0-a9a7-55172fbfce35"
	defaultRedirectURI = "https://www.bmw-connecteddrive.com/app/default/static/external-dispatch.html"
	defaultScope       = "authenticate_user fupo"
	defaultState       = "eyJtYXJrZXQiOiJkZSIsImxhbmd1YWdlIjoiZGUiLCJkZXN0aW5hdGlvbiI6ImxhbmRpbmdQYWdlIn0"
	defaultLocale      = "DE-de"
)

const accessDeniedMarker = "error=access_denied"

// The provider returns the grant in the fragment of the redirect Location
// header. Its format is fixed, so the pattern is deliberately narrow: a
// Location it does not match is a failed login, not something to parse
// further.
var grantPattern = regexp.MustCompile(`.*access_token=([\w\d]+).*token_type=(\w+).*expires_in=(\d+).*`)

// Login exchanges the configured credentials for a bearer token.
//
// A denial latches: every request on the account fails without network
// traffic until a later Login succeeds. Transport and provider failures do
// not latch.
func (a *Account) Login(ctx context.Context) error {
	a.sessionMu.Lock()
	defer a.sessionMu.Unlock()
	return a.login(ctx)
}

// login runs the credential exchange. Callers must hold a.sessionMu.
func (a *Account) login(ctx context.Context) error {
	form := url.Values{
		"username":      {a.cfg.Username},
		"password":      {a.cfg.Password},
		"client_id":     {a.cfg.ClientID},
		"response_type": {"token"},
		"redirect_uri":  {a.cfg.RedirectURI},
		"scope":         {a.cfg.Scope},
		"state":         {a.cfg.State},
		"locale":        {a.cfg.Locale},
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.AuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("error constructing login request: %w", err)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.Header.Set("User-Agent", a.UserAgent)

	log.Debug("Authenticating %s with %s...", a.cfg.Username, a.cfg.AuthURL)
	response, err := a.authClient.Do(request)
	if err != nil {
		return &protocol.CommandError{Err: err, PossibleSuccess: false, PossibleTemporary: true}
	}
	response.Body.Close()

	location := response.Header.Get("Location")
	if location == "" {
		return fmt.Errorf("%w: status %d carries no redirect", protocol.ErrBadLoginResponse, response.StatusCode)
	}
	if strings.Contains(location, accessDeniedMarker) {
		a.token = ""
		a.loggedIn = false
		a.denied = true
		log.Warning("Authentication provider denied access for %s", a.cfg.Username)
		return protocol.ErrAuthDenied
	}
	match := grantPattern.FindStringSubmatch(location)
	if match == nil {
		return fmt.Errorf("%w: redirect carries no grant", protocol.ErrBadLoginResponse)
	}
	expiresIn, err := strconv.Atoi(match[3])
	if err != nil {
		return fmt.Errorf("%w: bad expiry %q", protocol.ErrBadLoginResponse, match[3])
	}
	a.token = match[1]
	a.tokenType = match[2]
	a.tokenExpiresAt = a.now().Add(time.Duration(expiresIn) * time.Second)
	a.loggedIn = true
	a.denied = false
	log.Info("Session established, token expires at %s", a.tokenExpiresAt.Format(time.RFC3339))
	return nil
}

// ensureValid returns the Authorization header for the current token, logging
// in first if the account never has or if the token has expired. The lock
// covers the whole check-and-refresh segment.
func (a *Account) ensureValid(ctx context.Context) (string, error) {
	a.sessionMu.Lock()
	defer a.sessionMu.Unlock()
	if a.denied {
		return "", protocol.ErrAuthDenied
	}
	if !a.loggedIn || !a.now().Before(a.tokenExpiresAt) {
		if a.loggedIn {
			log.Info("Session expired, logging in again...")
		}
		if err := a.login(ctx); err != nil {
			return "", err
		}
	}
	return "Bearer " + a.token, nil
}

// SessionValid reports whether the account holds a token that has not
// expired. It never triggers network traffic.
func (a *Account) SessionValid() bool {
	a.sessionMu.Lock()
	defer a.sessionMu.Unlock()
	return a.loggedIn && !a.denied && a.now().Before(a.tokenExpiresAt)
}

// TokenExpiresAt returns the expiry deadline of the current token, or the
// zero time if the account never logged in.
func (a *Account) TokenExpiresAt() time.Time {
	a.sessionMu.Lock()
	defer a.sessionMu.Unlock()
	return a.tokenExpiresAt
}

// TokenType returns the token type announced by the provider, typically
// "Bearer".
func (a *Account) TokenType() string {
	a.sessionMu.Lock()
	defer a.sessionMu.Unlock()
	return a.tokenType
}
