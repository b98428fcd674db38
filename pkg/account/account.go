// Package account manages a ConnectedDrive session: the credential login
// exchange, lazy token renewal, and the authenticated HTTP plumbing shared by
// all higher-level operations.
package account

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/bmwcd/connecteddrive/internal/log"
	"github.com/bmwcd/connecteddrive/pkg/protocol"
)

const (
	// DefaultHost serves the vehicle API. Override through Config.Host for
	// other country portals, e.g. "www.bmw-connecteddrive.de".
	DefaultHost = "www.bmw-connecteddrive.nl"

	// DefaultUserAgent is sent with every request. The portal rejects
	// clients it does not recognize, so the default imitates a desktop
	// browser.
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:57.0) Gecko/20100101 Firefox/57.0"

	// DefaultTimeout bounds each HTTP exchange.
	DefaultTimeout = 10 * time.Second

	// MaxResponseLength caps the byte-length of response bodies the client reads.
	MaxResponseLength = 100000
)

// Config collects the settings needed to reach the vendor service. Username
// and Password are required; every other field has a working default.
type Config struct {
	Username string
	Password string

	// Host is the portal serving the vehicle API.
	Host string

	// AuthURL, ClientID, RedirectURI, Scope, State, and Locale parameterize
	// the login exchange. The defaults match the public web portal and
	// rarely need to change.
	AuthURL     string
	ClientID    string
	RedirectURI string
	Scope       string
	State       string
	Locale      string

	UserAgent string
	Timeout   time.Duration
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.AuthURL == "" {
		c.AuthURL = DefaultAuthURL
	}
	if c.ClientID == "" {
		c.ClientID = defaultClientID
	}
	if c.RedirectURI == "" {
		c.RedirectURI = defaultRedirectURI
	}
	if c.Scope == "" {
		c.Scope = defaultScope
	}
	if c.State == "" {
		c.State = defaultState
	}
	if c.Locale == "" {
		c.Locale = defaultLocale
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
}

// Account represents a single authenticated ConnectedDrive session. All
// vehicles on the account share it, and its methods are safe for concurrent
// use.
type Account struct {
	// UserAgent is sent with every request.
	UserAgent string
	// Host is the portal serving the vehicle API.
	Host string

	cfg Config

	client     http.Client // data requests
	authClient http.Client // the login exchange must observe the redirect itself

	// sessionMu scopes the token check-and-refresh segment so concurrent
	// callers cannot trigger redundant logins or read a half-written token.
	sessionMu      sync.Mutex
	token          string
	tokenType      string
	tokenExpiresAt time.Time
	loggedIn       bool
	denied         bool

	now func() time.Time
}

// New returns an Account for the given credentials. It does not contact the
// service; the first authenticated request logs in on demand, or call
// [Account.Login] to validate credentials eagerly.
func New(cfg Config) (*Account, error) {
	if cfg.Username == "" || cfg.Password == "" {
		return nil, errors.New("account: username and password are required")
	}
	cfg.applyDefaults()
	return &Account{
		UserAgent: cfg.UserAgent,
		Host:      cfg.Host,
		cfg:       cfg,
		client:    http.Client{Timeout: cfg.Timeout},
		authClient: http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		now: time.Now,
	}, nil
}

// Get sends an authenticated GET request to endpoint.
//
// The endpoint should contain only the path (e.g., "api/me/vehicles/v2"); the
// domain is determined by a.Host.
func (a *Account) Get(ctx context.Context, endpoint string) ([]byte, error) {
	return a.send(ctx, http.MethodGet, endpoint, nil)
}

// Post sends an authenticated POST request to endpoint and returns the HTTP
// body of the response.
func (a *Account) Post(ctx context.Context, endpoint string, data []byte) ([]byte, error) {
	return a.send(ctx, http.MethodPost, endpoint, data)
}

func (a *Account) send(ctx context.Context, method, endpoint string, data []byte) ([]byte, error) {
	authHeader, err := a.ensureValid(ctx)
	if err != nil {
		return nil, err
	}
	url := fmt.Sprintf("https://%s/%s", a.Host, endpoint)
	var body io.Reader
	if data != nil {
		body = bytes.NewReader(data)
	}
	request, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("error constructing request to %s: %w", endpoint, err)
	}
	log.Debug("Requesting %s %s...", method, url)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("User-Agent", a.UserAgent)
	request.Header.Set("Authorization", authHeader)
	response, err := a.client.Do(request)
	if err != nil {
		return nil, &protocol.CommandError{Err: err, PossibleSuccess: false, PossibleTemporary: true}
	}
	defer response.Body.Close()
	reader := io.LimitedReader{R: response.Body, N: MaxResponseLength}
	payload, err := io.ReadAll(&reader)
	if err != nil {
		return nil, &protocol.CommandError{Err: err, PossibleSuccess: true, PossibleTemporary: false}
	}
	if response.StatusCode != http.StatusOK {
		log.Debug("Server returned %d: %s", response.StatusCode, payload)
		return nil, &protocol.HttpError{Code: response.StatusCode, Message: string(payload)}
	}
	log.Debug("Received: %s\n", payload)
	return payload, nil
}
