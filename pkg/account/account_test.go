package account

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"

	"github.com/bmwcd/connecteddrive/pkg/protocol"
)

const (
	testToken    = "Xy12AbCd34"
	testGrant    = "https://www.bmw-connecteddrive.com/app/default/static/external-dispatch.html#access_token=" + testToken + "&token_type=Bearer&expires_in=7200"
	testAuthKey  = "POST " + DefaultAuthURL
	testDataURL  = "https://" + DefaultHost + "/api/me/vehicles/v2"
	testDataKey  = "GET " + testDataURL
	testEndpoint = "api/me/vehicles/v2"
)

// newTestAccount returns an account with a controllable clock. Advance the
// clock through the returned pointer.
func newTestAccount(t *testing.T) (*Account, *time.Time) {
	t.Helper()
	acct, err := New(Config{Username: "user@example.org", Password: "hunter2"})
	if err != nil {
		t.Fatalf("New returned error: %s", err)
	}
	current := time.Date(2019, time.March, 4, 12, 0, 0, 0, time.UTC)
	acct.now = func() time.Time { return current }
	return acct, &current
}

func redirectResponder(location string) httpmock.Responder {
	return func(*http.Request) (*http.Response, error) {
		response := httpmock.NewStringResponse(http.StatusFound, "")
		response.Header.Set("Location", location)
		return response, nil
	}
}

func TestLoginParsesGrant(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	httpmock.RegisterResponder("POST", DefaultAuthURL, redirectResponder(testGrant))

	acct, clock := newTestAccount(t)
	if acct.SessionValid() {
		t.Error("Session reported valid before login")
	}
	if err := acct.Login(context.Background()); err != nil {
		t.Fatalf("Login returned error: %s", err)
	}
	if !acct.SessionValid() {
		t.Error("Session reported invalid after successful login")
	}
	if want := clock.Add(7200 * time.Second); !acct.TokenExpiresAt().Equal(want) {
		t.Errorf("Token expiry = %s, want %s", acct.TokenExpiresAt(), want)
	}
	if acct.TokenType() != "Bearer" {
		t.Errorf("Token type = %q, want Bearer", acct.TokenType())
	}
}

func TestLoginSendsCredentialForm(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	httpmock.RegisterResponder("POST", DefaultAuthURL, func(req *http.Request) (*http.Response, error) {
		if err := req.ParseForm(); err != nil {
			t.Fatalf("Login request form did not parse: %s", err)
		}
		if got := req.PostForm.Get("username"); got != "user@example.org" {
			t.Errorf("username = %q", got)
		}
		if got := req.PostForm.Get("password"); got != "hunter2" {
			t.Errorf("password = %q", got)
		}
		if got := req.PostForm.Get("client_id"); got != defaultClientID {
			t.Errorf("client_id = %q", got)
		}
		if got := req.PostForm.Get("response_type"); got != "token" {
			t.Errorf("response_type = %q", got)
		}
		if got := req.PostForm.Get("redirect_uri"); got != defaultRedirectURI {
			t.Errorf("redirect_uri = %q", got)
		}
		if got := req.Header.Get("Content-Type"); got != "application/x-www-form-urlencoded" {
			t.Errorf("Content-Type = %q", got)
		}
		response := httpmock.NewStringResponse(http.StatusFound, "")
		response.Header.Set("Location", testGrant)
		return response, nil
	})

	acct, _ := newTestAccount(t)
	if err := acct.Login(context.Background()); err != nil {
		t.Fatalf("Login returned error: %s", err)
	}
}

func TestLoginDeniedLatches(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	denied := "https://www.bmw-connecteddrive.com/app/default/static/external-dispatch.html#error=access_denied"
	httpmock.RegisterResponder("POST", DefaultAuthURL, redirectResponder(denied))
	httpmock.RegisterResponder("GET", testDataURL, httpmock.NewStringResponder(200, "[]"))

	acct, _ := newTestAccount(t)
	if err := acct.Login(context.Background()); !errors.Is(err, protocol.ErrAuthDenied) {
		t.Fatalf("Login error = %v, want ErrAuthDenied", err)
	}
	loginCalls := httpmock.GetCallCountInfo()[testAuthKey]

	// The latch must reject further requests without touching the network.
	if _, err := acct.Get(context.Background(), testEndpoint); !errors.Is(err, protocol.ErrAuthDenied) {
		t.Fatalf("Get error = %v, want ErrAuthDenied", err)
	}
	counts := httpmock.GetCallCountInfo()
	if counts[testDataKey] != 0 {
		t.Errorf("Denied session issued %d data requests", counts[testDataKey])
	}
	if counts[testAuthKey] != loginCalls {
		t.Errorf("Denied session retried the login exchange")
	}
}

func TestLoginRecoversAfterDenial(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	denied := "https://www.bmw-connecteddrive.com/app/default/static/external-dispatch.html#error=access_denied"
	httpmock.RegisterResponder("POST", DefaultAuthURL, redirectResponder(denied))

	acct, _ := newTestAccount(t)
	if err := acct.Login(context.Background()); !errors.Is(err, protocol.ErrAuthDenied) {
		t.Fatalf("Login error = %v, want ErrAuthDenied", err)
	}

	httpmock.RegisterResponder("POST", DefaultAuthURL, redirectResponder(testGrant))
	if err := acct.Login(context.Background()); err != nil {
		t.Fatalf("Login after recovery returned error: %s", err)
	}
	if !acct.SessionValid() {
		t.Error("Session reported invalid after recovered login")
	}
}

func TestLoginRejectsGarbledRedirect(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	httpmock.RegisterResponder("POST", DefaultAuthURL,
		redirectResponder("https://www.bmw-connecteddrive.com/app/default/static/external-dispatch.html#state=only"))

	acct, _ := newTestAccount(t)
	err := acct.Login(context.Background())
	if !errors.Is(err, protocol.ErrBadLoginResponse) {
		t.Fatalf("Login error = %v, want ErrBadLoginResponse", err)
	}
	if acct.SessionValid() {
		t.Error("Session reported valid after garbled login")
	}
	// A garbled response is not a denial and must not latch.
	if errors.Is(err, protocol.ErrAuthDenied) {
		t.Error("Garbled redirect classified as denial")
	}
}

func TestLoginRejectsMissingRedirect(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	httpmock.RegisterResponder("POST", DefaultAuthURL, httpmock.NewStringResponder(200, "<html>please sign in</html>"))

	acct, _ := newTestAccount(t)
	if err := acct.Login(context.Background()); !errors.Is(err, protocol.ErrBadLoginResponse) {
		t.Fatalf("Login error = %v, want ErrBadLoginResponse", err)
	}
}

func TestRequestsCarryBearerToken(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	httpmock.RegisterResponder("POST", DefaultAuthURL, redirectResponder(testGrant))
	httpmock.RegisterResponder("GET", testDataURL, func(req *http.Request) (*http.Response, error) {
		if got := req.Header.Get("Authorization"); got != "Bearer "+testToken {
			t.Errorf("Authorization = %q", got)
		}
		if got := req.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q", got)
		}
		if got := req.Header.Get("User-Agent"); got != DefaultUserAgent {
			t.Errorf("User-Agent = %q", got)
		}
		return httpmock.NewStringResponse(200, "[]"), nil
	})

	acct, _ := newTestAccount(t)
	body, err := acct.Get(context.Background(), testEndpoint)
	if err != nil {
		t.Fatalf("Get returned error: %s", err)
	}
	if string(body) != "[]" {
		t.Errorf("Get body = %q", body)
	}
	// The first authenticated request logs in on demand.
	if calls := httpmock.GetCallCountInfo()[testAuthKey]; calls != 1 {
		t.Errorf("Login exchange ran %d times, want 1", calls)
	}
}

func TestTokenRenewedLazily(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	grant := "https://www.bmw-connecteddrive.com/app/default/static/external-dispatch.html#access_token=" + testToken + "&token_type=Bearer&expires_in=100"
	httpmock.RegisterResponder("POST", DefaultAuthURL, redirectResponder(grant))
	httpmock.RegisterResponder("GET", testDataURL, httpmock.NewStringResponder(200, "[]"))

	acct, clock := newTestAccount(t)
	if err := acct.Login(context.Background()); err != nil {
		t.Fatalf("Login returned error: %s", err)
	}

	// Within the token lifetime no renewal happens.
	*clock = clock.Add(99 * time.Second)
	if _, err := acct.Get(context.Background(), testEndpoint); err != nil {
		t.Fatalf("Get returned error: %s", err)
	}
	if calls := httpmock.GetCallCountInfo()[testAuthKey]; calls != 1 {
		t.Errorf("Login exchange ran %d times before expiry, want 1", calls)
	}

	// At the expiry instant the session renews before the request.
	*clock = clock.Add(time.Second)
	if _, err := acct.Get(context.Background(), testEndpoint); err != nil {
		t.Fatalf("Get returned error: %s", err)
	}
	if calls := httpmock.GetCallCountInfo()[testAuthKey]; calls != 2 {
		t.Errorf("Login exchange ran %d times after expiry, want 2", calls)
	}
}

func TestGetReportsStatusCode(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()
	httpmock.RegisterResponder("POST", DefaultAuthURL, redirectResponder(testGrant))
	httpmock.RegisterResponder("GET", testDataURL, httpmock.NewStringResponder(http.StatusBadGateway, "upstream unreachable"))

	acct, _ := newTestAccount(t)
	_, err := acct.Get(context.Background(), testEndpoint)
	var httpErr *protocol.HttpError
	if !errors.As(err, &httpErr) {
		t.Fatalf("Get error = %v, want HttpError", err)
	}
	if httpErr.Code != http.StatusBadGateway {
		t.Errorf("HttpError code = %d, want 502", httpErr.Code)
	}
	if httpErr.Message != "upstream unreachable" {
		t.Errorf("HttpError message = %q", httpErr.Message)
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	if _, err := New(Config{Username: "user@example.org"}); err == nil {
		t.Error("Returned success without a password")
	}
	if _, err := New(Config{Password: "hunter2"}); err == nil {
		t.Error("Returned success without a username")
	}
}

func TestConfigDefaults(t *testing.T) {
	acct, _ := newTestAccount(t)
	if acct.Host != DefaultHost {
		t.Errorf("Host = %q, want %q", acct.Host, DefaultHost)
	}
	if acct.UserAgent != DefaultUserAgent {
		t.Errorf("UserAgent = %q", acct.UserAgent)
	}
	if acct.cfg.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %s, want %s", acct.cfg.Timeout, DefaultTimeout)
	}
	if acct.client.Timeout != DefaultTimeout {
		t.Errorf("Client timeout = %s, want %s", acct.client.Timeout, DefaultTimeout)
	}
}
