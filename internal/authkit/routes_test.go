package authkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"
	"google.golang.org/api/idtoken"
)

const testRefreshCookieName = "tsession_refresh"

type fakeGoogleValidator struct {
	claims           map[string]interface{}
	err              error
	expectedAudience string
}

func (validator *fakeGoogleValidator) Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
	if validator.err != nil {
		return nil, validator.err
	}
	if audience != validator.expectedAudience || token != "valid-token" {
		return nil, errors.New("rejected")
	}
	return &idtoken.Payload{Claims: validator.claims}, nil
}

type routeFixture struct {
	router  *gin.Engine
	config  ServerConfig
	manager managerFixture
	google  *fakeGoogleValidator
}

func newTestServerConfig() ServerConfig {
	return ServerConfig{
		GoogleWebClientID: "client-id",
		AppJWTSigningKey:  []byte(testSigningKey),
		AppJWTIssuer:      testIssuer,
		RefreshCookieName: testRefreshCookieName,
		SameSiteMode:      http.SameSiteStrictMode,
	}
}

func newRouteFixture(t *testing.T, withGoogle bool) routeFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	manager := newManagerFixture(t, 0)
	config := newTestServerConfig()
	google := &fakeGoogleValidator{
		expectedAudience: config.GoogleWebClientID,
		claims: map[string]interface{}{
			"iss":            "https://accounts.google.com",
			"email":          "gwen@example.com",
			"email_verified": true,
		},
	}
	dependencies := RouteDependencies{
		Manager: manager.manager,
		Logger:  zaptest.NewLogger(t),
	}
	if withGoogle {
		dependencies.Google = google
		dependencies.Nonces = NewMemoryNonceStore(time.Minute)
	}
	router := gin.New()
	MountAuthRoutes(router, config, dependencies)
	return routeFixture{router: router, config: config, manager: manager, google: google}
}

func (fixture routeFixture) do(method string, path string, body interface{}, cookie *http.Cookie, headers map[string]string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		encoded, _ := json.Marshal(body)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("User-Agent", testAgent)
	for name, value := range headers {
		request.Header.Set(name, value)
	}
	if cookie != nil {
		request.AddCookie(cookie)
	}
	recorder := httptest.NewRecorder()
	fixture.router.ServeHTTP(recorder, request)
	return recorder
}

func refreshCookieFrom(t *testing.T, recorder *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, cookie := range recorder.Result().Cookies() {
		if cookie.Name == testRefreshCookieName {
			return cookie
		}
	}
	t.Fatalf("expected %s cookie in response", testRefreshCookieName)
	return nil
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var payload map[string]interface{}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode body %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func registerBody(email string, password string) map[string]string {
	return map[string]string{"email": email, "password": password, "password_confirmation": password}
}

func TestRegisterRoute(t *testing.T) {
	fixture := newRouteFixture(t, false)

	created := fixture.do(http.MethodPost, "/auth/register", registerBody("alice@example.com", "secret-password"), nil, nil)
	if created.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", created.Code, created.Body.String())
	}
	payload := decodeBody(t, created)
	if payload["email"] != "alice@example.com" || payload["id"] == "" {
		t.Fatalf("unexpected payload: %v", payload)
	}
	if _, leaked := payload["password_hash"]; leaked {
		t.Fatalf("password hash must never be serialized")
	}
	if len(created.Result().Cookies()) != 0 {
		t.Fatalf("register must not set cookies")
	}

	duplicate := fixture.do(http.MethodPost, "/auth/register", registerBody("alice@example.com", "secret-password"), nil, nil)
	if duplicate.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", duplicate.Code)
	}
}

func TestRegisterRouteValidation(t *testing.T) {
	fixture := newRouteFixture(t, false)

	testCases := []struct {
		name         string
		body         interface{}
		expectedCode string
	}{
		{name: "invalid email", body: registerBody("not-an-email", "secret-password"), expectedCode: "invalid_email"},
		{name: "short password", body: registerBody("alice@example.com", "123"), expectedCode: "password_too_short"},
		{name: "long password", body: registerBody("alice@example.com", strings.Repeat("p", MaxPasswordBytes+1)), expectedCode: "password_too_long"},
		{
			name:         "mismatch",
			body:         map[string]string{"email": "alice@example.com", "password": "secret-password", "password_confirmation": "other-password"},
			expectedCode: "password_mismatch",
		},
	}
	for _, testCase := range testCases {
		recorder := fixture.do(http.MethodPost, "/auth/register", testCase.body, nil, nil)
		if recorder.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", testCase.name, recorder.Code)
		}
		if decodeBody(t, recorder)["error"] != testCase.expectedCode {
			t.Fatalf("%s: unexpected body %s", testCase.name, recorder.Body.String())
		}
	}
}

func TestLoginRefreshLogoutRoutes(t *testing.T) {
	fixture := newRouteFixture(t, false)
	if recorder := fixture.do(http.MethodPost, "/auth/register", registerBody("alice@example.com", "secret-password"), nil, nil); recorder.Code != http.StatusCreated {
		t.Fatalf("register: %d", recorder.Code)
	}

	rejected := fixture.do(http.MethodPost, "/auth/login", map[string]string{"email": "alice@example.com", "password": "wrong"}, nil, nil)
	if rejected.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad credentials, got %d", rejected.Code)
	}

	login := fixture.do(http.MethodPost, "/auth/login", map[string]string{"email": "alice@example.com", "password": "secret-password"}, nil, nil)
	if login.Code != http.StatusOK {
		t.Fatalf("expected 200 from login, got %d: %s", login.Code, login.Body.String())
	}
	payload := decodeBody(t, login)
	if payload["access_token"] == "" || payload["token_type"] != "Bearer" {
		t.Fatalf("unexpected login payload: %v", payload)
	}
	firstCookie := refreshCookieFrom(t, login)
	if !firstCookie.HttpOnly || !firstCookie.Secure || firstCookie.Path != "/auth" {
		t.Fatalf("unexpected refresh cookie attributes: %+v", firstCookie)
	}

	refreshed := fixture.do(http.MethodPost, "/auth/refresh", nil, firstCookie, nil)
	if refreshed.Code != http.StatusOK {
		t.Fatalf("expected 200 from refresh, got %d", refreshed.Code)
	}
	secondCookie := refreshCookieFrom(t, refreshed)
	if secondCookie.Value == firstCookie.Value {
		t.Fatalf("expected rotated refresh cookie")
	}

	replay := fixture.do(http.MethodPost, "/auth/refresh", nil, firstCookie, nil)
	if replay.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 on replay, got %d", replay.Code)
	}
	if cleared := refreshCookieFrom(t, replay); cleared.MaxAge >= 0 {
		t.Fatalf("expected replayed cookie to be cleared, got %+v", cleared)
	}

	missing := fixture.do(http.MethodPost, "/auth/refresh", nil, nil, nil)
	if missing.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without cookie, got %d", missing.Code)
	}

	logout := fixture.do(http.MethodPost, "/auth/logout", nil, secondCookie, nil)
	if logout.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from logout, got %d", logout.Code)
	}
	afterLogout := fixture.do(http.MethodPost, "/auth/refresh", nil, secondCookie, nil)
	if afterLogout.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after logout, got %d", afterLogout.Code)
	}
}

func TestGoogleRoutesRequireConfiguration(t *testing.T) {
	fixture := newRouteFixture(t, false)

	if recorder := fixture.do(http.MethodGet, "/auth/nonce", nil, nil, nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected nonce route to be absent, got %d", recorder.Code)
	}
	if recorder := fixture.do(http.MethodPost, "/auth/google", map[string]string{"google_id_token": "valid-token"}, nil, nil); recorder.Code != http.StatusNotFound {
		t.Fatalf("expected google route to be absent, got %d", recorder.Code)
	}
}

func issueNonce(t *testing.T, fixture routeFixture) string {
	t.Helper()
	recorder := fixture.do(http.MethodGet, "/auth/nonce", nil, nil, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 from nonce, got %d", recorder.Code)
	}
	nonce, _ := decodeBody(t, recorder)["nonce"].(string)
	if nonce == "" {
		t.Fatalf("expected nonce in body")
	}
	return nonce
}

func TestGoogleSignInRoute(t *testing.T) {
	fixture := newRouteFixture(t, true)
	secure := map[string]string{"X-Forwarded-Proto": "https"}

	nonce := issueNonce(t, fixture)
	fixture.google.claims["nonce"] = nonce
	signIn := fixture.do(http.MethodPost, "/auth/google", map[string]string{"google_id_token": "valid-token", "nonce": nonce}, nil, secure)
	if signIn.Code != http.StatusOK {
		t.Fatalf("expected 200 from google sign-in, got %d: %s", signIn.Code, signIn.Body.String())
	}
	refreshCookieFrom(t, signIn)
	user, found, err := fixture.manager.users.FindByIdentifier(context.Background(), "gwen@example.com")
	if err != nil || !found || user.Provider != ProviderGoogle {
		t.Fatalf("expected provider account, got %+v found=%v err=%v", user, found, err)
	}

	reused := fixture.do(http.MethodPost, "/auth/google", map[string]string{"google_id_token": "valid-token", "nonce": nonce}, nil, secure)
	if reused.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a reused nonce, got %d", reused.Code)
	}
}

func TestGoogleSignInRouteRejections(t *testing.T) {
	fixture := newRouteFixture(t, true)
	secure := map[string]string{"X-Forwarded-Proto": "https"}

	insecureNonce := issueNonce(t, fixture)
	insecure := fixture.do(http.MethodPost, "/auth/google", map[string]string{"google_id_token": "valid-token", "nonce": insecureNonce}, nil, nil)
	if insecure.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 over plain http, got %d", insecure.Code)
	}

	mismatchNonce := issueNonce(t, fixture)
	fixture.google.claims["nonce"] = "other-nonce"
	mismatch := fixture.do(http.MethodPost, "/auth/google", map[string]string{"google_id_token": "valid-token", "nonce": mismatchNonce}, nil, secure)
	if mismatch.Code != http.StatusUnauthorized || decodeBody(t, mismatch)["error"] != "nonce_mismatch" {
		t.Fatalf("expected nonce_mismatch, got %d %s", mismatch.Code, mismatch.Body.String())
	}

	unverifiedNonce := issueNonce(t, fixture)
	fixture.google.claims["nonce"] = unverifiedNonce
	fixture.google.claims["email_verified"] = false
	unverified := fixture.do(http.MethodPost, "/auth/google", map[string]string{"google_id_token": "valid-token", "nonce": unverifiedNonce}, nil, secure)
	if unverified.Code != http.StatusUnauthorized || decodeBody(t, unverified)["error"] != "unverified_identity" {
		t.Fatalf("expected unverified_identity, got %d %s", unverified.Code, unverified.Body.String())
	}

	invalidNonce := issueNonce(t, fixture)
	invalid := fixture.do(http.MethodPost, "/auth/google", map[string]string{"google_id_token": "forged-token", "nonce": invalidNonce}, nil, secure)
	if invalid.Code != http.StatusUnauthorized || decodeBody(t, invalid)["error"] != "invalid_google_token" {
		t.Fatalf("expected invalid_google_token, got %d %s", invalid.Code, invalid.Body.String())
	}

	if _, found, _ := fixture.manager.users.FindByIdentifier(context.Background(), "gwen@example.com"); found {
		t.Fatalf("rejected sign-ins must not create accounts")
	}
}

func TestRespondErrorMasksServerErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/boom", func(contextGin *gin.Context) {
		RespondError(contextGin, zaptest.NewLogger(t), errors.New("database exploded"))
	})
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", recorder.Code)
	}
	if decodeBody(t, recorder)["error"] != "internal_error" {
		t.Fatalf("expected masked error, got %s", recorder.Body.String())
	}
}
