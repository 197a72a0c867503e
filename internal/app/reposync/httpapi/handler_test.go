package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/R3E-Network/service_layer/internal/app/domain/reposync"
	"github.com/R3E-Network/service_layer/internal/app/reposync/changeprocessor"
	"github.com/R3E-Network/service_layer/internal/app/reposync/materializer"
	"github.com/R3E-Network/service_layer/internal/app/reposync/oracleclient"
	"github.com/R3E-Network/service_layer/internal/app/reposync/store/memory"
	"github.com/R3E-Network/service_layer/internal/app/reposync/syncengine"
	jwt "github.com/dgrijalva/jwt-go"
)

type oracleProviderStub struct{}

func (oracleProviderStub) Complete(ctx context.Context, prompt string) (string, error) {
	return `{}`, nil
}

func jsonBody(t *testing.T, v interface{}) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	return bytes.NewReader(b)
}

func hmacHex(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func signedSession(t *testing.T, secret []byte, subject, login string) string {
	t.Helper()
	claims := sessionClaims{
		StandardClaims: jwt.StandardClaims{Subject: subject, ExpiresAt: time.Now().Add(time.Hour).Unix()},
		Login:          login,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign session: %v", err)
	}
	return signed
}

func TestSyncStatus_ReportsConnectedRepoCount(t *testing.T) {
	ctx := context.Background()
	st := memory.New("")
	synced := time.Now()
	if err := st.Put(ctx, domain.ConnectionRecord{RepoKey: "octocat/hello", LastSyncedAt: &synced}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	proc := changeprocessor.New(st, oracleclient.New(oracleProviderStub{}, nil), "https://vcs.invalid", nil)
	engine := syncengine.New(st, proc, "https://vcs.invalid", nil)
	deps := ReposyncDeps{Store: st, Engine: engine}

	handler := NewReposyncHandler(deps)
	req := httptest.NewRequest(http.MethodGet, "/sync/sync-status", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var body map[string]interface{}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if count, ok := body["connectedRepos"].(float64); !ok || count != 1 {
		t.Fatalf("expected connectedRepos=1, got %v", body["connectedRepos"])
	}
}

func TestAnalyze_RejectsMissingFields(t *testing.T) {
	deps := ReposyncDeps{SessionSecret: []byte("test-secret")}
	handler := NewReposyncHandler(deps)

	req := httptest.NewRequest(http.MethodPost, "/sync/analyze", jsonBody(t, map[string]string{"owner": "octocat"}))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing fields, got %d", resp.Code)
	}
}

func TestAnalyze_RejectsInvalidSession(t *testing.T) {
	secret := []byte("test-secret")
	st := memory.New("")
	oracle := oracleclient.New(oracleProviderStub{}, nil)
	m := materializer.New(st, oracle, "https://vcs.invalid", nil)
	deps := ReposyncDeps{Store: st, Materializer: m, SessionSecret: secret}
	handler := NewReposyncHandler(deps)

	body := map[string]string{
		"sessionId":   "not-a-real-token",
		"owner":       "octocat",
		"repo":        "hello",
		"craftMcpUrl": "https://workspace.invalid",
	}
	req := httptest.NewRequest(http.MethodPost, "/sync/analyze", jsonBody(t, body))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for an invalid session, got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestDisconnect_RemovesConnection(t *testing.T) {
	ctx := context.Background()
	secret := []byte("test-secret")
	st := memory.New("")
	if err := st.Put(ctx, domain.ConnectionRecord{RepoKey: "octocat/hello", OwnerUser: domain.Owner{ID: "user-1"}}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	deps := ReposyncDeps{Store: st, SessionSecret: secret}
	handler := NewReposyncHandler(deps)

	token := signedSession(t, secret, "user-1", "octocat")
	req := httptest.NewRequest(http.MethodDelete, "/sync/disconnect/octocat/hello?sessionId="+token, nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if _, found, _ := st.Get(ctx, "octocat/hello"); found {
		t.Fatalf("expected connection to be removed")
	}
}

func TestVerifyGitHubSignature(t *testing.T) {
	secret := []byte("webhook-secret")
	body := []byte(`{"action":"closed"}`)

	valid := "sha256=" + hmacHex(secret, body)
	if !verifyGitHubSignature(secret, body, valid) {
		t.Fatalf("expected a correctly signed payload to verify")
	}
	if verifyGitHubSignature(secret, body, "sha256=deadbeef") {
		t.Fatalf("expected a mismatched signature to fail")
	}
}
