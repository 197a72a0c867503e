// Package httpapi exposes the sync engine's Connection API: the small HTTP
// surface a hosted-VCS OAuth frontend calls to connect a repository, list
// what is connected, trigger a manual sweep, and receive merge webhooks.
// It is deliberately self-contained — it never touches the wider
// application's account/auth machinery, only the session JWT and webhook
// secret the daemon is configured with.
package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	domain "github.com/R3E-Network/service_layer/internal/app/domain/reposync"
	"github.com/R3E-Network/service_layer/internal/app/reposync/changeprocessor"
	"github.com/R3E-Network/service_layer/internal/app/reposync/materializer"
	"github.com/R3E-Network/service_layer/internal/app/reposync/store"
	"github.com/R3E-Network/service_layer/internal/app/reposync/syncengine"
	"github.com/R3E-Network/service_layer/internal/app/reposync/vcsclient"
	"github.com/R3E-Network/service_layer/internal/app/reposync/workspaceclient"
	"github.com/R3E-Network/service_layer/pkg/logger"
	jwt "github.com/dgrijalva/jwt-go"
)

// CredentialResolver looks up the hosted-VCS access token for a connected
// user. The daemon's own OAuth/token storage lives outside this package;
// this is the narrow seam it's reached through.
type CredentialResolver interface {
	ResolveCredential(ctx context.Context, ownerID string) (string, error)
}

// ReposyncDeps collects everything the Connection API needs to serve a
// request. Only Store is mandatory; the rest degrade gracefully to
// unimplemented (501) responses so a partially-wired daemon can still
// answer health and status checks.
type ReposyncDeps struct {
	Store         store.Store
	Materializer  *materializer.Materializer
	Processor     *changeprocessor.Processor
	Engine        *syncengine.Engine
	VCSBaseURL    string
	Credentials   CredentialResolver
	SessionSecret []byte
	WebhookSecret []byte
	Log           *logger.Logger
}

type reposyncHandler struct {
	deps ReposyncDeps
	log  *logger.Logger
}

// NewReposyncHandler builds the Connection API's http.Handler, routing the
// fixed set of endpoints spec.md §4.8 defines.
func NewReposyncHandler(deps ReposyncDeps) http.Handler {
	log := deps.Log
	if log == nil {
		log = logger.NewDefault("reposync-httpapi")
	}
	h := &reposyncHandler{deps: deps, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("/sync/analyze", h.analyze)
	mux.HandleFunc("/sync/manual", h.manual)
	mux.HandleFunc("/sync/repositories", h.repositories)
	mux.HandleFunc("/sync/connected", h.connected)
	mux.HandleFunc("/sync/disconnect/", h.disconnect)
	mux.HandleFunc("/sync/sync-status", h.syncStatus)
	mux.HandleFunc("/sync/auto-sync", h.autoSync)
	mux.HandleFunc("/webhook/github", h.webhookGitHub)
	return mux
}

// sessionClaims is the payload of the session JWT issued by the OAuth
// frontend. dgrijalva/jwt-go rather than the newer v5 package: a separate,
// narrower token from whatever the rest of the application signs elsewhere,
// so the two verification paths never share a key or a claims shape.
type sessionClaims struct {
	jwt.StandardClaims
	Login       string `json:"login"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

func (h *reposyncHandler) verifySession(sessionID string) (domain.Owner, error) {
	if len(h.deps.SessionSecret) == 0 {
		return domain.Owner{}, fmt.Errorf("session verification is not configured")
	}
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(sessionID, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return h.deps.SessionSecret, nil
	})
	if err != nil || !token.Valid {
		return domain.Owner{}, fmt.Errorf("invalid session: %w", err)
	}
	return domain.Owner{ID: claims.Subject, Login: claims.Login, DisplayName: claims.DisplayName, Email: claims.Email}, nil
}

func (h *reposyncHandler) credentialFor(ctx context.Context, owner domain.Owner) string {
	if h.deps.Credentials == nil {
		return ""
	}
	credential, err := h.deps.Credentials.ResolveCredential(ctx, owner.ID)
	if err != nil {
		h.log.WithField("owner", owner.ID).WithField("error", err).Warn("reposync httpapi: failed to resolve credential")
		return ""
	}
	return credential
}

type analyzeRequest struct {
	SessionID   string `json:"sessionId"`
	Owner       string `json:"owner"`
	Repo        string `json:"repo"`
	Branch      string `json:"branch"`
	CraftMcpURL string `json:"craftMcpUrl"`
}

func (h *reposyncHandler) analyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	var req analyzeRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.SessionID == "" || req.Owner == "" || req.Repo == "" || req.CraftMcpURL == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("owner, repo, craftMcpUrl and sessionId are required"))
		return
	}
	owner, err := h.verifySession(req.SessionID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	if h.deps.Materializer == nil {
		writeError(w, http.StatusNotImplemented, fmt.Errorf("analysis is not available"))
		return
	}

	repoKey := req.Owner + "/" + req.Repo
	credential := h.credentialFor(r.Context(), owner)
	result, err := h.deps.Materializer.Analyse(r.Context(), repoKey, credential, req.CraftMcpURL, req.Branch, owner)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"alreadyExists": result.Existing,
		"craftDocument": map[string]string{"id": result.DocumentID, "title": result.Title},
		"analysis": map[string]interface{}{
			"repoName":   repoKey,
			"confidence": int(result.Confidence * 100),
			"techStack":  result.Analysis.TechnicalStack,
		},
		"connectionInfo": map[string]interface{}{
			"repoKey":       repoKey,
			"collectionIds": result.CollectionIDs,
		},
	})
}

type manualRequest struct {
	SessionID string `json:"sessionId"`
	RepoKey   string `json:"repoKey"`
}

func (h *reposyncHandler) manual(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	var req manualRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.RepoKey == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("repoKey is required"))
		return
	}
	if _, err := h.verifySession(req.SessionID); err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	if h.deps.Engine == nil {
		writeError(w, http.StatusNotImplemented, fmt.Errorf("manual sync is not available"))
		return
	}

	result, err := h.deps.Engine.TriggerOne(r.Context(), req.RepoKey)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"prCount":     result.PRCount,
		"commitCount": result.CommitCount,
		"prs":         result.PRNumbers,
		"commits":     result.CommitSHAs,
	})
}

func (h *reposyncHandler) repositories(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	owner, err := h.verifySession(r.URL.Query().Get("sessionId"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	credential := h.credentialFor(r.Context(), owner)
	vcs := vcsclient.New(h.deps.VCSBaseURL, credential, nil, h.log)
	repos, err := vcs.ListRepositories(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"repositories": repos})
}

func (h *reposyncHandler) connected(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	owner, err := h.verifySession(r.URL.Query().Get("sessionId"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	if h.deps.Store == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"connections": []domain.ConnectionRecord{}})
		return
	}
	all, err := h.deps.Store.All(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	mine := make([]domain.ConnectionRecord, 0, len(all))
	for _, conn := range all {
		if conn.OwnerUser.ID != owner.ID {
			continue
		}
		ws := workspaceclient.New(conn.WorkspaceEndpoint, nil, h.log)
		if _, exists, err := ws.DocumentExists(r.Context(), conn.DocumentTitle); err == nil && !exists {
			if err := h.deps.Store.Delete(r.Context(), conn.RepoKey); err != nil {
				h.log.WithField("repo_key", conn.RepoKey).WithField("error", err).Warn("reposync httpapi: failed to remove connection whose document is gone")
			}
			continue
		}
		mine = append(mine, conn)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"connections": mine})
}

func (h *reposyncHandler) disconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	repoKey := strings.TrimPrefix(r.URL.Path, "/sync/disconnect/")
	if repoKey == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("repository path is required"))
		return
	}
	owner, err := h.verifySession(r.URL.Query().Get("sessionId"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	conn, found, err := h.deps.Store.Get(r.Context(), repoKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, fmt.Errorf("connection not found"))
		return
	}
	if conn.OwnerUser.ID != "" && conn.OwnerUser.ID != owner.ID {
		writeError(w, http.StatusForbidden, fmt.Errorf("not the owner of this connection"))
		return
	}
	if err := h.deps.Store.Delete(r.Context(), repoKey); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (h *reposyncHandler) syncStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	var connected int
	lastSynced := map[string]int64{}
	if h.deps.Store != nil {
		all, err := h.deps.Store.All(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		connected = len(all)
		for _, conn := range all {
			if conn.LastSyncedAt != nil {
				lastSynced[conn.RepoKey] = conn.LastSyncedAt.UnixMilli()
			}
		}
	}
	var periodMs int64
	if h.deps.Engine != nil {
		periodMs = h.deps.Engine.Period().Milliseconds()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"isRunning":       true,
		"connectedRepos":  connected,
		"syncIntervalMs":  periodMs,
		"lastSyncTimesMs": lastSynced,
	})
}

type autoSyncRequest struct {
	SessionID string `json:"sessionId"`
	RepoKey   string `json:"repoKey"`
	Enabled   bool   `json:"enabled"`
}

func (h *reposyncHandler) autoSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	var req autoSyncRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	owner, err := h.verifySession(req.SessionID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	conn, found, err := h.deps.Store.Get(r.Context(), req.RepoKey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, fmt.Errorf("connection not found"))
		return
	}
	if conn.OwnerUser.ID != "" && conn.OwnerUser.ID != owner.ID {
		writeError(w, http.StatusForbidden, fmt.Errorf("not the owner of this connection"))
		return
	}
	conn.AutoSyncEnabled = req.Enabled
	conn.LastUpdatedAt = time.Now().UTC()
	if err := h.deps.Store.Put(r.Context(), conn); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "autoSyncEnabled": conn.AutoSyncEnabled})
}

type githubPullRequestEvent struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Merged bool `json:"merged"`
	} `json:"pull_request"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

func (h *reposyncHandler) webhookGitHub(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(h.deps.WebhookSecret) == 0 || !verifyGitHubSignature(h.deps.WebhookSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid webhook signature"))
		return
	}

	var event githubPullRequestEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if event.Action != "closed" || !event.PullRequest.Merged || h.deps.Processor == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"dispatched": false})
		return
	}
	if err := h.deps.Processor.OnPullRequest(r.Context(), event.Repository.FullName, event.Number); err != nil {
		h.log.WithField("repo_key", event.Repository.FullName).WithField("error", err).Warn("reposync httpapi: webhook-triggered pull request processing failed")
		writeError(w, http.StatusAccepted, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"dispatched": true})
}

// verifyGitHubSignature checks the "sha256=<hex>" X-Hub-Signature-256
// header GitHub sends against an HMAC-SHA256 of the raw request body,
// the same constant-time-compare idiom used for the oracle runner's
// bearer token.
func verifyGitHubSignature(secret, body []byte, header string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	expected, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return subtle.ConstantTimeCompare(mac.Sum(nil), expected) == 1
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func wrapWithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
