package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"uinova-realtime/backend/internal/access"
	"uinova-realtime/backend/internal/auth"
	"uinova-realtime/backend/internal/entity"
	"uinova-realtime/backend/internal/httpapi/middleware"
	"uinova-realtime/backend/internal/mysqldb"
	"uinova-realtime/backend/internal/replay"
	"uinova-realtime/backend/internal/store"
)

type memSource struct {
	records map[string][]store.OperationRecord
}

func (m *memSource) ListOperations(ctx context.Context, projectID string, limit int, until time.Time) ([]store.OperationRecord, error) {
	recs := m.records[projectID]
	var out []store.OperationRecord
	for _, r := range recs {
		if !until.IsZero() && r.CreatedAt.After(until) {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

type memSessions struct {
	sessions map[string]*entity.ReplaySession
}

func (m *memSessions) SaveSession(ctx context.Context, sess *entity.ReplaySession) error {
	m.sessions[sess.ID] = sess
	return nil
}

func (m *memSessions) GetSession(ctx context.Context, sessionID string) (*entity.ReplaySession, error) {
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, mysqldb.ErrSessionNotFound
	}
	return sess, nil
}

func (m *memSessions) DeleteSessionsByProject(ctx context.Context, projectID string) (int64, error) {
	var n int64
	for id, sess := range m.sessions {
		if sess.ProjectID == projectID {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

type memPurger struct {
	counts map[string]int64
}

func (m *memPurger) PurgeOperations(ctx context.Context, projectID string) (int64, error) {
	n := m.counts[projectID]
	delete(m.counts, projectID)
	return n, nil
}

func newTestRouter(t *testing.T) (*gin.Engine, *memPurger) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	base := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	src := &memSource{records: map[string][]store.OperationRecord{
		"p1": {
			{ID: 1, ProjectID: "p1", AuthorID: 7, Payload: json.RawMessage(`{"a":1}`), CreatedAt: base},
			{ID: 2, ProjectID: "p1", AuthorID: 8, Payload: json.RawMessage(`{"a":2}`), CreatedAt: base.Add(time.Second)},
		},
	}}
	purger := &memPurger{counts: map[string]int64{"p1": 2}}
	engine := replay.NewEngine(src)
	archiver, err := replay.NewArchiver(engine, &memSessions{sessions: make(map[string]*entity.ReplaySession)}, purger)
	if err != nil {
		t.Fatalf("NewArchiver() error = %v", err)
	}
	h := NewReplayHandler(engine, archiver, access.AllowAll{})

	r := gin.New()
	api := r.Group("/v1", middleware.AuthMiddleware(auth.NewLocalVerifier()))
	api.GET("/projects/:projectId/replay", h.Replay)
	api.POST("/projects/:projectId/replay/sessions", h.CaptureSession)
	api.GET("/replay/sessions/:sessionId", h.GetSession)
	api.DELETE("/projects/:projectId/replay/history", h.PurgeHistory)
	return r, purger
}

func signToken(t *testing.T, id auth.Identity) string {
	t.Helper()
	token, err := auth.SignAccessToken(id, time.Minute)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func doRequest(r *gin.Engine, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestReplayEndpoint(t *testing.T) {
	r, _ := newTestRouter(t)
	token := signToken(t, auth.Identity{UserID: 7, Username: "alice"})

	w := doRequest(r, http.MethodGet, "/v1/projects/p1/replay", token)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var res replay.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res.FinalState["a"] != float64(2) {
		t.Fatalf("final state = %v, want a=2", res.FinalState)
	}
	if res.Summary.StepCount != 2 {
		t.Fatalf("stepCount = %d, want 2", res.Summary.StepCount)
	}
}

func TestReplayRejectsMissingToken(t *testing.T) {
	r, _ := newTestRouter(t)
	w := doRequest(r, http.MethodGet, "/v1/projects/p1/replay", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestReplayTokenFromQueryFallback(t *testing.T) {
	r, _ := newTestRouter(t)
	token := signToken(t, auth.Identity{UserID: 7, Username: "alice"})
	w := doRequest(r, http.MethodGet, "/v1/projects/p1/replay?token="+token, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestReplayRejectsBadLimit(t *testing.T) {
	r, _ := newTestRouter(t)
	token := signToken(t, auth.Identity{UserID: 7})
	w := doRequest(r, http.MethodGet, "/v1/projects/p1/replay?limit=zero", token)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestCaptureThenRetrieveSession(t *testing.T) {
	r, _ := newTestRouter(t)
	token := signToken(t, auth.Identity{UserID: 7, Username: "alice"})

	w := doRequest(r, http.MethodPost, "/v1/projects/p1/replay/sessions", token)
	if w.Code != http.StatusOK {
		t.Fatalf("capture status = %d, body = %s", w.Code, w.Body.String())
	}
	var captured struct {
		SessionID string `json:"sessionId"`
		StepCount int    `json:"stepCount"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &captured); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if captured.SessionID == "" || captured.StepCount != 2 {
		t.Fatalf("unexpected capture response: %+v", captured)
	}

	w = doRequest(r, http.MethodGet, "/v1/replay/sessions/"+captured.SessionID, token)
	if w.Code != http.StatusOK {
		t.Fatalf("retrieve status = %d, body = %s", w.Code, w.Body.String())
	}
	var res replay.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res.FinalState["a"] != float64(2) || len(res.Steps) != 2 {
		t.Fatalf("archived result mismatch: %+v", res)
	}
}

func TestRetrieveUnknownSession(t *testing.T) {
	r, _ := newTestRouter(t)
	token := signToken(t, auth.Identity{UserID: 7})
	w := doRequest(r, http.MethodGet, "/v1/replay/sessions/no-such-session", token)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestPurgeRequiresAdmin(t *testing.T) {
	r, purger := newTestRouter(t)

	member := signToken(t, auth.Identity{UserID: 7, Role: "editor"})
	w := doRequest(r, http.MethodDelete, "/v1/projects/p1/replay/history", member)
	if w.Code != http.StatusForbidden {
		t.Fatalf("non-admin purge status = %d, want 403", w.Code)
	}
	if _, exists := purger.counts["p1"]; !exists {
		t.Fatal("non-admin purge must not touch the log")
	}

	admin := signToken(t, auth.Identity{UserID: 1, Role: "admin"})
	w = doRequest(r, http.MethodDelete, "/v1/projects/p1/replay/history", admin)
	if w.Code != http.StatusOK {
		t.Fatalf("admin purge status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Removed int64 `json:"removed"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Removed != 2 {
		t.Fatalf("removed = %d, want 2", resp.Removed)
	}
}
