package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudshipai/runner/internal/jobs"
	"github.com/cloudshipai/runner/internal/registry"
)

type fakeRepoResolver struct {
	ready bool
	path  string
}

func (f *fakeRepoResolver) Ready(string) bool { return f.ready }
func (f *fakeRepoResolver) Path(string) (string, error) {
	if !f.ready {
		return "", jobs.ErrRepoNotReady
	}
	return f.path, nil
}

type noopRunner struct{}

func (noopRunner) Run(ctx context.Context, jobID string) {}

func newTestHandlers(t *testing.T) (*Handlers, *jobs.Store, Authenticator) {
	t.Helper()
	store := jobs.NewStore()
	sched := jobs.NewScheduler(store, &fakeRepoResolver{ready: true, path: t.TempDir()}, noopRunner{}, 2)
	reg := registry.NewRegistry(t.TempDir(), nil)
	authn := NewStaticAuthenticator(map[string]string{"alice": "secret", "bob": "secret"})
	h := NewHandlers(store, sched, nil, reg, nil, authn, nil)
	return h, store, authn
}

func newTestRouter(t *testing.T) (*gin.Engine, *Handlers, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h, _, authn := newTestHandlers(t)
	r := gin.New()
	api := r.Group("/api")
	h.RegisterRoutes(api)

	token, err := authn.Authenticate("alice", "secret")
	require.NoError(t, err)
	return r, h, token
}

func loginAs(t *testing.T, r *gin.Engine, username, password string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	rec := doRequest(r, http.MethodPost, "/api/auth/login", "", body)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Token
}

func doRequest(r *gin.Engine, method, path, token string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestLoginSuccess(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, _, _ := newTestHandlers(t)
	r := gin.New()
	api := r.Group("/api")
	h.RegisterRoutes(api)

	body, _ := json.Marshal(map[string]string{"username": "alice", "password": "secret"})
	rec := doRequest(r, http.MethodPost, "/api/auth/login", "", body)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestLoginInvalidCredentials(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, _, _ := newTestHandlers(t)
	r := gin.New()
	api := r.Group("/api")
	h.RegisterRoutes(api)

	body, _ := json.Marshal(map[string]string{"username": "alice", "password": "wrong"})
	rec := doRequest(r, http.MethodPost, "/api/auth/login", "", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJobsRequireAuth(t *testing.T) {
	r, _, _ := newTestRouter(t)
	rec := doRequest(r, http.MethodGet, "/api/jobs", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateAndGetJob(t *testing.T) {
	r, _, token := newTestRouter(t)

	body, _ := json.Marshal(map[string]any{
		"prompt":     "do the thing",
		"repository": "repo-a",
	})
	rec := doRequest(r, http.MethodPost, "/api/jobs", token, body)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.JobID)

	rec = doRequest(r, http.MethodGet, "/api/jobs/"+created.JobID, token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetJobNotFound(t *testing.T) {
	r, _, token := newTestRouter(t)
	rec := doRequest(r, http.MethodGet, "/api/jobs/does-not-exist", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobsOnlyReturnsOwnersJobs(t *testing.T) {
	r, store, token := newTestRouter(t)
	store.Put(jobs.NewJob("alice", "p", "repo-a", jobs.Options{}))
	store.Put(jobs.NewJob("bob", "p", "repo-a", jobs.Options{}))

	rec := doRequest(r, http.MethodGet, "/api/jobs", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Jobs []map[string]any `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Jobs, 1)
}

func TestStartJobQueuesIt(t *testing.T) {
	r, store, token := newTestRouter(t)
	job := jobs.NewJob("alice", "p", "repo-a", jobs.Options{})
	store.Put(job)

	rec := doRequest(r, http.MethodPost, "/api/jobs/"+job.ID+"/start", token, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestGetJobForbiddenForNonOwner(t *testing.T) {
	r, store, _ := newTestRouter(t)
	job := jobs.NewJob("alice", "p", "repo-a", jobs.Options{})
	store.Put(job)
	bobToken := loginAs(t, r, "bob", "secret")

	rec := doRequest(r, http.MethodGet, "/api/jobs/"+job.ID, bobToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestStartJobForbiddenForNonOwner(t *testing.T) {
	r, store, _ := newTestRouter(t)
	job := jobs.NewJob("alice", "p", "repo-a", jobs.Options{})
	store.Put(job)
	bobToken := loginAs(t, r, "bob", "secret")

	rec := doRequest(r, http.MethodPost, "/api/jobs/"+job.ID+"/start", bobToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	snap, err := store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StateCreated, snap.State)
}

func TestCancelJobForbiddenForNonOwner(t *testing.T) {
	r, store, _ := newTestRouter(t)
	job := jobs.NewJob("alice", "p", "repo-a", jobs.Options{})
	store.Put(job)
	bobToken := loginAs(t, r, "bob", "secret")

	rec := doRequest(r, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", bobToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDeleteJobForbiddenForNonOwner(t *testing.T) {
	r, store, _ := newTestRouter(t)
	job := jobs.NewJob("alice", "p", "repo-a", jobs.Options{})
	store.Put(job)
	bobToken := loginAs(t, r, "bob", "secret")

	rec := doRequest(r, http.MethodDelete, "/api/jobs/"+job.ID, bobToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	_, err := store.Get(job.ID)
	assert.NoError(t, err, "job must still exist after a rejected cross-owner delete")
}

func TestStageFileForbiddenForNonOwner(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := jobs.NewStore()
	sched := jobs.NewScheduler(store, &fakeRepoResolver{ready: true, path: t.TempDir()}, noopRunner{}, 2)
	reg := registry.NewRegistry(t.TempDir(), nil)
	authn := NewStaticAuthenticator(map[string]string{"alice": "secret", "bob": "secret"})
	h := NewHandlers(store, sched, nil, reg, nil, authn, nil)
	r := gin.New()
	apiGroup := r.Group("/api")
	h.RegisterRoutes(apiGroup)
	bobToken := loginAs(t, r, "bob", "secret")

	job := jobs.NewJob("alice", "p", "repo-a", jobs.Options{})
	store.Put(job)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/jobs/"+job.ID+"/files", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+bobToken)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	spec, err := store.Spec(job.ID)
	require.NoError(t, err)
	assert.Empty(t, spec.Files)
}

func TestCancelUnknownJob(t *testing.T) {
	r, _, token := newTestRouter(t)
	rec := doRequest(r, http.MethodPost, "/api/jobs/nope/cancel", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteJobRemovesFromStore(t *testing.T) {
	r, store, token := newTestRouter(t)
	job := jobs.NewJob("alice", "p", "repo-a", jobs.Options{})
	store.Put(job)

	rec := doRequest(r, http.MethodDelete, "/api/jobs/"+job.ID, token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	_, err := store.Get(job.ID)
	assert.Error(t, err)
}

func TestStageFileWritesToJob(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := jobs.NewStore()
	sched := jobs.NewScheduler(store, &fakeRepoResolver{ready: true, path: t.TempDir()}, noopRunner{}, 2)
	reg := registry.NewRegistry(t.TempDir(), nil)
	authn := NewStaticAuthenticator(map[string]string{"alice": "secret"})
	h := NewHandlers(store, sched, nil, reg, nil, authn, nil)
	r := gin.New()
	apiGroup := r.Group("/api")
	h.RegisterRoutes(apiGroup)
	token, err := authn.Authenticate("alice", "secret")
	require.NoError(t, err)

	job := jobs.NewJob("alice", "p", "repo-a", jobs.Options{})
	store.Put(job)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/jobs/"+job.ID+"/files", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	got, err := store.Spec(job.ID)
	require.NoError(t, err)
	require.Len(t, got.Files, 1)
	assert.Equal(t, "notes.txt", got.Files[0].Name)
}

func TestRegisterAndListRepository(t *testing.T) {
	r, _, token := newTestRouter(t)

	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "f.txt"), []byte("x"), 0o644))

	body, _ := json.Marshal(map[string]string{"name": "repo-a", "upstream_or_path": srcDir})
	rec := doRequest(r, http.MethodPost, "/api/repositories", token, body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(r, http.MethodGet, "/api/repositories", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Repositories []map[string]any `json:"repositories"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Repositories, 1)
}

func TestUnregisterMissingRepository(t *testing.T) {
	r, _, token := newTestRouter(t)
	rec := doRequest(r, http.MethodDelete, "/api/repositories/nope", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
