package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"postflow/internal/ai"
	"postflow/internal/config"
	"postflow/internal/models"
	"postflow/internal/queue"
	"postflow/internal/service"
	"postflow/internal/store"
)

// apiFakeDB backs both services for handler tests.
type apiFakeDB struct {
	mu      sync.Mutex
	nextID  int
	posts   map[string]models.Post
	jobLogs map[string]models.JobLog
}

func newAPIFakeDB() *apiFakeDB {
	return &apiFakeDB{
		posts:   make(map[string]models.Post),
		jobLogs: make(map[string]models.JobLog),
	}
}

func (f *apiFakeDB) CreatePost(_ context.Context, p store.CreatePostParams) (models.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	post := models.Post{
		ID:           fmt.Sprintf("post-%d", f.nextID),
		OwnerID:      p.OwnerID,
		Content:      p.Content,
		Platform:     p.Platform,
		ScheduledFor: p.ScheduledFor,
		Status:       models.PostStatusScheduled,
	}
	f.posts[post.ID] = post
	return post, nil
}

func (f *apiFakeDB) GetPost(_ context.Context, ownerID, postID string) (models.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	post, ok := f.posts[postID]
	if !ok || post.OwnerID != ownerID {
		return models.Post{}, store.ErrNotFound
	}
	return post, nil
}

func (f *apiFakeDB) ListPosts(_ context.Context, ownerID string, _ store.PostFilter) ([]models.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []models.Post{}
	for _, p := range f.posts {
		if p.OwnerID == ownerID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *apiFakeDB) UpdatePostSchedule(_ context.Context, ownerID, postID string, scheduledFor time.Time) (models.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	post, ok := f.posts[postID]
	if !ok || post.OwnerID != ownerID || post.Status == models.PostStatusPublished {
		return models.Post{}, store.ErrNotFound
	}
	post.ScheduledFor = scheduledFor
	f.posts[postID] = post
	return post, nil
}

func (f *apiFakeDB) DeletePost(_ context.Context, ownerID, postID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	post, ok := f.posts[postID]
	if !ok || post.OwnerID != ownerID {
		return store.ErrNotFound
	}
	delete(f.posts, postID)
	return nil
}

func (f *apiFakeDB) GetJobLog(_ context.Context, ownerID, logID string) (models.JobLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	jl, ok := f.jobLogs[logID]
	if !ok || jl.OwnerID != ownerID {
		return models.JobLog{}, store.ErrNotFound
	}
	return jl, nil
}

func (f *apiFakeDB) ListJobLogs(_ context.Context, ownerID string, _ store.JobLogFilter) ([]models.JobLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []models.JobLog{}
	for _, jl := range f.jobLogs {
		if jl.OwnerID == ownerID {
			out = append(out, jl)
		}
	}
	return out, nil
}

func (f *apiFakeDB) MarkJobLogRetrying(_ context.Context, ownerID, logID, newJobID string) (models.JobLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	jl, ok := f.jobLogs[logID]
	if !ok || jl.OwnerID != ownerID || jl.Status != models.JobStatusFailed {
		return models.JobLog{}, store.ErrNotFound
	}
	jl.Status = models.JobStatusProcessing
	jl.JobID = newJobID
	f.jobLogs[logID] = jl
	return jl, nil
}

func (f *apiFakeDB) FailJobLog(_ context.Context, logID string, attempts int, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	jl := f.jobLogs[logID]
	jl.ID = logID
	jl.Status = models.JobStatusFailed
	jl.Attempts = attempts
	jl.LastError = &lastError
	f.jobLogs[logID] = jl
	return nil
}

func newTestServer(db *apiFakeDB, aiClient *ai.Client) *Server {
	q := queue.NewMemoryQueue(64, time.Minute)
	posts := service.NewPosts(db, q, nil, zerolog.Nop())
	jobs := service.NewJobs(db, q, nil, zerolog.Nop())
	return New(config.Config{}, posts, jobs, aiClient, nil, nil, zerolog.Nop())
}

func doJSON(t *testing.T, handler http.Handler, method, path, owner string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if owner != "" {
		req.Header.Set("X-User-ID", owner)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Error.Code
}

func TestRequiresOwnerHeader(t *testing.T) {
	router := newTestServer(newAPIFakeDB(), nil).Router()

	rec := doJSON(t, router, http.MethodGet, "/posts", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "UNAUTHORIZED" {
		t.Fatalf("expected UNAUTHORIZED, got %q", code)
	}
}

func TestCreatePostEndpoint(t *testing.T) {
	router := newTestServer(newAPIFakeDB(), nil).Router()

	rec := doJSON(t, router, http.MethodPost, "/posts", "user-1", map[string]string{
		"content":       "ship it",
		"platform":      "x",
		"scheduled_for": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var post models.Post
	if err := json.Unmarshal(rec.Body.Bytes(), &post); err != nil {
		t.Fatalf("decode post: %v", err)
	}
	if post.ID == "" || post.Status != models.PostStatusScheduled {
		t.Fatalf("unexpected post: %+v", post)
	}
}

func TestCreatePostValidationErrors(t *testing.T) {
	router := newTestServer(newAPIFakeDB(), nil).Router()

	rec := doJSON(t, router, http.MethodPost, "/posts", "user-1", map[string]string{
		"content":       "hi",
		"platform":      "myspace",
		"scheduled_for": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %q", code)
	}

	req := httptest.NewRequest(http.MethodPost, "/posts", strings.NewReader("{not json"))
	req.Header.Set("X-User-ID", "user-1")
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad json, got %d", rec2.Code)
	}
}

func TestGetPostNotFound(t *testing.T) {
	router := newTestServer(newAPIFakeDB(), nil).Router()

	rec := doJSON(t, router, http.MethodGet, "/posts/nope", "user-1", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %q", code)
	}
}

func TestRetryJobEndpoint(t *testing.T) {
	db := newAPIFakeDB()
	postID := "post-x"
	lastErr := "publish failed"
	db.posts[postID] = models.Post{
		ID: postID, OwnerID: "user-1", Content: "try again",
		Platform: models.PlatformX, Status: models.PostStatusFailed,
	}
	logID := models.DeriveJobKey(postID, "")
	db.jobLogs[logID] = models.JobLog{
		ID: logID, JobID: "j-old", OwnerID: "user-1", PostID: &postID,
		Status: models.JobStatusFailed, Attempts: 3, LastError: &lastErr,
	}
	router := newTestServer(db, nil).Router()

	rec := doJSON(t, router, http.MethodPost, "/jobs/"+logID+"/retry", "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var jl models.JobLog
	if err := json.Unmarshal(rec.Body.Bytes(), &jl); err != nil {
		t.Fatalf("decode log: %v", err)
	}
	if jl.Status != models.JobStatusProcessing {
		t.Fatalf("expected processing after retry, got %q", jl.Status)
	}

	// Retry of an unknown log is a 404.
	rec2 := doJSON(t, router, http.MethodPost, "/jobs/job:missing/retry", "user-1", nil)
	if rec2.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec2.Code)
	}
}

func TestHealthReportsQueueMode(t *testing.T) {
	router := newTestServer(newAPIFakeDB(), nil).Router()

	rec := doJSON(t, router, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body["status"] != "ok" || body["queue_mode"] != queue.ModeMemory {
		t.Fatalf("unexpected health body: %v", body)
	}
}

func TestAIEndpointsDisabled(t *testing.T) {
	router := newTestServer(newAPIFakeDB(), nil).Router()

	rec := doJSON(t, router, http.MethodPost, "/ai/captions", "user-1", map[string]string{
		"content": "hi", "platform": "x",
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when ai is unconfigured, got %d", rec.Code)
	}
}

func TestAICaptionsProxied(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/captions" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"captions": []string{"one", "two"}})
	}))
	defer backend.Close()

	aiClient := ai.NewClient(backend.URL, "test-key", time.Second)
	router := newTestServer(newAPIFakeDB(), aiClient).Router()

	rec := doJSON(t, router, http.MethodPost, "/ai/captions", "user-1", map[string]string{
		"content": "launch announcement", "platform": "linkedin",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Captions []string `json:"captions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode captions: %v", err)
	}
	if len(body.Captions) != 2 {
		t.Fatalf("expected 2 captions, got %v", body.Captions)
	}
}

func TestListRejectsNonNumericPagination(t *testing.T) {
	router := newTestServer(newAPIFakeDB(), nil).Router()

	for _, path := range []string{
		"/posts?limit=abc",
		"/posts?offset=1e3",
		"/posts?limit=99999999999999999999",
		"/jobs?limit=abc",
		"/jobs?offset=-",
	} {
		rec := doJSON(t, router, http.MethodGet, path, "user-1", nil)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, rec.Code)
		}
		if code := errorCode(t, rec); code != "VALIDATION_ERROR" {
			t.Fatalf("%s: expected VALIDATION_ERROR, got %q", path, code)
		}
	}
}

func TestListPostsDefaults(t *testing.T) {
	db := newAPIFakeDB()
	db.posts["p1"] = models.Post{ID: "p1", OwnerID: "user-1", Content: "a", Platform: models.PlatformX}
	db.posts["p2"] = models.Post{ID: "p2", OwnerID: "user-2", Content: "b", Platform: models.PlatformX}
	router := newTestServer(db, nil).Router()

	rec := doJSON(t, router, http.MethodGet, "/posts", "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var posts []models.Post
	if err := json.Unmarshal(rec.Body.Bytes(), &posts); err != nil {
		t.Fatalf("decode posts: %v", err)
	}
	if len(posts) != 1 || posts[0].ID != "p1" {
		t.Fatalf("expected only the owner's post, got %+v", posts)
	}
}
