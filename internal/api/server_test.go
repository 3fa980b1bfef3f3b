package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sort"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docflow/internal/config"
	"docflow/internal/models"
	"docflow/internal/store"
)

const testSecret = "test-secret"

type fakeDocStore struct {
	jobs      map[string]models.Job
	createErr error
	pingErr   error
}

func newFakeDocStore() *fakeDocStore {
	return &fakeDocStore{jobs: make(map[string]models.Job)}
}

func (s *fakeDocStore) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, error) {
	if s.createErr != nil {
		return models.Job{}, s.createErr
	}
	job := models.Job{
		ID:           p.ID,
		OwnerID:      p.OwnerID,
		ObjectKey:    p.ObjectKey,
		OriginalName: p.OriginalName,
		Status:       models.StatusPending,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	s.jobs[job.ID] = job
	return job, nil
}

func (s *fakeDocStore) GetJobForOwner(_ context.Context, id, ownerID string) (models.Job, error) {
	job, ok := s.jobs[id]
	if !ok || job.OwnerID != ownerID {
		return models.Job{}, store.ErrNotFound
	}
	return job, nil
}

func (s *fakeDocStore) ListJobs(_ context.Context, ownerID string, limit int) ([]models.Job, error) {
	var out []models.Job
	for _, job := range s.jobs {
		if job.OwnerID == ownerID {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeDocStore) Ping(context.Context) error { return s.pingErr }

type fakeObjects struct {
	objects map[string][]byte
	putErr  error
	pingErr error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: make(map[string][]byte)}
}

func (o *fakeObjects) Put(_ context.Context, key string, body []byte, _ string) error {
	if o.putErr != nil {
		return o.putErr
	}
	o.objects[key] = body
	return nil
}

func (o *fakeObjects) Ping(context.Context) error { return o.pingErr }

type fakePublisher struct {
	published  []models.Task
	publishErr error
	pingErr    error
}

func (p *fakePublisher) Publish(_ context.Context, task models.Task) error {
	if p.publishErr != nil {
		return p.publishErr
	}
	p.published = append(p.published, task)
	return nil
}

func (p *fakePublisher) Ping(context.Context) error { return p.pingErr }

type testEnv struct {
	store     *fakeDocStore
	objects   *fakeObjects
	publisher *fakePublisher
	router    http.Handler
}

func newTestEnv() *testEnv {
	log := logrus.New()
	log.SetOutput(io.Discard)

	env := &testEnv{
		store:     newFakeDocStore(),
		objects:   newFakeObjects(),
		publisher: &fakePublisher{},
	}
	cfg := config.Config{
		JWTSecret:      testSecret,
		MaxUploadBytes: 1 << 20,
	}
	env.router = New(cfg, env.store, env.objects, env.publisher, nil, log.WithField("service", "api-test")).Router()
	return env
}

func signToken(t *testing.T, sub string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func multipartUpload(t *testing.T, filename, contentType string, body []byte) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(body)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	return buf, mw.FormDataContentType()
}

func doUpload(t *testing.T, env *testEnv, owner, filename, contentType string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	buf, formType := multipartUpload(t, filename, contentType, body)
	req := httptest.NewRequest(http.MethodPost, "/documents", buf)
	req.Header.Set("Content-Type", formType)
	req.Header.Set("Authorization", "Bearer "+signToken(t, owner))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	return rec
}

func TestUploadRequiresAuth(t *testing.T) {
	env := newTestEnv()
	buf, formType := multipartUpload(t, "doc.pdf", "application/pdf", []byte("%PDF-1.4 data"))
	req := httptest.NewRequest(http.MethodPost, "/documents", buf)
	req.Header.Set("Content-Type", formType)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, env.store.jobs)
}

func TestUploadRejectsNonPDF(t *testing.T) {
	env := newTestEnv()
	rec := doUpload(t, env, "user-1", "notes.txt", "text/plain", []byte("plain text"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, env.store.jobs, "no job may be created for rejected uploads")
	assert.Empty(t, env.objects.objects)
	assert.Empty(t, env.publisher.published)
}

func TestUploadCreatesPendingJob(t *testing.T) {
	env := newTestEnv()
	payload := []byte("%PDF-1.4 fixture bytes")
	rec := doUpload(t, env, "user-1", "report.pdf", "application/pdf", payload)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.StatusPending, resp.Status)

	job, ok := env.store.jobs[resp.JobID]
	require.True(t, ok)
	assert.Equal(t, "user-1", job.OwnerID)
	assert.Equal(t, "report.pdf", job.OriginalName)

	// Bytes must be retrievable under the stored key before the call returned.
	assert.Equal(t, payload, env.objects.objects[job.ObjectKey])

	require.Len(t, env.publisher.published, 1)
	task := env.publisher.published[0]
	assert.Equal(t, models.TaskProcessDocument, task.Task)
	assert.Equal(t, job.ID, task.JobID)
	assert.Equal(t, job.ObjectKey, task.ObjectKey)
}

func TestUploadObjectStoreFailureCreatesNothing(t *testing.T) {
	env := newTestEnv()
	env.objects.putErr = errors.New("connection refused")
	rec := doUpload(t, env, "user-1", "report.pdf", "application/pdf", []byte("%PDF-1.4"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, env.store.jobs)
	assert.Empty(t, env.publisher.published)
}

func TestUploadPublishFailureStillSucceeds(t *testing.T) {
	env := newTestEnv()
	env.publisher.publishErr = errors.New("redis down")
	rec := doUpload(t, env, "user-1", "report.pdf", "application/pdf", []byte("%PDF-1.4"))

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, env.store.jobs, 1)
	for _, job := range env.store.jobs {
		assert.Equal(t, models.StatusPending, job.Status)
	}
}

func TestGetEnforcesOwnership(t *testing.T) {
	env := newTestEnv()
	rec := doUpload(t, env, "user-1", "report.pdf", "application/pdf", []byte("%PDF-1.4"))
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	// Owner sees the job.
	req := httptest.NewRequest(http.MethodGet, "/documents/"+resp.JobID, nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "user-1"))
	get := httptest.NewRecorder()
	env.router.ServeHTTP(get, req)
	assert.Equal(t, http.StatusOK, get.Code)

	var doc struct {
		JobID         string  `json:"job_id"`
		Filename      string  `json:"filename"`
		Status        string  `json:"status"`
		ExtractedText *string `json:"extracted_text"`
	}
	require.NoError(t, json.Unmarshal(get.Body.Bytes(), &doc))
	assert.Equal(t, resp.JobID, doc.JobID)
	assert.Equal(t, "report.pdf", doc.Filename)
	assert.Equal(t, models.StatusPending, doc.Status)
	assert.Nil(t, doc.ExtractedText)

	// A different caller gets a 404, not a 403, so ids do not leak.
	req = httptest.NewRequest(http.MethodGet, "/documents/"+resp.JobID, nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "user-2"))
	foreign := httptest.NewRecorder()
	env.router.ServeHTTP(foreign, req)
	assert.Equal(t, http.StatusNotFound, foreign.Code)
}

func TestListReturnsOnlyOwnJobs(t *testing.T) {
	env := newTestEnv()
	require.Equal(t, http.StatusCreated, doUpload(t, env, "user-1", "a.pdf", "application/pdf", []byte("%PDF-1.4 a")).Code)
	require.Equal(t, http.StatusCreated, doUpload(t, env, "user-2", "b.pdf", "application/pdf", []byte("%PDF-1.4 b")).Code)

	req := httptest.NewRequest(http.MethodGet, "/documents", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "user-1"))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var docs []struct {
		Filename string `json:"filename"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &docs))
	require.Len(t, docs, 1)
	assert.Equal(t, "a.pdf", docs[0].Filename)
}

func TestReadyReportsBrokenDependency(t *testing.T) {
	env := newTestEnv()

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	env.publisher.pingErr = errors.New("redis unreachable")
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
