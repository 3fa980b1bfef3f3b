package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"docflow/internal/blob"
	"docflow/internal/config"
	"docflow/internal/models"
	"docflow/internal/ratelimit"
	"docflow/internal/store"
	"docflow/internal/telemetry"
)

const acceptedContentType = "application/pdf"

// maxListLength bounds list responses regardless of the requested limit.
const maxListLength = 50

// DocumentStore is the slice of the document store the API reads and writes.
type DocumentStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetJobForOwner(ctx context.Context, id, ownerID string) (models.Job, error)
	ListJobs(ctx context.Context, ownerID string, limit int) ([]models.Job, error)
	Ping(ctx context.Context) error
}

// ObjectStore writes raw document bytes.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Ping(ctx context.Context) error
}

// TaskPublisher is the producer side of the task queue.
type TaskPublisher interface {
	Publish(ctx context.Context, task models.Task) error
	Ping(ctx context.Context) error
}

// Server wires the HTTP handlers for ingestion and status reads.
type Server struct {
	cfg       config.Config
	store     DocumentStore
	objects   ObjectStore
	publisher TaskPublisher
	limiter   *ratelimit.UploadLimiter
	log       *logrus.Entry
}

// New constructs the API server.
func New(cfg config.Config, st DocumentStore, objects ObjectStore, publisher TaskPublisher, limiter *ratelimit.UploadLimiter, log *logrus.Entry) *Server {
	return &Server{
		cfg:       cfg,
		store:     st,
		objects:   objects,
		publisher: publisher,
		limiter:   limiter,
		log:       log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", s.handleReady)
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(Auth(s.cfg.JWTSecret))
		r.Post("/documents", s.handleUpload)
		r.Get("/documents", s.handleList)
		r.Get("/documents/{id}", s.handleGet)
	})
	return r
}

type uploadResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type jobResponse struct {
	JobID         string    `json:"job_id"`
	Filename      string    `json:"filename"`
	Status        string    `json:"status"`
	ExtractedText *string   `json:"extracted_text"`
	Error         *string   `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func projectJob(job models.Job) jobResponse {
	return jobResponse{
		JobID:         job.ID,
		Filename:      job.OriginalName,
		Status:        job.Status,
		ExtractedText: job.ExtractedText,
		Error:         job.LastError,
		CreatedAt:     job.CreatedAt,
	}
}

// handleUpload validates the document, persists the bytes, creates the
// PENDING job row, and publishes the processing task. Publish failure is
// deliberately non-fatal: the durable row wins, and the sweeper re-publishes
// stuck jobs later.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	owner := CallerID(r.Context())

	if s.limiter != nil {
		allowed, _, err := s.limiter.AllowUpload(r.Context(), owner)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "too many uploads")
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		telemetry.UploadsRejected.Inc()
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	if header.Header.Get("Content-Type") != acceptedContentType {
		telemetry.UploadsRejected.Inc()
		writeError(w, http.StatusBadRequest, "only PDF files are allowed")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read upload: "+err.Error())
		return
	}
	if len(data) == 0 {
		telemetry.UploadsRejected.Inc()
		writeError(w, http.StatusBadRequest, "empty payload")
		return
	}

	jobID := uuid.New().String()
	key := blob.Key(owner, jobID)

	// Bytes first: a job row must never point at an object that was not
	// written.
	if err := s.objects.Put(r.Context(), key, data, acceptedContentType); err != nil {
		s.log.WithError(err).WithField("object_key", key).Error("object store write failed")
		writeError(w, http.StatusInternalServerError, "storing document failed")
		return
	}

	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		ID:           jobID,
		OwnerID:      owner,
		ObjectKey:    key,
		OriginalName: header.Filename,
	})
	if err != nil {
		s.log.WithError(err).WithField("job_id", jobID).Error("job insert failed")
		writeError(w, http.StatusInternalServerError, "creating job failed")
		return
	}

	if err := s.publisher.Publish(r.Context(), models.NewTask(job)); err != nil {
		// The job stays PENDING; recovery is the sweeper's business.
		telemetry.PublishFailures.Inc()
		s.log.WithError(err).WithField("job_id", job.ID).Warn("task publish failed, job left PENDING for reconciliation")
	}

	telemetry.UploadsAccepted.Inc()
	writeJSON(w, http.StatusCreated, uploadResponse{JobID: job.ID, Status: job.Status})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	owner := CallerID(r.Context())
	id := chi.URLParam(r, "id")

	job, err := s.store.GetJobForOwner(r.Context(), id, owner)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	if err != nil {
		s.log.WithError(err).WithField("job_id", id).Error("get job failed")
		writeError(w, http.StatusInternalServerError, "fetching job failed")
		return
	}
	writeJSON(w, http.StatusOK, projectJob(job))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	owner := CallerID(r.Context())

	limit := maxListLength
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < maxListLength {
			limit = n
		}
	}

	jobs, err := s.store.ListJobs(r.Context(), owner, limit)
	if err != nil {
		s.log.WithError(err).Error("list jobs failed")
		writeError(w, http.StatusInternalServerError, "listing jobs failed")
		return
	}

	out := make([]jobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, projectJob(job))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleReady refuses readiness until every dependency answers, so a broken
// deploy never silently degrades into accepting uploads it cannot store.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]func(context.Context) error{
		"postgres": s.store.Ping,
		"redis":    s.publisher.Ping,
		"bucket":   s.objects.Ping,
	}
	for name, check := range checks {
		if err := check(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "dependency": name})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
