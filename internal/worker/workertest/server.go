// Package workertest runs an in-process fake of the remote worker for tests.
package workertest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/strift/pkg/models"
)

// Reply is one scripted answer for a job's status endpoint.
type Reply struct {
	HTTPStatus int
	Body       any
	// Delay stalls the handler; use it to trigger client timeouts.
	Delay time.Duration
}

// StatusReply answers 200 with the given worker status payload.
func StatusReply(status string) Reply {
	return Reply{Body: map[string]any{"status": status}}
}

// Submission records one upload the fake worker accepted.
type Submission struct {
	Kind        models.JobKind
	RequestID   string
	ContentType string
	Fields      map[string]string
	Files       []File
	JSON        map[string]any
}

// File is one uploaded multipart file.
type File struct {
	Field       string
	FileName    string
	ContentType string
	Size        int
}

// Server is a scripted fake worker. Submissions get a fresh job ID unless
// an upload reply is set; status calls play the job's script, repeating the last reply.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	submissions []Submission
	scripts     map[string][]Reply
	polls       map[string]int
	userJobs    map[string][]models.UserJob
	submitReply *Reply
}

// NewServer starts a fake worker; it is closed with t.Cleanup by the caller.
func NewServer() *Server {
	s := &Server{
		scripts:  make(map[string][]Reply),
		polls:    make(map[string]int),
		userJobs: make(map[string][]models.UserJob),
	}

	r := chi.NewRouter()
	r.Post("/{kind}/upload", s.handleUpload)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{jobID}", s.handleStatus)
	r.Get("/infer/{jobID}", s.handleStatus)
	r.Get("/vton/{jobID}", s.handleStatus)

	s.Server = httptest.NewServer(r)
	return s
}

// Script sets the replies for a job's status endpoint.
func (s *Server) Script(jobID string, replies ...Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[jobID] = replies
}

// SetSubmitReply overrides the answer to every subsequent upload.
func (s *Server) SetSubmitReply(reply Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitReply = &reply
}

// SetUserJobs sets the listing returned for a user.
func (s *Server) SetUserJobs(userID string, jobs []models.UserJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userJobs[userID] = jobs
}

// Submissions returns the uploads received so far.
func (s *Server) Submissions() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Submission(nil), s.submissions...)
}

// Polls returns how many status requests a job received.
func (s *Server) Polls(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls[jobID]
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	sub := Submission{
		Kind:        models.JobKind(chi.URLParam(r, "kind")),
		RequestID:   r.Header.Get("X-Request-ID"),
		ContentType: r.Header.Get("Content-Type"),
		Fields:      make(map[string]string),
	}

	if err := r.ParseMultipartForm(32 << 20); err == nil {
		for k, v := range r.MultipartForm.Value {
			if len(v) > 0 {
				sub.Fields[k] = v[0]
			}
		}
		for field, headers := range r.MultipartForm.File {
			for _, fh := range headers {
				sub.Files = append(sub.Files, File{
					Field:       field,
					FileName:    fh.Filename,
					ContentType: fh.Header.Get("Content-Type"),
					Size:        int(fh.Size),
				})
			}
		}
	} else {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &sub.JSON)
	}

	s.mu.Lock()
	s.submissions = append(s.submissions, sub)
	override := s.submitReply
	s.mu.Unlock()

	if override != nil {
		s.write(w, *override)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":  uuid.NewString(),
		"status":  models.JobStatusPending,
		"message": "job queued",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	s.mu.Lock()
	n := s.polls[jobID]
	s.polls[jobID] = n + 1
	script := s.scripts[jobID]
	s.mu.Unlock()

	if len(script) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "job not found"})
		return
	}
	if n >= len(script) {
		n = len(script) - 1
	}
	s.write(w, script[n])
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	jobs := s.userJobs[r.URL.Query().Get("user_id")]
	s.mu.Unlock()
	if jobs == nil {
		jobs = []models.UserJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) write(w http.ResponseWriter, reply Reply) {
	if reply.Delay > 0 {
		time.Sleep(reply.Delay)
	}
	status := reply.HTTPStatus
	if status == 0 {
		status = http.StatusOK
	}
	if raw, ok := reply.Body.(string); ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, raw)
		return
	}
	writeJSON(w, status, reply.Body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
