package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/manugarri/crab/internal/filter"
	"github.com/manugarri/crab/internal/store"
)

// maxBodySize bounds client request bodies; captured job output beyond it
// is rejected rather than buffered.
const maxBodySize = 8 << 20

// crabRequest is the JSON body of all event-carrying wrapper requests.
type crabRequest struct {
	Command string `json:"command"`
	Status  *int   `json:"status,omitempty"`
	Stdout  string `json:"stdout,omitempty"`
	Stderr  string `json:"stderr,omitempty"`
}

// decodeCrabRequest reads and validates the wrapper request body. Payload
// text is sanitized to valid UTF-8 with replacement characters; decoding
// never fails on malformed payload bytes, only on malformed JSON.
func decodeCrabRequest(r *http.Request) (*crabRequest, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return nil, errors.New("cannot read request body")
	}
	var req crabRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, errors.New("request body is not valid JSON")
	}
	if strings.TrimSpace(req.Command) == "" {
		return nil, errors.New("command is required")
	}
	req.Command = strings.ToValidUTF8(req.Command, "�")
	req.Stdout = strings.ToValidUTF8(req.Stdout, "�")
	req.Stderr = strings.ToValidUTF8(req.Stderr, "�")
	return &req, nil
}

// ensureJob resolves the registration addressed by the request, creating or
// superseding as needed.
func (s *Server) ensureJob(w http.ResponseWriter, r *http.Request, command string) (store.Job, bool) {
	host := chi.URLParam(r, "host")
	crabid := chi.URLParam(r, "crabid")

	job, err := s.store.EnsureJob(r.Context(), host, crabid, command)
	if err != nil {
		s.logger.Error("ensure job failed",
			slog.String("host", host), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "storage failure")
		return store.Job{}, false
	}
	return job, true
}

// handleRegister responds to PUT /api/0/crab/{host}[/{crabid}].
//
// The body carries the command text. Registration is idempotent; providing
// a new command under an existing crabid supersedes the old registration.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCrabRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, ok := s.ensureJob(w, r, req.Command)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "jobid": job.ID})
}

// handleStart responds to PUT /api/0/crab/{host}[/{crabid}]/start.
//
// A START with no prior registration implicitly registers. The response
// carries {inhibit:true} when an admin has inhibited the job; logging is
// unaffected, the flag only advises the wrapper.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCrabRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, ok := s.ensureJob(w, r, req.Command)
	if !ok {
		return
	}
	if _, err := s.store.AppendEvent(r.Context(), job.ID, store.EventStart,
		time.Now().UTC(), nil, "", ""); err != nil {
		s.logger.Error("log start failed", slog.Int64("job", job.ID), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"jobid":   job.ID,
		"inhibit": job.Inhibited,
	})
}

// handleFinish responds to PUT /api/0/crab/{host}[/{crabid}]/finish.
//
// The body carries the exit status and captured output. A missing status
// is recorded as an unknown (nil) code, which derives as FAIL.
func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCrabRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, ok := s.ensureJob(w, r, req.Command)
	if !ok {
		return
	}

	kind := store.EventFinish
	// Bypass reports from the wrapper arrive as finishes carrying a kind
	// query parameter and are stored under their own event kinds.
	switch {
	case r.URL.Query().Get("kind") == "inhibited":
		kind = store.EventInhibited
	case r.URL.Query().Get("kind") == "alreadyrunning":
		kind = store.EventAlreadyRunning
	case r.URL.Query().Get("kind") == "couldnotstart":
		kind = store.EventCouldNotStart
	}

	if _, err := s.store.AppendEvent(r.Context(), job.ID, kind,
		time.Now().UTC(), req.Status, req.Stdout, req.Stderr); err != nil {
		s.logger.Error("log finish failed", slog.Int64("job", job.ID), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "jobid": job.ID})
}

// handleCrabStatus responds to GET /api/0/crab/{host}[/{crabid}]: the
// current derived state plus recent events, resolved by crabid or by the
// command passed as a query parameter.
func (s *Server) handleCrabStatus(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "host")
	crabid := chi.URLParam(r, "crabid")
	command := r.URL.Query().Get("command")

	if crabid == "" && command == "" {
		writeError(w, http.StatusBadRequest, "crabid or command is required")
		return
	}

	jobs, err := s.store.GetJobs(r.Context(), false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	for _, job := range jobs {
		if job.Host != host {
			continue
		}
		if (crabid != "" && job.Crabid == crabid) ||
			(crabid == "" && job.Command == command) {
			s.writeJobStatus(w, r, job)
			return
		}
	}
	writeError(w, http.StatusNotFound, "no such job")
}

func (s *Server) writeJobStatus(w http.ResponseWriter, r *http.Request, job store.Job) {
	events, err := s.store.GetLatestEvents(r.Context(), job.ID, 20)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	timeout := job.Timeout
	if timeout < 0 {
		timeout = 0
	}
	st := filter.Reduce(events, time.Now().UTC(), timeout)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"job":         job,
		"state":       st.State,
		"reliability": st.Reliability,
		"events":      events,
	})
}
