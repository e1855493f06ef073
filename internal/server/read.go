package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/manugarri/crab/internal/filter"
	"github.com/manugarri/crab/internal/schedule"
	"github.com/manugarri/crab/internal/store"
)

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("'" + name + "' must be a positive integer")
	}
	return id, nil
}

// handleGetJobs responds to GET /api/0/jobs.
//
// Supported query parameters:
//
//	include_retired – "1" to include soft-retired registrations
func (s *Server) handleGetJobs(w http.ResponseWriter, r *http.Request) {
	includeRetired := r.URL.Query().Get("include_retired") == "1"
	jobs, err := s.store.GetJobs(r.Context(), includeRetired)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []store.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// handleGetJob responds to GET /api/0/job/{jobID} with the registration,
// its freshly derived state, and its recent timeline.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "jobID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no such job")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	s.writeJobStatus(w, r, job)
}

// handleGetOutput responds to GET /api/0/job/{jobID}/output/{eventID} with
// the raw captured payload of one event.
func (s *Server) handleGetOutput(w http.ResponseWriter, r *http.Request) {
	if _, err := pathID(r, "jobID"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	eventID, err := pathID(r, "eventID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stdout, stderr, err := s.store.GetOutput(r.Context(), eventID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no output for this event")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok", "stdout": stdout, "stderr": stderr,
	})
}

// handleGetStatus responds to GET /api/0/status with the monitor's status
// snapshot; when the monitor is not attached the states are derived
// directly from the Store.
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	type jobStatus struct {
		Job           store.Job    `json:"job"`
		State         filter.State `json:"state"`
		Reliability   int          `json:"reliability"`
		Misconfigured bool         `json:"misconfigured,omitempty"`
	}
	resp := struct {
		Status     string      `json:"status"`
		Jobs       []jobStatus `json:"jobs"`
		NumWarning int         `json:"num_warning"`
		NumError   int         `json:"num_error"`
		Degraded   bool        `json:"degraded,omitempty"`
	}{Status: "ok", Jobs: []jobStatus{}}

	if s.status != nil {
		snap := s.status.Snapshot()
		for _, js := range snap.Jobs {
			resp.Jobs = append(resp.Jobs, jobStatus{
				Job: js.Job, State: js.State,
				Reliability: js.Reliability, Misconfigured: js.Misconfigured,
			})
		}
		resp.NumWarning = snap.NumWarning
		resp.NumError = snap.NumError
		resp.Degraded = snap.Degraded
		writeJSON(w, http.StatusOK, resp)
		return
	}

	jobs, err := s.store.GetJobs(r.Context(), false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	now := time.Now().UTC()
	for _, job := range jobs {
		events, err := s.store.GetLatestEvents(r.Context(), job.ID, 50)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "storage failure")
			return
		}
		timeout := job.Timeout
		if timeout < 0 {
			timeout = 0
		}
		st := filter.Reduce(events, now, timeout)
		resp.Jobs = append(resp.Jobs, jobStatus{
			Job: job, State: st.State, Reliability: st.Reliability,
		})
		switch st.State {
		case filter.StateWarn, filter.StateLate:
			resp.NumWarning++
		case filter.StateFail, filter.StateMissed, filter.StateTimeout:
			resp.NumError++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleGetNotifications responds to GET /api/0/notifications.
func (s *Server) handleGetNotifications(w http.ResponseWriter, r *http.Request) {
	rules, err := s.store.GetNotifications(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	if rules == nil {
		rules = []store.Rule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

// handleSetNotifications responds to PUT /api/0/notifications: a full
// transactional replace of the rule set, validated against the configured
// transports before anything is written.
func (s *Server) handleSetNotifications(w http.ResponseWriter, r *http.Request) {
	var rules []store.Rule
	if err := json.NewDecoder(r.Body).Decode(&rules); err != nil {
		writeError(w, http.StatusBadRequest, "request body is not a JSON rule list")
		return
	}
	if s.rules != nil {
		if err := s.rules.validate(rules); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	saved, err := s.store.SetNotifications(r.Context(), rules)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	if s.rules != nil {
		s.rules.reload()
	}
	writeJSON(w, http.StatusOK, saved)
}

// handleSetConfig responds to PUT /api/0/config/{jobID}: the out-of-band
// schedule/grace/timeout update. The cron spec is parsed before it is
// stored so a typo is rejected here rather than discovered by the monitor.
func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "jobID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req struct {
		Schedule    string `json:"schedule"`
		Timezone    string `json:"timezone"`
		GracePeriod int    `json:"graceperiod"`
		Timeout     int    `json:"timeout"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "request body is not valid JSON")
		return
	}
	if req.Schedule != "" {
		if _, err := schedule.Parse(req.Schedule, req.Timezone); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.GracePeriod < 0 || req.Timeout < 0 {
		writeError(w, http.StatusBadRequest, "graceperiod and timeout must not be negative")
		return
	}
	err = s.store.SetSchedule(r.Context(), id, req.Schedule, req.Timezone,
		time.Duration(req.GracePeriod)*time.Second,
		time.Duration(req.Timeout)*time.Second)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no such job")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleRetireJob responds to DELETE /api/0/job/{jobID}. Registrations are
// never hard-deleted; this sets the retired flag.
func (s *Server) handleRetireJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "jobID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	err = s.store.RetireJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no such job")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleInhibit responds to PUT and DELETE /api/0/inhibit/{host}/{crabid},
// toggling the inhibition flag. Inhibition only changes the start
// response's inhibit field; event logging is unaffected.
func (s *Server) handleInhibit(inhibit bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host := chi.URLParam(r, "host")
		crabid := chi.URLParam(r, "crabid")

		jobs, err := s.store.GetJobs(r.Context(), false)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "storage failure")
			return
		}
		for _, job := range jobs {
			if job.Host != host {
				continue
			}
			if job.Crabid == crabid || (job.Crabid == "" && job.Command == crabid) {
				if err := s.store.SetInhibit(r.Context(), job.ID, inhibit); err != nil {
					writeError(w, http.StatusInternalServerError, "storage failure")
					return
				}
				writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
				return
			}
		}
		writeError(w, http.StatusNotFound, "no such job")
	}
}
