package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/feeds"

	"github.com/manugarri/crab/internal/store"
)

// feedLimit is how many recent events the feed carries.
const feedLimit = 40

// handleFeed responds to GET /feed with an RSS rendering of the recent
// event timeline. The feed is a startup feature flag: without a configured
// base URL the endpoint returns 404 instead of being conditionally mounted.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	if s.baseURL == "" {
		http.NotFound(w, r)
		return
	}

	events, err := s.store.GetRecentEvents(r.Context(), feedLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	jobs, err := s.store.GetJobs(r.Context(), true)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	byID := make(map[int64]store.Job, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}

	feed := &feeds.Feed{
		Title:       "crab job events",
		Link:        &feeds.Link{Href: s.baseURL},
		Description: "Recent cron job lifecycle events",
		Created:     time.Now().In(s.tz),
	}
	for _, e := range events {
		job, ok := byID[e.JobID]
		name := job.Crabid
		if name == "" {
			name = job.Command
		}
		if !ok {
			name = fmt.Sprintf("job %d", e.JobID)
		}
		title := fmt.Sprintf("%s %s: %s", job.Host, name, e.Kind)
		if e.StatusCode != nil {
			title += fmt.Sprintf(" (exit %d)", *e.StatusCode)
		}
		feed.Items = append(feed.Items, &feeds.Item{
			Id:      fmt.Sprintf("%s/api/0/job/%d#%d", s.baseURL, e.JobID, e.ID),
			Title:   title,
			Link:    &feeds.Link{Href: fmt.Sprintf("%s/api/0/job/%d", s.baseURL, e.JobID)},
			Created: e.Timestamp.In(s.tz),
		})
	}

	rss, err := feed.ToRss()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "feed rendering failed")
		return
	}
	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	_, _ = w.Write([]byte(rss))
}
