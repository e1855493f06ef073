// Package wrapper implements crabsh, the small program invoked by cron in
// place of the real command. It reports the job's lifecycle to the crab
// daemon over the JSON client protocol, runs the command, and captures its
// output.
package wrapper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client talks the crab client protocol to one daemon.
type Client struct {
	baseURL string
	host    string
	crabid  string
	http    *http.Client
}

// NewClient creates a Client for the daemon at baseURL, reporting as host
// with an optional crabid.
func NewClient(baseURL, host, crabid string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		host:    host,
		crabid:  crabid,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// report is the wire body of event-carrying requests.
type report struct {
	Command string `json:"command"`
	Status  *int   `json:"status,omitempty"`
	Stdout  string `json:"stdout,omitempty"`
	Stderr  string `json:"stderr,omitempty"`
}

// startResponse is the daemon's answer to a start report.
type startResponse struct {
	Status  string `json:"status"`
	Inhibit bool   `json:"inhibit"`
}

func (c *Client) crabURL(action, query string) string {
	u := c.baseURL + "/api/0/crab/" + url.PathEscape(c.host)
	if c.crabid != "" {
		u += "/" + url.PathEscape(c.crabid)
	}
	if action != "" {
		u += "/" + action
	}
	if query != "" {
		u += "?" + query
	}
	return u
}

// put sends one JSON request with a short retry on transport errors; a cron
// job must not hang on a briefly unreachable daemon.
func (c *Client) put(ctx context.Context, url string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("wrapper: encode request: %w", err)
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(), 3), ctx)

	return backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, url,
			bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("wrapper: daemon error: %s", resp.Status)
		}
		if resp.StatusCode >= 400 {
			// Client errors will not improve on retry.
			var e struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal(data, &e)
			return backoff.Permanent(fmt.Errorf("wrapper: request rejected: %s", e.Message))
		}
		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return backoff.Permanent(fmt.Errorf("wrapper: decode response: %w", err))
			}
		}
		return nil
	}, bo)
}

// Register announces the job without logging an event.
func (c *Client) Register(ctx context.Context, command string) error {
	return c.put(ctx, c.crabURL("", ""), report{Command: command}, nil)
}

// Start logs a START event and returns whether an admin has inhibited the
// job.
func (c *Client) Start(ctx context.Context, command string) (inhibit bool, err error) {
	var resp startResponse
	if err := c.put(ctx, c.crabURL("start", ""), report{Command: command}, &resp); err != nil {
		return false, err
	}
	return resp.Inhibit, nil
}

// Finish logs the run's outcome with its exit status and captured output.
func (c *Client) Finish(ctx context.Context, command string, status int, stdout, stderr string) error {
	return c.put(ctx, c.crabURL("finish", ""),
		report{Command: command, Status: &status, Stdout: stdout, Stderr: stderr}, nil)
}

// FinishBypass logs a run that never executed: kind is one of "inhibited",
// "alreadyrunning" or "couldnotstart".
func (c *Client) FinishBypass(ctx context.Context, command, kind string) error {
	return c.put(ctx, c.crabURL("finish", "kind="+url.QueryEscape(kind)),
		report{Command: command}, nil)
}
