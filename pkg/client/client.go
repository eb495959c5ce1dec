// Package client is a thin HTTP client for the control API, used by the CLI.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/plateworks/conductor/pkg/events"
	"github.com/plateworks/conductor/pkg/executor"
)

// Client talks to one conductor server.
type Client struct {
	base string
	hc   *http.Client
}

func New(base string) *Client {
	return &Client{
		base: strings.TrimRight(base, "/"),
		hc:   &http.Client{Timeout: 30 * time.Second},
	}
}

type apiError struct {
	Error string `json:"error"`
}

func (c *Client) do(method, path string, in, out interface{}) error {
	var body *bytes.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var ae apiError
		if json.NewDecoder(resp.Body).Decode(&ae) == nil && ae.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, ae.Error)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Submit registers a process source and returns its id.
func (c *Client) Submit(source []byte, delay time.Duration) (string, error) {
	var out struct {
		ProcessID string `json:"process_id"`
	}
	err := c.do(http.MethodPost, "/v1/processes", map[string]interface{}{
		"source":        string(source),
		"delay_seconds": int(delay / time.Second),
	}, &out)
	return out.ProcessID, err
}

// Start releases submitted processes for execution.
func (c *Client) Start(ids []string) error {
	return c.do(http.MethodPost, "/v1/processes/start", map[string]interface{}{"process_ids": ids}, nil)
}

// Pause pauses one process, or the whole lab when id is empty.
func (c *Client) Pause(id string) error {
	return c.do(http.MethodPost, "/v1/processes/pause", map[string]string{"process_id": id}, nil)
}

// Resume resumes one process, or the whole lab when id is empty.
func (c *Client) Resume(id string) error {
	return c.do(http.MethodPost, "/v1/processes/resume", map[string]string{"process_id": id}, nil)
}

// Cancel cancels a process.
func (c *Client) Cancel(id string) error {
	return c.do(http.MethodPost, "/v1/processes/cancel", map[string]string{"process_id": id}, nil)
}

// SetSimulation toggles simulation mode.
func (c *Client) SetSimulation(enabled bool, speed float64) error {
	return c.do(http.MethodPost, "/v1/simulation", map[string]interface{}{
		"enabled": enabled,
		"speed":   speed,
	}, nil)
}

// Status fetches the lab-wide status.
func (c *Client) Status() (*executor.LabStatus, error) {
	var out executor.LabStatus
	if err := c.do(http.MethodGet, "/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Process fetches one process with per-step detail.
func (c *Client) Process(id string) (*executor.ProcessStatus, error) {
	var out executor.ProcessStatus
	if err := c.do(http.MethodGet, "/v1/processes/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ConfigureLab uploads a lab configuration document (YAML).
func (c *Client) ConfigureLab(doc []byte) error {
	req, err := http.NewRequest(http.MethodPut, c.base+"/v1/lab", bytes.NewReader(doc))
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var ae apiError
		if json.NewDecoder(resp.Body).Decode(&ae) == nil && ae.Error != "" {
			return fmt.Errorf("configure lab: %s", ae.Error)
		}
		return fmt.Errorf("configure lab: status %d", resp.StatusCode)
	}
	return nil
}

// WipeLab clears all persisted lab state.
func (c *Client) WipeLab() error {
	return c.do(http.MethodDelete, "/v1/lab", nil, nil)
}

// Events streams server events to fn until ctx ends or the stream closes.
func (c *Client) Events(ctx context.Context, fn func(*events.Event)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/events", nil)
	if err != nil {
		return err
	}
	// Streaming outlives the default request timeout.
	hc := &http.Client{}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("events: status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var ev events.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		fn(&ev)
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}
