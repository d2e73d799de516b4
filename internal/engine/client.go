package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"molrender/internal/models"
)

// restClient talks to one engine instance's local REST control endpoint.
// The engine accepts commands as GET /run?command=... and answers JSON.
type restClient struct {
	httpClient *http.Client
	baseURL    string
}

func newRESTClient(httpClient *http.Client, port int) *restClient {
	return &restClient{
		httpClient: httpClient,
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", port),
	}
}

// run dispatches a single command. A transport error maps to
// ErrProcessUnreachable; an engine-reported error comes back as an
// unsuccessful result, not a Go error.
func (c *restClient) run(ctx context.Context, command string) (models.CommandResult, error) {
	endpoint := c.baseURL + "/run?command=" + url.QueryEscape(command)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.CommandResult{}, fmt.Errorf("build command request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return models.CommandResult{}, ErrCommandTimeout
		}
		return models.CommandResult{}, fmt.Errorf("%w: %v", ErrProcessUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return models.CommandResult{}, fmt.Errorf("read command response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return models.CommandResult{
			Success: false,
			Error:   fmt.Sprintf("engine returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}, nil
	}

	result := models.CommandResult{Success: true}
	if len(body) > 0 {
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err == nil {
			if msg, ok := payload["error"].(string); ok && msg != "" {
				return models.CommandResult{Success: false, Error: msg, Data: payload}, nil
			}
			result.Data = payload
		} else {
			// Non-JSON replies are kept verbatim for the caller.
			result.Data = map[string]any{"output": string(body)}
		}
	}
	return result, nil
}

// ping probes the control endpoint with a version round trip.
func (c *restClient) ping(ctx context.Context) error {
	res, err := c.run(ctx, "version")
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%w: %s", ErrProcessUnreachable, res.Error)
	}
	return nil
}
