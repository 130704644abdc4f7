package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultServiceTimeout = 30 * time.Second

func newServiceClient(baseURL string, timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = defaultServiceTimeout
	}
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetRedirectPolicy(resty.NoRedirectPolicy())
}

// HTTPActionClient dispatches actions to the business-actions service.
type HTTPActionClient struct {
	client *resty.Client
}

func NewHTTPActionClient(baseURL string, timeout time.Duration) *HTTPActionClient {
	return &HTTPActionClient{client: newServiceClient(baseURL, timeout)}
}

// Dispatch POSTs the request to /actions/dispatch. A non-2xx status is an
// error; a 2xx body with success=false is a failed result.
func (c *HTTPActionClient) Dispatch(ctx context.Context, req ActionRequest) (ActionResult, error) {
	var out ActionResult
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post("/actions/dispatch")
	if err != nil {
		return ActionResult{}, fmt.Errorf("dispatch action %s: %w", req.ActionType, err)
	}
	if resp.IsError() {
		return ActionResult{}, fmt.Errorf("dispatch action %s: status %d: %s", req.ActionType, resp.StatusCode(), truncate(resp.String(), 512))
	}
	return out, nil
}

// HTTPAgentRunner runs agent steps through the agent service.
type HTTPAgentRunner struct {
	client *resty.Client
}

func NewHTTPAgentRunner(baseURL string, timeout time.Duration) *HTTPAgentRunner {
	return &HTTPAgentRunner{client: newServiceClient(baseURL, timeout)}
}

type agentResponse struct {
	Output map[string]any `json:"output"`
	Error  string         `json:"error,omitempty"`
}

// Run POSTs to /agents/{agent}/runs and returns the agent's output.
func (c *HTTPAgentRunner) Run(ctx context.Context, req AgentRequest) (map[string]any, error) {
	var out agentResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParam("agent", req.Agent).
		SetBody(req).
		SetResult(&out).
		Post("/agents/{agent}/runs")
	if err != nil {
		return nil, fmt.Errorf("run agent %s: %w", req.Agent, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("run agent %s: status %d: %s", req.Agent, resp.StatusCode(), truncate(resp.String(), 512))
	}
	if out.Error != "" {
		return nil, errors.New(out.Error)
	}
	return out.Output, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
