package dispatch

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/internal/httpclient"
)

// Executor hands a resolved task to the agent runtime. The runtime reports progress
// and completion through the callback URL; agentpulse only waits for acceptance.
type Executor interface {
	Execute(ctx context.Context, req ExecuteRequest) (sessionID string, err error)
}

// ExecuteRequest is the body of POST /v1/tasks/execute
type ExecuteRequest struct {
	SessionID     string                 `json:"session_id"`
	Prompt        string                 `json:"prompt"`
	CallbackURL   string                 `json:"callback_url"`
	CallbackToken string                 `json:"callback_token"`
	Config        map[string]interface{} `json:"config"`
	SDKSessionID  *string                `json:"sdk_session_id"`
}

type executeResponse struct {
	SessionID string `json:"session_id"`
}

// DefaultExecuteTimeout bounds one hand-off to the executor
const DefaultExecuteTimeout = 30 * time.Second

// HTTPExecutor posts tasks to an executor service
type HTTPExecutor struct {
	baseURL string
	client  *httpclient.SaferClient
}

// NewHTTPExecutor creates an executor client. The executor normally runs next to
// agentpulse, so private addresses are allowed.
func NewHTTPExecutor(baseURL string, timeout time.Duration) (*HTTPExecutor, error) {
	if timeout <= 0 {
		timeout = DefaultExecuteTimeout
	}
	client := httpclient.New(httpclient.Options{Timeout: timeout, AllowPrivateNetwork: true})
	return newHTTPExecutor(baseURL, client)
}

func newHTTPExecutor(baseURL string, client *httpclient.SaferClient) (*HTTPExecutor, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, errors.WithHint(errors.Validationf("executor URL is empty"),
			"set dispatch.executor_url in am.toml or AGENTPULSE_DISPATCH_EXECUTOR_URL")
	}
	if _, err := client.ValidateURL(base); err != nil {
		return nil, errors.Wrap(err, "invalid executor URL")
	}
	return &HTTPExecutor{baseURL: base, client: client}, nil
}

// Execute implements Executor
func (e *HTTPExecutor) Execute(ctx context.Context, req ExecuteRequest) (string, error) {
	var resp executeResponse
	if err := e.client.DoJSON(ctx, http.MethodPost, e.baseURL+"/v1/tasks/execute", "", req, &resp); err != nil {
		return "", errors.Wrap(err, "executor rejected task")
	}
	if resp.SessionID == "" {
		return "", errors.Newf("executor response for session %s has no session_id", req.SessionID)
	}
	return resp.SessionID, nil
}
