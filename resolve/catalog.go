package resolve

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/teranos/agentpulse/errors"
	"github.com/teranos/agentpulse/internal/httpclient"
	"github.com/teranos/agentpulse/logger"
)

// Catalog looks up the entities a config snapshot references by id. It is owned by
// the CRUD backend; agentpulse only reads from it.
type Catalog interface {
	EnvMap(ctx context.Context, ownerID string) (map[string]string, error)
	ResolveMCP(ctx context.Context, ownerID string, ids []int) (map[string]interface{}, error)
	ResolveSkills(ctx context.Context, ownerID string, ids []int) (map[string]interface{}, error)
	ResolvePlugins(ctx context.Context, ownerID string, ids []int) (map[string]interface{}, error)
	// ResolveSubagents with idsPresent=false asks for every subagent the owner has enabled
	ResolveSubagents(ctx context.Context, ownerID string, ids []int, idsPresent bool) (Subagents, error)
}

// Subagents is the two shapes a subagent can take
type Subagents struct {
	Structured map[string]interface{} `json:"structured_agents"` // merged into the config as "agents"
	Raw        map[string]string      `json:"raw_agents"`        // markdown bodies, staged into the workspace
}

// CatalogOptions configures HTTPCatalog
type CatalogOptions struct {
	BaseURL             string
	Token               string
	Timeout             time.Duration
	BreakerMaxFailures  uint32
	BreakerTimeout      time.Duration
	AllowPrivateNetwork bool
}

const (
	defaultBreakerMaxFailures uint32 = 5
	defaultBreakerTimeout            = 30 * time.Second
	defaultBreakerInterval           = 60 * time.Second
)

// HTTPCatalog talks to the backend's internal catalog API behind a circuit breaker.
// A tripped breaker fails lookups fast with ErrServiceUnavailable.
type HTTPCatalog struct {
	baseURL string
	token   string
	client  *httpclient.SaferClient
	breaker *gobreaker.CircuitBreaker[json.RawMessage]
	logger  *zap.SugaredLogger
}

// envelope is the backend's {code, message, data} response shape
type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// NewHTTPCatalog creates a catalog client
func NewHTTPCatalog(opts CatalogOptions, log *zap.SugaredLogger) (*HTTPCatalog, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.WithHint(errors.Validationf("catalog base URL is empty"),
			"set catalog.base_url in am.toml or AGENTPULSE_CATALOG_BASE_URL")
	}

	client := httpclient.New(httpclient.Options{
		Timeout:             opts.Timeout,
		AllowPrivateNetwork: opts.AllowPrivateNetwork,
	})
	if _, err := client.ValidateURL(base); err != nil {
		return nil, errors.Wrap(err, "invalid catalog base URL")
	}
	return newHTTPCatalog(base, opts, client, log), nil
}

func newHTTPCatalog(base string, opts CatalogOptions, client *httpclient.SaferClient, log *zap.SugaredLogger) *HTTPCatalog {
	log = logger.OrGlobal(log)

	maxFailures := opts.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = defaultBreakerMaxFailures
	}
	timeout := opts.BreakerTimeout
	if timeout == 0 {
		timeout = defaultBreakerTimeout
	}

	breaker := gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:        "catalog",
		MaxRequests: 1,
		Interval:    defaultBreakerInterval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnw("Catalog circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
		// Client errors are the caller's fault and must not open the circuit
		IsSuccessful: func(err error) bool {
			return err == nil || errors.IsInvalidRequestError(err) || errors.IsNotFoundError(err)
		},
	})

	return &HTTPCatalog{
		baseURL: strings.TrimRight(base, "/"),
		token:   opts.Token,
		client:  client,
		breaker: breaker,
		logger:  log,
	}
}

// call runs one request through the breaker and returns the envelope's data
func (c *HTTPCatalog) call(ctx context.Context, method, path string, body interface{}) (json.RawMessage, error) {
	data, err := c.breaker.Execute(func() (json.RawMessage, error) {
		var env envelope
		if err := c.client.DoJSON(ctx, method, c.baseURL+path, c.token, body, &env); err != nil {
			return nil, err
		}
		if env.Code != 0 {
			return nil, errors.NewInvalidRequestError("catalog %s returned code %d: %s", path, env.Code, env.Message)
		}
		return env.Data, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, errors.MarkWrapf(err, errors.ErrServiceUnavailable, "catalog circuit open")
		}
		return nil, err
	}
	return data, nil
}

func decodeData(data json.RawMessage, out interface{}, what string) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "failed to decode %s", what)
	}
	return nil
}

// EnvMap implements Catalog
func (c *HTTPCatalog) EnvMap(ctx context.Context, ownerID string) (map[string]string, error) {
	data, err := c.call(ctx, http.MethodGet, "/api/v1/internal/env-vars/map?user_id="+url.QueryEscape(ownerID), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch env map")
	}
	env := map[string]string{}
	if err := decodeData(data, &env, "env map"); err != nil {
		return nil, err
	}
	return env, nil
}

type idsRequest struct {
	UserID string `json:"user_id"`
	IDs    []int  `json:"ids"`
}

func (c *HTTPCatalog) resolveByIDs(ctx context.Context, path, what, ownerID string, ids []int) (map[string]interface{}, error) {
	data, err := c.call(ctx, http.MethodPost, path, idsRequest{UserID: ownerID, IDs: ids})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to resolve %s", what)
	}
	out := map[string]interface{}{}
	if err := decodeData(data, &out, what); err != nil {
		return nil, err
	}
	return out, nil
}

// ResolveMCP implements Catalog
func (c *HTTPCatalog) ResolveMCP(ctx context.Context, ownerID string, ids []int) (map[string]interface{}, error) {
	return c.resolveByIDs(ctx, "/api/v1/internal/mcp-config/resolve", "mcp config", ownerID, ids)
}

// ResolveSkills implements Catalog
func (c *HTTPCatalog) ResolveSkills(ctx context.Context, ownerID string, ids []int) (map[string]interface{}, error) {
	return c.resolveByIDs(ctx, "/api/v1/internal/skill-config/resolve", "skill config", ownerID, ids)
}

// ResolvePlugins implements Catalog
func (c *HTTPCatalog) ResolvePlugins(ctx context.Context, ownerID string, ids []int) (map[string]interface{}, error) {
	return c.resolveByIDs(ctx, "/api/v1/internal/plugin-config/resolve", "plugin config", ownerID, ids)
}

type subagentsRequest struct {
	UserID string `json:"user_id"`
	IDs    []int  `json:"ids"` // null asks for all enabled subagents
}

// ResolveSubagents implements Catalog
func (c *HTTPCatalog) ResolveSubagents(ctx context.Context, ownerID string, ids []int, idsPresent bool) (Subagents, error) {
	req := subagentsRequest{UserID: ownerID}
	if idsPresent {
		req.IDs = ids
		if req.IDs == nil {
			req.IDs = []int{}
		}
	}

	data, err := c.call(ctx, http.MethodPost, "/api/v1/internal/subagents/resolve", req)
	if err != nil {
		return Subagents{}, errors.Wrap(err, "failed to resolve subagents")
	}
	var out Subagents
	if err := decodeData(data, &out, "subagents"); err != nil {
		return Subagents{}, err
	}
	return out, nil
}

// State returns the breaker state for health reporting
func (c *HTTPCatalog) State() gobreaker.State {
	return c.breaker.State()
}

var _ Catalog = (*HTTPCatalog)(nil)
