// Package authority is the pull-channel client for the remote authority that
// owns policy and receives telemetry.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/endpoint-agent/internal/types"
	"github.com/invisible-tech/endpoint-agent/internal/version"
)

var (
	// ErrNotConfigured is returned when no base URL is set.
	ErrNotConfigured = errors.New("authority client not configured")
	// ErrRejected is returned when a 2xx response carries success=false.
	ErrRejected = errors.New("authority rejected request")
	// ErrMalformed is returned when a 2xx response body is not a JSON envelope.
	ErrMalformed = errors.New("malformed authority response")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status code: %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status code: %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsUnauthorized reports whether err is a 401 or 403 from the authority.
func IsUnauthorized(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden
	}
	return false
}

// Credentials supplies the current bearer credential. An empty credential
// means requests are sent unauthenticated.
type Credentials interface {
	Credential() string
}

// Config for the authority client.
type Config struct {
	BaseURL string // e.g. http://localhost:3000/api
	Timeout time.Duration
}

// Client talks to the authority's REST API.
type Client struct {
	baseURL    string
	creds      Credentials
	httpClient *http.Client
	log        *logrus.Logger

	// OnUnauthorized, when set, runs when a request that carried a bearer
	// credential is answered with 401 or 403.
	OnUnauthorized func()
}

// NewClient creates a client. creds may be nil.
func NewClient(cfg Config, creds Credentials, log *logrus.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		creds:   creds,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		log: log,
	}
}

// Login exchanges a username and password for a bearer token.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	body := map[string]string{"username": username, "password": password}
	env, err := c.do(ctx, "login", http.MethodPost, "/auth/login", body)
	if err != nil {
		return "", err
	}
	token := env.Token
	if token == "" {
		var data struct {
			Token string `json:"token"`
		}
		if err := env.Decode(&data); err != nil {
			return "", fmt.Errorf("login: %w", err)
		}
		token = data.Token
	}
	if token == "" {
		return "", fmt.Errorf("login: no token in response")
	}
	return token, nil
}

// RegisterEndpoint registers this endpoint and returns the id assigned by the authority.
func (c *Client) RegisterEndpoint(ctx context.Context, id types.Identity) (string, error) {
	body := map[string]string{
		"hostname":  id.Hostname,
		"ipAddress": id.Address,
		"os":        id.OS,
		"status":    "online",
		"password":  id.Password,
	}
	env, err := c.do(ctx, "register endpoint", http.MethodPost, "/endpoints", body)
	if err != nil {
		return "", err
	}
	var data map[string]any
	if err := env.Decode(&data); err != nil {
		return "", fmt.Errorf("register endpoint: %w", err)
	}
	if assigned := pickID(data); assigned != "" {
		return assigned, nil
	}
	return "", fmt.Errorf("register endpoint: no id in response")
}

// pickID prefers "_id", then "id", then any other string field ending in "id".
func pickID(data map[string]any) string {
	for _, k := range []string{"_id", "id"} {
		if s, ok := data[k].(string); ok && s != "" {
			return s
		}
	}
	for k, v := range data {
		if s, ok := v.(string); ok && s != "" && strings.HasSuffix(strings.ToLower(k), "id") {
			return s
		}
	}
	return ""
}

// UpdateEndpointStatus reports the endpoint status, e.g. "online".
func (c *Client) UpdateEndpointStatus(ctx context.Context, endpointID, status string) error {
	path := "/endpoints/" + url.PathEscape(endpointID) + "/status"
	_, err := c.do(ctx, "update endpoint status", http.MethodPatch, path, map[string]string{"status": status})
	return err
}

// GetMappings returns the application mappings of an endpoint.
func (c *Client) GetMappings(ctx context.Context, endpointID string) ([]types.ApplicationMapping, error) {
	env, err := c.do(ctx, "get mappings", http.MethodGet, "/mapping/endpoint/"+url.PathEscape(endpointID), nil)
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, fmt.Errorf("get mappings: %w: %s", ErrRejected, env.Message)
	}
	var mappings []types.ApplicationMapping
	if err := env.Decode(&mappings); err != nil {
		return nil, fmt.Errorf("get mappings: %w", err)
	}
	return mappings, nil
}

// GetApplicationRules returns the firewall rules of one application.
func (c *Client) GetApplicationRules(ctx context.Context, applicationID string) ([]types.FirewallRule, error) {
	env, err := c.do(ctx, "get rules", http.MethodGet, "/firewall/rules/application/"+url.PathEscape(applicationID), nil)
	if err != nil {
		return nil, err
	}
	if !env.Success {
		return nil, fmt.Errorf("get rules: %w: %s", ErrRejected, env.Message)
	}
	var rules []types.FirewallRule
	if err := env.Decode(&rules); err != nil {
		return nil, fmt.Errorf("get rules: %w", err)
	}
	return rules, nil
}

// CreateTraffic posts one traffic record.
func (c *Client) CreateTraffic(ctx context.Context, rec types.TrafficRecord) error {
	_, err := c.do(ctx, "create traffic", http.MethodPost, "/logs/traffic", rec)
	return err
}

// CreateAnomaly posts one anomaly and returns the id assigned by the
// authority, or "" if the response carried none.
func (c *Client) CreateAnomaly(ctx context.Context, a types.Anomaly) (string, error) {
	payload := struct {
		EndpointID    string            `json:"endpointId,omitempty"`
		ApplicationID string            `json:"applicationId,omitempty"`
		Type          types.AnomalyType `json:"anomalyType"`
		Description   string            `json:"description"`
		Severity      types.Severity    `json:"severity"`
		Timestamp     time.Time         `json:"timestamp"`
	}{a.EndpointID, a.ApplicationID, a.Type, a.Description, a.Severity, a.Timestamp}

	env, err := c.do(ctx, "create anomaly", http.MethodPost, "/anomalies", payload)
	if err != nil {
		return "", err
	}
	var created types.Anomaly
	if err := env.Decode(&created); err != nil {
		return "", fmt.Errorf("create anomaly: %w", err)
	}
	return created.ID, nil
}

// ResolveAnomaly marks an anomaly resolved on the authority.
func (c *Client) ResolveAnomaly(ctx context.Context, id, resolvedBy string) error {
	path := "/anomalies/" + url.PathEscape(id) + "/resolve"
	_, err := c.do(ctx, "resolve anomaly", http.MethodPatch, path, map[string]string{"resolvedBy": resolvedBy})
	return err
}

// HealthCheck checks if the authority API is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.do(ctx, "health check", http.MethodGet, "/health", nil)
	if errors.Is(err, ErrMalformed) {
		return nil
	}
	return err
}

// do sends a JSON request and decodes the response envelope. Any non-2xx
// status is a *StatusError.
func (c *Client) do(ctx context.Context, op, method, path string, payload any) (*types.Envelope, error) {
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to marshal payload: %w", op, err)
		}
		body = bytes.NewReader(jsonData)
	}

	endpoint := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create request: %w", op, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	authenticated := false
	if c.creds != nil {
		if token := c.creds.Credential(); token != "" {
			req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
			authenticated = true
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to send request: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		serr := &StatusError{Op: op, StatusCode: resp.StatusCode, Body: truncate(string(raw), 256)}
		if authenticated && IsUnauthorized(serr) && c.OnUnauthorized != nil {
			c.log.WithFields(logrus.Fields{
				"op":     op,
				"status": resp.StatusCode,
			}).Warn("Authority rejected credential")
			c.OnUnauthorized()
		}
		return nil, serr
	}

	c.log.WithFields(logrus.Fields{
		"method": method,
		"url":    endpoint,
		"status": resp.StatusCode,
	}).Debug("Authority request succeeded")

	env := &types.Envelope{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return env, nil
	}
	if err := json.Unmarshal(raw, env); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, ErrMalformed, err)
	}
	return env, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
