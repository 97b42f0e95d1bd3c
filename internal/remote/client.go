package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sitekit/teamsync/internal/observability"
	"github.com/sitekit/teamsync/internal/people"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 10 * time.Second
	errorBodyLimit        = 512
)

var (
	errMissingBaseURL = errors.New("base url is required")
	errMissingToken   = errors.New("api token is required")
	// ErrInvalidClientConfig wraps every constructor validation failure.
	ErrInvalidClientConfig = errors.New("remote: invalid client config")
)

// ClientConfig bundles configuration required to instantiate a Client.
type ClientConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Client talks to the site's management API over HTTP. All requests carry
// the configured bearer token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs a Client with validated configuration.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingBaseURL)
	}

	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingToken)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultRequestTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// FetchTeam returns the site's full current team.
func (c *Client) FetchTeam(ctx context.Context, siteID int64) ([]people.Person, error) {
	url := fmt.Sprintf("%s/api/v1/sites/%d/team", c.baseURL, siteID)
	response, err := c.do(ctx, "fetch_team", http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("team request: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, responseError("team request", response)
	}

	var document teamDocument
	if err := json.NewDecoder(response.Body).Decode(&document); err != nil {
		return nil, fmt.Errorf("decode team response: %w", err)
	}

	team := make([]people.Person, 0, len(document.Members))
	for _, member := range document.Members {
		team = append(team, member.person(siteID))
	}
	return team, nil
}

// PushRole reports one member's role change to the site.
func (c *Client) PushRole(ctx context.Context, siteID, userID int64, role people.Role) error {
	url := fmt.Sprintf("%s/api/v1/sites/%d/members/%d/role", c.baseURL, siteID, userID)
	body, err := json.Marshal(rolePayload{Role: role.String()})
	if err != nil {
		return fmt.Errorf("encode role payload: %w", err)
	}

	response, err := c.do(ctx, "push_role", http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("role request: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return responseError("role request", response)
	}
	return nil
}

// FetchRoles returns the site's role catalog.
func (c *Client) FetchRoles(ctx context.Context, siteID int64) ([]people.RoleDefinition, error) {
	url := fmt.Sprintf("%s/api/v1/sites/%d/roles", c.baseURL, siteID)
	response, err := c.do(ctx, "fetch_roles", http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("roles request: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, responseError("roles request", response)
	}

	var document rolesDocument
	if err := json.NewDecoder(response.Body).Decode(&document); err != nil {
		return nil, fmt.Errorf("decode roles response: %w", err)
	}
	return document.Roles, nil
}

func (c *Client) do(ctx context.Context, operation, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	response, err := c.httpClient.Do(req)
	duration := time.Since(start)
	if err != nil {
		observability.RecordRemoteRequest(operation, 0, duration)
		return nil, err
	}
	observability.RecordRemoteRequest(operation, response.StatusCode, duration)

	c.logger.Debug("remote request",
		zap.String("operation", operation),
		zap.Int("status", response.StatusCode),
		zap.Duration("duration", duration))
	return response, nil
}

func responseError(operation string, response *http.Response) error {
	excerpt, _ := io.ReadAll(io.LimitReader(response.Body, errorBodyLimit))
	message := strings.TrimSpace(string(excerpt))
	if message == "" {
		return fmt.Errorf("%s returned status %d", operation, response.StatusCode)
	}
	return fmt.Errorf("%s returned status %d: %s", operation, response.StatusCode, message)
}

type teamDocument struct {
	Members []memberPayload `json:"members"`
}

type memberPayload struct {
	UserID      int64  `json:"user_id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	AvatarURL   string `json:"avatar_url"`
	Role        string `json:"role"`
}

func (m memberPayload) person(siteID int64) people.Person {
	return people.Person{
		SiteID:      siteID,
		UserID:      m.UserID,
		Username:    m.Username,
		DisplayName: m.DisplayName,
		Email:       m.Email,
		AvatarURL:   m.AvatarURL,
		Role:        people.Role(m.Role),
	}
}

type rolePayload struct {
	Role string `json:"role"`
}

type rolesDocument struct {
	Roles []people.RoleDefinition `json:"roles"`
}
