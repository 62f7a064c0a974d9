package services

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
	"unicode/utf8"

	"github.com/huangang/casbridge/internal/models"
	"github.com/huangang/casbridge/pkg/logger"
	"github.com/samber/lo"
)

// IdentityClient manages user records on the identity provider.
type IdentityClient interface {
	AddUser(ctx context.Context, user *models.User, password string) (string, error)
	UpdateUser(ctx context.Context, identity string, user *models.User, changedFields []string, password string) error
	DeleteUser(ctx context.Context, identity string) error
	UserExists(ctx context.Context, identity string) (bool, error)
}

// IdentityClientFactory builds a client bound to one config snapshot.
type IdentityClientFactory func(cfg CASConfig) IdentityClient

// NewCasdoorClientFactory returns a factory sharing one http.Client.
func NewCasdoorClientFactory(timeout time.Duration) IdentityClientFactory {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	return func(cfg CASConfig) IdentityClient {
		return NewCasdoorClient(cfg, httpClient)
	}
}

// casdoorColumns maps local user fields to Casdoor user columns.
var casdoorColumns = map[string]string{
	"username":  "name",
	"nickname":  "displayName",
	"email":     "email",
	"password":  "password",
	"is_active": "isForbidden",
	"role":      "tag",
}

type casdoorUser struct {
	ID          string `json:"id,omitempty"`
	Owner       string `json:"owner"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
	Password    string `json:"password,omitempty"`
	IsForbidden bool   `json:"isForbidden"`
	Tag         string `json:"tag,omitempty"`
	Type        string `json:"type,omitempty"`
}

type casdoorResponse struct {
	Status string          `json:"status"`
	Msg    string          `json:"msg"`
	Data   json.RawMessage `json:"data"`
}

// CasdoorClient talks to the Casdoor user management API using the
// application's client credentials.
type CasdoorClient struct {
	cfg        CASConfig
	httpClient *http.Client
}

func NewCasdoorClient(cfg CASConfig, httpClient *http.Client) *CasdoorClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &CasdoorClient{cfg: cfg, httpClient: httpClient}
}

func (c *CasdoorClient) toCasdoorUser(user *models.User, password string) casdoorUser {
	return casdoorUser{
		Owner:       c.cfg.Organization,
		Name:        user.Username,
		DisplayName: user.Nickname,
		Email:       user.Email,
		Password:    password,
		IsForbidden: !user.IsActive,
		Tag:         user.Role,
		Type:        "normal-user",
	}
}

func (c *CasdoorClient) userID(name string) string {
	return c.cfg.Organization + "/" + name
}

// AddUser creates the user and returns the id Casdoor assigned to it.
func (c *CasdoorClient) AddUser(ctx context.Context, user *models.User, password string) (string, error) {
	body := c.toCasdoorUser(user, password)
	if _, err := c.do(ctx, http.MethodPost, "/api/add-user", nil, body); err != nil {
		return "", fmt.Errorf("add user %s: %w", user.Username, err)
	}

	remote, err := c.getUser(ctx, user.Username)
	if err != nil {
		return "", fmt.Errorf("fetch created user %s: %w", user.Username, err)
	}
	if remote == nil {
		return "", fmt.Errorf("user %s not found after add", user.Username)
	}
	return remote.ID, nil
}

// UpdateUser pushes changedFields only. A non-empty password is always sent.
func (c *CasdoorClient) UpdateUser(ctx context.Context, identity string, user *models.User, changedFields []string, password string) error {
	columns := lo.Uniq(lo.FilterMap(changedFields, func(f string, _ int) (string, bool) {
		col, ok := casdoorColumns[f]
		return col, ok && f != "password"
	}))
	if password != "" {
		columns = append(columns, "password")
	}
	if len(columns) == 0 {
		return nil
	}

	query := url.Values{}
	query.Set("id", c.userID(identity))
	query.Set("columns", strings.Join(columns, ","))

	body := c.toCasdoorUser(user, password)
	if _, err := c.do(ctx, http.MethodPost, "/api/update-user", query, body); err != nil {
		return fmt.Errorf("update user %s: %w", identity, err)
	}
	return nil
}

func (c *CasdoorClient) DeleteUser(ctx context.Context, identity string) error {
	body := casdoorUser{Owner: c.cfg.Organization, Name: identity}
	if _, err := c.do(ctx, http.MethodPost, "/api/delete-user", nil, body); err != nil {
		return fmt.Errorf("delete user %s: %w", identity, err)
	}
	return nil
}

func (c *CasdoorClient) UserExists(ctx context.Context, identity string) (bool, error) {
	remote, err := c.getUser(ctx, identity)
	if err != nil {
		return false, err
	}
	return remote != nil, nil
}

// getUser returns nil when Casdoor answers with a null user.
func (c *CasdoorClient) getUser(ctx context.Context, name string) (*casdoorUser, error) {
	query := url.Values{}
	query.Set("id", c.userID(name))

	data, err := c.do(ctx, http.MethodGet, "/api/get-user", query, nil)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", name, err)
	}
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	var user casdoorUser
	if err := json.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", name, err)
	}
	return &user, nil
}

func (c *CasdoorClient) do(ctx context.Context, method, path string, query url.Values, payload interface{}) (json.RawMessage, error) {
	endpoint := strings.TrimRight(c.cfg.ServerURL, "/") + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	l := logger.With("casdoor")
	l.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Msg("casdoor api call")

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("casdoor returned status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var envelope casdoorResponse
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, fmt.Errorf("decode casdoor response: %w", err)
	}
	if envelope.Status != "ok" {
		return nil, fmt.Errorf("casdoor error: %s", envelope.Msg)
	}
	return envelope.Data, nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
