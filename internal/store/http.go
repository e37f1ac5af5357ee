package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sapliy/notifysync/internal/notify"
)

// HTTPClientOptions configures the remote notification store client.
type HTTPClientOptions struct {
	BaseURL    string
	Token      string // bearer token issued by the auth service
	HTTPClient *http.Client
	UserAgent  string
	Logger     *slog.Logger
}

// HTTPClient talks to the persistent notification store over its REST
// surface. Errors are mapped onto the notify taxonomy so callers choose
// retry behavior with errors.Is.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	userAgent  string
	logger     *slog.Logger
}

var _ Store = (*HTTPClient)(nil)
var _ PreferenceStore = (*HTTPClient)(nil)

func NewHTTPClient(opts HTTPClientOptions) (*HTTPClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("store base URL is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		userAgent:  strings.TrimSpace(opts.UserAgent),
		logger:     logger.With("component", "store_client"),
	}
	if c.token != "" {
		if subject, expired := inspectToken(c.token); expired {
			c.logger.Warn("bearer token is already expired", "subject", subject)
		}
	}
	return c, nil
}

// TokenSubject returns the subject claim of the configured bearer token,
// or "" when the token is absent or unparsable. The daemon uses it as the
// default user id when none is configured explicitly.
func (c *HTTPClient) TokenSubject() string {
	if c.token == "" {
		return ""
	}
	subject, _ := inspectToken(c.token)
	return subject
}

// inspectToken extracts the subject and expiry without verifying the
// signature; verification belongs to the server issuing it.
func inspectToken(token string) (subject string, expired bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return "", false
	}
	subject, _ = parsed.Claims.GetSubject()
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return subject, false
	}
	return subject, exp.Before(time.Now())
}

func (c *HTTPClient) FetchNotifications(ctx context.Context, userID string, filters Filters, cursor string) (*Page, error) {
	q := url.Values{}
	if filters.UnreadOnly {
		q.Set("unread", "true")
	}
	for _, t := range filters.Types {
		q.Add("type", string(t))
	}
	if !filters.Since.IsZero() {
		q.Set("since", filters.Since.UTC().Format(time.RFC3339Nano))
	}
	if filters.Limit > 0 {
		q.Set("limit", strconv.Itoa(filters.Limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	path := fmt.Sprintf("/v1/users/%s/notifications", url.PathEscape(userID))
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var page struct {
		Notifications []notify.Notification `json:"notifications"`
		NextCursor    string                `json:"next_cursor"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &Page{Notifications: page.Notifications, NextCursor: page.NextCursor}, nil
}

func (c *HTTPClient) UpdateNotification(ctx context.Context, id string, patch Patch) error {
	path := "/v1/notifications/" + url.PathEscape(id)
	return c.do(ctx, http.MethodPatch, path, patch, nil)
}

func (c *HTTPClient) DeleteNotification(ctx context.Context, id string) error {
	path := "/v1/notifications/" + url.PathEscape(id)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *HTTPClient) MarkAllRead(ctx context.Context, userID string) error {
	path := fmt.Sprintf("/v1/users/%s/notifications/read-all", url.PathEscape(userID))
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

func (c *HTTPClient) GetPreferences(ctx context.Context, userID string) (*notify.Preferences, error) {
	path := fmt.Sprintf("/v1/users/%s/preferences", url.PathEscape(userID))
	var prefs notify.Preferences
	if err := c.do(ctx, http.MethodGet, path, nil, &prefs); err != nil {
		return nil, err
	}
	return &prefs, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("%w: %v", notify.ErrValidation, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%w: %v", notify.ErrValidation, err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", notify.Classify(err), method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: reading response for %s %s: %v", notify.ErrNetwork, method, path, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(respBody) == 0 {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%w: decoding response for %s %s: %v", notify.ErrValidation, method, path, err)
		}
		return nil
	}

	return statusError(resp.StatusCode, method, path, respBody)
}

// statusError maps an HTTP failure onto the error taxonomy.
func statusError(status int, method, path string, body []byte) error {
	message := strings.TrimSpace(string(body))
	var parsed struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &parsed) == nil && parsed.Error != "" {
		message = parsed.Error
	}

	var kind error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = notify.ErrPermission
	case status == http.StatusNotFound:
		kind = notify.ErrNotFound
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		kind = notify.ErrValidation
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		kind = notify.ErrTimeout
	default:
		kind = notify.ErrNetwork
	}
	return fmt.Errorf("%w: %s %s: status=%d message=%s", kind, method, path, status, message)
}
