// Package backend registers the device's push token with the application
// server and keeps that registration in step with the token registry.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const defaultTimeout = 30 * time.Second

// Device is the registration record sent to the application server.
type Device struct {
	InstanceID string `json:"instance_id"`
	Token      string `json:"token"`
	ProjectID  string `json:"project_id"`
	Platform   string `json:"platform"`
	AppVersion string `json:"app_version,omitempty"`
}

// APIError represents an HTTP error from the application server.
type APIError struct {
	StatusCode int
	Status     string
	Body       string
	URL        string
	Method     string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.URL, e.StatusCode, e.Status, e.Body)
}

// Temporary reports whether retrying the request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Option configures Client.
type Option func(*Client)

// WithLogger sets a custom logger for Client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithAPIKey authenticates requests with a bearer key.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		if key != "" {
			c.rc.SetAuthToken(key)
		}
	}
}

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc.Transport != nil {
			c.rc.SetTransport(hc.Transport)
		}
		if hc.Timeout > 0 {
			c.rc.SetTimeout(hc.Timeout)
		}
	}
}

// WithTimeout bounds every request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.rc.SetTimeout(d)
	}
}

const userAgent = "push-registry"

// Client talks to the application server's device registration API.
type Client struct {
	rc     *resty.Client
	logger *slog.Logger
}

// NewClient creates a Client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		rc: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(defaultTimeout).
			SetHeader("User-Agent", userAgent),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterDevice creates or replaces the registration of d.InstanceID.
func (c *Client) RegisterDevice(ctx context.Context, d Device) error {
	if d.InstanceID == "" || d.Token == "" {
		return errors.New("backend: device needs an instance ID and a token")
	}
	c.logger.Debug("Registering device", "instance_id", d.InstanceID, "project_id", d.ProjectID)

	resp, err := c.rc.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(d).
		Put("/v1/devices/" + url.PathEscape(d.InstanceID))
	if err != nil {
		return fmt.Errorf("registering device: %w", err)
	}
	if err := checkResponse(resp); err != nil {
		return fmt.Errorf("registering device: %w", err)
	}

	c.logger.Debug("Device registered", "instance_id", d.InstanceID)
	return nil
}

// DeleteDevice removes the registration of instanceID. A registration the
// server does not know is already deleted.
func (c *Client) DeleteDevice(ctx context.Context, instanceID string) error {
	c.logger.Debug("Deleting device registration", "instance_id", instanceID)

	resp, err := c.rc.R().
		SetContext(ctx).
		Delete("/v1/devices/" + url.PathEscape(instanceID))
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		c.logger.Debug("Device registration already absent", "instance_id", instanceID)
		return nil
	}
	if err := checkResponse(resp); err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	return nil
}

func checkResponse(resp *resty.Response) error {
	if resp.IsSuccess() {
		return nil
	}
	return &APIError{
		StatusCode: resp.StatusCode(),
		Status:     resp.Status(),
		Body:       strings.TrimSpace(resp.String()),
		URL:        resp.Request.URL,
		Method:     resp.Request.Method,
	}
}
