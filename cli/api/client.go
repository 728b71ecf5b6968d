package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"caflz/api/model"
	"caflz/api/saga"
)

type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Error is a non-2xx API response.
type Error struct {
	Status  int
	Kind    string `json:"kind"`
	Message string `json:"error"`
}

func (e *Error) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

type HealthStatus struct {
	Status   string `json:"status"`
	Services []struct {
		Name    string `json:"name"`
		Status  string `json:"status"`
		Details string `json:"details"`
	} `json:"services"`
}

type DeployRequest struct {
	CustomerID  string `json:"customer_id"`
	Component   string `json:"component"`
	Action      string `json:"action"`
	AutoApprove bool   `json:"auto_approve"`
}

type Accepted struct {
	DeploymentID int64        `json:"deployment_id"`
	Status       model.Status `json:"status"`
	StartedAt    time.Time    `json:"started_at"`
}

func (c *Client) Health() (*HealthStatus, error) {
	var h HealthStatus
	if err := c.do(http.MethodGet, "/api/health", "", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// ServerVersion reports the build of the API behind BaseURL.
func (c *Client) ServerVersion() (string, error) {
	var v struct {
		Version string `json:"version"`
	}
	if err := c.do(http.MethodGet, "/version", "", nil, &v); err != nil {
		return "", err
	}
	return v.Version, nil
}

func (c *Client) ListCustomers() ([]model.Customer, error) {
	var customers []model.Customer
	if err := c.do(http.MethodGet, "/api/customers", "", nil, &customers); err != nil {
		return nil, err
	}
	return customers, nil
}

func (c *Client) GetCustomer(id string) (*model.Customer, error) {
	var customer model.Customer
	if err := c.do(http.MethodGet, "/api/customers/"+url.PathEscape(id), "", nil, &customer); err != nil {
		return nil, err
	}
	return &customer, nil
}

// Onboard posts a customer document as-is. The server accepts YAML or JSON.
func (c *Client) Onboard(doc []byte) (*model.Customer, error) {
	var customer model.Customer
	if err := c.do(http.MethodPost, "/api/customers", "application/yaml", doc, &customer); err != nil {
		return nil, err
	}
	return &customer, nil
}

func (c *Client) Deploy(req DeployRequest) (*Accepted, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var a Accepted
	if err := c.do(http.MethodPost, "/api/deployments", "application/json", body, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) GetDeployment(id int64) (*model.Deployment, error) {
	var d model.Deployment
	if err := c.do(http.MethodGet, deploymentPath(id, ""), "", nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) ListDeployments(customerID string, limit int) ([]model.Deployment, error) {
	q := url.Values{}
	if customerID != "" {
		q.Set("customer", customerID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/deployments"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var deployments []model.Deployment
	if err := c.do(http.MethodGet, path, "", nil, &deployments); err != nil {
		return nil, err
	}
	return deployments, nil
}

func (c *Client) Approve(id int64) (*model.Deployment, error) {
	var d model.Deployment
	if err := c.do(http.MethodPost, deploymentPath(id, "/approve"), "application/json", nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) Cancel(id int64) (*model.Deployment, error) {
	var d model.Deployment
	if err := c.do(http.MethodPost, deploymentPath(id, "/cancel"), "application/json", nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *Client) Events(id int64) ([]saga.Event, error) {
	var events []saga.Event
	if err := c.do(http.MethodGet, deploymentPath(id, "/events"), "", nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// WebSocketURL is the live event stream, carrying the token as a query
// parameter since browsers and dialers cannot always set headers.
func (c *Client) WebSocketURL() string {
	base := c.BaseURL
	base = strings.Replace(base, "http://", "ws://", 1)
	base = strings.Replace(base, "https://", "wss://", 1)
	if c.Token != "" {
		return base + "/ws?token=" + url.QueryEscape(c.Token)
	}
	return base + "/ws"
}

func deploymentPath(id int64, suffix string) string {
	return "/api/deployments/" + strconv.FormatInt(id, 10) + suffix
}

func (c *Client) do(method, path, contentType string, body []byte, v any) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, c.BaseURL+path, r)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &Error{Status: resp.StatusCode}
		b, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(b, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(b))
		}
		return apiErr
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
