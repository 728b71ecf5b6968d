package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caflz/api/model"
)

func TestDeploySendsTokenAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/deployments", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var req DeployRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, DeployRequest{CustomerID: "demo01", Component: "hub", Action: "deploy", AutoApprove: true}, req)

		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, `{"deployment_id": 7, "status": "pending", "started_at": "2026-01-02T03:04:05Z"}`)
	}))
	defer srv.Close()

	c := New(srv.URL+"/", "tok")
	a, err := c.Deploy(DeployRequest{CustomerID: "demo01", Component: "hub", Action: "deploy", AutoApprove: true})
	require.NoError(t, err)
	assert.Equal(t, int64(7), a.DeploymentID)
	assert.Equal(t, model.StatusPending, a.Status)
}

func TestErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		io.WriteString(w, `{"error": "deployment already in flight", "kind": "DeploymentAlreadyInFlight"}`)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").Approve(3)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Equal(t, "DeploymentAlreadyInFlight", apiErr.Kind)
	assert.Contains(t, err.Error(), "deployment already in flight")
}

func TestErrorPlainBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").ListCustomers()
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "unauthorized", apiErr.Message)
}

func TestListDeploymentsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "demo01", r.URL.Query().Get("customer"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		io.WriteString(w, `[{"id": 1, "customer_id": "demo01", "component": "hub", "status": "completed"}]`)
	}))
	defer srv.Close()

	list, err := New(srv.URL, "").ListDeployments("demo01", 5)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.ComponentHub, list[0].Component)
}

func TestWebSocketURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8000/ws", New("http://localhost:8000", "").WebSocketURL())
	assert.Equal(t, "wss://caflz.example.com/ws?token=a%2Bb", New("https://caflz.example.com", "a+b").WebSocketURL())
}

func TestServerVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/version", r.URL.Path)
		io.WriteString(w, `{"version": "1.4.0"}`)
	}))
	defer srv.Close()

	v, err := New(srv.URL, "").ServerVersion()
	require.NoError(t, err)
	assert.Equal(t, "1.4.0", v)
}
