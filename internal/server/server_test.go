package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lacrypta/checkout/internal/config"
	"github.com/lacrypta/checkout/internal/invoice"
	"github.com/lacrypta/checkout/internal/relay"
	"github.com/lacrypta/checkout/internal/session"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:          "8080",
		Env:           "development",
		LogLevel:      "error",
		FiatCurrency:  "ARS",
		SatRate:       0.18,
		InvoiceSecret: "test-secret",
	}
}

func newTestServer(t *testing.T) (*Server, *relay.MemoryRelay) {
	t.Helper()

	r := relay.NewMemoryRelay(nil)
	srv, err := New(testConfig(), WithRelay(r))
	require.NoError(t, err)
	t.Cleanup(srv.sessions.CloseAll)
	return srv, r
}

func doJSON(srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestCreateOrder(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(srv, http.MethodPost, "/v1/orders", map[string]interface{}{
		"items": []map[string]interface{}{
			{"name": "empanada", "price": 100, "quantity": 2},
			{"name": "soda", "price": 50, "quantity": 1},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Order   session.Snapshot `json:"order"`
		Invoice string           `json:"invoice"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	assert.NotEmpty(t, resp.Order.OrderID)
	assert.Equal(t, "subscribed", resp.Order.State)
	assert.Equal(t, int64(1389), resp.Order.AmountSats)
	assert.Equal(t, int64(1389), resp.Order.PendingSats)
	assert.Equal(t, int64(250), resp.Order.FiatAmount)

	// The initial invoice covers the whole amount.
	require.NotEmpty(t, resp.Invoice)
	d, err := invoice.Decode(resp.Invoice)
	require.NoError(t, err)
	assert.Equal(t, resp.Order.OrderID, d.OrderID)
	assert.Equal(t, int64(1389000), d.AmountMsat)
}

func TestCreateOrderExplicitAmount(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(srv, http.MethodPost, "/v1/orders", map[string]interface{}{
		"amount": 1000,
		"memo":   map[string]string{"candidate": "A"},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Order session.Snapshot `json:"order"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(1000), resp.Order.AmountSats)
}

func TestCreateOrderItemsWinOverFiat(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(srv, http.MethodPost, "/v1/orders", map[string]interface{}{
		"items": []map[string]interface{}{
			{"name": "empanada", "price": 100, "quantity": 2},
			{"name": "soda", "price": 50, "quantity": 1},
		},
		"fiatAmount": 9999,
		"amount":     7,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		Order session.Snapshot `json:"order"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	// The item total is authoritative over any amounts in the same body.
	assert.Equal(t, int64(1389), resp.Order.AmountSats)
	assert.Equal(t, int64(250), resp.Order.FiatAmount)
}

func TestCreateOrderValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"empty body", map[string]interface{}{}, http.StatusBadRequest},
		{"zero total", map[string]interface{}{
			"items": []map[string]interface{}{{"name": "free", "price": 0, "quantity": 1}},
		}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(srv, http.MethodPost, "/v1/orders", tt.body)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestGetOrder(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(srv, http.MethodPost, "/v1/orders", map[string]interface{}{"amount": 500})
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		Order session.Snapshot `json:"order"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(srv, http.MethodGet, "/v1/orders/"+created.Order.OrderID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var snap session.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, created.Order.OrderID, snap.OrderID)
	assert.Equal(t, int64(500), snap.PendingSats)
}

func TestGetOrderNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(srv, http.MethodGet, "/v1/orders/nonexistent", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "not_found")
}

func TestRequestInvoiceEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(srv, http.MethodPost, "/v1/orders", map[string]interface{}{"amount": 1000})
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		Order session.Snapshot `json:"order"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created.Order.OrderID

	// Partial amount.
	w = doJSON(srv, http.MethodPost, "/v1/orders/"+id+"/invoice",
		map[string]interface{}{"amountMsat": 250000})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Invoice       string `json:"invoice"`
		PendingAmount int64  `json:"pendingAmount"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	d, err := invoice.Decode(resp.Invoice)
	require.NoError(t, err)
	assert.Equal(t, int64(250000), d.AmountMsat)
	assert.Equal(t, int64(1000), resp.PendingAmount)

	// No body defaults to the full pending balance.
	w = doJSON(srv, http.MethodPost, "/v1/orders/"+id+"/invoice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	d, err = invoice.Decode(resp.Invoice)
	require.NoError(t, err)
	assert.Equal(t, int64(1000000), d.AmountMsat)

	// Negative amounts are rejected.
	w = doJSON(srv, http.MethodPost, "/v1/orders/"+id+"/invoice",
		map[string]interface{}{"amountMsat": -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListReceipts(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(srv, http.MethodPost, "/v1/orders", map[string]interface{}{"amount": 1000})
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		Order session.Snapshot `json:"order"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = doJSON(srv, http.MethodGet, "/v1/orders/"+created.Order.OrderID+"/receipts", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		OrderID  string                   `json:"orderId"`
		Receipts []session.AppliedReceipt `json:"receipts"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, created.Order.OrderID, resp.OrderID)
	assert.Empty(t, resp.Receipts)
}

func TestReleaseOrder(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(srv, http.MethodPost, "/v1/orders", map[string]interface{}{"amount": 1000})
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		Order session.Snapshot `json:"order"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.Equal(t, 1, srv.sessions.Count())

	w = doJSON(srv, http.MethodDelete, "/v1/orders/"+created.Order.OrderID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, srv.sessions.Count())

	// The order still exists on the relay, a GET re-attaches.
	w = doJSON(srv, http.MethodGet, "/v1/orders/"+created.Order.OrderID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, srv.sessions.Count())
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(srv, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy":true`)

	w = doJSON(srv, http.MethodGet, "/livez", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Readiness flips only once Run has started.
	w = doJSON(srv, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	srv.ready.Store(true)
	w = doJSON(srv, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestInfoEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(srv, http.MethodGet, "/v1/info", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Pubkey       string  `json:"pubkey"`
		FiatCurrency string  `json:"fiatCurrency"`
		SatRate      float64 `json:"satRate"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, srv.identity.PublicKey(), resp.Pubkey)
	assert.Equal(t, "ARS", resp.FiatCurrency)
	assert.Equal(t, 0.18, resp.SatRate)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(srv, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "checkout_")
}

func TestRequestIDHeader(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doJSON(srv, http.MethodGet, "/livez", nil)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	req.Header.Set("X-Request-ID", "req_upstream")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, "req_upstream", rec.Header().Get("X-Request-ID"))
}
