package httpx_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storelab/go-checkout-stock/internal/httpx"
	kafkax "github.com/storelab/go-checkout-stock/internal/kafka"
	"github.com/storelab/go-checkout-stock/internal/memstore"
	"github.com/storelab/go-checkout-stock/internal/orders"
)

type env struct {
	st     *memstore.Store
	api    *httpx.API
	server *httptest.Server
	user   string
	addr   orders.Address
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st := memstore.New()
	user := uuid.NewString()
	addr := orders.Address{ID: uuid.NewString(), UserID: user}
	st.SeedAddress(addr)

	api := &httpx.API{
		Checkout:  &orders.CheckoutService{Store: st, DefaultTTL: time.Minute},
		Lifecycle: &orders.Lifecycle{Store: st},
		Store:     st,
		Service:   "test-api",
	}
	router := httpx.NewRouter()
	api.Register(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &env{st: st, api: api, server: srv, user: user, addr: addr}
}

func newEnvRedis(t *testing.T) *env {
	t.Helper()
	e := newEnv(t)
	mr := miniredis.RunT(t)
	e.api.Redis = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return e
}

func (e *env) seedProduct(stock int, price string) orders.Product {
	p := orders.Product{
		ID:     uuid.NewString(),
		SKU:    "SKU-9",
		Name:   "widget",
		Price:  decimal.RequireFromString(price),
		Stock:  stock,
		Status: orders.ProductActive,
	}
	e.st.SeedProduct(p)
	return p
}

func (e *env) post(t *testing.T, path string, body any, userID string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(http.MethodPost, e.server.URL+path, &buf)
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

type orderResp struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Total   string `json:"total"`
}

func TestCheckoutEndpoint(t *testing.T) {
	e := newEnv(t)
	p := e.seedProduct(10, "19.99")

	resp := e.post(t, "/checkout", map[string]any{
		"address_id": e.addr.ID,
		"items":      []map[string]any{{"product_id": p.ID, "qty": 2}},
	}, e.user)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	out := decode[orderResp](t, resp)
	assert.Equal(t, "reserved", out.Status)
	assert.Equal(t, "39.98", out.Total)
	assert.Equal(t, 8, e.st.ProductStock(p.ID))
}

func TestCheckoutEndpointErrors(t *testing.T) {
	e := newEnv(t)
	p := e.seedProduct(1, "5.00")

	cases := []struct {
		name   string
		body   map[string]any
		user   string
		status int
	}{
		{
			"missing user header",
			map[string]any{"address_id": e.addr.ID, "items": []map[string]any{{"product_id": p.ID, "qty": 1}}},
			"",
			http.StatusBadRequest,
		},
		{
			"empty cart",
			map[string]any{"address_id": e.addr.ID, "items": []map[string]any{}},
			e.user,
			http.StatusBadRequest,
		},
		{
			"unknown address",
			map[string]any{"address_id": uuid.NewString(), "items": []map[string]any{{"product_id": p.ID, "qty": 1}}},
			e.user,
			http.StatusNotFound,
		},
		{
			"insufficient stock",
			map[string]any{"address_id": e.addr.ID, "items": []map[string]any{{"product_id": p.ID, "qty": 5}}},
			e.user,
			http.StatusConflict,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := e.post(t, "/checkout", tc.body, tc.user)
			defer resp.Body.Close()
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
	// nothing leaked through the failures
	assert.Equal(t, 1, e.st.ProductStock(p.ID))
}

func TestGetOrderEndpoint(t *testing.T) {
	e := newEnv(t)
	p := e.seedProduct(10, "3.50")

	created := decode[orderResp](t, e.post(t, "/checkout", map[string]any{
		"address_id": e.addr.ID,
		"items":      []map[string]any{{"product_id": p.ID, "qty": 2}},
	}, e.user))

	resp, err := http.Get(e.server.URL + "/orders/" + created.OrderID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out := decode[struct {
		OrderID string `json:"order_id"`
		Status  string `json:"status"`
		Items   []struct {
			ProductID string `json:"product_id"`
			Qty       int    `json:"qty"`
			Price     string `json:"price_snapshot"`
		} `json:"items"`
	}](t, resp)
	assert.Equal(t, created.OrderID, out.OrderID)
	assert.Equal(t, "reserved", out.Status)
	require.Len(t, out.Items, 1)
	assert.Equal(t, p.ID, out.Items[0].ProductID)
	assert.Equal(t, "3.50", out.Items[0].Price)

	resp, err = http.Get(e.server.URL + "/orders/" + uuid.NewString())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelEndpoint(t *testing.T) {
	e := newEnv(t)
	p := e.seedProduct(10, "2.00")

	created := decode[orderResp](t, e.post(t, "/checkout", map[string]any{
		"address_id": e.addr.ID,
		"items":      []map[string]any{{"product_id": p.ID, "qty": 4}},
	}, e.user))
	require.Equal(t, 6, e.st.ProductStock(p.ID))

	resp := e.post(t, fmt.Sprintf("/orders/%s/cancel", created.OrderID), nil, e.user)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[orderResp](t, resp)
	assert.Equal(t, "cancelled", out.Status)
	assert.Equal(t, 10, e.st.ProductStock(p.ID))
}

func TestPaymentNotifyEndpoint(t *testing.T) {
	e := newEnv(t)
	p := e.seedProduct(10, "2.00")

	created := decode[orderResp](t, e.post(t, "/checkout", map[string]any{
		"address_id": e.addr.ID,
		"items":      []map[string]any{{"product_id": p.ID, "qty": 4}},
	}, e.user))

	resp := e.post(t, "/payments/notify", map[string]any{
		"order_id": created.OrderID,
		"outcome":  "success",
		"amount":   "8.00",
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[orderResp](t, resp)
	assert.Equal(t, "paid", out.Status)
	// consumed, not returned
	assert.Equal(t, 6, e.st.ProductStock(p.ID))

	// cancelling a paid order is refused
	resp = e.post(t, fmt.Sprintf("/orders/%s/cancel", created.OrderID), nil, e.user)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, 6, e.st.ProductStock(p.ID))
}

func TestPaymentNotifyFailure(t *testing.T) {
	e := newEnv(t)
	p := e.seedProduct(10, "2.00")

	created := decode[orderResp](t, e.post(t, "/checkout", map[string]any{
		"address_id": e.addr.ID,
		"items":      []map[string]any{{"product_id": p.ID, "qty": 4}},
	}, e.user))

	resp := e.post(t, "/payments/notify", map[string]any{
		"order_id": created.OrderID,
		"outcome":  "failure",
		"amount":   "8.00",
	}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[orderResp](t, resp)
	assert.Equal(t, "failed", out.Status)
	assert.Equal(t, 10, e.st.ProductStock(p.ID))
}

func TestGetProductEndpoint(t *testing.T) {
	e := newEnv(t)
	p := e.seedProduct(7, "12.34")

	resp, err := http.Get(e.server.URL + "/products/" + p.ID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Price string `json:"price"`
		Stock int    `json:"stock"`
	}](t, resp)
	assert.Equal(t, p.ID, out.ID)
	assert.Equal(t, 7, out.Stock)
	assert.Equal(t, "12.34", out.Price)
}

// Cache hit and cache miss must serve the identical body, items included.
func TestGetOrderCacheHitServesSameBody(t *testing.T) {
	e := newEnvRedis(t)
	p := e.seedProduct(10, "3.50")

	created := decode[orderResp](t, e.post(t, "/checkout", map[string]any{
		"address_id": e.addr.ID,
		"items":      []map[string]any{{"product_id": p.ID, "qty": 2}},
	}, e.user))

	get := func() []byte {
		resp, err := http.Get(e.server.URL + "/orders/" + created.OrderID)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return b
	}

	miss := get() // populates the cache
	hit := get()  // served from the cache
	assert.JSONEq(t, string(miss), string(hit))

	var out struct {
		Items []struct {
			ProductID string `json:"product_id"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(hit, &out))
	require.Len(t, out.Items, 1)
	assert.Equal(t, p.ID, out.Items[0].ProductID)
}

func TestCancelInvalidatesCachedOrder(t *testing.T) {
	e := newEnvRedis(t)
	p := e.seedProduct(10, "2.00")

	created := decode[orderResp](t, e.post(t, "/checkout", map[string]any{
		"address_id": e.addr.ID,
		"items":      []map[string]any{{"product_id": p.ID, "qty": 1}},
	}, e.user))

	// prime the cache with the reserved body
	resp, err := http.Get(e.server.URL + "/orders/" + created.OrderID)
	require.NoError(t, err)
	resp.Body.Close()

	resp = e.post(t, fmt.Sprintf("/orders/%s/cancel", created.OrderID), nil, e.user)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(e.server.URL + "/orders/" + created.OrderID)
	require.NoError(t, err)
	out := decode[orderResp](t, resp)
	assert.Equal(t, "cancelled", out.Status)
}

// A repeated external id answers from the cache fast path without opening a
// second reservation.
func TestCheckoutReplayFastPath(t *testing.T) {
	e := newEnvRedis(t)
	p := e.seedProduct(10, "4.00")

	body := map[string]any{
		"external_id": "client-req-7",
		"address_id":  e.addr.ID,
		"items":       []map[string]any{{"product_id": p.ID, "qty": 2}},
	}
	resp := e.post(t, "/checkout", body, e.user)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	first := decode[orderResp](t, resp)
	require.Equal(t, 8, e.st.ProductStock(p.ID))

	resp = e.post(t, "/checkout", body, e.user)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	replay := decode[orderResp](t, resp)
	assert.Equal(t, first.OrderID, replay.OrderID)
	assert.Equal(t, 8, e.st.ProductStock(p.ID))
	assert.Len(t, e.st.Reservations(), 1)
}

type capturePub struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (c *capturePub) Publish(_, value []byte, _ ...kafkago.Header) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, value)
}

func (c *capturePub) last(t *testing.T) []byte {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.msgs)
	return c.msgs[len(c.msgs)-1]
}

func TestReservedEventCarriesPriceSnapshot(t *testing.T) {
	e := newEnv(t)
	pub := &capturePub{}
	e.api.ProducerReserved = pub
	p := e.seedProduct(10, "19.99")

	created := decode[orderResp](t, e.post(t, "/checkout", map[string]any{
		"address_id": e.addr.ID,
		"items":      []map[string]any{{"product_id": p.ID, "qty": 2}},
	}, e.user))

	var env orders.Envelope
	require.NoError(t, json.Unmarshal(pub.last(t), &env))
	assert.Equal(t, orders.EventOrderReserved, env.EventType)

	payload, err := kafkax.UnwrapPayload[orders.OrderReservedPayload](env.Payload)
	require.NoError(t, err)
	assert.Equal(t, created.OrderID, payload.OrderID)
	require.Len(t, payload.Items, 1)
	assert.Equal(t, p.ID, payload.Items[0].ProductID)
	assert.Equal(t, 2, payload.Items[0].Qty)
	assert.True(t, payload.Items[0].PriceSnapshot.Equal(decimal.RequireFromString("19.99")))
}

func TestHealthz(t *testing.T) {
	e := newEnv(t)
	resp, err := http.Get(e.server.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
