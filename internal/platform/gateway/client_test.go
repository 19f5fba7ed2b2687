package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ledgersync/internal/crypto"
	"github.com/alanyoungcy/ledgersync/internal/domain"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := NewClient(Config{
		BaseURL:           srv.URL,
		AccountID:         "DU123",
		APIToken:          "tok",
		HMACSecret:        "s3cret",
		RequestsPerSecond: 1000,
		MaxRetries:        2,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.retryWait = time.Millisecond
	return c
}

func TestPositions_DecodesAndSigns(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/DU123/positions", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.True(t, crypto.Verify("s3cret", r.Method, r.URL.Path, "",
			r.Header.Get(crypto.HeaderTimestamp), r.Header.Get(crypto.HeaderSignature)))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `[
			{"symbol":"aapl","sec_type":"STK","position":"-50","avg_cost":"187.5"},
			{"symbol":"ESZ6","sec_type":"FUT","position":2,"avg_cost":5100}
		]`)
	})

	positions, err := c.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, positions, 2)
	assert.Equal(t, "STK:AAPL", positions[0].Instrument.Key())
	assert.True(t, positions[0].Quantity.Equal(decimal.NewFromInt(-50)))
	assert.Equal(t, "FUT:ESZ6", positions[1].Instrument.Key())
}

func TestGet_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		io.WriteString(w, `[]`)
	})

	_, err := c.OpenOrders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGet_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.Positions(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, int32(3), calls.Load())
}

func TestGet_ClientErrorFailsFast(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":"bad token"}`)
	})

	_, err := c.Positions(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.Contains(t, err.Error(), "bad token")
	assert.Equal(t, int32(1), calls.Load())
}

func TestOrderByClientID_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "cid-1", r.URL.Query().Get("client_order_id"))
		io.WriteString(w, `[]`)
	})

	_, err := c.OrderByClientID(context.Background(), "cid-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func marketReq() domain.MarketOrderRequest {
	return domain.MarketOrderRequest{
		ClientOrderID: "cid-1",
		Instrument:    domain.Instrument{Symbol: "AAPL", SecType: domain.SecTypeStock},
		Side:          domain.OrderSideSell,
		Quantity:      decimal.NewFromInt(100),
	}
}

func TestSubmitMarketOrder_Accepted(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		var body GatewayOrderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "cid-1", body.ClientOrderID)
		assert.Equal(t, "SELL", body.Side)
		assert.Equal(t, "MKT", body.OrderType)
		assert.True(t, body.Quantity.Equal(decimal.NewFromInt(100)))
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"order_id":"77","client_order_id":"cid-1","symbol":"AAPL","side":"SELL","quantity":"100","status":"Submitted"}`)
	})

	order, err := c.SubmitMarketOrder(context.Background(), marketReq())
	require.NoError(t, err)
	assert.Equal(t, "77", order.ID)
	assert.Equal(t, domain.OrderStatusWorking, order.Status)
	assert.Equal(t, domain.OrderSideSell, order.Side)
}

func TestSubmitMarketOrder_RejectedIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		io.WriteString(w, `{"error":"trading halted"}`)
	})

	_, err := c.SubmitMarketOrder(context.Background(), marketReq())
	assert.ErrorIs(t, err, domain.ErrOrderRejected)
	assert.Contains(t, err.Error(), "trading halted")
	assert.Equal(t, int32(1), calls.Load())
}

func TestSubmitMarketOrder_ServerErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.SubmitMarketOrder(context.Background(), marketReq())
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrOrderRejected)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestSubmitMarketOrder_DuplicateFetchesExisting(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusConflict)
			io.WriteString(w, `{"error":"duplicate client_order_id"}`)
			return
		}
		io.WriteString(w, `[{"order_id":"77","client_order_id":"cid-1","symbol":"AAPL","side":"SELL","quantity":"100","filled_quantity":"100","avg_fill_price":"190.1","status":"Filled"}]`)
	})

	order, err := c.SubmitMarketOrder(context.Background(), marketReq())
	require.NoError(t, err)
	assert.Equal(t, "77", order.ID)
	assert.Equal(t, domain.OrderStatusFilled, order.Status)
	assert.True(t, order.AvgFillPrice.Equal(decimal.RequireFromString("190.1")))
}

func TestSubmitMarketOrder_RejectedInBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"order_id":"78","client_order_id":"cid-1","status":"Inactive","reject_reason":"no shares to sell"}`)
	})

	order, err := c.SubmitMarketOrder(context.Background(), marketReq())
	assert.ErrorIs(t, err, domain.ErrOrderRejected)
	assert.Equal(t, domain.OrderStatusRejected, order.Status)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func TestExecutionStream_DeliversExecutions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var sub GatewayWSSubscribe
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		assert.Equal(t, "executions", sub.Topic)
		assert.Equal(t, "DU123", sub.Account)

		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		conn.WriteJSON(GatewayWSMessage{Type: "heartbeat"})
		conn.WriteJSON(GatewayWSMessage{Type: "execution", Execution: &GatewayExecution{
			ExecID: "e1", OrderID: "77", ClientOrderID: "cid-1",
			Symbol: "AAPL", SecType: "STK", Side: "SLD",
			Shares: decimal.NewFromInt(100), Price: decimal.RequireFromString("190.1"),
		}})

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := NewExecutionStream("ws"+strings.TrimPrefix(srv.URL, "http"), "DU123", "", nil)
	ch, err := stream.Executions(ctx)
	require.NoError(t, err)

	select {
	case ex := <-ch:
		assert.Equal(t, "e1", ex.ExecID)
		assert.Equal(t, domain.OrderSideSell, ex.Side)
		assert.Equal(t, "STK:AAPL", ex.Instrument.Key())
	case <-time.After(2 * time.Second):
		t.Fatal("no execution received")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecutionStream_ConnectError(t *testing.T) {
	stream := NewExecutionStream("ws://127.0.0.1:1/ws", "DU123", "", nil)
	_, err := stream.Executions(context.Background())
	assert.Error(t, err)
}
