package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bruno-dias18/rivvlock-sub001/internal/auth"
	"github.com/bruno-dias18/rivvlock-sub001/internal/escrow"
)

func testHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func note(typ escrow.NotificationType, disputeID string, recipients ...string) *Event {
	n := escrow.Notification{
		Type:          typ,
		DisputeID:     disputeID,
		TransactionID: "tx_" + disputeID,
		Recipients:    recipients,
		At:            time.Now(),
	}
	return &Event{Type: typ, Timestamp: n.At, Data: n}
}

func TestVisible_Recipients(t *testing.T) {
	buyer := &Client{actor: escrow.Actor{ID: "buyer"}}
	stranger := &Client{actor: escrow.Actor{ID: "stranger"}}
	staff := &Client{actor: escrow.Actor{ID: "arb", Arbitrator: true}}

	ev := note(escrow.NotifyDisputeCreated, "dsp_1", "buyer", "seller")
	assert.True(t, visible(buyer, ev))
	assert.False(t, visible(stranger, ev))
	assert.True(t, visible(staff, ev))

	// Staff-only notifications carry no recipients.
	failed := note(escrow.NotifySettlementFailed, "dsp_1")
	assert.False(t, visible(buyer, failed))
	assert.True(t, visible(staff, failed))
}

func TestVisible_Subscription(t *testing.T) {
	client := &Client{actor: escrow.Actor{ID: "buyer"}, sub: Subscription{
		EventTypes: []escrow.NotificationType{escrow.NotifyProposalCreated, escrow.NotifyDisputeResolved},
		DisputeIDs: []string{"dsp_1"},
	}}

	assert.True(t, visible(client, note(escrow.NotifyProposalCreated, "dsp_1", "buyer")))
	assert.False(t, visible(client, note(escrow.NotifyDisputeEscalated, "dsp_1", "buyer")))
	assert.False(t, visible(client, note(escrow.NotifyProposalCreated, "dsp_2", "buyer")))

	byTx := &Client{actor: escrow.Actor{ID: "buyer"}, sub: Subscription{TransactionIDs: []string{"tx_dsp_3"}}}
	assert.True(t, visible(byTx, note(escrow.NotifyDisputeCreated, "dsp_3", "buyer")))
	assert.False(t, visible(byTx, note(escrow.NotifyDisputeCreated, "dsp_4", "buyer")))
}

func TestHub_StatsInitial(t *testing.T) {
	assert.Equal(t, Stats{}, testHub().Stats())
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, sendBuffer), actor: escrow.Actor{ID: "buyer"}}
	h.register <- client
	require.Eventually(t, func() bool { return h.Stats().ConnectedClients == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats().PeakClients)

	h.unregister <- client
	require.Eventually(t, func() bool { return h.Stats().ConnectedClients == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), h.Stats().PeakClients)
}

func TestHub_NotifyReachesRecipient(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	buyer := &Client{hub: h, send: make(chan []byte, sendBuffer), actor: escrow.Actor{ID: "buyer"}}
	other := &Client{hub: h, send: make(chan []byte, sendBuffer), actor: escrow.Actor{ID: "other"}}
	h.register <- buyer
	h.register <- other

	h.Notify(ctx, escrow.Notification{
		Type:       escrow.NotifyDisputeEscalated,
		DisputeID:  "dsp_1",
		Recipients: []string{"buyer", "seller"},
		At:         time.Now(),
	})

	select {
	case msg := <-buyer.send:
		var ev Event
		require.NoError(t, json.Unmarshal(msg, &ev))
		assert.Equal(t, escrow.NotifyDisputeEscalated, ev.Type)
		assert.Equal(t, "dsp_1", ev.Data.DisputeID)
	case <-time.After(time.Second):
		t.Fatal("buyer did not receive the notification")
	}

	select {
	case <-other.send:
		t.Fatal("non-recipient received the notification")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_SlowClientDropped(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	slow := &Client{hub: h, send: make(chan []byte), actor: escrow.Actor{ID: "buyer"}}
	h.register <- slow
	h.Notify(ctx, escrow.Notification{Type: escrow.NotifyDisputeCreated, DisputeID: "dsp_1", Recipients: []string{"buyer"}, At: time.Now()})

	require.Eventually(t, func() bool { return h.Stats().DroppedClients == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.Stats().ConnectedClients)
	_, open := <-slow.send
	assert.False(t, open)
}

func TestHub_Admit(t *testing.T) {
	h := testHub().WithLimits(3, 2)
	h.clients[&Client{}] = struct{}{}
	h.perActor["buyer"] = 2

	assert.Equal(t, "too many connections for actor", h.admit(escrow.Actor{ID: "buyer"}))
	assert.Equal(t, "", h.admit(escrow.Actor{ID: "seller"}))

	h.clients[&Client{}] = struct{}{}
	h.clients[&Client{}] = struct{}{}
	assert.Equal(t, "too many connections", h.admit(escrow.Actor{ID: "seller"}))
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop after context cancellation")
	}
}

func TestHub_WebSocketStream(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	r := gin.New()
	h.RegisterProtectedRoutes(r.Group("/v1", auth.Middleware(), auth.RequireActor()))
	srv := httptest.NewServer(r)
	defer srv.Close()

	header := http.Header{}
	header.Set(auth.HeaderActorID, "seller")
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/stream", header)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Subscription{DisputeIDs: []string{"dsp_7"}}))
	require.Eventually(t, func() bool { return h.Stats().ConnectedClients == 1 }, time.Second, 5*time.Millisecond)
	// Give the read pump time to apply the subscription frame.
	time.Sleep(50 * time.Millisecond)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	h.Notify(ctx, escrow.Notification{Type: escrow.NotifyProposalCreated, DisputeID: "dsp_7", Recipients: []string{"seller"}, At: time.Now()})

	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "dsp_7", ev.Data.DisputeID)

	stats := httptest.NewRequest(http.MethodGet, "/v1/stream/stats", nil)
	stats.Header.Set(auth.HeaderActorID, "seller")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, stats)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
