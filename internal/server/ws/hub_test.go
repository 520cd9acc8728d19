package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dexswap/internal/domain"
	"github.com/alanyoungcy/dexswap/internal/eventbus"
)

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env map[string]any
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func TestHubRelaysSubscribedExecutions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := eventbus.NewLocal()
	hub := NewHub(bus, slog.New(slog.DiscardHandler))
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "hello", readEnvelope(t, conn)["type"])
	require.NoError(t, conn.WriteJSON(subscribeMsg{Action: "subscribe", Channels: []string{"exec:e2"}}))

	require.Eventually(t, func() bool { return hub.subscribers("exec:e2") == 1 }, 2*time.Second, 10*time.Millisecond)

	for _, id := range []string{"e1", "e2"} {
		payload, err := json.Marshal(domain.ExecutionEvent{ExecutionID: id, UserID: "u1", Status: domain.ExecutionSubmitted})
		require.NoError(t, err)
		require.NoError(t, bus.Publish(ctx, domain.ExecutionChannel(id), payload))
	}

	env := readEnvelope(t, conn)
	assert.Equal(t, "execution", env["type"])
	payload, ok := env["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "e2", payload["executionId"])
}

func TestClientSubscriptions(t *testing.T) {
	c := &client{subs: map[string]bool{}}
	c.apply(subscribeMsg{Action: "subscribe", Channels: []string{"user:u1"}})
	assert.True(t, c.subscribed([]string{"exec:x", "user:u1"}))
	assert.False(t, c.subscribed([]string{"exec:x", "user:u2"}))

	c.apply(subscribeMsg{Action: "unsubscribe", Channels: []string{"user:u1"}})
	c.apply(subscribeMsg{Action: "subscribe", Channels: []string{AllExecutions}})
	assert.True(t, c.subscribed([]string{"exec:y", "user:u9"}))
}
