package signaling

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePIN(t *testing.T) {
	pin := generatePIN(6)
	require.Len(t, pin, 6)
	for _, c := range pin {
		assert.True(t, c >= '0' && c <= '9', "pin %q", pin)
	}
}

func TestServerChecksPIN(t *testing.T) {
	srv := newServer("424242")
	port, err := srv.start("127.0.0.1:0")
	require.NoError(t, err)
	defer srv.close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.DefaultDialer.DialContext(ctx,
		fmt.Sprintf("ws://127.0.0.1:%d/ws?pin=000000", port), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	client, err := dial(ctx, fmt.Sprintf("ws://127.0.0.1:%d/ws?pin=424242", port))
	require.NoError(t, err)
	defer client.Close()

	conn, err := srv.waitForClient(ctx)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, client.WriteJSON(envelope{Kind: kindAnswer, SDP: "v=0"}))
	var got envelope
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, kindAnswer, got.Kind)
	assert.Equal(t, "v=0", got.SDP)
}

func TestWaitForClientHonoursContext(t *testing.T) {
	srv := newServer("1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := srv.waitForClient(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
