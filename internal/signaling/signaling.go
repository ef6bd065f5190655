// Package signaling runs the WebSocket SDP/ICE exchange that turns two
// processes into WebRTC peers. Callers receive a ready datagram socket.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"

	"github.com/1ureka/relnet/internal/transport"
	"github.com/1ureka/relnet/internal/util"
)

const pinLength = 6

// EstablishAsHost executes the host-side signaling flow:
//  1. Start a WS server on address
//  2. Print port and PIN
//  3. Wait for the client to connect
//  4. Create a Conn and send the offer
//  5. Wait for the DataChannel to be ready
//  6. Close the WS server and connection
func EstablishAsHost(ctx context.Context, address string) (*transport.Conn, error) {
	srv := newServer(generatePIN(pinLength))
	wsPort, err := srv.start(address)
	if err != nil {
		return nil, err
	}
	defer srv.close()

	pterm.DefaultBox.WithTitle("WebSocket Signaling Server").Println(
		fmt.Sprintf("Port : %d\nPIN  : %s\nClient URL: ws://<host>:%d/ws?pin=%s", wsPort, srv.pin, wsPort, srv.pin))
	util.LogInfo("waiting for client")

	ws, err := srv.waitForClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for client: %w", err)
	}
	defer ws.Close()
	util.LogInfo("client connected")

	conn, err := transport.NewConn(ctx, "host")
	if err != nil {
		return nil, fmt.Errorf("failed to create Conn: %w", err)
	}

	out, errCh := startExchange(conn, ws)

	// Host sends the Offer first.
	if err := out.describe(webrtc.SDPTypeOffer); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send Offer: %w", err)
	}

	return awaitReady(ctx, conn, errCh)
}

// EstablishAsClient executes the client-side signaling flow:
//  1. Connect to the host's WS server
//  2. Create a Conn and answer the host's offer
//  3. Wait for the DataChannel to be ready
//  4. Close the WS connection
func EstablishAsClient(ctx context.Context, wsURL string) (*transport.Conn, error) {
	util.LogInfo("connecting to host")
	ws, err := dial(ctx, wsURL)
	if err != nil {
		return nil, err
	}
	defer ws.Close()
	util.LogDebug("WS connected: %s", wsURL)

	conn, err := transport.NewConn(ctx, "client")
	if err != nil {
		return nil, fmt.Errorf("failed to create Conn: %w", err)
	}

	_, errCh := startExchange(conn, ws)
	return awaitReady(ctx, conn, errCh)
}

// startExchange forwards local ICE candidates and starts the receive loop.
// The loop exits when ws is closed.
func startExchange(conn *transport.Conn, ws *websocket.Conn) (*outbox, <-chan error) {
	out := &outbox{conn: conn, ws: ws}
	in := &inbox{conn: conn, ws: ws, out: out}

	conn.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			data, _ := json.Marshal(c.ToJSON())
			// Best effort: a lost candidate only narrows the ICE search.
			out.candidate(string(data))
		}
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- in.run()
	}()
	return out, errCh
}

func awaitReady(ctx context.Context, conn *transport.Conn, errCh <-chan error) (*transport.Conn, error) {
	select {
	case <-conn.Ready():
		util.LogInfo("WebRTC DataChannel established, closing WS")
		return conn, nil

	case err := <-errCh:
		conn.Close()
		return nil, fmt.Errorf("signaling failed: %w", err)

	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	}
}
