package signaling

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

const dialTimeout = 15 * time.Second

// dial opens the signaling socket to a host. The PIN travels in the query
// string, as in ws://203.0.113.7:8080/ws?pin=123456.
func dial(ctx context.Context, url string) (*websocket.Conn, error) {
	d := websocket.Dialer{HandshakeTimeout: dialTimeout}
	ws, resp, err := d.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("signaling host %s refused: %s", url, resp.Status)
		}
		return nil, fmt.Errorf("signaling host %s unreachable: %w", url, err)
	}
	return ws, nil
}
