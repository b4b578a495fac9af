package gateway

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// outboundBuffer is the per-connection outbound event queue capacity.
// A client that cannot drain this many events is force-closed rather
// than allowed to stall deliveries.
const outboundBuffer = 32

// client is one admitted WebSocket connection. Inbound events are read
// and dispatched sequentially by the hub; outbound events go through the
// out channel so exactly one goroutine writes to the socket.
type client struct {
	id   string
	ip   string
	conn *websocket.Conn

	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newClient(id, ip string, conn *websocket.Conn) *client {
	return &client{
		id:     id,
		ip:     ip,
		conn:   conn,
		out:    make(chan []byte, outboundBuffer),
		closed: make(chan struct{}),
	}
}

// Deliver enqueues a serialized event for writing. Implements
// registry.Conn. A full buffer closes the connection: a client that far
// behind will never catch up on a signaling stream.
func (c *client) Deliver(data []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.out <- data:
		return true
	default:
		c.close(websocket.StatusPolicyViolation, "outbound buffer overflow")
		return false
	}
}

// Kick force-closes the connection. Implements registry.Conn.
func (c *client) Kick(reason string) {
	c.close(websocket.StatusPolicyViolation, reason)
}

func (c *client) close(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.closed)
		// Flush queued events first so a final banned or
		// partner-disconnected reaches the client before the close frame.
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		for {
			select {
			case data := <-c.out:
				if c.conn.Write(ctx, websocket.MessageText, data) != nil {
					_ = c.conn.Close(code, reason)
					return
				}
			default:
				// Close errors are ignored, the peer may already be gone.
				_ = c.conn.Close(code, reason)
				return
			}
		}
	})
}

// writeLoop drains the outbound queue onto the socket. It exits when the
// connection closes or ctx is cancelled.
func (c *client) writeLoop(ctx context.Context) {
	for {
		select {
		case data := <-c.out:
			if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
				c.close(websocket.StatusNormalClosure, "")
				return
			}
		case <-c.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

// remoteIP extracts the client's IP, preferring the first entry of
// X-Forwarded-For so bans work behind a load balancer.
func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
