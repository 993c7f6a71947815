package substrate

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/sammck-go/logger"
	"github.com/tomasen/realip"

	"github.com/bridgewire/chanrpc/pkg/chanrpc"
)

// wsPeer is the chanrpc.Peer a Websocket substrate hands out: the origin
// string a side presents, the same identity a postMessage-style substrate
// would supply, carried here as the websocket handshake's Origin header.
type wsPeer struct {
	identity string
}

func (p *wsPeer) Identity() string { return p.identity }

// Websocket is a chanrpc.Substrate backed by a single gorilla/websocket
// connection, carrying each chanrpc JSON frame as one text message.
type Websocket struct {
	local *wsPeer

	mu      sync.Mutex
	conn    *websocket.Conn
	remote  *wsPeer
	subs    []func(payload, senderID string)
	log     logger.Logger
	closed  bool
	ready   chan struct{}
	readyed bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// NewWebsocketServer starts a gin HTTP server listening on addr, upgrading
// the first client that connects to path into this substrate's one
// connection. localIdentity is this side's own Identity(); the remote
// side's identity is read from the upgrade request's Origin header (§4.7
// expects the substrate itself to supply the sender identity).
func NewWebsocketServer(log logger.Logger, addr, path, localIdentity string) (*Websocket, error) {
	ws := &Websocket{
		local: &wsPeer{identity: localIdentity},
		log:   log.ForkLog("chanrpc-ws-server"),
		ready: make(chan struct{}),
	}

	router := gin.New()
	router.GET(path, func(c *gin.Context) {
		ws.mu.Lock()
		alreadyConnected := ws.conn != nil
		ws.mu.Unlock()
		if alreadyConnected {
			c.AbortWithStatus(http.StatusConflict)
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			ws.log.ELogf("websocket upgrade from %s failed: %s", realip.FromRequest(c.Request), err)
			return
		}
		origin := c.Request.Header.Get("Origin")
		ws.log.ILogf("accepted websocket connection from %s (origin %q)", realip.FromRequest(c.Request), origin)
		ws.attach(conn, origin)
	})

	server := &http.Server{Addr: addr, Handler: router}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("substrate: failed to listen on %s: %w", addr, err)
	}
	go func() {
		if err := server.Serve(ln); err != nil && !ws.isClosed() {
			ws.log.ELogf("websocket server exited: %s", err)
		}
	}()

	return ws, nil
}

// NewWebsocketClient dials url, presenting origin as this side's identity
// via the Origin header, retrying with backoff until the initial connection
// succeeds. maxRetry caps the backoff interval between dial attempts; zero
// selects a 5 second default. Once connected it does not reconnect on a
// later drop: automatic reconnection after a peer goes away is an explicit
// non-goal of the Channel this substrate backs.
func NewWebsocketClient(ctx context.Context, log logger.Logger, url, origin, localIdentity string, maxRetry time.Duration) (*Websocket, error) {
	ws := &Websocket{
		local: &wsPeer{identity: localIdentity},
		log:   log.ForkLog("chanrpc-ws-client"),
		ready: make(chan struct{}),
	}

	if maxRetry <= 0 {
		maxRetry = 5 * time.Second
	}
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: maxRetry, Factor: 2}
	header := http.Header{"Origin": []string{origin}}

	for {
		conn, resp, err := websocket.DefaultDialer.Dial(url, header)
		if err == nil {
			ws.attach(conn, originOf(resp, origin))
			return ws, nil
		}
		d := b.Duration()
		ws.log.WLogf("dial %s failed (%s), retrying in %s", url, err, d)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("substrate: dial %s canceled: %w", url, ctx.Err())
		case <-time.After(d):
		}
	}
}

func originOf(resp *http.Response, fallback string) string {
	if resp != nil {
		if o := resp.Header.Get("Origin"); o != "" {
			return o
		}
	}
	return fallback
}

func (ws *Websocket) attach(conn *websocket.Conn, remoteIdentity string) {
	ws.mu.Lock()
	ws.conn = conn
	ws.remote = &wsPeer{identity: remoteIdentity}
	if !ws.readyed {
		ws.readyed = true
		close(ws.ready)
	}
	ws.mu.Unlock()
	go ws.readLoop(conn)
}

func (ws *Websocket) readLoop(conn *websocket.Conn) {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			ws.log.ILogf("websocket connection closed: %s", err)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		ws.mu.Lock()
		subs := append([]func(string, string){}, ws.subs...)
		remoteID := ws.remote.identity
		ws.mu.Unlock()
		for _, fn := range subs {
			if fn != nil {
				fn(string(data), remoteID)
			}
		}
	}
}

// Send implements chanrpc.Substrate.
func (ws *Websocket) Send(ctx context.Context, peer chanrpc.Peer, payload string) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("substrate: websocket not yet connected")
	}
	return conn.WriteMessage(websocket.TextMessage, []byte(payload))
}

// Subscribe implements chanrpc.Substrate.
func (ws *Websocket) Subscribe(fn func(payload, senderID string)) func() {
	ws.mu.Lock()
	ws.subs = append(ws.subs, fn)
	idx := len(ws.subs) - 1
	ws.mu.Unlock()
	return func() {
		ws.mu.Lock()
		defer ws.mu.Unlock()
		if idx < len(ws.subs) {
			ws.subs[idx] = nil
		}
	}
}

// LocalPeer implements chanrpc.Substrate.
func (ws *Websocket) LocalPeer() chanrpc.Peer { return ws.local }

// RemotePeer blocks until the connection is established, then returns the
// peer handle for the other end, the value applications pass as
// chanrpc.Config.Peer.
func (ws *Websocket) RemotePeer(ctx context.Context) (chanrpc.Peer, error) {
	select {
	case <-ws.ready:
		ws.mu.Lock()
		defer ws.mu.Unlock()
		return ws.remote, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (ws *Websocket) isClosed() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.closed
}

// Close tears down the underlying connection.
func (ws *Websocket) Close() error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.closed = true
	if ws.conn != nil {
		return ws.conn.Close()
	}
	return nil
}
