package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	utils "github.com/sessamekesh/spanreed-netsync/pkg/util"
	"go.uber.org/zap"
)

type WebsocketParams struct {
	ListenAddress    string
	ListenEndpoint   string
	AllowAllHosts    bool
	AllowlistedHosts []string
	DenylistedHosts  []string

	MaxReadMessageSize int64
	QueueLength        int

	Logger *zap.Logger
}

func checkOrigin(r *http.Request, params WebsocketParams) bool {
	origin := r.Header.Get("Origin")
	if utils.Contains(origin, params.DenylistedHosts) {
		return false
	}

	if params.AllowAllHosts {
		return true
	}

	return utils.Contains(origin, params.AllowlistedHosts)
}

type wsAddr string

func (a wsAddr) Network() string { return "ws" }
func (a wsAddr) String() string  { return string(a) }

type wsPeer struct {
	conn      *websocket.Conn
	mut_write sync.Mutex
}

func (p *wsPeer) write(b []byte) error {
	p.mut_write.Lock()
	defer p.mut_write.Unlock()
	return p.conn.WriteMessage(websocket.BinaryMessage, b)
}

// WebsocketPacketListener presents browser WebSocket sessions as a PacketConn: each binary
// message is one frame, and each session gets its own synthetic address. Reliability and
// keep-alive stay with the transport on top, exactly as over UDP.
type WebsocketPacketListener struct {
	upgrader *websocket.Upgrader
	params   WebsocketParams
	log      *zap.Logger

	stringGen *utils.RandomStringGenerator

	inbox     chan datagram
	closeOnce sync.Once
	closed    chan struct{}

	mut_peers sync.RWMutex
	peers     map[wsAddr]*wsPeer
}

func NewWebsocketPacketListener(params WebsocketParams) *WebsocketPacketListener {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.ListenEndpoint == "" {
		params.ListenEndpoint = "/ws"
	}
	if params.QueueLength <= 0 {
		params.QueueLength = 1024
	}

	return &WebsocketPacketListener{
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(r, params)
			},
		},
		params:    params,
		log:       logger.With(zap.String("handler", "WebSocket")),
		stringGen: utils.CreateRandomStringGenerator(time.Now().UnixMicro()),
		inbox:     make(chan datagram, params.QueueLength),
		closed:    make(chan struct{}),
		peers:     make(map[wsAddr]*wsPeer),
	}
}

func (ws *WebsocketPacketListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	addr := wsAddr("ws:" + ws.stringGen.GetRandomString(8))
	log := ws.log.With(zap.Stringer("wsConnId", addr))

	log.Info("New WebSocket request")
	c, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("Failed to upgrade HTTP request to WebSocket connection", zap.Error(err))
		return
	}
	defer c.Close()

	if ws.params.MaxReadMessageSize > 0 {
		c.SetReadLimit(ws.params.MaxReadMessageSize)
	}

	peer := &wsPeer{conn: c}
	func() {
		ws.mut_peers.Lock()
		defer ws.mut_peers.Unlock()
		ws.peers[addr] = peer
	}()
	defer func() {
		ws.mut_peers.Lock()
		defer ws.mut_peers.Unlock()
		delete(ws.peers, addr)
		log.Debug("Removed WebSocket session")
	}()

	expectedCloseErrors := []int{websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived}
	for {
		msgType, payload, msgErr := c.ReadMessage()
		if msgErr != nil {
			if websocket.IsCloseError(msgErr, expectedCloseErrors...) {
				log.Info("WebSocket session closed by peer")
				return
			}
			if websocket.IsUnexpectedCloseError(msgErr, expectedCloseErrors...) {
				log.Warn("WebSocket session closed unexpectedly", zap.Error(msgErr))
				return
			}
			if errors.Is(msgErr, net.ErrClosed) {
				log.Info("WebSocket session closed locally")
				return
			}
			log.Warn("Unexpected WebSocket read error", zap.Error(msgErr))
			return
		}

		if msgType != websocket.BinaryMessage {
			log.Info("Received non-binary message, ignoring", zap.Int("size", len(payload)))
			continue
		}

		select {
		case <-ws.closed:
			return
		case ws.inbox <- datagram{data: payload, from: addr}:
		default:
			log.Debug("Inbound queue full, dropping frame")
		}
	}
}

func (ws *WebsocketPacketListener) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case <-ws.closed:
		return 0, nil, net.ErrClosed
	case pkt := <-ws.inbox:
		return copy(p, pkt.data), pkt.from, nil
	}
}

func (ws *WebsocketPacketListener) WriteTo(p []byte, addr net.Addr) (int, error) {
	ws.mut_peers.RLock()
	peer, has := ws.peers[wsAddr(addr.String())]
	ws.mut_peers.RUnlock()
	if !has {
		return 0, net.ErrClosed
	}
	if err := peer.write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (ws *WebsocketPacketListener) LocalAddr() net.Addr {
	return wsAddr(ws.params.ListenAddress + ws.params.ListenEndpoint)
}

func (ws *WebsocketPacketListener) Close() error {
	ws.closeOnce.Do(func() {
		close(ws.closed)
		ws.mut_peers.Lock()
		defer ws.mut_peers.Unlock()
		for _, peer := range ws.peers {
			peer.conn.Close()
		}
	})
	return nil
}

// Start serves the WebSocket endpoint on its own HTTP server until ctx is cancelled.
func (ws *WebsocketPacketListener) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(ws.params.ListenEndpoint, ws)

	server := &http.Server{
		Addr:              ws.params.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()

		ws.log.Sugar().Infof("Starting WebSocket server at %s", ws.params.ListenAddress)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			ws.log.Error("Unexpected WebSocket server close!", zap.Error(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		<-ctx.Done()

		shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownRelease()
		ws.log.Info("Attempting to trigger shutdown of WebSocket server")

		ws.Close()
		if err := server.Shutdown(shutdownCtx); err != nil {
			ws.log.Error("Failed to gracefully shut down WebSocket server", zap.Error(err))
			return
		}
		ws.log.Info("Successfully shutdown WebSocket server")
	}()

	wg.Wait()
	return nil
}

//
// Client side

type websocketClientConn struct {
	conn   *websocket.Conn
	remote wsAddr

	mut_write sync.Mutex
}

// DialWebsocket connects to a WebsocketPacketListener. The returned address is the one
// the PacketConn reports for every inbound frame, for use with Dial.
func DialWebsocket(ctx context.Context, url string) (PacketConn, net.Addr, error) {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, nil, err
	}
	remote := wsAddr(url)
	return &websocketClientConn{conn: c, remote: remote}, remote, nil
}

func (c *websocketClientConn) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		msgType, payload, err := c.conn.ReadMessage()
		if err != nil {
			// Read errors on a websocket are permanent.
			return 0, nil, fmt.Errorf("%w: %v", net.ErrClosed, err)
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		return copy(p, payload), c.remote, nil
	}
}

func (c *websocketClientConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	c.mut_write.Lock()
	defer c.mut_write.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *websocketClientConn) Close() error {
	c.mut_write.Lock()
	c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.mut_write.Unlock()
	return c.conn.Close()
}

func (c *websocketClientConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}
