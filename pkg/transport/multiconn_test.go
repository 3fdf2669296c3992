package transport

import (
	"context"
	goerrs "errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestMultiPacketConnRoutesByNetwork(t *testing.T) {
	network := NewMemoryNetwork()
	memServer, err := network.Listen("server")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	memPeer, err := network.Listen("peer")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer memPeer.Close()

	ws := NewWebsocketPacketListener(WebsocketParams{AllowAllHosts: true, Logger: zap.NewNop()})
	httpServer := httptest.NewServer(ws)
	defer httpServer.Close()

	multi := NewMultiPacketConn(memServer, ws)
	defer multi.Close()

	wsConn, wsRemote, err := DialWebsocket(context.Background(), "ws"+strings.TrimPrefix(httpServer.URL, "http"))
	if err != nil {
		t.Fatalf("DialWebsocket: %v", err)
	}
	defer wsConn.Close()

	if _, err := memPeer.WriteTo([]byte("from-mem"), network.Addr("server")); err != nil {
		t.Fatalf("mem WriteTo: %v", err)
	}
	if _, err := wsConn.WriteTo([]byte("from-ws"), wsRemote); err != nil {
		t.Fatalf("ws WriteTo: %v", err)
	}

	peers := map[string]net.Addr{}
	buf := make([]byte, 64)
	for i := 0; i < 2; i++ {
		n, from, err := multi.ReadFrom(buf)
		if err != nil {
			t.Fatalf("ReadFrom: %v", err)
		}
		peers[string(buf[:n])] = from
	}
	if peers["from-mem"] == nil || peers["from-mem"].Network() != "mem" {
		t.Fatalf("memory datagram missing or misattributed: %v", peers)
	}
	if peers["from-ws"] == nil || peers["from-ws"].Network() != "ws" {
		t.Fatalf("websocket datagram missing or misattributed: %v", peers)
	}

	if _, err := multi.WriteTo([]byte("to-ws"), peers["from-ws"]); err != nil {
		t.Fatalf("WriteTo ws peer: %v", err)
	}
	n, _, err := wsConn.ReadFrom(buf)
	if err != nil || string(buf[:n]) != "to-ws" {
		t.Errorf("ws peer got %q, %v", buf[:n], err)
	}

	if _, err := multi.WriteTo([]byte("to-mem"), peers["from-mem"]); err != nil {
		t.Fatalf("WriteTo mem peer: %v", err)
	}
	n, _, err = memPeer.ReadFrom(buf)
	if err != nil || string(buf[:n]) != "to-mem" {
		t.Errorf("mem peer got %q, %v", buf[:n], err)
	}

	var addrErr *net.AddrError
	if _, err := multi.WriteTo([]byte("x"), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}); !goerrs.As(err, &addrErr) {
		t.Errorf("expected AddrError for an unserved network, got %v", err)
	}
}

func TestMultiPacketConnClose(t *testing.T) {
	network := NewMemoryNetwork()
	a, _ := network.Listen("a")
	b, _ := network.Listen("b")
	multi := NewMultiPacketConn(a, b)

	if err := multi.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, _, err := multi.ReadFrom(make([]byte, 8)); !goerrs.Is(err, net.ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
	if err := multi.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
