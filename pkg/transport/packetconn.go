package transport

import (
	"net"

	"go.uber.org/zap"
)

// PacketConn is the datagram carrier the transport runs on. Every ReadFrom yields exactly
// one encoded frame. *net.UDPConn satisfies it directly.
type PacketConn interface {
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	WriteTo(p []byte, addr net.Addr) (n int, err error)
	Close() error
	LocalAddr() net.Addr
}

type UdpParams struct {
	ListenAddress   string
	ReadBufferSize  int
	WriteBufferSize int

	Logger *zap.Logger
}

// ListenUDP opens the native datagram carrier.
func ListenUDP(params UdpParams) (*net.UDPConn, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	hostAddr, err := net.ResolveUDPAddr("udp", params.ListenAddress)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", hostAddr)
	if err != nil {
		return nil, err
	}

	if params.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(params.ReadBufferSize); err != nil {
			logger.Warn("Failed to set UDP read buffer", zap.Int("size", params.ReadBufferSize), zap.Error(err))
		}
	}
	if params.WriteBufferSize > 0 {
		if err := conn.SetWriteBuffer(params.WriteBufferSize); err != nil {
			logger.Warn("Failed to set UDP write buffer", zap.Int("size", params.WriteBufferSize), zap.Error(err))
		}
	}

	logger.Info("Listening for UDP datagrams", zap.Stringer("addr", conn.LocalAddr()))
	return conn, nil
}

// DialUDP opens an unconnected local socket for a client and resolves the server address.
func DialUDP(serverAddress string) (*net.UDPConn, net.Addr, error) {
	remote, err := net.ResolveUDPAddr("udp", serverAddress)
	if err != nil {
		return nil, nil, err
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, nil, err
	}
	return conn, remote, nil
}
