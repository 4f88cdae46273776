package relay

import (
	"fmt"
	"net/netip"

	"golang.zx2c4.com/wireguard/conn"

	"github.com/2gc-dev/wgx/pkg/session"
)

// socket wraps a golang.zx2c4.com/wireguard/conn.Bind — the same batched
// UDP I/O abstraction real WireGuard implementations bind to — so the
// ingress loop gets platform-optimized receive batching for free instead of
// a bare net.UDPConn.
type socket struct {
	bind       conn.Bind
	receiveFns []conn.ReceiveFunc
	port       uint16
}

func openSocket(listenPort int) (*socket, error) {
	bind := conn.NewDefaultBind()
	fns, actualPort, err := bind.Open(uint16(listenPort))
	if err != nil {
		return nil, fmt.Errorf("open bind on port %d: %w", listenPort, err)
	}
	return &socket{bind: bind, receiveFns: fns, port: actualPort}, nil
}

func (s *socket) close() error {
	return s.bind.Close()
}

func (s *socket) send(buf []byte, ep conn.Endpoint) error {
	return s.bind.Send([][]byte{buf}, ep)
}

func (s *socket) parseEndpoint(addr session.AddrPort) (conn.Endpoint, error) {
	var a netip.Addr
	if addr.IsV4 {
		var b [4]byte
		copy(b[:], addr.IP[:4])
		a = netip.AddrFrom4(b)
	} else {
		a = netip.AddrFrom16(addr.IP)
	}
	return s.bind.ParseEndpoint(netip.AddrPortFrom(a, addr.Port).String())
}

func addrPortFromEndpoint(ep conn.Endpoint) session.AddrPort {
	var out session.AddrPort
	ap, err := netip.ParseAddrPort(ep.DstToString())
	if err != nil {
		return out
	}
	out.Port = ap.Port()
	addr := ap.Addr()
	if addr.Is4() {
		out.IsV4 = true
		b := addr.As4()
		copy(out.IP[:], b[:])
	} else {
		b := addr.As16()
		copy(out.IP[:], b[:])
	}
	return out
}
