package channel

import (
	"fmt"
	"net"
)

// UDP is a receive-only, send-only, or full-duplex UDP channel (spec.md
// §4.B). Payloads are raw byte arrays; a nil payload sent is a no-op
// that returns OK.
type UDP struct {
	*counters
	conn    *net.UDPConn
	remote  *net.UDPAddr
	dialed  bool
	recv    ReceiveFunc
	closeCh chan struct{}
}

// UDPConfig selects which directions a UDP channel supports. At least
// one of ListenAddr/RemoteAddr must be set.
type UDPConfig struct {
	// ListenAddr, if set, binds a local port and starts the async
	// receive loop (e.g. ":9100").
	ListenAddr string
	// RemoteAddr, if set, is the destination for Send (e.g.
	// "host:9100").
	RemoteAddr string
}

// NewUDP constructs a UDP channel per cfg.
func NewUDP(cfg UDPConfig) (*UDP, error) {
	if cfg.ListenAddr == "" && cfg.RemoteAddr == "" {
		return nil, fmt.Errorf("udp channel: at least one of ListenAddr or RemoteAddr required")
	}

	u := &UDP{counters: newCounters(), closeCh: make(chan struct{})}

	if cfg.RemoteAddr != "" {
		addr, err := net.ResolveUDPAddr("udp", cfg.RemoteAddr)
		if err != nil {
			return nil, fmt.Errorf("udp channel: resolve remote addr: %w", err)
		}
		u.remote = addr
	}

	if cfg.ListenAddr != "" {
		addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("udp channel: resolve listen addr: %w", err)
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			return nil, fmt.Errorf("udp channel: listen: %w", err)
		}
		u.conn = conn
		go u.receiveLoop()
	} else if cfg.RemoteAddr != "" {
		// Send-only: dial so Send can write without specifying an addr
		// each time.
		conn, err := net.DialUDP("udp", nil, u.remote)
		if err != nil {
			return nil, fmt.Errorf("udp channel: dial: %w", err)
		}
		u.conn = conn
		u.dialed = true
	}

	return u, nil
}

func (u *UDP) receiveLoop() {
	buf := make([]byte, 65507) // max UDP payload
	for {
		n, _, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-u.closeCh:
				return
			default:
			}
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		u.recordReceive(n)
		if u.recv != nil {
			u.recv(payload)
		}
	}
}

// Send writes payload to the channel's remote endpoint. A nil payload
// is a no-op returning OK.
func (u *UDP) Send(payload []byte) Result {
	if payload == nil {
		return OK
	}
	if u.conn == nil {
		return NoConnection
	}

	var err error
	if u.dialed {
		_, err = u.conn.Write(payload)
	} else if u.remote != nil {
		_, err = u.conn.WriteToUDP(payload, u.remote)
	} else {
		return NoConnection
	}

	if err != nil {
		u.recordSend(false, 0, err.Error())
		return Failed
	}
	u.recordSend(true, len(payload), "")
	return OK
}

func (u *UDP) SetReceiveFunc(fn ReceiveFunc) { u.recv = fn }

func (u *UDP) Metrics() Metrics { return u.snapshot() }

// Close shuts down the receive loop (if any) and closes the socket.
func (u *UDP) Close() error {
	close(u.closeCh)
	if u.conn == nil {
		return nil
	}
	return u.conn.Close()
}
