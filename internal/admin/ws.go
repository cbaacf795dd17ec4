package admin

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

// wsWriteTimeout bounds how long a single dashboard frame write may
// block before the connection is dropped.
const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// startDashboard serves GET /ws on its own HTTP server, streaming the
// same broadcast notifications local admin TCP clients receive as JSON
// frames, for a future browser dashboard (spec.md §6 FULL enrichment).
// It listens one port above the admin TCP address, since the two
// protocols cannot share a single listener.
func (s *Server) startDashboard(ctx context.Context) {
	addr, err := dashboardAddr(s.address)
	if err != nil {
		s.logger.Error("dashboard address invalid", "admin_addr", s.address, "error", err)
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	httpServer := &http.Server{Addr: addr, Handler: mux}

	go func() {
		s.logger.Info("dashboard websocket feed listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("dashboard server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("dashboard websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(ch)

	for e := range ch {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(e); err != nil {
			return
		}
	}
}

// dashboardAddr derives the websocket feed's listen address from the
// admin TCP address, using the next port up (e.g. ":4005" -> ":4006").
func dashboardAddr(tcpAddr string) (string, error) {
	host, portStr, err := net.SplitHostPort(tcpAddr)
	if err != nil {
		return "", fmt.Errorf("split admin address: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", fmt.Errorf("parse admin port: %w", err)
	}
	return net.JoinHostPort(host, strconv.Itoa(port+1)), nil
}
