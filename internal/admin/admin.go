// Package admin implements the local administrative endpoint (spec.md
// §4.I): a line-oriented TCP server offering both an interactive shell
// and a JSON batch protocol over the same listening socket, plus a
// read-only websocket feed of the same broadcast notifications for a
// future browser dashboard. Grounded on the teacher's
// internal/mqtt.Publisher.Start/cmd/thane/signalbridge.go
// goroutine-per-connection idiom and bdobrica/Ruriko's
// internal/gitai/control.Server listener lifecycle.
package admin

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/fennel-labs/rioagent/internal/config"
	"github.com/fennel-labs/rioagent/internal/events"
	"github.com/fennel-labs/rioagent/internal/router"
)

// interactiveProbeWait bounds how long the server waits, after accepting
// a connection, to see if the client has already sent bytes before a
// banner would be shown. A human at a terminal waits for the prompt; a
// scripted batch client sends its request immediately.
const interactiveProbeWait = 150 * time.Millisecond

// Config holds the dependencies and listen settings for a Server.
type Config struct {
	Settings *config.Settings
	Router   *router.Router
	Bus      *events.Bus
	Logger   *slog.Logger

	Address     string // TCP listen address, e.g. ":4005"
	DashboardWS bool   // serve GET /ws on the port one above Address
}

// Server is the local admin endpoint: a TCP listener plus, optionally, an
// HTTP server on the next port up for the dashboard websocket feed.
type Server struct {
	settings *config.Settings
	router   *router.Router
	bus      *events.Bus
	logger   *slog.Logger

	address     string
	dashboardWS bool

	ln net.Listener

	mu      sync.Mutex
	clients map[*client]struct{}
}

// New builds a Server. Call Start to begin listening.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	address := cfg.Address
	if address == "" {
		address = ":4005"
	}
	return &Server{
		settings:    cfg.Settings,
		router:      cfg.Router,
		bus:         cfg.Bus,
		logger:      logger,
		address:     address,
		dashboardWS: cfg.DashboardWS,
		clients:     make(map[*client]struct{}),
	}
}

// Start binds the listener and begins accepting connections in the
// background. It returns once the listener is bound so callers can rely
// on the admin endpoint being reachable immediately after Start returns.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", s.address, err)
	}
	s.ln = ln
	s.logger.Info("admin endpoint listening", "addr", ln.Addr().String())

	go s.acceptLoop(ctx)
	go s.broadcastLoop(ctx)

	if s.dashboardWS {
		s.startDashboard(ctx)
	}

	go func() {
		<-ctx.Done()
		s.ln.Close()
	}()
	return nil
}

// Stop closes the listener and disconnects all clients.
func (s *Server) Stop() {
	if s.ln != nil {
		s.ln.Close()
	}
	s.mu.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("admin accept failed", "error", err)
			return
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn runs the full lifecycle for one accepted connection: the
// interactive/batch probe, the banner (interactive only), then the
// read-dispatch-respond loop until a terminator or disconnect.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	reader := bufio.NewReader(conn)
	c := &client{
		conn:        conn,
		reader:      reader,
		interactive: probeInteractive(conn, reader),
	}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAdmin,
		Kind:      events.KindAdminConnected,
		Data:      map[string]any{"remote_addr": conn.RemoteAddr().String()},
	})

	defer func() {
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		conn.Close()
		s.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceAdmin,
			Kind:      events.KindAdminDisconnected,
			Data:      map[string]any{"remote_addr": conn.RemoteAddr().String()},
		})
	}()

	if c.interactive {
		fmt.Fprintf(conn, "rio admin endpoint\n%s> ", s.deviceID())
	}

	for {
		line, err := c.reader.ReadString('\n')
		trimmed := trimLine(line)
		if trimmed != "" {
			if s.dispatchLine(ctx, c, trimmed) {
				return
			}
		}
		if err != nil {
			return
		}
		if c.interactive {
			fmt.Fprintf(conn, "%s> ", s.deviceID())
		}
	}
}

func (s *Server) deviceID() string {
	if s.settings == nil {
		return "rio"
	}
	return s.settings.DeviceID()
}

// dispatchLine processes one resolved input line and reports whether the
// session should terminate.
func (s *Server) dispatchLine(ctx context.Context, c *client, line string) bool {
	if line == "bye" || line == "\x04" {
		return true
	}

	resolved, err := c.history.resolve(line)
	if err != nil {
		c.reply(renderError(c.interactive, err))
		return false
	}
	c.history.add(resolved)

	tokens := tokenize(resolved)
	if len(tokens) == 0 {
		return false
	}

	switch tokens[0] {
	case "history":
		filter := ""
		if len(tokens) > 1 {
			filter = tokens[1]
		}
		c.reply(renderHistory(c.interactive, c.history.list(filter)))
		return false
	case "retry":
		// "retry" itself was just appended to history; the entry to
		// replay is the one before it.
		if len(c.history.lines) < 2 {
			c.reply(renderError(c.interactive, fmt.Errorf("nothing to retry")))
			return false
		}
		tokens = tokenize(c.history.lines[len(c.history.lines)-2])
		if len(tokens) == 0 {
			return false
		}
	case "test":
		c.reply(renderTest(c.interactive, s.deviceID()))
		return false
	}

	msg := buildMessage("admin", tokens)
	resp := s.router.Dispatch(ctx, msg)
	if c.interactive {
		c.reply(renderInteractive(resp))
	} else {
		c.reply(renderBatch(resp))
	}
	return false
}

// probeInteractive waits briefly for the client to have already sent
// data; if nothing arrives within the window, the client is assumed to
// be an interactive terminal waiting for the banner/prompt. Peeking
// through the buffered reader (rather than reading the raw conn)
// leaves any already-sent bytes in place for the later ReadString call.
func probeInteractive(conn net.Conn, reader *bufio.Reader) bool {
	conn.SetReadDeadline(time.Now().Add(interactiveProbeWait))
	defer conn.SetReadDeadline(time.Time{})

	_, err := reader.Peek(1)
	return err != nil
}

// broadcastLoop relays Manager/Execution Result/telemetry notifications
// from the event bus to every connected admin client, per spec.md
// §4.I's broadcast contract.
func (s *Server) broadcastLoop(ctx context.Context) {
	if s.bus == nil {
		return
	}
	ch := s.bus.Subscribe(64)
	defer s.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			s.broadcast(formatEvent(e))
		}
	}
}

func (s *Server) broadcast(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.reply(text)
	}
}

// client holds per-connection state: the buffered reader, the
// interactive/batch flag established at accept time, and the command
// history used for "!!"/"!N"/"!prefix" recall.
type client struct {
	conn        net.Conn
	reader      *bufio.Reader
	interactive bool
	history     history

	writeMu sync.Mutex
}

// reply writes text to the client, serialized per spec.md §5 ("Admin-
// client writes to a single client stream are serialized per client").
func (c *client) reply(text string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	fmt.Fprint(c.conn, text)
	if len(text) == 0 || text[len(text)-1] != '\n' {
		fmt.Fprint(c.conn, "\n")
	}
}

func trimLine(line string) string {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}

func renderError(interactive bool, err error) string {
	if interactive {
		return fmt.Sprintf("error: %s", err)
	}
	return fmt.Sprintf(`{"Type":"ERROR","IsValid":false,"Parameters":{"error":%q}}`, err.Error())
}

func renderHistory(interactive bool, lines []string) string {
	if interactive {
		var b strings.Builder
		for i, l := range lines {
			fmt.Fprintf(&b, "%d: %s\n", i+1, l)
		}
		return b.String()
	}
	msg := router.Message{Type: "history", IsValid: true, Parameters: map[string]any{"entries": lines}}
	return renderBatch(msg)
}

func renderTest(interactive bool, deviceID string) string {
	msg := router.Message{Type: "test", Source: deviceID, IsValid: true, Parameters: map[string]any{"result": "ok"}}
	if interactive {
		return renderInteractive(msg)
	}
	return renderBatch(msg)
}

// formatEvent renders a short text line for an admin-broadcast
// notification, categorized per spec.md §4.I ("Manager", "Execution
// Result", or "telemetry").
func formatEvent(e events.Event) string {
	category := "telemetry"
	switch e.Source {
	case events.SourceManager:
		category = "Manager"
	case events.SourceCommand:
		category = "Execution Result"
	}
	return fmt.Sprintf("[%s] %s: %v", category, e.Kind, e.Data)
}
