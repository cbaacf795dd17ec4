package admin

import (
	"bufio"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/fennel-labs/rioagent/internal/config"
	"github.com/fennel-labs/rioagent/internal/events"
	"github.com/fennel-labs/rioagent/internal/feature"
	"github.com/fennel-labs/rioagent/internal/knowledge"
	"github.com/fennel-labs/rioagent/internal/router"
	"github.com/fennel-labs/rioagent/internal/scheduler"
)

func TestTokenize(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{`status`, []string{"status"}},
		{`enable target=foo`, []string{"enable", "target=foo"}},
		{`name id="new device"`, []string{"name", "id=new device"}},
		{`name id="say ""hi"""`, []string{"name", `id=say "hi"`}},
	}
	for _, c := range cases {
		got := tokenize(c.in)
		if len(got) != len(c.want) {
			t.Fatalf("tokenize(%q) = %v, want %v", c.in, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Errorf("tokenize(%q)[%d] = %q, want %q", c.in, i, got[i], c.want[i])
			}
		}
	}
}

func TestHistory_Recall(t *testing.T) {
	var h history
	h.add("status")
	h.add("enable target=foo")
	h.add("list what=features")

	if got, err := h.resolve("!!"); err != nil || got != "list what=features" {
		t.Errorf("!! = %q, %v", got, err)
	}
	if got, err := h.resolve("!2"); err != nil || got != "enable target=foo" {
		t.Errorf("!2 = %q, %v", got, err)
	}
	if got, err := h.resolve("!enable"); err != nil || got != "enable target=foo" {
		t.Errorf("!enable = %q, %v", got, err)
	}
	if _, err := h.resolve("!99"); err == nil {
		t.Error("expected out-of-range recall to fail")
	}
}

func TestBuildMessage_TargetsAndParams(t *testing.T) {
	msg := buildMessage("admin", []string{"enable", "foo", "bar", "force=true"})
	if msg.Type != "enable" {
		t.Fatalf("type = %q", msg.Type)
	}
	targets, ok := msg.Parameters["target"].([]string)
	if !ok || len(targets) != 2 {
		t.Fatalf("target = %v", msg.Parameters["target"])
	}
	if msg.Parameters["force"] != true {
		t.Errorf("force = %v, want true", msg.Parameters["force"])
	}
}

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()

	settings, err := config.LoadSettings(filepath.Join(dir, "settings.json"))
	if err != nil {
		t.Fatal(err)
	}
	settings.ID = "local-device"

	know := knowledge.New()
	bus := events.New()
	m := feature.New(settings, know, bus, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	sched := scheduler.New(know, nil, bus, nil)

	r := router.New(router.Config{
		Settings:    settings,
		Manager:     m,
		Scheduler:   sched,
		Knowledge:   know,
		Bus:         bus,
		RulesetPath: filepath.Join(dir, "Ruleset.json"),
		CrontabPath: filepath.Join(dir, "crontab.json"),
		MediaDir:    dir,
	})

	srv := New(Config{
		Settings: settings,
		Router:   r,
		Bus:      bus,
		Address:  "127.0.0.1:0",
	})
	return srv, dir
}

func TestServer_BatchClientGetsJSON(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()

	conn, err := net.Dial("tcp", srv.ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Send immediately, without waiting for a banner, so the server's
	// interactive probe classifies this client as batch.
	conn.Write([]byte("status\n"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if line == "" {
		t.Fatal("expected a response line")
	}
}

func TestServer_InteractiveClientGetsBanner(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()

	conn, err := net.Dial("tcp", srv.ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Wait out the interactive probe window before sending anything.
	time.Sleep(interactiveProbeWait * 2)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	got := string(buf[:n])
	if got == "" {
		t.Fatal("expected a banner")
	}
}
