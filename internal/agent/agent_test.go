package agent

import (
	"context"
	"errors"
	"net"
	"os"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/postalsys/kvmux/internal/edge"
	"github.com/postalsys/kvmux/internal/platform"
	"github.com/postalsys/kvmux/internal/platform/headless"
	"github.com/postalsys/kvmux/internal/protocol"
)

// session is a running agent and the controller's end of its stream.
type session struct {
	conn   net.Conn
	r      *protocol.Reader
	w      *protocol.Writer
	done   chan error
	plats  chan *headless.Platform
	cancel context.CancelFunc

	mu   sync.Mutex
	env  map[string]string
	logs []string
}

func startAgent(t *testing.T, level string) *session {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	f := os.NewFile(uintptr(fds[0]), "controller")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		unix.Close(fds[1])
		t.Fatalf("FileConn: %v", err)
	}
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	s := &session{
		conn:  conn,
		r:     protocol.NewReader(conn),
		w:     protocol.NewWriter(conn),
		done:  make(chan error, 1),
		plats: make(chan *headless.Platform, 1),
		env:   make(map[string]string),
	}

	a, err := New(Options{
		InFD:     fds[1],
		OutFD:    fds[1],
		LogLevel: level,
		Setenv: func(k, v string) error {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.env[k] = v
			return nil
		},
		OpenPlatform: func() (platform.Platform, error) {
			p, err := headless.New(100, 100)
			if err == nil {
				s.plats <- p
			}
			return p, err
		},
	})
	if err != nil {
		conn.Close()
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() { s.done <- a.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		conn.Close()
		select {
		case <-s.done:
		case <-time.After(5 * time.Second):
			t.Error("agent did not exit")
		}
	})
	return s
}

func (s *session) write(t *testing.T, msgs ...protocol.Message) {
	t.Helper()
	for _, m := range msgs {
		if err := s.w.Write(m); err != nil {
			t.Fatalf("write %s: %v", m.Type(), err)
		}
	}
}

// next returns the next message that is not a log record.
func (s *session) next(t *testing.T) protocol.Message {
	t.Helper()
	for {
		m, err := s.r.Read()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if l, ok := m.(*protocol.Log); ok {
			s.logs = append(s.logs, string(l.Text))
			continue
		}
		return m
	}
}

// readLogs collects log records until the agent closes the stream.
func (s *session) readLogs() []string {
	for {
		m, err := s.r.Read()
		if err != nil {
			return s.logs
		}
		if l, ok := m.(*protocol.Log); ok {
			s.logs = append(s.logs, string(l.Text))
		}
	}
}

func (s *session) setup(t *testing.T, params map[string]string) *headless.Platform {
	t.Helper()
	flat, err := protocol.FlattenParams(params)
	if err != nil {
		t.Fatal(err)
	}
	s.write(t, &protocol.Setup{Version: protocol.ProtocolVersion, Params: flat})
	if m := s.next(t); m.Type() != protocol.TypeReady {
		t.Fatalf("reply to setup = %s, want ready", m.Type())
	}
	return <-s.plats
}

func (s *session) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-s.done:
		s.done <- err
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not exit")
		return nil
	}
}

// ============================================================================
// Tests
// ============================================================================

func TestNew_RequiresPlatform(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("expected error without a platform factory")
	}
}

func TestSetupAppliesParams(t *testing.T) {
	s := startAgent(t, "info")
	s.setup(t, map[string]string{"DISPLAY": ":7", "XAUTHORITY": "/tmp/xauth"})

	s.mu.Lock()
	defer s.mu.Unlock()
	want := map[string]string{"DISPLAY": ":7", "XAUTHORITY": "/tmp/xauth"}
	if !reflect.DeepEqual(s.env, want) {
		t.Errorf("environment = %v, want %v", s.env, want)
	}
}

func TestExecutesMessages(t *testing.T) {
	s := startAgent(t, "info")
	plat := s.setup(t, map[string]string{"DISPLAY": ":0"})

	s.write(t,
		&protocol.KeyEvent{Key: uint32(platform.KeyShiftL), Action: protocol.Press},
		&protocol.ClickEvent{Button: uint32(platform.ButtonRight), Action: protocol.Release},
		&protocol.SetBrightness{Level: 0.5},
		&protocol.SetMousePos{X: 10, Y: 20},
		&protocol.SetClipboard{Text: []byte("shared")},
		&protocol.GetClipboard{},
	)

	m := s.next(t)
	sc, ok := m.(*protocol.SetClipboard)
	if !ok {
		t.Fatalf("reply to get-clipboard = %s", m.Type())
	}
	if string(sc.Text) != "shared" {
		t.Errorf("clipboard reply = %q", sc.Text)
	}

	wantInjected := []headless.Injection{
		{Key: platform.KeyShiftL, Action: protocol.Press},
		{Button: platform.ButtonRight, Action: protocol.Release},
	}
	if got := plat.Injected(); !reflect.DeepEqual(got, wantInjected) {
		t.Errorf("injected = %v, want %v", got, wantInjected)
	}
	if got := plat.Brightness(); got != 0.5 {
		t.Errorf("brightness = %v", got)
	}
	if pos, _ := plat.MousePos(); pos != (platform.Point{X: 10, Y: 20}) {
		t.Errorf("pointer = %v", pos)
	}
}

func TestReportsEdgeCrossings(t *testing.T) {
	s := startAgent(t, "info")
	s.setup(t, nil)

	// The pointer starts at the center of the 100x100 screen.
	s.write(t, &protocol.MoveRel{DX: 0, DY: -100})

	m := s.next(t)
	ev, ok := m.(*protocol.EdgeMaskChange)
	if !ok {
		t.Fatalf("got %s, want edge mask change", m.Type())
	}
	if ev.Old != 0 || ev.New != edge.Up.Mask() {
		t.Errorf("masks %#x -> %#x, want 0 -> %#x", ev.Old, ev.New, edge.Up.Mask())
	}
	if ev.Y != 0 {
		t.Errorf("y = %v, want 0", ev.Y)
	}

	s.write(t, &protocol.SetMousePosScreenRel{X: 0.5, Y: 0.5}, &protocol.MoveRel{DX: 100, DY: 0})
	ev, ok = s.next(t).(*protocol.EdgeMaskChange)
	if !ok || ev.New != edge.Right.Mask() {
		t.Errorf("second crossing = %+v", ev)
	}
}

func TestVersionMismatch(t *testing.T) {
	s := startAgent(t, "info")
	s.write(t, &protocol.Setup{Version: protocol.ProtocolVersion + 1})

	if err := s.wait(t); !errors.Is(err, ErrVersionMismatch) {
		t.Errorf("Run = %v, want ErrVersionMismatch", err)
	}
	logs := s.readLogs()
	if len(logs) == 0 || !strings.Contains(logs[len(logs)-1], "version mismatch") {
		t.Errorf("exit reason not forwarded, logs = %q", logs)
	}
}

func TestMessageBeforeSetup(t *testing.T) {
	s := startAgent(t, "info")
	s.write(t, &protocol.KeyEvent{Key: uint32(platform.KeyA), Action: protocol.Press})

	if err := s.wait(t); !errors.Is(err, ErrUnexpectedMessage) {
		t.Errorf("Run = %v, want ErrUnexpectedMessage", err)
	}
}

func TestControllerOnlyMessagesRejected(t *testing.T) {
	for _, m := range []protocol.Message{&protocol.Ready{}, &protocol.EdgeMaskChange{}, &protocol.Log{Text: []byte("x")}} {
		t.Run(m.Type().String(), func(t *testing.T) {
			s := startAgent(t, "info")
			s.setup(t, nil)
			s.write(t, m)
			if err := s.wait(t); !errors.Is(err, ErrUnexpectedMessage) {
				t.Errorf("Run = %v, want ErrUnexpectedMessage", err)
			}
		})
	}
}

func TestStreamClosedIsCleanExit(t *testing.T) {
	s := startAgent(t, "info")
	s.setup(t, nil)
	s.conn.Close()

	if err := s.wait(t); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}

func TestContextCancelStops(t *testing.T) {
	s := startAgent(t, "info")
	s.cancel()

	if err := s.wait(t); err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
	logs := s.readLogs()
	if len(logs) == 0 || !strings.Contains(logs[len(logs)-1], "agent stopping") {
		t.Errorf("logs = %q", logs)
	}
}

func TestStartupLogIsBlockingWrite(t *testing.T) {
	s := startAgent(t, "debug")

	m, err := s.r.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	l, ok := m.(*protocol.Log)
	if !ok {
		t.Fatalf("first message %s, want log", m.Type())
	}
	if !strings.Contains(string(l.Text), "agent starting") || !strings.Contains(string(l.Text), "component=agent") {
		t.Errorf("startup log = %q", l.Text)
	}
}

func TestFDWriterFramesLog(t *testing.T) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	r := os.NewFile(uintptr(fds[0]), "r")
	defer r.Close()
	defer unix.Close(fds[1])

	want := &protocol.Log{Text: []byte("level=INFO msg=early")}
	if err := protocol.NewWriter(fdWriter(fds[1])).Write(want); err != nil {
		t.Fatalf("Write: %v", err)
	}

	m, err := protocol.NewReader(r).Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !reflect.DeepEqual(m, want) {
		t.Errorf("read %+v, want %+v", m, want)
	}
}
