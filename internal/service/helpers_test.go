package service

import (
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/tomnoakes9/iRacing-Telemetry/internal/config"
	"github.com/tomnoakes9/iRacing-Telemetry/internal/model"
	"github.com/tomnoakes9/iRacing-Telemetry/internal/registry"
)

var generatedCode = regexp.MustCompile(`^[A-HJ-NP-Z2-9]{3}-[A-HJ-NP-Z2-9]{3}$`)

// fakeConn records every frame sent to it
type fakeConn struct {
	id     string
	mu     sync.Mutex
	frames []*model.Outbound
	closed bool
	full   bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(msg *model.Outbound) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.full {
		return false
	}
	c.frames = append(c.frames, msg)
	return true
}

func (c *fakeConn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) Frames() []*model.Outbound {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*model.Outbound, len(c.frames))
	copy(out, c.frames)
	return out
}

func (c *fakeConn) OfType(t model.MessageType) []*model.Outbound {
	var out []*model.Outbound
	for _, f := range c.Frames() {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) Last() *model.Outbound {
	frames := c.Frames()
	if len(frames) == 0 {
		return nil
	}
	return frames[len(frames)-1]
}

func (c *fakeConn) Reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T, mutate ...func(*config.PairingConfig)) (*PairingService, *fakeClock) {
	t.Helper()
	policy := config.DefaultPairing()
	for _, m := range mutate {
		m(&policy)
	}
	if err := policy.Validate(); err != nil {
		t.Fatalf("invalid test policy: %v", err)
	}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc := NewPairingService(registry.NewSessionRegistry(), registry.NewCodeRegistry(policy.CodeMaxAttempts), policy)
	svc.now = clock.Now
	return svc, clock
}

func immediate(p *config.PairingConfig) { p.Reconnect = config.ReconnectImmediate }
func declared(p *config.PairingConfig)  { p.CodeMode = config.CodeDeclared }
func twoStep(p *config.PairingConfig)   { p.Flow = config.FlowTwoStep }
func rotate(p *config.PairingConfig)    { p.SharerCode = config.SharerCodeRotate }

// registerSharer registers a sharer and returns the code it was given
func registerSharer(t *testing.T, svc *PairingService, id string, conn *fakeConn, code string) string {
	t.Helper()
	sess, err := svc.Register(conn, RegisterRequest{SessionID: id, Role: model.RoleSharer, Code: code})
	if err != nil {
		t.Fatalf("register sharer %s: %v", id, err)
	}
	frames := conn.OfType(model.MsgPairingCode)
	if len(frames) == 0 {
		t.Fatalf("sharer %s got no pairing_code frame", id)
	}
	if got := frames[len(frames)-1].Code; got != sess.Code {
		t.Fatalf("pairing_code %q does not match session code %q", got, sess.Code)
	}
	return sess.Code
}

func registerViewer(t *testing.T, svc *PairingService, id string, conn *fakeConn, code string) error {
	t.Helper()
	sess, err := svc.Register(conn, RegisterRequest{SessionID: id, Role: model.RoleViewer, Code: code})
	if sess == nil {
		t.Fatalf("viewer %s was not registered: %v", id, err)
	}
	return err
}

// assertPaired checks that the link between a and b holds on both sides
func assertPaired(t *testing.T, svc *PairingService, a, b string) {
	t.Helper()
	sa, ok := svc.Lookup(a)
	if !ok {
		t.Fatalf("session %s missing", a)
	}
	sb, ok := svc.Lookup(b)
	if !ok {
		t.Fatalf("session %s missing", b)
	}
	if sa.PairedWith != b || sb.PairedWith != a {
		t.Fatalf("expected %s<->%s, got %s->%q and %s->%q", a, b, a, sa.PairedWith, b, sb.PairedWith)
	}
}

func assertUnpaired(t *testing.T, svc *PairingService, id string) {
	t.Helper()
	sess, ok := svc.Lookup(id)
	if !ok {
		return
	}
	if sess.PairedWith != "" {
		t.Fatalf("expected %s unpaired, paired with %s", id, sess.PairedWith)
	}
}
