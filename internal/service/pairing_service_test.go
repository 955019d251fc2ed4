package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tomnoakes9/iRacing-Telemetry/internal/model"
)

func TestCoachStudentScenario(t *testing.T) {
	svc, _ := newTestService(t)
	relay := NewRelayService(svc)

	coach := newFakeConn("conn-coach")
	student := newFakeConn("conn-student")

	code := registerSharer(t, svc, "coach-1", coach, "")
	if !generatedCode.MatchString(code) {
		t.Fatalf("code %q is not a generated XXX-XXX code", code)
	}

	if err := registerViewer(t, svc, "student-1", student, code); err != nil {
		t.Fatalf("viewer register: %v", err)
	}
	assertPaired(t, svc, "coach-1", "student-1")

	sp := student.OfType(model.MsgPaired)
	if len(sp) != 1 || sp[0].PeerID != "coach-1" || sp[0].PeerName != "Coach" {
		t.Fatalf("student paired frames = %+v", sp)
	}
	cp := coach.OfType(model.MsgPaired)
	if len(cp) != 1 || cp[0].PeerID != "student-1" || cp[0].PeerName != "Student" {
		t.Fatalf("coach paired frames = %+v", cp)
	}

	sample, err := model.DecodeInbound([]byte(`{"type":"telemetry","speed":120,"gear":3,"rpm":7200}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !relay.Forward("coach-1", &sample.Telemetry) {
		t.Fatal("telemetry was not forwarded")
	}

	tf := student.OfType(model.MsgTelemetry)
	if len(tf) != 1 {
		t.Fatalf("expected 1 telemetry frame, got %d", len(tf))
	}
	data, err := json.Marshal(tf[0])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got := string(data)
	if got != `{"type":"telemetry","speed":120,"gear":3}` {
		t.Fatalf("forwarded frame = %s", got)
	}

	svc.Disconnect("student-1", student)
	student.Close()
	if n := len(coach.OfType(model.MsgUnpaired)); n != 1 {
		t.Fatalf("coach got %d unpaired frames, want 1", n)
	}

	// the code still belongs to the connected coach
	second := newFakeConn("conn-student-2")
	if err := registerViewer(t, svc, "student-2", second, " "+strings.ToLower(code)+" "); err != nil {
		t.Fatalf("second viewer: %v", err)
	}
	assertPaired(t, svc, "coach-1", "student-2")
	if n := len(coach.OfType(model.MsgUnpaired)); n != 1 {
		t.Fatalf("coach got %d unpaired frames after re-pair, want 1", n)
	}
}

func TestCodeLookupIgnoresCaseAndWhitespace(t *testing.T) {
	svc, _ := newTestService(t, declared)
	coach := newFakeConn("c")
	registerSharer(t, svc, "coach", coach, "AB3-XY9")

	for i, variant := range []string{"ab3-xy9", " AB3-XY9 ", "AB3-XY9"} {
		id := fmt.Sprintf("viewer-%d", i)
		if err := svc.Pair(id, variant); !errors.Is(err, ErrNotRegistered) {
			t.Fatalf("pair before register: %v", err)
		}
		if err := registerViewer(t, svc, id, newFakeConn(id), variant); err != nil {
			t.Fatalf("variant %q: %v", variant, err)
		}
		assertPaired(t, svc, "coach", id)
	}
}

func TestDeclaredCodeCollision(t *testing.T) {
	svc, _ := newTestService(t, declared)
	registerSharer(t, svc, "coach-a", newFakeConn("a"), "TEAM-1")

	b := newFakeConn("b")
	sess, err := svc.Register(b, RegisterRequest{SessionID: "coach-b", Role: model.RoleSharer, Code: "team-1"})
	if !errors.Is(err, ErrCodeInUse) {
		t.Fatalf("expected ErrCodeInUse, got %v", err)
	}
	if sess != nil {
		t.Fatal("a sharer without a code should not stay registered")
	}
	if _, ok := svc.Lookup("coach-b"); ok {
		t.Fatal("coach-b should not exist")
	}
	if owner, _ := svc.codes.Resolve("TEAM-1"); owner != "coach-a" {
		t.Fatalf("TEAM-1 owner = %q", owner)
	}
}

func TestDeclaredCodeRequired(t *testing.T) {
	svc, _ := newTestService(t, declared)
	_, err := svc.Register(newFakeConn("c"), RegisterRequest{SessionID: "coach", Role: model.RoleSharer})
	if !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage, got %v", err)
	}
}

func TestDeclaredSharerChangesCode(t *testing.T) {
	svc, _ := newTestService(t, declared)
	conn := newFakeConn("c")
	registerSharer(t, svc, "coach", conn, "ONE")
	registerSharer(t, svc, "coach-2", newFakeConn("c2"), "TWO")

	t.Run("free code replaces the old one", func(t *testing.T) {
		registerSharer(t, svc, "coach", conn, "THREE")
		if _, ok := svc.codes.Resolve("ONE"); ok {
			t.Fatal("old code ONE still claimed")
		}
		if owner, _ := svc.codes.Resolve("THREE"); owner != "coach" {
			t.Fatalf("THREE owner = %q", owner)
		}
	})

	t.Run("taken code keeps the old one", func(t *testing.T) {
		sess, err := svc.Register(conn, RegisterRequest{SessionID: "coach", Role: model.RoleSharer, Code: "two"})
		if !errors.Is(err, ErrCodeInUse) {
			t.Fatalf("expected ErrCodeInUse, got %v", err)
		}
		if sess == nil || sess.Code != "THREE" {
			t.Fatalf("existing sharer should keep THREE, got %+v", sess)
		}
	})

	t.Run("no code on reconnect keeps the current one", func(t *testing.T) {
		if code := registerSharer(t, svc, "coach", conn, ""); code != "THREE" {
			t.Fatalf("code = %q, want THREE", code)
		}
	})
}

func TestUnknownCodeLeavesViewerUsable(t *testing.T) {
	svc, _ := newTestService(t)
	code := registerSharer(t, svc, "coach", newFakeConn("c"), "")

	viewer := newFakeConn("v")
	err := registerViewer(t, svc, "student", viewer, "ZZZ-ZZZ")
	if !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("expected ErrCodeNotFound, got %v", err)
	}
	if err := svc.Pair("student", "   "); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode for blank code, got %v", err)
	}
	if err := svc.Pair("student", code); err != nil {
		t.Fatalf("retry with valid code: %v", err)
	}
	assertPaired(t, svc, "coach", "student")
}

func TestTwoStepFlow(t *testing.T) {
	svc, _ := newTestService(t, twoStep)
	code := registerSharer(t, svc, "coach", newFakeConn("c"), "")

	viewer := newFakeConn("v")
	if err := registerViewer(t, svc, "student", viewer, code); err != nil {
		t.Fatalf("register: %v", err)
	}
	assertUnpaired(t, svc, "student")
	if n := len(viewer.OfType(model.MsgPaired)); n != 0 {
		t.Fatalf("two-step register should not pair, got %d paired frames", n)
	}

	if err := svc.Pair("student", code); err != nil {
		t.Fatalf("pair: %v", err)
	}
	assertPaired(t, svc, "coach", "student")
}

func TestPairRejectsSharersAndStrangers(t *testing.T) {
	svc, _ := newTestService(t)
	code := registerSharer(t, svc, "coach", newFakeConn("c"), "")
	registerSharer(t, svc, "coach-2", newFakeConn("c2"), "")

	if err := svc.Pair("coach-2", code); !errors.Is(err, ErrNotViewer) {
		t.Fatalf("expected ErrNotViewer, got %v", err)
	}
	if err := svc.Pair("nobody", code); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestRoleIsFixed(t *testing.T) {
	svc, _ := newTestService(t)
	conn := newFakeConn("c")
	registerSharer(t, svc, "coach", conn, "")

	_, err := svc.Register(conn, RegisterRequest{SessionID: "coach", Role: model.RoleViewer})
	if !errors.Is(err, ErrRoleMismatch) {
		t.Fatalf("expected ErrRoleMismatch, got %v", err)
	}
}

func TestGracePeriodReaper(t *testing.T) {
	svc, clock := newTestService(t)
	reaper := NewReaper(svc, time.Minute)

	coach := newFakeConn("c")
	viewer := newFakeConn("v")
	code := registerSharer(t, svc, "coach", coach, "")
	if err := registerViewer(t, svc, "student", viewer, code); err != nil {
		t.Fatalf("pair: %v", err)
	}

	coach.Close()
	svc.Disconnect("coach", coach)
	if n := len(viewer.OfType(model.MsgUnpaired)); n != 1 {
		t.Fatalf("viewer got %d unpaired frames at disconnect, want 1", n)
	}

	late := newFakeConn("late")
	if err := registerViewer(t, svc, "student-2", late, code); !errors.Is(err, ErrPeerOffline) {
		t.Fatalf("within grace: expected ErrPeerOffline, got %v", err)
	}

	clock.Advance(4 * time.Minute)
	if evicted := reaper.Sweep(); len(evicted) != 0 {
		t.Fatalf("evicted %v before grace ran out", evicted)
	}

	clock.Advance(time.Minute + time.Second)
	evicted := reaper.Sweep()
	if len(evicted) != 1 || evicted[0] != "coach" {
		t.Fatalf("evicted = %v, want [coach]", evicted)
	}

	if err := svc.Pair("student-2", code); !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("after grace: expected ErrCodeNotFound, got %v", err)
	}
	if n := len(viewer.OfType(model.MsgUnpaired)); n != 1 {
		t.Fatalf("viewer got %d unpaired frames in total, want exactly 1", n)
	}
	assertUnpaired(t, svc, "student")
}

func TestReconnectWithinGraceResumes(t *testing.T) {
	svc, clock := newTestService(t)

	coach := newFakeConn("c")
	viewer := newFakeConn("v")
	code := registerSharer(t, svc, "coach", coach, "")
	if err := registerViewer(t, svc, "student", viewer, code); err != nil {
		t.Fatalf("pair: %v", err)
	}

	coach.Close()
	svc.Disconnect("coach", coach)
	clock.Advance(2 * time.Minute)

	again := newFakeConn("c-again")
	if got := registerSharer(t, svc, "coach", again, ""); got != code {
		t.Fatalf("reconnected sharer got code %q, want %q", got, code)
	}

	sess, _ := svc.Lookup("coach")
	if sess.DisconnectedAt != nil {
		t.Fatal("DisconnectedAt should be cleared on reconnect")
	}
	if sess.Conn != model.Conn(again) {
		t.Fatal("session should use the new connection")
	}
	assertPaired(t, svc, "coach", "student")

	if p := again.OfType(model.MsgPaired); len(p) != 1 || p[0].PeerID != "student" {
		t.Fatalf("reconnected coach paired frames = %+v", p)
	}
	if n := len(viewer.OfType(model.MsgPaired)); n != 2 {
		t.Fatalf("viewer should be told the pairing resumed, got %d paired frames", n)
	}

	// the grace window no longer applies
	clock.Advance(10 * time.Minute)
	if evicted := svc.Reap(); len(evicted) != 0 {
		t.Fatalf("reconnected session was reaped: %v", evicted)
	}
}

func TestViewerRejoinWhileSharerOffline(t *testing.T) {
	svc, _ := newTestService(t)

	coach := newFakeConn("c")
	viewer := newFakeConn("v")
	code := registerSharer(t, svc, "coach", coach, "")
	if err := registerViewer(t, svc, "student", viewer, code); err != nil {
		t.Fatalf("pair: %v", err)
	}

	coach.Close()
	svc.Disconnect("coach", coach)
	viewer.Close()
	svc.Disconnect("student", viewer)

	rejoin := newFakeConn("v-again")
	if err := registerViewer(t, svc, "student", rejoin, code); !errors.Is(err, ErrPeerOffline) {
		t.Fatalf("expected ErrPeerOffline while the sharer is away, got %v", err)
	}
	if n := len(rejoin.OfType(model.MsgPaired)); n != 0 {
		t.Fatalf("viewer got %d paired frames from an offline sharer", n)
	}
	assertPaired(t, svc, "coach", "student")

	// the kept link resumes once the sharer is back
	registerSharer(t, svc, "coach", newFakeConn("c-again"), "")
	if p := rejoin.OfType(model.MsgPaired); len(p) != 1 || p[0].PeerID != "coach" {
		t.Fatalf("viewer paired frames after sharer returned = %+v", p)
	}
}

func TestSharerCodePolicy(t *testing.T) {
	t.Run("keep", func(t *testing.T) {
		svc, _ := newTestService(t)
		conn := newFakeConn("c")
		first := registerSharer(t, svc, "coach", conn, "")
		second := registerSharer(t, svc, "coach", conn, "")
		if first != second {
			t.Fatalf("keep policy issued %q then %q", first, second)
		}
		if n := svc.codes.Count(); n != 1 {
			t.Fatalf("active codes = %d, want 1", n)
		}
	})

	t.Run("rotate", func(t *testing.T) {
		svc, _ := newTestService(t, rotate)
		conn := newFakeConn("c")
		first := registerSharer(t, svc, "coach", conn, "")
		second := registerSharer(t, svc, "coach", conn, "")
		if _, ok := svc.codes.Resolve(first); ok && first != second {
			t.Fatalf("old code %q leaked after rotation", first)
		}
		if owner, _ := svc.codes.Resolve(second); owner != "coach" {
			t.Fatalf("new code %q owner = %q", second, owner)
		}
		if n := svc.codes.Count(); n != 1 {
			t.Fatalf("active codes = %d, want 1", n)
		}
	})
}

func TestImmediateTeardownReleasesCode(t *testing.T) {
	svc, _ := newTestService(t, immediate)

	coach := newFakeConn("c")
	viewer := newFakeConn("v")
	code := registerSharer(t, svc, "coach", coach, "")
	if err := registerViewer(t, svc, "student", viewer, code); err != nil {
		t.Fatalf("pair: %v", err)
	}

	coach.Close()
	svc.Disconnect("coach", coach)

	if _, ok := svc.Lookup("coach"); ok {
		t.Fatal("coach session should be removed immediately")
	}
	if n := len(viewer.OfType(model.MsgUnpaired)); n != 1 {
		t.Fatalf("viewer got %d unpaired frames, want 1", n)
	}
	assertUnpaired(t, svc, "student")
	if err := svc.Pair("student", code); !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("expected ErrCodeNotFound, got %v", err)
	}
	if evicted := svc.Reap(); len(evicted) != 0 {
		t.Fatalf("nothing should be left to reap, got %v", evicted)
	}

	// the released code can be claimed again
	if _, err := svc.codes.Claim(code, "someone-else"); err != nil {
		t.Fatalf("re-claim released code: %v", err)
	}
}

func TestTeardown(t *testing.T) {
	svc, _ := newTestService(t)

	coach := newFakeConn("c")
	viewer := newFakeConn("v")
	code := registerSharer(t, svc, "coach", coach, "")
	if err := registerViewer(t, svc, "student", viewer, code); err != nil {
		t.Fatalf("pair: %v", err)
	}

	svc.Teardown("coach")
	if _, ok := svc.Lookup("coach"); ok {
		t.Fatal("torn down session still registered")
	}
	if _, ok := svc.codes.Resolve(code); ok {
		t.Fatalf("code %s still claimed after teardown", code)
	}
	if n := len(viewer.OfType(model.MsgUnpaired)); n != 1 {
		t.Fatalf("viewer got %d unpaired frames, want 1", n)
	}
	assertUnpaired(t, svc, "student")

	svc.Teardown("coach")
	svc.Teardown("student")
	if _, ok := svc.Lookup("student"); ok {
		t.Fatal("viewer still registered after teardown")
	}
	if n := len(viewer.OfType(model.MsgUnpaired)); n != 1 {
		t.Fatalf("repeat teardown notified again, %d unpaired frames", n)
	}
	if n := len(coach.OfType(model.MsgUnpaired)); n != 0 {
		t.Fatalf("removed sharer got %d unpaired frames", n)
	}
}

func TestStaleConnectionCloseIsIgnored(t *testing.T) {
	svc, _ := newTestService(t, immediate)

	first := newFakeConn("first")
	second := newFakeConn("second")
	if err := registerViewer(t, svc, "student", first, ""); err != nil {
		t.Fatal(err)
	}
	if err := registerViewer(t, svc, "student", second, ""); err != nil {
		t.Fatal(err)
	}
	if first.Alive() {
		t.Fatal("replaced connection should be closed")
	}

	svc.Disconnect("student", first)
	sess, ok := svc.Lookup("student")
	if !ok || sess.Conn != model.Conn(second) {
		t.Fatal("closing the replaced connection must not tear the session down")
	}
}

func TestSecondViewerTakesOver(t *testing.T) {
	svc, _ := newTestService(t)
	code := registerSharer(t, svc, "coach", newFakeConn("c"), "")

	v1 := newFakeConn("v1")
	v2 := newFakeConn("v2")
	if err := registerViewer(t, svc, "student-1", v1, code); err != nil {
		t.Fatal(err)
	}
	if err := registerViewer(t, svc, "student-2", v2, code); err != nil {
		t.Fatal(err)
	}

	assertPaired(t, svc, "coach", "student-2")
	assertUnpaired(t, svc, "student-1")
	if n := len(v1.OfType(model.MsgUnpaired)); n != 1 {
		t.Fatalf("displaced viewer got %d unpaired frames, want 1", n)
	}
}

func TestViewerSwitchesSharer(t *testing.T) {
	svc, _ := newTestService(t)
	coachA := newFakeConn("a")
	codeA := registerSharer(t, svc, "coach-a", coachA, "")
	codeB := registerSharer(t, svc, "coach-b", newFakeConn("b"), "")

	if err := registerViewer(t, svc, "student", newFakeConn("v"), codeA); err != nil {
		t.Fatal(err)
	}
	if err := svc.Pair("student", codeB); err != nil {
		t.Fatal(err)
	}

	assertPaired(t, svc, "coach-b", "student")
	assertUnpaired(t, svc, "coach-a")
	if n := len(coachA.OfType(model.MsgUnpaired)); n != 1 {
		t.Fatalf("previous sharer got %d unpaired frames, want 1", n)
	}
}

func TestRepeatPairIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	coach := newFakeConn("c")
	code := registerSharer(t, svc, "coach", coach, "")
	if err := registerViewer(t, svc, "student", newFakeConn("v"), code); err != nil {
		t.Fatal(err)
	}
	if err := svc.Pair("student", code); err != nil {
		t.Fatal(err)
	}
	assertPaired(t, svc, "coach", "student")
	if n := len(coach.OfType(model.MsgUnpaired)); n != 0 {
		t.Fatalf("repeat pair should not unpair, got %d unpaired frames", n)
	}
}

func TestReapMarksDeadConnections(t *testing.T) {
	svc, clock := newTestService(t)
	coach := newFakeConn("c")
	registerSharer(t, svc, "coach", coach, "")

	// connection died without a close callback
	coach.Close()
	if evicted := svc.Reap(); len(evicted) != 0 {
		t.Fatalf("first sweep should only mark, evicted %v", evicted)
	}
	sess, _ := svc.Lookup("coach")
	if sess.DisconnectedAt == nil {
		t.Fatal("dead connection should be marked disconnected")
	}

	clock.Advance(6 * time.Minute)
	if evicted := svc.Reap(); len(evicted) != 1 {
		t.Fatalf("expected eviction after grace, got %v", evicted)
	}
}

func TestStats(t *testing.T) {
	svc, _ := newTestService(t)
	coach := newFakeConn("c")
	code := registerSharer(t, svc, "coach", coach, "")
	if err := registerViewer(t, svc, "student", newFakeConn("v"), code); err != nil {
		t.Fatal(err)
	}

	stats := svc.Stats()
	if stats.Sessions != 2 || stats.ActiveCodes != 1 || stats.Pairings != 1 || stats.Disconnected != 0 {
		t.Fatalf("stats = %+v", stats)
	}

	coach.Close()
	svc.Disconnect("coach", coach)
	stats = svc.Stats()
	if stats.Disconnected != 1 || stats.ActiveCodes != 1 {
		t.Fatalf("stats after disconnect = %+v", stats)
	}
}

func TestConcurrentPairingStaysSymmetric(t *testing.T) {
	svc, _ := newTestService(t, immediate)
	code := registerSharer(t, svc, "coach", newFakeConn("c"), "")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("viewer-%d", i)
			conn := newFakeConn(id)
			svc.Register(conn, RegisterRequest{SessionID: id, Role: model.RoleViewer, Code: code})
			if i%2 == 0 {
				conn.Close()
				svc.Disconnect(id, conn)
			}
		}(i)
	}
	wg.Wait()

	svc.mu.RLock()
	defer svc.mu.RUnlock()
	linked := 0
	for _, sess := range svc.sessions.List() {
		if sess.PairedWith == "" {
			continue
		}
		linked++
		peer, ok := svc.sessions.Get(sess.PairedWith)
		if !ok || peer.PairedWith != sess.ID {
			t.Fatalf("one-sided pairing: %s -> %s", sess.ID, sess.PairedWith)
		}
	}
	if linked != 0 && linked != 2 {
		t.Fatalf("%d sessions linked, want 0 or 2", linked)
	}
}
