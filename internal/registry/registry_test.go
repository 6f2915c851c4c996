package registry

import (
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"
)

type fakeHandle struct {
	events []any
	fail   bool
}

func (f *fakeHandle) Send(event any) error {
	if f.fail {
		return errors.New("send failed")
	}
	f.events = append(f.events, event)
	return nil
}

// TestReattachSupersedesPriorHandle is P11: the most recent attachment
// wins for delivery, and the prior handle stops being addressable by
// identity.
func TestReattachSupersedesPriorHandle(t *testing.T) {
	r := New(zaptest.NewLogger(t))

	first := &fakeHandle{}
	second := &fakeHandle{}

	r.AttachApp("app-1", first)
	r.AttachApp("app-1", second)

	r.SendToApp("app-1", "hello")

	if len(first.events) != 0 {
		t.Fatal("stale handle must not receive sends after reattachment")
	}
	if len(second.events) != 1 {
		t.Fatal("current handle must receive the send")
	}

	_, _, ok := r.IdentityOf(first)
	if ok {
		t.Fatal("superseded handle must no longer resolve to an identity")
	}
}

func TestSendToDetachedIdentityIsSilentDrop(t *testing.T) {
	r := New(zaptest.NewLogger(t))

	// No panic, no error surfaced: SendToApp on an unattached identity
	// is defined as a silent no-op.
	r.SendToApp("ghost", "nobody receives this")
}

func TestDetachReturnsIdentityOnce(t *testing.T) {
	r := New(zaptest.NewLogger(t))
	h := &fakeHandle{}

	r.AttachRunner("runner-1", h)

	kind, id, ok := r.Detach(h)
	if !ok || kind != "runner" || id != "runner-1" {
		t.Fatalf("expected runner-1 to detach cleanly, got kind=%q id=%q ok=%v", kind, id, ok)
	}

	_, _, ok = r.Detach(h)
	if ok {
		t.Fatal("detaching an already-detached handle must report not found")
	}
}

func TestDetachOfSupersededHandleIsNoop(t *testing.T) {
	r := New(zaptest.NewLogger(t))
	first := &fakeHandle{}
	second := &fakeHandle{}

	r.AttachRunner("runner-1", first)
	r.AttachRunner("runner-1", second)

	// first was already evicted from byHandle at attach time; detaching
	// it must not disturb the current mapping to second.
	r.Detach(first)

	h, ok := r.RunnerHandle("runner-1")
	if !ok || h != second {
		t.Fatal("detach of a stale handle must not affect the current attachment")
	}
}
