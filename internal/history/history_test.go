package history

import (
	"context"
	"errors"
	"testing"
	"time"
)

type recordingSink struct {
	events []Event
	fail   bool
}

func (r *recordingSink) Send(_ context.Context, e Event) error {
	if r.fail {
		return errors.New("sink down")
	}
	r.events = append(r.events, e)
	return nil
}

func TestMultiFanOut(t *testing.T) {
	a := &recordingSink{}
	b := &recordingSink{}
	m := NewMulti(a, b)
	e := Event{Type: EventUpdateSuccess, Server: "s", OccurredAt: time.Now()}
	if err := m.Send(context.Background(), e); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Fatalf("fan-out incomplete: %d %d", len(a.events), len(b.events))
	}
}

func TestMultiSwallowsSinkFailure(t *testing.T) {
	bad := &recordingSink{fail: true}
	good := &recordingSink{}
	m := NewMulti(bad, good)
	if err := m.Send(context.Background(), Event{Type: EventRestart, Server: "s", OccurredAt: time.Now()}); err != nil {
		t.Fatalf("a failing sink must not surface: %v", err)
	}
	if len(good.events) != 1 {
		t.Fatalf("later sinks must still receive the event")
	}
}

func TestMultiEmpty(t *testing.T) {
	if err := NewMulti().Send(context.Background(), Event{}); err != nil {
		t.Fatalf("empty multi must be a no-op: %v", err)
	}
}
