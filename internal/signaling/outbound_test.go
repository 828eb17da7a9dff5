package signaling

import (
	"errors"
	"testing"
	"time"
)

func TestSendQueue_FIFOAndByteBudget(t *testing.T) {
	q := newSendQueue(10)
	if err := q.push([]byte("aaaa")); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := q.push([]byte("bbbb")); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := q.push([]byte("ccc")); !errors.Is(err, errQueueFull) {
		t.Fatalf("push over budget err=%v, want %v", err, errQueueFull)
	}

	got, ok := q.pop()
	if !ok || string(got) != "aaaa" {
		t.Fatalf("pop=%q,%v, want aaaa,true", got, ok)
	}
	// Popping frees budget.
	if err := q.push([]byte("ccc")); err != nil {
		t.Fatalf("push after pop: %v", err)
	}
	if n := q.len(); n != 2 {
		t.Fatalf("len=%d, want 2", n)
	}
}

func TestSendQueue_CloseDrainsThenStops(t *testing.T) {
	q := newSendQueue(0)
	_ = q.push([]byte("x"))
	q.close()

	if err := q.push([]byte("y")); !errors.Is(err, errQueueClosed) {
		t.Fatalf("push after close err=%v, want %v", err, errQueueClosed)
	}
	if got, ok := q.pop(); !ok || string(got) != "x" {
		t.Fatalf("pop=%q,%v, want x,true", got, ok)
	}
	if _, ok := q.pop(); ok {
		t.Fatalf("pop after drain returned ok")
	}
}

func TestSendQueue_PopBlocksUntilPush(t *testing.T) {
	q := newSendQueue(0)
	got := make(chan string, 1)
	go func() {
		b, _ := q.pop()
		got <- string(b)
	}()

	select {
	case v := <-got:
		t.Fatalf("pop returned early with %q", v)
	case <-time.After(20 * time.Millisecond):
	}

	_ = q.push([]byte("late"))
	select {
	case v := <-got:
		if v != "late" {
			t.Fatalf("pop=%q, want late", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("pop did not wake up")
	}
}
