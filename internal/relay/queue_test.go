package relay

import (
	"testing"
	"time"
)

func TestInboxQueue_FIFOAndByteBound(t *testing.T) {
	q := newInboxQueue(8)
	if !q.Enqueue([]byte("abc")) || !q.Enqueue([]byte("def")) {
		t.Fatalf("enqueue within budget failed")
	}
	if q.Enqueue([]byte("ghi")) {
		t.Fatalf("enqueue beyond budget succeeded")
	}
	if got := q.DropCount(); got != 1 {
		t.Fatalf("drops=%d, want 1", got)
	}
	if got := q.Len(); got != 2 {
		t.Fatalf("Len=%d, want 2", got)
	}

	for _, want := range []string{"abc", "def"} {
		got, ok := q.Dequeue()
		if !ok || string(got) != want {
			t.Fatalf("Dequeue=%q,%v, want %q", got, ok, want)
		}
	}
	// Budget is released on dequeue.
	if !q.Enqueue([]byte("12345678")) {
		t.Fatalf("enqueue after drain failed")
	}
}

func TestInboxQueue_CloseWakesConsumer(t *testing.T) {
	q := newInboxQueue(64)
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Dequeue()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()
	select {
	case ok := <-done:
		if ok {
			t.Fatalf("Dequeue after close returned ok")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Dequeue did not wake on close")
	}
	if q.Enqueue([]byte("x")) {
		t.Fatalf("enqueue on closed queue succeeded")
	}
	q.Close()
}
