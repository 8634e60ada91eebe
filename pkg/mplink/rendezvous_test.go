package mplink

import (
	"sync"
	"testing"
	"time"
)

func TestRendezvousPutTake(t *testing.T) {
	r := newRendezvous(nil)

	var tok Token
	tok[0] = 7

	if !r.put(tok, true, []byte("hi")) {
		t.Fatal("put failed")
	}

	buf := make([]byte, 16)
	n, origin, hasOrigin, ok := r.take(buf)
	if !ok {
		t.Fatal("take reported no data")
	}
	if string(buf[:n]) != "hi" {
		t.Fatalf("got %q, want %q", buf[:n], "hi")
	}
	if !hasOrigin || origin != tok {
		t.Fatal("origin token not preserved")
	}
}

func TestRendezvousSingleSlot(t *testing.T) {
	r := newRendezvous(nil)
	if !r.put(Token{}, false, []byte("a")) {
		t.Fatal("first put failed")
	}

	done := make(chan struct{})
	go func() {
		r.put(Token{}, false, []byte("b"))
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second put should have blocked until the slot was drained")
	case <-time.After(20 * time.Millisecond):
	}

	buf := make([]byte, 8)
	n, _, _, ok := r.take(buf)
	if !ok || string(buf[:n]) != "a" {
		t.Fatalf("expected first payload, got %q ok=%v", buf[:n], ok)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second put never unblocked")
	}
}

func TestRendezvousCloseUnblocksTake(t *testing.T) {
	r := newRendezvous(nil)

	done := make(chan struct{})
	var ok bool
	go func() {
		_, _, _, ok = r.take(make([]byte, 4))
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	r.close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("take never unblocked on close")
	}
	if ok {
		t.Fatal("take should report no data after close with an empty slot")
	}
}

func TestRendezvousCloseUnblocksPut(t *testing.T) {
	r := newRendezvous(nil)
	r.put(Token{}, false, []byte("full"))

	var wg sync.WaitGroup
	var result bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		result = r.put(Token{}, false, []byte("blocked"))
	}()

	time.Sleep(10 * time.Millisecond)
	r.close()
	wg.Wait()

	if result {
		t.Fatal("put should fail once the rendezvous is closed")
	}
}
