package cover

import (
	"testing"
	"time"
)

func TestSignal_SetWakesWaiters(t *testing.T) {
	s := newSignal()
	ch := s.Wait()

	select {
	case <-ch:
		t.Fatal("signal should not be raised yet")
	default:
	}

	s.Set()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by Set")
	}
}

func TestSignal_SetIdempotent(t *testing.T) {
	s := newSignal()
	s.Set()
	s.Set() // must not panic on double close

	select {
	case <-s.Wait():
	default:
		t.Fatal("signal should stay raised")
	}
}

func TestSignal_ClearRearms(t *testing.T) {
	s := newSignal()
	s.Set()
	s.Clear()

	select {
	case <-s.Wait():
		t.Fatal("cleared signal should block again")
	default:
	}

	// A second Set must wake channels fetched after the Clear.
	ch := s.Wait()
	s.Set()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("waiter not woken after re-arm")
	}
}

func TestSignal_ClearWhenNotRaised(t *testing.T) {
	s := newSignal()
	ch := s.Wait()
	s.Clear() // no-op, must keep the existing channel

	s.Set()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("pre-Clear waiter not woken")
	}
}
