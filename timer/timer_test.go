package timer

import (
	"testing"
	"time"
)

const (
	keyA Key = iota
	keyB
)

func TestArmFires(t *testing.T) {
	fired := make(chan Key, 4)
	s := New(func(k Key) { fired <- k })

	s.Arm(keyA, 10*time.Millisecond)

	select {
	case k := <-fired:
		if k != keyA {
			t.Fatalf("expected keyA, got %v", k)
		}
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
}

func TestCancelSuppressesFire(t *testing.T) {
	fired := make(chan Key, 4)
	s := New(func(k Key) { fired <- k })

	s.Arm(keyB, 20*time.Millisecond)
	s.Cancel(keyB)

	select {
	case k := <-fired:
		t.Fatalf("cancelled timer fired: %v", k)
	case <-time.After(60 * time.Millisecond):
	}
}

func TestRearmInvalidatesPriorFire(t *testing.T) {
	fired := make(chan Key, 4)
	s := New(func(k Key) { fired <- k })

	s.Arm(keyA, 15*time.Millisecond)
	s.Arm(keyA, 40*time.Millisecond) // re-arm before first would fire

	select {
	case <-fired:
		t.Fatal("stale first arm delivered a fire")
	case <-time.After(25 * time.Millisecond):
	}

	select {
	case k := <-fired:
		if k != keyA {
			t.Fatalf("expected keyA, got %v", k)
		}
	case <-time.After(time.Second):
		t.Fatal("re-armed timer never fired")
	}
}
