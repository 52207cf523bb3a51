package core

import "testing"

func TestDebugPortAllocator_AcquireIsMonotonic(t *testing.T) {
	a := newDebugPortAllocator(9000)

	first := a.Acquire()
	second := a.Acquire()
	third := a.Acquire()

	if first != 9000 || second != 9001 || third != 9002 {
		t.Fatalf("got (%d, %d, %d), want (9000, 9001, 9002)", first, second, third)
	}
}

func TestNewWorkerInstanceID_Unique(t *testing.T) {
	a := newWorkerInstanceID()
	b := newWorkerInstanceID()
	if a == "" || b == "" {
		t.Fatal("newWorkerInstanceID returned empty string")
	}
	if a == b {
		t.Fatal("expected distinct instance ids")
	}
}
