package lock

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryLockerSerializesOneTeam(t *testing.T) {
	locker := NewMemoryLocker()
	defer locker.Close()

	release, err := locker.Acquire(context.Background(), "ABCD123456")
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	if _, err := locker.Acquire(context.Background(), "ABCD123456"); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld for concurrent acquire, got %v", err)
	}

	release()
	release2, err := locker.Acquire(context.Background(), "ABCD123456")
	if err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
	release2()
}

func TestMemoryLockerAllowsDistinctTeams(t *testing.T) {
	locker := NewMemoryLocker()
	defer locker.Close()

	releaseA, err := locker.Acquire(context.Background(), "AAAA111111")
	if err != nil {
		t.Fatalf("acquire team A failed: %v", err)
	}
	defer releaseA()

	releaseB, err := locker.Acquire(context.Background(), "BBBB222222")
	if err != nil {
		t.Fatalf("expected distinct teams to proceed concurrently, got %v", err)
	}
	releaseB()
}
