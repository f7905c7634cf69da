package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestScheduler(t *testing.T, now time.Time) *Scheduler {
	t.Helper()
	s := New(nil)
	s.now = func() time.Time { return now }
	return s
}

func TestAddRejectsBadSchedule(t *testing.T) {
	s := New(nil)
	if err := s.Add("bad", "not a cron", func(context.Context) error { return nil }); err == nil {
		t.Error("expected parse error")
	}
}

func TestNextRuns(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 3, 20, 0, time.UTC)
	s := newTestScheduler(t, now)
	noop := func(context.Context) error { return nil }
	if err := s.Add("backup", DefaultBackupSchedule, noop); err != nil {
		t.Fatal(err)
	}
	if err := s.Add("drain", DefaultDrainSchedule, noop); err != nil {
		t.Fatal(err)
	}

	next := s.Next()
	if want := time.Date(2024, 5, 2, 2, 0, 0, 0, time.UTC); !next["backup"].Equal(want) {
		t.Errorf("backup next = %v, want %v", next["backup"], want)
	}
	if want := time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC); !next["drain"].Equal(want) {
		t.Errorf("drain next = %v, want %v", next["drain"], want)
	}
}

func TestRunDue(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 3, 0, 0, time.UTC)
	s := newTestScheduler(t, now)

	var runs []string
	if err := s.Add("drain", DefaultDrainSchedule, func(context.Context) error {
		runs = append(runs, "drain")
		return errors.New("offline")
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.Add("backup", DefaultBackupSchedule, func(context.Context) error {
		runs = append(runs, "backup")
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if n := s.RunDue(ctx, now); n != 0 {
		t.Fatalf("nothing should be due yet, ran %d", n)
	}

	at := time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC)
	if n := s.RunDue(ctx, at); n != 1 || len(runs) != 1 || runs[0] != "drain" {
		t.Fatalf("expected drain to run once, got n=%d runs=%v", n, runs)
	}
	if want := time.Date(2024, 5, 1, 10, 10, 0, 0, time.UTC); !s.Next()["drain"].Equal(want) {
		t.Errorf("drain rescheduled to %v, want %v", s.Next()["drain"], want)
	}

	// A failing job does not stop the others.
	at = time.Date(2024, 5, 2, 2, 0, 0, 0, time.UTC)
	if n := s.RunDue(ctx, at); n != 2 {
		t.Errorf("expected both jobs due, ran %d", n)
	}
	if runs[len(runs)-1] != "backup" {
		t.Errorf("backup should have run, runs=%v", runs)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := New(nil)
	if err := s.Add("drain", DefaultDrainSchedule, func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}
