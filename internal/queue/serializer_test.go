package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunsTasksInOrder(t *testing.T) {
	s := NewSerializer(16)
	defer s.Close()

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		err := s.Enqueue(context.Background(), func() error {
			got = append(got, i)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	for i, v := range got {
		if v != i {
			t.Fatalf("order = %v, want 0..4", got)
		}
	}
}

func TestReturnsTaskError(t *testing.T) {
	s := NewSerializer(16)
	defer s.Close()

	want := errors.New("boom")
	err := s.Enqueue(context.Background(), func() error { return want })
	if !errors.Is(err, want) {
		t.Errorf("got %v, want %v", err, want)
	}
}

func TestPauseHoldsTasksUntilResume(t *testing.T) {
	s := NewSerializer(16)
	defer s.Close()

	s.Pause()

	var ran atomic.Bool
	done := make(chan error, 1)
	go func() {
		done <- s.Enqueue(context.Background(), func() error {
			ran.Store(true)
			return nil
		})
	}()

	select {
	case <-done:
		t.Fatal("task completed while paused")
	case <-time.After(50 * time.Millisecond):
	}
	if ran.Load() {
		t.Fatal("task ran while paused")
	}

	s.Resume()

	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("task did not run after resume")
	}
	if !ran.Load() {
		t.Error("task should have run after resume")
	}
}

func TestEnqueueCancelDoesNotDropTask(t *testing.T) {
	s := NewSerializer(16)
	defer s.Close()

	s.Pause()

	var ran atomic.Bool
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Enqueue(ctx, func() error {
		ran.Store(true)
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want deadline exceeded", err)
	}

	// The accepted task still runs once the worker resumes.
	s.Resume()
	deadline := time.Now().Add(time.Second)
	for !ran.Load() {
		if time.Now().After(deadline) {
			t.Fatal("accepted task never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDrainWaitsForEarlierTasks(t *testing.T) {
	s := NewSerializer(16)
	defer s.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.Enqueue(context.Background(), func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	drained := make(chan error, 1)
	go func() { drained <- s.Drain(context.Background()) }()

	select {
	case <-drained:
		t.Fatal("drain returned before earlier task finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-drained:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("drain never returned")
	}
}

func TestEnqueueAfterClose(t *testing.T) {
	s := NewSerializer(16)
	s.Close()

	err := s.Enqueue(context.Background(), func() error { return nil })
	if !errors.Is(err, ErrClosed) {
		t.Errorf("got %v, want ErrClosed", err)
	}
}
