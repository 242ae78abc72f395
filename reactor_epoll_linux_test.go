//go:build linux

package corosio

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestEpollReactorRegisterAndWaitReportsReadiness(t *testing.T) {
	r, err := newEpollReactor()
	if err != nil {
		t.Fatalf("newEpollReactor: %v", err)
	}
	defer r.close()

	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	_ = unix.SetNonblock(fds[0], true)

	awaiter := newRecordingAwaiter()
	if err := r.register(fds[0], awaiter, interestRead); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := unix.Write(fds[1], []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	out := make([]readyOp, 8)
	n, err := r.wait(time.Second, out)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 ready op, got %d", n)
	}
	if out[0].events&interestRead == 0 {
		t.Fatal("expected interestRead reported")
	}
}

func TestEpollReactorWakeupUnblocksWait(t *testing.T) {
	r, err := newEpollReactor()
	if err != nil {
		t.Fatalf("newEpollReactor: %v", err)
	}
	defer r.close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		out := make([]readyOp, 8)
		_, _ = r.wait(5*time.Second, out)
	}()

	time.Sleep(20 * time.Millisecond)
	if err := r.wakeup(); err != nil {
		t.Fatalf("wakeup: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wakeup did not unblock a concurrent wait")
	}
}

func TestEpollReactorDeregisterStopsReporting(t *testing.T) {
	r, err := newEpollReactor()
	if err != nil {
		t.Fatalf("newEpollReactor: %v", err)
	}
	defer r.close()

	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	_ = unix.SetNonblock(fds[0], true)

	awaiter := newRecordingAwaiter()
	if err := r.register(fds[0], awaiter, interestRead); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.deregister(fds[0], interestRead); err != nil {
		t.Fatalf("deregister: %v", err)
	}

	if _, err := unix.Write(fds[1], []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	out := make([]readyOp, 8)
	n, err := r.wait(50*time.Millisecond, out)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no ready ops after deregister, got %d", n)
	}
}

func TestDurationToEpollMillis(t *testing.T) {
	if got := durationToEpollMillis(-time.Second); got != -1 {
		t.Fatalf("negative duration should mean indefinite (-1), got %d", got)
	}
	if got := durationToEpollMillis(0); got != 0 {
		t.Fatalf("zero duration should mean no wait, got %d", got)
	}
	if got := durationToEpollMillis(250 * time.Millisecond); got != 250 {
		t.Fatalf("expected 250ms, got %d", got)
	}
}
