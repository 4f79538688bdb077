package http2

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFlowControlWindow_AcquireUpTo(t *testing.T) {
	w := NewFlowControlWindow(100, false, 1)

	n, err := w.AcquireUpTo(context.Background(), 60)
	if err != nil || n != 60 {
		t.Fatalf("AcquireUpTo(60) = %d, %v; want 60, nil", n, err)
	}
	n, err = w.AcquireUpTo(context.Background(), 60)
	if err != nil || n != 40 {
		t.Fatalf("AcquireUpTo(60) = %d, %v; want partial 40, nil", n, err)
	}
	if got := w.Available(); got != 0 {
		t.Errorf("Available() = %d, want 0", got)
	}
	if _, err := w.AcquireUpTo(context.Background(), 0); err == nil {
		t.Error("AcquireUpTo(0) error = nil, want error")
	}
}

func TestFlowControlWindow_AcquireBlocksUntilIncrease(t *testing.T) {
	w := NewFlowControlWindow(0, false, 1)
	got := make(chan uint32, 1)
	go func() {
		n, _ := w.AcquireUpTo(context.Background(), 10)
		got <- n
	}()

	select {
	case n := <-got:
		t.Fatalf("AcquireUpTo returned %d before credit was granted", n)
	case <-time.After(20 * time.Millisecond):
	}
	if err := w.Increase(4); err != nil {
		t.Fatalf("Increase() error = %v", err)
	}
	select {
	case n := <-got:
		if n != 4 {
			t.Errorf("AcquireUpTo = %d, want 4", n)
		}
	case <-time.After(time.Second):
		t.Fatal("AcquireUpTo did not wake after Increase")
	}
}

func TestFlowControlWindow_AcquireHonoursContext(t *testing.T) {
	w := NewFlowControlWindow(0, true, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := w.AcquireUpTo(ctx, 1); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("AcquireUpTo error = %v, want context.DeadlineExceeded", err)
	}
}

func TestFlowControlWindow_CloseWakesWaiters(t *testing.T) {
	w := NewFlowControlWindow(0, false, 3)
	cause := errors.New("stream cancelled")
	errc := make(chan error, 1)
	go func() {
		_, err := w.AcquireUpTo(context.Background(), 1)
		errc <- err
	}()
	time.Sleep(5 * time.Millisecond)
	w.Close(cause)
	select {
	case err := <-errc:
		if !errors.Is(err, cause) {
			t.Errorf("AcquireUpTo error = %v, want %v", err, cause)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not wake the waiter")
	}
	if err := w.Increase(1); !errors.Is(err, cause) {
		t.Errorf("Increase after Close = %v, want %v", err, cause)
	}
}

func TestFlowControlWindow_ReleaseReturnsCredit(t *testing.T) {
	w := NewFlowControlWindow(10, true, 0)
	n, _ := w.AcquireUpTo(context.Background(), 10)
	w.Release(n)
	if got := w.Available(); got != 10 {
		t.Errorf("Available() after Release = %d, want 10", got)
	}
}

func TestFlowControlWindow_IncreaseErrors(t *testing.T) {
	tests := []struct {
		name      string
		isConn    bool
		initial   uint32
		increment uint32
		wantConn  bool
		wantCode  ErrorCode
	}{
		{"stream zero increment", false, 10, 0, false, ErrCodeProtocolError},
		{"connection zero increment", true, 10, 0, true, ErrCodeProtocolError},
		{"stream overflow", false, MaxWindowSize, 1, false, ErrCodeFlowControlError},
		{"connection overflow", true, MaxWindowSize - 5, 6, true, ErrCodeFlowControlError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewFlowControlWindow(tt.initial, tt.isConn, 1)
			err := w.Increase(tt.increment)
			if err == nil {
				t.Fatal("Increase() error = nil, want error")
			}
			if IsConnectionScoped(err) != tt.wantConn {
				t.Errorf("IsConnectionScoped(%v) = %v, want %v", err, !tt.wantConn, tt.wantConn)
			}
			if got := CodeOf(err); got != tt.wantCode {
				t.Errorf("CodeOf(err) = %s, want %s", got, tt.wantCode)
			}
		})
	}
}

func TestFlowControlWindow_UpdateInitialWindowSize(t *testing.T) {
	w := NewFlowControlWindow(100, false, 1)
	if _, err := w.AcquireUpTo(context.Background(), 80); err != nil {
		t.Fatal(err)
	}
	if err := w.UpdateInitialWindowSize(50); err != nil {
		t.Fatalf("UpdateInitialWindowSize(50) error = %v", err)
	}
	if got := w.Available(); got != -30 {
		t.Errorf("Available() = %d, want -30", got)
	}
	if err := w.UpdateInitialWindowSize(200); err != nil {
		t.Fatalf("UpdateInitialWindowSize(200) error = %v", err)
	}
	if got := w.Available(); got != 120 {
		t.Errorf("Available() = %d, want 120", got)
	}

	conn := NewFlowControlWindow(100, true, 0)
	if err := conn.UpdateInitialWindowSize(10); err != nil || conn.Available() != 100 {
		t.Errorf("connection window changed by initial window size: %d, %v", conn.Available(), err)
	}

	big := NewFlowControlWindow(MaxWindowSize, false, 5)
	err := big.UpdateInitialWindowSize(MaxWindowSize)
	if err != nil {
		t.Fatalf("no-op update error = %v", err)
	}
	big = NewFlowControlWindow(10, false, 5)
	if err := big.Increase(MaxWindowSize - 10); err != nil {
		t.Fatal(err)
	}
	if err := big.UpdateInitialWindowSize(11); !IsConnectionScoped(err) {
		t.Errorf("overflowing update error = %v, want connection error", err)
	}
}

func TestInflow(t *testing.T) {
	f := newInflow(100)
	if !f.take(60) {
		t.Fatal("take(60) = false")
	}
	if f.take(41) {
		t.Fatal("take(41) = true past the window")
	}
	if inc := f.add(10); inc != 0 {
		t.Errorf("add(10) = %d, want 0 (batched)", inc)
	}
	if inc := f.add(45); inc != 55 {
		t.Errorf("add(45) = %d, want 55", inc)
	}
	if !f.take(95) {
		t.Error("take(95) = false after credit was returned")
	}
	if inc := f.add(0); inc != 0 {
		t.Errorf("add(0) = %d, want 0", inc)
	}
}
