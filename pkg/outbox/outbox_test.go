package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dmsync/pkg/logger"
	"dmsync/pkg/models"
)

func init() { logger.Init() }

type fakeSender struct {
	mu          sync.Mutex
	sendErr     error
	fallbackErr error
	sends       []models.Message
	fallbacks   []models.Message
}

func (f *fakeSender) Send(_ context.Context, msg models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, msg)
	return f.sendErr
}

func (f *fakeSender) SendFallback(_ context.Context, msg models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fallbacks = append(f.fallbacks, msg)
	return f.fallbackErr
}

func (f *fakeSender) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends), len(f.fallbacks)
}

func body(s string) *string { return &s }

func TestSendMintsEcho(t *testing.T) {
	s := &fakeSender{}
	o := New(s, time.Second, time.Second, 3)
	defer o.Close()

	echo, err := o.Send(context.Background(), "t1", "u1", body("hi"), nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if echo.ID != models.PendingID {
		t.Fatalf("echo id = %q, want pending sentinel", echo.ID)
	}
	if echo.Delivery != models.DeliverySending {
		t.Fatalf("echo delivery = %q", echo.Delivery)
	}
	if echo.ClientMsgID == "" {
		t.Fatal("echo missing client_msg_id")
	}

	other, err := o.Send(context.Background(), "t1", "u1", body("again"), nil)
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	if other.ClientMsgID == echo.ClientMsgID {
		t.Fatal("client_msg_id reused across sends")
	}
}

func TestResolveReleasesExactlyOnce(t *testing.T) {
	s := &fakeSender{}
	o := New(s, time.Second, time.Second, 3)
	defer o.Close()

	echo, err := o.Send(context.Background(), "t1", "u1", body("hi"), nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !o.Resolve(echo.ClientMsgID) {
		t.Fatal("first resolve should report the release")
	}
	if o.Resolve(echo.ClientMsgID) {
		t.Fatal("second resolve should be a no-op")
	}
	if o.PendingCount() != 0 {
		t.Fatalf("pending = %d after resolve", o.PendingCount())
	}
}

func TestResolveUnknownIDIsNoop(t *testing.T) {
	o := New(&fakeSender{}, time.Second, time.Second, 3)
	defer o.Close()
	if o.Resolve("never-sent") {
		t.Fatal("resolved an untracked send")
	}
}

func TestWatchdogFallsBackThenResolves(t *testing.T) {
	// a long retry window keeps the second watchdog from firing while
	// the test is still observing the first fallback attempt
	s := &fakeSender{}
	o := New(s, 20*time.Millisecond, time.Minute, 3)
	defer o.Close()

	echo, err := o.Send(context.Background(), "t1", "u1", body("hi"), nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// primary accepted the frame but never produced an authoritative
	// copy; the watchdog must route the retry to the fallback path
	deadline := time.After(2 * time.Second)
	for {
		if _, fb := s.counts(); fb >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("watchdog never tried the fallback path")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if !o.Resolve(echo.ClientMsgID) {
		t.Fatal("resolve after fallback attempt failed")
	}
	select {
	case u := <-o.Updates():
		t.Fatalf("unexpected update after resolve: %+v", u)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOfflineSendFailsAfterMaxAttempts(t *testing.T) {
	s := &fakeSender{sendErr: errors.New("no route"), fallbackErr: errors.New("no route")}
	o := New(s, 10*time.Millisecond, 5*time.Millisecond, 3)
	defer o.Close()

	echo, err := o.Send(context.Background(), "t1", "u1", body("hi"), nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case u := <-o.Updates():
		if u.State != models.DeliveryFailed {
			t.Fatalf("update state = %q", u.State)
		}
		if u.ClientMsgID != echo.ClientMsgID {
			t.Fatalf("update for %q, want %q", u.ClientMsgID, echo.ClientMsgID)
		}
		if u.Message.SendError == "" {
			t.Fatal("failed echo lost its error reason")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("terminal failure never reported")
	}

	primary, fb := s.counts()
	if primary != 1 {
		t.Fatalf("primary attempts = %d, want 1", primary)
	}
	if fb != 2 {
		t.Fatalf("fallback attempts = %d, want 2", fb)
	}
	if o.PendingCount() != 0 {
		t.Fatalf("pending = %d after terminal failure", o.PendingCount())
	}
}

func TestRetryMintsFreshClientID(t *testing.T) {
	s := &fakeSender{sendErr: errors.New("down"), fallbackErr: errors.New("down")}
	o := New(s, 5*time.Millisecond, 5*time.Millisecond, 2)
	defer o.Close()

	echo, err := o.Send(context.Background(), "t1", "u1", body("hi"), nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	var failed Update
	select {
	case failed = <-o.Updates():
	case <-time.After(2 * time.Second):
		t.Fatal("terminal failure never reported")
	}

	s.mu.Lock()
	s.sendErr, s.fallbackErr = nil, nil
	s.mu.Unlock()

	retried, err := o.Retry(context.Background(), failed.Message)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.ClientMsgID == echo.ClientMsgID {
		t.Fatal("retry reused the original client_msg_id")
	}
	if retried.Delivery != models.DeliverySending {
		t.Fatalf("retried delivery = %q", retried.Delivery)
	}
	if retried.SendError != "" {
		t.Fatal("retry kept the stale failure reason")
	}
	if !o.Resolve(retried.ClientMsgID) {
		t.Fatal("retried send not tracked")
	}
}

func TestCancelWithdrawsPendingSend(t *testing.T) {
	s := &fakeSender{}
	o := New(s, time.Second, time.Second, 3)
	defer o.Close()

	echo, err := o.Send(context.Background(), "t1", "u1", body("hi"), nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !o.Cancel(echo.ClientMsgID) {
		t.Fatal("cancel of a pending send failed")
	}
	if o.Resolve(echo.ClientMsgID) {
		t.Fatal("resolve succeeded after cancel")
	}
}
