// Package outbox owns the local echo lifecycle for outbound messages:
// an echo is minted with a fresh client_msg_id, submitted on the active
// path, and watched by a per-send timer. When the authoritative copy
// arrives the watchdog is released exactly once; when it does not, the
// send is retried on the fallback path a bounded number of times before
// the echo is marked failed and handed back to the caller for an
// explicit retry.
package outbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"dmsync/pkg/logger"
	"dmsync/pkg/models"
	"dmsync/pkg/telemetry"
)

var (
	// ErrFull is returned when the pending set is at capacity.
	ErrFull = errors.New("outbox full")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("outbox closed")
	// ErrUnknownSend is returned for operations on a client_msg_id the
	// outbox is not tracking.
	ErrUnknownSend = errors.New("unknown send")
)

const defaultMaxPending = 256

// Sender is the slice of the transport layer the outbox drives.
type Sender interface {
	Send(ctx context.Context, msg models.Message) error
	SendFallback(ctx context.Context, msg models.Message) error
}

// Update notifies the consumer of an echo's state transition. PERSISTED
// transitions are not reported here; the authoritative row arrives on
// the transport event stream and the consumer calls Resolve.
type Update struct {
	ClientMsgID string
	State       models.DeliveryState
	Message     models.Message
	Err         string
}

type pending struct {
	msg      models.Message
	timer    *time.Timer
	attempts int
	// released flips exactly once, whether by Resolve, Cancel, terminal
	// failure or Close.
	released atomic.Bool
}

type Outbox struct {
	sender      Sender
	first       time.Duration
	next        time.Duration
	maxAttempts int
	maxPending  int

	mu     sync.Mutex
	items  map[string]*pending
	closed bool

	updates chan Update

	submitted atomic.Int64
	resolved  atomic.Int64
	failed    atomic.Int64
}

func New(sender Sender, first, next time.Duration, maxAttempts int) *Outbox {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Outbox{
		sender:      sender,
		first:       first,
		next:        next,
		maxAttempts: maxAttempts,
		maxPending:  defaultMaxPending,
		items:       map[string]*pending{},
		updates:     make(chan Update, 64),
	}
}

// Updates streams echo state transitions to the consumer.
func (o *Outbox) Updates() <-chan Update { return o.updates }

// Send mints a local echo for the given content, submits it and arms
// the watchdog. The returned echo carries the pending sentinel id and
// the sending state; the caller inserts it into the visible timeline
// immediately.
func (o *Outbox) Send(ctx context.Context, threadID, senderID models.Ident, body *string, attachments []models.Attachment) (models.Message, error) {
	echo := models.Message{
		ID:          models.PendingID,
		ThreadID:    threadID,
		SenderID:    senderID,
		Body:        body,
		Attachments: attachments,
		CreatedAt:   models.NowStamp(),
		ClientMsgID: uuid.NewString(),
		Delivery:    models.DeliverySending,
	}
	if err := o.track(echo); err != nil {
		return models.Message{}, err
	}
	o.submit(ctx, echo.ClientMsgID, echo)
	return echo, nil
}

func (o *Outbox) track(echo models.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if len(o.items) >= o.maxPending {
		return ErrFull
	}
	o.items[echo.ClientMsgID] = &pending{msg: echo, attempts: 0}
	o.submitted.Add(1)
	return nil
}

func (o *Outbox) submit(ctx context.Context, id string, echo models.Message) {
	o.mu.Lock()
	p, ok := o.items[id]
	if !ok || o.closed {
		o.mu.Unlock()
		return
	}
	p.attempts++
	attempt := p.attempts
	o.mu.Unlock()

	var err error
	if attempt == 1 {
		err = o.sender.Send(ctx, echo)
	} else {
		err = o.sender.SendFallback(ctx, echo)
	}
	if err != nil {
		logger.Warn("send_attempt_failed", "client_msg_id", id, "attempt", attempt, "error", err)
		o.afterAttempt(id, echo, attempt, err)
		return
	}

	window := o.first
	if attempt > 1 {
		// widen the window on retries so a slow fallback persist is not
		// mistaken for another timeout
		window = o.next * time.Duration(attempt-1)
	}
	o.mu.Lock()
	if p, ok := o.items[id]; ok && !p.released.Load() {
		p.timer = time.AfterFunc(window, func() { o.onTimeout(id) })
	}
	o.mu.Unlock()
}

func (o *Outbox) onTimeout(id string) {
	o.mu.Lock()
	p, ok := o.items[id]
	if !ok || p.released.Load() {
		o.mu.Unlock()
		return
	}
	echo := p.msg
	attempt := p.attempts
	o.mu.Unlock()

	logger.Info("send_watchdog_fired", "client_msg_id", id, "attempt", attempt)
	o.afterAttempt(id, echo, attempt, errors.New("send timed out"))
}

// afterAttempt decides between another fallback attempt and terminal
// failure.
func (o *Outbox) afterAttempt(id string, echo models.Message, attempt int, cause error) {
	if attempt < o.maxAttempts {
		// retries back off linearly: the first fallback attempt goes out
		// immediately, later ones wait a growing multiple of the window
		delay := time.Duration(attempt-1) * o.next
		time.AfterFunc(delay, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			o.submit(ctx, id, echo)
		})
		return
	}
	o.mu.Lock()
	p, ok := o.items[id]
	if !ok || !p.released.CompareAndSwap(false, true) {
		o.mu.Unlock()
		return
	}
	delete(o.items, id)
	o.mu.Unlock()

	o.failed.Add(1)
	telemetry.SendsTotal.WithLabelValues("fallback", "failed").Inc()
	echo.Delivery = models.DeliveryFailed
	echo.SendError = cause.Error()
	logger.Warn("send_failed_terminal", "client_msg_id", id, "attempts", attempt, "error", cause)
	o.emit(Update{ClientMsgID: id, State: models.DeliveryFailed, Message: echo, Err: cause.Error()})
}

// Resolve releases the watchdog for a send whose authoritative copy has
// arrived. It is safe to call for ids the outbox never tracked (echoes
// from other devices) and safe to call more than once; only the first
// call for a tracked id does anything.
func (o *Outbox) Resolve(clientMsgID string) bool {
	o.mu.Lock()
	p, ok := o.items[clientMsgID]
	if !ok || !p.released.CompareAndSwap(false, true) {
		o.mu.Unlock()
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(o.items, clientMsgID)
	o.mu.Unlock()

	o.resolved.Add(1)
	telemetry.SendsTotal.WithLabelValues("any", "persisted").Inc()
	return true
}

// Cancel withdraws a pending or failed send so its echo can be removed
// from the timeline.
func (o *Outbox) Cancel(clientMsgID string) bool {
	o.mu.Lock()
	p, ok := o.items[clientMsgID]
	if !ok || !p.released.CompareAndSwap(false, true) {
		o.mu.Unlock()
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	delete(o.items, clientMsgID)
	o.mu.Unlock()
	return true
}

// Retry resubmits a failed echo as a brand-new send. The echo gets a
// fresh client_msg_id so a late success of the original cannot collide
// with the retry; the caller swaps the old echo for the returned one.
func (o *Outbox) Retry(ctx context.Context, echo models.Message) (models.Message, error) {
	if echo.ClientMsgID == "" {
		return models.Message{}, ErrUnknownSend
	}
	// drop any leftover tracking for the old id
	o.Cancel(echo.ClientMsgID)

	echo.ID = models.PendingID
	echo.ClientMsgID = uuid.NewString()
	echo.CreatedAt = models.NowStamp()
	echo.Delivery = models.DeliverySending
	echo.SendError = ""
	if err := o.track(echo); err != nil {
		return models.Message{}, err
	}
	o.submit(ctx, echo.ClientMsgID, echo)
	return echo, nil
}

// PendingCount reports how many sends are in flight.
func (o *Outbox) PendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

// Stats reports lifetime counters for the debug surface.
func (o *Outbox) Stats() (submitted, resolved, failed int64) {
	return o.submitted.Load(), o.resolved.Load(), o.failed.Load()
}

func (o *Outbox) emit(u Update) {
	select {
	case o.updates <- u:
	default:
		// a stalled consumer must not wedge the watchdog goroutine
		logger.Warn("outbox_update_dropped", "client_msg_id", u.ClientMsgID, "state", u.State)
	}
}

func (o *Outbox) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	for id, p := range o.items {
		if p.released.CompareAndSwap(false, true) && p.timer != nil {
			p.timer.Stop()
		}
		delete(o.items, id)
	}
	o.mu.Unlock()
	close(o.updates)
}
