package inbound

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/maimbot/napcat-adapter/pkg/protocol"
)

const (
	noticeQueueCap = 100
	retryQueueCap  = 3
	noticePacing   = time.Second
)

// noticeQueue buffers system notices toward the core. A failed send moves
// the notice to a small retry queue that is drained ahead of fresh notices
// and retried until it goes through; only fresh notices are dropped when
// their queue is full.
type noticeQueue struct {
	mu    sync.Mutex
	items []protocol.MessageBase
	retry []protocol.MessageBase
	wake  chan struct{}
}

func newNoticeQueue() *noticeQueue {
	return &noticeQueue{wake: make(chan struct{}, 1)}
}

func (q *noticeQueue) enqueue(msg protocol.MessageBase) {
	q.mu.Lock()
	if len(q.items) >= noticeQueueCap {
		q.mu.Unlock()
		slog.Warn("notice queue full, dropping notice")
		return
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()
	q.notify()
}

// requeue parks a failed send for another attempt. The retry queue never
// overflows with a single consumer: it is drained before the primary queue
// is touched, so a slot is always free for the notice that just failed.
func (q *noticeQueue) requeue(msg protocol.MessageBase) {
	q.mu.Lock()
	if len(q.retry) >= retryQueueCap {
		q.mu.Unlock()
		slog.Error("notice retry queue full, dropping notice")
		return
	}
	q.retry = append(q.retry, msg)
	q.mu.Unlock()
	q.notify()
}

func (q *noticeQueue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop takes the oldest pending notice, retries first.
func (q *noticeQueue) pop() (protocol.MessageBase, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.retry) > 0 {
		msg := q.retry[0]
		q.retry = q.retry[1:]
		return msg, true
	}
	if len(q.items) == 0 {
		return protocol.MessageBase{}, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	return msg, true
}

func (q *noticeQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + len(q.retry)
}

// run drains the queues with fixed pacing until ctx is cancelled.
func (q *noticeQueue) run(ctx context.Context, sender CoreSender) {
	for {
		msg, ok := q.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
				continue
			}
		}

		if err := sender.SendMessage(ctx, msg); err != nil {
			slog.Warn("notice send failed, will retry", "error", err)
			q.requeue(msg)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(noticePacing):
		}
	}
}
