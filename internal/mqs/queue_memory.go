package mqs

import (
	"context"
	"sync"
	"time"
)

const memoryPollInterval = 10 * time.Millisecond

// MemoryQueue implements the queue contract against a keyed in-process
// table. Durability is equivalent to process lifetime. Lease expiry is
// honored by timestamp comparison on receive, so an expired lease makes the
// message visible again without a background reaper.
type MemoryQueue struct {
	mu       sync.Mutex
	messages map[string]*memoryMessage
	order    []string

	visibilityTimeout time.Duration
	retentionPeriod   time.Duration
	maxAttempts       int
	closed            bool
}

type memoryMessage struct {
	msg       Message
	visibleAt time.Time
	inFlight  bool
	leaseEnd  time.Time
}

var _ Queue = (*MemoryQueue)(nil)

func NewMemoryQueue(cfg QueueConfig) *MemoryQueue {
	vt := cfg.VisibilityTimeout
	if vt <= 0 {
		vt = 30 * time.Second
	}
	return &MemoryQueue{
		messages:          make(map[string]*memoryMessage),
		visibilityTimeout: vt,
		retentionPeriod:   cfg.RetentionPeriod,
		maxAttempts:       cfg.MaxAttempts,
	}
}

func (q *MemoryQueue) Send(_ context.Context, incoming IncomingMessage, opts ...SendOption) (string, error) {
	options := &SendOptions{}
	for _, opt := range opts {
		opt(options)
	}

	msg, err := NewMessage(incoming)
	if err != nil {
		return "", err
	}

	now := time.Now()
	visibleAt := now
	if options.Delay > 0 {
		visibleAt = now.Add(options.Delay)
		delayUntil := visibleAt
		msg.DelayUntil = &delayUntil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrQueueClosed
	}
	q.messages[msg.ID] = &memoryMessage{msg: *msg, visibleAt: visibleAt}
	q.order = append(q.order, msg.ID)
	return msg.ID, nil
}

func (q *MemoryQueue) Receive(ctx context.Context, opts ReceiveOptions) ([]*Message, error) {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = 1
	}

	deadline := time.Now().Add(opts.WaitTime)
	for {
		batch := q.receiveVisible(opts.MaxMessages)
		if len(batch) > 0 {
			return batch, nil
		}
		if opts.WaitTime <= 0 || time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(memoryPollInterval):
		}
	}
}

func (q *MemoryQueue) receiveVisible(max int) []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var batch []*Message
	live := q.order[:0]
	for _, id := range q.order {
		m, ok := q.messages[id]
		if !ok {
			continue // deleted, drop from order
		}
		if q.retentionPeriod > 0 && now.Sub(m.msg.Timestamp) >= q.retentionPeriod {
			// Retention expired while the message sat unclaimed.
			delete(q.messages, id)
			continue
		}
		live = append(live, id)
		if len(batch) >= max {
			continue
		}
		if m.inFlight && now.Before(m.leaseEnd) {
			continue
		}
		if now.Before(m.visibleAt) {
			continue
		}
		m.inFlight = true
		m.leaseEnd = now.Add(q.visibilityTimeout)
		m.msg.Attempts++
		out := m.msg
		out.MaxAttempts = q.maxAttempts
		batch = append(batch, &out)
	}
	q.order = live
	return batch
}

func (q *MemoryQueue) Delete(_ context.Context, messageID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.messages[messageID]; !ok {
		return ErrMessageNotFound
	}
	delete(q.messages, messageID)
	return nil
}

func (q *MemoryQueue) ChangeVisibility(_ context.Context, messageID string, timeout time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.messages[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	if timeout <= 0 {
		m.inFlight = false
		m.leaseEnd = time.Time{}
		return nil
	}
	m.leaseEnd = time.Now().Add(timeout)
	return nil
}

func (q *MemoryQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	stats := Stats{}
	for _, m := range q.messages {
		switch {
		case m.inFlight && now.Before(m.leaseEnd):
			stats.InFlight++
		case now.Before(m.visibleAt):
			stats.Delayed++
		default:
			stats.Approximate++
		}
	}
	return stats, nil
}

func (q *MemoryQueue) Purge(_ context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = make(map[string]*memoryMessage)
	q.order = nil
	return nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *MemoryQueue) IsConnected() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.closed
}

func (q *MemoryQueue) Kind() string {
	return KindMemory
}
