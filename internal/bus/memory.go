package bus

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/playbooks/internal/logging"
)

// Config tunes a MemoryBus.
type Config struct {
	Partitions       int
	MaxRedeliveries  int
	RedeliveryDelay  time.Duration
	MaxRedeliveryGap time.Duration
}

func (c Config) withDefaults() Config {
	if c.Partitions <= 0 {
		c.Partitions = 16
	}
	if c.MaxRedeliveries < 0 {
		c.MaxRedeliveries = 0
	}
	if c.RedeliveryDelay <= 0 {
		c.RedeliveryDelay = 50 * time.Millisecond
	}
	if c.MaxRedeliveryGap <= 0 {
		c.MaxRedeliveryGap = 5 * time.Second
	}
	return c
}

// DeadLetter describes a message a subscriber gave up on.
type DeadLetter struct {
	Message      Message
	Subscription string
	Attempts     int
	Err          error
}

type subscription struct {
	name    string
	handler Handler
}

type partition struct {
	mu     sync.Mutex
	queue  []Message
	signal chan struct{}
}

func (p *partition) push(msg Message) {
	p.mu.Lock()
	p.queue = append(p.queue, msg)
	p.mu.Unlock()
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *partition) drain() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	batch := p.queue
	p.queue = nil
	return batch
}

// MemoryBus is an in-process partitioned bus. Each partition is drained by a
// single goroutine and queues are unbounded, so a handler can always publish.
type MemoryBus struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string][]*subscription

	partitions []*partition
	pending    atomic.Int64

	timersMu sync.Mutex
	timers   map[*time.Timer]struct{}

	deadLetterMu sync.RWMutex
	deadLetter   func(DeadLetter)
}

// NewMemoryBus creates a bus. Call Run to start delivering.
func NewMemoryBus(cfg Config, logger *slog.Logger) *MemoryBus {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	b := &MemoryBus{
		cfg:    cfg,
		logger: logger,
		subs:   make(map[string][]*subscription),
		timers: make(map[*time.Timer]struct{}),
	}
	for i := 0; i < cfg.Partitions; i++ {
		b.partitions = append(b.partitions, &partition{signal: make(chan struct{}, 1)})
	}
	return b
}

// Subscribe registers a handler for a message type behind the given filters.
func (b *MemoryBus) Subscribe(msgType string, h Handler, filters ...Filter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	name := fmt.Sprintf("%s#%d", msgType, len(b.subs[msgType]))
	b.subs[msgType] = append(b.subs[msgType], &subscription{
		name:    name,
		handler: guard(Chain(h, filters...)),
	})
}

// OnDeadLetter sets the hook called for every dead-lettered message.
func (b *MemoryBus) OnDeadLetter(fn func(DeadLetter)) {
	b.deadLetterMu.Lock()
	b.deadLetter = fn
	b.deadLetterMu.Unlock()
}

// Publish enqueues msg on its partition. It never blocks on consumers.
func (b *MemoryBus) Publish(_ context.Context, msg Message) error {
	if msg == nil {
		return fmt.Errorf("publish: nil message")
	}
	b.pending.Add(1)
	b.partitionFor(msg).push(msg)
	return nil
}

// PublishAfter publishes msg once delay has elapsed.
func (b *MemoryBus) PublishAfter(ctx context.Context, msg Message, delay time.Duration) error {
	if delay <= 0 {
		return b.Publish(ctx, msg)
	}
	b.timersMu.Lock()
	defer b.timersMu.Unlock()
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		b.timersMu.Lock()
		delete(b.timers, t)
		b.timersMu.Unlock()
		_ = b.Publish(context.Background(), msg)
	})
	b.timers[t] = struct{}{}
	return nil
}

func (b *MemoryBus) partitionFor(msg Message) *partition {
	h := fnv.New32a()
	_, _ = h.Write([]byte(PartitionKey(msg)))
	return b.partitions[h.Sum32()%uint32(len(b.partitions))]
}

// Run drains every partition until ctx is cancelled. Queued messages not yet
// delivered and delayed messages that have not fired are discarded on return.
func (b *MemoryBus) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range b.partitions {
		g.Go(func() error {
			b.logger.Debug("bus partition started", "partition", i)
			for {
				select {
				case <-gctx.Done():
					b.discard(p.drain())
					return nil
				case <-p.signal:
				}
				batch := p.drain()
				for i, msg := range batch {
					if gctx.Err() != nil {
						b.discard(batch[i:])
						b.discard(p.drain())
						return nil
					}
					b.deliver(gctx, msg)
					b.pending.Add(-1)
				}
			}
		})
	}
	err := g.Wait()
	b.stopTimers()
	return err
}

// discard drops messages that will never be delivered so WaitIdle does not
// count them.
func (b *MemoryBus) discard(msgs []Message) {
	if len(msgs) == 0 {
		return
	}
	b.pending.Add(-int64(len(msgs)))
	b.logger.Debug("bus stopped, discarding queued messages", "count", len(msgs))
}

func (b *MemoryBus) stopTimers() {
	b.timersMu.Lock()
	defer b.timersMu.Unlock()
	for t := range b.timers {
		t.Stop()
	}
	clear(b.timers)
}

// WaitIdle blocks until no published message is queued or being handled.
// Delayed messages count only once they fire.
func (b *MemoryBus) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for b.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (b *MemoryBus) deliver(ctx context.Context, msg Message) {
	b.mu.RLock()
	subs := b.subs[msg.MessageType()]
	b.mu.RUnlock()

	if len(subs) == 0 {
		b.logger.Debug("no subscribers", "message_type", msg.MessageType())
		return
	}
	for _, sub := range subs {
		b.dispatch(ctx, sub, msg)
	}
}

// dispatch runs one subscription's pipeline, redelivering retryable failures
// with exponential backoff. The partition stays blocked meanwhile, which keeps
// later messages for the same key behind the one being retried.
func (b *MemoryBus) dispatch(ctx context.Context, sub *subscription, msg Message) {
	attempts := 0
	backoff := retry.NewExponential(b.cfg.RedeliveryDelay)
	backoff = retry.WithCappedDuration(b.cfg.MaxRedeliveryGap, backoff)
	backoff = retry.WithMaxRetries(uint64(b.cfg.MaxRedeliveries), backoff)

	ctx = correlate(ctx, msg)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		cc := &ConsumeContext{Message: msg, Attempt: attempts}
		err := sub.handler(ctx, cc)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
		b.logger.WarnContext(ctx, "redelivering message",
			"subscription", sub.name, "attempt", attempts, "error", err)
		return retry.RetryableError(err)
	})
	if err == nil || ctx.Err() != nil {
		return
	}

	b.logger.ErrorContext(ctx, "message dead-lettered",
		"subscription", sub.name, "message_type", msg.MessageType(), "attempts", attempts, "error", err)

	b.deadLetterMu.RLock()
	hook := b.deadLetter
	b.deadLetterMu.RUnlock()
	if hook != nil {
		hook(DeadLetter{Message: msg, Subscription: sub.name, Attempts: attempts, Err: err})
	}
}

// correlate puts the message's correlation ids on ctx for logging.
func correlate(ctx context.Context, msg Message) context.Context {
	if m, ok := msg.(RunMessage); ok {
		ctx = logging.WithRunID(ctx, m.PlaybookRunID().String())
	}
	if m, ok := msg.(OrganizationMessage); ok {
		ctx = logging.WithOrganizationID(ctx, m.OrganizationID().String())
	}
	return ctx
}

var _ Publisher = (*MemoryBus)(nil)
