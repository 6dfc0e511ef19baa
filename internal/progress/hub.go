package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config controls buffering and coalescing for the Hub.
//   - BufferSize: size of the internal channel (default 1024).
//   - MaxPendingRuns: flush once this many distinct runs have pending
//     updates (default 64).
//   - MaxBatchWait: flush after this duration even if few runs are pending
//     (default 250ms).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
//   - SubscriberBuffer: channel depth per live subscriber (default 16).
//   - BaseContext: parent context passed to sink calls (defaults to
//     context.Background()).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize       int
	MaxPendingRuns   int
	MaxBatchWait     time.Duration
	SinkTimeout      time.Duration
	SubscriberBuffer int
	BaseContext      context.Context
	Logger           *zap.Logger
}

const (
	defaultBufferSize       = 1024
	defaultMaxPendingRuns   = 64
	defaultMaxBatchWait     = 250 * time.Millisecond
	defaultSinkTimeout      = 10 * time.Second
	defaultSubscriberBuffer = 16
	dropLogInterval         = 5 * time.Second
)

// Hub aggregates snapshot updates, coalesces them to the latest snapshot per
// run, and fans the result out to registered sinks and per-run subscribers.
// It is safe for concurrent use and never blocks emitters.
type Hub struct {
	cfg         Config
	sinks       []Sink
	updates     chan Update
	forgets     chan uuid.UUID
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *zap.Logger
	dropLimiter rateLimiter
	dropped     atomic.Int64
	closed      atomic.Bool

	subMu sync.Mutex
	subs  map[uuid.UUID]map[*subscription]struct{}

	closeOnce sync.Once
	closeCtx  context.Context
}

type subscription struct {
	runID uuid.UUID
	ch    chan Update
}

// NewHub initializes a Hub and starts the background coalescing goroutine
// using the supplied sinks. The returned Hub is immediately ready.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxPendingRuns <= 0 {
		cfg.MaxPendingRuns = defaultMaxPendingRuns
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = defaultSubscriberBuffer
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		updates:     make(chan Update, cfg.BufferSize),
		forgets:     make(chan uuid.UUID, cfg.MaxPendingRuns),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger,
		dropLimiter: rateLimiter{interval: dropLogInterval},
		subs:        make(map[uuid.UUID]map[*subscription]struct{}),
	}
	go h.run()
	return h
}

// Emit enqueues an Update. It never blocks; if the buffer is full the update
// is dropped and a rate-limited warning is logged. Dropping is safe because
// a later snapshot for the same run supersedes the lost one.
func (h *Hub) Emit(u Update) {
	if h == nil {
		return
	}
	if h.closed.Load() {
		return
	}
	if err := u.Validate(); err != nil {
		h.logger.Debug("discarding invalid snapshot update", zap.Error(err))
		return
	}
	select {
	case h.updates <- u:
	default:
		h.dropped.Add(1)
		if h.dropLimiter.Allow(time.Now()) {
			count := h.dropped.Swap(0)
			h.logger.Warn("snapshot updates dropped due to backpressure", zap.Int64("dropped", count))
		}
	}
}

// Forget marks a run as terminal so sinks can release its buffered state.
// Eviction is applied after the run's already-emitted updates have flushed,
// so a final snapshot is never lost to its own cleanup. Never blocks; under
// backpressure the state simply lingers.
func (h *Hub) Forget(runID uuid.UUID) {
	if h == nil || h.closed.Load() {
		return
	}
	select {
	case h.forgets <- runID:
	default:
	}
}

// Subscribe registers a live listener for one run. The returned channel
// receives coalesced updates until cancel is called or the hub closes; slow
// subscribers lose intermediate snapshots, never the hub's liveness.
func (h *Hub) Subscribe(runID uuid.UUID) (<-chan Update, func()) {
	sub := &subscription{runID: runID, ch: make(chan Update, h.cfg.SubscriberBuffer)}
	h.subMu.Lock()
	if h.subs[runID] == nil {
		h.subs[runID] = make(map[*subscription]struct{})
	}
	h.subs[runID][sub] = struct{}{}
	h.subMu.Unlock()

	cancel := func() {
		h.subMu.Lock()
		removed := false
		if set, ok := h.subs[runID]; ok {
			if _, member := set[sub]; member {
				delete(set, sub)
				removed = true
			}
			if len(set) == 0 {
				delete(h.subs, runID)
			}
		}
		h.subMu.Unlock()
		// Only the goroutine that removed the subscription closes it; the
		// hub's shutdown path may have beaten us to it.
		if removed {
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

// Close drains remaining updates, flushes sinks, and blocks until the
// background goroutine exits. Safe to call multiple times.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

// pendingSet keeps the newest update per run while preserving first-seen
// run order for flushes.
type pendingSet struct {
	byRun map[uuid.UUID]int
	order []Update
}

func newPendingSet(capacity int) *pendingSet {
	return &pendingSet{
		byRun: make(map[uuid.UUID]int, capacity),
		order: make([]Update, 0, capacity),
	}
}

func (p *pendingSet) add(u Update) {
	if idx, ok := p.byRun[u.RunID]; ok {
		p.order[idx] = u
		return
	}
	p.byRun[u.RunID] = len(p.order)
	p.order = append(p.order, u)
}

func (p *pendingSet) drain() []Update {
	if len(p.order) == 0 {
		return nil
	}
	out := append([]Update(nil), p.order...)
	p.order = p.order[:0]
	clear(p.byRun)
	return out
}

func (p *pendingSet) size() int { return len(p.order) }

func (h *Hub) run() {
	defer close(h.doneCh)
	pending := newPendingSet(h.cfg.MaxPendingRuns)
	var forgets []uuid.UUID
	timer := time.NewTimer(h.cfg.MaxBatchWait)
	timer.Stop()
	timerActive := false
	for {
		select {
		case u := <-h.updates:
			pending.add(u)
			if pending.size() >= h.cfg.MaxPendingRuns {
				h.flush(pending.drain())
				if len(forgets) > 0 {
					h.resetTimer(timer, &timerActive)
				} else {
					h.stopTimer(timer, &timerActive)
				}
			} else {
				h.resetTimer(timer, &timerActive)
			}
		case id := <-h.forgets:
			forgets = append(forgets, id)
			h.resetTimer(timer, &timerActive)
		case <-timer.C:
			timerActive = false
			// Pick up queued updates first: a run's final snapshot was
			// emitted before its Forget and must reach the sinks.
			h.drainUpdates(pending)
			h.flush(pending.drain())
			forgets = h.applyForgets(forgets)
		case <-h.stopCh:
			h.stopTimer(timer, &timerActive)
			h.drainAndStop(pending, forgets)
			return
		}
	}
}

func (h *Hub) drainUpdates(pending *pendingSet) {
	for {
		select {
		case u := <-h.updates:
			pending.add(u)
		default:
			return
		}
	}
}

func (h *Hub) drainAndStop(pending *pendingSet, forgets []uuid.UUID) {
	h.drainUpdates(pending)
	h.flush(pending.drain())
	for {
		select {
		case id := <-h.forgets:
			forgets = append(forgets, id)
			continue
		default:
		}
		break
	}
	h.applyForgets(forgets)
	h.closeSinks()
	h.closeSubscribers()
}

// applyForgets notifies state-holding sinks and returns the emptied slice.
// Only forgets received before the preceding flush are applied, so eviction
// can never outrun a run's final snapshot.
func (h *Hub) applyForgets(ids []uuid.UUID) []uuid.UUID {
	if len(ids) == 0 {
		return ids
	}
	for _, sink := range h.sinks {
		f, ok := sink.(RunForgetter)
		if !ok {
			continue
		}
		for _, id := range ids {
			f.Forget(id)
		}
	}
	return ids[:0]
}

func (h *Hub) resetTimer(timer *time.Timer, timerActive *bool) {
	if *timerActive {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	timer.Reset(h.cfg.MaxBatchWait)
	*timerActive = true
}

func (h *Hub) stopTimer(timer *time.Timer, timerActive *bool) {
	if !*timerActive {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	*timerActive = false
}

func (h *Hub) flush(batch []Update) {
	if len(batch) == 0 {
		return
	}
	h.dispatch(batch)
	baseCtx := h.cfg.BaseContext
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(baseCtx, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, batch); err != nil {
			h.logger.Warn("snapshot sink consume failed", zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) dispatch(batch []Update) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	for _, u := range batch {
		for sub := range h.subs[u.RunID] {
			select {
			case sub.ch <- u:
			default:
				// Slow subscriber; the next flush carries a newer snapshot.
			}
		}
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("snapshot sink close failed", zap.Error(err))
		}
	}
}

func (h *Hub) closeSubscribers() {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	for runID, set := range h.subs {
		for sub := range set {
			close(sub.ch)
		}
		delete(h.subs, runID)
	}
}

type rateLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *rateLimiter) Allow(now time.Time) bool {
	if r == nil || r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
