package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hubdesk/ticketsync/internal/pollsync"
)

// FetchFunc fetches one batch for a feed. A zero cursor requests the full
// list; otherwise only records changed since the cursor.
type FetchFunc[T Record] func(ctx context.Context, since int64) (Page[T], error)

type PollerConfig[T Record] struct {
	Fetch    FetchFunc[T]
	Interval time.Duration

	// PollTimeout and MaxBackoffFactor are passed through to the
	// underlying scheduler; zero means the scheduler defaults.
	PollTimeout      time.Duration
	MaxBackoffFactor float64

	// OnUpdate receives a snapshot of the collection after every batch
	// that changed it, sorted by recency descending.
	OnUpdate       func(items []T)
	OnStatusChange func(status pollsync.Status)
	OnError        func(err error, consecutiveFailures int)
	Logger         pollsync.Logger
}

// FeedPoller owns one feed's scheduler, cursor, and in-memory collection.
// The first poll is a full fetch that replaces the collection wholesale;
// every later poll is incremental and merged. Screens create one per feed
// and tear it down with Stop.
type FeedPoller[T Record] struct {
	cfg   PollerConfig[T]
	sched *pollsync.Scheduler

	mu         sync.Mutex
	cursor     int64
	haveCursor bool
	generation int
	items      []T
}

func NewFeedPoller[T Record](cfg PollerConfig[T]) (*FeedPoller[T], error) {
	if cfg.Fetch == nil {
		return nil, fmt.Errorf("fetch function is required")
	}
	p := &FeedPoller[T]{cfg: cfg}
	sched, err := pollsync.NewScheduler(pollsync.Config{
		PollFn:           p.poll,
		Interval:         cfg.Interval,
		PollTimeout:      cfg.PollTimeout,
		MaxBackoffFactor: cfg.MaxBackoffFactor,
		OnStatusChange:   cfg.OnStatusChange,
		OnError:          cfg.OnError,
		Logger:           cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	p.sched = sched
	return p, nil
}

func (p *FeedPoller[T]) Start()  { p.sched.Start() }
func (p *FeedPoller[T]) Stop()   { p.sched.Stop() }
func (p *FeedPoller[T]) Pause()  { p.sched.Pause() }
func (p *FeedPoller[T]) Resume() { p.sched.Resume() }

func (p *FeedPoller[T]) Status() pollsync.Status {
	return p.sched.Status()
}

func (p *FeedPoller[T]) ConsecutiveFailures() int {
	return p.sched.ConsecutiveFailures()
}

// Items returns a copy of the current collection, newest first.
func (p *FeedPoller[T]) Items() []T {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]T(nil), p.items...)
}

// Cursor returns the feed's applied cursor; zero means no successful fetch
// has been applied yet.
func (p *FeedPoller[T]) Cursor() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursor
}

// Reload discards the cursor so the next poll is a full fetch that replaces
// the collection: used after locale or filter changes. A batch fetched
// before the reload is dropped when it lands.
func (p *FeedPoller[T]) Reload() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.generation++
	p.haveCursor = false
	p.cursor = 0
}

// RunOnce performs a single fetch-and-apply cycle outside the scheduler.
func (p *FeedPoller[T]) RunOnce(ctx context.Context) error {
	_, err := p.poll(ctx)
	return err
}

func (p *FeedPoller[T]) poll(ctx context.Context) (int, error) {
	p.mu.Lock()
	var since int64
	full := !p.haveCursor
	if !full {
		since = p.cursor
	}
	gen := p.generation
	p.mu.Unlock()

	page, err := p.cfg.Fetch(ctx, since)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			p.logf("feed poll unauthorized; stopping scheduler")
			p.sched.Stop()
		}
		return 0, err
	}

	p.mu.Lock()
	if p.generation != gen {
		// a reload invalidated this batch while it was in flight
		p.mu.Unlock()
		return 0, nil
	}
	if !full && since < p.cursor {
		// response issued against an older cursor than what is applied
		p.mu.Unlock()
		return 0, nil
	}
	if full {
		items := append([]T(nil), page.Items...)
		SortByRecency(items)
		p.items = items
	} else {
		p.items = Merge(p.items, page.Items)
	}
	p.cursor = AdvanceCursor(p.cursor, page)
	p.haveCursor = true
	var snapshot []T
	if p.cfg.OnUpdate != nil && (full || len(page.Items) > 0) {
		snapshot = append([]T(nil), p.items...)
		if snapshot == nil {
			snapshot = []T{}
		}
	}
	p.mu.Unlock()

	if snapshot != nil {
		p.cfg.OnUpdate(snapshot)
	}
	return len(page.Items), nil
}

func (p *FeedPoller[T]) logf(format string, args ...any) {
	if p.cfg.Logger == nil {
		return
	}
	p.cfg.Logger.Printf(format, args...)
}
