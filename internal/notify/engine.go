package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hubdesk/ticketsync/internal/feed"
	"github.com/hubdesk/ticketsync/internal/pollsync"
)

// Client is the slice of the ticketing API the engine needs; *feed.HTTPClient
// implements it.
type Client interface {
	ListNotifications(ctx context.Context, since int64, limit int) (feed.Page[feed.Notification], error)
	GetPreferences(ctx context.Context) (feed.Preferences, error)
	UpdatePreferences(ctx context.Context, patch feed.PreferencesPatch) (feed.Preferences, error)
	MarkRead(ctx context.Context, ids []string) error
	ClearAll(ctx context.Context) error
}

type EngineConfig struct {
	Client     Client
	UserID     string
	Dismissals *DismissalStore

	Interval    time.Duration
	PollTimeout time.Duration

	// BackoffStep is the additive backoff growth applied on empty polls,
	// capped at MaxBackoffFactor; any poll carrying at least one unseen
	// notification snaps the factor back to 1.0. Defaults: 0.5 and 4.0.
	BackoffStep      float64
	MaxBackoffFactor float64

	// FetchLimit bounds one poll's batch size. Defaults to 100.
	FetchLimit int

	OnStatusChange func(status pollsync.Status)
	OnError        func(err error, consecutiveFailures int)
	Logger         pollsync.Logger
}

// Engine is the per-session notification sync loop. It runs independently of
// any screen: one instance per authenticated session, publishing fresh
// notifications to subscribers (badge counters, sound playback, dropdowns)
// after preference filtering, session-local dedup, and dismissal suppression.
type Engine struct {
	cfg   EngineConfig
	sched *pollsync.Scheduler

	mu          sync.Mutex
	prefs       feed.Preferences
	prefsLoaded bool
	started     bool
	cursor      int64
	seen        map[string]struct{}
	unread      []feed.Notification

	subMu  sync.Mutex
	nextID int
	subs   map[int]func(fresh []feed.Notification)
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if cfg.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if cfg.BackoffStep <= 0 {
		cfg.BackoffStep = 0.5
	}
	if cfg.MaxBackoffFactor < 1 {
		cfg.MaxBackoffFactor = 4.0
	}
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = 100
	}
	e := &Engine{
		cfg:  cfg,
		seen: map[string]struct{}{},
		subs: map[int]func(fresh []feed.Notification){},
	}
	sched, err := pollsync.NewScheduler(pollsync.Config{
		PollFn:           e.poll,
		Interval:         cfg.Interval,
		PollTimeout:      cfg.PollTimeout,
		BackoffStep:      cfg.BackoffStep,
		MaxBackoffFactor: cfg.MaxBackoffFactor,
		OnStatusChange:   cfg.OnStatusChange,
		OnError:          cfg.OnError,
		Logger:           cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	e.sched = sched
	return e, nil
}

// Start loads preferences and then begins polling. When the preferences
// fetch is still outstanding the first poll is queued behind it; on fetch
// failure the engine starts anyway with built-in defaults. Starting a
// started engine is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	loaded := e.prefsLoaded
	e.mu.Unlock()

	if loaded {
		e.sched.Start()
		return
	}
	go func() {
		e.loadPreferences(ctx)
		e.sched.Start()
	}()
}

func (e *Engine) Stop()   { e.sched.Stop() }
func (e *Engine) Pause()  { e.sched.Pause() }
func (e *Engine) Resume() { e.sched.Resume() }

func (e *Engine) Status() pollsync.Status {
	return e.sched.Status()
}

func (e *Engine) ConsecutiveFailures() int {
	return e.sched.ConsecutiveFailures()
}

// Cursor returns the engine's notification watermark in epoch seconds.
func (e *Engine) Cursor() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursor
}

// Subscribe registers a consumer for freshly-arrived notifications. The
// returned cancel function is idempotent.
func (e *Engine) Subscribe(fn func(fresh []feed.Notification)) func() {
	e.subMu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = fn
	e.subMu.Unlock()
	return func() {
		e.subMu.Lock()
		delete(e.subs, id)
		e.subMu.Unlock()
	}
}

// Preferences returns the engine's current preferences snapshot.
func (e *Engine) Preferences() feed.Preferences {
	e.mu.Lock()
	defer e.mu.Unlock()
	return clonePreferences(e.prefs)
}

// UpdatePreferences persists a partial update server-side and swaps in the
// echoed merged result. A poll in flight keeps the snapshot it started with;
// the next poll sees the new preferences.
func (e *Engine) UpdatePreferences(ctx context.Context, patch feed.PreferencesPatch) (feed.Preferences, error) {
	merged, err := e.cfg.Client.UpdatePreferences(ctx, patch)
	if err != nil {
		return feed.Preferences{}, err
	}
	merged = normalizePreferences(merged)
	e.mu.Lock()
	e.prefs = merged
	e.prefsLoaded = true
	e.mu.Unlock()
	return clonePreferences(merged), nil
}

// Unread returns the notifications received this session that are neither
// dismissed nor marked read, newest first.
func (e *Engine) Unread() []feed.Notification {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]feed.Notification(nil), e.unread...)
}

// Dismiss hides a notification from future renders without marking it read
// server-side. The dismissal persists across sessions via the store.
func (e *Engine) Dismiss(id string) error {
	if e.cfg.Dismissals != nil {
		if err := e.cfg.Dismissals.Dismiss(e.cfg.UserID, id); err != nil {
			return err
		}
	}
	e.removeUnread(func(n feed.Notification) bool { return n.ID == id })
	return nil
}

// MarkRead marks notifications read server-side and drops them locally.
func (e *Engine) MarkRead(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := e.cfg.Client.MarkRead(ctx, ids); err != nil {
		return err
	}
	marked := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		marked[id] = struct{}{}
	}
	e.removeUnread(func(n feed.Notification) bool {
		_, ok := marked[n.ID]
		return ok
	})
	return nil
}

// ClearAll clears the server-side feed and the local unread view.
func (e *Engine) ClearAll(ctx context.Context) error {
	if err := e.cfg.Client.ClearAll(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	e.unread = nil
	e.mu.Unlock()
	return nil
}

func (e *Engine) loadPreferences(ctx context.Context) {
	prefs, err := e.cfg.Client.GetPreferences(ctx)
	if err != nil {
		e.logf("preferences load failed, starting with defaults: %v", err)
		prefs = DefaultPreferences()
	}
	e.mu.Lock()
	e.prefs = normalizePreferences(prefs)
	e.prefsLoaded = true
	e.mu.Unlock()
}

func (e *Engine) poll(ctx context.Context) (int, error) {
	e.mu.Lock()
	prefs := e.prefs
	since := e.cursor
	e.mu.Unlock()

	page, err := e.cfg.Client.ListNotifications(ctx, since, e.cfg.FetchLimit)
	if err != nil {
		if errors.Is(err, feed.ErrUnauthorized) {
			e.logf("notification poll unauthorized; stopping engine")
			e.sched.Stop()
		}
		return 0, err
	}

	e.mu.Lock()
	// overlapping incremental windows can replay a notification; the
	// session-local seen set drops replays before dispatch
	unseen := make([]feed.Notification, 0, len(page.Items))
	for _, n := range page.Items {
		if _, dup := e.seen[n.ID]; dup {
			continue
		}
		e.seen[n.ID] = struct{}{}
		unseen = append(unseen, n)
	}
	e.cursor = feed.AdvanceCursor(e.cursor, page)
	e.mu.Unlock()

	fresh := make([]feed.Notification, 0, len(unseen))
	for _, n := range unseen {
		if !typeEnabled(prefs, n.Type) {
			continue
		}
		if e.cfg.Dismissals != nil && e.cfg.Dismissals.IsDismissed(e.cfg.UserID, n.ID) {
			continue
		}
		fresh = append(fresh, n)
	}
	if len(fresh) > 0 {
		e.mu.Lock()
		e.unread = feed.Merge(e.unread, fresh)
		e.mu.Unlock()
		e.dispatch(fresh)
	}
	return len(unseen), nil
}

func (e *Engine) dispatch(fresh []feed.Notification) {
	e.subMu.Lock()
	subs := make([]func([]feed.Notification), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	e.subMu.Unlock()
	for _, fn := range subs {
		fn(append([]feed.Notification(nil), fresh...))
	}
}

func (e *Engine) removeUnread(match func(feed.Notification) bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.unread[:0]
	for _, n := range e.unread {
		if match(n) {
			continue
		}
		kept = append(kept, n)
	}
	e.unread = kept
}

func (e *Engine) logf(format string, args ...any) {
	if e.cfg.Logger == nil {
		return
	}
	e.cfg.Logger.Printf(format, args...)
}

func clonePreferences(prefs feed.Preferences) feed.Preferences {
	prefs.NotificationTypes = append([]string(nil), prefs.NotificationTypes...)
	return prefs
}
