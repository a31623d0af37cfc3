package feed

import (
	"context"
	"reflect"
	"testing"
	"time"
)

// fakeFeed serves scripted pages and records the cursors it was asked for.
type fakeFeed struct {
	pages  []Page[Ticket]
	errs   []error
	calls  int
	since  []int64
	gate   chan struct{}
	notify chan struct{}
}

func (f *fakeFeed) fetch(ctx context.Context, since int64) (Page[Ticket], error) {
	f.calls++
	f.since = append(f.since, since)
	if f.gate != nil {
		if f.notify != nil {
			f.notify <- struct{}{}
		}
		<-f.gate
	}
	idx := f.calls - 1
	if idx < len(f.errs) && f.errs[idx] != nil {
		return Page[Ticket]{}, f.errs[idx]
	}
	if idx >= len(f.pages) {
		return Page[Ticket]{}, nil
	}
	return f.pages[idx], nil
}

func newTicketPoller(t *testing.T, feed *fakeFeed, onUpdate func([]Ticket)) *FeedPoller[Ticket] {
	t.Helper()
	poller, err := NewFeedPoller(PollerConfig[Ticket]{
		Fetch:    feed.fetch,
		Interval: time.Hour,
		OnUpdate: onUpdate,
	})
	if err != nil {
		t.Fatalf("new poller failed: %v", err)
	}
	t.Cleanup(poller.Stop)
	return poller
}

func TestFirstPollIsFullThenIncremental(t *testing.T) {
	feed := &fakeFeed{
		pages: []Page[Ticket]{
			{Items: []Ticket{ticket("A", 10), ticket("B", 5)}},
			{Items: []Ticket{ticket("A", 20), ticket("C", 15)}},
		},
	}
	var updates [][]string
	poller := newTicketPoller(t, feed, func(items []Ticket) {
		updates = append(updates, ticketIDs(items))
	})

	if err := poller.RunOnce(context.Background()); err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}
	if feed.since[0] != 0 {
		t.Fatalf("first fetch must be full (since=0), got %d", feed.since[0])
	}
	if got := poller.Cursor(); got != 10 {
		t.Fatalf("expected cursor 10 after first batch, got %d", got)
	}

	if err := poller.RunOnce(context.Background()); err != nil {
		t.Fatalf("second cycle failed: %v", err)
	}
	if feed.since[1] != 10 {
		t.Fatalf("second fetch must use the applied cursor, got %d", feed.since[1])
	}
	if got := poller.Cursor(); got != 20 {
		t.Fatalf("expected cursor 20 after merge, got %d", got)
	}
	if got := ticketIDs(poller.Items()); !reflect.DeepEqual(got, []string{"A", "C", "B"}) {
		t.Fatalf("expected merged [A C B], got %v", got)
	}
	want := [][]string{{"A", "B"}, {"A", "C", "B"}}
	if !reflect.DeepEqual(updates, want) {
		t.Fatalf("expected updates %v, got %v", want, updates)
	}
}

func TestEmptyIncrementalBatchDoesNotNotify(t *testing.T) {
	feed := &fakeFeed{
		pages: []Page[Ticket]{
			{Items: []Ticket{ticket("A", 10)}},
			{},
		},
	}
	var updates int
	poller := newTicketPoller(t, feed, func(items []Ticket) { updates++ })

	if err := poller.RunOnce(context.Background()); err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}
	if err := poller.RunOnce(context.Background()); err != nil {
		t.Fatalf("second cycle failed: %v", err)
	}
	if updates != 1 {
		t.Fatalf("expected one update (empty batch suppressed), got %d", updates)
	}
	if got := poller.Cursor(); got != 10 {
		t.Fatalf("empty batch must not move the cursor, got %d", got)
	}
}

func TestReloadForcesFullFetchAndDiscardsInFlightBatch(t *testing.T) {
	feed := &fakeFeed{
		pages: []Page[Ticket]{
			{Items: []Ticket{ticket("A", 10)}},
			{Items: []Ticket{ticket("B", 20)}},
			{Items: []Ticket{ticket("C", 30)}},
		},
		gate:   make(chan struct{}),
		notify: make(chan struct{}, 1),
	}
	poller := newTicketPoller(t, feed, nil)

	feed.gate = nil
	if err := poller.RunOnce(context.Background()); err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}

	// Start a cycle, reload while it is in flight, then let it land.
	feed.gate = make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- poller.RunOnce(context.Background()) }()
	<-feed.notify
	poller.Reload()
	close(feed.gate)
	if err := <-done; err != nil {
		t.Fatalf("in-flight cycle failed: %v", err)
	}

	// The stale batch must have been dropped.
	if got := ticketIDs(poller.Items()); !reflect.DeepEqual(got, []string{"A"}) {
		t.Fatalf("expected stale batch discarded, got %v", got)
	}
	if got := poller.Cursor(); got != 0 {
		t.Fatalf("expected cursor cleared by reload, got %d", got)
	}

	feed.gate = nil
	if err := poller.RunOnce(context.Background()); err != nil {
		t.Fatalf("post-reload cycle failed: %v", err)
	}
	if feed.since[2] != 0 {
		t.Fatalf("post-reload fetch must be full, got since=%d", feed.since[2])
	}
	if got := ticketIDs(poller.Items()); !reflect.DeepEqual(got, []string{"C"}) {
		t.Fatalf("expected full replacement [C], got %v", got)
	}
}

func TestUnauthorizedStopsPoller(t *testing.T) {
	feed := &fakeFeed{
		errs: []error{&HTTPError{StatusCode: 401, Message: "expired"}},
	}
	poller := newTicketPoller(t, feed, nil)

	if err := poller.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected unauthorized error")
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if poller.sched.Stopped() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("expected scheduler stopped after unauthorized response")
}

func TestChatMessagePollerMergesTranscript(t *testing.T) {
	pages := []Page[ChatMessage]{
		{Items: []ChatMessage{
			{ID: "m1", TicketID: "t1", Body: "hello", CreatedAt: 10},
			{ID: "m2", TicketID: "t1", Body: "any update?", CreatedAt: 20},
		}},
		{Items: []ChatMessage{
			{ID: "m3", TicketID: "t1", Body: "on it", CreatedAt: 30},
		}},
	}
	calls := 0
	poller, err := NewFeedPoller(PollerConfig[ChatMessage]{
		Fetch: func(ctx context.Context, since int64) (Page[ChatMessage], error) {
			defer func() { calls++ }()
			if calls < len(pages) {
				return pages[calls], nil
			}
			return Page[ChatMessage]{}, nil
		},
		Interval: time.Hour,
	})
	if err != nil {
		t.Fatalf("new poller failed: %v", err)
	}
	defer poller.Stop()

	if err := poller.RunOnce(context.Background()); err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}
	if err := poller.RunOnce(context.Background()); err != nil {
		t.Fatalf("second cycle failed: %v", err)
	}
	items := poller.Items()
	if len(items) != 3 || items[0].ID != "m3" {
		t.Fatalf("expected transcript of 3 newest first, got %v", items)
	}
	if got := poller.Cursor(); got != 30 {
		t.Fatalf("expected cursor 30, got %d", got)
	}
}

func TestItemsReturnsACopy(t *testing.T) {
	feed := &fakeFeed{pages: []Page[Ticket]{{Items: []Ticket{ticket("A", 10)}}}}
	poller := newTicketPoller(t, feed, nil)
	if err := poller.RunOnce(context.Background()); err != nil {
		t.Fatalf("cycle failed: %v", err)
	}
	items := poller.Items()
	items[0].ID = "mutated"
	if got := poller.Items()[0].ID; got != "A" {
		t.Fatalf("expected internal collection untouched, got %q", got)
	}
}
