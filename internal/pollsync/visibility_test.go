package pollsync

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type recordingPauser struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPauser) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, "pause")
}

func (p *recordingPauser) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, "resume")
}

func (p *recordingPauser) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	copy(out, p.events)
	return out
}

func TestBindVisibilityDrivesAllTargets(t *testing.T) {
	src := NewManualVisibility()
	first := &recordingPauser{}
	second := &recordingPauser{}
	unbind := BindVisibility(src, first, second)
	defer unbind()

	src.Set(false)
	src.Set(true)

	for _, target := range []*recordingPauser{first, second} {
		got := target.snapshot()
		if len(got) != 2 || got[0] != "pause" || got[1] != "resume" {
			t.Fatalf("expected [pause resume], got %v", got)
		}
	}
}

func TestBindVisibilityUnbindIsIdempotent(t *testing.T) {
	src := NewManualVisibility()
	target := &recordingPauser{}
	unbind := BindVisibility(src, target)

	src.Set(false)
	unbind()
	unbind()
	src.Set(true)
	src.Set(false)

	got := target.snapshot()
	if len(got) != 1 || got[0] != "pause" {
		t.Fatalf("expected only the pre-unbind pause, got %v", got)
	}
}

func TestManualVisibilityIgnoresRepeatedState(t *testing.T) {
	src := NewManualVisibility()
	if !src.Visible() {
		t.Fatalf("expected initial state visible")
	}
	var calls int
	cancel := src.Subscribe(func(visible bool) { calls++ })
	defer cancel()

	src.Set(true)
	src.Set(false)
	src.Set(false)
	if calls != 1 {
		t.Fatalf("expected one notification for one transition, got %d", calls)
	}
}

func waitForVisible(t *testing.T, src *FileVisibilitySource, want bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if src.Visible() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("presence source never reported visible=%v", want)
}

func TestFileVisibilitySourceFollowsPresenceFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presence")
	src, err := NewFileVisibilitySource(path, nil)
	if err != nil {
		t.Fatalf("new presence source failed: %v", err)
	}
	defer src.Close()

	if !src.Visible() {
		t.Fatalf("missing presence file must count as visible")
	}

	if err := os.WriteFile(path, []byte("hidden"), 0o644); err != nil {
		t.Fatalf("write presence file failed: %v", err)
	}
	waitForVisible(t, src, false)

	if err := os.WriteFile(path, []byte("visible"), 0o644); err != nil {
		t.Fatalf("write presence file failed: %v", err)
	}
	waitForVisible(t, src, true)

	if err := os.WriteFile(path, []byte("HIDDEN\n"), 0o644); err != nil {
		t.Fatalf("write presence file failed: %v", err)
	}
	waitForVisible(t, src, false)

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove presence file failed: %v", err)
	}
	waitForVisible(t, src, true)
}

func TestFileVisibilitySourceCloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presence")
	src, err := NewFileVisibilitySource(path, nil)
	if err != nil {
		t.Fatalf("new presence source failed: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("second close failed: %v", err)
	}
}
