package git

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// fakeRunner scripts responses by argv prefix and records every call.
type fakeRunner struct {
	calls     [][]string
	responses map[string]fakeResponse // key: space-joined argv prefix
}

type fakeResponse struct {
	out string
	err error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{responses: make(map[string]fakeResponse)}
}

func (f *fakeRunner) respond(prefix, out string, err error) {
	f.responses[prefix] = fakeResponse{out: out, err: err}
}

func (f *fakeRunner) Run(_ context.Context, _ string, args []string, _ []string) (string, error) {
	f.calls = append(f.calls, args)

	joined := strings.Join(args, " ")
	var best string
	for prefix := range f.responses {
		if strings.HasPrefix(joined, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return "", nil
	}
	r := f.responses[best]
	return r.out, r.err
}

func (f *fakeRunner) called(prefix string) bool {
	for _, args := range f.calls {
		if strings.HasPrefix(strings.Join(args, " "), prefix) {
			return true
		}
	}
	return false
}

func TestCurrentBranch(t *testing.T) {
	ctx := context.Background()

	r := newFakeRunner()
	r.respond("rev-parse --abbrev-ref HEAD", "feature", nil)
	if got := CurrentBranch(ctx, r, "/p", "main"); got != "feature" {
		t.Errorf("CurrentBranch() = %s, want feature", got)
	}
}

func TestCurrentBranchDetachedFallsBack(t *testing.T) {
	ctx := context.Background()

	r := newFakeRunner()
	r.respond("rev-parse --abbrev-ref HEAD", "HEAD", nil)
	if got := CurrentBranch(ctx, r, "/p", "main"); got != "main" {
		t.Errorf("CurrentBranch() = %s, want main", got)
	}

	r = newFakeRunner()
	r.respond("rev-parse --abbrev-ref HEAD", "", errors.New("exit status 128"))
	if got := CurrentBranch(ctx, r, "/p", "main"); got != "main" {
		t.Errorf("CurrentBranch() on error = %s, want main", got)
	}
}

func TestHasUpstream(t *testing.T) {
	ctx := context.Background()

	r := newFakeRunner()
	if !HasUpstream(ctx, r, "/p") {
		t.Error("HasUpstream() should be true when rev-parse succeeds")
	}

	r = newFakeRunner()
	r.respond("rev-parse --abbrev-ref --symbolic-full-name @{u}", "", errors.New("no upstream"))
	if HasUpstream(ctx, r, "/p") {
		t.Error("HasUpstream() should be false when rev-parse fails")
	}
}

func TestConfigIfUnsetSkipsExisting(t *testing.T) {
	ctx := context.Background()

	r := newFakeRunner()
	r.respond("config --get user.name", "Already Set", nil)
	if err := ConfigIfUnset(ctx, r, "/p", "user.name", "mirrorkeep"); err != nil {
		t.Fatalf("ConfigIfUnset() failed: %v", err)
	}
	if r.called("config user.name") {
		t.Error("should not overwrite an existing setting")
	}
}

func TestConfigIfUnsetSetsMissing(t *testing.T) {
	ctx := context.Background()

	r := newFakeRunner()
	r.respond("config --get user.name", "", errors.New("exit status 1"))
	if err := ConfigIfUnset(ctx, r, "/p", "user.name", "mirrorkeep"); err != nil {
		t.Fatalf("ConfigIfUnset() failed: %v", err)
	}
	if !r.called("config user.name mirrorkeep") {
		t.Error("missing setting should be written")
	}
}

func TestEnsureRemoteAdds(t *testing.T) {
	ctx := context.Background()

	r := newFakeRunner()
	r.respond("remote get-url origin", "", errors.New("no such remote"))
	if err := EnsureRemote(ctx, r, "/p", "origin", "https://git.example.com/m/demo.git"); err != nil {
		t.Fatalf("EnsureRemote() failed: %v", err)
	}
	if !r.called("remote add origin https://git.example.com/m/demo.git") {
		t.Error("missing remote should be added")
	}
}

func TestEnsureRemoteUpdatesStale(t *testing.T) {
	ctx := context.Background()

	r := newFakeRunner()
	r.respond("remote get-url origin", "https://old.example.com/m/demo.git", nil)
	if err := EnsureRemote(ctx, r, "/p", "origin", "https://git.example.com/m/demo.git"); err != nil {
		t.Fatalf("EnsureRemote() failed: %v", err)
	}
	if !r.called("remote set-url origin https://git.example.com/m/demo.git") {
		t.Error("stale remote should be updated")
	}
}

func TestEnsureRemoteKeepsCurrent(t *testing.T) {
	ctx := context.Background()

	r := newFakeRunner()
	r.respond("remote get-url origin", "https://git.example.com/m/demo.git", nil)
	if err := EnsureRemote(ctx, r, "/p", "origin", "https://git.example.com/m/demo.git"); err != nil {
		t.Fatalf("EnsureRemote() failed: %v", err)
	}
	if r.called("remote set-url") || r.called("remote add") {
		t.Error("matching remote should be left alone")
	}
}

func TestIsShallow(t *testing.T) {
	ctx := context.Background()

	r := newFakeRunner()
	r.respond("rev-parse --is-shallow-repository", "true", nil)
	if !IsShallow(ctx, r, "/p") {
		t.Error("IsShallow() should be true")
	}

	r = newFakeRunner()
	r.respond("rev-parse --is-shallow-repository", "false", nil)
	if IsShallow(ctx, r, "/p") {
		t.Error("IsShallow() should be false")
	}
}

func TestStatusDirty(t *testing.T) {
	ctx := context.Background()

	r := newFakeRunner()
	r.respond("status --porcelain", " M main.go\n?? new.txt", nil)
	dirty, err := StatusDirty(ctx, r, "/p")
	if err != nil {
		t.Fatalf("StatusDirty() failed: %v", err)
	}
	if !dirty {
		t.Error("StatusDirty() should report changes")
	}

	r = newFakeRunner()
	dirty, err = StatusDirty(ctx, r, "/p")
	if err != nil {
		t.Fatalf("StatusDirty() failed: %v", err)
	}
	if dirty {
		t.Error("StatusDirty() should be clean on empty output")
	}
}
