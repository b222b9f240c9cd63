package git

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestCommandErrorMessage(t *testing.T) {
	err := &CommandError{
		Args:   []string{"push", "origin", "main"},
		Output: "fatal: could not read from remote",
		Err:    errors.New("exit status 128"),
	}

	msg := err.Error()
	if !strings.Contains(msg, "git push origin main failed") {
		t.Errorf("message missing command: %s", msg)
	}
	if !strings.Contains(msg, "could not read from remote") {
		t.Errorf("message missing output: %s", msg)
	}
}

func TestCommandErrorUnwrap(t *testing.T) {
	inner := errors.New("exit status 1")
	err := &CommandError{Args: []string{"status"}, Err: inner}

	if !errors.Is(err, inner) {
		t.Error("Unwrap should expose the underlying error")
	}
}

func TestWriteAskPass(t *testing.T) {
	dir := t.TempDir()

	path, err := WriteAskPass(dir, "mirror", "s3cret")
	if err != nil {
		t.Fatalf("WriteAskPass() failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("helper not written: %v", err)
	}
	if runtime.GOOS != "windows" && info.Mode().Perm() != 0o700 {
		t.Errorf("helper permissions = %o, want 700", info.Mode().Perm())
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read helper: %v", err)
	}
	script := string(content)
	if !strings.Contains(script, `"mirror"`) {
		t.Errorf("helper missing username: %s", script)
	}
	if !strings.Contains(script, `"s3cret"`) {
		t.Errorf("helper missing secret: %s", script)
	}
	if !strings.Contains(script, "Username*") {
		t.Errorf("helper missing username prompt case: %s", script)
	}
}

func TestNetworkEnv(t *testing.T) {
	env := NetworkEnv("/tmp/askpass.sh")

	want := []string{"GIT_ASKPASS=/tmp/askpass.sh", "GIT_TERMINAL_PROMPT=0"}
	if len(env) != len(want) {
		t.Fatalf("NetworkEnv() = %v, want %v", env, want)
	}
	for i := range want {
		if env[i] != want[i] {
			t.Errorf("NetworkEnv()[%d] = %s, want %s", i, env[i], want[i])
		}
	}
}

func TestFlattenNestedRepos(t *testing.T) {
	proj := t.TempDir()

	mkdir := func(parts ...string) string {
		path := filepath.Join(append([]string{proj}, parts...)...)
		if err := os.MkdirAll(path, 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", path, err)
		}
		return path
	}

	own := mkdir(".git")
	nested := mkdir("vendor", "lib", ".git")
	deep := mkdir("a", "b", "c", ".git")
	kept := mkdir("src")

	if err := FlattenNestedRepos(proj); err != nil {
		t.Fatalf("FlattenNestedRepos() failed: %v", err)
	}

	if _, err := os.Stat(own); err != nil {
		t.Error("project's own .git should be kept")
	}
	if _, err := os.Stat(nested); !os.IsNotExist(err) {
		t.Error("nested .git should be removed")
	}
	if _, err := os.Stat(deep); !os.IsNotExist(err) {
		t.Error("deeply nested .git should be removed")
	}
	if _, err := os.Stat(kept); err != nil {
		t.Error("ordinary directories should be untouched")
	}
}

func TestFlattenNestedReposNoRepos(t *testing.T) {
	proj := t.TempDir()
	if err := os.MkdirAll(filepath.Join(proj, "src", "pkg"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := FlattenNestedRepos(proj); err != nil {
		t.Fatalf("FlattenNestedRepos() failed: %v", err)
	}
}
