package git

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// CurrentBranch returns the checked-out branch name, or fallback when
// HEAD is detached or cannot be determined.
func CurrentBranch(ctx context.Context, r Runner, dir, fallback string) string {
	out, err := r.Run(ctx, dir, []string{"rev-parse", "--abbrev-ref", "HEAD"}, nil)
	if err != nil || out == "" || out == "HEAD" {
		return fallback
	}
	return out
}

// HasUpstream reports whether the current branch tracks an upstream.
func HasUpstream(ctx context.Context, r Runner, dir string) bool {
	_, err := r.Run(ctx, dir, []string{"rev-parse", "--abbrev-ref", "--symbolic-full-name", "@{u}"}, nil)
	return err == nil
}

// ConfigIfUnset sets a config key only when it has no value yet, to
// avoid needless writes to the repository config.
func ConfigIfUnset(ctx context.Context, r Runner, dir, key, value string) error {
	if out, err := r.Run(ctx, dir, []string{"config", "--get", key}, nil); err == nil && out != "" {
		return nil
	}
	if _, err := r.Run(ctx, dir, []string{"config", key, value}, nil); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// EnsureRemote makes the named remote alias point at url, adding it when
// absent and updating it when it points elsewhere.
func EnsureRemote(ctx context.Context, r Runner, dir, name, url string) error {
	current, err := r.Run(ctx, dir, []string{"remote", "get-url", name}, nil)
	if err != nil {
		if _, err := r.Run(ctx, dir, []string{"remote", "add", name, url}, nil); err != nil {
			return fmt.Errorf("failed to add remote %s: %w", name, err)
		}
		return nil
	}
	if current != url {
		if _, err := r.Run(ctx, dir, []string{"remote", "set-url", name, url}, nil); err != nil {
			return fmt.Errorf("failed to update remote %s: %w", name, err)
		}
	}
	return nil
}

// IsShallow reports whether the repository is a shallow clone.
func IsShallow(ctx context.Context, r Runner, dir string) bool {
	out, err := r.Run(ctx, dir, []string{"rev-parse", "--is-shallow-repository"}, nil)
	return err == nil && out == "true"
}

// StatusDirty reports whether the working tree differs from HEAD
// (staged, unstaged or untracked).
func StatusDirty(ctx context.Context, r Runner, dir string) (bool, error) {
	out, err := r.Run(ctx, dir, []string{"status", "--porcelain"}, nil)
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// FlattenNestedRepos removes version-control metadata directories nested
// below the project root, so an accidentally imported sub-project does
// not carry its own repository into the mirror. The project's own
// metadata directory at the root is left alone.
func FlattenNestedRepos(projectPath string) error {
	var nested []string
	err := filepath.WalkDir(projectPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree, skip
		}
		if !d.IsDir() || d.Name() != ".git" {
			return nil
		}
		if filepath.Dir(path) == projectPath {
			return filepath.SkipDir
		}
		nested = append(nested, path)
		return filepath.SkipDir
	})
	if err != nil {
		return fmt.Errorf("failed to scan %s for nested repositories: %w", projectPath, err)
	}

	for _, dir := range nested {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("failed to remove nested repository %s: %w", dir, err)
		}
	}
	return nil
}
