// Package syncer implements the per-project synchronization pipeline.
//
// A full sync walks the whole pipeline: ensure the remote repository,
// ensure and configure the local one, stage everything, commit when the
// tree changed, publish, and optionally run history maintenance. A quick
// sync is the low-latency variant for a single changed path, committing
// and pushing ahead of the debounced full pass.
//
// Every error is wrapped with the project name; callers log it and move
// on to the next project. One project's failure never blocks others.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mirrorkeep/mirrorkeep/internal/config"
	"github.com/mirrorkeep/mirrorkeep/internal/git"
	"github.com/mirrorkeep/mirrorkeep/internal/ignore"
	"github.com/mirrorkeep/mirrorkeep/internal/project"
)

// commitPrefix starts every commit message; the rest is an RFC3339 UTC
// timestamp, so messages sort chronologically.
const commitPrefix = "mirrorkeep sync"

// postBufferBytes raises git's HTTP buffer for large pushes (500 MB).
const postBufferBytes = "524288000"

// RemoteEnsurer idempotently guarantees the hosted repository exists.
// Implemented by remote.Client.
type RemoteEnsurer interface {
	Ensure(ctx context.Context, name string) error
}

// Syncer runs the sync pipeline for projects.
type Syncer struct {
	cfg      *config.Config
	runner   git.Runner
	remote   RemoteEnsurer
	resolver *ignore.Resolver
	askpass  string
}

// New wires a Syncer. askpass is the credential helper script path used
// for network operations.
func New(cfg *config.Config, runner git.Runner, remote RemoteEnsurer, resolver *ignore.Resolver, askpass string) *Syncer {
	return &Syncer{
		cfg:      cfg,
		runner:   runner,
		remote:   remote,
		resolver: resolver,
		askpass:  askpass,
	}
}

// FullSync reconciles the project's entire working tree with its remote
// repository.
func (s *Syncer) FullSync(ctx context.Context, p project.Project) error {
	if err := s.remote.Ensure(ctx, p.Name); err != nil {
		return fmt.Errorf("project %s: %w", p.Name, err)
	}

	fresh, err := s.ensureLocalRepo(ctx, p)
	if err != nil {
		return fmt.Errorf("project %s: %w", p.Name, err)
	}
	if fresh {
		if err := s.seedExclusionFile(p); err != nil {
			return fmt.Errorf("project %s: %w", p.Name, err)
		}
		s.resolver.ReloadProject(p.Path)
	}

	if err := git.FlattenNestedRepos(p.Path); err != nil {
		return fmt.Errorf("project %s: %w", p.Name, err)
	}

	if err := s.ensureRepoConfig(ctx, p); err != nil {
		return fmt.Errorf("project %s: %w", p.Name, err)
	}

	if err := git.EnsureRemote(ctx, s.runner, p.Path, "origin", s.cloneURL(p)); err != nil {
		return fmt.Errorf("project %s: %w", p.Name, err)
	}

	s.ensureFullHistory(ctx, p)

	if _, err := s.runner.Run(ctx, p.Path, []string{"add", "-A"}, nil); err != nil {
		return fmt.Errorf("project %s: %w", p.Name, err)
	}

	if err := s.commitIfChanged(ctx, p); err != nil {
		return fmt.Errorf("project %s: %w", p.Name, err)
	}

	if err := s.publish(ctx, p); err != nil {
		return fmt.Errorf("project %s: %w", p.Name, err)
	}

	if s.cfg.PruneDays > 0 {
		s.maintain(ctx, p)
	}

	log.Info().Str("project", p.Name).Msg("Full sync complete")
	return nil
}

// QuickSync stages (or removes) the single changed path, commits when
// the stage produced a diff, and pushes. No maintenance. A project whose
// repository has not been initialized yet is left to the debounced full
// sync.
func (s *Syncer) QuickSync(ctx context.Context, p project.Project, absPath string) error {
	if _, err := os.Stat(filepath.Join(p.Path, ignore.MetadataDir)); err != nil {
		log.Debug().Str("project", p.Name).Msg("Repository not initialized yet, deferring to full sync")
		return nil
	}

	rel, err := filepath.Rel(p.Path, absPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("project %s: path %s is outside the project", p.Name, absPath)
	}

	if _, err := os.Stat(absPath); err != nil {
		if _, err := s.runner.Run(ctx, p.Path, []string{"rm", "-r", "--ignore-unmatch", "--", rel}, nil); err != nil {
			return fmt.Errorf("project %s: %w", p.Name, err)
		}
	} else {
		if _, err := s.runner.Run(ctx, p.Path, []string{"add", "--", rel}, nil); err != nil {
			return fmt.Errorf("project %s: %w", p.Name, err)
		}
	}

	staged, err := s.hasStagedChanges(ctx, p)
	if err != nil {
		return fmt.Errorf("project %s: %w", p.Name, err)
	}
	if staged {
		if err := s.commit(ctx, p); err != nil {
			return fmt.Errorf("project %s: %w", p.Name, err)
		}
	}

	if err := s.publish(ctx, p); err != nil {
		return fmt.Errorf("project %s: %w", p.Name, err)
	}

	log.Info().Str("project", p.Name).Str("path", rel).Msg("Quick sync complete")
	return nil
}

// ensureLocalRepo initializes version control on the default branch when
// the metadata directory is missing. Reports whether it did.
func (s *Syncer) ensureLocalRepo(ctx context.Context, p project.Project) (bool, error) {
	if _, err := os.Stat(filepath.Join(p.Path, ignore.MetadataDir)); err == nil {
		return false, nil
	}
	if _, err := s.runner.Run(ctx, p.Path, []string{"init", "-b", s.cfg.DefaultBranch}, nil); err != nil {
		return false, err
	}
	log.Info().Str("project", p.Name).Msg("Initialized repository")
	return true, nil
}

// seedExclusionFile writes the resolved pattern set as the project's
// exclusion file, unless the project already has one.
func (s *Syncer) seedExclusionFile(p project.Project) error {
	path := filepath.Join(p.Path, ".gitignore")
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	content := strings.Join(s.resolver.Patterns(), "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to seed exclusion file: %w", err)
	}
	return nil
}

// ensureRepoConfig applies identity and transport tuning, each setting
// only when unset.
func (s *Syncer) ensureRepoConfig(ctx context.Context, p project.Project) error {
	settings := [][2]string{
		{"user.name", s.cfg.AuthorName},
		{"user.email", s.cfg.AuthorEmail},
		{"commit.gpgsign", "false"},
		{"http.postBuffer", postBufferBytes},
	}
	for _, kv := range settings {
		if err := git.ConfigIfUnset(ctx, s.runner, p.Path, kv[0], kv[1]); err != nil {
			return err
		}
	}
	return nil
}

// ensureFullHistory deepens a shallow clone. Failure is a warning, not
// fatal; the sync continues with the shallow history.
func (s *Syncer) ensureFullHistory(ctx context.Context, p project.Project) {
	if !git.IsShallow(ctx, s.runner, p.Path) {
		return
	}
	if _, err := s.runner.Run(ctx, p.Path, []string{"fetch", "--unshallow", "origin"}, git.NetworkEnv(s.askpass)); err != nil {
		log.Warn().Err(err).Str("project", p.Name).Msg("Could not deepen shallow clone, continuing")
	}
}

// commitIfChanged commits the staged tree when it differs from HEAD.
func (s *Syncer) commitIfChanged(ctx context.Context, p project.Project) error {
	dirty, err := git.StatusDirty(ctx, s.runner, p.Path)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}
	return s.commit(ctx, p)
}

// commit records the staged tree with a timestamped message. A commit
// that reports "nothing to commit" is success.
func (s *Syncer) commit(ctx context.Context, p project.Project) error {
	message := fmt.Sprintf("%s %s", commitPrefix, time.Now().UTC().Format(time.RFC3339))
	if _, err := s.runner.Run(ctx, p.Path, []string{"commit", "-m", message}, nil); err != nil {
		var cmdErr *git.CommandError
		if errors.As(err, &cmdErr) && strings.Contains(cmdErr.Output, "nothing to commit") {
			return nil
		}
		return err
	}
	log.Info().Str("project", p.Name).Str("message", message).Msg("Committed changes")
	return nil
}

// hasStagedChanges parses `status --porcelain` for entries staged in the
// index (first status column set).
func (s *Syncer) hasStagedChanges(ctx context.Context, p project.Project) (bool, error) {
	out, err := s.runner.Run(ctx, p.Path, []string{"status", "--porcelain"}, nil)
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(out, "\n") {
		if len(line) >= 2 && line[0] != ' ' && line[0] != '?' {
			return true, nil
		}
	}
	return false, nil
}

// maintain expires reflog entries and garbage-collects history older
// than the configured prune age. Runs only after a successful full-sync
// publish; failures are warnings.
func (s *Syncer) maintain(ctx context.Context, p project.Project) {
	age := fmt.Sprintf("%d.days.ago", s.cfg.PruneDays)
	if _, err := s.runner.Run(ctx, p.Path, []string{"reflog", "expire", "--expire=" + age, "--all"}, nil); err != nil {
		log.Warn().Err(err).Str("project", p.Name).Msg("Reflog expire failed")
		return
	}
	if _, err := s.runner.Run(ctx, p.Path, []string{"gc", "--prune=" + age}, nil); err != nil {
		log.Warn().Err(err).Str("project", p.Name).Msg("Garbage collection failed")
	}
}

func (s *Syncer) cloneURL(p project.Project) string {
	return fmt.Sprintf("%s/%s/%s.git", s.cfg.RemoteBase, s.cfg.Owner, p.Name)
}
