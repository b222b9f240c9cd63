package syncer

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/mirrorkeep/mirrorkeep/internal/config"
	"github.com/mirrorkeep/mirrorkeep/internal/git"
	"github.com/mirrorkeep/mirrorkeep/internal/project"
)

// rejectionMarkers identify a push refused because the remote branch is
// ahead of the local one.
var rejectionMarkers = []string{
	"non-fast-forward",
	"fetch first",
	"[rejected]",
	"remote contains work that you do",
}

// publish pushes the current branch, resolving a remote-ahead rejection
// according to the configured policy.
//
// Policy "rebase": fetch, rebase local commits onto the remote branch,
// retry the push, and only then fall back to a force push. Policy
// "force": the local tree is authoritative; force-push immediately.
// Either way the force push overwrites remote history — deliberately
// lossy for the remote side.
func (s *Syncer) publish(ctx context.Context, p project.Project) error {
	branch := git.CurrentBranch(ctx, s.runner, p.Path, s.cfg.DefaultBranch)
	setUpstream := !git.HasUpstream(ctx, s.runner, p.Path)

	err := s.push(ctx, p, branch, setUpstream, false)
	if err == nil {
		return nil
	}
	if !isRemoteAhead(err) {
		return err
	}

	if s.cfg.PushPolicy == config.PolicyForce {
		log.Warn().Str("project", p.Name).Msg("Push rejected, force-pushing (local tree is authoritative)")
		return s.push(ctx, p, branch, setUpstream, true)
	}

	log.Info().Str("project", p.Name).Msg("Push rejected, remote is ahead: fetching and rebasing")
	if _, err := s.runner.Run(ctx, p.Path, []string{"fetch", "origin"}, git.NetworkEnv(s.askpass)); err != nil {
		return err
	}
	if _, err := s.runner.Run(ctx, p.Path, []string{"pull", "--rebase", "origin", branch}, git.NetworkEnv(s.askpass)); err != nil {
		log.Warn().Err(err).Str("project", p.Name).Msg("Rebase failed, force-pushing local state")
		return s.push(ctx, p, branch, setUpstream, true)
	}

	if err := s.push(ctx, p, branch, setUpstream, false); err != nil {
		log.Warn().Err(err).Str("project", p.Name).Msg("Push still rejected after rebase, force-pushing local state")
		return s.push(ctx, p, branch, setUpstream, true)
	}
	return nil
}

func (s *Syncer) push(ctx context.Context, p project.Project, branch string, setUpstream, force bool) error {
	args := []string{"push"}
	if force {
		args = append(args, "--force")
	}
	if setUpstream {
		args = append(args, "-u")
	}
	args = append(args, "origin", branch)

	_, err := s.runner.Run(ctx, p.Path, args, git.NetworkEnv(s.askpass))
	return err
}

// isRemoteAhead reports whether a push failure indicates a
// non-fast-forward rejection rather than some other error.
func isRemoteAhead(err error) bool {
	var cmdErr *git.CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	for _, marker := range rejectionMarkers {
		if strings.Contains(cmdErr.Output, marker) {
			return true
		}
	}
	return false
}
