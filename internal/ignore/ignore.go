// Package ignore decides which filesystem paths participate in syncing.
//
// Three layers feed the decision: the version-control metadata directory
// (always excluded), a flat pattern list (built-in or loaded from an
// external YAML file), and per-project .gitignore matchers compiled on
// demand. The resolver is safe for concurrent use; project matchers can
// be reloaded at runtime without a restart.
package ignore

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	gitignore "github.com/sabhiram/go-gitignore"
	"gopkg.in/yaml.v3"
)

// MetadataDir is the version-control metadata directory, excluded from
// syncing regardless of any user configuration.
const MetadataDir = ".git"

// builtinPatterns is the fallback pattern list, used when no external
// pattern file is configured or the configured one cannot be read.
var builtinPatterns = []string{
	"node_modules/",
	"__pycache__/",
	".DS_Store",
	".idea/",
	"*.swp",
	"*.swo",
	"*~",
	"*.tmp",
}

// patternFile is the on-disk shape of the external pattern source.
type patternFile struct {
	Patterns []string `yaml:"patterns"`
}

// Resolver merges built-in/external patterns with per-project exclusion
// matchers into a single ShouldIgnore predicate.
type Resolver struct {
	mu       sync.RWMutex
	patterns []string
	projects map[string]*gitignore.GitIgnore // project path -> compiled matcher
}

// NewResolver returns a Resolver carrying the built-in pattern list.
func NewResolver() *Resolver {
	return &Resolver{
		patterns: builtinPatterns,
		projects: make(map[string]*gitignore.GitIgnore),
	}
}

// BuiltinPatterns returns a copy of the built-in pattern list.
func BuiltinPatterns() []string {
	return append([]string(nil), builtinPatterns...)
}

// LoadPatterns replaces the pattern list with the `patterns:` entries of
// the YAML file at path. A missing or malformed file falls back to the
// built-in list with a warning; it never fails startup.
func (r *Resolver) LoadPatterns(path string) {
	patterns, err := readPatternFile(path)
	if err != nil {
		log.Warn().Err(err).Str("file", path).Msg("Falling back to built-in ignore patterns")
		patterns = builtinPatterns
	}

	r.mu.Lock()
	r.patterns = patterns
	r.mu.Unlock()
}

func readPatternFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pattern file: %w", err)
	}

	var pf patternFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse pattern file: %w", err)
	}
	if len(pf.Patterns) == 0 {
		return nil, fmt.Errorf("pattern file has no patterns")
	}
	return pf.Patterns, nil
}

// Patterns returns the active pattern list.
func (r *Resolver) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.patterns...)
}

// ReloadProject compiles (or recompiles) the exclusion matcher from the
// project's own .gitignore. A project without one simply has no matcher.
func (r *Resolver) ReloadProject(projectPath string) {
	matcher, err := gitignore.CompileIgnoreFile(filepath.Join(projectPath, ".gitignore"))

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		delete(r.projects, projectPath)
		return
	}
	r.projects[projectPath] = matcher
}

// ForgetProject drops a project's compiled matcher.
func (r *Resolver) ForgetProject(projectPath string) {
	r.mu.Lock()
	delete(r.projects, projectPath)
	r.mu.Unlock()
}

// ShouldIgnore reports whether absPath is excluded from syncing.
//
// Resolution order: version-control metadata segment, then the flat
// pattern list (exact names, trailing-slash directory patterns, glob
// wildcards, each applied per path segment), then the owning project's
// compiled exclusion matcher on the project-relative path.
func (r *Resolver) ShouldIgnore(absPath string) bool {
	segments := strings.Split(filepath.ToSlash(absPath), "/")
	for _, seg := range segments {
		if seg == MetadataDir {
			return true
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, pattern := range r.patterns {
		if matchesPattern(pattern, segments) {
			return true
		}
	}

	for projectPath, matcher := range r.projects {
		rel, err := filepath.Rel(projectPath, absPath)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		if matcher.MatchesPath(filepath.ToSlash(rel)) {
			return true
		}
	}

	return false
}

// matchesPattern applies one pattern to every segment of a path.
// "name/" is a directory pattern and matches a segment by name (events
// arrive for both files and directories, so segment identity is what
// counts); patterns with wildcards are globs; anything else is an exact
// name match.
func matchesPattern(pattern string, segments []string) bool {
	pattern = strings.TrimSuffix(pattern, "/")
	if pattern == "" {
		return false
	}

	for _, seg := range segments {
		if strings.ContainsAny(pattern, "*?[") {
			if ok, err := path.Match(pattern, seg); err == nil && ok {
				return true
			}
			continue
		}
		if seg == pattern {
			return true
		}
	}
	return false
}
