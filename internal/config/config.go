// Package config loads and validates mirrorkeep's runtime configuration.
//
// Configuration comes from environment variables with the MIRRORKEEP_
// prefix (MIRRORKEEP_TOKEN, MIRRORKEEP_REMOTE_BASE, ...), optionally
// layered over a config file. All defaults are explicit and the result
// is a fully validated struct; nothing downstream reads the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Push conflict policies. See Config.PushPolicy.
const (
	// PolicyRebase fetches and rebases onto the remote branch before
	// retrying a rejected push, force-pushing only as a last resort.
	PolicyRebase = "rebase"

	// PolicyForce treats the local tree as authoritative and answers
	// any non-fast-forward rejection with an immediate force push.
	// Lossy for the remote side.
	PolicyForce = "force"
)

// Config is the validated runtime configuration.
type Config struct {
	// RemoteBase is the base URL of the hosting service, used to build
	// clone URLs ({RemoteBase}/{Owner}/{name}.git). Required.
	RemoteBase string

	// APIBase is the base URL of the hosting service's REST API.
	// Defaults to RemoteBase + "/api/v1".
	APIBase string

	// Token authenticates both API requests and git network operations.
	// Required.
	Token string

	// Owner is the account under which repositories are created. Required.
	Owner string

	// AuthorName and AuthorEmail are applied as the committer identity
	// in repositories that have none configured.
	AuthorName  string
	AuthorEmail string

	// DefaultBranch is used for freshly initialized repositories and as
	// the fallback when the current branch cannot be determined.
	DefaultBranch string

	// Roots are the directories whose immediate children are sync
	// projects. The primary root comes first; duplicates are collapsed.
	Roots []string

	// Debounce is the quiet period after the last filesystem event
	// before pending projects are drained through a full sync.
	Debounce time.Duration

	// ResyncInterval triggers a periodic full discovery sweep when
	// nonzero.
	ResyncInterval time.Duration

	// PruneDays enables reflog expiry and garbage collection after a
	// successful full-sync publish when nonzero.
	PruneDays int

	// QuickSync enables the low-latency single-path commit ahead of the
	// debounced reconciliation.
	QuickSync bool

	// PushPolicy selects the conflict-resolution policy: PolicyRebase
	// or PolicyForce.
	PushPolicy string

	// SyncOnIgnoreChange additionally schedules a full sync when a
	// project's own exclusion file changes (the reload itself always
	// happens).
	SyncOnIgnoreChange bool

	// PatternFile is an optional YAML file with a `patterns:` list that
	// replaces the built-in ignore patterns.
	PatternFile string

	// LogFile, when set, mirrors log output into a rotating file.
	LogFile string
}

// Load reads configuration from the environment (and cfgFile, when not
// empty) and returns a validated Config. Missing required fields return
// an error naming the variable to set.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MIRRORKEEP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("author_name", "mirrorkeep")
	v.SetDefault("author_email", "mirrorkeep@localhost")
	v.SetDefault("default_branch", "main")
	v.SetDefault("root", "~/mirror")
	v.SetDefault("extra_roots", "")
	v.SetDefault("debounce", "2s")
	v.SetDefault("resync_interval", "0")
	v.SetDefault("prune_days", 0)
	v.SetDefault("quick_sync", true)
	v.SetDefault("push_policy", PolicyRebase)
	v.SetDefault("sync_on_ignore_change", false)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", cfgFile, err)
		}
	}

	cfg := &Config{
		RemoteBase:         strings.TrimRight(v.GetString("remote_base"), "/"),
		APIBase:            strings.TrimRight(v.GetString("api_base"), "/"),
		Token:              v.GetString("token"),
		Owner:              v.GetString("owner"),
		AuthorName:         v.GetString("author_name"),
		AuthorEmail:        v.GetString("author_email"),
		DefaultBranch:      v.GetString("default_branch"),
		Debounce:           v.GetDuration("debounce"),
		ResyncInterval:     v.GetDuration("resync_interval"),
		PruneDays:          v.GetInt("prune_days"),
		QuickSync:          v.GetBool("quick_sync"),
		PushPolicy:         v.GetString("push_policy"),
		SyncOnIgnoreChange: v.GetBool("sync_on_ignore_change"),
		PatternFile:        v.GetString("pattern_file"),
		LogFile:            v.GetString("log_file"),
	}

	if cfg.RemoteBase == "" {
		return nil, fmt.Errorf("remote base URL is not configured: set MIRRORKEEP_REMOTE_BASE (e.g. https://git.example.com)")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("access token is not configured: set MIRRORKEEP_TOKEN")
	}
	if cfg.Owner == "" {
		return nil, fmt.Errorf("repository owner is not configured: set MIRRORKEEP_OWNER")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = cfg.RemoteBase + "/api/v1"
	}
	if cfg.PushPolicy != PolicyRebase && cfg.PushPolicy != PolicyForce {
		return nil, fmt.Errorf("invalid push policy %q: must be %q or %q", cfg.PushPolicy, PolicyRebase, PolicyForce)
	}

	roots, err := resolveRoots(v.GetString("root"), v.GetString("extra_roots"))
	if err != nil {
		return nil, err
	}
	cfg.Roots = roots

	return cfg, nil
}

// resolveRoots expands, absolutizes and deduplicates the primary root
// plus the colon-separated extra roots, preserving order.
func resolveRoots(primary, extra string) ([]string, error) {
	raw := []string{primary}
	for _, r := range strings.Split(extra, ":") {
		if r != "" {
			raw = append(raw, r)
		}
	}

	seen := make(map[string]bool)
	var roots []string
	for _, r := range raw {
		expanded, err := expandHome(r)
		if err != nil {
			return nil, err
		}
		abs, err := filepath.Abs(expanded)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve root %s: %w", r, err)
		}
		if !seen[abs] {
			seen[abs] = true
			roots = append(roots, abs)
		}
	}
	return roots, nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to expand %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
