// Package project maps filesystem paths to sync units.
//
// A project is one top-level directory under a configured root, mirrored
// 1:1 to one remote repository. Projects are discovered fresh on every
// sweep; there is no persisted registry.
package project

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Project is one sync unit: a direct child directory of a configured root.
type Project struct {
	// Path is the absolute project directory.
	Path string

	// Name is the final path segment, used as the remote repository name.
	Name string
}

// New builds a Project from its absolute directory path.
func New(path string) Project {
	return Project{Path: path, Name: filepath.Base(path)}
}

// Discover lists the eligible projects directly under root.
//
// A nonexistent root yields an empty list, not an error. Non-directories
// and hidden (dot-prefixed) entries are filtered out. Enumeration order
// is whatever the filesystem returns; callers must not depend on it.
func Discover(root string) ([]Project, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list root %s: %w", root, err)
	}

	var projects []Project
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		projects = append(projects, New(filepath.Join(root, entry.Name())))
	}
	return projects, nil
}

// Resolve returns the project owning path: the unique top-level directory
// ancestor of path under one of the roots. ok is false when path lies
// outside every root or under a hidden top-level entry.
func Resolve(path string, roots []string) (Project, bool) {
	path = filepath.Clean(path)
	for _, root := range roots {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		top := strings.Split(filepath.ToSlash(rel), "/")[0]
		if top == "" || strings.HasPrefix(top, ".") {
			continue
		}
		return New(filepath.Join(root, top)), true
	}
	return Project{}, false
}
