// Package filetree models the client-visible file map that mirrors the
// sandbox working directory. Paths are posix style and workdir relative.
package filetree

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// EntryKind distinguishes files from folders. A path is never both.
type EntryKind int

const (
	KindFile EntryKind = iota
	KindFolder
)

// Entry is one node of the file map.
type Entry struct {
	Kind           EntryKind
	Content        string
	IsBinary       bool
	Locked         bool
	LockedByFolder bool
}

// Tree is the file map. The zero value is not usable; call New.
type Tree struct {
	entries map[string]Entry
}

func New() *Tree {
	return &Tree{entries: map[string]Entry{}}
}

// Normalize cleans a path into canonical workdir-relative posix form.
func Normalize(p string) (string, error) {
	cleaned := path.Clean(strings.TrimSpace(strings.ReplaceAll(p, "\\", "/")))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("empty path %q", p)
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path %q escapes the working directory", p)
	}
	return cleaned, nil
}

// IsFileLike reports whether a raw entry should be treated as a file: it
// has content, or its last element carries a dotted extension. Zero-length
// extensionless entries are directory placeholders.
func IsFileLike(p, content string) bool {
	if content != "" {
		return true
	}
	base := path.Base(p)
	return strings.Contains(strings.Trim(base, "."), ".")
}

// PutFile inserts or replaces a file entry, synthesizing every missing
// ancestor folder. A folder placeholder at the same path is displaced by
// the file interpretation.
func (t *Tree) PutFile(p string, entry Entry) error {
	cleaned, err := Normalize(p)
	if err != nil {
		return err
	}
	// Validate the whole ancestor chain before touching the map so a
	// conflict leaves the tree unchanged.
	for dir := path.Dir(cleaned); dir != "." && dir != "/"; dir = path.Dir(dir) {
		if existing, ok := t.entries[dir]; ok && existing.Kind == KindFile {
			return fmt.Errorf("path %q already exists as a file", dir)
		}
	}

	if existing, ok := t.entries[cleaned]; ok && existing.Kind == KindFolder {
		delete(t.entries, cleaned)
	}

	entry.Kind = KindFile
	t.entries[cleaned] = entry

	for dir := path.Dir(cleaned); dir != "." && dir != "/"; dir = path.Dir(dir) {
		if _, ok := t.entries[dir]; ok {
			continue
		}
		t.entries[dir] = Entry{Kind: KindFolder}
	}
	return nil
}

// PutFolder inserts a folder entry unless a file already claims the path.
func (t *Tree) PutFolder(p string) error {
	cleaned, err := Normalize(p)
	if err != nil {
		return err
	}
	if existing, ok := t.entries[cleaned]; ok && existing.Kind == KindFile {
		// File interpretation wins; keep it.
		return nil
	}
	t.entries[cleaned] = Entry{Kind: KindFolder}
	return nil
}

// Remove deletes a path. Removing a folder drops its subtree.
func (t *Tree) Remove(p string) {
	cleaned, err := Normalize(p)
	if err != nil {
		return
	}
	entry, ok := t.entries[cleaned]
	if !ok {
		return
	}
	delete(t.entries, cleaned)
	if entry.Kind == KindFolder {
		prefix := cleaned + "/"
		for existing := range t.entries {
			if strings.HasPrefix(existing, prefix) {
				delete(t.entries, existing)
			}
		}
	}
}

// Get returns the entry at a path.
func (t *Tree) Get(p string) (Entry, bool) {
	cleaned, err := Normalize(p)
	if err != nil {
		return Entry{}, false
	}
	entry, ok := t.entries[cleaned]
	return entry, ok
}

// Len reports the total entry count, folders included.
func (t *Tree) Len() int { return len(t.entries) }

// FilePaths returns every file path in sorted order.
func (t *Tree) FilePaths() []string {
	out := make([]string, 0, len(t.entries))
	for p, entry := range t.entries {
		if entry.Kind == KindFile {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Walk visits every entry in sorted path order.
func (t *Tree) Walk(fn func(path string, entry Entry)) {
	paths := make([]string, 0, len(t.entries))
	for p := range t.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		fn(p, t.entries[p])
	}
}
