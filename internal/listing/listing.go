// Package listing implements the directory-walk and delete operations:
// list, list_buckets, delete. Sidecar files are always filtered out by
// extension; the reserved _tempfiles/_tempdirs subtrees never appear
// in listings.
package listing

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/sharded4/s4/internal/key"
	"github.com/sharded4/s4/internal/store"
)

const sidecarExt = ".xxh3"

// Entry is one listing row: (date, time-without-subseconds,
// size-or-"PRE", relative-path).
type Entry struct {
	Date string `json:"date"`
	Time string `json:"time"`
	Size string `json:"size"`
	Path string `json:"path"`
}

// MarshalTuple renders an Entry as the [date,time,size,path] array the
// HTTP surface serializes.
func (e Entry) MarshalTuple() [4]string {
	return [4]string{e.Date, e.Time, e.Size, e.Path}
}

// Lister implements list/list_buckets/delete against one node's store.
type Lister struct {
	store *store.Store
}

// New builds a Lister over a store.
func New(s *store.Store) *Lister {
	return &Lister{store: s}
}

func isReservedPath(relFromRoot string) bool {
	first := strings.SplitN(relFromRoot, string(filepath.Separator), 2)[0]
	return key.IsReservedBucket(first)
}

func fileEntry(root, path string, info os.FileInfo) Entry {
	rel, _ := filepath.Rel(root, path)
	rel = filepath.ToSlash(rel)
	return Entry{
		Date: info.ModTime().UTC().Format("2006-01-02"),
		Time: info.ModTime().UTC().Format("15:04:05"),
		Size: strconv.FormatInt(info.Size(), 10),
		Path: rel,
	}
}

func dirEntry(root, path string) Entry {
	rel, _ := filepath.Rel(root, path)
	rel = filepath.ToSlash(rel)
	return Entry{Size: "PRE", Path: rel + "/"}
}

// List walks the filesystem under a prefix key. Non-recursive listings
// yield files at exactly one depth plus directories at that depth
// (tagged PRE); recursive listings yield every file under the prefix at
// any depth. Sidecar files never appear.
func (l *Lister) List(prefixKey string, recursive bool) ([]Entry, error) {
	base := l.store.DataPath(prefixKey)

	info, err := os.Stat(base)
	dirBase := base
	if err != nil || !info.IsDir() {
		// prefix names a partial path (e.g. "dir/f" meant as a glob
		// prefix, not a directory) — list against its parent and
		// filter by the basename prefix.
		dirBase = filepath.Dir(base)
	}
	prefixFilter := ""
	if dirBase != base {
		prefixFilter = filepath.Base(base)
	}

	var out []Entry
	if recursive {
		err := filepath.Walk(dirBase, func(path string, fi os.FileInfo, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}
			rel, _ := filepath.Rel(l.store.Root, path)
			if isReservedPath(rel) {
				if fi.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if fi.IsDir() {
				if prefixFilter != "" && filepath.Dir(path) == dirBase && !strings.HasPrefix(fi.Name(), prefixFilter) {
					return filepath.SkipDir
				}
				return nil
			}
			if strings.HasSuffix(fi.Name(), sidecarExt) {
				return nil
			}
			if prefixFilter != "" && filepath.Dir(path) == dirBase && !strings.HasPrefix(fi.Name(), prefixFilter) {
				return nil
			}
			out = append(out, fileEntry(l.store.Root, path, fi))
			return nil
		})
		if err != nil {
			return nil, err
		}
	} else {
		entries, err := os.ReadDir(dirBase)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, err
		}
		for _, e := range entries {
			if prefixFilter != "" && !strings.HasPrefix(e.Name(), prefixFilter) {
				continue
			}
			if key.IsReservedBucket(e.Name()) {
				continue
			}
			full := filepath.Join(dirBase, e.Name())
			if e.IsDir() {
				out = append(out, dirEntry(l.store.Root, full))
				continue
			}
			if strings.HasSuffix(e.Name(), sidecarExt) {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			out = append(out, fileEntry(l.store.Root, full, info))
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// ListBuckets yields immediate children of the data root that are
// directories and do not begin with "_".
func (l *Lister) ListBuckets() ([]string, error) {
	entries, err := os.ReadDir(l.store.Root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if key.IsReservedBucket(e.Name()) {
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

// Delete removes a key (non-recursive: exact data file + sidecar;
// recursive: everything under the prefix glob, sidecars included). When
// the prefix names an existing directory, recursive delete removes that
// directory wholesale; otherwise it resolves the prefix the same way
// List does — against its parent directory, matched by basename — and
// removes every sibling entry whose name starts with it. Must run on
// the single-writer pool.
func (l *Lister) Delete(prefixKey string, recursive bool) error {
	path := l.store.DataPath(prefixKey)
	if !recursive {
		return l.store.Delete(path)
	}

	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return l.store.DeleteRecursive(path)
	}

	dirBase := filepath.Dir(path)
	prefixFilter := filepath.Base(path)
	entries, err := os.ReadDir(dirBase)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), prefixFilter) {
			continue
		}
		if key.IsReservedBucket(e.Name()) {
			continue
		}
		full := filepath.Join(dirBase, e.Name())
		if e.IsDir() {
			if err := l.store.DeleteRecursive(full); err != nil {
				return err
			}
			continue
		}
		if strings.HasSuffix(e.Name(), sidecarExt) {
			continue
		}
		if err := l.store.Delete(full); err != nil {
			return err
		}
	}
	return nil
}

// Merge set-deduplicates and sorts entries gathered from every node.
// The merge is order-invariant: callers may pass per-node batches in
// any order and get the same result.
func Merge(perNode [][]Entry) []Entry {
	seen := make(map[Entry]bool)
	var out []Entry
	for _, batch := range perNode {
		for _, e := range batch {
			if seen[e] {
				continue
			}
			seen[e] = true
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
