// Package localfs discovers resources on a locally mounted filesystem
// and derives directory change tokens from entry metadata, since local
// directories expose no server-side ETag.
package localfs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"syncwatch/internal/syncer"
)

// Client lists directories under a root. Resource paths are
// "/"-separated and relative to the root, with "/" naming the root
// itself. OS errors are returned untouched for classification.
type Client struct {
	root string
}

// New returns a client rooted at dir.
func New(dir string) (*Client, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", dir, err)
	}
	return &Client{root: abs}, nil
}

// Root returns the absolute root directory.
func (c *Client) Root() string { return c.root }

// Discover lists the directory at rel. A child directory's token
// covers its entire subtree, so a change at any depth is visible from
// a shallow listing of an ancestor; computing it costs one stat walk
// of the child. A child whose token cannot be computed gets an empty
// token, which always compares as changed.
func (c *Client) Discover(ctx context.Context, rel string, recursive bool) (*syncer.Listing, error) {
	abs, err := c.resolve(rel)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, err
	}

	listing := &syncer.Listing{
		Self: &syncer.ResourceInfo{Path: normalizeRel(rel), Token: tokenOf(entries)},
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		childRel := joinRel(rel, entry.Name())
		if entry.IsDir() {
			listing.Directories = append(listing.Directories, syncer.ResourceInfo{
				Path:  childRel,
				Token: subtreeToken(filepath.Join(abs, entry.Name())),
			})
			continue
		}
		info, ierr := entry.Info()
		if ierr != nil {
			continue // raced with deletion
		}
		listing.Files = append(listing.Files, syncer.ResourceInfo{
			Path:  childRel,
			Token: fileToken(info),
			Size:  info.Size(),
		})
	}

	if recursive {
		for _, dir := range listing.Directories {
			sub, serr := c.Discover(ctx, dir.Path, true)
			if serr != nil {
				return nil, serr
			}
			listing.Files = append(listing.Files, sub.Files...)
			listing.Directories = append(listing.Directories, sub.Directories...)
		}
	}
	return listing, nil
}

// resolve maps a "/"-rooted relative path onto the filesystem, refusing
// anything that escapes the root. Only a whole ".." segment is an
// escape; names like "a..b" are legitimate.
func (c *Client) resolve(rel string) (string, error) {
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return "", fmt.Errorf("path %q escapes the sync root", rel)
		}
	}
	cleaned := path.Clean("/" + strings.TrimPrefix(rel, "/"))
	return filepath.Join(c.root, filepath.FromSlash(strings.TrimPrefix(cleaned, "/"))), nil
}

func normalizeRel(rel string) string {
	return path.Clean("/" + strings.TrimPrefix(rel, "/"))
}

func joinRel(rel, name string) string {
	base := normalizeRel(rel)
	if base == "/" {
		return "/" + name
	}
	return base + "/" + name
}

// subtreeToken fingerprints a directory and everything below it from
// relative paths, sizes, and modification times. A change at any depth
// moves the token. Returns "" when any part of the walk fails.
func subtreeToken(abs string) string {
	h := sha256.New()
	var walkErr error
	filepath.WalkDir(abs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			walkErr = err
			return filepath.SkipAll
		}
		rel, rerr := filepath.Rel(abs, p)
		if rerr != nil {
			walkErr = rerr
			return filepath.SkipAll
		}
		h.Write([]byte(filepath.ToSlash(rel)))
		h.Write([]byte{0})
		if d.IsDir() {
			h.Write([]byte{'d', 0})
			return nil
		}
		if info, ierr := d.Info(); ierr == nil {
			fmt.Fprintf(h, "f:%d:%d", info.Size(), info.ModTime().UnixNano())
		}
		h.Write([]byte{0})
		return nil
	})
	if walkErr != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// tokenOf fingerprints a directory from its direct entries' names,
// sizes, and modification times. Only the Self token uses this: adds,
// removes, and rewrites directly inside a scanned directory move it,
// while deeper changes move the affected subdirectory's own token.
func tokenOf(entries []fs.DirEntry) string {
	h := sha256.New()
	for _, entry := range entries {
		h.Write([]byte(entry.Name()))
		h.Write([]byte{0})
		if entry.IsDir() {
			h.Write([]byte{'d', 0})
			continue
		}
		if info, err := entry.Info(); err == nil {
			fmt.Fprintf(h, "f:%d:%d", info.Size(), info.ModTime().UnixNano())
		}
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func fileToken(info fs.FileInfo) string {
	return strconv.FormatInt(info.Size(), 10) + "-" + strconv.FormatInt(info.ModTime().UnixNano(), 10)
}
