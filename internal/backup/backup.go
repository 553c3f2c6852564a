// Package backup archives a server's save-data directory into timestamped
// tar.gz files and prunes old archives beyond a retention count.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const timestampLayout = "20060102_150405"

// Engine creates and prunes archives. The zero value is usable; Now is
// overridable for tests.
type Engine struct {
	Now func() time.Time
}

func New() *Engine { return &Engine{Now: time.Now} }

// Backup archives srcPath into destPath as {prefix}_{timestamp}.tar.gz and
// returns the archive path. After a successful archive it prunes old
// archives beyond keep; pruning failures are logged, never returned,
// because the backup itself already succeeded. keep <= 0 disables pruning.
func (e *Engine) Backup(ctx context.Context, srcPath, destPath, prefix string, keep int) (string, error) {
	if _, err := os.Stat(srcPath); err != nil {
		return "", fmt.Errorf("backup source: %w", err)
	}
	if err := os.MkdirAll(destPath, 0o750); err != nil {
		return "", fmt.Errorf("backup destination: %w", err)
	}
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	archive := filepath.Join(destPath, fmt.Sprintf("%s_%s.tar.gz", prefix, now().Format(timestampLayout)))

	if err := writeArchive(ctx, archive, srcPath); err != nil {
		_ = os.Remove(archive)
		return "", err
	}
	e.prune(destPath, prefix, keep)
	return archive, nil
}

func writeArchive(ctx context.Context, archive, srcPath string) error {
	f, err := os.Create(archive)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	root := filepath.Clean(srcPath)
	walkErr := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			// Live backups race with the running server; files may vanish.
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		// A destination nested under the source would otherwise capture
		// the half-written archive inside itself.
		if filepath.Clean(path) == filepath.Clean(archive) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		src, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		defer func() { _ = src.Close() }()
		// Copy at most the header-declared size; a live server appending to
		// the file would otherwise corrupt the tar stream.
		_, err = io.CopyN(tw, src, hdr.Size)
		if err == io.EOF {
			err = nil
		}
		return err
	})

	cerr := tw.Close()
	if gerr := gz.Close(); cerr == nil {
		cerr = gerr
	}
	if ferr := f.Close(); cerr == nil {
		cerr = ferr
	}
	if walkErr != nil {
		return fmt.Errorf("archive %s: %w", srcPath, walkErr)
	}
	if cerr != nil {
		return fmt.Errorf("finalize archive: %w", cerr)
	}
	return nil
}

// prune removes archives matching {prefix}_* beyond the newest keep by
// modification time.
func (e *Engine) prune(destPath, prefix string, keep int) {
	if keep <= 0 {
		return
	}
	entries, err := os.ReadDir(destPath)
	if err != nil {
		slog.Warn("backup prune: list failed", "dir", destPath, "err", err)
		return
	}
	type archiveInfo struct {
		path string
		mod  time.Time
	}
	var archives []archiveInfo
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasPrefix(ent.Name(), prefix+"_") {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			continue
		}
		archives = append(archives, archiveInfo{path: filepath.Join(destPath, ent.Name()), mod: info.ModTime()})
	}
	sort.Slice(archives, func(i, j int) bool { return archives[i].mod.After(archives[j].mod) })
	for _, old := range archives[min(keep, len(archives)):] {
		if err := os.Remove(old.path); err != nil {
			slog.Warn("backup prune: remove failed", "path", old.path, "err", err)
		} else {
			slog.Info("pruned old backup", "path", old.path)
		}
	}
}
