package db

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Snapshot writes a gzip-compressed copy of the database file into dir,
// named aily-<timestamp>.db.gz, and prunes snapshots older than retain.
func Snapshot(dbPath, dir string, retain time.Duration) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("db: snapshot dir %s: %w", dir, err)
	}

	src, err := os.Open(dbPath)
	if err != nil {
		return "", fmt.Errorf("db: snapshot open %s: %w", dbPath, err)
	}
	defer src.Close()

	name := fmt.Sprintf("aily-%s.db.gz", time.Now().UTC().Format("20060102T150405Z"))
	dstPath := filepath.Join(dir, name)
	dst, err := os.Create(dstPath)
	if err != nil {
		return "", fmt.Errorf("db: snapshot create %s: %w", dstPath, err)
	}
	defer dst.Close()

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		os.Remove(dstPath)
		return "", fmt.Errorf("db: snapshot copy: %w", err)
	}
	if err := gz.Close(); err != nil {
		os.Remove(dstPath)
		return "", fmt.Errorf("db: snapshot flush: %w", err)
	}

	if err := pruneSnapshots(dir, retain); err != nil {
		return dstPath, err
	}
	return dstPath, nil
}

// pruneSnapshots removes snapshot files older than retain.
func pruneSnapshots(dir string, retain time.Duration) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("db: prune read %s: %w", dir, err)
	}
	cutoff := time.Now().Add(-retain)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, n := range names {
		if !strings.HasPrefix(n, "aily-") || !strings.HasSuffix(n, ".db.gz") {
			continue
		}
		full := filepath.Join(dir, n)
		info, err := os.Stat(full)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(full); err != nil {
				return fmt.Errorf("db: prune %s: %w", full, err)
			}
		}
	}
	return nil
}
