package cache

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// ReconcileReport summarizes one startup integrity pass.
type ReconcileReport struct {
	// RowsDropped counts metadata rows whose audio file was missing.
	RowsDropped int

	// FilesRemoved counts audio files no metadata row referenced.
	FilesRemoved int
}

// Reconcile restores agreement between the metadata database and the audio
// directory. Phase one drops rows whose file is gone; phase two removes
// top-level files no row references. Subdirectories (the filler pool lives
// in one) are left alone. Run at startup before the hot index loads.
func Reconcile(ctx context.Context, storage *Storage, logger *slog.Logger) (ReconcileReport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var report ReconcileReport

	entries, err := storage.DB().AllEntries(ctx)
	if err != nil {
		return report, err
	}

	referenced := make(map[string]bool, len(entries))
	var orphanRows []int64
	for _, e := range entries {
		if _, err := os.Stat(e.AudioPath); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				orphanRows = append(orphanRows, e.ID)
				continue
			}
			return report, err
		}
		referenced[filepath.Clean(e.AudioPath)] = true
	}
	if err := storage.DB().DeleteByIDs(ctx, orphanRows); err != nil {
		return report, err
	}
	report.RowsDropped = len(orphanRows)

	dirEntries, err := os.ReadDir(storage.AudioDir())
	if err != nil {
		return report, err
	}
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		path := filepath.Clean(filepath.Join(storage.AudioDir(), de.Name()))
		if referenced[path] {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("failed to remove orphan audio file",
				"path", path,
				"error", err)
			continue
		}
		report.FilesRemoved++
	}

	logger.Info("cache integrity reconciled",
		"rows_dropped", report.RowsDropped,
		"files_removed", report.FilesRemoved)
	return report, nil
}
