package search

import (
	"log/slog"
)

// Sync brings the mirror up to date with files:
//   - files whose digest changed are replaced
//   - files no longer present are deleted
func Sync(db *DB, files []File, logger *slog.Logger) error {
	digests, err := db.Digests()
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(files))
	for _, f := range files {
		seen[f.Path] = struct{}{}
		if digests[f.Path] == f.Digest() {
			continue
		}
		if err := db.UpsertFile(f); err != nil {
			logger.Warn("search: sync failed", slog.String("path", f.Path), slog.String("error", err.Error()))
			continue
		}
		logger.Debug("search: synced", slog.String("path", f.Path), slog.Int("entries", len(f.Docs)))
	}

	for p := range digests {
		if _, ok := seen[p]; ok {
			continue
		}
		if err := db.DeleteFile(p); err != nil {
			logger.Warn("search: delete failed", slog.String("path", p), slog.String("error", err.Error()))
		} else {
			logger.Debug("search: removed stale", slog.String("path", p))
		}
	}
	return nil
}
