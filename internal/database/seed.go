package database

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RunSeeds applies database/seeds/*.sql in lexical order and returns the files applied.
func RunSeeds(db *gorm.DB, logger *zap.Logger) ([]string, error) {
	dir := findDir("seeds")
	if dir == "" {
		return nil, errors.New("seeds dir not found (tried database/seeds)")
	}
	return applySeeds(db, os.DirFS(dir), logger)
}

// applySeeds runs each seed file in its own transaction. A failing file rolls
// back alone and stops the run.
func applySeeds(db *gorm.DB, fsys fs.FS, logger *zap.Logger) ([]string, error) {
	files, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, err
	}
	var applied []string
	for _, f := range files {
		body, err := fs.ReadFile(fsys, f)
		if err != nil {
			return applied, fmt.Errorf("seed %s: %w", f, err)
		}
		sql := strings.TrimSpace(string(body))
		if sql == "" {
			continue
		}
		if err := db.Transaction(func(tx *gorm.DB) error { return tx.Exec(sql).Error }); err != nil {
			return applied, fmt.Errorf("seed %s: %w", f, err)
		}
		logger.Info("seed applied", zap.String("file", f))
		applied = append(applied, f)
	}
	return applied, nil
}
