package storage

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// LogRotator compresses aging audit logs and removes expired ones
type LogRotator struct {
	dataDir       string
	retentionDays int
	compressDays  int
	now           func() time.Time
	logger        *logrus.Entry
}

func NewLogRotator(config Config, logger *logrus.Entry) *LogRotator {
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = logrus.NewEntry(l)
	}
	return &LogRotator{
		dataDir:       config.Dir,
		retentionDays: config.RetentionDays,
		compressDays:  config.CompressDays,
		now:           time.Now,
		logger:        logger.WithField("component", "audit_rotation"),
	}
}

// RotateLogs compresses logs older than the compress window and deletes
// logs older than the retention window. A zero window disables that step.
func (lr *LogRotator) RotateLogs() error {
	logsDir := filepath.Join(lr.dataDir, "logs")
	now := lr.now()
	retention := time.Duration(lr.retentionDays) * 24 * time.Hour
	compress := time.Duration(lr.compressDays) * 24 * time.Hour

	return filepath.Walk(logsDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		age := now.Sub(info.ModTime())
		switch filepath.Ext(path) {
		case ".gz":
			if lr.retentionDays > 0 && age > retention {
				if err := os.Remove(path); err != nil {
					return fmt.Errorf("failed to remove old compressed file %s: %w", path, err)
				}
			}
		case ".jsonl":
			if lr.retentionDays > 0 && age > retention {
				if err := os.Remove(path); err != nil {
					return fmt.Errorf("failed to remove old file %s: %w", path, err)
				}
				return nil
			}
			if lr.compressDays > 0 && age > compress {
				if err := compressFile(path, info.ModTime()); err != nil {
					return fmt.Errorf("failed to compress file %s: %w", path, err)
				}
			}
		}
		return nil
	})
}

// Run rotates on every interval until ctx ends
func (lr *LogRotator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := lr.RotateLogs(); err != nil {
				lr.logger.WithError(err).Error("Log rotation failed")
			}
		}
	}
}

// compressFile gzips path next to itself and removes the original,
// keeping its modification time
func compressFile(path string, modTime time.Time) error {
	source, err := os.Open(path)
	if err != nil {
		return err
	}
	defer source.Close()

	destPath := path + ".gz"
	dest, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer dest.Close()

	gz := gzip.NewWriter(dest)
	gz.Name = filepath.Base(path)
	gz.ModTime = modTime

	if _, err := io.Copy(gz, source); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}

	source.Close()
	if err := dest.Close(); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return err
	}
	return os.Chtimes(destPath, modTime, modTime)
}
