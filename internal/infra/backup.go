package infra

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/agent_guard/internal/domain"
)

const (
	backupIDLayout = "20060102T150405.000000000Z"
	metaSuffix     = ".meta.json"
)

// BackupManager snapshots and restores the live configuration.
// Each snapshot is a verbatim copy plus a JSON sidecar describing it.
// Copies and restores both go through fs, so under sudo the backups and the
// restored file stay owned by the user who owns the live file.
type BackupManager struct {
	dir    string
	fs     domain.FileSystemManager
	now    func() time.Time
	logger *zap.Logger
}

// NewBackupManager creates a backup manager storing copies under dir.
func NewBackupManager(dir string, fs domain.FileSystemManager, logger *zap.Logger) *BackupManager {
	return NewBackupManagerWithClock(dir, fs, logger, time.Now)
}

// NewBackupManagerWithClock creates a backup manager with a custom clock (for testing).
func NewBackupManagerWithClock(dir string, fs domain.FileSystemManager, logger *zap.Logger, now func() time.Time) *BackupManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BackupManager{
		dir:    dir,
		fs:     fs,
		now:    now,
		logger: logger,
	}
}

// Dir returns the backup directory.
func (bm *BackupManager) Dir() string {
	return bm.dir
}

// Snapshot copies the live file into the backup directory.
func (bm *BackupManager) Snapshot(livePath string) (*domain.BackupRecord, error) {
	data, err := os.ReadFile(livePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfigurationMissing, livePath)
		}
		return nil, fmt.Errorf("read %s: %w", livePath, err)
	}

	if err := bm.fs.EnsureDir(bm.dir, 0700); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}

	ts := bm.now().UTC()
	id := bm.uniqueID(ts)
	record := domain.BackupRecord{
		ID:             id,
		Timestamp:      ts,
		SourcePath:     livePath,
		StoredCopyPath: filepath.Join(bm.dir, id+".json"),
	}

	_, parseErr := decodeDocument(jsonc.ToJSON(data))
	record.Corrupt = parseErr != nil

	if err := bm.fs.WriteFileAtomic(record.StoredCopyPath, data, 0600); err != nil {
		return nil, fmt.Errorf("store backup copy: %w", err)
	}
	if err := bm.writeMeta(record); err != nil {
		return nil, err
	}

	bm.logger.Info("configuration backed up",
		zap.String("id", record.ID),
		zap.String("source", livePath),
		zap.Bool("corrupt", record.Corrupt))

	if record.Corrupt {
		return &record, fmt.Errorf("%w: %s: %v", domain.ErrConfigurationCorrupt, livePath, parseErr)
	}
	return &record, nil
}

// Restore atomically overwrites the record's source path with its stored copy.
func (bm *BackupManager) Restore(record domain.BackupRecord) error {
	data, err := os.ReadFile(record.StoredCopyPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: backup copy %s", domain.ErrNotFound, record.StoredCopyPath)
		}
		return fmt.Errorf("read backup copy: %w", err)
	}
	if err := bm.fs.WriteFileAtomic(record.SourcePath, data, 0600); err != nil {
		return fmt.Errorf("restore %s: %w", record.SourcePath, err)
	}
	bm.logger.Info("configuration restored",
		zap.String("id", record.ID),
		zap.String("target", record.SourcePath))
	return nil
}

// ListRecent returns up to n records, newest first. n <= 0 returns all.
func (bm *BackupManager) ListRecent(n int) ([]domain.BackupRecord, error) {
	matches, err := filepath.Glob(filepath.Join(bm.dir, "*"+metaSuffix))
	if err != nil {
		return nil, err
	}

	records := make([]domain.BackupRecord, 0, len(matches))
	for _, m := range matches {
		rec, err := readMeta(m)
		if err != nil {
			bm.logger.Warn("skipping unreadable backup metadata", zap.String("path", m), zap.Error(err))
			continue
		}
		records = append(records, *rec)
	}

	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].Timestamp.After(records[j].Timestamp)
		}
		return records[i].ID > records[j].ID
	})

	if n > 0 && len(records) > n {
		records = records[:n]
	}
	return records, nil
}

// Get returns a record by ID.
func (bm *BackupManager) Get(id string) (*domain.BackupRecord, error) {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return nil, fmt.Errorf("%w: backup %q", domain.ErrNotFound, id)
	}
	rec, err := readMeta(filepath.Join(bm.dir, id+metaSuffix))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: backup %q", domain.ErrNotFound, id)
		}
		return nil, err
	}
	return rec, nil
}

// uniqueID derives an ID from ts, suffixing a counter when two snapshots share a timestamp.
func (bm *BackupManager) uniqueID(ts time.Time) string {
	base := ts.Format(backupIDLayout)
	id := base
	for i := 1; ; i++ {
		if _, err := os.Stat(filepath.Join(bm.dir, id+metaSuffix)); errors.Is(err, os.ErrNotExist) {
			return id
		}
		id = base + "-" + strconv.Itoa(i)
	}
}

func (bm *BackupManager) writeMeta(record domain.BackupRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encode backup metadata: %w", err)
	}
	path := filepath.Join(bm.dir, record.ID+metaSuffix)
	if err := bm.fs.WriteFileAtomic(path, append(data, '\n'), 0600); err != nil {
		return fmt.Errorf("write backup metadata: %w", err)
	}
	return nil
}

func readMeta(path string) (*domain.BackupRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec domain.BackupRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &rec, nil
}

// Ensure BackupManager implements domain.BackupStore.
var _ domain.BackupStore = (*BackupManager)(nil)
