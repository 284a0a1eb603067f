package infra

import (
	"os"
	"path/filepath"

	"github.com/eliteGoblin/focusd/agent_guard/internal/domain"
)

// FileSystemManagerImpl implements domain.FileSystemManager.
// When uid >= 0, created files and directories are chowned to uid:gid so that
// files written under sudo into the real user's home stay owned by that user.
type FileSystemManagerImpl struct {
	homeDir string
	uid     int
	gid     int
}

// NewFileSystemManager creates a filesystem manager for the real user.
func NewFileSystemManager(mode *ExecModeConfig) domain.FileSystemManager {
	uid, gid := mode.Ownership()
	return &FileSystemManagerImpl{homeDir: mode.RealUser.HomeDir, uid: uid, gid: gid}
}

// NewSystemFileSystemManager creates a filesystem manager that never chowns.
// Used for files agentguard itself owns (launcher, delegation rules).
func NewSystemFileSystemManager() domain.FileSystemManager {
	return &FileSystemManagerImpl{homeDir: "/", uid: -1, gid: -1}
}

// NewFileSystemManagerWithHome creates a filesystem manager with custom home (for testing).
func NewFileSystemManagerWithHome(home string) domain.FileSystemManager {
	return &FileSystemManagerImpl{homeDir: home, uid: -1, gid: -1}
}

// ExpandHome expands ~ to the user's home directory.
func (fm *FileSystemManagerImpl) ExpandHome(path string) string {
	return domain.ExpandHome(fm.homeDir, path)
}

// EnsureDir creates path and any missing parents, chowning the ones it created.
func (fm *FileSystemManagerImpl) EnsureDir(path string, perm os.FileMode) error {
	path = fm.ExpandHome(path)

	// Collect missing ancestors so only directories we create get chowned.
	var missing []string
	for p := path; ; p = filepath.Dir(p) {
		if _, err := os.Stat(p); err == nil {
			break
		}
		missing = append(missing, p)
		if parent := filepath.Dir(p); parent == p {
			break
		}
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return err
	}
	for _, p := range missing {
		fm.chown(p)
	}
	return nil
}

// WriteFileAtomic writes data using the atomic write pattern.
// Writes to temp file first, syncs, chmods, then renames to avoid corruption.
func (fm *FileSystemManagerImpl) WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	path = fm.ExpandHome(path)
	dir := filepath.Dir(path)
	if err := fm.EnsureDir(dir, 0700); err != nil {
		return err
	}

	// Create temp file in same directory for atomic rename
	tmpFile, err := os.CreateTemp(dir, ".agentguard-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	// Clean up temp file on any error
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err = tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}

	// Sync to disk before rename
	if err = tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	if err = tmpFile.Close(); err != nil {
		return err
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	fm.chown(tmpPath)

	// Atomic rename
	if err = os.Rename(tmpPath, path); err != nil {
		return err
	}

	success = true
	return nil
}

func (fm *FileSystemManagerImpl) chown(path string) {
	if fm.uid < 0 {
		return
	}
	_ = os.Lchown(path, fm.uid, fm.gid)
}

// Ensure FileSystemManagerImpl implements domain.FileSystemManager.
var _ domain.FileSystemManager = (*FileSystemManagerImpl)(nil)
