package infra

import (
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/focusd/agent_guard/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

const journalDBName = "journal.db"

// EncryptedJournal implements domain.Journal using a SQLCipher encrypted SQLite database.
type EncryptedJournal struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time
}

// NewEncryptedJournal opens (or creates) the journal database in dataDir.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewEncryptedJournal(dataDir string, key []byte) (*EncryptedJournal, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, journalDBName)
	keyHex := hex.EncodeToString(key)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted journal: %w", err)
	}

	// A wrong key only surfaces on first access.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted journal: %w", err)
	}

	j := &EncryptedJournal{db: db, dbPath: dbPath, now: time.Now}
	if err := j.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return j, nil
}

// OpenJournal ensures a key exists in dataDir and opens the journal with it.
func OpenJournal(dataDir string) (*EncryptedJournal, error) {
	key, err := EnsureKey(NewFileKeyProvider(dataDir))
	if err != nil {
		return nil, fmt.Errorf("journal key: %w", err)
	}
	return NewEncryptedJournal(dataDir, key)
}

func (j *EncryptedJournal) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS journal (
		id TEXT PRIMARY KEY,
		operation TEXT NOT NULL,
		step TEXT NOT NULL,
		status TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS journal_created_at ON journal (created_at);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Append records an entry. Missing ID and CreatedAt are filled in.
func (j *EncryptedJournal) Append(entry domain.JournalEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = j.now()
	}
	_, err := j.db.Exec(`
		INSERT INTO journal (id, operation, step, status, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Operation, entry.Step, string(entry.Status), entry.Detail, entry.CreatedAt.UnixNano(),
	)
	return err
}

// Recent returns up to n entries, newest first.
func (j *EncryptedJournal) Recent(n int) ([]domain.JournalEntry, error) {
	if n <= 0 {
		n = -1 // SQLite: no limit
	}
	rows, err := j.db.Query(`
		SELECT id, operation, step, status, detail, created_at
		FROM journal ORDER BY created_at DESC, rowid DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.JournalEntry
	for rows.Next() {
		var e domain.JournalEntry
		var status string
		var created int64
		if err := rows.Scan(&e.ID, &e.Operation, &e.Step, &status, &e.Detail, &created); err != nil {
			return nil, err
		}
		e.Status = domain.StepStatus(status)
		e.CreatedAt = time.Unix(0, created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Path returns the database file path.
func (j *EncryptedJournal) Path() string {
	return j.dbPath
}

// ChownTo hands the database, its sidecars and the key in the same directory
// to uid:gid, so a journal opened under sudo stays readable by the real user.
// A negative uid is a no-op.
func (j *EncryptedJournal) ChownTo(uid, gid int) error {
	if uid < 0 {
		return nil
	}
	dir := filepath.Dir(j.dbPath)
	paths := []string{dir, filepath.Join(dir, keyFileName), j.dbPath}
	for _, suffix := range []string{"-journal", "-wal", "-shm"} {
		paths = append(paths, j.dbPath+suffix)
	}
	for _, p := range paths {
		if err := os.Lchown(p, uid, gid); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("chown %s: %w", p, err)
		}
	}
	return nil
}

// Close releases the database connection.
func (j *EncryptedJournal) Close() error {
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}

// Ensure EncryptedJournal implements domain.Journal.
var _ domain.Journal = (*EncryptedJournal)(nil)
