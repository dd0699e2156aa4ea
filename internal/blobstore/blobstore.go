// Package blobstore offloads large tool-result payloads (screenshots, PDFs,
// traces) to disk so they travel by reference instead of inline. Blob
// metadata lives in a SQLite index next to the files; expired blobs are
// removed by a periodic cleanup pass guarded by a file lock so concurrent
// multiplexer processes sharing a root do not race each other.
package blobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/playmux/playmux/internal/fileutil"
	"github.com/playmux/playmux/internal/sentinel"
)

const (
	// ErrNotFound is returned by Get and Delete for unknown blob ids.
	ErrNotFound = sentinel.Error("blob not found")

	// ErrTooLarge is returned by Put when the payload exceeds the configured
	// maximum blob size.
	ErrTooLarge = sentinel.Error("blob exceeds maximum size")
)

// Defaults applied by Config.withDefaults for zero-valued fields.
const (
	DefaultSizeThreshold   = 50 * 1024
	DefaultMaxBlobSize     = 500 * 1024 * 1024
	DefaultTTL             = 24 * time.Hour
	DefaultCleanupInterval = 60 * time.Minute
)

const schema = `
CREATE TABLE IF NOT EXISTS blobs (
	id         TEXT PRIMARY KEY,
	size       INTEGER NOT NULL,
	mime       TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS blobs_created_at ON blobs (created_at);
`

// Config controls one Store. Zero values take the defaults above; Root is
// required.
type Config struct {
	// Root is the directory holding blob files, the index database, and the
	// cleanup lock.
	Root string
	// SizeThreshold is the payload size at or above which ShouldOffload
	// reports true.
	SizeThreshold int64
	// MaxBlobSize caps a single blob.
	MaxBlobSize int64
	// TTL is how long a blob survives before cleanup removes it.
	TTL time.Duration
	// CleanupInterval is the period of the Run loop.
	CleanupInterval time.Duration
	// Logger may be nil, in which case slog.Default() is used.
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.SizeThreshold <= 0 {
		c.SizeThreshold = DefaultSizeThreshold
	}
	if c.MaxBlobSize <= 0 {
		c.MaxBlobSize = DefaultMaxBlobSize
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Info describes one stored blob.
type Info struct {
	ID        string
	Size      int64
	Mime      string
	CreatedAt time.Time
}

// Store is a disk-backed blob store with a SQLite metadata index. Safe for
// concurrent use.
type Store struct {
	cfg  Config
	db   *sql.DB
	lock *flock.Flock
	log  *slog.Logger
}

// Open prepares the root directory, opens the index database, and ensures
// the schema exists.
func Open(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("blobstore: root directory must not be empty")
	}
	cfg = cfg.withDefaults()

	if err := fileutil.EnsureDir(cfg.Root); err != nil {
		return nil, fmt.Errorf("blobstore: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		filepath.Join(cfg.Root, "index.db"))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("blobstore: opening index: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("blobstore: creating schema: %w", err)
	}

	return &Store{
		cfg:  cfg,
		db:   db,
		lock: flock.New(filepath.Join(cfg.Root, ".cleanup.lock")),
		log:  cfg.Logger.With("component", "blobstore"),
	}, nil
}

// ShouldOffload reports whether a payload of the given size belongs in the
// store rather than inline in a response.
func (s *Store) ShouldOffload(size int64) bool {
	return size >= s.cfg.SizeThreshold
}

// Put stores a payload and returns its blob info. The file lands under a
// two-character fan-out directory derived from the id.
func (s *Store) Put(ctx context.Context, data []byte, mime string) (Info, error) {
	if int64(len(data)) > s.cfg.MaxBlobSize {
		return Info{}, fmt.Errorf("blob of %d bytes: %w (max %d)", len(data), ErrTooLarge, s.cfg.MaxBlobSize)
	}

	id := uuid.NewString()
	path := s.blobPath(id)
	if err := fileutil.EnsureDirForFile(path); err != nil {
		return Info{}, fmt.Errorf("blobstore put: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Info{}, fmt.Errorf("blobstore put: %w", err)
	}

	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blobs (id, size, mime, created_at) VALUES (?, ?, ?, ?)`,
		id, int64(len(data)), mime, now.UnixNano())
	if err != nil {
		_ = os.Remove(path)
		return Info{}, fmt.Errorf("blobstore put: indexing: %w", err)
	}

	return Info{ID: id, Size: int64(len(data)), Mime: mime, CreatedAt: now}, nil
}

// Get returns a blob's payload and info.
func (s *Store) Get(ctx context.Context, id string) ([]byte, Info, error) {
	info, err := s.stat(ctx, id)
	if err != nil {
		return nil, Info{}, err
	}
	data, err := os.ReadFile(s.blobPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Index row without a file: repair the index.
			_, _ = s.db.ExecContext(ctx, `DELETE FROM blobs WHERE id = ?`, id)
			return nil, Info{}, fmt.Errorf("blob %s: %w", id, ErrNotFound)
		}
		return nil, Info{}, fmt.Errorf("blobstore get: %w", err)
	}
	return data, info, nil
}

// Delete removes a blob and its index row.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("blobstore delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("blobstore delete: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("blob %s: %w", id, ErrNotFound)
	}
	if err := os.Remove(s.blobPath(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("blobstore delete: %w", err)
	}
	return nil
}

// Cleanup removes every blob older than the TTL. The pass is guarded by a
// try-lock on a shared lock file: if another process holds it, this pass is
// skipped rather than duplicated.
func (s *Store) Cleanup(ctx context.Context) (removed int, err error) {
	locked, err := s.lock.TryLock()
	if err != nil {
		return 0, fmt.Errorf("blobstore cleanup: lock: %w", err)
	}
	if !locked {
		s.log.Debug("cleanup already running elsewhere, skipping")
		return 0, nil
	}
	defer func() {
		if unlockErr := s.lock.Unlock(); unlockErr != nil && err == nil {
			err = fmt.Errorf("blobstore cleanup: unlock: %w", unlockErr)
		}
	}()

	cutoff := time.Now().Add(-s.cfg.TTL).UnixNano()
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM blobs WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("blobstore cleanup: %w", err)
	}
	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("blobstore cleanup: %w", err)
		}
		expired = append(expired, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, fmt.Errorf("blobstore cleanup: %w", err)
	}
	_ = rows.Close()

	for _, id := range expired {
		if err := s.Delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
			s.log.Warn("removing expired blob", "blob", id, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.log.Info("cleanup removed expired blobs", "count", removed)
	}
	return removed, nil
}

// Run executes Cleanup on the configured interval until the context is
// cancelled. Errors are logged, never returned, so one bad pass does not
// stop the loop.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Cleanup(ctx); err != nil {
				s.log.Warn("cleanup pass failed", "error", err)
			}
		}
	}
}

// Close closes the index database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) stat(ctx context.Context, id string) (Info, error) {
	var (
		info Info
		ns   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, size, mime, created_at FROM blobs WHERE id = ?`, id).
		Scan(&info.ID, &info.Size, &info.Mime, &ns)
	if errors.Is(err, sql.ErrNoRows) {
		return Info{}, fmt.Errorf("blob %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Info{}, fmt.Errorf("blobstore stat: %w", err)
	}
	info.CreatedAt = time.Unix(0, ns)
	return info, nil
}

func (s *Store) blobPath(id string) string {
	fan := "00"
	if len(id) >= 2 {
		fan = id[:2]
	}
	return filepath.Join(s.cfg.Root, fan, id)
}
