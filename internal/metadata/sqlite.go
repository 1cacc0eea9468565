package metadata

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations
var migrationsFS embed.FS

// SQLiteStore keeps records in a local SQLite database. It is meant for
// single node deployments and development; records past their expiry are
// removed by DeleteExpired.
type SQLiteStore struct {
	db *sql.DB
}

// initSchema applies all SQL files in the embedded migrations in
// lexicographical order.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, readError := migrationsFS.ReadFile(path)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		slog.Debug("Running migration", "path", path)
		_, execError := db.ExecContext(ctx, string(content))
		return execError
	})
}

// OpenSQLiteStore opens (creating if needed) the database at path.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("database path must not be empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) PutRecord(ctx context.Context, r *ObjectRecord) error {
	attributes, err := json.Marshal(r.Attributes)
	if err != nil {
		return fmt.Errorf("encode attributes: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO object_records (bucket, key, file_name, file_size, upload_status, virus_status, virus_name, error_message, attributes, modified_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(bucket, key) DO UPDATE SET
		   file_name = excluded.file_name,
		   file_size = excluded.file_size,
		   upload_status = excluded.upload_status,
		   virus_status = excluded.virus_status,
		   virus_name = excluded.virus_name,
		   error_message = excluded.error_message,
		   attributes = excluded.attributes,
		   modified_at = excluded.modified_at,
		   expires_at = excluded.expires_at`,
		r.Bucket, r.Key, r.FileName, r.FileSize, string(r.UploadStatus), string(r.VirusStatus), r.VirusName, r.ErrorMessage,
		string(attributes), r.ModifiedAt.UTC(), r.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert record %s/%s: %w", r.Bucket, r.Key, err)
	}
	return nil
}

func (s *SQLiteStore) GetRecord(ctx context.Context, bucket string, key string) (*ObjectRecord, error) {
	var (
		r            ObjectRecord
		uploadStatus string
		virusStatus  string
		attributes   string
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT bucket, key, file_name, file_size, upload_status, virus_status, virus_name, error_message, attributes, modified_at, expires_at
		 FROM object_records WHERE bucket = ? AND key = ?`,
		bucket, key,
	).Scan(&r.Bucket, &r.Key, &r.FileName, &r.FileSize, &uploadStatus, &virusStatus, &r.VirusName, &r.ErrorMessage, &attributes, &r.ModifiedAt, &r.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup record %s/%s: %w", bucket, key, err)
	}

	r.UploadStatus = UploadStatus(uploadStatus)
	r.VirusStatus = VirusStatus(virusStatus)
	if err := json.Unmarshal([]byte(attributes), &r.Attributes); err != nil {
		return nil, fmt.Errorf("decode attributes of %s/%s: %w", bucket, key, err)
	}
	return &r, nil
}

// DeleteExpired removes records whose expiry is before now and returns how
// many were removed.
func (s *SQLiteStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM object_records WHERE expires_at < ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired records: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("Deleted expired records", "count", n)
	}
	return n, nil
}
