// Package storage persists transfer state and chunk bytes to disk. Chunk
// bytes live as flat files under a base directory, and their presence is
// what a resume is checked against, so a resume works across server
// restarts; transfer bookkeeping is additionally written to a
// go-sqlite3-backed table, which pkg/transfer writes but never reads back
// when resuming. The table is grounded on the persistence layer this module inherits from the
// broader retrieval pack (no example repo ships a storage layer of its own,
// so this package follows the plain database/sql + driver idiom the pack's
// go.mod entry for go-sqlite3 implies rather than any one file).
package storage

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/fieldlink/safetransfer/pkg/xerrors"
)

// TransferRecord is the durable bookkeeping row for one transfer.
type TransferRecord struct {
	TransferID string
	FileName   string
	RemotePath string
	FileSize   int64
	FileHash   string
	BytesDone  int64
	State      string
	UpdatedAt  time.Time
}

// Store owns the chunk directory and the sqlite bookkeeping database.
type Store struct {
	db      *sql.DB
	baseDir string
}

// Open creates (if needed) the chunk directory and sqlite schema at dbPath.
func Open(baseDir, dbPath string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.TagFileIntegrityFailure, err, "create chunk directory")
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.TagFileIntegrityFailure, err, "open sqlite database")
	}

	const schema = `
CREATE TABLE IF NOT EXISTS transfers (
	transfer_id TEXT PRIMARY KEY,
	file_name   TEXT NOT NULL,
	remote_path TEXT NOT NULL,
	file_size   INTEGER NOT NULL,
	file_hash   TEXT NOT NULL,
	bytes_done  INTEGER NOT NULL,
	state       TEXT NOT NULL,
	updated_at  INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.TagFileIntegrityFailure, err, "create transfers table")
	}

	return &Store{db: db, baseDir: baseDir}, nil
}

// Close releases the underlying sqlite connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) chunkPath(transferID string, index int) string {
	return filepath.Join(s.baseDir, fmt.Sprintf("%s_%d.chunk", transferID, index))
}

// WriteChunk stores one chunk's bytes under its transfer/index name.
func (s *Store) WriteChunk(transferID string, index int, data []byte) error {
	path := s.chunkPath(transferID, index)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return xerrors.Wrap(xerrors.TagChunkIntegrityFailure, err, "write chunk file")
	}
	return nil
}

// ChunkExists reports whether a chunk file is present. Resume validation in
// pkg/transfer uses ChunkSize, which also fails for an absent chunk.
func (s *Store) ChunkExists(transferID string, index int) bool {
	_, err := os.Stat(s.chunkPath(transferID, index))
	return err == nil
}

// ChunkSize returns the byte size of a stored chunk, or an error if absent.
func (s *Store) ChunkSize(transferID string, index int) (int64, error) {
	info, err := os.Stat(s.chunkPath(transferID, index))
	if err != nil {
		return 0, xerrors.Wrap(xerrors.TagChunkIntegrityFailure, err, "stat chunk file")
	}
	return info.Size(), nil
}

// DeleteChunks removes every chunk file belonging to a transfer, used on
// cancellation or after successful reassembly.
func (s *Store) DeleteChunks(transferID string, numChunks int) {
	for i := 0; i < numChunks; i++ {
		os.Remove(s.chunkPath(transferID, i))
	}
}

// Reassemble concatenates chunks 0..numChunks-1 in index order into destPath,
// creating any missing parent directories first.
func (s *Store) Reassemble(transferID, destPath string, numChunks int) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, xerrors.Wrap(xerrors.TagFileIntegrityFailure, err, "create destination directory")
	}

	out, err := os.Create(destPath)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.TagFileIntegrityFailure, err, "create reassembled file")
	}
	defer out.Close()

	var total int64
	for i := 0; i < numChunks; i++ {
		chunk, err := os.Open(s.chunkPath(transferID, i))
		if err != nil {
			return total, xerrors.Wrap(xerrors.TagChunkIntegrityFailure, err, "open chunk for reassembly")
		}
		n, err := io.Copy(out, chunk)
		chunk.Close()
		total += n
		if err != nil {
			return total, xerrors.Wrap(xerrors.TagFileIntegrityFailure, err, "copy chunk into reassembled file")
		}
	}
	return total, nil
}

// SaveTransferState upserts a transfer's bookkeeping row.
func (s *Store) SaveTransferState(rec TransferRecord) error {
	const stmt = `
INSERT INTO transfers (transfer_id, file_name, remote_path, file_size, file_hash, bytes_done, state, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(transfer_id) DO UPDATE SET
	bytes_done = excluded.bytes_done,
	state = excluded.state,
	updated_at = excluded.updated_at;`
	_, err := s.db.Exec(stmt, rec.TransferID, rec.FileName, rec.RemotePath, rec.FileSize,
		rec.FileHash, rec.BytesDone, rec.State, rec.UpdatedAt.Unix())
	if err != nil {
		return xerrors.Wrap(xerrors.TagFileIntegrityFailure, err, "save transfer state")
	}
	return nil
}

// LoadTransferState retrieves a transfer's bookkeeping row, if one exists.
func (s *Store) LoadTransferState(transferID string) (TransferRecord, bool, error) {
	const query = `
SELECT transfer_id, file_name, remote_path, file_size, file_hash, bytes_done, state, updated_at
FROM transfers WHERE transfer_id = ?;`

	var rec TransferRecord
	var updatedAt int64
	err := s.db.QueryRow(query, transferID).Scan(
		&rec.TransferID, &rec.FileName, &rec.RemotePath, &rec.FileSize,
		&rec.FileHash, &rec.BytesDone, &rec.State, &updatedAt)
	if err == sql.ErrNoRows {
		return TransferRecord{}, false, nil
	}
	if err != nil {
		return TransferRecord{}, false, xerrors.Wrap(xerrors.TagFileIntegrityFailure, err, "load transfer state")
	}
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return rec, true, nil
}

// DeleteTransferState removes a transfer's bookkeeping row.
func (s *Store) DeleteTransferState(transferID string) error {
	if _, err := s.db.Exec(`DELETE FROM transfers WHERE transfer_id = ?;`, transferID); err != nil {
		return xerrors.Wrap(xerrors.TagFileIntegrityFailure, err, "delete transfer state")
	}
	return nil
}
