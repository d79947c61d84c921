// Package transfer implements the chunked file-upload half of the session
// layer (§4.7): StartTransfer/SendChunk handling, resume, pause/cancel, and
// the transfer state machine. Grounded on thelastdreamer-MultiWANBond/pkg/
// server/session_manager.go's per-entity table + owned-mutex idiom, adapted
// from connection bookkeeping to transfer bookkeeping, and backed by
// pkg/storage for durable chunk/file persistence.
package transfer

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/fieldlink/safetransfer/pkg/session"
	"github.com/fieldlink/safetransfer/pkg/storage"
	"github.com/fieldlink/safetransfer/pkg/xerrors"
)

// State is the transfer's position in its lifecycle (spec §4.7/§8).
type State string

const (
	StateQueued     State = "queued"
	StateInProgress State = "in_progress"
	StatePaused     State = "paused"
	StateVerifying  State = "verifying"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
	StateCorrupted  State = "corrupted"
)

// Transfer is one file upload in flight or at rest.
type Transfer struct {
	mu sync.RWMutex

	ID               string
	FileName         string
	RemotePath       string
	FileSize         int64
	FileHash         string
	Priority         string
	ChunkSize        int
	NumChunks        int
	PreserveMetadata bool
	HashAlgo         HashAlgorithm

	received     map[int]int64
	bytesDone    int64
	state        State
	lastActivity time.Time
}

// Snapshot is a point-in-time, lock-free copy of a Transfer's state.
type Snapshot struct {
	ID         string
	FileName   string
	RemotePath string
	FileSize   int64
	BytesDone  int64
	NumChunks  int
	Received   int
	State      State
}

// Snapshot copies out t's current state without exposing its lock.
func (t *Transfer) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		ID:         t.ID,
		FileName:   t.FileName,
		RemotePath: t.RemotePath,
		FileSize:   t.FileSize,
		BytesDone:  t.bytesDone,
		NumChunks:  t.NumChunks,
		Received:   len(t.received),
		State:      t.state,
	}
}

// Manager owns the transfer table, per spec §5 "transfer table" shared
// resource: mutated only through its exported methods under its own lock.
type Manager struct {
	mu        sync.RWMutex
	transfers map[string]*Transfer

	store            *storage.Store
	rootDir          string
	defaultChunkSize int
	maxFileSize      int64
	hashAlgo         HashAlgorithm
}

// Option configures a Manager at construction time.
type Option func(*Manager)

func WithDefaultChunkSize(n int) Option { return func(m *Manager) { m.defaultChunkSize = n } }
func WithMaxFileSize(n int64) Option    { return func(m *Manager) { m.maxFileSize = n } }
func WithHashAlgorithm(a HashAlgorithm) Option { return func(m *Manager) { m.hashAlgo = a } }
func WithRootDir(dir string) Option     { return func(m *Manager) { m.rootDir = dir } }

// NewManager constructs a transfer table backed by store.
func NewManager(store *storage.Store, opts ...Option) *Manager {
	m := &Manager{
		transfers:        make(map[string]*Transfer),
		store:            store,
		rootDir:          ".",
		defaultChunkSize: 64 * 1024,
		maxFileSize:      1 << 40,
		hashAlgo:         HashBlake3,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) get(id string) (*Transfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transfers[id]
	if !ok {
		return nil, xerrors.New(xerrors.TagTransferRejected, "unknown transfer_id")
	}
	return t, nil
}

// HandleStartTransfer begins a new upload, or resumes a previously
// interrupted one when resume_offset is set (spec §4.7 "Resume" — scenario
// E reconnects with a new session but the same transfer_id).
func (m *Manager) HandleStartTransfer(req session.StartTransfer, now time.Time) (session.TransferAccepted, session.TransferRejected, bool) {
	if req.FileSize > m.maxFileSize {
		return session.TransferAccepted{}, reject("file_size exceeds max_file_size"), false
	}

	chunkSize := m.defaultChunkSize
	numChunks := numChunksFor(req.FileSize, chunkSize)

	t := &Transfer{
		ID:               req.TransferID,
		FileName:         req.FileName,
		RemotePath:       req.RemotePath,
		FileSize:         req.FileSize,
		FileHash:         req.FileHash,
		Priority:         req.Priority,
		ChunkSize:        chunkSize,
		NumChunks:        numChunks,
		PreserveMetadata: req.PreserveMetadata,
		HashAlgo:         m.hashAlgo,
		received:         make(map[int]int64),
		state:            StateInProgress,
		lastActivity:     now,
	}

	if req.ResumeOffset > 0 {
		if err := m.resumeFromOffset(t, req.ResumeOffset); err != nil {
			return session.TransferAccepted{}, reject(err.Error()), false
		}
	}

	m.mu.Lock()
	m.transfers[t.ID] = t
	m.mu.Unlock()

	m.persist(t)

	return session.TransferAccepted{Type: session.TypeTransferAccepted, ChunkSize: chunkSize}, session.TransferRejected{}, true
}

func reject(reason string) session.TransferRejected {
	return session.TransferRejected{Type: session.TypeTransferRejected, Reason: reason}
}

func numChunksFor(fileSize int64, chunkSize int) int {
	if fileSize == 0 {
		return 1
	}
	n := fileSize / int64(chunkSize)
	if fileSize%int64(chunkSize) != 0 {
		n++
	}
	return int(n)
}

// resumeFromOffset validates that chunks 0..resumeOffset/chunk_size-1 are
// already safely stored, and marks them received so SendChunk will not
// expect them again.
func (m *Manager) resumeFromOffset(t *Transfer, resumeOffset int64) error {
	priorChunks := int(resumeOffset / int64(t.ChunkSize))
	var bytesDone int64
	for i := 0; i < priorChunks; i++ {
		size, err := m.store.ChunkSize(t.ID, i)
		if err != nil {
			return xerrors.Wrap(xerrors.TagChunkIntegrityFailure, err, fmt.Sprintf("resume: chunk %d missing or unreadable", i))
		}
		t.received[i] = size
		bytesDone += size
	}
	t.bytesDone = bytesDone
	return nil
}

func (m *Manager) persist(t *Transfer) {
	snap := t.Snapshot()
	m.store.SaveTransferState(storage.TransferRecord{
		TransferID: snap.ID,
		FileName:   snap.FileName,
		RemotePath: snap.RemotePath,
		FileSize:   snap.FileSize,
		FileHash:   t.FileHash,
		BytesDone:  snap.BytesDone,
		State:      string(snap.State),
		UpdatedAt:  time.Now(),
	})
}

// HandleSendChunk processes one SendChunk frame, returning the message to
// send back to the client: ChunkReceived for an ordinary accepted chunk,
// TransferComplete/TransferError once the last chunk closes out the
// transfer, or an error when the chunk cannot be accepted at all (unknown
// transfer, bad state) or fails its integrity check. A chunk that fails its
// integrity check is not stored, the transfer stays in progress, and a later
// SendChunk for the same index is accepted normally; nothing in this package
// resends the chunk.
func (m *Manager) HandleSendChunk(req session.SendChunk, now time.Time) (interface{}, error) {
	t, err := m.get(req.TransferID)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.state == StateCompleted || t.state == StateCancelled || t.state == StateCorrupted {
		t.mu.Unlock()
		return nil, xerrors.New(xerrors.TagTransferRejected, "transfer is not accepting chunks")
	}
	if req.ChunkIndex < 0 || req.ChunkIndex >= t.NumChunks {
		t.mu.Unlock()
		return nil, xerrors.New(xerrors.TagTransferRejected, fmt.Sprintf("chunk_index %d out of range", req.ChunkIndex))
	}
	if _, already := t.received[req.ChunkIndex]; already {
		t.mu.Unlock()
		return session.ChunkReceived{Type: session.TypeChunkReceived, TransferID: req.TransferID, ChunkIndex: req.ChunkIndex}, nil
	}
	t.mu.Unlock()

	if sumBytes(t.HashAlgo, req.Data) != req.ChunkHash {
		return nil, xerrors.New(xerrors.TagChunkIntegrityFailure, fmt.Sprintf("chunk %d failed integrity check", req.ChunkIndex))
	}

	if err := m.store.WriteChunk(req.TransferID, req.ChunkIndex, req.Data); err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.received[req.ChunkIndex] = int64(len(req.Data))
	t.bytesDone += int64(len(req.Data))
	t.lastActivity = now
	allReceived := len(t.received) == t.NumChunks
	t.mu.Unlock()

	m.persist(t)

	if !allReceived {
		return session.ChunkReceived{Type: session.TypeChunkReceived, TransferID: req.TransferID, ChunkIndex: req.ChunkIndex}, nil
	}

	return m.completeTransfer(t)
}

// completeTransfer reassembles the file in chunk-index order and verifies
// its integrity digest. HandleSendChunk calls it once every chunk index has
// been received; the SendChunk is_last flag is not consulted.
func (m *Manager) completeTransfer(t *Transfer) (interface{}, error) {
	t.mu.Lock()
	t.state = StateVerifying
	t.mu.Unlock()

	destPath := filepath.Join(m.rootDir, t.RemotePath)
	size, err := m.store.Reassemble(t.ID, destPath, t.NumChunks)
	if err != nil {
		t.mu.Lock()
		t.state = StateFailed
		t.mu.Unlock()
		m.persist(t)
		return session.TransferError{Type: session.TypeTransferError, TransferID: t.ID, Error: err.Error()}, nil
	}

	actualHash, err := sumFile(t.HashAlgo, destPath)
	if err != nil {
		t.mu.Lock()
		t.state = StateFailed
		t.mu.Unlock()
		m.persist(t)
		return session.TransferError{Type: session.TypeTransferError, TransferID: t.ID, Error: err.Error()}, nil
	}

	if actualHash != t.FileHash {
		t.mu.Lock()
		t.state = StateCorrupted
		t.mu.Unlock()
		m.persist(t)
		return session.TransferError{
			Type:       session.TypeTransferError,
			TransferID: t.ID,
			Error:      "reassembled file hash does not match file_hash",
		}, nil
	}

	t.mu.Lock()
	t.state = StateCompleted
	t.mu.Unlock()
	m.persist(t)
	m.store.DeleteChunks(t.ID, t.NumChunks)

	return session.TransferComplete{Type: session.TypeTransferComplete, FilePath: destPath, FileSize: size}, nil
}

// HandlePauseTransfer suspends an in-progress transfer; its chunks remain on
// disk for a later ResumeTransfer.
func (m *Manager) HandlePauseTransfer(req session.PauseTransfer) error {
	t, err := m.get(req.TransferID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.state = StatePaused
	t.mu.Unlock()
	m.persist(t)
	return nil
}

// HandleResumeTransfer re-validates the chunks implied by resume_offset and
// puts a paused transfer back in progress.
func (m *Manager) HandleResumeTransfer(req session.ResumeTransfer) error {
	t, err := m.get(req.TransferID)
	if err != nil {
		return err
	}
	if err := m.resumeFromOffset(t, req.ResumeOffset); err != nil {
		return err
	}
	t.mu.Lock()
	t.state = StateInProgress
	t.mu.Unlock()
	m.persist(t)
	return nil
}

// HandleCancelTransfer abandons a transfer permanently, releasing its
// chunk files.
func (m *Manager) HandleCancelTransfer(req session.CancelTransfer) error {
	t, err := m.get(req.TransferID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.state = StateCancelled
	numChunks := t.NumChunks
	t.mu.Unlock()

	m.store.DeleteChunks(t.ID, numChunks)
	m.persist(t)

	m.mu.Lock()
	delete(m.transfers, t.ID)
	m.mu.Unlock()
	return nil
}

// HandleQueryStatus reports a transfer's current progress.
func (m *Manager) HandleQueryStatus(req session.QueryStatus) (session.TransferProgress, error) {
	t, err := m.get(req.TransferID)
	if err != nil {
		return session.TransferProgress{}, err
	}
	snap := t.Snapshot()
	return session.TransferProgress{
		Type:       session.TypeTransferProgress,
		TransferID: snap.ID,
		BytesDone:  snap.BytesDone,
		TotalBytes: snap.FileSize,
	}, nil
}

// HandleListFiles enumerates one remote directory, rooted at m.rootDir so a
// client cannot escape it via a crafted path.
func (m *Manager) HandleListFiles(req session.ListFiles) (session.FileList, error) {
	target := filepath.Join(m.rootDir, filepath.Clean("/"+req.Path))

	entries, err := os.ReadDir(target)
	if err != nil {
		return session.FileList{}, xerrors.Wrap(xerrors.TagFileIntegrityFailure, err, "list directory")
	}

	list := session.FileList{Type: session.TypeFileList, Path: req.Path}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		list.Entries = append(list.Entries, session.FileEntry{
			Name:    e.Name(),
			Size:    info.Size(),
			IsDir:   e.IsDir(),
			ModTime: info.ModTime().Unix(),
		})
	}
	return list, nil
}

// NewTransferID generates a transfer_id for clients constructing
// StartTransfer messages (id generation grounded on rs/xid, matching
// session.Manager's session_id generation and the teacher pack's
// runZeroInc-conniver/sockstats ID idiom cited in SPEC_FULL.md).
func NewTransferID() string { return xid.New().String() }
