package transfer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fieldlink/safetransfer/pkg/session"
	"github.com/fieldlink/safetransfer/pkg/storage"
	"github.com/fieldlink/safetransfer/pkg/xerrors"
)

func openTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := storage.Open(filepath.Join(dir, "chunks"), filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	root := filepath.Join(dir, "files")
	os.MkdirAll(root, 0o755)

	m := NewManager(st, WithDefaultChunkSize(64*1024), WithRootDir(root))
	return m, root
}

func TestSmallFileHappyPath(t *testing.T) {
	m, root := openTestManager(t)
	now := time.Now()

	content := []byte("Hello, World!\n")
	hash := sumBytes(HashBlake3, content)

	accepted, _, ok := m.HandleStartTransfer(session.StartTransfer{
		Type:       session.TypeStartTransfer,
		TransferID: "xfer-a",
		FileName:   "hello.txt",
		RemotePath: "hello.txt",
		FileSize:   int64(len(content)),
		FileHash:   hash,
		Priority:   "medium",
	}, now)
	if !ok {
		t.Fatalf("expected StartTransfer to be accepted")
	}
	if accepted.ChunkSize != 64*1024 {
		t.Fatalf("chunk size = %d", accepted.ChunkSize)
	}

	resp, err := m.HandleSendChunk(session.SendChunk{
		Type:       session.TypeSendChunk,
		TransferID: "xfer-a",
		ChunkIndex: 0,
		Data:       content,
		ChunkHash:  sumBytes(HashBlake3, content),
		IsLast:     true,
	}, now)
	if err != nil {
		t.Fatalf("send chunk: %v", err)
	}

	complete, ok := resp.(session.TransferComplete)
	if !ok {
		t.Fatalf("expected TransferComplete, got %T: %+v", resp, resp)
	}
	if complete.FileSize != int64(len(content)) {
		t.Fatalf("file size = %d, want %d", complete.FileSize, len(content))
	}

	got, err := os.ReadFile(filepath.Join(root, "hello.txt"))
	if err != nil {
		t.Fatalf("read reassembled file: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("reassembled contents = %q, want %q", got, content)
	}
}

func TestChunkIntegrityFailureIsDroppedNotFatal(t *testing.T) {
	m, _ := openTestManager(t)
	now := time.Now()

	m.HandleStartTransfer(session.StartTransfer{
		Type: session.TypeStartTransfer, TransferID: "xfer-b", FileName: "f",
		RemotePath: "f", FileSize: 5, FileHash: sumBytes(HashBlake3, []byte("abcde")),
	}, now)

	_, err := m.HandleSendChunk(session.SendChunk{
		Type: session.TypeSendChunk, TransferID: "xfer-b", ChunkIndex: 0,
		Data: []byte("abcde"), ChunkHash: "wrong-hash",
	}, now)
	if err == nil {
		t.Fatalf("expected an error for a corrupted chunk")
	}
	if tag, _ := xerrors.TagOf(err); tag != xerrors.TagChunkIntegrityFailure {
		t.Fatalf("tag = %v, want ChunkIntegrityFailure", tag)
	}

	snap, err := m.get("xfer-b")
	if err != nil {
		t.Fatalf("transfer should still exist: %v", err)
	}
	if snap.Snapshot().State != StateInProgress {
		t.Fatalf("transfer should remain in_progress after a dropped bad chunk")
	}
}

func TestResumeTransferAfterDisconnect(t *testing.T) {
	m, root := openTestManager(t)
	now := time.Now()

	chunkSize := 4
	m2 := NewManager(m.store, WithDefaultChunkSize(chunkSize), WithRootDir(root))

	full := []byte("AAAABBBBCC") // 3 chunks of size 4,4,2
	hash := sumBytes(HashBlake3, full)

	m2.HandleStartTransfer(session.StartTransfer{
		Type: session.TypeStartTransfer, TransferID: "xfer-e", FileName: "f.bin",
		RemotePath: "f.bin", FileSize: int64(len(full)), FileHash: hash,
	}, now)

	m2.HandleSendChunk(session.SendChunk{Type: session.TypeSendChunk, TransferID: "xfer-e", ChunkIndex: 0, Data: full[0:4], ChunkHash: sumBytes(HashBlake3, full[0:4])}, now)
	m2.HandleSendChunk(session.SendChunk{Type: session.TypeSendChunk, TransferID: "xfer-e", ChunkIndex: 1, Data: full[4:8], ChunkHash: sumBytes(HashBlake3, full[4:8])}, now)

	// Simulate reconnect: new manager instance (fresh process), same store.
	m3 := NewManager(m.store, WithDefaultChunkSize(chunkSize), WithRootDir(root))
	_, _, ok := m3.HandleStartTransfer(session.StartTransfer{
		Type: session.TypeStartTransfer, TransferID: "xfer-e", FileName: "f.bin",
		RemotePath: "f.bin", FileSize: int64(len(full)), FileHash: hash,
		ResumeOffset: 8,
	}, now.Add(time.Second))
	if !ok {
		t.Fatalf("expected resume to be accepted")
	}

	resp, err := m3.HandleSendChunk(session.SendChunk{
		Type: session.TypeSendChunk, TransferID: "xfer-e", ChunkIndex: 2,
		Data: full[8:10], ChunkHash: sumBytes(HashBlake3, full[8:10]), IsLast: true,
	}, now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("send final chunk: %v", err)
	}
	if _, ok := resp.(session.TransferComplete); !ok {
		t.Fatalf("expected TransferComplete, got %T", resp)
	}

	got, _ := os.ReadFile(filepath.Join(root, "f.bin"))
	if string(got) != string(full) {
		t.Fatalf("reassembled = %q, want %q", got, full)
	}
}

func TestCorruptReassemblyYieldsTransferError(t *testing.T) {
	m, _ := openTestManager(t)
	now := time.Now()

	content := []byte("payload")
	m.HandleStartTransfer(session.StartTransfer{
		Type: session.TypeStartTransfer, TransferID: "xfer-c", FileName: "c",
		RemotePath: "c", FileSize: int64(len(content)), FileHash: "0000000000000000",
	}, now)

	resp, err := m.HandleSendChunk(session.SendChunk{
		Type: session.TypeSendChunk, TransferID: "xfer-c", ChunkIndex: 0,
		Data: content, ChunkHash: sumBytes(HashBlake3, content), IsLast: true,
	}, now)
	if err != nil {
		t.Fatalf("send chunk: %v", err)
	}
	te, ok := resp.(session.TransferError)
	if !ok {
		t.Fatalf("expected TransferError for file_hash mismatch, got %T", resp)
	}
	if te.TransferID != "xfer-c" {
		t.Fatalf("unexpected transfer id in error: %+v", te)
	}
}

func TestCancelTransferRemovesFromTable(t *testing.T) {
	m, _ := openTestManager(t)
	now := time.Now()

	m.HandleStartTransfer(session.StartTransfer{
		Type: session.TypeStartTransfer, TransferID: "xfer-d", FileName: "d",
		RemotePath: "d", FileSize: 5, FileHash: "x",
	}, now)

	if err := m.HandleCancelTransfer(session.CancelTransfer{Type: session.TypeCancelTransfer, TransferID: "xfer-d"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := m.get("xfer-d"); err == nil {
		t.Fatalf("expected transfer to be removed after cancellation")
	}
}

func TestQueryStatusReportsProgress(t *testing.T) {
	m, _ := openTestManager(t)
	now := time.Now()

	content := []byte("0123456789")
	m.HandleStartTransfer(session.StartTransfer{
		Type: session.TypeStartTransfer, TransferID: "xfer-f", FileName: "f",
		RemotePath: "f", FileSize: int64(len(content)), FileHash: sumBytes(HashBlake3, content),
	}, now)

	progress, err := m.HandleQueryStatus(session.QueryStatus{Type: session.TypeQueryStatus, TransferID: "xfer-f"})
	if err != nil {
		t.Fatalf("query status: %v", err)
	}
	if progress.BytesDone != 0 || progress.TotalBytes != int64(len(content)) {
		t.Fatalf("unexpected progress: %+v", progress)
	}
}
