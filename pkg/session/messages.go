// Package session implements the application-layer handshake and wire
// message vocabulary carried over the encrypted substrate (§4.7), plus the
// session table that tracks established clients. Grounded on
// thelastdreamer-MultiWANBond/pkg/protocol/interfaces.go's interface-
// per-message-kind idiom, translated to a tagged JSON struct since the
// substrate here carries bytes, not Go interfaces, across the wire.
package session

import (
	"encoding/json"
	"fmt"

	"github.com/fieldlink/safetransfer/pkg/xerrors"
)

// Type discriminates which concrete message a wire envelope carries.
type Type string

const (
	TypeConnect              Type = "Connect"
	TypeConnectionAccepted   Type = "ConnectionAccepted"
	TypeConnectionRejected   Type = "ConnectionRejected"
	TypeConnectionEstablished Type = "ConnectionEstablished"
	TypeStartTransfer        Type = "StartTransfer"
	TypeTransferAccepted     Type = "TransferAccepted"
	TypeTransferRejected     Type = "TransferRejected"
	TypeSendChunk            Type = "SendChunk"
	TypeChunkReceived        Type = "ChunkReceived"
	TypeTransferProgress     Type = "TransferProgress"
	TypeTransferComplete     Type = "TransferComplete"
	TypeTransferError        Type = "TransferError"
	TypePauseTransfer        Type = "PauseTransfer"
	TypeResumeTransfer       Type = "ResumeTransfer"
	TypeCancelTransfer       Type = "CancelTransfer"
	TypeQueryStatus          Type = "QueryStatus"
	TypeListFiles            Type = "ListFiles"
	TypeFileList             Type = "FileList"
)

// Message is implemented by every concrete wire message. MsgType lets Decode
// dispatch without reflection over the Type field.
type Message interface {
	MsgType() Type
}

// Capabilities is the client's self-declared feature set, offered during
// Connect and echoed back (server-scoped) in ConnectionAccepted.
type Capabilities struct {
	Resume        bool `json:"resume"`
	Parallel      bool `json:"parallel"`
	Compression   bool `json:"compression"`
	MaxChunkSize  int  `json:"max_chunk_size"`
}

// Connect is the client's opening handshake message.
type Connect struct {
	Type         Type         `json:"type"`
	ClientID     string       `json:"client_id"`
	Version      string       `json:"version"`
	AuthToken    string       `json:"auth_token,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
}

func (m Connect) MsgType() Type { return TypeConnect }

// ServerCapabilities is the server's side of the capability exchange.
type ServerCapabilities struct {
	MaxFileSize          int64    `json:"max_file_size"`
	MaxConcurrentTransfers int    `json:"max_concurrent_transfers"`
	Features             []string `json:"features"`
}

// ConnectionAccepted grants a session.
type ConnectionAccepted struct {
	Type               Type               `json:"type"`
	SessionID          string             `json:"session_id"`
	ServerCapabilities ServerCapabilities `json:"server_capabilities"`
}

func (m ConnectionAccepted) MsgType() Type { return TypeConnectionAccepted }

// ConnectionRejected refuses a handshake attempt.
type ConnectionRejected struct {
	Type   Type   `json:"type"`
	Reason string `json:"reason"`
}

func (m ConnectionRejected) MsgType() Type { return TypeConnectionRejected }

// ConnectionEstablished is the client's handshake acknowledgement; the
// session becomes active once the server processes it.
type ConnectionEstablished struct {
	Type      Type   `json:"type"`
	SessionID string `json:"session_id"`
}

func (m ConnectionEstablished) MsgType() Type { return TypeConnectionEstablished }

// StartTransfer begins a file upload, optionally resuming an earlier one.
type StartTransfer struct {
	Type             Type   `json:"type"`
	TransferID       string `json:"transfer_id"`
	FileName         string `json:"file_name"`
	RemotePath       string `json:"remote_path"`
	FileSize         int64  `json:"file_size"`
	FileHash         string `json:"file_hash"`
	Priority         string `json:"priority"`
	ResumeOffset     int64  `json:"resume_offset,omitempty"`
	PreserveMetadata bool   `json:"preserve_metadata"`
}

func (m StartTransfer) MsgType() Type { return TypeStartTransfer }

// TransferAccepted tells the client the chunk size to use going forward.
type TransferAccepted struct {
	Type      Type `json:"type"`
	ChunkSize int  `json:"chunk_size"`
}

func (m TransferAccepted) MsgType() Type { return TypeTransferAccepted }

// TransferRejected refuses a StartTransfer/ResumeTransfer request.
type TransferRejected struct {
	Type   Type   `json:"type"`
	Reason string `json:"reason"`
}

func (m TransferRejected) MsgType() Type { return TypeTransferRejected }

// SendChunk carries one chunk of file data; at most one per stream frame.
type SendChunk struct {
	Type       Type   `json:"type"`
	TransferID string `json:"transfer_id"`
	ChunkIndex int    `json:"chunk_index"`
	Offset     int64  `json:"offset"`
	Data       []byte `json:"data"`
	ChunkHash  string `json:"chunk_hash"`
	IsLast     bool   `json:"is_last"`
}

func (m SendChunk) MsgType() Type { return TypeSendChunk }

// ChunkReceived acknowledges one chunk.
type ChunkReceived struct {
	Type       Type   `json:"type"`
	TransferID string `json:"transfer_id"`
	ChunkIndex int    `json:"chunk_index"`
}

func (m ChunkReceived) MsgType() Type { return TypeChunkReceived }

// TransferProgress reports cumulative bytes accepted so far.
type TransferProgress struct {
	Type       Type  `json:"type"`
	TransferID string `json:"transfer_id"`
	BytesDone  int64 `json:"bytes_done"`
	TotalBytes int64 `json:"total_bytes"`
}

func (m TransferProgress) MsgType() Type { return TypeTransferProgress }

// TransferComplete is emitted once reassembly and integrity verification
// both succeed.
type TransferComplete struct {
	Type     Type   `json:"type"`
	FilePath string `json:"file_path"`
	FileSize int64  `json:"file_size"`
}

func (m TransferComplete) MsgType() Type { return TypeTransferComplete }

// TransferError reports a terminal transfer failure (e.g. hash mismatch).
type TransferError struct {
	Type       Type   `json:"type"`
	TransferID string `json:"transfer_id"`
	Error      string `json:"error"`
}

func (m TransferError) MsgType() Type { return TypeTransferError }

// PauseTransfer suspends an in-progress transfer.
type PauseTransfer struct {
	Type       Type   `json:"type"`
	TransferID string `json:"transfer_id"`
}

func (m PauseTransfer) MsgType() Type { return TypePauseTransfer }

// ResumeTransfer resumes a paused transfer from resume_offset.
type ResumeTransfer struct {
	Type         Type   `json:"type"`
	TransferID   string `json:"transfer_id"`
	ResumeOffset int64  `json:"resume_offset"`
}

func (m ResumeTransfer) MsgType() Type { return TypeResumeTransfer }

// CancelTransfer abandons a transfer permanently.
type CancelTransfer struct {
	Type       Type   `json:"type"`
	TransferID string `json:"transfer_id"`
}

func (m CancelTransfer) MsgType() Type { return TypeCancelTransfer }

// QueryStatus asks the server for a transfer's current state.
type QueryStatus struct {
	Type       Type   `json:"type"`
	TransferID string `json:"transfer_id"`
}

func (m QueryStatus) MsgType() Type { return TypeQueryStatus }

// ListFiles asks the server to enumerate a remote directory.
type ListFiles struct {
	Type Type   `json:"type"`
	Path string `json:"path"`
}

func (m ListFiles) MsgType() Type { return TypeListFiles }

// FileEntry is one row of a FileList response.
type FileEntry struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	IsDir   bool   `json:"is_dir"`
	ModTime int64  `json:"mod_time"`
}

// FileList answers ListFiles.
type FileList struct {
	Type    Type        `json:"type"`
	Path    string      `json:"path"`
	Entries []FileEntry `json:"entries"`
}

func (m FileList) MsgType() Type { return TypeFileList }

type typeOnly struct {
	Type Type `json:"type"`
}

// Decode inspects the envelope's type discriminator and unmarshals raw into
// the matching concrete Message. Grounded on the tagged-struct translation
// of MultiWANBond's protocol.Bonder-family interfaces noted in SPEC_FULL.md.
func Decode(raw []byte) (Message, error) {
	var head typeOnly
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, xerrors.Wrap(xerrors.TagMalformedPacket, err, "decode message envelope")
	}

	var msg Message
	switch head.Type {
	case TypeConnect:
		var m Connect
		msg = &m
	case TypeConnectionAccepted:
		var m ConnectionAccepted
		msg = &m
	case TypeConnectionRejected:
		var m ConnectionRejected
		msg = &m
	case TypeConnectionEstablished:
		var m ConnectionEstablished
		msg = &m
	case TypeStartTransfer:
		var m StartTransfer
		msg = &m
	case TypeTransferAccepted:
		var m TransferAccepted
		msg = &m
	case TypeTransferRejected:
		var m TransferRejected
		msg = &m
	case TypeSendChunk:
		var m SendChunk
		msg = &m
	case TypeChunkReceived:
		var m ChunkReceived
		msg = &m
	case TypeTransferProgress:
		var m TransferProgress
		msg = &m
	case TypeTransferComplete:
		var m TransferComplete
		msg = &m
	case TypeTransferError:
		var m TransferError
		msg = &m
	case TypePauseTransfer:
		var m PauseTransfer
		msg = &m
	case TypeResumeTransfer:
		var m ResumeTransfer
		msg = &m
	case TypeCancelTransfer:
		var m CancelTransfer
		msg = &m
	case TypeQueryStatus:
		var m QueryStatus
		msg = &m
	case TypeListFiles:
		var m ListFiles
		msg = &m
	case TypeFileList:
		var m FileList
		msg = &m
	default:
		return nil, xerrors.New(xerrors.TagMalformedPacket, fmt.Sprintf("unknown message type %q", head.Type))
	}

	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, xerrors.Wrap(xerrors.TagMalformedPacket, err, "decode message body")
	}
	return msg, nil
}

// Encode marshals a concrete Message back to its JSON wire form.
func Encode(msg Message) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.TagMalformedPacket, err, "encode message")
	}
	return b, nil
}
