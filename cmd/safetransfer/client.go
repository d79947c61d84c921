package main

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/fieldlink/safetransfer/pkg/session"
	"github.com/fieldlink/safetransfer/pkg/substrate"
	"github.com/fieldlink/safetransfer/pkg/transfer"
)

// clientTransferCommand dials a server and uploads one file end to end:
// handshake, StartTransfer, a SendChunk per chunk, and reads the final
// TransferComplete/TransferError. Grounded on the same handshake/transfer
// sequence pkg/session and pkg/transfer implement server-side; this is
// simply the client half of the same wire protocol.
func clientTransferCommand() *cli.Command {
	return &cli.Command{
		Name:  "client-transfer",
		Usage: "upload a file to a safetransfer server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "address", Required: true},
			&cli.StringFlag{Name: "key", Required: true, Usage: "hex-encoded substrate key, see keygen"},
			&cli.StringFlag{Name: "file", Required: true},
			&cli.StringFlag{Name: "remote-path", Required: true},
			&cli.StringFlag{Name: "client-id", Value: "cli-client"},
			&cli.IntFlag{Name: "chunk-size", Value: 256 * 1024},
		},
		Action: func(c *cli.Context) error {
			key, err := loadKeyFlag(c)
			if err != nil {
				return err
			}
			dialer := substrate.NewTCPDialer(key)
			conn, err := dialer.Dial("tcp", c.String("address"))
			if err != nil {
				return err
			}
			defer conn.Close()

			stream, err := conn.OpenStream()
			if err != nil {
				return err
			}

			clientID := c.String("client-id")
			if err := session.WriteMessage(stream, session.Connect{
				Type:     session.TypeConnect,
				ClientID: clientID,
				Version:  "1.0",
			}); err != nil {
				return err
			}
			reply, err := session.ReadMessage(stream)
			if err != nil {
				return err
			}
			accepted, ok := reply.(*session.ConnectionAccepted)
			if !ok {
				if rejected, ok := reply.(*session.ConnectionRejected); ok {
					return fmt.Errorf("connection rejected: %s", rejected.Reason)
				}
				return fmt.Errorf("unexpected handshake reply: %T", reply)
			}
			if err := session.WriteMessage(stream, session.ConnectionEstablished{
				Type:      session.TypeConnectionEstablished,
				SessionID: accepted.SessionID,
			}); err != nil {
				return err
			}

			return uploadFile(stream, c.String("file"), c.String("remote-path"), c.Int("chunk-size"))
		},
	}
}

func uploadFile(stream substrate.Stream, path, remotePath string, chunkSize int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	fileHash, err := transfer.SumFile(transfer.HashBlake3, path)
	if err != nil {
		return err
	}

	transferID := transfer.NewTransferID()
	if err := session.WriteMessage(stream, session.StartTransfer{
		Type:       session.TypeStartTransfer,
		TransferID: transferID,
		FileName:   info.Name(),
		RemotePath: remotePath,
		FileSize:   info.Size(),
		FileHash:   fileHash,
		Priority:   "medium",
	}); err != nil {
		return err
	}
	reply, err := session.ReadMessage(stream)
	if err != nil {
		return err
	}
	accepted, ok := reply.(*session.TransferAccepted)
	if !ok {
		if rejected, ok := reply.(*session.TransferRejected); ok {
			return fmt.Errorf("transfer rejected: %s", rejected.Reason)
		}
		return fmt.Errorf("unexpected StartTransfer reply: %T", reply)
	}

	buf := make([]byte, accepted.ChunkSize)
	index := 0
	offset := int64(0)
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			isLast := readErr == io.EOF || offset+int64(n) >= info.Size()
			if err := session.WriteMessage(stream, session.SendChunk{
				Type:       session.TypeSendChunk,
				TransferID: transferID,
				ChunkIndex: index,
				Offset:     offset,
				Data:       append([]byte(nil), chunk...),
				ChunkHash:  transfer.SumBytes(transfer.HashBlake3, chunk),
				IsLast:     isLast,
			}); err != nil {
				return err
			}

			ack, err := session.ReadMessage(stream)
			if err != nil {
				return err
			}
			switch m := ack.(type) {
			case *session.TransferComplete:
				fmt.Printf("transfer complete: %s (%d bytes)\n", m.FilePath, m.FileSize)
				return nil
			case *session.TransferError:
				return fmt.Errorf("transfer failed: %s", m.Error)
			case *session.ChunkReceived:
				// continue
			default:
				return fmt.Errorf("unexpected SendChunk reply: %T", ack)
			}

			offset += int64(n)
			index++
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return readErr
		}
	}
}
