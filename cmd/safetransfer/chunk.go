package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/fieldlink/safetransfer/pkg/transfer"
)

// chunkCommand reads a file in fixed-size chunks, printing each
// chunk's index, byte range, and integrity hash — the same bookkeeping
// StartTransfer/SendChunk perform internally, exposed as a standalone
// diagnostic for operators preparing a manual upload or inspecting a
// partially-transferred file.
func chunkCommand() *cli.Command {
	return &cli.Command{
		Name:  "chunk",
		Usage: "split a file into chunks and print their integrity hashes",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Required: true},
			&cli.IntFlag{Name: "chunk-size", Value: 256 * 1024},
			&cli.StringFlag{Name: "hash", Value: "blake3", Usage: "blake3 or crc32"},
		},
		Action: func(c *cli.Context) error {
			algo := transfer.HashBlake3
			if c.String("hash") == "crc32" {
				algo = transfer.HashCRC32
			}

			f, err := os.Open(c.String("file"))
			if err != nil {
				return err
			}
			defer f.Close()

			info, err := f.Stat()
			if err != nil {
				return err
			}

			fileHash, err := transfer.SumFile(algo, c.String("file"))
			if err != nil {
				return err
			}
			fmt.Printf("file_hash=%s size=%d\n", fileHash, info.Size())

			chunkSize := c.Int("chunk-size")
			buf := make([]byte, chunkSize)
			index := 0
			offset := int64(0)
			for {
				n, readErr := f.Read(buf)
				if n > 0 {
					hash := transfer.SumBytes(algo, buf[:n])
					fmt.Printf("chunk_index=%d offset=%d size=%d chunk_hash=%s\n", index, offset, n, hash)
					offset += int64(n)
					index++
				}
				if readErr != nil {
					break
				}
			}
			return nil
		},
	}
}
