package main

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/fieldlink/safetransfer/pkg/transport/fec"
)

// benchmarkCommand times FEC encode/decode throughput for a chosen preset,
// useful for sizing a WAN link's chunk size against the shard count a
// preset implies.
func benchmarkCommand() *cli.Command {
	return &cli.Command{
		Name:  "benchmark",
		Usage: "measure FEC encode/decode throughput for a preset",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "preset", Value: "default", Usage: "telemetry, file_transfer, patchy, default"},
			&cli.StringFlag{Name: "algorithm", Value: "reed_solomon", Usage: "xor or reed_solomon"},
			&cli.IntFlag{Name: "block-size", Value: 64 * 1024},
			&cli.IntFlag{Name: "iterations", Value: 200},
		},
		Action: func(c *cli.Context) error {
			preset := presetByName(c.String("preset"))
			alg := fec.AlgorithmReedSolomon
			if c.String("algorithm") == "xor" {
				alg = fec.AlgorithmXOR
			}

			enc, err := fec.NewEncoder(alg, preset)
			if err != nil {
				return err
			}

			payload := make([]byte, c.Int("block-size"))
			if _, err := rand.Read(payload); err != nil {
				return err
			}

			iterations := c.Int("iterations")
			start := time.Now()
			var totalBytes int64
			for i := 0; i < iterations; i++ {
				dec := fec.NewDecoder(1)
				shards, info, err := enc.EncodeBlock(uint32(i), payload)
				if err != nil {
					return err
				}
				var decoded bool
				for idx, shard := range shards {
					if _, decoded, err = dec.AddShard(info, idx, shard); err != nil {
						return err
					}
					if decoded {
						break
					}
				}
				totalBytes += int64(len(payload))
			}
			elapsed := time.Since(start)

			throughputMBs := float64(totalBytes) / elapsed.Seconds() / (1024 * 1024)
			fmt.Printf("preset=%s algorithm=%s iterations=%d elapsed=%s throughput=%.2f MB/s\n",
				preset.Name, alg, iterations, elapsed, throughputMBs)
			return nil
		},
	}
}

func presetByName(name string) fec.Preset {
	switch name {
	case "telemetry":
		return fec.PresetTelemetry
	case "file_transfer":
		return fec.PresetFileTransfer
	case "patchy":
		return fec.PresetPatchy
	default:
		return fec.PresetDefault
	}
}
