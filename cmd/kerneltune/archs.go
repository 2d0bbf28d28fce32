package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kerneltune/internal/arch"
)

func archsCmd() *cli.Command {
	var asJSON bool
	return &cli.Command{
		Name:  "archs",
		Usage: "List the target presets and the detected host",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print full descriptors as JSON", Destination: &asJSON},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			descs := []arch.Descriptor{arch.Host()}
			for _, n := range arch.Names() {
				d, err := arch.Lookup(n)
				if err != nil {
					return err
				}
				descs = append(descs, d)
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(descs)
			}
			fmt.Printf("%-10s %-5s %4s %5s %10s %10s %8s\n", "Name", "Kind", "CC", "SMs", "Smem/blk", "BW GB/s", "Vec B")
			for _, d := range descs {
				fmt.Printf("%-10s %-5s %4d %5d %10d %10.0f %8d\n",
					d.Name, d.Kind, d.ComputeCapability, d.SMCount, d.SharedMemPerBlock, d.MemoryBandwidth, d.VectorBytes)
			}
			return nil
		},
	}
}
