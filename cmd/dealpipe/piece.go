package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/dealpipe/piece"
)

var pieceCmd = &cli.Command{
	Name:  "piece",
	Usage: "Piece utilities",
	Subcommands: []*cli.Command{
		pieceCommpCmd,
	},
}

var pieceCommpCmd = &cli.Command{
	Name:      "commp",
	Usage:     "Compute the piece CID of a file",
	ArgsUsage: "<file>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return xerrors.Errorf("expected 1 argument")
		}

		f, err := os.Open(cctx.Args().First())
		if err != nil {
			return err
		}
		defer f.Close() //nolint:errcheck

		st, err := f.Stat()
		if err != nil {
			return err
		}
		p, err := piece.Compute(f, uint64(st.Size()))
		if err != nil {
			return err
		}

		fmt.Printf("CID:  %s\n", p.Link)
		fmt.Printf("Size: %s (%d padded, payload %s)\n", humanize.IBytes(uint64(p.Size)), p.Size, humanize.IBytes(uint64(st.Size())))
		return nil
	},
}
