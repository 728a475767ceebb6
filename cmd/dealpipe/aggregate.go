package main

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/dealpipe/aggregator"
	"github.com/filecoin-project/dealpipe/node"
	"github.com/filecoin-project/dealpipe/node/config"
	"github.com/filecoin-project/dealpipe/piece"
)

var aggregateCmd = &cli.Command{
	Name:  "aggregate",
	Usage: "Aggregate utilities",
	Subcommands: []*cli.Command{
		aggregatePlanCmd,
	},
}

var aggregatePlanCmd = &cli.Command{
	Name:      "plan",
	Usage:     "Pack random payloads of the given sizes and show the resulting aggregate",
	ArgsUsage: "<payload size>...",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "max",
			Usage: "override the max aggregate size",
		},
		&cli.StringFlag{
			Name:  "min",
			Usage: "override the min aggregate size",
		},
		&cli.Uint64Flag{
			Name:  "factor",
			Usage: "override the min utilization factor",
		},
		&cli.IntFlag{
			Name:  "repeat",
			Usage: "use every payload size this many times",
			Value: 1,
		},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() == 0 {
			return xerrors.Errorf("expected at least one payload size")
		}

		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		ac := cfg.Aggregator
		for flag, dst := range map[string]*config.Size{"max": &ac.MaxAggregateSize, "min": &ac.MinAggregateSize} {
			if v := cctx.String(flag); v != "" {
				if err := dst.UnmarshalText([]byte(v)); err != nil {
					return xerrors.Errorf("parsing --%s: %w", flag, err)
				}
			}
		}
		if cctx.IsSet("factor") {
			ac.MinUtilizationFactor = cctx.Uint64("factor")
		}
		aggCfg, err := node.AggregatorConfig(ac)
		if err != nil {
			return err
		}

		var candidates []aggregator.BufferedPiece
		now := time.Now()
		for i := 0; i < cctx.Int("repeat"); i++ {
			for _, arg := range cctx.Args().Slice() {
				n, err := units.RAMInBytes(arg)
				if err != nil {
					return xerrors.Errorf("parsing payload size %q: %w", arg, err)
				}
				p, err := piece.Compute(io.LimitReader(rand.Reader, n), uint64(n))
				if err != nil {
					return xerrors.Errorf("computing piece for %s payload: %w", arg, err)
				}
				candidates = append(candidates, aggregator.BufferedPiece{Piece: p, InsertedAt: now, Policy: aggregator.PolicyInsertion})
			}
		}

		res, err := aggregator.AggregatePieces(candidates, aggCfg.AggregateConfig)
		if err != nil {
			return err
		}
		if res == nil {
			fmt.Printf("No aggregate: %d pieces do not reach the minimums (max %s, min %s, factor %d)\n",
				len(candidates), humanize.IBytes(uint64(ac.MaxAggregateSize)), humanize.IBytes(uint64(ac.MinAggregateSize)), ac.MinUtilizationFactor)
			return nil
		}

		agg := res.Aggregate.Piece()
		fmt.Printf("Aggregate: %s\n", agg.Link)
		fmt.Printf("Size:      %s\n", humanize.IBytes(uint64(agg.Size)))
		fmt.Printf("Used:      %s (%.1f%%)\n", humanize.IBytes(res.BytesUsed), 100*float64(res.BytesUsed)/float64(agg.Size))
		fmt.Printf("Pieces:    %d packed, %d remaining\n\n", len(res.Used), len(res.Remaining))

		tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "Piece\tSize\tStatus")
		for _, bp := range res.Used {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", bp.Piece.Link, humanize.IBytes(uint64(bp.Piece.Size)), color.GreenString("packed"))
		}
		for _, bp := range res.Remaining {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", bp.Piece.Link, humanize.IBytes(uint64(bp.Piece.Size)), color.YellowString("remaining"))
		}
		return tw.Flush()
	},
}
