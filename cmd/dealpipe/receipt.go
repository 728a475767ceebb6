package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/ipfs/go-cid"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/dealpipe/node"
	"github.com/filecoin-project/dealpipe/workflow"
)

var receiptCmd = &cli.Command{
	Name:  "receipt",
	Usage: "Inspect stored receipts",
	Subcommands: []*cli.Command{
		receiptChainCmd,
	},
}

var receiptChainCmd = &cli.Command{
	Name:      "chain",
	Usage:     "Follow the receipts joined from a task",
	ArgsUsage: "<task cid>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return xerrors.Errorf("expected 1 argument")
		}
		task, err := cid.Decode(cctx.Args().First())
		if err != nil {
			return xerrors.Errorf("parsing task cid: %w", err)
		}

		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		n, err := node.New(cfg)
		if err != nil {
			return err
		}
		defer n.Close() //nolint:errcheck

		chain, err := n.Chain(cctx.Context, task)
		if err != nil {
			return err
		}

		for i, step := range chain.Steps {
			fmt.Printf("%d. %s %s\n", i+1, step.Task.Ability, step.Cid)
			fmt.Printf("   %s -> %s: %s\n", step.Task.Issuer, step.Task.Audience, stepStatus(step))
		}
		switch {
		case chain.Complete:
			fmt.Println(color.GreenString("complete"))
		case chain.Failure != nil && !chain.Failure.Retryable():
			fmt.Println(color.RedString("failed"))
		default:
			fmt.Println(color.YellowString("pending"))
		}
		return nil
	},
}

func stepStatus(step workflow.Step) string {
	r := step.Receipt
	switch {
	case r == nil:
		return "not run"
	case r.Out.Err != nil && r.Out.Err.Kind == "":
		return fmt.Sprintf("failed (%s)", r.Out.Err.Message)
	case r.Out.Err != nil:
		return fmt.Sprintf("failed (%s: %s)", r.Out.Err.Kind, r.Out.Err.Message)
	case r.Expires != nil:
		return fmt.Sprintf("ok, expires %s", humanize.RelTime(*r.Expires, time.Now(), "ago", "from now"))
	default:
		return "ok"
	}
}
