package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/filecoin-project/dealpipe/build"
)

var versionCmd = &cli.Command{
	Name:  "version",
	Usage: "Print version",
	Action: func(cctx *cli.Context) error {
		fmt.Println("dealpipe version", build.UserVersion())
		return nil
	},
}
