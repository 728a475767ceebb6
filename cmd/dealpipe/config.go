package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/filecoin-project/dealpipe/node/config"
)

var configCmd = &cli.Command{
	Name:  "config",
	Usage: "Manage node config",
	Subcommands: []*cli.Command{
		configDefaultCmd,
		configShowCmd,
	},
}

var configDefaultCmd = &cli.Command{
	Name:  "default",
	Usage: "Print default node config",
	Action: func(cctx *cli.Context) error {
		cb, err := config.ConfigText(config.Default())
		if err != nil {
			return err
		}
		fmt.Println(string(cb))
		return nil
	},
}

var configShowCmd = &cli.Command{
	Name:  "show",
	Usage: "Print the effective config, with file and environment overrides applied",
	Action: func(cctx *cli.Context) error {
		cfg, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		cb, err := config.ConfigText(cfg)
		if err != nil {
			return err
		}
		fmt.Println(string(cb))
		return nil
	},
}
