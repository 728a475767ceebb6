package main

import (
	"os"

	"github.com/fatih/color"
	logging "github.com/ipfs/go-log/v2"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/filecoin-project/dealpipe/build"
	"github.com/filecoin-project/dealpipe/lib/pipelog"
	"github.com/filecoin-project/dealpipe/node/config"
)

var log = logging.Logger("dealpipe")

const FlagConfig = "config"

func main() {
	pipelog.SetupLogLevels()
	color.NoColor = os.Getenv("GOLOG_LOG_FMT") != "color" && !isatty.IsTerminal(os.Stdout.Fd())

	app := &cli.App{
		Name:    "dealpipe",
		Usage:   "Aggregate Filecoin pieces and track their deals",
		Version: build.UserVersion(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    FlagConfig,
				EnvVars: []string{"DEALPIPE_CONFIG"},
				Value:   "~/.dealpipe/config.toml",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
			},
		},
		Before: func(cctx *cli.Context) error {
			return logging.SetLogLevel("dealpipe", cctx.String("log-level"))
		},
		Commands: []*cli.Command{
			runCmd,
			configCmd,
			pieceCmd,
			aggregateCmd,
			receiptCmd,
			versionCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Warnf("%+v", err)
		os.Exit(1)
		return
	}
}

func loadConfig(cctx *cli.Context) (*config.Config, error) {
	cfg, err := config.FromFile(cctx.String(FlagConfig), config.Default())
	if err != nil {
		return nil, err
	}
	if err := pipelog.SetSubsystemLevels(cfg.Logging.SubsystemLevels); err != nil {
		return nil, err
	}
	return cfg, nil
}
