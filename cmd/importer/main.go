package main

import (
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func main() {
	// A missing .env file is fine; the environment may already be set.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "importer",
		Usage: "Import validated ledgers from a rippled node and verify the stored chain",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Follow the live tip, store every ledger and validate the stored chain",
				Flags:  runFlags(),
				Action: run,
			},
			{
				Name:   "backfill",
				Usage:  "Import a historical range of ledgers and exit",
				Flags:  backfillFlags(),
				Action: backfillAction,
			},
			{
				Name:   "validate",
				Usage:  "Validate the stored chain continuously without importing new ledgers",
				Flags:  validateFlags(),
				Action: validate,
			},
			{
				Name:   "replay",
				Usage:  "Validate the stored chain from --start-index to the tip without touching the checkpoint, then exit",
				Flags:  replayFlags(),
				Action: replay,
			},
			{
				Name:   "remove",
				Usage:  "Delete the persisted validation checkpoint",
				Flags:  storeFlags(),
				Action: remove,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
