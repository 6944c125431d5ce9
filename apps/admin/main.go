package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/trezcool/clearance/apps/container"
	"github.com/trezcool/clearance/core"
)

func main() {
	conf := core.NewConfig()

	ctx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout*6)
	c, err := container.New(ctx, conf, os.Stderr, "ADMIN")
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "setting up: %v\n", err)
		os.Exit(1)
	}

	var db *sql.DB
	if c.DB != nil {
		db = c.DB.DB
	}

	// start CLI
	cli := commandLine{
		db:       db,
		sweeper:  c.Sweeper,
		notifier: c.Notifier,
		ledger:   c.Ledger,
		out:      os.Stdout,
	}
	err = cli.run(os.Args)
	c.Close()
	if err != nil {
		if err != errHelp {
			c.Logger.Error(fmt.Sprintf("\nerror: %s\n", err), err)
		}
		os.Exit(1)
	}
}
