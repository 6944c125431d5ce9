package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/goccy/go-json"

	"github.com/trezcool/clearance/core/ledger"
	"github.com/trezcool/clearance/core/notification"
	"github.com/trezcool/clearance/core/sweeper"
)

var errHelp = errors.New("help provided")

type commandLine struct {
	db       *sql.DB // nil when running in memory
	sweeper  *sweeper.Sweeper
	notifier *notification.Service
	ledger   *ledger.Service
	out      io.Writer
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  migrate COMMAND [ARGS] - run a goose command (up, down, status, ...)")
	fmt.Fprintln(cli.out, "  sweep - run one deadline sweep")
	fmt.Fprintln(cli.out, "  dispatch -limit N - dispatch up to N due notifications")
	fmt.Fprintln(cli.out, "  resend -id ID - re-queue a failed notification")
	fmt.Fprintln(cli.out, "  adjustment -student ID - print a student's clearance adjustment")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}
	ctx := context.Background()

	dispatchCmd := flag.NewFlagSet("dispatch", flag.ContinueOnError)
	dispatchLimit := dispatchCmd.Int("limit", 100, "The maximum number of notifications to dispatch.")

	resendCmd := flag.NewFlagSet("resend", flag.ContinueOnError)
	resendID := resendCmd.String("id", "", "The ID of the failed notification.")

	adjustmentCmd := flag.NewFlagSet("adjustment", flag.ContinueOnError)
	adjustmentStudent := adjustmentCmd.String("student", "", "The student's ID.")

	for _, cmd := range []*flag.FlagSet{dispatchCmd, resendCmd, adjustmentCmd} {
		cmd.SetOutput(cli.out)
	}

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		if cli.db == nil {
			return errors.New("migrate: no database (in-memory store)")
		}
		return cli.migrate(args[2:])

	case "sweep":
		report, err := cli.sweeper.RunOnce(ctx)
		if err != nil {
			return err
		}
		return cli.print(report)

	case "dispatch":
		if err := dispatchCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *dispatchLimit < 1 {
			dispatchCmd.Usage()
			return errHelp
		}
		n, err := cli.notifier.DispatchDue(ctx, *dispatchLimit)
		fmt.Fprintf(cli.out, "dispatched %d notification(s)\n", n)
		return err

	case "resend":
		if err := resendCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *resendID == "" {
			resendCmd.Usage()
			return errHelp
		}
		n, err := cli.notifier.Resend(ctx, *resendID)
		if err != nil {
			return err
		}
		return cli.print(n)

	case "adjustment":
		if err := adjustmentCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *adjustmentStudent == "" {
			adjustmentCmd.Usage()
			return errHelp
		}
		adj, err := cli.ledger.CurrentAdjustment(ctx, *adjustmentStudent)
		if err != nil {
			return err
		}
		return cli.print(adj)

	default:
		cli.printUsage()
		return errHelp
	}
}

func (cli *commandLine) print(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cli.out, string(data))
	return err
}
