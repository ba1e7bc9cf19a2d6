// Package main applies and inspects database schema migrations.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/narvanalabs/shipyard/internal/store/migrations"
	pgstore "github.com/narvanalabs/shipyard/internal/store/postgres"
	"github.com/narvanalabs/shipyard/pkg/config"
	"github.com/narvanalabs/shipyard/pkg/logger"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var dsn string
	var target int64

	flagSet := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
	flagSet.StringVar(&dsn, "database-url", "", "postgres connection string (default: $DATABASE_URL)")
	flagSet.Int64Var(&target, "to", 0, "with down, roll back to this version instead of one step")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	command := "up"
	if rest := flagSet.Args(); len(rest) > 0 {
		command = rest[0]
		if len(rest) > 1 {
			return fmt.Errorf("unexpected argument: %s", rest[1])
		}
	}

	if dsn == "" {
		dsn = config.LoadWithDefaults().DatabaseDSN
	}

	log := logger.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := pgstore.NewPostgresStore(pgstore.DefaultConfig(dsn), log.Logger)
	if err != nil {
		return err
	}
	defer st.Close()

	runner, err := migrations.New(st.DB(), log.Logger)
	if err != nil {
		return err
	}

	switch command {
	case "up":
		return runner.Up(ctx)
	case "down":
		return runner.Down(ctx, target)
	case "status":
		return runner.Status(ctx)
	case "version":
		v, err := runner.Version(ctx)
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	default:
		return fmt.Errorf("unknown command %q (want up, down, status or version)", command)
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `Apply or inspect the shipyard database schema.

Usage:
  migrate [flags] [up|down|status|version]

Flags:
`)
	flagSet.PrintDefaults()
}
