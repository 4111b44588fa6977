package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"tripot/internal/app"
	"tripot/internal/civiltime"
	"tripot/internal/config"
	"tripot/internal/transport"
	logx "tripot/pkg/logx"
)

func main() {
	// .env is optional.
	_ = godotenv.Load()

	cfgFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Value:   "./config.yaml",
		EnvVars: []string{"TRIPOT_CONFIG"},
		Usage:   "path to config (yaml or json)",
	}

	a := &cli.App{
		Name:  "tripot",
		Usage: "care-link backend for seniors and their families",
		Flags: []cli.Flag{cfgFlag},
		Commands: []*cli.Command{
			serveCommand(),
			checkConfigCommand(),
			timeCommand(),
		},
		Action: func(c *cli.Context) error { return serve(c.String("config")) },
	}
	if err := a.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:   "serve",
		Usage:  "run the HTTP API, websocket endpoint and trigger scheduler",
		Action: func(c *cli.Context) error { return serve(c.String("config")) },
	}
}

func checkConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "check-config",
		Usage: "parse and validate the config, then exit",
		Action: func(c *cli.Context) error {
			path := c.String("config")
			cfg, err := config.NewManager(path).Parse()
			if err != nil {
				return err
			}
			fmt.Printf("%s: ok (addr=%s, scheduler.enabled=%t)\n", path, cfg.Server.Addr, cfg.Scheduler.Enabled)
			return nil
		},
	}
}

func timeCommand() *cli.Command {
	return &cli.Command{
		Name:  "time",
		Usage: "print the current civil time the scheduler uses",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "tz", Value: civiltime.DefaultZone, Usage: "IANA zone"},
		},
		Action: func(c *cli.Context) error {
			loc, err := civiltime.LoadZone(c.String("tz"))
			if err != nil {
				return err
			}
			s := civiltime.Query(civiltime.Real(loc))
			fmt.Printf("%s (%s)\nutc: %s\n", s.Local.Format(transport.KoreaTimeLayout), loc, s.UTC.Format(time.TimeOnly))
			return nil
		},
	}
}

func serve(cfgPath string) error {
	boot := logx.NewConsole("INFO").With(logx.String("comp", "main"))

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
		boot.Error("app exited", logx.Err(a.Err()))
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}
