package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/keyrecovery/recoveryd"
	"github.com/keyrecovery/recoveryd/build"
	"github.com/lightningnetwork/lnd/signal"
	"github.com/urfave/cli"
)

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "[recoverycli] %v\n", err)
	os.Exit(1)
}

// getContext returns a context that is cancelled once the process receives
// an interrupt.
func getContext() context.Context {
	shutdownInterceptor, err := signal.Intercept()
	if err != nil {
		fatal(err)
	}

	ctxc, cancel := context.WithCancel(context.Background())
	go func() {
		<-shutdownInterceptor.ShutdownChannel()
		cancel()
	}()

	return ctxc
}

// loadServices reads the daemon's config file and opens its database. The
// daemon must not be running at the same time, as the database is locked by
// a single process.
func loadServices(ctx *cli.Context) (*recoveryd.Services, func(), error) {
	cfg, err := recoveryd.LoadConfigFile(
		ctx.GlobalString("appdir"), ctx.GlobalString("configfile"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to load config: %w", err)
	}

	services, err := recoveryd.NewServices(cfg)
	if err != nil {
		return nil, nil, err
	}

	cleanUp := func() {
		if err := services.Close(); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "unable to close "+
				"database: %v\n", err)
		}
	}

	return services, cleanUp, nil
}

// startStatus authenticates with the server and starts the recovery status
// service of the account. The returned func stops it again.
func startStatus(ctxc context.Context,
	services *recoveryd.Services) (func(), error) {

	if _, err := services.RequireAccount(); err != nil {
		return nil, err
	}

	if err := services.Authenticate(ctxc); err != nil {
		return nil, err
	}

	if err := services.Status.Start(); err != nil {
		return nil, err
	}

	return func() {
		_ = services.Status.Stop()
	}, nil
}

func printJSON(resp interface{}) {
	b, err := json.Marshal(resp)
	if err != nil {
		fatal(err)
	}

	var out bytes.Buffer
	_ = json.Indent(&out, b, "", "    ")
	_, _ = out.WriteString("\n")
	_, _ = out.WriteTo(os.Stdout)
}

func main() {
	app := cli.NewApp()
	app.Name = "recoverycli"
	app.Version = build.Version() + " commit=" + build.Commit
	app.Usage = "one-shot account recovery and sweep operations"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:      "appdir",
			Value:     recoveryd.DefaultAppDir,
			Usage:     "The path to recoveryd's base directory.",
			TakesFile: true,
		},
		cli.StringFlag{
			Name:      "configfile",
			Value:     recoveryd.DefaultConfigFile,
			Usage:     "The path to recoveryd's config file.",
			TakesFile: true,
		},
	}
	app.Commands = []cli.Command{
		statusCommand,
		awaitDelayCommand,
		cancelRecoveryCommand,
		rotateAuthTokensCommand,
		checkSweepCommand,
		prepareSweepCommand,
		feesCommand,
		broadcastCommand,
		waitVerificationCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}
