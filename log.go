package recoveryd

import (
	"github.com/btcsuite/btclog/v2"
	"github.com/keyrecovery/recoveryd/build"
	"github.com/keyrecovery/recoveryd/confirm"
	"github.com/keyrecovery/recoveryd/esplora"
	"github.com/keyrecovery/recoveryd/f8e"
	"github.com/keyrecovery/recoveryd/feerate"
	"github.com/keyrecovery/recoveryd/monitoring"
	"github.com/keyrecovery/recoveryd/recovery"
	"github.com/keyrecovery/recoveryd/sweep"
	"github.com/keyrecovery/recoveryd/wallet"
	"github.com/lightningnetwork/lnd/signal"
)

// Subsystem is the logging code of the daemon itself.
const Subsystem = "RCVD"

// rdLog is the logger of the daemon. It is replaced by SetupLoggers.
var rdLog = build.NewSubLogger(Subsystem, nil)

// SetupLoggers initializes all package-global logger variables.
func SetupLoggers(root *build.SubLoggerManager,
	interceptor signal.Interceptor) {

	genLogger := genSubLogger(root, interceptor)

	rdLog = build.NewSubLogger(Subsystem, genLogger)

	AddSubLogger(root, "SGNL", interceptor, signal.UseLogger)
	AddSubLogger(root, confirm.Subsystem, interceptor, confirm.UseLogger)
	AddSubLogger(root, esplora.Subsystem, interceptor, esplora.UseLogger)
	AddSubLogger(root, feerate.Subsystem, interceptor, feerate.UseLogger)
	AddSubLogger(root, wallet.Subsystem, interceptor, wallet.UseLogger)
	AddSubLogger(root, f8e.Subsystem, interceptor, f8e.UseLogger)
	AddSubLogger(root, recovery.Subsystem, interceptor, recovery.UseLogger)
	AddSubLogger(root, sweep.Subsystem, interceptor, sweep.UseLogger)
	AddSubLogger(
		root, monitoring.Subsystem, interceptor, monitoring.UseLogger,
	)
}

// AddSubLogger is a helper method to conveniently create and register the
// logger of one or more sub systems.
func AddSubLogger(root *build.SubLoggerManager, subsystem string,
	interceptor signal.Interceptor, useLoggers ...func(btclog.Logger)) {

	// genSubLogger will return a callback for creating a logger instance,
	// which we will give to the root logger.
	genLogger := genSubLogger(root, interceptor)

	// Create and register just a single logger to prevent them from
	// overwriting each other internally.
	logger := build.NewSubLogger(subsystem, genLogger)
	SetSubLogger(logger, useLoggers...)
}

// SetSubLogger is a helper method to conveniently register the logger of a
// sub system.
func SetSubLogger(logger btclog.Logger,
	useLoggers ...func(btclog.Logger)) {

	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
}

// genSubLogger creates a logger for a subsystem. We provide an instance of
// a signal.Interceptor to be able to shutdown in the case of a critical
// error.
func genSubLogger(root *build.SubLoggerManager,
	interceptor signal.Interceptor) func(string) btclog.Logger {

	// Create a shutdown function which will request shutdown from our
	// interceptor if it is listening.
	shutdown := func() {
		if !interceptor.Listening() {
			return
		}

		interceptor.RequestShutdown()
	}

	// Return a function which will create a sublogger from our root
	// logger without shutdown fn.
	return func(tag string) btclog.Logger {
		return build.NewShutdownLogger(root.GenSubLogger(tag), shutdown)
	}
}
