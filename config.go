package recoveryd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
	"github.com/keyrecovery/recoveryd/build"
	"github.com/keyrecovery/recoveryd/rcfg"
	"github.com/lightningnetwork/lnd/signal"
)

const (
	defaultDataDirname = "data"
	defaultLogLevel    = "info"
	defaultLogDirname  = "logs"
	defaultLogFilename = "recoveryd.log"
	defaultNetwork     = "mainnet"
)

var (
	// DefaultAppDir is the default directory where recoveryd keeps its
	// config file, database and logs.
	DefaultAppDir = btcutil.AppDataDir("recoveryd", false)

	// DefaultConfigFile is the default full path of the config file.
	DefaultConfigFile = filepath.Join(
		DefaultAppDir, rcfg.DefaultConfigFilename,
	)

	defaultDataDir = filepath.Join(DefaultAppDir, defaultDataDirname)
	defaultLogDir  = filepath.Join(DefaultAppDir, defaultLogDirname)
)

// Config defines the configuration options for recoveryd.
//
// See LoadConfig for further details regarding the configuration loading and
// parsing process.
//
//nolint:lll
type Config struct {
	ShowVersion bool `short:"V" long:"version" description:"Display version information and exit"`

	AppDir     string `long:"appdir" description:"The base directory that contains recoveryd's data, logs and configuration file."`
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir    string `short:"b" long:"datadir" description:"The directory to store recoveryd's data within"`
	LogDir     string `long:"logdir" description:"Directory to log output."`

	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <global-level>,<subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	Network string `long:"network" description:"The bitcoin network the account lives on." choice:"mainnet" choice:"testnet" choice:"signet" choice:"regtest"`

	DeviceToken string `long:"devicetoken" description:"Push notification token registered with the server after a recovery created a new keyset."`

	Esplora *rcfg.Esplora `group:"esplora" namespace:"esplora"`

	Server *rcfg.Server `group:"server" namespace:"server"`

	Sweeper *rcfg.Sweeper `group:"sweeper" namespace:"sweeper"`

	Recovery *rcfg.Recovery `group:"recovery" namespace:"recovery"`

	DB *rcfg.DB `group:"db" namespace:"db"`

	Prometheus *rcfg.Prometheus `group:"prometheus" namespace:"prometheus"`

	HealthChecks *rcfg.HealthCheckConfig `group:"healthcheck" namespace:"healthcheck"`

	Logging *build.LogConfig `group:"logging" namespace:"logging"`

	// ActiveNetParams are the parameters of the selected Network.
	ActiveNetParams *chaincfg.Params

	// LogRotator is the file writer of the root logger. It is closed
	// on shutdown.
	LogRotator *build.RotatingLogWriter

	// SubLogMgr owns the subsystem loggers.
	SubLogMgr *build.SubLoggerManager
}

// DefaultConfig returns all default values for the Config struct.
func DefaultConfig() Config {
	return Config{
		AppDir:       DefaultAppDir,
		ConfigFile:   DefaultConfigFile,
		DataDir:      defaultDataDir,
		LogDir:       defaultLogDir,
		DebugLevel:   defaultLogLevel,
		Network:      defaultNetwork,
		Esplora:      rcfg.DefaultEsploraConfig(),
		Server:       rcfg.DefaultServer(),
		Sweeper:      rcfg.DefaultSweeper(),
		Recovery:     rcfg.DefaultRecovery(),
		DB:           rcfg.DefaultDB(),
		Prometheus:   rcfg.DefaultPrometheus(),
		HealthChecks: rcfg.DefaultHealthChecks(),
		Logging:      build.DefaultLogConfig(),
	}
}

// LoadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
func LoadConfig(interceptor signal.Interceptor) (*Config, error) {
	// Pre-parse the command line options to pick up an alternative config
	// file.
	preCfg := DefaultConfig()
	if _, err := flags.Parse(&preCfg); err != nil {
		return nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)
	if preCfg.ShowVersion {
		fmt.Println(appName, "version", build.Version(),
			"commit="+build.Commit)
		os.Exit(0)
	}

	// Next, load any additional configuration options from the file.
	var configFileError error
	cfg := preCfg
	configFilePath := ConfigFilePath(preCfg.AppDir, preCfg.ConfigFile)
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// If it's a parsing related error, then we'll return
		// immediately, otherwise we can proceed as possibly the config
		// file doesn't exist which is OK.
		var iniErr *flags.IniError
		if errors.As(err, &iniErr) {
			return nil, err
		}

		configFileError = err
	}

	// Finally, parse the remaining command line options again to ensure
	// they take precedence.
	if _, err := flags.Parse(&cfg); err != nil {
		return nil, err
	}

	// Make sure everything we just loaded makes sense.
	cleanCfg, err := ValidateConfig(cfg, usageMessage, interceptor)
	if err != nil {
		return nil, err
	}

	// Warn about missing config file only after all other configuration is
	// done. This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		rdLog.Warnf("%v", configFileError)
	}

	return cleanCfg, nil
}

// LoadConfigFile reads the config file of the given app directory on top of
// the defaults and normalizes the result. Logging is left untouched. A
// missing file yields the defaults.
func LoadConfigFile(appDir, configFile string) (*Config, error) {
	cfg := DefaultConfig()
	if appDir != "" {
		cfg.AppDir = appDir
	}
	if configFile != "" {
		cfg.ConfigFile = configFile
	}

	configFilePath := ConfigFilePath(cfg.AppDir, cfg.ConfigFile)
	err := flags.IniParse(configFilePath, &cfg)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ConfigFilePath returns the config file to read. If the user modified the
// app directory but not the config file, the file within the app directory
// is used.
func ConfigFilePath(appDir, configFile string) string {
	configFileDir := rcfg.CleanAndExpandPath(appDir)
	configFilePath := rcfg.CleanAndExpandPath(configFile)
	if configFileDir != DefaultAppDir &&
		configFilePath == DefaultConfigFile {

		configFilePath = filepath.Join(
			configFileDir, rcfg.DefaultConfigFilename,
		)
	}

	return configFilePath
}

// ValidateConfig check the given configuration to be sane. This makes sure no
// illegal values or combination of values are set. All file system paths are
// normalized and logging is initialized. The cleaned up config is returned on
// success.
func ValidateConfig(cfg Config, usageMessage string,
	interceptor signal.Interceptor) (*Config, error) {

	funcName := "ValidateConfig"
	if err := cfg.normalize(); err != nil {
		err = fmt.Errorf("%s: %w", funcName, err)
		_, _ = fmt.Fprintln(os.Stderr, err)
		_, _ = fmt.Fprintln(os.Stderr, usageMessage)

		return nil, err
	}

	if err := cfg.setupLogging(interceptor); err != nil {
		err = fmt.Errorf("%s: %w", funcName, err)
		_, _ = fmt.Fprintln(os.Stderr, err)
		_, _ = fmt.Fprintln(os.Stderr, usageMessage)

		return nil, err
	}

	return &cfg, nil
}

// normalize cleans all paths, resolves the network and validates the option
// groups.
func (c *Config) normalize() error {
	// If the provided app directory is not the default, we'll modify the
	// path to all of the files and directories that will live within it.
	appDir := rcfg.CleanAndExpandPath(c.AppDir)
	if appDir != DefaultAppDir {
		if c.DataDir == defaultDataDir {
			c.DataDir = filepath.Join(appDir, defaultDataDirname)
		}
		if c.LogDir == defaultLogDir {
			c.LogDir = filepath.Join(appDir, defaultLogDirname)
		}
	}

	c.AppDir = appDir
	c.ConfigFile = rcfg.CleanAndExpandPath(c.ConfigFile)
	c.DataDir = rcfg.CleanAndExpandPath(c.DataDir)
	c.LogDir = rcfg.CleanAndExpandPath(c.LogDir)

	params, err := networkParams(c.Network)
	if err != nil {
		return err
	}
	c.ActiveNetParams = params

	// Data and logs are namespaced per network.
	network := rcfg.NormalizeNetwork(params.Name)
	c.DataDir = filepath.Join(c.DataDir, network)
	c.LogDir = filepath.Join(c.LogDir, network)

	return rcfg.Validate(
		c.Esplora, c.Server, c.Sweeper, c.Recovery, c.DB, c.Prometheus,
		c.HealthChecks, c.Logging,
	)
}

// setupLogging creates the root logger, registers all subsystems and applies
// the configured debug levels.
func (c *Config) setupLogging(interceptor signal.Interceptor) error {
	c.LogRotator = build.NewRotatingLogWriter()

	writer := build.NewLogWriter(c.LogRotator)
	if c.Logging.Console.Disable {
		writer.Console = nil
	}
	if c.Logging.File.Disable {
		writer.Rotator = nil
	}

	c.SubLogMgr = build.NewSubLoggerManager(
		writer, c.Logging.Console.HandlerOptions()...,
	)

	// Initialize logging at the default logging level.
	SetupLoggers(c.SubLogMgr, interceptor)

	// Special show command to list supported subsystems and exit.
	if c.DebugLevel == "show" {
		fmt.Println("Supported subsystems",
			c.SubLogMgr.SupportedSubsystems())
		os.Exit(0)
	}

	if !c.Logging.File.Disable {
		logFile := filepath.Join(c.LogDir, defaultLogFilename)
		err := c.LogRotator.InitLogRotator(c.Logging.File, logFile)
		if err != nil {
			return fmt.Errorf("log rotation setup failed: %w", err)
		}
	}

	// Parse, validate, and set debug log level(s).
	return build.ParseAndSetDebugLevels(c.DebugLevel, c.SubLogMgr)
}

// networkParams maps a network name to its chain parameters.
func networkParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet", "":
		return &chaincfg.MainNetParams, nil

	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil

	case "signet":
		return &chaincfg.SigNetParams, nil

	case "regtest":
		return &chaincfg.RegressionNetParams, nil

	default:
		return nil, fmt.Errorf("unknown network %q", network)
	}
}
