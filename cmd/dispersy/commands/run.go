package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mosaicnetworks/dispersy/src/config"
	"github.com/mosaicnetworks/dispersy/src/node"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

//NewRunCmd returns the command that starts a Dispersy node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runDispersy,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runDispersy(cmd *cobra.Command, args []string) error {
	n := node.NewNode(&_config.Dispersy)

	if err := n.Init(); err != nil {
		_config.Dispersy.Logger().Error("Cannot initialize node:", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return n.Run(ctx)
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {
	conf := &_config.Dispersy

	cmd.Flags().String("datadir", conf.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", conf.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-file", conf.LogFile, "Prefix of the info and debug log files")

	// Network
	cmd.Flags().StringP("listen", "l", conf.BindAddr, "Listen IP:Port of the UDP socket")
	cmd.Flags().StringSlice("peers", conf.Peers, "IP:Port of bootstrap peers")

	// Service
	cmd.Flags().Bool("no-service", conf.NoService, "Disable the HTTP service")
	cmd.Flags().StringP("service-listen", "s", conf.ServiceAddr, "Listen IP:Port for HTTP service")

	// Store
	cmd.Flags().String("store", conf.Store, "Store backend: inmem, badger or sqlite")
	cmd.Flags().String("db", conf.DatabaseDir, "Dabatabase directory")
	cmd.Flags().Int("cache-size", conf.CacheSize, "Number of items in LRU caches")

	// Engine
	cmd.Flags().Duration("cleanup-interval", conf.CleanupInterval, "Time between candidate cleanups")
	cmd.Flags().Duration("stats-interval", conf.StatsInterval, "Time between statistics logs, 0 disables them")
	cmd.Flags().Duration("repair-interval", conf.RepairInterval, "Minimum time between repairs sent to one peer")
	cmd.Flags().Int("repair-burst", conf.RepairBurst, "Repairs sent to one peer before rate limiting")

	// Communities
	cmd.Flags().Duration("sync-interval", conf.Community.SyncInterval, "Time between sync requests")
	cmd.Flags().Duration("sync-initial-delay", conf.Community.SyncInitialDelay, "Delay of the first sync request")
	cmd.Flags().Int("sync-bloom-count", conf.Community.SyncBloomCount, "Sync ranges offered per sync round")
	cmd.Flags().Int("sync-response-limit", conf.Community.SyncResponseLimit, "Bytes sent in response to a sync request")
	cmd.Flags().Duration("candidate-request-interval", conf.Community.CandidateRequestInterval, "Time between candidate requests")
	cmd.Flags().Int("candidate-limit", conf.Community.CandidateLimit, "Max candidates per community")
	cmd.Flags().Duration("trigger-timeout", conf.Community.TriggerTimeout, "Time a delayed message waits for its prerequisite")

	// Dummy
	cmd.Flags().Bool("dummy", conf.Dummy, "Load the dummy community")
	cmd.Flags().String("dummy-master", conf.DummyMaster, "Hex master public key of the dummy community to join")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db, this will update the
	// default database dir to be inside the new datadir
	_config.Dispersy.SetDataDir(_config.Dispersy.DataDir)

	conf := &_config.Dispersy

	logFields := logrus.Fields{
		"dispersy.DataDir":         conf.DataDir,
		"dispersy.BindAddr":        conf.BindAddr,
		"dispersy.Peers":           conf.Peers,
		"dispersy.ServiceAddr":     conf.ServiceAddr,
		"dispersy.NoService":       conf.NoService,
		"dispersy.Store":           conf.Store,
		"dispersy.LogLevel":        conf.LogLevel,
		"dispersy.CacheSize":       conf.CacheSize,
		"dispersy.CleanupInterval": conf.CleanupInterval,
		"dispersy.StatsInterval":   conf.StatsInterval,
		"dispersy.SyncInterval":    conf.Community.SyncInterval,
		"dispersy.TriggerTimeout":  conf.Community.TriggerTimeout,
		"dispersy.Dummy":           conf.Dummy,
	}

	if conf.Store != config.StoreInmem {
		logFields["dispersy.DatabaseDir"] = conf.DatabaseDir
	}

	conf.Logger().WithFields(logFields).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all other
	// persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/dispersy.toml (.json, .yaml also work)
	viper.SetConfigName(config.DefaultConfigName) // name of config file (without extension)
	viper.AddConfigPath(_config.Dispersy.DataDir) // search root directory

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Dispersy.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Dispersy.Logger().Debugf("No config file found in: %s", _config.Dispersy.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}
