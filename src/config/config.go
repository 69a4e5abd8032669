package config

import (
	"crypto/ecdsa"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/mosaicnetworks/dispersy/src/common"
	"github.com/mosaicnetworks/dispersy/src/community"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the private
	// key of the node's member
	DefaultKeyfile = "priv_key"

	// DefaultDatabaseFolder is the default name of the folder containing the
	// database files
	DefaultDatabaseFolder = "db"

	// DefaultBadgerFile is the name of the Badger folder inside the database
	// directory
	DefaultBadgerFile = "badger_db"

	// DefaultSQLiteFile is the name of the SQLite file inside the database
	// directory
	DefaultSQLiteFile = "dispersy.db"

	// DefaultConfigName is the name, without extension, of the optional
	// configuration file in the data directory.
	DefaultConfigName = "dispersy"
)

// Store backends.
const (
	StoreInmem  = "inmem"
	StoreBadger = "badger"
	StoreSQLite = "sqlite"
)

// Default configuration values.
const (
	DefaultLogLevel        = "debug"
	DefaultBindAddr        = "0.0.0.0:6421"
	DefaultServiceAddr     = "127.0.0.1:8000"
	DefaultStore           = StoreInmem
	DefaultCacheSize       = 1000
	DefaultCleanupInterval = 120 * time.Second
	DefaultStatsInterval   = 60 * time.Second
	DefaultRepairInterval  = time.Second
	DefaultRepairBurst     = 5
	DefaultDummy           = true
)

// Config contains all the configuration properties of a Dispersy node.
type Config struct {
	// DataDir is the top-level directory containing Dispersy configuration and
	// data
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, is the prefix of the files receiving the info and
	// debug logs, <LogFile>_info.log and <LogFile>_debug.log.
	LogFile string `mapstructure:"log-file"`

	// BindAddr is the local address:port of the UDP socket.
	BindAddr string `mapstructure:"listen"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the optional HTTP service.
	ServiceAddr string `mapstructure:"service-listen"`

	// Store selects the persistence backend: inmem, badger or sqlite.
	Store string `mapstructure:"store"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	// CacheSize is the max number of items in in-memory caches.
	CacheSize int `mapstructure:"cache-size"`

	// CleanupInterval is the period of the candidate cleanup task.
	CleanupInterval time.Duration `mapstructure:"cleanup-interval"`

	// StatsInterval is the period of the statistics log. 0 disables it.
	StatsInterval time.Duration `mapstructure:"stats-interval"`

	// RepairInterval and RepairBurst limit, per peer, how often the newest
	// version of a history-1 message is sent back to a peer that offered an
	// older one.
	RepairInterval time.Duration `mapstructure:"repair-interval"`
	RepairBurst    int           `mapstructure:"repair-burst"`

	// Dummy loads the demo community definition and creates or joins a demo
	// community.
	Dummy bool `mapstructure:"dummy"`

	// DummyMaster is the hex encoded master public key of the demo community
	// to join. A new demo community is created when it is empty.
	DummyMaster string `mapstructure:"dummy-master"`

	// Peers are host:port addresses introduced to every loaded community on
	// startup.
	Peers []string `mapstructure:"peers"`

	// Community holds the default settings of every community.
	Community community.Settings `mapstructure:",squash"`

	// Key is the private key of the node's member.
	Key *ecdsa.PrivateKey

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:         DefaultDataDir(),
		LogLevel:        DefaultLogLevel,
		BindAddr:        DefaultBindAddr,
		ServiceAddr:     DefaultServiceAddr,
		Store:           DefaultStore,
		DatabaseDir:     DefaultDatabaseDir(),
		CacheSize:       DefaultCacheSize,
		CleanupInterval: DefaultCleanupInterval,
		StatsInterval:   DefaultStatsInterval,
		RepairInterval:  DefaultRepairInterval,
		RepairBurst:     DefaultRepairBurst,
		Dummy:           DefaultDummy,
		Community:       community.DefaultSettings(),
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t, level)
	return config
}

// SetDataDir sets the top-level Dispersy directory, and updates the database
// directory if it is currently set to the default value. If the database
// directory is not currently the default, it means the user has explicitely set
// it to something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultDatabaseFolder)
	}
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// BadgerDir returns the full path of the Badger database folder.
func (c *Config) BadgerDir() string {
	return filepath.Join(c.DatabaseDir, DefaultBadgerFile)
}

// SQLiteFile returns the full path of the SQLite database file.
func (c *Config) SQLiteFile() string {
	return filepath.Join(c.DatabaseDir, DefaultSQLiteFile)
}

// Logger returns a formatted logrus Entry, with prefix set to "dispersy".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)
		if c.LogFile != "" {
			c.logger.Hooks.Add(fileHook(c.LogFile))
		}
	}
	return c.logger.WithField("prefix", "dispersy")
}

// fileHook writes info and debug entries to separate files.
func fileHook(prefix string) logrus.Hook {
	pathMap := lfshook.PathMap{
		logrus.InfoLevel:  prefix + "_info.log",
		logrus.DebugLevel: prefix + "_debug.log",
	}
	return lfshook.NewHook(pathMap, &logrus.TextFormatter{})
}

// DefaultDatabaseDir returns the default path for the database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultDatabaseFolder)
}

// DefaultDataDir return the default directory name for top-level Dispersy
// config based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".Dispersy")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "Dispersy")
		} else {
			return filepath.Join(home, ".dispersy")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}

// LogLevel parses a string into a Logrus log level.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}
