// Package config defines the configuration for a Dispersy node.
//
// Regardless of how Dispersy is started, directly from Go code or as a
// standalone process from the command line, it uses the Config object defined
// in this package to store and forward configuration options. On top of these
// configuration options, Dispersy relies on a data directory, defined by
// Config.DataDir, where it expects to find a few additional files:
//
//  priv_key      // the hex encoded private key of the node's member (cf. dispersy keygen).
//  dispersy.toml // (optional) configuration file, any format supported by viper.
//  db/           // (optional) badger or sqlite database, when the store is persistent.
package config
