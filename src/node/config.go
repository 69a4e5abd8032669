package node

import (
	"golang.org/x/time/rate"

	"github.com/mosaicnetworks/dispersy/src/config"
	"github.com/mosaicnetworks/dispersy/src/dispersy"
)

// EngineConfig extracts the engine knobs from the node configuration.
func EngineConfig(conf *config.Config) dispersy.Config {
	res := dispersy.DefaultConfig()
	res.Settings = conf.Community
	res.CleanupInterval = conf.CleanupInterval
	res.StatsInterval = conf.StatsInterval
	res.RepairBurst = conf.RepairBurst
	res.CacheSize = conf.CacheSize
	if conf.RepairInterval > 0 {
		res.RepairRate = rate.Every(conf.RepairInterval)
	} else {
		res.RepairRate = rate.Inf
	}
	return res
}
