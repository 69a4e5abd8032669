package dispersy

import (
	"time"

	"github.com/mosaicnetworks/dispersy/src/community"
)

// CommunityInfo describes one loaded community.
type CommunityInfo struct {
	Classification string                    `json:"classification"`
	ID             string                    `json:"id"`
	Master         string                    `json:"master"`
	Member         string                    `json:"member"`
	GlobalTime     uint64                    `json:"global_time"`
	Frozen         bool                      `json:"frozen"`
	Candidates     int                       `json:"candidates"`
	Settings       community.Settings        `json:"settings"`
	SyncRanges     []community.SyncRangeInfo `json:"sync_ranges"`
	Messages       map[string]int            `json:"messages"`
}

// Info is a snapshot of the state of a node.
type Info struct {
	Time        time.Time       `json:"time"`
	External    string          `json:"external_address"`
	Triggers    int             `json:"triggers"`
	Statistics  StatisticsInfo  `json:"statistics"`
	Communities []CommunityInfo `json:"communities"`
}

// Info returns the statistics of the node and the state of its communities.
// The statistics are cleared afterwards when reset is set.
func (d *Dispersy) Info(reset bool) Info {
	res := Info{
		Time:       d.now(),
		External:   d.candidates.ExternalAddress().String(),
		Triggers:   d.triggers.Len(),
		Statistics: d.statistics.Snapshot(),
	}
	if reset {
		d.statistics.Reset(d.now())
	}

	for _, c := range d.Communities() {
		_, frozen := c.Frozen()
		ci := CommunityInfo{
			Classification: c.Classification(),
			ID:             c.ID().Hex(),
			Master:         c.Master().MID().Hex(),
			Member:         c.MyMember().MID().Hex(),
			GlobalTime:     c.GlobalTime(),
			Frozen:         frozen,
			Candidates:     d.candidates.Len(c.ID()),
			Settings:       c.Settings(),
			SyncRanges:     c.SyncRanges(),
			Messages:       make(map[string]int),
		}
		for _, meta := range c.Metas() {
			if !meta.IsSynced() {
				continue
			}
			recs, err := d.store.MetaRecords(c.ID(), meta.Name)
			if err != nil {
				c.Logger().WithError(err).WithField("meta", meta.Name).Warn("Counting messages")
				continue
			}
			ci.Messages[meta.Name] = len(recs)
		}
		res.Communities = append(res.Communities, ci)
	}
	return res
}
