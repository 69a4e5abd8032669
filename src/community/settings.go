package community

import (
	"time"

	"github.com/mosaicnetworks/dispersy/src/candidate"
)

// Settings are the tunables of a community.
type Settings struct {
	SyncInitialDelay   time.Duration `mapstructure:"sync-initial-delay"`
	SyncInterval       time.Duration `mapstructure:"sync-interval"`
	SyncBloomCount     int           `mapstructure:"sync-bloom-count"`
	SyncBloomCapacity  uint64        `mapstructure:"sync-bloom-capacity"`
	SyncBloomErrorRate float64       `mapstructure:"sync-bloom-error-rate"`
	SyncMemberCount    int           `mapstructure:"sync-member-count"`
	SyncResponseLimit  int           `mapstructure:"sync-response-limit"`

	MissingSequenceResponseLimit int `mapstructure:"missing-sequence-response-limit"`

	CandidateRequestInitialDelay time.Duration   `mapstructure:"candidate-request-initial-delay"`
	CandidateRequestInterval     time.Duration   `mapstructure:"candidate-request-interval"`
	CandidateRequestMemberCount  int             `mapstructure:"candidate-request-member-count"`
	CandidateRequestDiffRange    candidate.Range `mapstructure:"-"`
	CandidateRequestAgeRange     candidate.Range `mapstructure:"-"`
	CandidateAgeRange            candidate.Range `mapstructure:"-"`
	CandidateCleanupAge          time.Duration   `mapstructure:"candidate-cleanup-age"`
	CandidateLimit               int             `mapstructure:"candidate-limit"`

	TriggerTimeout time.Duration `mapstructure:"trigger-timeout"`
}

// DefaultSettings returns the settings used when a definition does not
// override them.
func DefaultSettings() Settings {
	return Settings{
		SyncInitialDelay:   10 * time.Second,
		SyncInterval:       20 * time.Second,
		SyncBloomCount:     2,
		SyncBloomCapacity:  1000,
		SyncBloomErrorRate: 0.01,
		SyncMemberCount:    10,
		SyncResponseLimit:  5 * 1024,

		MissingSequenceResponseLimit: 10 * 1024,

		CandidateRequestInitialDelay: 5 * time.Second,
		CandidateRequestInterval:     60 * time.Second,
		CandidateRequestMemberCount:  3,
		CandidateRequestDiffRange:    candidate.Range{Min: 0, Max: 30 * time.Second},
		CandidateRequestAgeRange:     candidate.Range{Min: 120 * time.Second, Max: 300 * time.Second},
		CandidateAgeRange:            candidate.Range{Min: 0, Max: 300 * time.Second},
		CandidateCleanupAge:          30 * time.Minute,
		CandidateLimit:               30,

		TriggerTimeout: 10 * time.Second,
	}
}
