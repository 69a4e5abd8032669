// Package dispersy is the message dissemination engine of a node. It owns the
// loaded communities and runs every packet through the admission pipeline:
// batching, decoding, distribution and permission checks, storage, handling
// and trigger resolution. It also runs the periodic sync, candidate discovery
// and cleanup tasks of every community.
//
// Unless stated otherwise, methods must be called from a task of the node's
// scheduler.
package dispersy

import (
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/mosaicnetworks/dispersy/src/callback"
	"github.com/mosaicnetworks/dispersy/src/candidate"
	"github.com/mosaicnetworks/dispersy/src/common"
	"github.com/mosaicnetworks/dispersy/src/community"
	"github.com/mosaicnetworks/dispersy/src/crypto"
	"github.com/mosaicnetworks/dispersy/src/crypto/keys"
	"github.com/mosaicnetworks/dispersy/src/member"
	"github.com/mosaicnetworks/dispersy/src/message"
	"github.com/mosaicnetworks/dispersy/src/net"
	"github.com/mosaicnetworks/dispersy/src/store"
	"github.com/mosaicnetworks/dispersy/src/timeline"
	"github.com/mosaicnetworks/dispersy/src/trigger"
)

// Names of the built-in meta messages.
const (
	CandidateRequest     = "dispersy-candidate-request"
	CandidateResponse    = "dispersy-candidate-response"
	Identity             = "dispersy-identity"
	IdentityRequest      = "dispersy-identity-request"
	Sync                 = "dispersy-sync"
	MissingSequence      = "dispersy-missing-sequence"
	MissingProof         = "dispersy-missing-proof"
	SignatureRequest     = "dispersy-signature-request"
	SignatureResponse    = "dispersy-signature-response"
	Authorize            = "dispersy-authorize"
	Revoke               = "dispersy-revoke"
	DestroyCommunity     = "dispersy-destroy-community"
	SubjectiveSet        = "dispersy-subjective-set"
	SubjectiveSetRequest = "dispersy-subjective-set-request"
)

// IncomingPriority is the scheduler priority of freshly received packets.
const IncomingPriority = 0

// Config holds the node wide knobs of the engine.
type Config struct {
	// Settings are the defaults of every community. Definitions may
	// override them.
	Settings community.Settings

	// CleanupInterval is the period of the candidate cleanup task.
	CleanupInterval time.Duration
	// StatsInterval is the period of the statistics log. 0 disables it.
	StatsInterval time.Duration

	// RepairRate and RepairBurst limit, per address, how often the newest
	// packet of a history-1 message is sent back to a peer that offered an
	// older one.
	RepairRate  rate.Limit
	RepairBurst int

	// CacheSize bounds the per address limiter cache and the member address
	// cache.
	CacheSize int
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Settings:        community.DefaultSettings(),
		CleanupInterval: 120 * time.Second,
		StatsInterval:   0,
		RepairRate:      rate.Every(time.Second),
		RepairBurst:     5,
		CacheSize:       1000,
	}
}

type batchEntry struct {
	address common.Address
	packet  []byte
}

// Dispersy is the engine of one node.
type Dispersy struct {
	conf       Config
	store      store.Store
	transport  net.Transport
	scheduler  callback.Scheduler
	directory  *member.Directory
	candidates *candidate.Registry
	triggers   *trigger.Registry
	statistics *Statistics
	logger     *logrus.Entry
	now        func() time.Time

	lock        sync.RWMutex
	communities map[crypto.Digest]*community.Community
	definitions map[string]community.Definition

	// only touched by scheduler tasks
	batches map[*message.Meta][]batchEntry
	txn     store.Txn

	repair    *lru.Cache[common.Address, *rate.Limiter]
	addresses *lru.Cache[crypto.Digest, common.Address]
}

// New returns an engine using the given collaborators. It does not schedule
// anything until Start.
func New(conf Config,
	s store.Store,
	trans net.Transport,
	scheduler callback.Scheduler,
	directory *member.Directory,
	logger *logrus.Entry,
) (*Dispersy, error) {
	if conf.CacheSize <= 0 {
		conf.CacheSize = DefaultConfig().CacheSize
	}
	repair, err := lru.New[common.Address, *rate.Limiter](conf.CacheSize)
	if err != nil {
		return nil, err
	}
	addresses, err := lru.New[crypto.Digest, common.Address](conf.CacheSize)
	if err != nil {
		return nil, err
	}

	d := &Dispersy{
		conf:        conf,
		store:       s,
		transport:   trans,
		scheduler:   scheduler,
		directory:   directory,
		candidates:  candidate.NewRegistry(s, trans.LocalAddr(), logger.WithField("prefix", "candidates")),
		triggers:    trigger.NewRegistry(scheduler, logger.WithField("prefix", "triggers")),
		statistics:  NewStatistics(time.Now()),
		logger:      logger,
		now:         time.Now,
		communities: make(map[crypto.Digest]*community.Community),
		definitions: make(map[string]community.Definition),
		batches:     make(map[*message.Meta][]batchEntry),
		repair:      repair,
		addresses:   addresses,
	}
	d.candidates.OnExternalAddressChanged(d.onExternalAddressChanged)
	return d, nil
}

// SetClock replaces the time source of the engine and its candidate table.
func (d *Dispersy) SetClock(now func() time.Time) {
	d.now = now
	d.candidates.SetClock(now)
	d.statistics.Reset(now())
}

// Store returns the persistence backend.
func (d *Dispersy) Store() store.Store {
	return d.store
}

// Directory returns the member directory.
func (d *Dispersy) Directory() *member.Directory {
	return d.directory
}

// Candidates returns the candidate table.
func (d *Dispersy) Candidates() *candidate.Registry {
	return d.candidates
}

// Triggers returns the trigger registry.
func (d *Dispersy) Triggers() *trigger.Registry {
	return d.triggers
}

// Statistics returns the counters.
func (d *Dispersy) Statistics() *Statistics {
	return d.statistics
}

// Start schedules the node wide periodic tasks. Community tasks are
// scheduled when the community is attached.
func (d *Dispersy) Start() {
	if d.conf.CleanupInterval > 0 {
		d.scheduler.PersistentRegister("candidate-cleanup", d.periodicCleanup, d.conf.CleanupInterval, 0)
	}
	if d.conf.StatsInterval > 0 {
		d.scheduler.PersistentRegister("statistics", d.periodicStatistics, d.conf.StatsInterval, 0)
	}
}

// Stop cancels every periodic task and detaches the communities.
func (d *Dispersy) Stop() {
	d.scheduler.Unregister("candidate-cleanup")
	d.scheduler.Unregister("statistics")
	for _, c := range d.Communities() {
		d.DetachCommunity(c.ID())
	}
}

func (d *Dispersy) periodicCleanup() time.Duration {
	for _, c := range d.Communities() {
		if n := d.candidates.Cleanup(c.ID(), c.Settings().CandidateCleanupAge); n > 0 {
			c.Logger().WithField("removed", n).Debug("Cleaned up candidates")
		}
	}
	return d.conf.CleanupInterval
}

func (d *Dispersy) periodicStatistics() time.Duration {
	s := d.statistics.Snapshot()
	d.logger.WithFields(logrus.Fields{
		"received": s.Received.Count,
		"sent":     s.Sent.Count,
		"success":  len(s.Success),
		"drop":     len(s.Drop),
		"delay":    len(s.Delay),
		"triggers": d.triggers.Len(),
	}).Info("Statistics")
	return d.conf.StatsInterval
}

// RegisterDefinition makes a classification loadable.
func (d *Dispersy) RegisterDefinition(def community.Definition) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.definitions[def.Classification()] = def
}

// Definition returns the registered definition of a classification.
func (d *Dispersy) Definition(classification string) (community.Definition, error) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	def, ok := d.definitions[classification]
	if !ok {
		return nil, fmt.Errorf("unknown classification %q", classification)
	}
	return def, nil
}

// Communities returns the loaded communities ordered by id.
func (d *Dispersy) Communities() []*community.Community {
	d.lock.RLock()
	defer d.lock.RUnlock()
	res := make([]*community.Community, 0, len(d.communities))
	for _, c := range d.communities {
		res = append(res, c)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].ID().Hex() < res[j].ID().Hex()
	})
	return res
}

func (d *Dispersy) loaded(cid crypto.Digest) (*community.Community, bool) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	c, ok := d.communities[cid]
	return c, ok
}

// GetCommunity returns a loaded community. A stored community is loaded when
// load is set, or when autoLoad is set and the community was stored with the
// auto-load flag.
func (d *Dispersy) GetCommunity(cid crypto.Digest, load, autoLoad bool) (*community.Community, error) {
	if c, ok := d.loaded(cid); ok {
		return c, nil
	}

	rec, err := d.store.GetCommunity(cid)
	if err != nil {
		return nil, err
	}
	if !load && !(autoLoad && rec.AutoLoad) {
		return nil, fmt.Errorf("community %s is not loaded", cid.Hex())
	}

	def, err := d.Definition(rec.Classification)
	if err != nil {
		return nil, err
	}
	master, err := d.directory.Get(rec.MasterPublicKey)
	if err != nil {
		return nil, err
	}
	my, ok := d.directory.ByMID(crypto.SHA1(rec.MyPublicKey))
	if !ok || !my.HasPrivateKey() {
		return nil, fmt.Errorf("no private key for the member of community %s", cid.Hex())
	}

	c, err := d.newCommunity(def, master, my)
	if err != nil {
		return nil, err
	}
	if err := d.AttachCommunity(c); err != nil {
		return nil, err
	}
	return c, nil
}

// CreateCommunity creates a community with a fresh master key. my receives
// every permission on the Linear meta messages.
func (d *Dispersy) CreateCommunity(def community.Definition, my *member.Member) (*community.Community, error) {
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		return nil, err
	}
	master, err := d.directory.GetPrivate(key)
	if err != nil {
		return nil, err
	}

	c, err := d.setupCommunity(def, master, my)
	if err != nil {
		return nil, err
	}

	var triplets []Triplet
	for _, meta := range c.Metas() {
		if _, ok := meta.Resolution.(message.LinearResolution); !ok {
			continue
		}
		for _, p := range []timeline.Permission{timeline.Permit, timeline.Authorize, timeline.Revoke} {
			triplets = append(triplets, Triplet{Member: my, Meta: meta.Name, Permission: p})
		}
	}
	if len(triplets) > 0 {
		if _, err := d.CreateAuthorize(c, triplets, true, false); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// JoinCommunity joins the community of a known master public key.
func (d *Dispersy) JoinCommunity(def community.Definition, masterPublicKey []byte, my *member.Member) (*community.Community, error) {
	master, err := d.directory.Get(masterPublicKey)
	if err != nil {
		return nil, err
	}
	return d.setupCommunity(def, master, my)
}

func (d *Dispersy) setupCommunity(def community.Definition, master, my *member.Member) (*community.Community, error) {
	if !my.HasPrivateKey() {
		return nil, fmt.Errorf("member %s has no private key", my)
	}
	d.RegisterDefinition(def)

	c, err := d.newCommunity(def, master, my)
	if err != nil {
		return nil, err
	}
	err = d.store.PutCommunity(store.CommunityRecord{
		ID:              c.ID(),
		Classification:  def.Classification(),
		MasterPublicKey: master.PublicKey(),
		MyPublicKey:     my.PublicKey(),
		AutoLoad:        true,
	})
	if err != nil {
		return nil, err
	}
	if err := d.AttachCommunity(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (d *Dispersy) newCommunity(def community.Definition, master, my *member.Member) (*community.Community, error) {
	c, err := community.New(community.Params{
		Definition: def,
		Master:     master,
		MyMember:   my,
		Directory:  d.directory,
		Store:      d.store,
		Settings:   d.conf.Settings,
		Builtins:   d.builtinMetas,
		Logger:     d.logger,
	})
	if err != nil {
		return nil, err
	}
	d.restore(c)
	return c, nil
}

// restore rebuilds the in-memory state that lives in stored messages: member
// addresses, subjective sets and the frozen state.
func (d *Dispersy) restore(c *community.Community) {
	for _, msg := range d.storedMessages(c, Identity) {
		d.addresses.Add(msg.Member().MID(), msg.Payload.(*IdentityPayload).Address)
	}
	for _, msg := range d.storedMessages(c, SubjectiveSet) {
		if err := d.applySubjectiveSet(c, msg); err != nil {
			c.Logger().WithError(err).Warn("Restoring subjective set")
		}
	}
	for _, msg := range d.storedMessages(c, DestroyCommunity) {
		c.Freeze(msg.GlobalTime())
	}
}

func (d *Dispersy) storedMessages(c *community.Community, name string) []*message.Message {
	recs, err := d.store.MetaRecords(c.ID(), name)
	if err != nil {
		c.Logger().WithError(err).WithField("meta", name).Error("Reading stored messages")
		return nil
	}
	res := make([]*message.Message, 0, len(recs))
	for _, rec := range recs {
		msg, err := c.Conversion().DecodeMessage(common.LocalAddress, rec.Packet)
		if err != nil {
			c.Logger().WithError(err).WithField("meta", name).Warn("Decoding stored packet")
			continue
		}
		res = append(res, msg)
	}
	return res
}

// AttachCommunity makes c receive packets and starts its periodic tasks.
func (d *Dispersy) AttachCommunity(c *community.Community) error {
	d.lock.Lock()
	if _, ok := d.communities[c.ID()]; ok {
		d.lock.Unlock()
		return fmt.Errorf("community %s is already attached", c.ID().Hex())
	}
	d.communities[c.ID()] = c
	d.lock.Unlock()

	if err := d.candidates.Load(c.ID()); err != nil {
		c.Logger().WithError(err).Error("Loading candidates")
	}

	s := c.Settings()
	if s.SyncInterval > 0 {
		d.scheduler.Register(d.periodicSync(c), s.SyncInitialDelay, 0, syncTaskID(c))
	}
	if s.CandidateRequestInterval > 0 {
		d.scheduler.Register(d.periodicCandidateRequest(c), s.CandidateRequestInitialDelay, 0, candidateTaskID(c))
	}

	recs, err := d.store.SignerSetRecords(c.ID(), Identity, []crypto.Digest{c.MyMember().MID()})
	if err == nil && len(recs) == 0 {
		if _, err := d.CreateIdentity(c, true); err != nil {
			c.Logger().WithError(err).Error("Creating identity")
		}
	}

	c.Logger().Info("Attached community")
	return nil
}

// DetachCommunity stops the tasks of a community and forgets it. Its stored
// data is kept.
func (d *Dispersy) DetachCommunity(cid crypto.Digest) {
	d.lock.Lock()
	c, ok := d.communities[cid]
	delete(d.communities, cid)
	d.lock.Unlock()
	if !ok {
		return
	}

	d.scheduler.Unregister(syncTaskID(c))
	d.scheduler.Unregister(candidateTaskID(c))
	d.candidates.Forget(cid)
	c.Logger().Info("Detached community")
}

// ReclassifyCommunity reloads a community with another definition.
func (d *Dispersy) ReclassifyCommunity(c *community.Community, classification string) (*community.Community, error) {
	def, err := d.Definition(classification)
	if err != nil {
		return nil, err
	}

	rec, err := d.store.GetCommunity(c.ID())
	if err != nil {
		return nil, err
	}
	rec.Classification = classification
	if err := d.store.PutCommunity(rec); err != nil {
		return nil, err
	}

	d.DetachCommunity(c.ID())
	res, err := d.newCommunity(def, c.Master(), c.MyMember())
	if err != nil {
		return nil, err
	}
	if err := d.AttachCommunity(res); err != nil {
		return nil, err
	}
	res.Logger().WithField("from", c.Classification()).Info("Reclassified community")
	return res, nil
}

func syncTaskID(c *community.Community) string {
	return "sync-" + c.ID().Hex()
}

func candidateTaskID(c *community.Community) string {
	return "candidate-request-" + c.ID().Hex()
}

func (d *Dispersy) onExternalAddressChanged(addr common.Address) {
	d.logger.WithField("address", addr).Info("External address changed")
	d.scheduler.Register(callback.Once(func() {
		for _, c := range d.Communities() {
			if _, err := d.CreateIdentity(c, true); err != nil {
				c.Logger().WithError(err).Error("Creating identity")
			}
		}
	}), 0, 0, "")
}

// MemberAddress returns the last address announced by a member.
func (d *Dispersy) MemberAddress(mid crypto.Digest) (common.Address, bool) {
	return d.addresses.Get(mid)
}
