package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mosaicnetworks/dispersy/src/callback"
	"github.com/mosaicnetworks/dispersy/src/common"
	"github.com/mosaicnetworks/dispersy/src/community"
	"github.com/mosaicnetworks/dispersy/src/config"
	"github.com/mosaicnetworks/dispersy/src/crypto/keys"
	"github.com/mosaicnetworks/dispersy/src/dispersy"
	"github.com/mosaicnetworks/dispersy/src/dummy"
	"github.com/mosaicnetworks/dispersy/src/member"
	"github.com/mosaicnetworks/dispersy/src/net"
	"github.com/mosaicnetworks/dispersy/src/service"
	"github.com/mosaicnetworks/dispersy/src/store"
)

// ErrNoDummy is returned by the demo community operations when it is
// disabled.
var ErrNoDummy = errors.New("the dummy community is disabled")

//Node defines a dispersy node
type Node struct {
	state

	conf   *config.Config
	logger *logrus.Entry

	Store     store.Store
	Transport net.Transport
	Scheduler *callback.Callback
	Directory *member.Directory
	Dispersy  *dispersy.Dispersy
	Member    *member.Member
	Service   *service.Service

	dummyState  *dummy.State
	dummyClient *dummy.Client
}

//NewNode is a factory method that returns a Node instance. Nothing is opened
//until Init.
func NewNode(conf *config.Config) *Node {
	return &Node{
		conf:   conf,
		logger: conf.Logger(),
	}
}

func (n *Node) initStore() error {
	switch n.conf.Store {
	case config.StoreInmem, "":
		n.Store = store.NewInmemStore()

		n.logger.Debug("created new in-mem store")
	case config.StoreBadger:
		n.logger.WithField("path", n.conf.BadgerDir()).Debug("Attempting to load or create database")

		s, err := store.NewBadgerStore(n.conf.BadgerDir())
		if err != nil {
			return err
		}
		n.Store = s
	case config.StoreSQLite:
		n.logger.WithField("path", n.conf.SQLiteFile()).Debug("Attempting to load or create database")

		s, err := store.NewSQLiteStore(n.conf.SQLiteFile())
		if err != nil {
			return err
		}
		n.Store = s
	default:
		return fmt.Errorf("unknown store %q", n.conf.Store)
	}
	return nil
}

func (n *Node) initTransport() error {
	if n.Transport != nil {
		return nil
	}

	transport, err := net.NewUDPTransport(n.conf.BindAddr, n.logger.WithField("prefix", "udp"))
	if err != nil {
		return err
	}

	n.Transport = transport

	return nil
}

func (n *Node) initKey() error {
	if n.conf.Key == nil {
		keyfile := keys.NewKeyfile(n.conf.Keyfile())

		key, created, err := keyfile.ReadOrCreate()
		if err != nil {
			n.logger.WithError(err).Error("Cannot read or create private key")

			return err
		}

		if created {
			n.logger.WithField("path", keyfile.Path()).Info("Created a new key")
		}

		n.conf.Key = key
	}
	return nil
}

func (n *Node) initEngine() error {
	directory, err := member.NewDirectory(n.Store, n.conf.CacheSize)
	if err != nil {
		return err
	}
	n.Directory = directory

	n.Member, err = directory.GetPrivate(n.conf.Key)
	if err != nil {
		return err
	}

	n.Scheduler = callback.NewCallback(n.logger.WithField("prefix", "callback"))

	n.Dispersy, err = dispersy.New(EngineConfig(n.conf),
		n.Store,
		n.Transport,
		n.Scheduler,
		directory,
		n.logger.WithField("prefix", "engine"))
	if err != nil {
		return err
	}

	n.logger.WithFields(logrus.Fields{
		"member": n.Member,
		"local":  n.Transport.LocalAddr(),
	}).Info("Engine ready")

	return nil
}

// initCommunities loads the stored communities flagged for auto-load whose
// classification is registered.
func (n *Node) initCommunities() error {
	if n.conf.Dummy {
		n.dummyState = dummy.NewState(n.logger.WithField("prefix", "dummy"))
		n.Dispersy.RegisterDefinition(dummy.NewDefinition(n.dummyState))
	}

	recs, err := n.Store.Communities()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if !rec.AutoLoad {
			continue
		}
		if _, err := n.Dispersy.GetCommunity(rec.ID, true, false); err != nil {
			n.logger.WithError(err).WithFields(logrus.Fields{
				"community":      rec.ID.Hex(),
				"classification": rec.Classification,
			}).Warn("Cannot load community")
		}
	}

	for _, p := range n.conf.Peers {
		addr, err := common.ParseAddress(p)
		if err != nil {
			return fmt.Errorf("peer %q: %w", p, err)
		}
		n.Dispersy.Candidates().AddSeed(addr)
	}
	return nil
}

// initDummy creates or joins the demo community unless one is loaded.
func (n *Node) initDummy() error {
	if !n.conf.Dummy {
		return nil
	}

	var c *community.Community
	for _, loaded := range n.Dispersy.Communities() {
		if loaded.Classification() == dummy.Classification {
			c = loaded
			break
		}
	}

	if c == nil {
		def, err := n.Dispersy.Definition(dummy.Classification)
		if err != nil {
			return err
		}

		if n.conf.DummyMaster == "" {
			c, err = n.Dispersy.CreateCommunity(def, n.Member)
		} else {
			var master []byte
			master, err = common.DecodeFromString(n.conf.DummyMaster)
			if err != nil {
				return fmt.Errorf("dummy master: %w", err)
			}
			c, err = n.Dispersy.JoinCommunity(def, master, n.Member)
		}
		if err != nil {
			return err
		}
	}

	n.dummyClient = dummy.NewClient(n.Dispersy, c.ID(), n.logger.WithField("prefix", "dummy"))

	n.logger.WithFields(logrus.Fields{
		"community": c.ID().Hex(),
		"master":    common.EncodeToString(c.Master().PublicKey()),
	}).Info("Dummy community")

	return nil
}

func (n *Node) initService() error {
	if !n.conf.NoService {
		n.Service = service.NewService(n.conf.ServiceAddr, n, n.logger.WithField("prefix", "service"))
	}
	return nil
}

// Init opens the store, the transport and the key, then builds the engine
// and loads the communities.
func (n *Node) Init() error {
	if err := n.initStore(); err != nil {
		return err
	}

	if err := n.initTransport(); err != nil {
		return err
	}

	if err := n.initKey(); err != nil {
		return err
	}

	if err := n.initEngine(); err != nil {
		return err
	}

	if err := n.initCommunities(); err != nil {
		return err
	}

	if err := n.initDummy(); err != nil {
		return err
	}

	return n.initService()
}

// Run starts the node and blocks until ctx is cancelled or one of its
// routines fails. The node cannot be run again afterwards.
func (n *Node) Run(ctx context.Context) error {
	if !n.compareAndSwap(Idle, Running) {
		return fmt.Errorf("node is %s", n.getState())
	}

	n.Transport.Listen()
	n.Dispersy.Start()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return n.Scheduler.Run(ctx)
	})

	g.Go(func() error {
		return n.pump(ctx)
	})

	if n.Service != nil {
		g.Go(func() error {
			return n.Service.Serve(ctx)
		})
	}

	err := g.Wait()

	n.shutdown()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// pump hands received packets to the engine.
func (n *Node) pump(ctx context.Context) error {
	consumer := n.Transport.Consumer()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case packets, ok := <-consumer:
			if !ok {
				return nil
			}
			n.Dispersy.DataCameIn(packets)
		}
	}
}

func (n *Node) shutdown() {
	n.setState(Shutdown)

	n.logger.Debug("Shutdown")

	// the scheduler is stopped, the engine is ours
	n.Dispersy.Stop()

	if err := n.Transport.Close(); err != nil {
		n.logger.WithError(err).Error("Closing transport")
	}
	if err := n.Store.Close(); err != nil {
		n.logger.WithError(err).Error("Closing store")
	}
}

// GetState returns the state of the node.
func (n *Node) GetState() State {
	return n.getState()
}

// Call runs f as a scheduler task and returns its error. It must not be called
// from a scheduler task.
func (n *Node) Call(ctx context.Context, f func() error) error {
	if n.getState() != Running {
		return fmt.Errorf("node is %s", n.getState())
	}

	done := make(chan error, 1)
	n.Scheduler.Register(callback.Once(func() {
		done <- f()
	}), 0, 0, "")

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Info implements service.Backend.
func (n *Node) Info(ctx context.Context, reset bool) (dispersy.Info, error) {
	var info dispersy.Info
	err := n.Call(ctx, func() error {
		info = n.Dispersy.Info(reset)
		return nil
	})
	return info, err
}

// Say implements service.Backend. It posts a text to the demo community.
func (n *Node) Say(ctx context.Context, text string) error {
	if n.dummyClient == nil {
		return ErrNoDummy
	}
	return n.Call(ctx, func() error {
		_, err := n.dummyClient.Say(text)
		return err
	})
}

// Texts implements service.Backend.
func (n *Node) Texts() ([]dummy.Entry, error) {
	if n.dummyState == nil {
		return nil, ErrNoDummy
	}
	return n.dummyState.Texts(), nil
}

// Dummy returns the demo community client, nil when it is disabled. Its
// methods must run on the scheduler, see Call.
func (n *Node) Dummy() *dummy.Client {
	return n.dummyClient
}
