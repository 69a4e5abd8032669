package node

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mosaicnetworks/dispersy/src/config"
	"github.com/mosaicnetworks/dispersy/src/dummy"
)

func newTestConfig(t *testing.T, dataDir string, store string) *config.Config {
	conf := config.NewTestConfig(t, logrus.DebugLevel)
	conf.SetDataDir(dataDir)
	conf.BindAddr = "127.0.0.1:0"
	conf.NoService = true
	conf.Store = store
	return conf
}

func initNode(t *testing.T, conf *config.Config) *Node {
	n := NewNode(conf)
	if err := n.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return n
}

// start runs n in the background. The returned function stops it and returns
// the error of Run.
func start(t *testing.T, n *Node) func() error {
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- n.Run(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for n.GetState() != Running {
		if time.Now().After(deadline) {
			t.Fatalf("node did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	return func() error {
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(5 * time.Second):
			t.Fatalf("node did not stop")
			return nil
		}
	}
}

func TestNodeSayAndInfo(t *testing.T) {
	for _, store := range []string{config.StoreInmem, config.StoreBadger, config.StoreSQLite} {
		t.Run(store, func(t *testing.T) {
			n := initNode(t, newTestConfig(t, t.TempDir(), store))
			stop := start(t, n)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := n.Say(ctx, "hello"); err != nil {
				t.Fatalf("Say: %v", err)
			}

			texts, err := n.Texts()
			if err != nil {
				t.Fatalf("Texts: %v", err)
			}
			if len(texts) != 1 || texts[0].Text != "hello" {
				t.Fatalf("unexpected texts %+v", texts)
			}

			info, err := n.Info(ctx, false)
			if err != nil {
				t.Fatalf("Info: %v", err)
			}
			if len(info.Communities) != 1 {
				t.Fatalf("expected 1 community, got %d", len(info.Communities))
			}
			ci := info.Communities[0]
			if ci.Classification != dummy.Classification {
				t.Fatalf("expected the dummy community, got %s", ci.Classification)
			}
			if ci.Messages[dummy.Text] != 1 {
				t.Fatalf("expected 1 stored text, got %d", ci.Messages[dummy.Text])
			}

			if err := stop(); err != nil {
				t.Fatalf("Run: %v", err)
			}
			if n.GetState() != Shutdown {
				t.Fatalf("state should be Shutdown, got %s", n.GetState())
			}
		})
	}
}

func TestNodeRestart(t *testing.T) {
	dataDir := t.TempDir()

	first := initNode(t, newTestConfig(t, dataDir, config.StoreSQLite))
	stop := start(t, first)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := first.Say(ctx, "before restart"); err != nil {
		t.Fatalf("Say: %v", err)
	}
	cid := first.Dispersy.Communities()[0].ID()
	mid := first.Member.MID()
	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	second := initNode(t, newTestConfig(t, dataDir, config.StoreSQLite))
	if second.Member.MID() != mid {
		t.Fatalf("the key should be reused")
	}
	communities := second.Dispersy.Communities()
	if len(communities) != 1 || communities[0].ID() != cid {
		t.Fatalf("the dummy community should be reloaded, got %d communities", len(communities))
	}

	stop = start(t, second)
	info, err := second.Info(ctx, false)
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Communities[0].Messages[dummy.Text] != 1 {
		t.Fatalf("the stored text should survive, got %d", info.Communities[0].Messages[dummy.Text])
	}
	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestNodeRunsOnce(t *testing.T) {
	n := initNode(t, newTestConfig(t, t.TempDir(), config.StoreInmem))
	stop := start(t, n)
	if err := stop(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if err := n.Run(context.Background()); err == nil {
		t.Fatalf("a stopped node should not run again")
	}
	if err := n.Call(context.Background(), func() error { return nil }); err == nil {
		t.Fatalf("Call should fail on a stopped node")
	}
}

func TestNodeWithoutDummy(t *testing.T) {
	conf := newTestConfig(t, t.TempDir(), config.StoreInmem)
	conf.Dummy = false
	n := initNode(t, conf)
	defer n.Transport.Close()

	if n.Dummy() != nil {
		t.Fatalf("no dummy client expected")
	}
	if _, err := n.Texts(); err != ErrNoDummy {
		t.Fatalf("expected ErrNoDummy, got %v", err)
	}
	if err := n.Say(context.Background(), "nobody listens"); err != ErrNoDummy {
		t.Fatalf("expected ErrNoDummy, got %v", err)
	}
	if len(n.Dispersy.Communities()) != 0 {
		t.Fatalf("no community expected")
	}
}

func TestEngineConfig(t *testing.T) {
	conf := config.NewDefaultConfig()
	conf.Community.SyncInterval = time.Minute
	conf.CacheSize = 42

	ec := EngineConfig(conf)

	if ec.Settings.SyncInterval != time.Minute {
		t.Fatalf("community settings should be copied")
	}
	if ec.CacheSize != 42 || ec.RepairBurst != conf.RepairBurst {
		t.Fatalf("unexpected engine config %+v", ec)
	}
}
