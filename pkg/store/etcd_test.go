package store

import (
	"context"
	"net"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/server/v3/embed"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap/zaptest"

	"symphony/pkg/event"
	"symphony/pkg/model"
)

func freeURL(t *testing.T) url.URL {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return url.URL{Scheme: "http", Host: addr}
}

// newEtcdTestStore 起一个进程内的单节点 etcd，每个测试一个独立的数据目录
func newEtcdTestStore(t *testing.T) *EtcdManager {
	t.Helper()
	cfg := embed.NewConfig()
	cfg.Name = "symphony-test"
	cfg.Dir = t.TempDir()
	cfg.LogLevel = "error"
	client, peer := freeURL(t), freeURL(t)
	cfg.ListenClientUrls = []url.URL{client}
	cfg.AdvertiseClientUrls = []url.URL{client}
	cfg.ListenPeerUrls = []url.URL{peer}
	cfg.AdvertisePeerUrls = []url.URL{peer}
	cfg.InitialCluster = cfg.InitialClusterFromName(cfg.Name)

	srv, err := embed.StartEtcd(cfg)
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	select {
	case <-srv.Server.ReadyNotify():
	case err := <-srv.Err():
		t.Fatalf("embedded etcd failed: %v", err)
	case <-time.After(30 * time.Second):
		t.Fatal("embedded etcd did not become ready")
	}

	cli, err := clientv3.New(clientv3.Config{Endpoints: []string{client.Host}, DialTimeout: 5 * time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })

	e, err := NewEtcdManagerWithClient(cli, zaptest.NewLogger(t), WithKeyPrefix("/"+t.Name()))
	require.NoError(t, err)
	return e
}

func TestEtcdManager_AssignsIDsPerKind(t *testing.T) {
	ctx := context.Background()
	e := newEtcdTestStore(t)

	a := model.Run{State: model.RunSpawned}
	b := model.Run{State: model.RunSpawned}
	require.NoError(t, e.SaveRun(ctx, &a))
	require.NoError(t, e.SaveRun(ctx, &b))
	require.Equal(t, model.Some(int64(1)), a.ID)
	require.Equal(t, model.Some(int64(2)), b.ID)

	g := model.ResourceGroup{AvailableCores: 1, CoresLeft: 1}
	require.NoError(t, e.SaveResourceGroup(ctx, &g))
	require.Equal(t, model.Some(int64(1)), g.ID)

	got, err := e.GetRun(ctx, b.ID.Value)
	require.NoError(t, err)
	require.Equal(t, b, got)

	_, err = e.GetRun(ctx, 99)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestEtcdManager_ConcurrentReservationsNeverOversubscribe(t *testing.T) {
	ctx := context.Background()
	e := newEtcdTestStore(t)

	g := model.ResourceGroup{AvailableCores: 8, AvailableMemory: 1024, CoresLeft: 8, MemoryLeft: 1024}
	require.NoError(t, e.SaveResourceGroup(ctx, &g))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ok   int
		errs []error
	)
	start := make(chan struct{})
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := e.UpdateResourceGroup(ctx, g.ID.Value, func(cur *model.ResourceGroup) error {
				return cur.Reserve(5, 100)
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else {
				errs = append(errs, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Equal(t, 1, ok)
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], model.ErrResourceExhausted)

	got, err := e.GetResourceGroup(ctx, g.ID.Value)
	require.NoError(t, err)
	require.Equal(t, int64(3), got.CoresLeft)
	require.Equal(t, int64(924), got.MemoryLeft)
}

func TestEtcdManager_NamespaceCycleRejectedWithoutWrite(t *testing.T) {
	ctx := context.Background()
	e := newEtcdTestStore(t)

	root := model.Namespace{Name: "root"}
	require.NoError(t, e.SaveNamespace(ctx, &root))
	team := model.Namespace{Name: "team", ParentID: root.ID}
	require.NoError(t, e.SaveNamespace(ctx, &team))

	root.ParentID = team.ID
	require.ErrorIs(t, e.SaveNamespace(ctx, &root), model.ErrNamespaceCycle)

	got, err := e.ListNamespaces(ctx, model.NamespaceQuery{ID: root.ID})
	require.NoError(t, err)
	require.Len(t, got, 1, "the existing namespace is not deleted")
	require.Equal(t, "root", got[0].Name)
	require.False(t, got[0].ParentID.Present)

	self := model.Namespace{Name: "loop"}
	require.NoError(t, e.SaveNamespace(ctx, &self))
	self.ParentID = self.ID
	require.ErrorIs(t, e.SaveNamespace(ctx, &self), model.ErrNamespaceCycle)

	all, err := e.ListNamespaces(ctx, model.NamespaceQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestEtcdManager_ReleaseRunFragmentOnce(t *testing.T) {
	ctx := context.Background()
	e := newEtcdTestStore(t)

	g := model.ResourceGroup{AvailableCores: 8, AvailableMemory: 1024, CoresLeft: 3, MemoryLeft: 512}
	require.NoError(t, e.SaveResourceGroup(ctx, &g))
	other := model.ResourceGroup{AvailableCores: 4, CoresLeft: 4}
	require.NoError(t, e.SaveResourceGroup(ctx, &other))

	rf := model.RunFragment{
		State:           model.RunError,
		ResourceGroupID: g.ID,
		Fragment:        &model.Fragment{CoresRequired: model.Some(int64(5)), MemoryRequired: model.Some(int64(512))},
	}
	require.NoError(t, e.SaveRunFragment(ctx, &rf))

	for range 2 {
		got, err := e.ReleaseRunFragment(ctx, rf.ID.Value)
		require.NoError(t, err)
		require.True(t, got.ResourcesReleased)
	}

	got, err := e.GetResourceGroup(ctx, g.ID.Value)
	require.NoError(t, err)
	require.Equal(t, int64(8), got.CoresLeft)
	require.Equal(t, int64(1024), got.MemoryLeft)

	untouched, err := e.GetResourceGroup(ctx, other.ID.Value)
	require.NoError(t, err)
	require.Equal(t, int64(4), untouched.CoresLeft)

	stored, err := e.GetRunFragment(ctx, rf.ID.Value)
	require.NoError(t, err)
	require.True(t, stored.ResourcesReleased)
}

func TestEtcdManager_WatchDeliversPendingThenLive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := newEtcdTestStore(t)
	mailbox := RunnerMailbox(1)

	early := &event.KillRun{Header: event.Header{RunnerID: 1}, RunFragmentID: 5}
	require.NoError(t, e.SendEvent(ctx, mailbox, early))
	require.True(t, early.ID.Present)

	ch := e.WatchEvents(ctx, mailbox)
	next := func() event.Event {
		t.Helper()
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "watch closed early")
			return ev
		case <-time.After(10 * time.Second):
			t.Fatal("event was not delivered")
			return nil
		}
	}

	got := next()
	require.Equal(t, int64(5), got.(*event.KillRun).RunFragmentID)
	require.Equal(t, early.ID, got.EventHeader().ID)

	require.NoError(t, e.SendEvent(ctx, RunnerMailbox(2), &event.KillRun{Header: event.Header{RunnerID: 2}, RunFragmentID: 9}))
	late := &event.StartRun{Header: event.Header{RunnerID: 1}, RunFragmentID: 6, RunID: 3}
	require.NoError(t, e.SendEvent(ctx, mailbox, late))

	got = next()
	start, ok := got.(*event.StartRun)
	require.True(t, ok, "other mailboxes are not delivered here")
	require.Equal(t, int64(6), start.RunFragmentID)

	// 删除不会作为事件投递
	require.NoError(t, e.DeleteEvent(ctx, mailbox, early.ID.Value))

	cancel()
	for range ch {
	}

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	again := e.WatchEvents(ctx2, mailbox)
	got = <-again
	require.Equal(t, late.ID, got.EventHeader().ID, "a new watch only sees what is left")
}
