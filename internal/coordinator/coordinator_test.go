package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"symphony/pkg/event"
	"symphony/pkg/model"
	"symphony/pkg/schema"
	"symphony/pkg/store"
)

type fixture struct {
	c      *Coordinator
	store  *store.MemoryStore
	run    model.Run
	group  model.ResourceGroup
	runner model.Runner
}

// setupFixture 一个 8 核 / 8192 内存的资源组，一个 HEALTHY runner 和一个 SPAWNED 的 Run
func setupFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore(event.Default())

	g := model.ResourceGroup{AvailableCores: 8, AvailableMemory: 8192, CoresLeft: 8, MemoryLeft: 8192}
	require.NoError(t, s.SaveResourceGroup(ctx, &g))

	r := model.Runner{
		Label:           model.Some("runner-a"),
		ResourceGroupID: g.ID,
		Status:          model.RunnerHealthy,
		Tags:            model.Tags("gpu", "linux"),
		PluginTags:      model.Tags("docker"),
	}
	require.NoError(t, s.SaveRunner(ctx, &r))

	run := model.Run{State: model.RunSpawned}
	require.NoError(t, s.SaveRun(ctx, &run))

	return &fixture{
		c:      NewCoordinator(s, zaptest.NewLogger(t), opts...),
		store:  s,
		run:    run,
		group:  g,
		runner: r,
	}
}

func fragment(cores, memory int64) model.Fragment {
	return model.Fragment{CoresRequired: model.Some(cores), MemoryRequired: model.Some(memory)}
}

func TestAssignFragment_ReservesAndNotifies(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	rf, err := f.c.AssignFragment(ctx, f.run.ID.Value, fragment(3, 1024), f.runner.ID.Value)
	require.NoError(t, err)
	require.True(t, rf.ID.Present, "run fragment should be persisted with an id")
	require.Equal(t, model.RunPending, rf.State)

	g, err := f.store.GetResourceGroup(ctx, f.group.ID.Value)
	require.NoError(t, err)
	require.Equal(t, int64(5), g.CoresLeft)
	require.Equal(t, int64(7168), g.MemoryLeft)

	run, err := f.store.GetRun(ctx, f.run.ID.Value)
	require.NoError(t, err)
	require.Equal(t, model.RunPending, run.State, "run state follows its fragments")

	ev := nextEvent(t, f.store, store.RunnerMailbox(f.runner.ID.Value))
	start, ok := ev.(*event.StartRun)
	require.True(t, ok, "runner should receive StartRun, got %T", ev)
	require.Equal(t, rf.ID.Value, start.RunFragmentID)
	require.Equal(t, f.run.ID.Value, start.RunID)
}

func TestAssignFragment_ConcurrentReservationsNeverOvercommit(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		exhausted int
	)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.c.AssignFragment(ctx, f.run.ID.Value, fragment(5, 0), f.runner.ID.Value)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, model.ErrResourceExhausted):
				exhausted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, succeeded, "exactly one reservation should fit")
	require.Equal(t, 1, exhausted, "the other should be rejected")

	g, err := f.store.GetResourceGroup(ctx, f.group.ID.Value)
	require.NoError(t, err)
	require.Equal(t, int64(3), g.CoresLeft)

	rfs, err := f.store.ListRunFragments(ctx, model.RunFragmentQuery{RunID: f.run.ID})
	require.NoError(t, err)
	require.Len(t, rfs, 1, "the rejected assignment must not persist a run fragment")
}

func TestAssignFragment_IneligibleRunner(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	frag := fragment(1, 1)
	frag.RunnerTags = []string{"arm64"}
	_, err := f.c.AssignFragment(ctx, f.run.ID.Value, frag, f.runner.ID.Value)
	require.ErrorIs(t, err, ErrIneligible)

	frag = fragment(1, 1)
	frag.FragmentExecutorTag = model.Some("podman")
	_, err = f.c.AssignFragment(ctx, f.run.ID.Value, frag, f.runner.ID.Value)
	require.ErrorIs(t, err, ErrIneligible)

	g, err := f.store.GetResourceGroup(ctx, f.group.ID.Value)
	require.NoError(t, err)
	require.Equal(t, int64(8), g.CoresLeft, "ineligible assignments reserve nothing")
}

func TestAssignFragment_FinishedRun(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	require.NoError(t, f.c.CancelRun(ctx, f.run.ID.Value))
	_, err := f.c.AssignFragment(ctx, f.run.ID.Value, fragment(1, 1), f.runner.ID.Value)
	require.ErrorIs(t, err, ErrRunFinished)
}

func TestEligibleRunners_FiltersByTagsAndCapacity(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	other := model.Runner{Status: model.RunnerHealthy, ResourceGroupID: f.group.ID, Tags: model.Tags("linux")}
	require.NoError(t, f.store.SaveRunner(ctx, &other))
	offline := model.Runner{Status: model.RunnerOffline, ResourceGroupID: f.group.ID, Tags: model.Tags("gpu")}
	require.NoError(t, f.store.SaveRunner(ctx, &offline))

	frag := fragment(2, 0)
	frag.RunnerTags = []string{"gpu"}
	got, err := f.c.EligibleRunners(ctx, frag)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, f.runner.ID, got[0].ID)

	got, err = f.c.EligibleRunners(ctx, fragment(9, 0))
	require.NoError(t, err)
	require.Empty(t, got, "no resource group has 9 cores left")
}

func TestApplyRunFragmentState_MonotonicAndReleasesOnce(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	rf, err := f.c.AssignFragment(ctx, f.run.ID.Value, fragment(4, 0), f.runner.ID.Value)
	require.NoError(t, err)

	tr, err := f.c.ApplyRunFragmentState(ctx, rf.ID.Value, model.RunRunning)
	require.NoError(t, err)
	require.Equal(t, model.TransitionApplied, tr)

	tr, err = f.c.ApplyRunFragmentState(ctx, rf.ID.Value, model.RunPending)
	require.NoError(t, err)
	require.Equal(t, model.TransitionStale, tr, "late PENDING report must be discarded")

	tr, err = f.c.ApplyRunFragmentState(ctx, rf.ID.Value, model.RunCompleted)
	require.NoError(t, err)
	require.Equal(t, model.TransitionApplied, tr)

	g, err := f.store.GetResourceGroup(ctx, f.group.ID.Value)
	require.NoError(t, err)
	require.Equal(t, int64(8), g.CoresLeft, "resources come back when the fragment completes")

	// ERROR 排在 COMPLETED 之后，仍然前进，但不能重复归还
	tr, err = f.c.ApplyRunFragmentState(ctx, rf.ID.Value, model.RunError)
	require.NoError(t, err)
	require.Equal(t, model.TransitionApplied, tr)
	g, err = f.store.GetResourceGroup(ctx, f.group.ID.Value)
	require.NoError(t, err)
	require.Equal(t, int64(8), g.CoresLeft)

	got, err := f.store.GetRunFragment(ctx, rf.ID.Value)
	require.NoError(t, err)
	require.Equal(t, model.RunError, got.State)

	run, err := f.store.GetRun(ctx, f.run.ID.Value)
	require.NoError(t, err)
	require.Equal(t, model.RunError, run.State)
}

func TestApplyRunFragmentState_UnknownFragment(t *testing.T) {
	f := setupFixture(t)
	tr, err := f.c.ApplyRunFragmentState(context.Background(), 999, model.RunRunning)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Equal(t, model.TransitionUnknown, tr)
}

func TestApplySimulatorState_StaleReportDiscarded(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	runID := f.run.ID.Value
	core, logs := observer.New(zapcore.DebugLevel)
	c := NewCoordinator(f.store, zap.New(core))

	report := func(state model.RunComponentState) model.Transition {
		tr, err := c.ApplySimulatorState(ctx, &event.SimulatorStateChange{
			Header:        event.Header{RunnerID: f.runner.ID.Value},
			RunID:         runID,
			SimulatorID:   7,
			SimulatorName: model.Some("sim"),
			State:         state,
		})
		require.NoError(t, err)
		return tr
	}

	require.Equal(t, model.TransitionApplied, report(model.ComponentRunning))
	require.Equal(t, model.TransitionStale, report(model.ComponentStarting))
	require.Equal(t, model.TransitionDuplicate, report(model.ComponentRunning))
	require.Equal(t, model.TransitionApplied, report(model.ComponentTerminated))

	stale := logs.FilterMessage("discarding stale simulator state").All()
	require.Len(t, stale, 1, "the stale report is logged, the others are not")
	require.Equal(t, zapcore.DebugLevel, stale[0].Level)
	require.Equal(t, string(model.ComponentStarting), stale[0].ContextMap()["reported"])

	states, err := f.store.ListSimulatorStates(ctx, runID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, model.ComponentTerminated, states[0].State)
	require.Equal(t, model.Some("sim"), states[0].SimulatorName)
}

func TestApplySimulatorState_InvalidReportIsNotApplied(t *testing.T) {
	f := setupFixture(t)
	tr, err := f.c.ApplySimulatorState(context.Background(), &event.SimulatorStateChange{
		RunID: f.run.ID.Value, SimulatorID: 1, State: model.RunComponentState("exploded"),
	})
	require.ErrorIs(t, err, model.ErrUnknownState)
	require.Equal(t, model.TransitionUnknown, tr, "an error is never reported as applied")
}

func TestApplyProxyState_KeepsEndpoint(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	_, err := f.c.ApplyProxyState(ctx, &event.ProxyStateChange{
		RunID: f.run.ID.Value, ProxyID: 1, IP: model.Some("10.0.0.2"), Port: model.Some(8080),
		State: model.ComponentStarting,
	})
	require.NoError(t, err)
	_, err = f.c.ApplyProxyState(ctx, &event.ProxyStateChange{
		RunID: f.run.ID.Value, ProxyID: 1, State: model.ComponentRunning,
	})
	require.NoError(t, err)

	states, err := f.store.ListProxyStates(ctx, f.run.ID.Value)
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, model.ComponentRunning, states[0].State)
	require.Equal(t, model.Some("10.0.0.2"), states[0].IP)
	require.Equal(t, model.Some(8080), states[0].Port)
}

func TestCancelRun_CancelsFragmentsAndKills(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	rf, err := f.c.AssignFragment(ctx, f.run.ID.Value, fragment(2, 512), f.runner.ID.Value)
	require.NoError(t, err)
	_ = nextEvent(t, f.store, store.RunnerMailbox(f.runner.ID.Value)) // StartRun

	require.NoError(t, f.c.CancelRun(ctx, f.run.ID.Value))

	got, err := f.store.GetRunFragment(ctx, rf.ID.Value)
	require.NoError(t, err)
	require.Equal(t, model.RunCancelled, got.State)

	run, err := f.store.GetRun(ctx, f.run.ID.Value)
	require.NoError(t, err)
	require.Equal(t, model.RunCancelled, run.State)

	g, err := f.store.GetResourceGroup(ctx, f.group.ID.Value)
	require.NoError(t, err)
	require.Equal(t, int64(8), g.CoresLeft)
	require.Equal(t, int64(8192), g.MemoryLeft)

	kill, ok := nextEvent(t, f.store, store.RunnerMailbox(f.runner.ID.Value)).(*event.KillRun)
	require.True(t, ok, "runner should receive KillRun")
	require.Equal(t, rf.ID.Value, kill.RunFragmentID)
}

func TestIngest_AcksAndAppendsOutput(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	rec := schema.Record{
		"event_discriminator": "ConsoleOutput",
		"id":                  int64(41),
		"runner_id":           f.runner.ID.Value,
		"acknowledged":        false,
		"run_id":              f.run.ID.Value,
		"kind":                "simulator",
		"component_id":        int64(3),
		"component_name":      "sim",
		"command":             "make run",
		"lines": []any{
			map[string]any{"produced_at": now.Format(time.RFC3339), "output": "hello", "is_stderr": false},
			map[string]any{"produced_at": now.Format(time.RFC3339), "output": "oops", "is_stderr": true},
		},
	}
	require.NoError(t, f.c.Ingest(ctx, rec))

	out, err := f.store.GetRunOutput(ctx, f.run.ID.Value, model.RunOutputFilter{})
	require.NoError(t, err)
	lines := out.Simulators[3].Commands["make run"]
	require.Len(t, lines, 2)
	require.Equal(t, "hello", lines[0].Output)
	require.True(t, lines[1].IsStderr)
	require.True(t, lines[0].ID.Present, "coordinator assigns line ids")
	require.Less(t, lines[0].ID.Value, lines[1].ID.Value)

	ack, ok := nextEvent(t, f.store, store.RunnerMailbox(f.runner.ID.Value)).(*event.Ack)
	require.True(t, ok, "runner should receive an Ack")
	require.Equal(t, int64(41), ack.ToAckID)
	require.True(t, ack.Acknowledged)
}

func TestIngest_RejectsBadRecords(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	err := f.c.Ingest(ctx, schema.Record{"runner_id": int64(1)})
	require.ErrorIs(t, err, event.ErrMissingDiscriminator)

	err = f.c.Ingest(ctx, schema.Record{"event_discriminator": "NoSuchEvent", "runner_id": int64(1)})
	require.ErrorIs(t, err, event.ErrUnknownDiscriminator)

	err = f.c.Ingest(ctx, schema.Record{"event_discriminator": "RunFragmentStateChange", "runner_id": int64(1)})
	require.ErrorIs(t, err, schema.ErrValidation)
}

func TestHeartbeat_RestoresOfflineRunner(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	id := f.runner.ID.Value

	require.NoError(t, f.c.markOffline(ctx, id))
	r, err := f.store.GetRunner(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.RunnerOffline, r.Status)

	change, ok := nextEvent(t, f.store, store.RunnerMailbox(id)).(*event.RunnerStateChange)
	require.True(t, ok, "runner should be told it went offline")
	require.Equal(t, model.RunnerHealthy, change.OldStatus)
	require.Equal(t, model.RunnerOffline, change.NewStatus)

	require.NoError(t, f.c.Handle(ctx, &event.RunnerHeartbeat{Header: event.Header{RunnerID: id}}))
	r, err = f.store.GetRunner(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.RunnerHealthy, r.Status)
	require.True(t, f.c.liveness.Alive(id))
}

func TestRun_MarksSilentRunnerOffline(t *testing.T) {
	f := setupFixture(t, WithHeartbeatTimeout(50*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	id := f.runner.ID.Value

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.c.Run(ctx)
	}()

	require.NoError(t, f.store.SendEvent(ctx, store.CoordinatorMailbox,
		&event.RunnerHeartbeat{Header: event.Header{RunnerID: id}}))

	require.Eventually(t, func() bool {
		r, err := f.store.GetRunner(ctx, id)
		return err == nil && r.Status == model.RunnerOffline
	}, 2*time.Second, 10*time.Millisecond, "runner without heartbeats should go OFFLINE")

	cancel()
	<-done
}

// flakyStore 包一层内存存储，按需注入失败或在预留资源之后插入一段逻辑
type flakyStore struct {
	store.Store
	afterReserve func()
	afterStart   func(runFragmentID int64)
	failRelease  int
	failStart    bool
}

func (s *flakyStore) UpdateResourceGroup(ctx context.Context, id int64, fn func(*model.ResourceGroup) error) (model.ResourceGroup, error) {
	g, err := s.Store.UpdateResourceGroup(ctx, id, fn)
	if hook := s.afterReserve; err == nil && hook != nil {
		s.afterReserve = nil
		hook()
	}
	return g, err
}

func (s *flakyStore) ReleaseRunFragment(ctx context.Context, id int64) (model.RunFragment, error) {
	if s.failRelease > 0 {
		s.failRelease--
		return model.RunFragment{}, errors.New("store unavailable")
	}
	return s.Store.ReleaseRunFragment(ctx, id)
}

func (s *flakyStore) SendEvent(ctx context.Context, mailbox string, ev event.Event) error {
	start, ok := ev.(*event.StartRun)
	if ok && s.failStart {
		return errors.New("transport down")
	}
	if err := s.Store.SendEvent(ctx, mailbox, ev); err != nil {
		return err
	}
	if hook := s.afterStart; ok && hook != nil {
		s.afterStart = nil
		hook(start.RunFragmentID)
	}
	return nil
}

func TestApplyRunFragmentState_RetriesFailedRelease(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	flaky := &flakyStore{Store: f.store}
	c := NewCoordinator(flaky, zaptest.NewLogger(t))

	rf, err := c.AssignFragment(ctx, f.run.ID.Value, fragment(5, 0), f.runner.ID.Value)
	require.NoError(t, err)

	flaky.failRelease = 1
	_, err = c.ApplyRunFragmentState(ctx, rf.ID.Value, model.RunCompleted)
	require.Error(t, err, "a failed release is reported")

	got, err := f.store.GetRunFragment(ctx, rf.ID.Value)
	require.NoError(t, err)
	require.Equal(t, model.RunCompleted, got.State)
	require.False(t, got.ResourcesReleased)

	// runner 重报同一个终态
	tr, err := c.ApplyRunFragmentState(ctx, rf.ID.Value, model.RunCompleted)
	require.NoError(t, err)
	require.Equal(t, model.TransitionDuplicate, tr)

	g, err := f.store.GetResourceGroup(ctx, f.group.ID.Value)
	require.NoError(t, err)
	require.Equal(t, int64(8), g.CoresLeft, "the retried report gives the cores back")

	got, err = f.store.GetRunFragment(ctx, rf.ID.Value)
	require.NoError(t, err)
	require.True(t, got.ResourcesReleased)

	run, err := f.store.GetRun(ctx, f.run.ID.Value)
	require.NoError(t, err)
	require.Equal(t, model.RunCompleted, run.State)
}

func TestApplyRunFragmentState_ReleasesToReservingGroup(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	rf, err := f.c.AssignFragment(ctx, f.run.ID.Value, fragment(5, 1024), f.runner.ID.Value)
	require.NoError(t, err)
	require.Equal(t, f.group.ID, rf.ResourceGroupID)

	// runner 换到另一个资源组重新注册
	other := model.ResourceGroup{AvailableCores: 4, AvailableMemory: 4096, CoresLeft: 4, MemoryLeft: 4096}
	require.NoError(t, f.store.SaveResourceGroup(ctx, &other))
	moved := f.runner
	moved.ResourceGroupID = other.ID
	require.NoError(t, f.store.SaveRunner(ctx, &moved))

	_, err = f.c.ApplyRunFragmentState(ctx, rf.ID.Value, model.RunCompleted)
	require.NoError(t, err)

	g, err := f.store.GetResourceGroup(ctx, f.group.ID.Value)
	require.NoError(t, err)
	require.Equal(t, int64(8), g.CoresLeft)
	require.Equal(t, int64(8192), g.MemoryLeft)

	o, err := f.store.GetResourceGroup(ctx, other.ID.Value)
	require.NoError(t, err)
	require.Equal(t, int64(4), o.CoresLeft, "the new group is not credited")
}

func TestAssignFragment_RunCancelledDuringAssignment(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	flaky := &flakyStore{Store: f.store}
	c := NewCoordinator(flaky, zaptest.NewLogger(t))
	flaky.afterReserve = func() {
		require.NoError(t, c.CancelRun(ctx, f.run.ID.Value))
	}

	_, err := c.AssignFragment(ctx, f.run.ID.Value, fragment(5, 0), f.runner.ID.Value)
	require.ErrorIs(t, err, ErrRunFinished)

	run, err := f.store.GetRun(ctx, f.run.ID.Value)
	require.NoError(t, err)
	require.Equal(t, model.RunCancelled, run.State)

	g, err := f.store.GetResourceGroup(ctx, f.group.ID.Value)
	require.NoError(t, err)
	require.Equal(t, int64(8), g.CoresLeft, "the reservation is given back")

	rfs, err := f.store.ListRunFragments(ctx, model.RunFragmentQuery{RunID: f.run.ID})
	require.NoError(t, err)
	require.Len(t, rfs, 1)
	require.Equal(t, model.RunCancelled, rfs[0].State)
	require.True(t, rfs[0].ResourcesReleased)

	mailbox := store.RunnerMailbox(f.runner.ID.Value)
	_, ok := nextEvent(t, f.store, mailbox).(*event.StartRun)
	require.True(t, ok)
	kill, ok := nextEvent(t, f.store, mailbox).(*event.KillRun)
	require.True(t, ok, "the runner is told to stop after the start")
	require.Equal(t, rfs[0].ID.Value, kill.RunFragmentID)
}

func TestAssignFragment_FragmentFinishedBeforeRecheck(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	flaky := &flakyStore{Store: f.store}
	c := NewCoordinator(flaky, zaptest.NewLogger(t))
	// runner 在 AssignFragment 返回之前就跑完了，Run 跟着结束
	flaky.afterStart = func(id int64) {
		_, err := c.ApplyRunFragmentState(ctx, id, model.RunCompleted)
		require.NoError(t, err)
	}

	rf, err := c.AssignFragment(ctx, f.run.ID.Value, fragment(5, 0), f.runner.ID.Value)
	require.NoError(t, err)
	require.Equal(t, model.RunCompleted, rf.State)

	run, err := f.store.GetRun(ctx, f.run.ID.Value)
	require.NoError(t, err)
	require.Equal(t, model.RunCompleted, run.State)

	g, err := f.store.GetResourceGroup(ctx, f.group.ID.Value)
	require.NoError(t, err)
	require.Equal(t, int64(8), g.CoresLeft)

	mailbox := store.RunnerMailbox(f.runner.ID.Value)
	_, ok := nextEvent(t, f.store, mailbox).(*event.StartRun)
	require.True(t, ok)
	noEvent(t, f.store, mailbox)
}

func TestAssignFragment_NotifyFailureRollsBack(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	c := NewCoordinator(&flakyStore{Store: f.store, failStart: true}, zaptest.NewLogger(t))

	_, err := c.AssignFragment(ctx, f.run.ID.Value, fragment(5, 0), f.runner.ID.Value)
	require.ErrorContains(t, err, "transport down")

	g, err := f.store.GetResourceGroup(ctx, f.group.ID.Value)
	require.NoError(t, err)
	require.Equal(t, int64(8), g.CoresLeft)

	rfs, err := f.store.ListRunFragments(ctx, model.RunFragmentQuery{RunID: f.run.ID})
	require.NoError(t, err)
	require.Len(t, rfs, 1)
	require.Equal(t, model.RunError, rfs[0].State, "an undeliverable fragment never stays pending")
}

// nextEvent 从 mailbox 读一条事件并删除
func nextEvent(t *testing.T, s store.Store, mailbox string) event.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	select {
	case ev, ok := <-s.WatchEvents(ctx, mailbox):
		require.True(t, ok, "mailbox %s closed", mailbox)
		require.NoError(t, s.DeleteEvent(context.Background(), mailbox, ev.EventHeader().ID.Value))
		return ev
	case <-ctx.Done():
		t.Fatalf("no event in mailbox %s", mailbox)
	}
	return nil
}

// noEvent 断定 mailbox 里没有剩余的事件
func noEvent(t *testing.T, s store.Store, mailbox string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if ev, ok := <-s.WatchEvents(ctx, mailbox); ok {
		t.Fatalf("unexpected event %T in mailbox %s", ev, mailbox)
	}
}
