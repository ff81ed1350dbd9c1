package store

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"

	"symphony/pkg/event"
	"symphony/pkg/model"
	"symphony/pkg/schema"
)

// MemoryStore 进程内实现，单机调试和测试用。
// 所有操作在一把锁下完成，Update* 天然是原子的
type MemoryStore struct {
	mu       sync.Mutex
	registry *event.Registry

	ids            map[string]int64
	namespaces     map[int64]model.Namespace
	systems        map[int64]model.System
	simulations    map[int64]model.Simulation
	instantiations map[int64]model.Instantiation
	runs           map[int64]model.Run
	runFragments   map[int64]model.RunFragment
	groups         map[int64]model.ResourceGroup
	runners        map[int64]model.Runner
	simulators     map[[2]int64]model.SimulatorState
	proxies        map[[2]int64]model.ProxyState
	outputs        map[int64]model.RunOutput
	mailboxes      map[string]*mailbox
}

// mailbox 里存的是编码后的事件，投递时重新解码，和真实 transport 的行为一致
type mailbox struct {
	pending map[int64][]byte
	notify  chan struct{}
}

func NewMemoryStore(registry *event.Registry) *MemoryStore {
	if registry == nil {
		registry = event.Default()
	}
	return &MemoryStore{
		registry:       registry,
		ids:            make(map[string]int64),
		namespaces:     make(map[int64]model.Namespace),
		systems:        make(map[int64]model.System),
		simulations:    make(map[int64]model.Simulation),
		instantiations: make(map[int64]model.Instantiation),
		runs:           make(map[int64]model.Run),
		runFragments:   make(map[int64]model.RunFragment),
		groups:         make(map[int64]model.ResourceGroup),
		runners:        make(map[int64]model.Runner),
		simulators:     make(map[[2]int64]model.SimulatorState),
		proxies:        make(map[[2]int64]model.ProxyState),
		outputs:        make(map[int64]model.RunOutput),
		mailboxes:      make(map[string]*mailbox),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Close() error { return nil }

// ---------------------------------------------------------
// 资源层级
// ---------------------------------------------------------

func (m *MemoryStore) SaveNamespace(_ context.Context, ns *model.Namespace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignID(kindNamespace, &ns.ID)
	candidate := maps.Clone(m.namespaces)
	candidate[ns.ID.Value] = clone(*ns)
	if err := model.CheckAncestry(slices.Collect(maps.Values(candidate)), ns.ID.Value); err != nil {
		return err
	}
	m.namespaces = candidate
	return nil
}

func (m *MemoryStore) ListNamespaces(_ context.Context, q model.NamespaceQuery) ([]model.Namespace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return model.Filter(sortedValues(m.namespaces), q), nil
}

func (m *MemoryStore) SaveSystem(_ context.Context, sys *model.System) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignID(kindSystem, &sys.ID)
	m.systems[sys.ID.Value] = clone(*sys)
	return nil
}

func (m *MemoryStore) ListSystems(_ context.Context, q model.SystemQuery) ([]model.System, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return model.Filter(sortedValues(m.systems), q), nil
}

func (m *MemoryStore) SaveSimulation(_ context.Context, sim *model.Simulation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignID(kindSimulation, &sim.ID)
	m.simulations[sim.ID.Value] = clone(*sim)
	return nil
}

func (m *MemoryStore) ListSimulations(_ context.Context, q model.SimulationQuery) ([]model.Simulation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return model.Filter(sortedValues(m.simulations), q), nil
}

func (m *MemoryStore) SaveInstantiation(_ context.Context, inst *model.Instantiation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignID(kindInstantiation, &inst.ID)
	for i := range inst.Fragments {
		m.assignID(kindFragment, &inst.Fragments[i].ID)
		inst.Fragments[i].InstantiationID = inst.ID
	}
	m.instantiations[inst.ID.Value] = clone(*inst)
	return nil
}

func (m *MemoryStore) ListInstantiations(_ context.Context, q model.InstantiationQuery) ([]model.Instantiation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return model.Filter(sortedValues(m.instantiations), q), nil
}

// ---------------------------------------------------------
// Run 相关实现
// ---------------------------------------------------------

func (m *MemoryStore) SaveRun(_ context.Context, run *model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignID(kindRun, &run.ID)
	m.runs[run.ID.Value] = clone(*run)
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id int64) (model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return getRow(m.runs, kindRun, id)
}

func (m *MemoryStore) UpdateRun(_ context.Context, id int64, fn func(*model.Run) error) (model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return updateRow(m.runs, kindRun, id, fn)
}

func (m *MemoryStore) ListRuns(_ context.Context, q model.RunQuery) ([]model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return model.Filter(sortedValues(m.runs), q), nil
}

func (m *MemoryStore) SaveRunFragment(_ context.Context, rf *model.RunFragment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignID(kindRunFragment, &rf.ID)
	m.runFragments[rf.ID.Value] = clone(*rf)
	return nil
}

func (m *MemoryStore) GetRunFragment(_ context.Context, id int64) (model.RunFragment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return getRow(m.runFragments, kindRunFragment, id)
}

func (m *MemoryStore) UpdateRunFragment(_ context.Context, id int64, fn func(*model.RunFragment) error) (model.RunFragment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return updateRow(m.runFragments, kindRunFragment, id, fn)
}

func (m *MemoryStore) ReleaseRunFragment(_ context.Context, id int64) (model.RunFragment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rf, err := getRow(m.runFragments, kindRunFragment, id)
	if err != nil || rf.ResourcesReleased {
		return rf, err
	}
	if groupID, ok := rf.ResourceGroupID.Get(); ok {
		if g, ok := m.groups[groupID]; ok {
			g.Release(rf.Reserved())
			m.groups[groupID] = g
		}
	}
	rf.ResourcesReleased = true
	m.runFragments[id] = clone(rf)
	return rf, nil
}

func (m *MemoryStore) ListRunFragments(_ context.Context, q model.RunFragmentQuery) ([]model.RunFragment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return model.Filter(sortedValues(m.runFragments), q), nil
}

// ---------------------------------------------------------
// ResourceGroup / Runner 相关实现
// ---------------------------------------------------------

func (m *MemoryStore) SaveResourceGroup(_ context.Context, g *model.ResourceGroup) error {
	if err := g.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignID(kindResourceGroup, &g.ID)
	m.groups[g.ID.Value] = clone(*g)
	return nil
}

func (m *MemoryStore) GetResourceGroup(_ context.Context, id int64) (model.ResourceGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return getRow(m.groups, kindResourceGroup, id)
}

func (m *MemoryStore) UpdateResourceGroup(_ context.Context, id int64, fn func(*model.ResourceGroup) error) (model.ResourceGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return updateRow(m.groups, kindResourceGroup, id, fn)
}

func (m *MemoryStore) ListResourceGroups(_ context.Context, q model.ResourceGroupQuery) ([]model.ResourceGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return model.Filter(sortedValues(m.groups), q), nil
}

func (m *MemoryStore) SaveRunner(_ context.Context, r *model.Runner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignID(kindRunner, &r.ID)
	m.runners[r.ID.Value] = clone(*r)
	return nil
}

func (m *MemoryStore) GetRunner(_ context.Context, id int64) (model.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return getRow(m.runners, kindRunner, id)
}

func (m *MemoryStore) ListRunners(_ context.Context, q model.RunnerQuery) ([]model.Runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return model.Filter(sortedValues(m.runners), q), nil
}

// ---------------------------------------------------------
// 组件状态 & 控制台输出
// ---------------------------------------------------------

func (m *MemoryStore) UpdateSimulatorState(_ context.Context, runID, simulatorID int64, fn func(*model.SimulatorState) error) (model.SimulatorState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := [2]int64{runID, simulatorID}
	cur, ok := m.simulators[k]
	if !ok {
		cur = model.SimulatorState{RunID: runID, SimulatorID: simulatorID, State: model.ComponentUnknown}
	}
	if err := fn(&cur); err != nil {
		return model.SimulatorState{}, err
	}
	m.simulators[k] = cur
	return cur, nil
}

func (m *MemoryStore) ListSimulatorStates(_ context.Context, runID int64) ([]model.SimulatorState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.SimulatorState
	for _, k := range sortedPairKeys(m.simulators) {
		if k[0] == runID {
			out = append(out, m.simulators[k])
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateProxyState(_ context.Context, runID, proxyID int64, fn func(*model.ProxyState) error) (model.ProxyState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := [2]int64{runID, proxyID}
	cur, ok := m.proxies[k]
	if !ok {
		cur = model.ProxyState{RunID: runID, ProxyID: proxyID, State: model.ComponentUnknown}
	}
	if err := fn(&cur); err != nil {
		return model.ProxyState{}, err
	}
	m.proxies[k] = cur
	return cur, nil
}

func (m *MemoryStore) ListProxyStates(_ context.Context, runID int64) ([]model.ProxyState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ProxyState
	for _, k := range sortedPairKeys(m.proxies) {
		if k[0] == runID {
			out = append(out, m.proxies[k])
		}
	}
	return out, nil
}

func (m *MemoryStore) AppendOutput(_ context.Context, runID int64, kind model.ComponentKind, componentID int64, name, command string, lines []model.ConsoleOutputLine) ([]model.ConsoleOutputLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stamped := make([]model.ConsoleOutputLine, len(lines))
	for i, line := range lines {
		line.ID = model.Some(m.nextID(kindOutputLine))
		stamped[i] = line
	}
	out, ok := m.outputs[runID]
	if !ok {
		out = model.RunOutput{RunID: runID}
	}
	out.Append(kind, componentID, name, command, stamped...)
	m.outputs[runID] = clone(out)
	return stamped, nil
}

func (m *MemoryStore) GetRunOutput(_ context.Context, runID int64, f model.RunOutputFilter) (model.RunOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out, ok := m.outputs[runID]
	if !ok {
		return model.RunOutput{RunID: runID}, nil
	}
	return out.Since(f), nil
}

// ---------------------------------------------------------
// 事件通道
// ---------------------------------------------------------

func (m *MemoryStore) SendEvent(_ context.Context, mailboxName string, ev event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignID(kindEvent, &ev.EventHeader().ID)
	data, err := event.Encode(ev)
	if err != nil {
		return err
	}
	mb := m.mailbox(mailboxName)
	mb.pending[ev.EventHeader().ID.Value] = data
	// 广播：关闭旧的 notify 唤醒所有 watcher
	close(mb.notify)
	mb.notify = make(chan struct{})
	return nil
}

func (m *MemoryStore) DeleteEvent(_ context.Context, mailboxName string, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mailbox(mailboxName).pending, id)
	return nil
}

func (m *MemoryStore) WatchEvents(ctx context.Context, mailboxName string) <-chan event.Event {
	ch := make(chan event.Event)
	go func() {
		defer close(ch)
		var delivered int64
		for {
			m.mu.Lock()
			mb := m.mailbox(mailboxName)
			var batch [][]byte
			for _, id := range slices.Sorted(maps.Keys(mb.pending)) {
				if id > delivered {
					batch = append(batch, mb.pending[id])
					delivered = id
				}
			}
			notify := mb.notify
			m.mu.Unlock()

			for _, data := range batch {
				ev, err := m.registry.Decode(data)
				if err != nil {
					continue
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-notify:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (m *MemoryStore) mailbox(name string) *mailbox {
	mb, ok := m.mailboxes[name]
	if !ok {
		mb = &mailbox{pending: make(map[int64][]byte), notify: make(chan struct{})}
		m.mailboxes[name] = mb
	}
	return mb
}

// ---------------------------------------------------------
// 辅助方法 (Helpers)，调用方持有锁
// ---------------------------------------------------------

func (m *MemoryStore) nextID(kind string) int64 {
	m.ids[kind]++
	return m.ids[kind]
}

func (m *MemoryStore) assignID(kind string, id *model.Opt[int64]) {
	if !id.Present {
		*id = model.Some(m.nextID(kind))
	}
}

func getRow[T any](rows map[int64]T, kind string, id int64) (T, error) {
	v, ok := rows[id]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%d", ErrNotFound, kind, id)
	}
	return clone(v), nil
}

func updateRow[T any](rows map[int64]T, kind string, id int64, fn func(*T) error) (T, error) {
	var zero T
	cur, ok := rows[id]
	if !ok {
		return zero, fmt.Errorf("%w: %s/%d", ErrNotFound, kind, id)
	}
	next := clone(cur)
	if err := fn(&next); err != nil {
		return zero, err
	}
	if v, ok := any(&next).(schema.Validator); ok {
		if err := v.Validate(); err != nil {
			return zero, err
		}
	}
	rows[id] = clone(next)
	return next, nil
}

func sortedValues[T any](rows map[int64]T) []T {
	out := make([]T, 0, len(rows))
	for _, id := range slices.Sorted(maps.Keys(rows)) {
		out = append(out, clone(rows[id]))
	}
	return out
}

func sortedPairKeys[T any](rows map[[2]int64]T) [][2]int64 {
	keys := slices.Collect(maps.Keys(rows))
	slices.SortFunc(keys, func(a, b [2]int64) int {
		if c := cmp.Compare(a[0], b[0]); c != 0 {
			return c
		}
		return cmp.Compare(a[1], b[1])
	})
	return keys
}

// clone 通过 JSON 深拷贝，避免调用方和存储共享切片 / 指针
func clone[T any](v T) T {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
