package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"symphony/pkg/event"
	"symphony/pkg/model"
	"symphony/pkg/schema"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// Key 的分类 (Schema Design)，完整的 key 是 <prefix>/<kind>/<id>
const (
	kindNamespace     = "namespaces"
	kindSystem        = "systems"
	kindSimulation    = "simulations"
	kindInstantiation = "instantiations"
	kindFragment      = "fragments"
	kindRun           = "runs"
	kindRunFragment   = "run_fragments"
	kindResourceGroup = "resource_groups"
	kindRunner        = "runners"
	kindSimulator     = "simulator_states"
	kindProxy         = "proxy_states"
	kindOutput        = "outputs"
	kindOutputLine    = "output_lines"
	kindEvent         = "events"
	kindCounter       = "ids"
)

const defaultCASRetries = 16

type EtcdManager struct {
	client     *clientv3.Client
	prefix     string
	registry   *event.Registry
	logger     *zap.Logger
	casRetries int
}

type EtcdOption func(*EtcdManager)

// WithKeyPrefix 所有 key 的公共前缀，默认 /symphony
func WithKeyPrefix(prefix string) EtcdOption {
	return func(e *EtcdManager) { e.prefix = strings.TrimRight(prefix, "/") }
}

// WithRegistry 解码事件用的注册表，默认 event.Default()
func WithRegistry(r *event.Registry) EtcdOption {
	return func(e *EtcdManager) { e.registry = r }
}

// NewEtcdManager 初始化 Etcd 连接
func NewEtcdManager(endpoints []string, dialTimeout time.Duration, logger *zap.Logger, opts ...EtcdOption) (*EtcdManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger.Named("etcd-client"),
	})
	if err != nil {
		return nil, err
	}
	return newEtcdManager(cli, logger, opts...), nil
}

// NewEtcdManagerWithClient 复用已有的 client
func NewEtcdManagerWithClient(cli *clientv3.Client, logger *zap.Logger, opts ...EtcdOption) (*EtcdManager, error) {
	if cli == nil {
		return nil, errors.New("etcd client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return newEtcdManager(cli, logger, opts...), nil
}

func newEtcdManager(cli *clientv3.Client, logger *zap.Logger, opts ...EtcdOption) *EtcdManager {
	e := &EtcdManager{
		client:     cli,
		prefix:     "/symphony",
		registry:   event.Default(),
		logger:     logger.With(zap.String("component", "store")),
		casRetries: defaultCASRetries,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var _ Store = (*EtcdManager)(nil)

func (e *EtcdManager) Close() error {
	return e.client.Close()
}

func (e *EtcdManager) kindPrefix(kind string) string {
	return e.prefix + "/" + kind + "/"
}

// id 补零，保证按 key 排序就是按 id 排序
func (e *EtcdManager) key(kind string, id int64) string {
	return fmt.Sprintf("%s%020d", e.kindPrefix(kind), id)
}

func scoped(kind string, scope int64) string {
	return kind + "/" + strconv.FormatInt(scope, 10)
}

// ---------------------------------------------------------
// 资源层级
// ---------------------------------------------------------

// SaveNamespace 先在候选集合上检查祖先链，通过了才写。
// Txn 要求整个 namespaces 前缀自读取以来没有变化，并发修改不会拼出环
func (e *EtcdManager) SaveNamespace(ctx context.Context, ns *model.Namespace) error {
	if err := e.assignID(ctx, kindNamespace, &ns.ID); err != nil {
		return err
	}
	data, err := json.Marshal(ns)
	if err != nil {
		return err
	}
	prefix := e.kindPrefix(kindNamespace)
	key := e.key(kindNamespace, ns.ID.Value)
	for range e.casRetries {
		resp, err := e.client.Get(ctx, prefix, clientv3.WithPrefix())
		if err != nil {
			return err
		}
		candidate := slices.DeleteFunc(decodeValues[model.Namespace](e, resp.Kvs), func(n model.Namespace) bool {
			return n.ID == ns.ID
		})
		candidate = append(candidate, *ns)
		if err := model.CheckAncestry(candidate, ns.ID.Value); err != nil {
			return err
		}

		unchanged := clientv3.Compare(clientv3.ModRevision(prefix), "<", resp.Header.Revision+1).WithPrefix()
		txn, err := e.client.Txn(ctx).If(unchanged).Then(clientv3.OpPut(key, string(data))).Commit()
		if err != nil {
			return err
		}
		if txn.Succeeded {
			return nil
		}
		e.logger.Debug("namespace tree changed, retrying", zap.Int64("namespace_id", ns.ID.Value))
	}
	return fmt.Errorf("%w: %s", ErrConflict, key)
}

func (e *EtcdManager) ListNamespaces(ctx context.Context, q model.NamespaceQuery) ([]model.Namespace, error) {
	return listFiltered[model.Namespace](ctx, e, kindNamespace, q)
}

func (e *EtcdManager) SaveSystem(ctx context.Context, sys *model.System) error {
	if err := e.assignID(ctx, kindSystem, &sys.ID); err != nil {
		return err
	}
	return e.putValue(ctx, e.key(kindSystem, sys.ID.Value), sys)
}

func (e *EtcdManager) ListSystems(ctx context.Context, q model.SystemQuery) ([]model.System, error) {
	return listFiltered[model.System](ctx, e, kindSystem, q)
}

func (e *EtcdManager) SaveSimulation(ctx context.Context, sim *model.Simulation) error {
	if err := e.assignID(ctx, kindSimulation, &sim.ID); err != nil {
		return err
	}
	return e.putValue(ctx, e.key(kindSimulation, sim.ID.Value), sim)
}

func (e *EtcdManager) ListSimulations(ctx context.Context, q model.SimulationQuery) ([]model.Simulation, error) {
	return listFiltered[model.Simulation](ctx, e, kindSimulation, q)
}

func (e *EtcdManager) SaveInstantiation(ctx context.Context, inst *model.Instantiation) error {
	if err := e.assignID(ctx, kindInstantiation, &inst.ID); err != nil {
		return err
	}
	for i := range inst.Fragments {
		f := &inst.Fragments[i]
		if err := e.assignID(ctx, kindFragment, &f.ID); err != nil {
			return err
		}
		f.InstantiationID = inst.ID
	}
	return e.putValue(ctx, e.key(kindInstantiation, inst.ID.Value), inst)
}

func (e *EtcdManager) ListInstantiations(ctx context.Context, q model.InstantiationQuery) ([]model.Instantiation, error) {
	return listFiltered[model.Instantiation](ctx, e, kindInstantiation, q)
}

// ---------------------------------------------------------
// Run 相关实现
// ---------------------------------------------------------

func (e *EtcdManager) SaveRun(ctx context.Context, run *model.Run) error {
	if err := e.assignID(ctx, kindRun, &run.ID); err != nil {
		return err
	}
	return e.putValue(ctx, e.key(kindRun, run.ID.Value), run)
}

func (e *EtcdManager) GetRun(ctx context.Context, id int64) (model.Run, error) {
	v, _, err := getValue[model.Run](ctx, e, e.key(kindRun, id))
	return v, err
}

func (e *EtcdManager) UpdateRun(ctx context.Context, id int64, fn func(*model.Run) error) (model.Run, error) {
	return casUpdate(ctx, e, e.key(kindRun, id), nil, fn)
}

func (e *EtcdManager) ListRuns(ctx context.Context, q model.RunQuery) ([]model.Run, error) {
	return listFiltered[model.Run](ctx, e, kindRun, q)
}

func (e *EtcdManager) SaveRunFragment(ctx context.Context, rf *model.RunFragment) error {
	if err := e.assignID(ctx, kindRunFragment, &rf.ID); err != nil {
		return err
	}
	return e.putValue(ctx, e.key(kindRunFragment, rf.ID.Value), rf)
}

func (e *EtcdManager) GetRunFragment(ctx context.Context, id int64) (model.RunFragment, error) {
	v, _, err := getValue[model.RunFragment](ctx, e, e.key(kindRunFragment, id))
	return v, err
}

func (e *EtcdManager) UpdateRunFragment(ctx context.Context, id int64, fn func(*model.RunFragment) error) (model.RunFragment, error) {
	return casUpdate(ctx, e, e.key(kindRunFragment, id), nil, fn)
}

func (e *EtcdManager) ReleaseRunFragment(ctx context.Context, id int64) (model.RunFragment, error) {
	rfKey := e.key(kindRunFragment, id)
	for range e.casRetries {
		rf, rfRev, err := getValue[model.RunFragment](ctx, e, rfKey)
		if err != nil || rf.ResourcesReleased {
			return rf, err
		}
		rf.ResourcesReleased = true
		cmps := []clientv3.Cmp{clientv3.Compare(clientv3.ModRevision(rfKey), "=", rfRev)}
		var ops []clientv3.Op

		if groupID, ok := rf.ResourceGroupID.Get(); ok {
			gKey := e.key(kindResourceGroup, groupID)
			g, gRev, err := getValue[model.ResourceGroup](ctx, e, gKey)
			switch {
			case errors.Is(err, ErrNotFound):
				e.logger.Warn("resource group gone, nothing to release",
					zap.Int64("run_fragment_id", id), zap.Int64("resource_group_id", groupID))
			case err != nil:
				return model.RunFragment{}, err
			default:
				g.Release(rf.Reserved())
				data, err := json.Marshal(g)
				if err != nil {
					return model.RunFragment{}, err
				}
				cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(gKey), "=", gRev))
				ops = append(ops, clientv3.OpPut(gKey, string(data)))
			}
		}

		data, err := json.Marshal(rf)
		if err != nil {
			return model.RunFragment{}, err
		}
		ops = append(ops, clientv3.OpPut(rfKey, string(data)))
		resp, err := e.client.Txn(ctx).If(cmps...).Then(ops...).Commit()
		if err != nil {
			return model.RunFragment{}, err
		}
		if resp.Succeeded {
			return rf, nil
		}
		e.logger.Debug("cas conflict, retrying", zap.String("key", rfKey))
	}
	return model.RunFragment{}, fmt.Errorf("%w: %s", ErrConflict, rfKey)
}

func (e *EtcdManager) ListRunFragments(ctx context.Context, q model.RunFragmentQuery) ([]model.RunFragment, error) {
	return listFiltered[model.RunFragment](ctx, e, kindRunFragment, q)
}

// ---------------------------------------------------------
// ResourceGroup / Runner 相关实现
// ---------------------------------------------------------

func (e *EtcdManager) SaveResourceGroup(ctx context.Context, g *model.ResourceGroup) error {
	if err := g.Validate(); err != nil {
		return err
	}
	if err := e.assignID(ctx, kindResourceGroup, &g.ID); err != nil {
		return err
	}
	return e.putValue(ctx, e.key(kindResourceGroup, g.ID.Value), g)
}

func (e *EtcdManager) GetResourceGroup(ctx context.Context, id int64) (model.ResourceGroup, error) {
	v, _, err := getValue[model.ResourceGroup](ctx, e, e.key(kindResourceGroup, id))
	return v, err
}

// UpdateResourceGroup 多个 fragment 并发分配时靠 ModRevision 比较保证计数器不越界
func (e *EtcdManager) UpdateResourceGroup(ctx context.Context, id int64, fn func(*model.ResourceGroup) error) (model.ResourceGroup, error) {
	return casUpdate(ctx, e, e.key(kindResourceGroup, id), nil, fn)
}

func (e *EtcdManager) ListResourceGroups(ctx context.Context, q model.ResourceGroupQuery) ([]model.ResourceGroup, error) {
	return listFiltered[model.ResourceGroup](ctx, e, kindResourceGroup, q)
}

func (e *EtcdManager) SaveRunner(ctx context.Context, r *model.Runner) error {
	if err := e.assignID(ctx, kindRunner, &r.ID); err != nil {
		return err
	}
	// TODO: 加上 Lease (租约)，runner 进程消失后自动过期
	return e.putValue(ctx, e.key(kindRunner, r.ID.Value), r)
}

func (e *EtcdManager) GetRunner(ctx context.Context, id int64) (model.Runner, error) {
	v, _, err := getValue[model.Runner](ctx, e, e.key(kindRunner, id))
	return v, err
}

func (e *EtcdManager) ListRunners(ctx context.Context, q model.RunnerQuery) ([]model.Runner, error) {
	return listFiltered[model.Runner](ctx, e, kindRunner, q)
}

// ---------------------------------------------------------
// 组件状态 & 控制台输出
// ---------------------------------------------------------

func (e *EtcdManager) UpdateSimulatorState(ctx context.Context, runID, simulatorID int64, fn func(*model.SimulatorState) error) (model.SimulatorState, error) {
	init := func() model.SimulatorState {
		return model.SimulatorState{RunID: runID, SimulatorID: simulatorID, State: model.ComponentUnknown}
	}
	return casUpdate(ctx, e, e.key(scoped(kindSimulator, runID), simulatorID), init, fn)
}

func (e *EtcdManager) ListSimulatorStates(ctx context.Context, runID int64) ([]model.SimulatorState, error) {
	return listValues[model.SimulatorState](ctx, e, e.kindPrefix(scoped(kindSimulator, runID)))
}

func (e *EtcdManager) UpdateProxyState(ctx context.Context, runID, proxyID int64, fn func(*model.ProxyState) error) (model.ProxyState, error) {
	init := func() model.ProxyState {
		return model.ProxyState{RunID: runID, ProxyID: proxyID, State: model.ComponentUnknown}
	}
	return casUpdate(ctx, e, e.key(scoped(kindProxy, runID), proxyID), init, fn)
}

func (e *EtcdManager) ListProxyStates(ctx context.Context, runID int64) ([]model.ProxyState, error) {
	return listValues[model.ProxyState](ctx, e, e.kindPrefix(scoped(kindProxy, runID)))
}

func (e *EtcdManager) AppendOutput(ctx context.Context, runID int64, kind model.ComponentKind, componentID int64, name, command string, lines []model.ConsoleOutputLine) ([]model.ConsoleOutputLine, error) {
	stamped := make([]model.ConsoleOutputLine, len(lines))
	for i, line := range lines {
		id, err := e.nextID(ctx, kindOutputLine)
		if err != nil {
			return nil, err
		}
		line.ID = model.Some(id)
		stamped[i] = line
	}
	init := func() model.RunOutput { return model.RunOutput{RunID: runID} }
	_, err := casUpdate(ctx, e, e.key(kindOutput, runID), init, func(o *model.RunOutput) error {
		o.Append(kind, componentID, name, command, stamped...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stamped, nil
}

func (e *EtcdManager) GetRunOutput(ctx context.Context, runID int64, f model.RunOutputFilter) (model.RunOutput, error) {
	out, _, err := getValue[model.RunOutput](ctx, e, e.key(kindOutput, runID))
	if errors.Is(err, ErrNotFound) {
		return model.RunOutput{RunID: runID}, nil
	}
	if err != nil {
		return model.RunOutput{}, err
	}
	return out.Since(f), nil
}

// ---------------------------------------------------------
// 事件通道
// ---------------------------------------------------------

func (e *EtcdManager) SendEvent(ctx context.Context, mailbox string, ev event.Event) error {
	h := ev.EventHeader()
	if err := e.assignID(ctx, kindEvent, &h.ID); err != nil {
		return err
	}
	data, err := event.Encode(ev)
	if err != nil {
		return err
	}
	_, err = e.client.Put(ctx, e.key(kindEvent+"/"+mailbox, h.ID.Value), string(data))
	return err
}

func (e *EtcdManager) DeleteEvent(ctx context.Context, mailbox string, id int64) error {
	_, err := e.client.Delete(ctx, e.key(kindEvent+"/"+mailbox, id))
	return err
}

// WatchEvents 核心难点：将 Etcd 的 Watch 转换为业务 Channel。
// 先 Get 一次拿到积压的事件和 revision，再从 revision+1 开始 Watch，中间不会漏
func (e *EtcdManager) WatchEvents(ctx context.Context, mailbox string) <-chan event.Event {
	eventChan := make(chan event.Event)
	prefix := e.kindPrefix(kindEvent + "/" + mailbox)

	go func() {
		defer close(eventChan)

		resp, err := e.client.Get(ctx, prefix, clientv3.WithPrefix())
		if err != nil {
			e.logger.Error("failed to load pending events", zap.String("mailbox", mailbox), zap.Error(err))
			return
		}
		for _, kv := range resp.Kvs {
			if !e.deliver(ctx, eventChan, kv.Value) {
				return
			}
		}

		watchChan := e.client.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
		for watchResp := range watchChan {
			if err := watchResp.Err(); err != nil {
				e.logger.Error("event watch failed", zap.String("mailbox", mailbox), zap.Error(err))
				return
			}
			for _, ev := range watchResp.Events {
				// 删除是消费方自己做的，忽略
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				if !e.deliver(ctx, eventChan, ev.Kv.Value) {
					return
				}
			}
		}
	}()

	return eventChan
}

func (e *EtcdManager) deliver(ctx context.Context, ch chan<- event.Event, data []byte) bool {
	ev, err := e.registry.Decode(data)
	if err != nil {
		e.logger.Warn("dropping undecodable event", zap.Error(err))
		return true
	}
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// ---------------------------------------------------------
// 辅助方法 (Helpers)
// ---------------------------------------------------------

// putValue 封装通用的 JSON 序列化 + Put 操作
func (e *EtcdManager) putValue(ctx context.Context, key string, val any) error {
	bytes, err := json.Marshal(val)
	if err != nil {
		return err
	}
	_, err = e.client.Put(ctx, key, string(bytes))
	return err
}

// assignID 没有 id 时从计数器取一个
func (e *EtcdManager) assignID(ctx context.Context, kind string, id *model.Opt[int64]) error {
	if id.Present {
		return nil
	}
	next, err := e.nextID(ctx, kind)
	if err != nil {
		return err
	}
	*id = model.Some(next)
	return nil
}

// nextID 每个 kind 一个计数器 key，CAS 自增
func (e *EtcdManager) nextID(ctx context.Context, kind string) (int64, error) {
	init := func() int64 { return 0 }
	return casUpdate(ctx, e, e.kindPrefix(kindCounter)+kind, init, func(n *int64) error {
		*n++
		return nil
	})
}

func getValue[T any](ctx context.Context, e *EtcdManager, key string) (T, int64, error) {
	var v T
	resp, err := e.client.Get(ctx, key)
	if err != nil {
		return v, 0, err
	}
	if len(resp.Kvs) == 0 {
		return v, 0, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err := json.Unmarshal(resp.Kvs[0].Value, &v); err != nil {
		return v, 0, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, resp.Kvs[0].ModRevision, nil
}

func listValues[T any](ctx context.Context, e *EtcdManager, prefix string) ([]T, error) {
	resp, err := e.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	return decodeValues[T](e, resp.Kvs), nil
}

// decodeValues 解不开的记录打日志跳过
func decodeValues[T any](e *EtcdManager, kvs []*mvccpb.KeyValue) []T {
	out := make([]T, 0, len(kvs))
	for _, kv := range kvs {
		var v T
		if err := json.Unmarshal(kv.Value, &v); err != nil {
			e.logger.Warn("failed to unmarshal record", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		out = append(out, v)
	}
	return out
}

func listFiltered[T any](ctx context.Context, e *EtcdManager, kind string, q model.Query[T]) ([]T, error) {
	all, err := listValues[T](ctx, e, e.kindPrefix(kind))
	if err != nil {
		return nil, err
	}
	return model.Filter(all, q), nil
}

// casUpdate 读-改-写，Txn 里比较 ModRevision (新建时比较 CreateRevision == 0)。
// 只有 revision 冲突才重来，fn 或校验失败直接返回，什么都不写。
// init 为 nil 时记录必须已经存在
func casUpdate[T any](ctx context.Context, e *EtcdManager, key string, init func() T, fn func(*T) error) (T, error) {
	var zero T
	for range e.casRetries {
		v, rev, err := getValue[T](ctx, e, key)
		var cmp clientv3.Cmp
		switch {
		case errors.Is(err, ErrNotFound) && init != nil:
			v = init()
			cmp = clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
		case err != nil:
			return zero, err
		default:
			cmp = clientv3.Compare(clientv3.ModRevision(key), "=", rev)
		}

		if err := fn(&v); err != nil {
			return zero, err
		}
		if val, ok := any(&v).(schema.Validator); ok {
			if err := val.Validate(); err != nil {
				return zero, err
			}
		}

		data, err := json.Marshal(v)
		if err != nil {
			return zero, err
		}
		resp, err := e.client.Txn(ctx).If(cmp).Then(clientv3.OpPut(key, string(data))).Commit()
		if err != nil {
			return zero, err
		}
		if resp.Succeeded {
			return v, nil
		}
		e.logger.Debug("cas conflict, retrying", zap.String("key", key))
	}
	return zero, fmt.Errorf("%w: %s", ErrConflict, key)
}
