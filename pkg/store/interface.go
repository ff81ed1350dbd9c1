package store

import (
	"context"
	"errors"
	"strconv"

	"symphony/pkg/event"
	"symphony/pkg/model"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
	// ErrConflict CAS 重试次数用完仍然冲突
	ErrConflict = errors.New("concurrent update conflict")
)

// CoordinatorMailbox runner -> coordinator 的事件通道
const CoordinatorMailbox = "coordinator"

// RunnerMailbox coordinator -> 某个 runner 的事件通道
func RunnerMailbox(runnerID int64) string {
	return "runner/" + strconv.FormatInt(runnerID, 10)
}

// Store 系统对存储层 (以及事件通道) 的全部需求。
// 任何实现了这个接口的 Struct (EtcdManager / MemoryStore) 都可以被注入到 coordinator 和 runner 中。
//
// Save* 在记录没有 id 时分配一个新 id 并回写；Update* 是原子的读-改-写，
// fn 返回错误时什么都不提交
type Store interface {
	// --- 资源层级 ---
	SaveNamespace(ctx context.Context, ns *model.Namespace) error
	ListNamespaces(ctx context.Context, q model.NamespaceQuery) ([]model.Namespace, error)
	SaveSystem(ctx context.Context, sys *model.System) error
	ListSystems(ctx context.Context, q model.SystemQuery) ([]model.System, error)
	SaveSimulation(ctx context.Context, sim *model.Simulation) error
	ListSimulations(ctx context.Context, q model.SimulationQuery) ([]model.Simulation, error)
	// SaveInstantiation 同时给没有 id 的 fragment 分配 id
	SaveInstantiation(ctx context.Context, inst *model.Instantiation) error
	ListInstantiations(ctx context.Context, q model.InstantiationQuery) ([]model.Instantiation, error)

	// --- Run ---
	SaveRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id int64) (model.Run, error)
	UpdateRun(ctx context.Context, id int64, fn func(*model.Run) error) (model.Run, error)
	ListRuns(ctx context.Context, q model.RunQuery) ([]model.Run, error)
	SaveRunFragment(ctx context.Context, rf *model.RunFragment) error
	GetRunFragment(ctx context.Context, id int64) (model.RunFragment, error)
	UpdateRunFragment(ctx context.Context, id int64, fn func(*model.RunFragment) error) (model.RunFragment, error)
	ListRunFragments(ctx context.Context, q model.RunFragmentQuery) ([]model.RunFragment, error)
	// ReleaseRunFragment 把 RunFragment 预留的资源还给 resource_group_id 指向的资源组，
	// 同时打上 resources_released 标记，两者一起提交。已经归还过的原样返回
	ReleaseRunFragment(ctx context.Context, id int64) (model.RunFragment, error)

	// --- 资源 & Runner ---
	SaveResourceGroup(ctx context.Context, g *model.ResourceGroup) error
	GetResourceGroup(ctx context.Context, id int64) (model.ResourceGroup, error)
	// UpdateResourceGroup 计数器的 compare-and-swap 更新，提交前校验不变式
	UpdateResourceGroup(ctx context.Context, id int64, fn func(*model.ResourceGroup) error) (model.ResourceGroup, error)
	ListResourceGroups(ctx context.Context, q model.ResourceGroupQuery) ([]model.ResourceGroup, error)
	SaveRunner(ctx context.Context, r *model.Runner) error
	GetRunner(ctx context.Context, id int64) (model.Runner, error)
	ListRunners(ctx context.Context, q model.RunnerQuery) ([]model.Runner, error)

	// --- 组件状态 & 控制台输出 ---
	UpdateSimulatorState(ctx context.Context, runID, simulatorID int64, fn func(*model.SimulatorState) error) (model.SimulatorState, error)
	ListSimulatorStates(ctx context.Context, runID int64) ([]model.SimulatorState, error)
	UpdateProxyState(ctx context.Context, runID, proxyID int64, fn func(*model.ProxyState) error) (model.ProxyState, error)
	ListProxyStates(ctx context.Context, runID int64) ([]model.ProxyState, error)
	// AppendOutput 给每一行分配单调递增的 id，返回带 id 的行
	AppendOutput(ctx context.Context, runID int64, kind model.ComponentKind, componentID int64, name, command string, lines []model.ConsoleOutputLine) ([]model.ConsoleOutputLine, error)
	GetRunOutput(ctx context.Context, runID int64, f model.RunOutputFilter) (model.RunOutput, error)

	// --- 事件通道 ---

	// SendEvent 投递到 mailbox，没有 id 的事件会被分配 id
	SendEvent(ctx context.Context, mailbox string, ev event.Event) error
	// WatchEvents 先回放 mailbox 里未删除的事件，再持续推送新事件 (返回一个只读通道)
	WatchEvents(ctx context.Context, mailbox string) <-chan event.Event
	// DeleteEvent 事件处理完之后删除
	DeleteEvent(ctx context.Context, mailbox string, id int64) error

	Close() error
}
