// Package event 定义 coordinator 和 runner 之间通信用的事件协议。
//
// 每条事件在 wire 上是一条扁平的通用记录，至少包含
// event_discriminator / id / runner_id / acknowledged，子类型字段平铺在后面。
// 具体类型通过 Registry 由 discriminator 还原，Parse / Dump 只依赖注册表，
// 新增事件类型不需要改动它们。
package event

import "symphony/pkg/model"

// Header 所有事件共有的字段
type Header struct {
	// ID 事件标识，未持久化的事件没有 id
	ID model.Opt[int64] `json:"id,omitzero"`
	// RunnerID 事件关联的 runner
	RunnerID int64 `json:"runner_id" schema:"required"`
	// Acknowledged 对端是否已经确认
	Acknowledged bool `json:"acknowledged"`
}

// EventHeader 嵌入 Header 的类型自动获得这个方法
func (h *Header) EventHeader() *Header {
	return h
}

// Event 协议中的一条消息。具体类型必须是指针类型并嵌入 Header，
// Discriminator 返回自己的类型名，作为注册表里唯一的 key
type Event interface {
	Discriminator() string
	EventHeader() *Header
}

// Ack 确认收到 id 为 ToAckID 的事件
type Ack struct {
	Header
	ToAckID int64 `json:"to_ack_id" schema:"required"`
}

func (*Ack) Discriminator() string { return "Ack" }

// RunnerHeartbeat runner 周期性上报的心跳
type RunnerHeartbeat struct {
	Header
}

func (*RunnerHeartbeat) Discriminator() string { return "RunnerHeartbeat" }

// RunnerStateChange runner 健康状态变化，两个字段缺省都是 HEALTHY
type RunnerStateChange struct {
	Header
	OldStatus model.RunnerStatus `json:"old_status"`
	NewStatus model.RunnerStatus `json:"new_status"`
}

func (*RunnerStateChange) Discriminator() string { return "RunnerStateChange" }

// RunFragmentStateChange runner 上报某个 RunFragment 的状态
type RunFragmentStateChange struct {
	Header
	RunFragmentID int64          `json:"run_fragment_id" schema:"required"`
	State         model.RunState `json:"state" schema:"required"`
}

func (*RunFragmentStateChange) Discriminator() string { return "RunFragmentStateChange" }

// SimulatorStateChange runner 上报某个 simulator 组件的状态
type SimulatorStateChange struct {
	Header
	RunID         int64                   `json:"run_id" schema:"required"`
	SimulatorID   int64                   `json:"simulator_id" schema:"required"`
	SimulatorName model.Opt[string]       `json:"simulator_name,omitzero"`
	Command       model.Opt[string]       `json:"command,omitzero"`
	State         model.RunComponentState `json:"state" schema:"required"`
}

func (*SimulatorStateChange) Discriminator() string { return "SimulatorStateChange" }

// ProxyStateChange runner 上报某个 proxy 组件的状态
type ProxyStateChange struct {
	Header
	RunID     int64                   `json:"run_id" schema:"required"`
	ProxyID   int64                   `json:"proxy_id" schema:"required"`
	ProxyName model.Opt[string]       `json:"proxy_name,omitzero"`
	IP        model.Opt[string]       `json:"ip,omitzero"`
	Port      model.Opt[int]          `json:"port,omitzero"`
	Command   model.Opt[string]       `json:"command,omitzero"`
	State     model.RunComponentState `json:"state" schema:"required"`
}

func (*ProxyStateChange) Discriminator() string { return "ProxyStateChange" }

// ConsoleOutput 某个组件某条命令产生的输出行。行 id 由 coordinator 分配
type ConsoleOutput struct {
	Header
	RunID         int64                     `json:"run_id" schema:"required"`
	Kind          model.ComponentKind       `json:"kind" schema:"required"`
	ComponentID   int64                     `json:"component_id" schema:"required"`
	ComponentName string                    `json:"component_name"`
	Command       string                    `json:"command"`
	Lines         []model.ConsoleOutputLine `json:"lines,omitempty"`
}

func (*ConsoleOutput) Discriminator() string { return "ConsoleOutput" }

// StartRun coordinator 让 runner 启动一个 RunFragment
type StartRun struct {
	Header
	RunFragmentID int64          `json:"run_fragment_id" schema:"required"`
	RunID         int64          `json:"run_id" schema:"required"`
	Fragment      model.Fragment `json:"fragment"`
}

func (*StartRun) Discriminator() string { return "StartRun" }

// KillRun coordinator 让 runner 停止一个 RunFragment
type KillRun struct {
	Header
	RunFragmentID int64 `json:"run_fragment_id" schema:"required"`
}

func (*KillRun) Discriminator() string { return "KillRun" }

// Builtins 内置事件类型的工厂，RunnerStateChange 在这里带上默认值
func Builtins() []Factory {
	return []Factory{
		func() Event { return &Ack{} },
		func() Event { return &RunnerHeartbeat{} },
		func() Event {
			return &RunnerStateChange{OldStatus: model.RunnerHealthy, NewStatus: model.RunnerHealthy}
		},
		func() Event { return &RunFragmentStateChange{} },
		func() Event { return &SimulatorStateChange{} },
		func() Event { return &ProxyStateChange{} },
		func() Event { return &ConsoleOutput{} },
		func() Event { return &StartRun{} },
		func() Event { return &KillRun{} },
	}
}

// AckFor 构造对 ev 的确认，ev 没有 id 时返回 nil
func AckFor(ev Event, runnerID int64) *Ack {
	id, ok := ev.EventHeader().ID.Get()
	if !ok {
		return nil
	}
	return &Ack{Header: Header{RunnerID: runnerID}, ToAckID: id}
}
