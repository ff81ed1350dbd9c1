package model

// Run 一个 Instantiation 的一次执行尝试
type Run struct {
	ID              Opt[int64]  `json:"id,omitzero"`
	NamespaceID     Opt[int64]  `json:"namespace_id,omitzero"`
	InstantiationID Opt[int64]  `json:"instantiation_id,omitzero"`
	State           RunState    `json:"state,omitempty"`
	Output          Opt[string] `json:"output,omitzero"`
}

type RunQuery struct {
	ID              Opt[int64]    `json:"id,omitzero"`
	NamespaceID     Opt[int64]    `json:"namespace_id,omitzero"`
	InstantiationID Opt[int64]    `json:"instantiation_id,omitzero"`
	State           Opt[RunState] `json:"state,omitzero"`
	Limit           Opt[int]      `json:"limit,omitzero"`
}

func (q RunQuery) Match(r Run) bool {
	return eqOpt(q.ID, r.ID) && eqOpt(q.NamespaceID, r.NamespaceID) &&
		eqOpt(q.InstantiationID, r.InstantiationID) &&
		(!q.State.Present || q.State.Value == r.State)
}

func (q RunQuery) Bound() Opt[int] { return q.Limit }

func (q RunQuery) Validate() error { return validateLimit(q.Limit) }

// RunFragment 把一个 Fragment 绑定到一个 Runner。
// 对 Fragment 和 Runner 只是弱引用，不管它们的生命周期
type RunFragment struct {
	ID                   Opt[int64] `json:"id,omitzero"`
	RunID                Opt[int64] `json:"run_id,omitzero"`
	RunnerID             Opt[int64] `json:"runner_id,omitzero"`
	Fragment             *Fragment  `json:"fragment,omitempty"`
	State                RunState   `json:"state,omitempty"`
	OutputArtifactExists Opt[bool]  `json:"output_artifact_exists,omitzero"`
	// ResourceGroupID 分配时扣减计数器的资源组，归还时只认它
	ResourceGroupID      Opt[int64] `json:"resource_group_id,omitzero"`
	ResourcesReleased    bool       `json:"resources_released,omitempty"`
}

// Reserved 分配时预留的核数和内存
func (rf RunFragment) Reserved() (cores, memory int64) {
	if rf.Fragment == nil {
		return 0, 0
	}
	return rf.Fragment.CoresRequired.OrElse(0), rf.Fragment.MemoryRequired.OrElse(0)
}

// FragmentID 绑定的 fragment id，没有 fragment 时缺省
func (rf RunFragment) FragmentID() Opt[int64] {
	if rf.Fragment == nil {
		return None[int64]()
	}
	return rf.Fragment.ID
}

type RunFragmentQuery struct {
	ID         Opt[int64]    `json:"id,omitzero"`
	RunID      Opt[int64]    `json:"run_id,omitzero"`
	RunnerID   Opt[int64]    `json:"runner_id,omitzero"`
	FragmentID Opt[int64]    `json:"fragment_id,omitzero"`
	State      Opt[RunState] `json:"state,omitzero"`
	Limit      Opt[int]      `json:"limit,omitzero"`
}

func (q RunFragmentQuery) Match(rf RunFragment) bool {
	return eqOpt(q.ID, rf.ID) && eqOpt(q.RunID, rf.RunID) && eqOpt(q.RunnerID, rf.RunnerID) &&
		eqOpt(q.FragmentID, rf.FragmentID()) &&
		(!q.State.Present || q.State.Value == rf.State)
}

func (q RunFragmentQuery) Bound() Opt[int] { return q.Limit }

func (q RunFragmentQuery) Validate() error { return validateLimit(q.Limit) }

// SimulatorState 某个 Run 里单个 simulator 的状态
type SimulatorState struct {
	RunID         int64             `json:"run_id" schema:"required"`
	SimulatorID   int64             `json:"simulator_id" schema:"required"`
	SimulatorName Opt[string]       `json:"simulator_name,omitzero"`
	Command       Opt[string]       `json:"command,omitzero"`
	State         RunComponentState `json:"state,omitempty"`
}

// ProxyState 某个 Run 里单个 proxy 的状态
type ProxyState struct {
	RunID     int64             `json:"run_id" schema:"required"`
	ProxyID   int64             `json:"proxy_id" schema:"required"`
	ProxyName Opt[string]       `json:"proxy_name,omitzero"`
	IP        Opt[string]       `json:"ip,omitzero"`
	Port      Opt[int]          `json:"port,omitzero"`
	Command   Opt[string]       `json:"command,omitzero"`
	State     RunComponentState `json:"state,omitempty"`
}
