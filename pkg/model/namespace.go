package model

import (
	"errors"
	"fmt"
	"slices"
)

// ErrNamespaceCycle namespace 的祖先链没有终止
var ErrNamespaceCycle = errors.New("namespace ancestry contains a cycle")

// Namespace 组织容器，通过 parent_id 形成一棵树
type Namespace struct {
	ID       Opt[int64]  `json:"id,omitzero"`
	ParentID Opt[int64]  `json:"parent_id,omitzero"`
	Name     string      `json:"name" schema:"required"`
	BasePath Opt[string] `json:"base_path,omitzero"`
}

type NamespaceQuery struct {
	ID       Opt[int64]  `json:"id,omitzero"`
	ParentID Opt[int64]  `json:"parent_id,omitzero"`
	Name     Opt[string] `json:"name,omitzero"`
	Limit    Opt[int]    `json:"limit,omitzero"`
}

func (q NamespaceQuery) Match(ns Namespace) bool {
	return eqOpt(q.ID, ns.ID) && eqOpt(q.ParentID, ns.ParentID) &&
		(!q.Name.Present || q.Name.Value == ns.Name)
}

func (q NamespaceQuery) Bound() Opt[int] { return q.Limit }

func (q NamespaceQuery) Validate() error { return validateLimit(q.Limit) }

// CheckAncestry 沿 parent_id 向上走，确认 id 的祖先链能终止。
// 链上引用了不存在的 namespace 视为到达根
func CheckAncestry(namespaces []Namespace, id int64) error {
	parents := make(map[int64]Opt[int64], len(namespaces))
	for _, ns := range namespaces {
		if ns.ID.Present {
			parents[ns.ID.Value] = ns.ParentID
		}
	}
	seen := []int64{id}
	cur := id
	for {
		parent, ok := parents[cur]
		if !ok || !parent.Present {
			return nil
		}
		if slices.Contains(seen, parent.Value) {
			return fmt.Errorf("%w: %v -> %d", ErrNamespaceCycle, seen, parent.Value)
		}
		seen = append(seen, parent.Value)
		cur = parent.Value
	}
}

// System 某个 namespace 下的拓扑描述，sb_json 不做解读
type System struct {
	ID          Opt[int64]  `json:"id,omitzero"`
	SBJson      Opt[SBJson] `json:"sb_json,omitzero"`
	NamespaceID Opt[int64]  `json:"namespace_id,omitzero"`
}

type SystemQuery struct {
	ID          Opt[int64] `json:"id,omitzero"`
	NamespaceID Opt[int64] `json:"namespace_id,omitzero"`
	Limit       Opt[int]   `json:"limit,omitzero"`
}

func (q SystemQuery) Match(s System) bool {
	return eqOpt(q.ID, s.ID) && eqOpt(q.NamespaceID, s.NamespaceID)
}

func (q SystemQuery) Bound() Opt[int] { return q.Limit }

func (q SystemQuery) Validate() error { return validateLimit(q.Limit) }

// Simulation 绑定到一个 System，负载描述 simulator 的分配
type Simulation struct {
	ID          Opt[int64]  `json:"id,omitzero"`
	NamespaceID Opt[int64]  `json:"namespace_id,omitzero"`
	SystemID    Opt[int64]  `json:"system_id,omitzero"`
	SBJson      Opt[SBJson] `json:"sb_json,omitzero"`
}

type SimulationQuery struct {
	ID          Opt[int64] `json:"id,omitzero"`
	NamespaceID Opt[int64] `json:"namespace_id,omitzero"`
	SystemID    Opt[int64] `json:"system_id,omitzero"`
	Limit       Opt[int]   `json:"limit,omitzero"`
}

func (q SimulationQuery) Match(s Simulation) bool {
	return eqOpt(q.ID, s.ID) && eqOpt(q.NamespaceID, s.NamespaceID) && eqOpt(q.SystemID, s.SystemID)
}

func (q SimulationQuery) Bound() Opt[int] { return q.Limit }

func (q SimulationQuery) Validate() error { return validateLimit(q.Limit) }

// Fragment 可部署的最小工作单元。提交 Instantiation 时创建，之后只改分配相关的记账
type Fragment struct {
	ID                  Opt[int64]  `json:"id,omitzero"`
	ObjectID            Opt[int64]  `json:"object_id,omitzero"`
	InstantiationID     Opt[int64]  `json:"instantiation_id,omitzero"`
	CoresRequired       Opt[int64]  `json:"cores_required,omitzero"`
	MemoryRequired      Opt[int64]  `json:"memory_required,omitzero"`
	RunnerTags          []string    `json:"runner_tags,omitempty"`
	FragmentExecutorTag Opt[string] `json:"fragment_executor_tag,omitzero"`
}

func (f Fragment) Validate() error {
	if f.CoresRequired.Present && f.CoresRequired.Value < 0 {
		return fmt.Errorf("cores_required: must be >= 0, got %d", f.CoresRequired.Value)
	}
	if f.MemoryRequired.Present && f.MemoryRequired.Value < 0 {
		return fmt.Errorf("memory_required: must be >= 0, got %d", f.MemoryRequired.Value)
	}
	return nil
}

type FragmentQuery struct {
	ID              Opt[int64] `json:"id,omitzero"`
	InstantiationID Opt[int64] `json:"instantiation_id,omitzero"`
	Limit           Opt[int]   `json:"limit,omitzero"`
}

func (q FragmentQuery) Match(f Fragment) bool {
	return eqOpt(q.ID, f.ID) && eqOpt(q.InstantiationID, f.InstantiationID)
}

func (q FragmentQuery) Bound() Opt[int] { return q.Limit }

func (q FragmentQuery) Validate() error { return validateLimit(q.Limit) }

// Instantiation 执行某个 Simulation 的具体计划，按顺序拆成若干 Fragment
type Instantiation struct {
	ID           Opt[int64]  `json:"id,omitzero"`
	SimulationID Opt[int64]  `json:"simulation_id,omitzero"`
	SBJson       Opt[SBJson] `json:"sb_json,omitzero"`
	Fragments    []Fragment  `json:"fragments,omitempty"`
}

func (i Instantiation) Validate() error {
	for idx, f := range i.Fragments {
		if err := f.Validate(); err != nil {
			return fmt.Errorf("fragments.%d.%w", idx, err)
		}
	}
	return nil
}

type InstantiationQuery struct {
	ID           Opt[int64]      `json:"id,omitzero"`
	SimulationID Opt[int64]      `json:"simulation_id,omitzero"`
	Fragments    []FragmentQuery `json:"fragments,omitempty"`
	Limit        Opt[int]        `json:"limit,omitzero"`
}

// Match 每个 fragment 子查询都至少要命中一个 fragment
func (q InstantiationQuery) Match(i Instantiation) bool {
	if !eqOpt(q.ID, i.ID) || !eqOpt(q.SimulationID, i.SimulationID) {
		return false
	}
	for _, fq := range q.Fragments {
		if !slices.ContainsFunc(i.Fragments, fq.Match) {
			return false
		}
	}
	return true
}

func (q InstantiationQuery) Bound() Opt[int] { return q.Limit }

func (q InstantiationQuery) Validate() error { return validateLimit(q.Limit) }
