package model

import "slices"

// RunnerStatus Runner 健康状态
type RunnerStatus string

const (
	RunnerHealthy RunnerStatus = "HEALTHY"
	RunnerOffline RunnerStatus = "OFFLINE" // 心跳超时
)

var runnerStatuses = map[RunnerStatus]struct{}{
	RunnerHealthy: {},
	RunnerOffline: {},
}

func (s *RunnerStatus) UnmarshalJSON(data []byte) error {
	v, err := unmarshalEnum[RunnerStatus](data, runnerStatuses)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

type RunnerTag struct {
	Label string `json:"label" schema:"required"`
}

// Runner 注册过的执行 agent
type Runner struct {
	ID              Opt[int64]   `json:"id,omitzero"`
	Label           Opt[string]  `json:"label,omitzero"`
	NamespaceID     Opt[int64]   `json:"namespace_id,omitzero"`
	ResourceGroupID Opt[int64]   `json:"resource_group_id,omitzero"`
	Status          RunnerStatus `json:"status,omitempty"`
	Tags            []RunnerTag  `json:"tags,omitempty"`
	PluginTags      []RunnerTag  `json:"plugin_tags,omitempty"`
}

// HasTags runner 的 tags 是否包含 labels 里的全部标签
func (r Runner) HasTags(labels []string) bool {
	return hasAll(r.Tags, labels)
}

// HasPluginTag 是否声明了某个插件能力
func (r Runner) HasPluginTag(label string) bool {
	return hasAll(r.PluginTags, []string{label})
}

func hasAll(tags []RunnerTag, labels []string) bool {
	for _, l := range labels {
		if !slices.ContainsFunc(tags, func(t RunnerTag) bool { return t.Label == l }) {
			return false
		}
	}
	return true
}

// Tags 把字符串标签转换成 RunnerTag
func Tags(labels ...string) []RunnerTag {
	out := make([]RunnerTag, 0, len(labels))
	for _, l := range labels {
		out = append(out, RunnerTag{Label: l})
	}
	return out
}

type RunnerQuery struct {
	ID              Opt[int64]        `json:"id,omitzero"`
	Label           Opt[string]       `json:"label,omitzero"`
	NamespaceID     Opt[int64]        `json:"namespace_id,omitzero"`
	ResourceGroupID Opt[int64]        `json:"resource_group_id,omitzero"`
	Status          Opt[RunnerStatus] `json:"status,omitzero"`
	Limit           Opt[int]          `json:"limit,omitzero"`
}

func (q RunnerQuery) Match(r Runner) bool {
	return eqOpt(q.ID, r.ID) && eqOpt(q.Label, r.Label) && eqOpt(q.NamespaceID, r.NamespaceID) &&
		eqOpt(q.ResourceGroupID, r.ResourceGroupID) &&
		(!q.Status.Present || q.Status.Value == r.Status)
}

func (q RunnerQuery) Bound() Opt[int] { return q.Limit }

func (q RunnerQuery) Validate() error { return validateLimit(q.Limit) }

// RunnerEventAction coordinator 下发给 runner 的动作
type RunnerEventAction string

const (
	ActionKill             RunnerEventAction = "kill"
	ActionHeartbeat        RunnerEventAction = "heartbeat"
	ActionSimulationStatus RunnerEventAction = "simulation_status"
	ActionStartRun         RunnerEventAction = "start_run"
)

var runnerEventActions = map[RunnerEventAction]struct{}{
	ActionKill:             {},
	ActionHeartbeat:        {},
	ActionSimulationStatus: {},
	ActionStartRun:         {},
}

func (a *RunnerEventAction) UnmarshalJSON(data []byte) error {
	v, err := unmarshalEnum[RunnerEventAction](data, runnerEventActions)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// RunnerEventQuery 按动作 / run / runner 过滤下发事件
type RunnerEventQuery struct {
	Action      Opt[RunnerEventAction] `json:"action,omitzero"`
	RunID       Opt[int64]             `json:"run_id,omitzero"`
	EventStatus Opt[string]            `json:"event_status,omitzero"`
	RunnerID    Opt[int64]             `json:"runner_id,omitzero"`
	Limit       Opt[int]               `json:"limit,omitzero"`
}

func (q RunnerEventQuery) Validate() error { return validateLimit(q.Limit) }
