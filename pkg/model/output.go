package model

import (
	"cmp"
	"slices"
	"time"
)

// ConsoleOutputLine 一行控制台输出。id 由 coordinator 分配，单调递增但不保证连续
type ConsoleOutputLine struct {
	ID         Opt[int64] `json:"id,omitzero"`
	ProducedAt time.Time  `json:"produced_at" schema:"required"`
	Output     string     `json:"output" schema:"required"`
	IsStderr   bool       `json:"is_stderr" schema:"required"`
}

type RunSimulatorOutput struct {
	RunID       int64               `json:"run_id" schema:"required"`
	SimulatorID int64               `json:"simulator_id" schema:"required"`
	OutputLines []ConsoleOutputLine `json:"output_lines,omitempty"`
}

type RunProxyOutput struct {
	RunID       int64               `json:"run_id" schema:"required"`
	ProxyID     int64               `json:"proxy_id" schema:"required"`
	OutputLines []ConsoleOutputLine `json:"output_lines,omitempty"`
}

// RunComponent 一个 simulator / proxy 的输出，按命令分流
type RunComponent struct {
	Name     string                         `json:"name" schema:"required"`
	Commands map[string][]ConsoleOutputLine `json:"commands,omitempty"`
}

// Lines 所有命令的输出合并，按行 id 排序
func (c RunComponent) Lines() []ConsoleOutputLine {
	var out []ConsoleOutputLine
	for _, lines := range c.Commands {
		out = append(out, lines...)
	}
	slices.SortStableFunc(out, func(a, b ConsoleOutputLine) int {
		if n := cmp.Compare(a.ID.Value, b.ID.Value); n != 0 {
			return n
		}
		return a.ProducedAt.Compare(b.ProducedAt)
	})
	return out
}

// RunOutput 一个 Run 的全部控制台输出
type RunOutput struct {
	RunID      int64                  `json:"run_id" schema:"required"`
	Simulators map[int64]RunComponent `json:"simulators,omitempty"`
	Proxies    map[int64]RunComponent `json:"proxies,omitempty"`
}

// RunOutputFilter 断点续读的游标：只返回 id 大于游标的行
type RunOutputFilter struct {
	SimulatorSeenUntilLineID Opt[int64] `json:"simulator_seen_until_line_id,omitzero"`
	ProxySeenUntilLineID     Opt[int64] `json:"proxy_seen_until_line_id,omitzero"`
}

// ComponentKind 输出属于 simulator 还是 proxy
type ComponentKind string

const (
	KindSimulator ComponentKind = "simulator"
	KindProxy     ComponentKind = "proxy"
)

// Append 把输出行追加到某个组件的某条命令下
func (o *RunOutput) Append(kind ComponentKind, componentID int64, name, command string, lines ...ConsoleOutputLine) {
	target := &o.Simulators
	if kind == KindProxy {
		target = &o.Proxies
	}
	if *target == nil {
		*target = make(map[int64]RunComponent)
	}
	comp, ok := (*target)[componentID]
	if !ok {
		comp = RunComponent{Name: name}
	}
	if comp.Commands == nil {
		comp.Commands = make(map[string][]ConsoleOutputLine)
	}
	comp.Commands[command] = append(comp.Commands[command], lines...)
	(*target)[componentID] = comp
}

// Since 按游标裁剪输出。游标缺省的类别原样返回
func (o RunOutput) Since(f RunOutputFilter) RunOutput {
	return RunOutput{
		RunID:      o.RunID,
		Simulators: linesAfter(o.Simulators, f.SimulatorSeenUntilLineID),
		Proxies:    linesAfter(o.Proxies, f.ProxySeenUntilLineID),
	}
}

// Cursor 返回下一次续读应该带上的游标
func (o RunOutput) Cursor(prev RunOutputFilter) RunOutputFilter {
	return RunOutputFilter{
		SimulatorSeenUntilLineID: maxLineID(o.Simulators, prev.SimulatorSeenUntilLineID),
		ProxySeenUntilLineID:     maxLineID(o.Proxies, prev.ProxySeenUntilLineID),
	}
}

func linesAfter(comps map[int64]RunComponent, cursor Opt[int64]) map[int64]RunComponent {
	if comps == nil {
		return nil
	}
	out := make(map[int64]RunComponent, len(comps))
	for id, comp := range comps {
		filtered := RunComponent{Name: comp.Name, Commands: make(map[string][]ConsoleOutputLine)}
		for cmd, lines := range comp.Commands {
			for _, line := range lines {
				if cursor.Present && (!line.ID.Present || line.ID.Value <= cursor.Value) {
					continue
				}
				filtered.Commands[cmd] = append(filtered.Commands[cmd], line)
			}
		}
		out[id] = filtered
	}
	return out
}

func maxLineID(comps map[int64]RunComponent, prev Opt[int64]) Opt[int64] {
	best := prev
	for _, comp := range comps {
		for _, lines := range comp.Commands {
			for _, line := range lines {
				if line.ID.Present && (!best.Present || line.ID.Value > best.Value) {
					best = line.ID
				}
			}
		}
	}
	return best
}

var componentKinds = map[ComponentKind]struct{}{
	KindSimulator: {},
	KindProxy:     {},
}

func (k *ComponentKind) UnmarshalJSON(data []byte) error {
	v, err := unmarshalEnum[ComponentKind](data, componentKinds)
	if err != nil {
		return err
	}
	*k = v
	return nil
}
