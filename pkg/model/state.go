package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
)

// ErrUnknownState 比较或推进时遇到了不属于枚举的值
var ErrUnknownState = errors.New("unknown state")

// RunState Run / RunFragment 的生命周期状态
type RunState string

const (
	RunSpawned   RunState = "spawned"
	RunPending   RunState = "pending"
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	// ERROR 排在 COMPLETED 之后、CANCELLED 之前，沿用上游的排序表
	RunError     RunState = "error"
	RunCancelled RunState = "cancelled"
)

// RunComponentState 单个组件 (simulator / proxy) 的生命周期状态
type RunComponentState string

const (
	ComponentUnknown    RunComponentState = "unknown"
	ComponentPreparing  RunComponentState = "preparing"
	ComponentStarting   RunComponentState = "starting"
	ComponentRunning    RunComponentState = "running"
	ComponentTerminated RunComponentState = "terminated"
)

// 排名表：数值越大越靠后
var runStateRank = map[RunState]int{
	RunSpawned:   1,
	RunPending:   2,
	RunRunning:   3,
	RunCompleted: 4,
	RunError:     5,
	RunCancelled: 6,
}

var componentStateRank = map[RunComponentState]int{
	ComponentUnknown:    1,
	ComponentPreparing:  2,
	ComponentStarting:   3,
	ComponentRunning:    4,
	ComponentTerminated: 5,
}

func (s RunState) Rank() (int, bool) {
	r, ok := runStateRank[s]
	return r, ok
}

func (s RunState) Valid() bool {
	_, ok := runStateRank[s]
	return ok
}

// Terminal COMPLETED / ERROR / CANCELLED 之后不会再有资源占用
func (s RunState) Terminal() bool {
	return s == RunCompleted || s == RunError || s == RunCancelled
}

func (s *RunState) UnmarshalJSON(data []byte) error {
	v, err := unmarshalEnum[RunState](data, runStateRank)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s RunComponentState) Rank() (int, bool) {
	r, ok := componentStateRank[s]
	return r, ok
}

func (s RunComponentState) Valid() bool {
	_, ok := componentStateRank[s]
	return ok
}

func (s *RunComponentState) UnmarshalJSON(data []byte) error {
	v, err := unmarshalEnum[RunComponentState](data, componentStateRank)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// unmarshalEnum 只接受枚举里声明过的值，不做任何隐式转换
func unmarshalEnum[E ~string, V any](data []byte, members map[E]V) (E, error) {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", err
	}
	v := E(raw)
	if _, ok := members[v]; !ok {
		return "", &json.UnmarshalTypeError{Value: "string " + strconv.Quote(raw), Type: reflect.TypeFor[E]()}
	}
	return v, nil
}

// State 有序状态枚举。类型参数保证只能在同一个枚举内部比较，
// 跨枚举比较在编译期就会被拒绝
type State interface {
	RunState | RunComponentState
	Rank() (int, bool)
}

// Ordering 比较结果
type Ordering int

const (
	Less    Ordering = -1
	Equal   Ordering = 0
	Greater Ordering = 1
)

func (o Ordering) String() string {
	switch o {
	case Less:
		return "less"
	case Equal:
		return "equal"
	case Greater:
		return "greater"
	}
	return "Ordering(" + strconv.Itoa(int(o)) + ")"
}

// Compare 按排名表比较 a 和 b，任何一方不是枚举成员都返回 ErrUnknownState
func Compare[S State](a, b S) (Ordering, error) {
	ra, ok := a.Rank()
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownState, string(a))
	}
	rb, ok := b.Rank()
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownState, string(b))
	}
	switch {
	case ra < rb:
		return Less, nil
	case ra > rb:
		return Greater, nil
	}
	return Equal, nil
}

// Transition 一次状态上报的处理结果
type Transition int

const (
	TransitionUnknown   Transition = iota // 没有处理成功，比如上报的状态不合法或存储出错
	TransitionApplied                     // 前进，已生效
	TransitionDuplicate                   // 和当前状态相同，幂等重报
	TransitionStale                       // 比当前状态靠前，过期上报，丢弃
)

func (t Transition) String() string {
	switch t {
	case TransitionUnknown:
		return "unknown"
	case TransitionApplied:
		return "applied"
	case TransitionDuplicate:
		return "duplicate"
	case TransitionStale:
		return "stale"
	}
	return "Transition(" + strconv.Itoa(int(t)) + ")"
}

// Advance 单调推进状态。current 为空表示还没有记录过状态，任何合法上报都会生效。
// 返回推进之后的状态：只有 Applied 时才等于 reported
func Advance[S State](current, reported S) (S, Transition, error) {
	if _, ok := reported.Rank(); !ok {
		return current, TransitionUnknown, fmt.Errorf("%w: %q", ErrUnknownState, string(reported))
	}
	if current == "" {
		return reported, TransitionApplied, nil
	}
	ord, err := Compare(current, reported)
	if err != nil {
		return current, TransitionUnknown, err
	}
	switch ord {
	case Less:
		return reported, TransitionApplied, nil
	case Equal:
		return current, TransitionDuplicate, nil
	}
	return current, TransitionStale, nil
}

// DeriveRunState 根据所有 RunFragment 的状态推导 Run 的整体状态
func DeriveRunState(fragments []RunState) RunState {
	if len(fragments) == 0 {
		return RunSpawned
	}
	var anyCancelled, anyError, anyRunning, anyPending bool
	completed := 0
	for _, s := range fragments {
		switch s {
		case RunCancelled:
			anyCancelled = true
		case RunError:
			anyError = true
		case RunCompleted:
			completed++
		case RunRunning:
			anyRunning = true
		case RunPending:
			anyPending = true
		}
	}
	switch {
	case anyCancelled:
		return RunCancelled
	case anyError:
		return RunError
	case completed == len(fragments):
		return RunCompleted
	case anyRunning || completed > 0:
		return RunRunning
	case anyPending:
		return RunPending
	}
	return RunSpawned
}
