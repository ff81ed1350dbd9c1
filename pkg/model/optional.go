package model

import (
	"bytes"
	"encoding/json"
)

// Opt 可选字段。Present=false 表示记录里没有这个字段 (或为 null)，
// 和 "提供了零值" 区分开：查询里 Absent 表示不做约束，sb_json 里 Absent 和 "" 也不是一回事
type Opt[T any] struct {
	Value   T
	Present bool
}

// Some 构造一个有值的 Opt
func Some[T any](v T) Opt[T] {
	return Opt[T]{Value: v, Present: true}
}

// None 构造一个缺省的 Opt
func None[T any]() Opt[T] {
	return Opt[T]{}
}

func (o Opt[T]) Get() (T, bool) {
	return o.Value, o.Present
}

// OrElse 缺省时返回 def
func (o Opt[T]) OrElse(def T) T {
	if o.Present {
		return o.Value
	}
	return def
}

// IsZero 配合 `json:",omitzero"` 使用，缺省字段不会被序列化
func (o Opt[T]) IsZero() bool {
	return !o.Present
}

func (o Opt[T]) MarshalJSON() ([]byte, error) {
	if !o.Present {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

func (o *Opt[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*o = Opt[T]{}
		return nil
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*o = Some(v)
	return nil
}

// eqOpt 查询匹配：want 缺省即不约束，否则 got 必须存在且相等
func eqOpt[T comparable](want, got Opt[T]) bool {
	if !want.Present {
		return true
	}
	return got.Present && got.Value == want.Value
}
