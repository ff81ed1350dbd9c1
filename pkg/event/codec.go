package event

import (
	"bytes"
	"encoding/json"
	"fmt"

	"symphony/pkg/schema"
)

// DiscriminatorField wire 记录里标识具体类型的字段
const DiscriminatorField = "event_discriminator"

// Parse 根据 discriminator 把通用记录还原成具体事件。
// 缺少 discriminator、discriminator 未注册、结构校验失败分别返回不同的错误，
// 出错时不会返回半成品
func (r *Registry) Parse(rec schema.Record) (Event, error) {
	raw, ok := rec[DiscriminatorField]
	if !ok || raw == nil {
		return nil, fmt.Errorf("%w: record has no %q field", ErrMissingDiscriminator, DiscriminatorField)
	}
	name, ok := raw.(string)
	if !ok {
		return nil, &schema.ValidationError{Path: DiscriminatorField, Reason: fmt.Sprintf("expected string, got %T", raw)}
	}
	if name == "" {
		return nil, fmt.Errorf("%w: %q is empty", ErrMissingDiscriminator, DiscriminatorField)
	}
	f, ok := r.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDiscriminator, name)
	}
	ev := f()
	if err := schema.DecodeInto(rec, ev); err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	return ev, nil
}

// ParseAll 批量解析，遇到第一个错误就返回
func (r *Registry) ParseAll(recs []schema.Record) ([]Event, error) {
	out := make([]Event, 0, len(recs))
	for i, rec := range recs {
		ev, err := r.Parse(rec)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// Decode 从 JSON 文本解析事件 (transport 用)
func (r *Registry) Decode(data []byte) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var rec schema.Record
	if err := dec.Decode(&rec); err != nil {
		return nil, &schema.ValidationError{Reason: err.Error()}
	}
	return r.Parse(rec)
}

// Dump 把事件序列化成通用记录，包含 discriminator，是 Parse 的逆操作
func Dump(ev Event) (schema.Record, error) {
	rec, err := schema.ToRecord(ev)
	if err != nil {
		return nil, fmt.Errorf("dump %s: %w", ev.Discriminator(), err)
	}
	rec[DiscriminatorField] = ev.Discriminator()
	return rec, nil
}

// DumpAll 批量序列化
func DumpAll(evs []Event) ([]schema.Record, error) {
	out := make([]schema.Record, 0, len(evs))
	for _, ev := range evs {
		rec, err := Dump(ev)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Encode 序列化成 JSON 文本 (transport 用)
func Encode(ev Event) ([]byte, error) {
	rec, err := Dump(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rec)
}

// ParseEvent 用默认注册表解析
func ParseEvent(rec schema.Record) (Event, error) {
	return Default().Parse(rec)
}

// ParseEvents 用默认注册表批量解析
func ParseEvents(recs []schema.Record) ([]Event, error) {
	return Default().ParseAll(recs)
}

// DumpEvents 批量序列化
func DumpEvents(evs []Event) ([]schema.Record, error) {
	return DumpAll(evs)
}
