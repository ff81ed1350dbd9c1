// Package schema 把松散的 key/value 记录按目标结构体严格校验，
// 以及在不同 schema 之间做转换。
//
// 规则：
//   - 类型不兼容的字段直接报错，不做隐式转换
//   - 带 `schema:"required"` 的字段缺失或为 null 报错
//   - 记录里多出来的字段忽略
//   - 目标类型实现了 Validator 时，结构校验通过后再调用 Validate
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strconv"
	"strings"
)

// ErrValidation 所有结构 / 类型校验错误都能用 errors.Is 匹配到它
var ErrValidation = errors.New("validation failed")

// Record 未类型化的通用记录 (wire 格式)
type Record = map[string]any

// ValidationError 指出出错的字段路径和原因
type ValidationError struct {
	Path   string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Path == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Path, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Validator 需要业务校验的 schema 实现它
type Validator interface {
	Validate() error
}

var unmarshalerType = reflect.TypeFor[json.Unmarshaler]()

// Decode 把 rec 校验成 T
func Decode[T any](rec Record) (T, error) {
	var out T
	if err := DecodeInto(rec, &out); err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// DecodeInto 把 rec 校验进 target (必须是非 nil 指针)。
// target 里已有的值作为默认值，记录中出现的字段会覆盖它们
func DecodeInto(rec Record, target any) error {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("schema: decode target must be a non-nil pointer, got %T", target)
	}
	if rec == nil {
		return &ValidationError{Reason: "record is nil"}
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	// 先归一化成纯 JSON 树，required 检查只看这棵树
	tree, err := normalize(raw)
	if err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	if err := checkRequired(rv.Type().Elem(), tree, ""); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fromJSONError(err)
	}
	if v, ok := target.(Validator); ok {
		if err := v.Validate(); err != nil {
			return &ValidationError{Reason: err.Error()}
		}
	}
	return nil
}

// ToRecord 把类型化的值序列化成通用记录。数字保留为 json.Number，int64 不会丢精度
func ToRecord(v any) (Record, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	tree, err := normalize(raw)
	if err != nil {
		return nil, err
	}
	rec, ok := tree.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("schema: %T does not serialize to an object", v)
	}
	return rec, nil
}

func normalize(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}
	return tree, nil
}

func fromJSONError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return &ValidationError{
			Path:   typeErr.Field,
			Reason: fmt.Sprintf("expected %s, got %s", typeErr.Type, typeErr.Value),
		}
	}
	return &ValidationError{Reason: err.Error()}
}

func checkRequired(t reflect.Type, raw any, path string) error {
	switch t.Kind() {
	case reflect.Pointer:
		return checkRequired(t.Elem(), raw, path)
	case reflect.Slice, reflect.Array:
		items, ok := raw.([]any)
		if !ok {
			return nil
		}
		for i, item := range items {
			if err := checkRequired(t.Elem(), item, join(path, strconv.Itoa(i))); err != nil {
				return err
			}
		}
	case reflect.Map:
		m, ok := raw.(map[string]any)
		if !ok {
			return nil
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			if err := checkRequired(t.Elem(), m[k], join(path, k)); err != nil {
				return err
			}
		}
	case reflect.Struct:
		// Opt / SBJson / time.Time 自己负责解码
		if reflect.PointerTo(t).Implements(unmarshalerType) {
			return nil
		}
		m, ok := raw.(map[string]any)
		if !ok {
			return nil
		}
		return checkStruct(t, m, path)
	}
	return nil
}

func checkStruct(t reflect.Type, m map[string]any, path string) error {
	for i := range t.NumField() {
		f := t.Field(i)
		tag := f.Tag.Get("json")
		name, _, _ := strings.Cut(tag, ",")
		if name == "-" {
			continue
		}
		// 匿名嵌入且没有 json 名字：字段被展开到外层
		if f.Anonymous && name == "" {
			ft := f.Type
			if ft.Kind() == reflect.Pointer {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				if err := checkStruct(ft, m, path); err != nil {
					return err
				}
				continue
			}
		}
		if !f.IsExported() {
			continue
		}
		if name == "" {
			name = f.Name
		}
		v, present := m[name]
		if f.Tag.Get("schema") == "required" && (!present || v == nil) {
			return &ValidationError{Path: join(path, name), Reason: "field required"}
		}
		if present {
			if err := checkRequired(f.Type, v, join(path, name)); err != nil {
				return err
			}
		}
	}
	return nil
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}
