package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"

	"symphony/pkg/event"
	"symphony/pkg/model"
	"symphony/pkg/schema"
	"symphony/pkg/store"

	"gopkg.in/yaml.v3"
)

// kind 一种可以从文件读入的记录
type kind struct {
	validate func(recs []schema.Record) (int, error)
	// apply 为 nil 表示只能校验
	apply func(ctx context.Context, s store.Store, recs []schema.Record) (any, error)
}

func recordKind[T any](save func(store.Store, context.Context, *T) error) kind {
	k := kind{
		validate: func(recs []schema.Record) (int, error) {
			items, err := schema.ValidateListType[T](recs)
			return len(items), err
		},
	}
	if save != nil {
		k.apply = func(ctx context.Context, s store.Store, recs []schema.Record) (any, error) {
			items, err := schema.ValidateListType[T](recs)
			if err != nil {
				return nil, err
			}
			for i := range items {
				if err := save(s, ctx, &items[i]); err != nil {
					return nil, fmt.Errorf("element %d: %w", i, err)
				}
			}
			return items, nil
		}
	}
	return k
}

var kinds = map[string]kind{
	"namespace":            recordKind(store.Store.SaveNamespace),
	"system":               recordKind(store.Store.SaveSystem),
	"simulation":           recordKind(store.Store.SaveSimulation),
	"instantiation":        recordKind(store.Store.SaveInstantiation),
	"run":                  recordKind(store.Store.SaveRun),
	"resource-group":       recordKind(store.Store.SaveResourceGroup),
	"runner":               recordKind(store.Store.SaveRunner),
	"fragment":             recordKind[model.Fragment](nil),
	"runner-tag":           recordKind[model.RunnerTag](nil),
	"org-invite":           recordKind[model.OrgInvite](nil),
	"org-guest-cred":       recordKind[model.OrgGuestCred](nil),
	"org-guest-magic-link": recordKind[model.OrgGuestMagicLinkResp](nil),
	"runner-event-query":   recordKind[model.RunnerEventQuery](nil),
	"run-simulator-output": recordKind[model.RunSimulatorOutput](nil),
	"run-proxy-output":     recordKind[model.RunProxyOutput](nil),
	"event": {
		validate: func(recs []schema.Record) (int, error) {
			evs, err := event.ParseEvents(recs)
			return len(evs), err
		},
	},
}

func lookupKind(name string) (kind, error) {
	k, ok := kinds[name]
	if !ok {
		return kind{}, fmt.Errorf("unknown kind %q (want one of %s)", name, kindNames())
	}
	return k, nil
}

// lister 先按查询类型解析 --where，再校验成查询执行
type lister struct {
	where func(pairs []string) (schema.Record, error)
	list  func(ctx context.Context, s store.Store, where schema.Record) (any, error)
}

func listKind[Q, T any](list func(store.Store, context.Context, Q) ([]T, error)) lister {
	return lister{
		where: parseWhere[Q],
		list: func(ctx context.Context, s store.Store, where schema.Record) (any, error) {
			q, err := schema.Decode[Q](where)
			if err != nil {
				return nil, fmt.Errorf("invalid query: %w", err)
			}
			return list(s, ctx, q)
		},
	}
}

var listers = map[string]lister{
	"namespaces":      listKind(store.Store.ListNamespaces),
	"systems":         listKind(store.Store.ListSystems),
	"simulations":     listKind(store.Store.ListSimulations),
	"instantiations":  listKind(store.Store.ListInstantiations),
	"runs":            listKind(store.Store.ListRuns),
	"run-fragments":   listKind(store.Store.ListRunFragments),
	"resource-groups": listKind(store.Store.ListResourceGroups),
	"runners":         listKind(store.Store.ListRunners),
}

// readRecords 读取 YAML 或 JSON 文件 (JSON 是 YAML 的子集)。
// 顶层可以是一条记录，也可以是记录列表
func readRecords(path string) ([]schema.Record, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	return decodeRecords(data)
}

func decodeRecords(data []byte) ([]schema.Record, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse records: %w", err)
	}
	switch v := doc.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return []schema.Record{v}, nil
	case []any:
		recs := make([]schema.Record, 0, len(v))
		for i, item := range v {
			rec, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("element %d: expected a mapping, got %T", i, item)
			}
			recs = append(recs, rec)
		}
		return recs, nil
	}
	return nil, fmt.Errorf("expected a mapping or a list of mappings, got %T", doc)
}

// parseWhere 把 field=value 按查询类型 Q 中同名字段的类型解析。
// 字符串字段原样保留 (label=42 还是字符串)，其余按 YAML 解析
func parseWhere[Q any](pairs []string) (schema.Record, error) {
	fields := queryFields(reflect.TypeFor[Q]())
	rec := make(schema.Record, len(pairs))
	for _, p := range pairs {
		field, value, ok := strings.Cut(p, "=")
		if !ok || field == "" {
			return nil, fmt.Errorf("invalid filter %q (want field=value)", p)
		}
		t, ok := fields[field]
		if !ok {
			return nil, fmt.Errorf("unknown filter field %q (want one of %s)", field, joinSorted(fields))
		}
		v, err := parseValue(t, value)
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", field, err)
		}
		rec[field] = v
	}
	return rec, nil
}

// queryFields json 名字到字段类型，Opt[T] 展开成 T
func queryFields(t reflect.Type) map[string]reflect.Type {
	fields := make(map[string]reflect.Type, t.NumField())
	for i := range t.NumField() {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if !f.IsExported() || name == "" || name == "-" {
			continue
		}
		ft := f.Type
		if ft.Kind() == reflect.Struct {
			_, hasPresent := ft.FieldByName("Present")
			if v, ok := ft.FieldByName("Value"); ok && hasPresent {
				ft = v.Type
			}
		}
		fields[name] = ft
	}
	return fields
}

func parseValue(t reflect.Type, value string) (any, error) {
	switch t.Kind() {
	case reflect.String:
		return value, nil
	case reflect.Struct, reflect.Slice, reflect.Map:
		// 复合类型交给 schema 校验
		var v any
		if err := yaml.Unmarshal([]byte(value), &v); err != nil {
			return nil, fmt.Errorf("expected %s: %w", t, err)
		}
		return v, nil
	}
	if strings.TrimSpace(value) == "" {
		return nil, fmt.Errorf("expected %s, got an empty value", t)
	}
	ptr := reflect.New(t)
	if err := yaml.Unmarshal([]byte(value), ptr.Interface()); err != nil {
		return nil, fmt.Errorf("expected %s, got %q", t, value)
	}
	return ptr.Elem().Interface(), nil
}

// componentOutputs 选中的 simulator / proxy 各自的输出，所有命令合并成一串行
func componentOutputs(out model.RunOutput, simulators, proxies []int64) ([]model.RunSimulatorOutput, []model.RunProxyOutput, error) {
	sims, err := schema.ConvertValidateFactory(simulators, func(id int64) (model.RunSimulatorOutput, error) {
		return model.RunSimulatorOutput{RunID: out.RunID, SimulatorID: id, OutputLines: out.Simulators[id].Lines()}, nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("simulator output: %w", err)
	}
	proxyOut, err := schema.ConvertValidateFactory(proxies, func(id int64) (model.RunProxyOutput, error) {
		return model.RunProxyOutput{RunID: out.RunID, ProxyID: id, OutputLines: out.Proxies[id].Lines()}, nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("proxy output: %w", err)
	}
	return sims, proxyOut, nil
}

// render 先按 json tag 转成普通的树，yaml 输出和 json 输出字段名一致
func render(w io.Writer, format string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	switch format {
	case "json":
		var buf bytes.Buffer
		if err := json.Indent(&buf, raw, "", "  "); err != nil {
			return err
		}
		buf.WriteByte('\n')
		_, err = buf.WriteTo(w)
		return err
	case "yaml":
		var tree any
		if err := yaml.Unmarshal(raw, &tree); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(tree); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown output format %q (want yaml or json)", format)
}
