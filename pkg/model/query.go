package model

import "fmt"

// Query 列表查询的过滤记录。
// 出现的字段按相等收窄结果，缺省字段不约束；Bound 是 limit
type Query[E any] interface {
	Match(e E) bool
	Bound() Opt[int]
}

// Filter 对一组实体应用查询，保持原有顺序。
// 所有字段缺省且没有 limit 时返回全部
func Filter[E any](items []E, q Query[E]) []E {
	limit, bounded := q.Bound().Get()
	out := make([]E, 0, len(items))
	for _, item := range items {
		if bounded && len(out) >= limit {
			break
		}
		if q.Match(item) {
			out = append(out, item)
		}
	}
	return out
}

func validateLimit(limit Opt[int]) error {
	if limit.Present && limit.Value < 0 {
		return fmt.Errorf("limit: must be >= 0, got %d", limit.Value)
	}
	return nil
}
