package schema

import "fmt"

// ValidateListType 把一组松散记录逐个校验成 T。
// fail-fast：第一个非法元素就返回，错误里带着元素下标和校验原因
func ValidateListType[T any](records []Record) ([]T, error) {
	out := make([]T, 0, len(records))
	for i, rec := range records {
		v, err := Decode[T](rec)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// ConvertValidateType 把已经类型化的 S 列表转换成 T：
// 先序列化成通用记录，再按 T 重新校验。T 没有的字段被丢掉，
// T 要求而 S 没有的字段报校验错误
func ConvertValidateType[S, T any](src []S) ([]T, error) {
	out := make([]T, 0, len(src))
	for i, s := range src {
		rec, err := ToRecord(s)
		if err != nil {
			return nil, fmt.Errorf("element %d: encode %T: %w", i, s, err)
		}
		v, err := Decode[T](rec)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// ConvertValidateFactory 用自定义的映射函数逐个转换，
// 适合目标结构不是源结构子集 / 超集的情况。映射结果同样要通过 T 的校验
func ConvertValidateFactory[S, T any](src []S, factory func(S) (T, error)) ([]T, error) {
	out := make([]T, 0, len(src))
	for i, s := range src {
		v, err := factory(s)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		rec, err := ToRecord(v)
		if err != nil {
			return nil, fmt.Errorf("element %d: encode %T: %w", i, v, err)
		}
		if v, err = Decode[T](rec); err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}
