package model

import (
	"bytes"
	"encoding/json"
	"reflect"
)

// SBJson 拓扑层 (external) 传过来的序列化负载。
// 可能是原始文本，也可能是已经解析好的结构化文档，两种都合法，这里从不解读内容
type SBJson struct {
	Text  string
	Doc   map[string]any
	IsDoc bool
}

// RawSB 用原始文本构造
func RawSB(text string) SBJson {
	return SBJson{Text: text}
}

// DocSB 用结构化文档构造
func DocSB(doc map[string]any) SBJson {
	return SBJson{Doc: doc, IsDoc: true}
}

// Bytes 返回负载的 JSON 文本：Doc 重新编码，Text 原样返回
func (s SBJson) Bytes() ([]byte, error) {
	if s.IsDoc {
		return json.Marshal(s.Doc)
	}
	return []byte(s.Text), nil
}

func (s SBJson) MarshalJSON() ([]byte, error) {
	if s.IsDoc {
		return json.Marshal(s.Doc)
	}
	return json.Marshal(s.Text)
}

func (s *SBJson) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return &json.UnmarshalTypeError{Value: "empty", Type: reflect.TypeFor[SBJson]()}
	}
	switch data[0] {
	case '"':
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*s = RawSB(text)
		return nil
	case '{':
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		*s = DocSB(doc)
		return nil
	}
	return &json.UnmarshalTypeError{Value: string(data), Type: reflect.TypeFor[SBJson]()}
}
