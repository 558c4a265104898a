// Package sanitize 清洗工具调用参数中的字符串：去除控制字符、中和SQL注释/语句分隔符、转义HTML。
//
// 清洗是宽松的：可疑内容会被中和而不是拒绝，任何输入都不会导致失败。
package sanitize

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"
)

// 注入相关片段，按顺序替换
var injectionTokens = []struct {
	old string
	new string
}{
	{"--", " - - "},
	{"/*", "/ *"},
	{"*/", "* /"},
	{";", " "},
}

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#39;",
	"`", "&#96;",
)

// String 清洗单个字符串。
// HTML转义放在最后，这样转义产生的 ';' 不会再被当作分隔符替换。
func String(s string) string {
	s = strings.Map(func(r rune) rune {
		if isStrippedControl(r) {
			return -1
		}
		return r
	}, s)

	for _, t := range injectionTokens {
		s = strings.ReplaceAll(s, t.old, t.new)
	}

	return htmlEscaper.Replace(s)
}

// 保留 \t \n \r
func isStrippedControl(r rune) bool {
	switch {
	case r <= 0x08:
		return true
	case r == 0x0B, r == 0x0C:
		return true
	case r >= 0x0E && r <= 0x1F:
		return true
	case r == 0x7F:
		return true
	}
	return false
}

// Value 深拷贝并清洗任意值。
//
// 字符串被清洗；[]any、[]string 逐元素清洗；map[string]any、map[string]string
// 只清洗值，键保持原样；其他类型（数字、布尔、nil、结构体、指针等）原样返回。
// 已经访问过的 map 或切片（循环引用或共享引用）原样返回，不会无限递归。
func Value(v any) any {
	w := &walker{seen: make(map[visitKey]struct{})}
	return w.walk(v)
}

// JSON 清洗JSON编码的参数。数字按 json.Number 解析，避免大整数丢失精度。
// 空输入原样返回；无法解析时返回错误，调用方可以决定是否使用原始数据。
func JSON(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return raw, nil
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return raw, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(Value(v)); err != nil {
		return raw, err
	}
	return json.RawMessage(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

type visitKey struct {
	kind reflect.Kind
	ptr  uintptr
	len  int
}

type walker struct {
	seen map[visitKey]struct{}
}

func (w *walker) walk(v any) any {
	switch t := v.(type) {
	case string:
		return String(t)

	case []any:
		if t == nil || w.visited(t) {
			return t
		}
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = w.walk(e)
		}
		return out

	case []string:
		if t == nil {
			return t
		}
		out := make([]string, len(t))
		for i, e := range t {
			out[i] = String(e)
		}
		return out

	case map[string]any:
		if t == nil || w.visited(t) {
			return t
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = w.walk(e)
		}
		return out

	case map[string]string:
		if t == nil {
			return t
		}
		out := make(map[string]string, len(t))
		for k, e := range t {
			out[k] = String(e)
		}
		return out

	default:
		return v
	}
}

// visited 记录并检查 map 或切片的身份。空切片没有底层数组，不可能形成循环。
func (w *walker) visited(v any) bool {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice && rv.Len() == 0 {
		return false
	}

	key := visitKey{kind: rv.Kind(), ptr: rv.Pointer(), len: rv.Len()}
	if _, ok := w.seen[key]; ok {
		return true
	}
	w.seen[key] = struct{}{}
	return false
}
