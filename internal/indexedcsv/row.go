package indexedcsv

import "strings"

// Row 为一行解析结果，既可按位置访问也可按表头名访问。
type Row struct {
	values []Value
	header map[string]int
}

// ParseLine 将逗号分隔的一行解析为 Row；header 为 nil 时仅支持按位置访问。
func ParseLine(line string, header map[string]int) Row {
	if line == "" {
		return Row{header: header}
	}

	fields := strings.Split(line, ",")
	values := make([]Value, len(fields))
	for i, field := range fields {
		values[i] = ParseValue(field)
	}
	return Row{values: values, header: header}
}

// Len 返回字段数量，空行为 0。
func (r Row) Len() int {
	return len(r.values)
}

// At 按位置取值，越界返回 Null。
func (r Row) At(i int) Value {
	if i < 0 || i >= len(r.values) {
		return Value{}
	}
	return r.values[i]
}

// Get 按表头名取值；`_index` 始终指向首列。
func (r Row) Get(name string) (Value, bool) {
	if name == IndexKey {
		if len(r.values) == 0 {
			return Value{}, false
		}
		return r.values[0], true
	}
	i, ok := r.header[name]
	if !ok || i >= len(r.values) {
		return Value{}, false
	}
	return r.values[i], true
}

// Float 按表头名取数值，缺失时回退到位置 fallback。
func (r Row) Float(name string, fallback int) (float64, bool) {
	if v, ok := r.Get(name); ok {
		return v.Float()
	}
	if r.header != nil {
		if _, declared := r.header[name]; declared {
			return 0, false
		}
	}
	return r.At(fallback).Float()
}

// Index 返回首列作为时间键的数值。
func (r Row) Index() (int64, bool) {
	f, ok := r.At(0).Float()
	if !ok {
		return 0, false
	}
	return int64(f), true
}
