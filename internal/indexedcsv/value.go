package indexedcsv

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind 标识解析后字段的类型。
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindDate
	KindString
)

var (
	floatPattern   = regexp.MustCompile(`^\s*-?(\d+\.?|\.\d+|\d+\.\d+)(e[-+]?\d+)?\s*$`)
	isoDatePattern = regexp.MustCompile(`(\d{4}-[01]\d-[0-3]\dT[0-2]\d:[0-5]\d:[0-5]\d\.\d+([+-][0-2]\d:[0-5]\d|Z))|(\d{4}-[01]\d-[0-3]\dT[0-2]\d:[0-5]\d:[0-5]\d([+-][0-2]\d:[0-5]\d|Z))|(\d{4}-[01]\d-[0-3]\dT[0-2]\d:[0-5]\d([+-][0-2]\d:[0-5]\d|Z))`)
)

const maxSafeFloat = float64(1 << 53)

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04Z07:00",
}

// Value 是单个字段的强类型取值。
type Value struct {
	kind Kind
	num  float64
	b    bool
	date time.Time
	str  string
}

// ParseValue 依次尝试布尔、浮点、ISO-8601 日期，否则保留原始字符串，空串为 Null。
func ParseValue(raw string) Value {
	switch raw {
	case "true", "TRUE":
		return Value{kind: KindBool, b: true}
	case "false", "FALSE":
		return Value{kind: KindBool, b: false}
	case "":
		return Value{kind: KindNull}
	}

	if floatPattern.MatchString(raw) {
		if f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil && f > -maxSafeFloat && f < maxSafeFloat {
			return Value{kind: KindNumber, num: f}
		}
	}

	if match := isoDatePattern.FindString(raw); match != "" {
		for _, layout := range dateLayouts {
			if ts, err := time.Parse(layout, match); err == nil {
				return Value{kind: KindDate, date: ts.UTC()}
			}
		}
	}

	return Value{kind: KindString, str: raw}
}

// Kind 返回字段类型。
func (v Value) Kind() Kind { return v.kind }

// IsNull 判断是否为空字段。
func (v Value) IsNull() bool { return v.kind == KindNull }

// Float 返回数值；日期按毫秒时间戳解释。
func (v Value) Float() (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.num, true
	case KindDate:
		return float64(v.date.UnixMilli()), true
	default:
		return 0, false
	}
}

// Bool 返回布尔值。
func (v Value) Bool() (bool, bool) {
	return v.b, v.kind == KindBool
}

// Time 返回日期值。
func (v Value) Time() (time.Time, bool) {
	return v.date, v.kind == KindDate
}

// String 返回字段的文本形式。
func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindDate:
		return v.date.Format(time.RFC3339Nano)
	case KindString:
		return v.str
	default:
		return ""
	}
}
