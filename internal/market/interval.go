package market

import (
	"fmt"
	"time"
)

// Interval 为以毫秒表示的聚合周期。
type Interval int64

const (
	Min5   Interval = 5 * 60 * 1000
	Min15  Interval = 15 * 60 * 1000
	Min30  Interval = 30 * 60 * 1000
	Hour1  Interval = 60 * 60 * 1000
	Hour2  Interval = 2 * 60 * 60 * 1000
	Hour4  Interval = 4 * 60 * 60 * 1000
	Hour12 Interval = 12 * 60 * 60 * 1000
	Day1   Interval = 24 * 60 * 60 * 1000
	Week1  Interval = 7 * 24 * 60 * 60 * 1000
)

// Ladder 为固定的周期阶梯，由细到粗。
var Ladder = []Interval{Min5, Min15, Min30, Hour1, Hour2, Hour4, Hour12, Day1, Week1}

const (
	// Bottom 为阶梯最底层周期，直接由原始价格点构成。
	Bottom = Min5
	// Top 为阶梯最顶层周期。
	Top = Week1
)

var intervalNames = map[Interval]string{
	Min5:   "5m",
	Min15:  "15m",
	Min30:  "30m",
	Hour1:  "1h",
	Hour2:  "2h",
	Hour4:  "4h",
	Hour12: "12h",
	Day1:   "1d",
	Week1:  "1w",
}

// ParseInterval 解析 "5m"、"1h"、"1w" 等周期名称。
func ParseInterval(name string) (Interval, error) {
	for iv, n := range intervalNames {
		if n == name {
			return iv, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidInterval, name)
}

// Index 返回周期在阶梯中的位置，不在阶梯中时返回 -1。
func (i Interval) Index() int {
	for idx, iv := range Ladder {
		if iv == i {
			return idx
		}
	}
	return -1
}

// Valid 判断周期是否属于阶梯。
func (i Interval) Valid() bool {
	return i.Index() >= 0
}

// Lower 返回下一级更细的周期。
func (i Interval) Lower() (Interval, bool) {
	idx := i.Index()
	if idx <= 0 {
		return 0, false
	}
	return Ladder[idx-1], true
}

// Higher 返回上一级更粗的周期。
func (i Interval) Higher() (Interval, bool) {
	idx := i.Index()
	if idx < 0 || idx+1 >= len(Ladder) {
		return 0, false
	}
	return Ladder[idx+1], true
}

// ChildCount 返回满节点应包含的下级节点数量，底层为 0。
func (i Interval) ChildCount() int {
	lower, ok := i.Lower()
	if !ok {
		return 0
	}
	return int(i / lower)
}

// Align 将毫秒时间向下对齐到周期边界。
func (i Interval) Align(t int64) int64 {
	step := int64(i)
	r := t % step
	if r < 0 {
		r += step
	}
	return t - r
}

// Duration 转换为 time.Duration。
func (i Interval) Duration() time.Duration {
	return time.Duration(i) * time.Millisecond
}

func (i Interval) String() string {
	if name, ok := intervalNames[i]; ok {
		return name
	}
	return fmt.Sprintf("%dms", int64(i))
}
