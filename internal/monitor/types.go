package monitor

import (
	"time"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventDatLoaded EventType = "dat_loaded"
	EventDatSaved  EventType = "dat_saved"
	EventIntegrity EventType = "integrity"
	EventBackfill  EventType = "backfill"
	EventGapFill   EventType = "gap_fill"
	EventError     EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Symbol    string      `json:"symbol,omitempty"`
	RunID     string      `json:"run_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// DatPayload 记录一次 dat 文件加载或保存。
type DatPayload struct {
	Path      string `json:"path"`
	TopLevel  int    `json:"top_level"`
	Points    int    `json:"points"`
	StartTime int64  `json:"start_time,omitempty"`
	EndTime   int64  `json:"end_time,omitempty"`
}

// IntegrityPayload 记录完整性检查结果。
type IntegrityPayload struct {
	OK      bool   `json:"ok"`
	Problem string `json:"problem,omitempty"`
}

// BackfillPayload 汇总一次回填。
type BackfillPayload struct {
	From    int64 `json:"from"`
	To      int64 `json:"to"`
	Batches int   `json:"batches"`
	Pushed  int   `json:"pushed"`
}

// GapFillPayload 汇总一次缺口填补。
type GapFillPayload struct {
	Recent int `json:"recent"`
	Older  int `json:"older"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
