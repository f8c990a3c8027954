package monitor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"histmarket/internal/store"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS monitor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	symbol TEXT NOT NULL DEFAULT '',
	run_id TEXT NOT NULL DEFAULT '',
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type)`,
	`CREATE INDEX IF NOT EXISTS idx_monitor_events_symbol ON monitor_events(symbol)`,
}

// Service 负责持久化缓存维护事件。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// NewService 初始化监控服务，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := store.Migrate(context.Background(), schema...); err != nil {
		return nil, fmt.Errorf("monitor: 初始化表失败: %w", err)
	}

	return &Service{
		db:     store.DB(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// NewRunID 生成一次刷新任务的标识，同一轮产生的事件共享该标识。
func NewRunID() string {
	return uuid.NewString()
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, symbol, run_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		string(event.Type), event.Symbol, event.RunID, string(payload), event.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

func (s *Service) recordQuietly(ctx context.Context, event Event) {
	if err := s.Record(ctx, event); err != nil {
		s.logger.Warn("记录监控事件失败", zap.String("type", string(event.Type)), zap.Error(err))
	}
}

// RecordDatLoaded 记录 dat 文件加载。
func (s *Service) RecordDatLoaded(ctx context.Context, symbol, runID string, payload DatPayload) {
	s.recordQuietly(ctx, Event{Type: EventDatLoaded, Symbol: symbol, RunID: runID, Payload: payload})
}

// RecordDatSaved 记录 dat 文件保存。
func (s *Service) RecordDatSaved(ctx context.Context, symbol, runID string, payload DatPayload) {
	s.recordQuietly(ctx, Event{Type: EventDatSaved, Symbol: symbol, RunID: runID, Payload: payload})
}

// RecordIntegrity 记录完整性检查。
func (s *Service) RecordIntegrity(ctx context.Context, symbol, runID string, err error) {
	payload := IntegrityPayload{OK: err == nil}
	if err != nil {
		payload.Problem = err.Error()
	}
	s.recordQuietly(ctx, Event{Type: EventIntegrity, Symbol: symbol, RunID: runID, Payload: payload})
}

// RecordBackfill 记录回填汇总。
func (s *Service) RecordBackfill(ctx context.Context, symbol, runID string, payload BackfillPayload) {
	s.recordQuietly(ctx, Event{Type: EventBackfill, Symbol: symbol, RunID: runID, Payload: payload})
}

// RecordGapFill 记录缺口填补。
func (s *Service) RecordGapFill(ctx context.Context, symbol, runID string, payload GapFillPayload) {
	s.recordQuietly(ctx, Event{Type: EventGapFill, Symbol: symbol, RunID: runID, Payload: payload})
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, symbol, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{
		Message: msg,
		Context: ctxMap,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	s.recordQuietly(ctx, Event{Type: EventError, Symbol: symbol, Payload: payload})
}

// ListEvents 按类型与交易对检索最近事件，空字符串表示不过滤。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, symbol string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT event_type, symbol, run_id, payload, created_at FROM monitor_events WHERE 1 = 1`
	args := make([]interface{}, 0, 3)
	if eventType != "" {
		query += ` AND event_type = ?`
		args = append(args, string(eventType))
	}
	if symbol != "" {
		query += ` AND symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			typ     string
			sym     string
			runID   string
			payload string
			created string
		)
		if scanErr := rows.Scan(&typ, &sym, &runID, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339Nano, created)
		if parseErr != nil {
			ts = s.now()
		}

		events = append(events, Event{
			Type:      EventType(typ),
			Symbol:    sym,
			RunID:     runID,
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}
