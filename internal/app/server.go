package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"histmarket/internal/indicator"
	"histmarket/internal/market"
	"histmarket/internal/monitor"
)

const (
	defaultHistory = 200
	maxHistory     = 1000
	defaultShifts  = 10
)

func (a *App) startServer(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("监听 %s 失败: %w", addr, err)
	}
	srv := &http.Server{Handler: a.routes(), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			a.logger.Warn("关闭查询服务失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			a.logger.Error("查询服务异常", zap.Error(err))
		}
	}()

	a.logger.Info("查询接口已启动", zap.String("addr", addr))
	return nil
}

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/candle", a.handleCandle)
	mux.HandleFunc("/price", a.handlePrice)
	mux.HandleFunc("/shifts", a.handleShifts)
	mux.HandleFunc("/indicators", a.handleIndicators)
	mux.HandleFunc("/events", a.handleEvents)
	mux.Handle("/metrics", a.metrics.Handler())
	return mux
}

type httpError struct {
	status int
	msg    string
}

func (e *httpError) Error() string { return e.msg }

func badRequest(format string, args ...interface{}) error {
	return &httpError{status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}

// query 为单个请求解析出的公共参数。
type query struct {
	market   *market.Market
	symbol   string
	time     int64
	interval market.Interval
}

func (a *App) parseQuery(r *http.Request, needInterval bool) (query, error) {
	q := r.URL.Query()
	var out query

	out.symbol = strings.TrimSpace(q.Get("symbol"))
	if out.symbol == "" && len(a.order) == 1 {
		out.symbol = a.order[0]
	}
	m, ok := a.Market(out.symbol)
	if !ok {
		return out, &httpError{status: http.StatusNotFound, msg: fmt.Sprintf("unknown symbol %q", out.symbol)}
	}
	out.market = m

	out.time = a.now().UnixMilli()
	if ts := q.Get("time"); ts != "" {
		v, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return out, badRequest("invalid time %q", ts)
		}
		out.time = v
	}

	if needInterval {
		name := q.Get("interval")
		if name == "" {
			name = market.Hour1.String()
		}
		iv, err := market.ParseInterval(name)
		if err != nil {
			return out, badRequest("%v", err)
		}
		out.interval = iv
	}
	return out, nil
}

func intParam(r *http.Request, name string, fallback, limit int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return 0, badRequest("invalid %s %q", name, s)
	}
	if v > limit {
		v = limit
	}
	return v, nil
}

func (a *App) handleCandle(w http.ResponseWriter, r *http.Request) {
	q, err := a.parseQuery(r, true)
	if err != nil {
		a.writeError(w, err)
		return
	}
	snap, ok, err := q.market.Candle(q.time, q.interval)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if !ok {
		a.writeError(w, market.ErrNoData)
		return
	}
	a.writeJSON(w, snap)
}

type priceResponse struct {
	Symbol string  `json:"symbol"`
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
	Price  float64 `json:"price"`
}

func (a *App) handlePrice(w http.ResponseWriter, r *http.Request) {
	q, err := a.parseQuery(r, false)
	if err != nil {
		a.writeError(w, err)
		return
	}
	quote, err := q.market.PriceAt(market.Bottom.Align(q.time))
	if err != nil {
		a.writeError(w, err)
		return
	}
	if quote == nil {
		a.writeError(w, market.ErrNoData)
		return
	}
	a.writeJSON(w, priceResponse{
		Symbol: q.symbol,
		Time:   quote.Time(),
		Open:   quote.Open(),
		High:   quote.High(),
		Low:    quote.Low(),
		Close:  quote.Close(),
		Volume: quote.Volume(),
		Price:  quote.Price(),
	})
}

func (a *App) handleShifts(w http.ResponseWriter, r *http.Request) {
	q, err := a.parseQuery(r, true)
	if err != nil {
		a.writeError(w, err)
		return
	}
	maxShifts, err := intParam(r, "max", defaultShifts, maxHistory)
	if err != nil {
		a.writeError(w, err)
		return
	}
	shifts, err := q.market.Shifts(q.time, q.interval, maxShifts)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if shifts == nil {
		a.writeError(w, market.ErrNoData)
		return
	}
	a.writeJSON(w, map[string]interface{}{
		"symbol":   q.symbol,
		"interval": q.interval.String(),
		"time":     q.interval.Align(q.time),
		"shifts":   shifts,
	})
}

func (a *App) handleIndicators(w http.ResponseWriter, r *http.Request) {
	q, err := a.parseQuery(r, true)
	if err != nil {
		a.writeError(w, err)
		return
	}
	count, err := intParam(r, "count", defaultHistory, maxHistory)
	if err != nil {
		a.writeError(w, err)
		return
	}
	history, err := q.market.History(q.time, q.interval, count)
	if err != nil {
		a.writeError(w, err)
		return
	}
	res, err := a.calc.Compute(q.symbol, q.interval, history)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, res)
}

func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(r, "limit", 200, maxHistory)
	if err != nil {
		a.writeError(w, err)
		return
	}

	eventType := monitor.EventType("")
	if typ := strings.TrimSpace(q.Get("type")); typ != "" {
		eventType = monitor.EventType(strings.ToLower(typ))
	}

	events, err := a.monitor.ListEvents(r.Context(), eventType, strings.TrimSpace(q.Get("symbol")), limit)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, events)
}

func (a *App) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("写入查询响应失败", zap.Error(err))
	}
}

func (a *App) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var he *httpError
	switch {
	case errors.As(err, &he):
		status = he.status
	case errors.Is(err, market.ErrNoData), errors.Is(err, market.ErrNoCachedPrice):
		status = http.StatusNotFound
	case errors.Is(err, market.ErrInvalidInterval):
		status = http.StatusBadRequest
	case errors.Is(err, market.ErrIncompleteBucket), errors.Is(err, indicator.ErrInsufficientData):
		status = http.StatusUnprocessableEntity
	}
	http.Error(w, err.Error(), status)
}
