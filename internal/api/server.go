package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"YieldHarvester-Agent/internal/agent"
	"YieldHarvester-Agent/internal/observability/metrics"
	"YieldHarvester-Agent/internal/state"
	"YieldHarvester-Agent/internal/storage/history"
	"YieldHarvester-Agent/internal/web3"
)

// StatusProvider 提供调度器状态，*agent.Scheduler 满足该接口。
type StatusProvider interface {
	Status() agent.Status
}

// ChainInfo 提供链的概要信息。
type ChainInfo interface {
	FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error)
}

// Server 负责暴露只读的状态接口。
type Server struct {
	addr       string
	strategies state.Store
	history    history.Repository
	status     StatusProvider
	chain      ChainInfo
	token      string
	started    time.Time
}

// Option 定义可选配置。
type Option func(*Server)

// WithHistory 启用 /api/v1/history。
func WithHistory(repo history.Repository) Option {
	return func(s *Server) { s.history = repo }
}

// WithStatus 在 /api/v1/status 中附带调度器状态。
func WithStatus(provider StatusProvider) Option {
	return func(s *Server) { s.status = provider }
}

// WithChain 在 /api/v1/status 中附带链信息。
func WithChain(chain ChainInfo) Option {
	return func(s *Server) { s.chain = chain }
}

// WithToken 要求 /api/v1 下的请求携带 Bearer Token，空字符串表示不鉴权。
func WithToken(token string) Option {
	return func(s *Server) { s.token = strings.TrimSpace(token) }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, strategies state.Store, opts ...Option) *Server {
	s := &Server{addr: addr, strategies: strategies, started: time.Now().UTC()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/strategies", s.route("/api/v1/strategies", s.handleStrategies))
	mux.Handle("/api/v1/history", s.route("/api/v1/history", s.handleHistory))
	mux.Handle("/api/v1/status", s.route("/api/v1/status", s.handleStatus))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func (s *Server) route(name string, handler http.HandlerFunc) http.Handler {
	return instrument(name, requireToken(s.token, handler))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type strategyView struct {
	web3.Strategy
	ProtocolName string `json:"protocol_name"`
	APRPercent   string `json:"apr_percent"`
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.strategies == nil {
		http.Error(w, "快照缓存未初始化", http.StatusServiceUnavailable)
		return
	}
	items := s.strategies.All(r.Context())
	views := make([]strategyView, 0, len(items))
	for _, item := range items {
		views = append(views, strategyView{
			Strategy:     item,
			ProtocolName: item.Protocol.String(),
			APRPercent:   web3.FormatAPR(item.APR),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.history == nil {
		http.Error(w, "历史记录未启用", http.StatusServiceUnavailable)
		return
	}
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit 必须是正整数", http.StatusBadRequest)
			return
		}
		if parsed > 500 {
			parsed = 500
		}
		limit = parsed
	}

	records, err := s.history.ListLatest(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

type statusView struct {
	Scheduler *agent.Status       `json:"scheduler,omitempty"`
	Chain     *web3.ChainSnapshot `json:"chain,omitempty"`
	ChainErr  string              `json:"chain_error,omitempty"`
	Started   time.Time           `json:"started_at"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	view := statusView{Started: s.started}
	if s.status != nil {
		status := s.status.Status()
		view.Scheduler = &status
	}
	if s.chain != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		snapshot, err := s.chain.FetchChainSnapshot(ctx)
		cancel()
		if err != nil {
			view.ChainErr = err.Error()
		} else {
			view.Chain = &snapshot
		}
	}
	writeJSON(w, http.StatusOK, view)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument 记录每个请求的状态码与耗时。
func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(started))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
