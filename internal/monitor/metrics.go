package monitor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// 帧处理结果标签
const (
	FrameOK               = "ok"
	FrameLengthMismatch   = "length_mismatch"
	FrameChecksumMismatch = "checksum_mismatch"
)

var (
	// 会话指标
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bms_active_sessions",
		Help: "当前活跃设备会话数",
	})

	TotalSessions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bms_sessions_total",
		Help: "接受的连接总数",
	})

	HandshakeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bms_handshake_failures_total",
		Help: "握手失败次数",
	})

	// 协议指标
	Frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bms_frames_total",
			Help: "按结果统计的响应帧数",
		},
		[]string{"result"},
	)

	BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bms_bytes_received_total",
		Help: "接收的字节总数",
	})

	Readings = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bms_readings_total",
			Help: "解码成功的读数",
		},
		[]string{"device_id", "metric"},
	)

	RoundTripDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bms_round_trip_duration_seconds",
		Help:    "单条命令往返耗时（含等待）",
		Buckets: prometheus.DefBuckets,
	})

	// Sink指标
	SinkSubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bms_sink_submissions_total",
			Help: "sink写入次数",
		},
		[]string{"sink", "result"},
	)

	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bms_goroutines",
		Help: "当前Goroutine数量",
	})

	MemoryUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bms_memory_usage_bytes",
		Help: "内存使用量",
	})
)

var registerOnce sync.Once

// SessionLister 提供当前会话快照，由server实现
type SessionLister interface {
	Sessions() []SessionInfo
}

// SessionInfo 会话快照
type SessionInfo struct {
	ID        string    `json:"id"`
	Device    string    `json:"device,omitempty"`
	MAC       string    `json:"mac,omitempty"`
	Remote    string    `json:"remote"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
	Cycles    uint64    `json:"cycles"`
	Readings  uint64    `json:"readings"`
}

type Monitor struct {
	log      *logrus.Logger
	sessions SessionLister
}

func NewMonitor(log *logrus.Logger, sessions SessionLister) *Monitor {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ActiveSessions,
			TotalSessions,
			HandshakeFailures,
			Frames,
			BytesReceived,
			Readings,
			RoundTripDuration,
			SinkSubmissions,
			GoroutineCount,
			MemoryUsage,
		)
	})

	return &Monitor{log: log, sessions: sessions}
}

// Routes 监控HTTP路由
func (m *Monitor) Routes() http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Get("/sessions", m.handleSessions)
	r.Get("/sessions/{id}", m.handleSession)
	return r
}

func (m *Monitor) handleSessions(w http.ResponseWriter, r *http.Request) {
	list := []SessionInfo{}
	if m.sessions != nil {
		list = append(list, m.sessions.Sessions()...)
	}
	m.writeJSON(w, http.StatusOK, list)
}

func (m *Monitor) handleSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if m.sessions != nil {
		for _, s := range m.sessions.Sessions() {
			// 会话ID或设备标识都可以
			if s.ID == id || (s.Device != "" && s.Device == id) {
				m.writeJSON(w, http.StatusOK, s)
				return
			}
		}
	}
	http.Error(w, "session not found", http.StatusNotFound)
}

func (m *Monitor) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.log.Warnf("写入响应失败: %v", err)
	}
}

// StartMetricsServer 启动Metrics HTTP服务器
func (m *Monitor) StartMetricsServer(port int) *http.Server {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           m.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	m.log.Infof("Metrics服务器启动: %s", addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.log.Errorf("Metrics服务器错误: %v", err)
		}
	}()
	return srv
}

// StartRuntimeMonitor 启动运行时监控，stop关闭后退出
func (m *Monitor) StartRuntimeMonitor(stop <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Second)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}

			GoroutineCount.Set(float64(runtime.NumGoroutine()))

			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			MemoryUsage.Set(float64(memStats.Alloc))

			m.log.Debugf("Goroutines: %d, 内存: %.2f MB",
				runtime.NumGoroutine(),
				float64(memStats.Alloc)/1024/1024,
			)
		}
	}()
}
