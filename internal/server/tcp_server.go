package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lambdabear/powermax-b5120/internal/config"
	"github.com/lambdabear/powermax-b5120/internal/handler"
	"github.com/lambdabear/powermax-b5120/internal/monitor"
	"github.com/lambdabear/powermax-b5120/internal/parser"
	"github.com/lambdabear/powermax-b5120/internal/storage"
)

const shutdownTimeout = 30 * time.Second

type TCPServer struct {
	config     *config.Config
	listener   net.Listener
	parser     *parser.Parser
	dispatcher *storage.Dispatcher
	monitor    *monitor.Monitor
	log        *logrus.Logger
	limiter    chan struct{}
	wg         sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*handler.Session
	ready    chan struct{}
}

// NewTCPServer sink由调用方创建，server关闭时负责Close
func NewTCPServer(cfg *config.Config, sink storage.Sink, log *logrus.Logger) *TCPServer {
	s := &TCPServer{
		config:     cfg,
		parser:     parser.NewParser(),
		dispatcher: storage.NewDispatcher(sink, cfg.Sink.SubmitTimeout, log),
		log:        log,
		limiter:    make(chan struct{}, cfg.Server.MaxConnections),
		sessions:   make(map[string]*handler.Session),
		ready:      make(chan struct{}),
	}
	s.monitor = monitor.NewMonitor(log, s)
	return s
}

// Addr 监听地址，Run开始监听前为nil
func (s *TCPServer) Addr() net.Addr {
	select {
	case <-s.ready:
		return s.listener.Addr()
	default:
		return nil
	}
}

// Ready 开始监听后关闭
func (s *TCPServer) Ready() <-chan struct{} { return s.ready }

// Sessions 当前会话快照
func (s *TCPServer) Sessions() []monitor.SessionInfo {
	s.mu.RLock()
	list := make([]monitor.SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		list = append(list, sess.Info())
	}
	s.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].StartedAt.Before(list[j].StartedAt) })
	return list
}

// Run 监听并接受连接直到ctx取消，然后优雅关闭
func (s *TCPServer) Run(ctx context.Context) error {
	if s.config.Monitor.Enabled {
		metricsSrv := s.monitor.StartMetricsServer(s.config.Monitor.MetricsPort)
		s.monitor.StartRuntimeMonitor(ctx.Done())
		defer metricsSrv.Close()
	}

	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)

	lc := net.ListenConfig{
		KeepAlive: s.config.Server.KeepAlive,
	}

	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		// 未接受任何连接，直接释放sink
		if cerr := s.dispatcher.Close(shutdownTimeout); cerr != nil {
			s.log.Errorf("关闭sink失败: %v", cerr)
		}
		return fmt.Errorf("监听失败: %w", err)
	}

	s.listener = listener
	close(s.ready)
	s.log.Infof("服务器启动成功: %s (最大连接: %d)", listener.Addr(), s.config.Server.MaxConnections)

	go func() {
		<-ctx.Done()
		s.log.Info("停止接受新连接")
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Errorf("接受连接错误: %v", err)
			continue
		}

		// 连接数限制
		select {
		case s.limiter <- struct{}{}:
			s.wg.Add(1)
			go s.handleConnection(ctx, conn)
		default:
			s.log.Warn("达到最大连接数，拒绝连接")
			conn.Close()
		}
	}

	return s.shutdown()
}

func (s *TCPServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer func() {
		<-s.limiter
		s.wg.Done()
	}()

	sess := handler.NewSession(
		conn,
		s.parser,
		s.dispatcher,
		s.config.Session,
		s.config.Server.BufferSize,
		s.log,
	)

	s.mu.Lock()
	s.sessions[sess.ID()] = sess
	s.mu.Unlock()
	monitor.ActiveSessions.Inc()
	monitor.TotalSessions.Inc()
	s.log.Infof("新连接: %s", conn.RemoteAddr())

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.ID())
		s.mu.Unlock()
		monitor.ActiveSessions.Dec()
	}()

	// 错误已在会话内记录
	sess.Run(ctx)
}

func (s *TCPServer) shutdown() error {
	// 等待现有会话退出（ctx已取消）
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("所有连接已关闭")
	case <-time.After(shutdownTimeout):
		s.log.Warn("关闭超时，强制退出")
	}

	if err := s.dispatcher.Close(shutdownTimeout); err != nil {
		s.log.Errorf("关闭sink失败: %v", err)
		return err
	}

	s.log.Info("服务器已关闭")
	return nil
}
