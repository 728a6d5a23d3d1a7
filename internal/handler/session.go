package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lambdabear/powermax-b5120/internal/config"
	"github.com/lambdabear/powermax-b5120/internal/monitor"
	"github.com/lambdabear/powermax-b5120/internal/parser"
	"github.com/lambdabear/powermax-b5120/pkg/protocol"
)

// ErrHandshake 握手数据不是6字节
var ErrHandshake = errors.New("malformed handshake")

// State 会话状态
type State int32

const (
	StateAwaitingHandshake State = iota
	StatePolling
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingHandshake:
		return "awaiting_handshake"
	case StatePolling:
		return "polling"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Dispatcher 读数的异步去向，实现不能阻塞
type Dispatcher interface {
	Dispatch(r protocol.Reading)
}

// Session 一个设备连接：握手后按命令表循环轮询，直到连接出错或对端关闭
type Session struct {
	id       string
	conn     net.Conn
	remote   string
	parser   *parser.Parser
	sink     Dispatcher
	commands []protocol.Command
	cfg      config.SessionConfig
	log      *logrus.Entry
	buf      []byte

	started  time.Time
	state    atomic.Int32
	cycles   atomic.Uint64
	readings atomic.Uint64

	mu         sync.RWMutex
	identity   protocol.DeviceIdentity
	identified bool
}

func NewSession(
	conn net.Conn,
	parser *parser.Parser,
	sink Dispatcher,
	cfg config.SessionConfig,
	bufferSize int,
	log *logrus.Logger,
) *Session {
	id := uuid.NewString()
	remote := conn.RemoteAddr().String()
	if bufferSize < protocol.IdentityLength+1 {
		bufferSize = 1024
	}

	s := &Session{
		id:       id,
		conn:     conn,
		remote:   remote,
		parser:   parser,
		sink:     sink,
		commands: protocol.Commands(),
		cfg:      cfg,
		log:      log.WithFields(logrus.Fields{"session": id, "remote": remote}),
		buf:      make([]byte, bufferSize),
		started:  time.Now(),
	}
	s.state.Store(int32(StateAwaitingHandshake))
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// Identity 握手完成前为0
func (s *Session) Identity() protocol.DeviceIdentity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// Info 会话快照
func (s *Session) Info() monitor.SessionInfo {
	info := monitor.SessionInfo{
		ID:        s.id,
		Remote:    s.remote,
		State:     s.State().String(),
		StartedAt: s.started,
		Cycles:    s.cycles.Load(),
		Readings:  s.readings.Load(),
	}
	s.mu.RLock()
	if s.identified {
		info.Device = s.identity.String()
		info.MAC = s.identity.MAC()
	}
	s.mu.RUnlock()
	return info
}

// Run 处理连接直到结束，返回时连接已关闭。
// 对端关闭或ctx取消返回nil；握手错误返回ErrHandshake；其他为传输错误。
func (s *Session) Run(ctx context.Context) (err error) {
	// ctx取消时关闭连接，阻塞中的读写立即返回
	stop := context.AfterFunc(ctx, func() {
		s.conn.Close()
	})

	defer func() {
		stop()
		s.state.Store(int32(StateClosed))
		s.conn.Close()
		if ctx.Err() != nil {
			err = nil
		}
		if err != nil {
			s.log.Warnf("会话结束: %v", err)
		} else {
			s.log.Info("会话结束")
		}
	}()

	identity, err := s.handshake()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}

	s.mu.Lock()
	s.identity = identity
	s.identified = true
	s.mu.Unlock()
	s.log = s.log.WithField("device", identity.String())
	s.state.Store(int32(StatePolling))

	// TODO: 设备认证，协议目前只提供标识
	s.log.Infof("设备已连接: %s (%s)", identity, identity.MAC())

	err = s.poll(ctx, identity)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Session) handshake() (protocol.DeviceIdentity, error) {
	n, err := s.read()
	if err != nil {
		return 0, err
	}

	if n != protocol.IdentityLength {
		monitor.HandshakeFailures.Inc()
		s.log.Warnf("设备标识错误, 数据: % x", s.buf[:n])
		return 0, fmt.Errorf("%w: %d bytes", ErrHandshake, n)
	}
	return protocol.IdentityFromBytes(s.buf[:n])
}

func (s *Session) poll(ctx context.Context, identity protocol.DeviceIdentity) error {
	for {
		for _, cmd := range s.commands {
			if err := s.roundTrip(ctx, identity, cmd); err != nil {
				return err
			}
		}
		s.cycles.Add(1)
	}
}

// roundTrip 一条命令：写请求 -> 等待 -> 读响应 -> 校验解码 -> 等待。
// 只有传输错误会返回；长度和校验错误跳过本条读数。
func (s *Session) roundTrip(ctx context.Context, identity protocol.DeviceIdentity, cmd protocol.Command) error {
	start := time.Now()
	request := cmd.Request()

	if err := s.write(request); err != nil {
		return err
	}

	if err := s.sleep(ctx); err != nil {
		return err
	}

	n, err := s.read()
	if err != nil {
		return err
	}
	response := s.buf[:n]

	reading, err := s.parser.Parse(identity, cmd, request, response)
	switch {
	case errors.Is(err, protocol.ErrLengthMismatch):
		monitor.Frames.WithLabelValues(monitor.FrameLengthMismatch).Inc()
		s.log.Debugf("命令 %#02x 响应长度错误: %v, 数据: % x", cmd.Code, err, response)
	case errors.Is(err, protocol.ErrChecksumMismatch):
		monitor.Frames.WithLabelValues(monitor.FrameChecksumMismatch).Inc()
		s.log.Warnf("命令 %#02x CRC-8校验错误: %v", cmd.Code, err)
	case err != nil:
		// 命令表与解码规则不一致，属于程序错误，跳过本条
		s.log.Errorf("命令 %#02x 解码失败: %v", cmd.Code, err)
	default:
		monitor.Frames.WithLabelValues(monitor.FrameOK).Inc()
		monitor.Readings.WithLabelValues(identity.String(), reading.Metric).Inc()
		s.readings.Add(1)
		s.log.Debug(reading.String())
		s.sink.Dispatch(*reading)
	}

	monitor.RoundTripDuration.Observe(time.Since(start).Seconds())
	return s.sleep(ctx)
}

// read 单次读取，0字节或对端已关闭都视为对端关闭
func (s *Session) read() (int, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
		if peerClosed(err) {
			return 0, io.EOF
		}
		return 0, fmt.Errorf("设置读超时失败: %w", err)
	}

	n, err := s.conn.Read(s.buf)
	if n > 0 {
		// 同时返回的错误会在下一次读取时再次出现
		monitor.BytesReceived.Add(float64(n))
		return n, nil
	}
	if err == nil || peerClosed(err) {
		return 0, io.EOF
	}
	return 0, fmt.Errorf("读取失败: %w", err)
}

// peerClosed net.Pipe在对端关闭后对读和设置超时都返回io.ErrClosedPipe
func peerClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)
}

func (s *Session) write(b []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("设置写超时失败: %w", err)
	}
	if _, err := s.conn.Write(b); err != nil {
		return fmt.Errorf("发送失败: %w", err)
	}
	return nil
}

// sleep 命令间隔，可被ctx打断
func (s *Session) sleep(ctx context.Context) error {
	if s.cfg.MessageDelay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.cfg.MessageDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
