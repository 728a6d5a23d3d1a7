package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/lambdabear/powermax-b5120/internal/config"
	"github.com/lambdabear/powermax-b5120/pkg/protocol"
)

// Sink 时序数据写入端，必须支持任意多个会话并发调用
type Sink interface {
	Name() string
	Submit(ctx context.Context, p protocol.Point) error
	Close() error
}

// NewSink 按配置创建sink，多个时组合为MultiSink
func NewSink(cfg config.SinkConfig, log *logrus.Logger) (Sink, error) {
	var sinks []Sink
	for _, kind := range cfg.Kinds {
		s, err := newSink(kind, cfg, log)
		if err != nil {
			for _, created := range sinks {
				created.Close()
			}
			return nil, err
		}
		sinks = append(sinks, s)
	}

	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return NewMultiSink(sinks...), nil
}

func newSink(kind string, cfg config.SinkConfig, log *logrus.Logger) (Sink, error) {
	switch kind {
	case config.SinkInflux:
		return NewInfluxSink(cfg.Influx, log), nil
	case config.SinkRedis:
		return NewMessageQueue(cfg.Redis, log)
	case config.SinkMQTT:
		return NewMQTTSink(cfg.MQTT, log)
	case config.SinkLog:
		return NewLogSink(log), nil
	}
	return nil, fmt.Errorf("未知的sink类型: %s", kind)
}

// MultiSink 把同一个数据点写入多个sink
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Name() string { return "multi" }

// Submit 逐个写入，所有错误合并返回
func (m *MultiSink) Submit(ctx context.Context, p protocol.Point) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Submit(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *MultiSink) Close() error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink 只输出日志，无外部依赖时使用
type LogSink struct {
	log *logrus.Logger
}

func NewLogSink(log *logrus.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Name() string { return config.SinkLog }

func (s *LogSink) Submit(_ context.Context, p protocol.Point) error {
	s.log.WithFields(logrus.Fields{
		"device": p.Device,
		"metric": p.Metric,
		"value":  p.Value,
	}).Info("reading")
	return nil
}

func (s *LogSink) Close() error { return nil }
