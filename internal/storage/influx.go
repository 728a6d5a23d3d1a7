package storage

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/sirupsen/logrus"

	"github.com/lambdabear/powermax-b5120/internal/config"
	"github.com/lambdabear/powermax-b5120/pkg/protocol"
)

// InfluxSink 写入InfluxDB v2，每个读数一个点：<measurement>,location=<device> <metric>=<value>
type InfluxSink struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPIBlocking
	measurement string
	log         *logrus.Logger
}

func NewInfluxSink(cfg config.InfluxConfig, log *logrus.Logger) *InfluxSink {
	opts := influxdb2.DefaultOptions().SetPrecision(time.Millisecond)
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	log.Infof("InfluxDB sink: %s org=%s bucket=%s", cfg.URL, cfg.Org, cfg.Bucket)

	return &InfluxSink{
		client:      client,
		writeAPI:    client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		measurement: cfg.Measurement,
		log:         log,
	}
}

func (s *InfluxSink) Name() string { return config.SinkInflux }

func (s *InfluxSink) Submit(ctx context.Context, p protocol.Point) error {
	ts := p.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	point := influxdb2.NewPoint(
		s.measurement,
		map[string]string{"location": p.Device},
		map[string]interface{}{p.Metric: p.Value},
		ts,
	)
	if err := s.writeAPI.WritePoint(ctx, point); err != nil {
		return fmt.Errorf("写入InfluxDB失败: %w", err)
	}
	return nil
}

func (s *InfluxSink) Close() error {
	s.client.Close()
	return nil
}
