package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/lambdabear/powermax-b5120/internal/config"
	"github.com/lambdabear/powermax-b5120/pkg/protocol"
)

const mqttConnectTimeout = 10 * time.Second

// MQTTSink 每个读数发布到 <prefix>/<device>/<metric>，载荷为数值文本
type MQTTSink struct {
	client   mqtt.Client
	prefix   string
	qos      byte
	retained bool
	log      *logrus.Logger
}

func NewMQTTSink(cfg config.MQTTConfig, log *logrus.Logger) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttConnectTimeout).
		SetOrderMatters(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warnf("MQTT连接断开: %v", err)
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("连接MQTT超时: %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("连接MQTT失败: %w", err)
	}

	log.Infof("MQTT连接成功: %s", cfg.Broker)

	return &MQTTSink{
		client:   client,
		prefix:   strings.TrimSuffix(cfg.TopicPrefix, "/"),
		qos:      cfg.QoS,
		retained: cfg.Retained,
		log:      log,
	}, nil
}

func (s *MQTTSink) Name() string { return config.SinkMQTT }

func (s *MQTTSink) Submit(ctx context.Context, p protocol.Point) error {
	token := s.client.Publish(Topic(s.prefix, p), s.qos, s.retained, FormatValue(p.Value))

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("发布MQTT消息失败: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("发布MQTT消息超时: %w", ctx.Err())
	}
}

func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}

// Topic 读数对应的主题
func Topic(prefix string, p protocol.Point) string {
	if prefix == "" {
		return p.Device + "/" + p.Metric
	}
	return prefix + "/" + p.Device + "/" + p.Metric
}

// FormatValue 最短十进制表示，整数不带小数点
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
