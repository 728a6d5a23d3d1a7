package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// 支持的sink类型
const (
	SinkInflux = "influx"
	SinkRedis  = "redis"
	SinkMQTT   = "mqtt"
	SinkLog    = "log"
)

// 敏感配置只从环境变量覆盖，不写入代码
const (
	EnvInfluxToken   = "BMS_INFLUX_TOKEN"
	EnvRedisPassword = "BMS_REDIS_PASSWORD"
	EnvMQTTPassword  = "BMS_MQTT_PASSWORD"
)

type Config struct {
	Server  ServerConfig  `yaml:"server" toml:"server"`
	Session SessionConfig `yaml:"session" toml:"session"`
	Sink    SinkConfig    `yaml:"sink" toml:"sink"`
	Log     LogConfig     `yaml:"log" toml:"log"`
	Monitor MonitorConfig `yaml:"monitor" toml:"monitor"`
}

type ServerConfig struct {
	Host           string        `yaml:"host" toml:"host"`
	Port           int           `yaml:"port" toml:"port" validate:"min=1,max=65535"`
	MaxConnections int           `yaml:"max_connections" toml:"max_connections" validate:"min=1"`
	KeepAlive      time.Duration `yaml:"keep_alive" toml:"keep_alive" validate:"min=0"`
	BufferSize     int           `yaml:"buffer_size" toml:"buffer_size" validate:"min=16"`
}

// SessionConfig 设备会话参数
type SessionConfig struct {
	// MessageDelay 读响应前、下一条命令前的等待时间
	MessageDelay time.Duration `yaml:"message_delay" toml:"message_delay" validate:"min=0"`
	ReadTimeout  time.Duration `yaml:"read_timeout" toml:"read_timeout" validate:"gt=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" toml:"write_timeout" validate:"gt=0"`
}

type SinkConfig struct {
	Kinds         []string      `yaml:"kinds" toml:"kinds" validate:"min=1,dive,oneof=influx redis mqtt log"`
	SubmitTimeout time.Duration `yaml:"submit_timeout" toml:"submit_timeout" validate:"gt=0"`
	Influx        InfluxConfig  `yaml:"influx" toml:"influx"`
	Redis         RedisConfig   `yaml:"redis" toml:"redis"`
	MQTT          MQTTConfig    `yaml:"mqtt" toml:"mqtt"`
}

type InfluxConfig struct {
	URL         string `yaml:"url" toml:"url"`
	Token       string `yaml:"token" toml:"token"`
	Org         string `yaml:"org" toml:"org"`
	Bucket      string `yaml:"bucket" toml:"bucket"`
	Measurement string `yaml:"measurement" toml:"measurement"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	PoolSize int    `yaml:"pool_size" toml:"pool_size"`
	Channel  string `yaml:"channel" toml:"channel"`
}

type MQTTConfig struct {
	Broker      string `yaml:"broker" toml:"broker"`
	ClientID    string `yaml:"client_id" toml:"client_id"`
	Username    string `yaml:"username" toml:"username"`
	Password    string `yaml:"password" toml:"password"`
	TopicPrefix string `yaml:"topic_prefix" toml:"topic_prefix"`
	QoS         byte   `yaml:"qos" toml:"qos" validate:"max=2"`
	Retained    bool   `yaml:"retained" toml:"retained"`
}

type LogConfig struct {
	Level    string `yaml:"level" toml:"level"`
	Format   string `yaml:"format" toml:"format" validate:"omitempty,oneof=json text"`
	Output   string `yaml:"output" toml:"output" validate:"omitempty,oneof=stdout file"`
	FilePath string `yaml:"file_path" toml:"file_path"`
}

type MonitorConfig struct {
	Enabled     bool `yaml:"enabled" toml:"enabled"`
	MetricsPort int  `yaml:"metrics_port" toml:"metrics_port" validate:"min=0,max=65535"`
}

// Has 是否启用了某种sink
func (s SinkConfig) Has(kind string) bool {
	for _, k := range s.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// LoadConfig 加载配置文件，按扩展名选择yaml或toml，未设置的字段使用默认值
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	config := GetDefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), config); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("解析配置文件失败: %w", err)
		}
	}

	config.applyEnv()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvInfluxToken); v != "" {
		c.Sink.Influx.Token = v
	}
	if v := os.Getenv(EnvRedisPassword); v != "" {
		c.Sink.Redis.Password = v
	}
	if v := os.Getenv(EnvMQTTPassword); v != "" {
		c.Sink.MQTT.Password = v
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	if c.Sink.Has(SinkInflux) {
		in := c.Sink.Influx
		if in.URL == "" || in.Org == "" || in.Bucket == "" || in.Measurement == "" {
			return fmt.Errorf("配置校验失败: influx sink 需要 url/org/bucket/measurement")
		}
	}
	if c.Sink.Has(SinkRedis) && (c.Sink.Redis.Addr == "" || c.Sink.Redis.Channel == "") {
		return fmt.Errorf("配置校验失败: redis sink 需要 addr/channel")
	}
	if c.Sink.Has(SinkMQTT) && c.Sink.MQTT.Broker == "" {
		return fmt.Errorf("配置校验失败: mqtt sink 需要 broker")
	}
	return nil
}

// GetDefaultConfig 返回默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           30278,
			MaxConnections: 1024,
			KeepAlive:      180 * time.Second,
			BufferSize:     1024,
		},
		Session: SessionConfig{
			MessageDelay: 1 * time.Second,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Sink: SinkConfig{
			Kinds:         []string{SinkLog},
			SubmitTimeout: 10 * time.Second,
			Influx: InfluxConfig{
				URL:         "http://localhost:9999",
				Org:         "kideasoft",
				Bucket:      "env-sensor-data",
				Measurement: "powermax_b5120",
			},
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				PoolSize: 100,
				Channel:  "bms_readings",
			},
			MQTT: MQTTConfig{
				Broker:      "tcp://localhost:1883",
				ClientID:    "bms-gateway",
				TopicPrefix: "bms",
				QoS:         1,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Monitor: MonitorConfig{
			Enabled:     true,
			MetricsPort: 9090,
		},
	}
}
