package protocol

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// DeviceIdentity 设备标识（48位MAC地址），连接建立时由BMS发送
type DeviceIdentity uint64

// IdentityLength 握手数据长度
const IdentityLength = 6

// IdentityFromBytes 大端解析48位标识，高位补零
func IdentityFromBytes(b []byte) (DeviceIdentity, error) {
	if len(b) != IdentityLength {
		return 0, fmt.Errorf("设备标识长度错误: %d bytes", len(b))
	}
	var buf [8]byte
	copy(buf[2:], b)
	return DeviceIdentity(binary.BigEndian.Uint64(buf[:])), nil
}

// String 规范格式，同时作为sink的location标签，例如 0x1a2b3c4d5e
func (id DeviceIdentity) String() string {
	return fmt.Sprintf("%#x", uint64(id))
}

// MAC 冒号分隔的硬件地址格式
func (id DeviceIdentity) MAC() string {
	return net.HardwareAddr(id.Bytes()).String()
}

// Bytes 线上6字节表示
func (id DeviceIdentity) Bytes() []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))
	return buf[2:]
}

// Unit 读数单位
type Unit string

const (
	UnitMillivolt    Unit = "mV"
	UnitCelsius      Unit = "°C"
	UnitMilliamp     Unit = "mA"
	UnitMilliampHour Unit = "mAh"
	UnitPercent      Unit = "%"
	UnitCount        Unit = ""
	UnitBitfield     Unit = "bitfield"
)

// Value 解码后的寄存器值
type Value interface {
	// Raw 设备原始整数
	Raw() int64
	// Float64 按读数单位换算后的物理量
	Float64() float64
}

type (
	Millivolts    uint16
	CentiDegrees  int16
	Milliamps     int32
	MilliampHours uint32
	Millivolts32  uint32
	RawStatus     uint16
	Count         uint16
)

func (v Millivolts) Raw() int64       { return int64(v) }
func (v Millivolts) Float64() float64 { return float64(v) }

func (v CentiDegrees) Raw() int64 { return int64(v) }

// Float64 摄氏度，保留小数部分
func (v CentiDegrees) Float64() float64 { return float64(v) / 100.0 }

func (v Milliamps) Raw() int64       { return int64(v) }
func (v Milliamps) Float64() float64 { return float64(v) }

func (v MilliampHours) Raw() int64       { return int64(v) }
func (v MilliampHours) Float64() float64 { return float64(v) }

func (v Millivolts32) Raw() int64       { return int64(v) }
func (v Millivolts32) Float64() float64 { return float64(v) }

func (v RawStatus) Raw() int64       { return int64(v) }
func (v RawStatus) Float64() float64 { return float64(v) }

func (v Count) Raw() int64       { return int64(v) }
func (v Count) Float64() float64 { return float64(v) }

// Reading 一条解码后的遥测数据
type Reading struct {
	Device  DeviceIdentity
	Command byte
	Metric  string
	Value   Value
	Unit    Unit
	Time    time.Time
}

// Point 转换为sink写入的数据点
func (r Reading) Point() Point {
	return Point{
		Device: r.Device.String(),
		Metric: r.Metric,
		Value:  r.Value.Float64(),
		Time:   r.Time,
	}
}

// String 日志输出格式
func (r Reading) String() string {
	switch v := r.Value.(type) {
	case RawStatus:
		return fmt.Sprintf("%s: %#04x", r.Metric, uint16(v))
	case CentiDegrees:
		return fmt.Sprintf("%s: %.2f%s", r.Metric, v.Float64(), r.Unit)
	default:
		return fmt.Sprintf("%s: %d%s", r.Metric, r.Value.Raw(), r.Unit)
	}
}

// Point sink数据点
type Point struct {
	Device string    `json:"device"`
	Metric string    `json:"metric"`
	Value  float64   `json:"value"`
	Time   time.Time `json:"timestamp"`
}
