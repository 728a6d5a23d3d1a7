// Package simulator emulates a PowerMax B5120 BMS on the device side of the
// connection. It is used by cmd/bms-sim and by the session tests.
package simulator

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/lambdabear/powermax-b5120/pkg/protocol"
)

// Registers 设备寄存器值
type Registers struct {
	Cells             [16]uint16 // mV
	Temperatures      [3]int16   // 0.01°C
	TotalVoltage      uint32     // mV
	Current           int32      // mA
	FullCapacity      uint32     // mAh
	RemainingCapacity uint32     // mAh
	RSOC              uint16
	CycleCount        uint16
	PackStatus        uint16
	BatteryStatus     uint16
	PackConfig        uint16
}

// DefaultRegisters 一组合理的16串电池数据
func DefaultRegisters() Registers {
	r := Registers{
		Temperatures:      [3]int16{2345, 2410, 2298},
		Current:           -1520,
		FullCapacity:      100000,
		RemainingCapacity: 87500,
		RSOC:              87,
		CycleCount:        42,
		PackStatus:        0x0003,
		BatteryStatus:     0x0080,
		PackConfig:        0x1010,
	}
	for i := range r.Cells {
		r.Cells[i] = 3300 + uint16(i)
		r.TotalVoltage += uint32(r.Cells[i])
	}
	return r
}

// Faults 故障注入，计数从1开始
type Faults struct {
	// CorruptEvery 每N个响应破坏一次CRC
	CorruptEvery int
	// ExtraByteEvery 每N个响应多发一个字节
	ExtraByteEvery int
	// MaxResponses 发送N个响应后，读到下一个请求即断开
	MaxResponses int
}

// Device 模拟设备
type Device struct {
	Identity  protocol.DeviceIdentity
	Registers Registers
	Faults    Faults
	// Handshake 非空时替代标准6字节标识
	Handshake []byte
	Log       *logrus.Logger

	responses atomic.Int64
}

func NewDevice(identity protocol.DeviceIdentity) *Device {
	return &Device{
		Identity:  identity,
		Registers: DefaultRegisters(),
	}
}

// Responses 已发送响应数
func (d *Device) Responses() int { return int(d.responses.Load()) }

// Payload 命令对应的寄存器载荷
func (d *Device) Payload(cmd protocol.Command) []byte {
	r := d.Registers
	out := make([]byte, cmd.PayloadLen)

	switch {
	case cmd.Band == protocol.BandCellVoltage:
		binary.BigEndian.PutUint16(out, r.Cells[cmd.Code-protocol.CmdCellFirst])
	case cmd.Band == protocol.BandTemperature:
		binary.BigEndian.PutUint16(out, uint16(r.Temperatures[cmd.Code-protocol.CmdTemperatureFirst]))
	case cmd.Code == protocol.CmdTotalVoltage:
		binary.BigEndian.PutUint32(out, r.TotalVoltage)
	case cmd.Code == protocol.CmdCurrent:
		binary.BigEndian.PutUint32(out, uint32(r.Current))
	case cmd.Code == protocol.CmdFullCapacity:
		binary.BigEndian.PutUint32(out, r.FullCapacity)
	case cmd.Code == protocol.CmdRemainingCapacity:
		binary.BigEndian.PutUint32(out, r.RemainingCapacity)
	case cmd.Code == protocol.CmdRSOC:
		binary.BigEndian.PutUint16(out, r.RSOC)
	case cmd.Code == protocol.CmdCycleCount:
		binary.BigEndian.PutUint16(out, r.CycleCount)
	case cmd.Code == protocol.CmdPackStatus:
		binary.BigEndian.PutUint16(out, r.PackStatus)
	case cmd.Code == protocol.CmdBatteryStatus:
		binary.BigEndian.PutUint16(out, r.BatteryStatus)
	case cmd.Code == protocol.CmdPackConfig:
		binary.BigEndian.PutUint16(out, r.PackConfig)
	}
	return out
}

// Respond 生成一个请求的响应，应用故障注入
func (d *Device) Respond(request []byte) ([]byte, error) {
	if len(request) != protocol.RequestSize || request[0] != protocol.RequestHeader {
		return nil, fmt.Errorf("非法请求: % x", request)
	}
	cmd, ok := protocol.Lookup(request[1])
	if !ok {
		return nil, fmt.Errorf("未知命令: %#02x", request[1])
	}
	if request[2] != cmd.PayloadLen {
		return nil, fmt.Errorf("命令 %#02x 长度错误: %d", cmd.Code, request[2])
	}

	seq := int(d.responses.Add(1))
	resp := protocol.EncodeResponse(request, d.Payload(cmd))

	if every := d.Faults.CorruptEvery; every > 0 && seq%every == 0 {
		resp[len(resp)-1] ^= 0xFF
	}
	if every := d.Faults.ExtraByteEvery; every > 0 && seq%every == 0 {
		resp = append(resp, 0x00)
	}
	return resp, nil
}

// Serve 发送握手后应答请求，直到连接关闭或达到MaxResponses；结束时关闭连接
func (d *Device) Serve(conn net.Conn) error {
	defer conn.Close()

	hello := d.Handshake
	if hello == nil {
		hello = d.Identity.Bytes()
	}
	if _, err := conn.Write(hello); err != nil {
		return fmt.Errorf("发送设备标识失败: %w", err)
	}

	request := make([]byte, protocol.RequestSize)
	for {
		if _, err := io.ReadFull(conn, request); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		if limit := d.Faults.MaxResponses; limit > 0 && d.Responses() >= limit {
			return nil
		}

		resp, err := d.Respond(request)
		if err != nil {
			return err
		}
		if d.Log != nil {
			d.Log.Debugf("REQ: % x RESP: % x", request, resp)
		}
		if _, err := conn.Write(resp); err != nil {
			return fmt.Errorf("发送响应失败: %w", err)
		}
	}
}
