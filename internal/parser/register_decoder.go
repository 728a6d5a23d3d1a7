package parser

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/lambdabear/powermax-b5120/pkg/protocol"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrPayloadLength  = errors.New("payload length does not match command table")
)

// Parser 寄存器解码器，无状态，可在多个会话间共享
type Parser struct {
	now func() time.Time
}

func NewParser() *Parser {
	return &Parser{now: time.Now}
}

// Decode 按命令码把载荷解码为类型化的值
func (p *Parser) Decode(command byte, payload []byte) (protocol.Value, error) {
	entry, ok := protocol.Lookup(command)
	if !ok {
		return nil, fmt.Errorf("%w: %#02x", ErrUnknownCommand, command)
	}
	return p.DecodeRule(entry.Rule, payload)
}

// DecodeRule 按解码规则解析大端载荷
func (p *Parser) DecodeRule(rule protocol.DecodeRule, payload []byte) (protocol.Value, error) {
	if len(payload) != int(rule.PayloadLen()) {
		return nil, fmt.Errorf("%w: %s needs %d bytes, got %d", ErrPayloadLength, rule, rule.PayloadLen(), len(payload))
	}

	switch rule {
	case protocol.RuleCellMillivolts:
		return protocol.Millivolts(binary.BigEndian.Uint16(payload)), nil
	case protocol.RuleCentiDegrees:
		return protocol.CentiDegrees(int16(binary.BigEndian.Uint16(payload))), nil
	case protocol.RulePackMillivolts:
		return protocol.Millivolts32(binary.BigEndian.Uint32(payload)), nil
	case protocol.RuleMilliamps:
		return protocol.Milliamps(int32(binary.BigEndian.Uint32(payload))), nil
	case protocol.RuleMilliampHours:
		return protocol.MilliampHours(binary.BigEndian.Uint32(payload)), nil
	case protocol.RuleCount:
		return protocol.Count(binary.BigEndian.Uint16(payload)), nil
	case protocol.RuleStatus:
		return protocol.RawStatus(binary.BigEndian.Uint16(payload)), nil
	}
	return nil, fmt.Errorf("%w: rule %s", ErrUnknownCommand, rule)
}

// Parse 完整处理一次往返：长度检查 -> CRC校验 -> 解码
func (p *Parser) Parse(device protocol.DeviceIdentity, entry protocol.Command, request, response []byte) (*protocol.Reading, error) {
	if err := protocol.CheckLength(response, entry.PayloadLen); err != nil {
		return nil, err
	}

	payload, err := protocol.Validate(request, response)
	if err != nil {
		return nil, err
	}

	value, err := p.DecodeRule(entry.Rule, payload)
	if err != nil {
		return nil, err
	}

	return &protocol.Reading{
		Device:  device,
		Command: entry.Code,
		Metric:  entry.Metric,
		Value:   value,
		Unit:    entry.Unit,
		Time:    p.now(),
	}, nil
}
