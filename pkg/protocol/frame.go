package protocol

import (
	"errors"
	"fmt"

	"github.com/sigurn/crc8"
)

const (
	// RequestHeader 请求帧头
	RequestHeader byte = 0x0A
	// RequestSize 请求帧长度
	RequestSize = 3
)

var (
	ErrTooShort         = errors.New("frame too short")
	ErrLengthMismatch   = errors.New("frame length mismatch")
	ErrChecksumMismatch = errors.New("frame checksum mismatch")
)

// CRC-8/SMBUS: poly 0x07, init 0x00, no reflection, xorout 0x00
var crcTable = crc8.MakeTable(crc8.CRC8)

// LengthError 响应长度与命令表不符
type LengthError struct {
	Expected int
	Actual   int
}

func (e *LengthError) Error() string {
	return fmt.Sprintf("%v: expected %d bytes, got %d", ErrLengthMismatch, e.Expected, e.Actual)
}

func (e *LengthError) Unwrap() error { return ErrLengthMismatch }

// ChecksumError 校验和错误
type ChecksumError struct {
	Received byte
	Computed byte
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("%v: received %#02x, computed %#02x", ErrChecksumMismatch, e.Received, e.Computed)
}

func (e *ChecksumError) Unwrap() error { return ErrChecksumMismatch }

// Checksum CRC-8/SMBUS
func Checksum(data []byte) byte {
	return crc8.Checksum(data, crcTable)
}

// BuildRequest 构造请求帧 [0x0A, cmd, len]
func BuildRequest(command, expectedLen byte) []byte {
	return []byte{RequestHeader, command, expectedLen}
}

// CheckLength 响应必须是 payload+1 字节，读多读少都属于分帧错误而非数据损坏
func CheckLength(response []byte, expectedLen byte) error {
	if len(response) != int(expectedLen)+1 {
		return &LengthError{Expected: int(expectedLen) + 1, Actual: len(response)}
	}
	return nil
}

// Validate 校验 request‖response 的CRC，返回去掉校验字节的payload
func Validate(request, response []byte) ([]byte, error) {
	total := make([]byte, 0, len(request)+len(response))
	total = append(total, request...)
	total = append(total, response...)

	n := len(total)
	if n <= RequestSize || len(response) == 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooShort, n)
	}

	computed := Checksum(total[:n-1])
	if computed != total[n-1] {
		return nil, &ChecksumError{Received: total[n-1], Computed: computed}
	}
	return response[:len(response)-1], nil
}

// EncodeResponse 按设备端规则生成响应帧 payload‖crc
func EncodeResponse(request, payload []byte) []byte {
	total := make([]byte, 0, len(request)+len(payload)+1)
	total = append(total, request...)
	total = append(total, payload...)

	out := make([]byte, len(payload), len(payload)+1)
	copy(out, payload)
	return append(out, Checksum(total))
}
