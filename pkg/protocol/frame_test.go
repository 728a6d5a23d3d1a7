package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumSMBusCheckValue(t *testing.T) {
	assert.Equal(t, byte(0xF4), Checksum([]byte("123456789")))
	assert.Equal(t, byte(0x00), Checksum(nil))
}

func TestBuildRequest(t *testing.T) {
	assert.Equal(t, []byte{0x0A, 0x01, 0x02}, BuildRequest(0x01, 2))
	assert.Equal(t, []byte{0x0A, 0x12, 0x04}, BuildRequest(CmdCurrent, 4))
}

func TestValidateAcceptsEncodedResponses(t *testing.T) {
	for _, c := range Commands() {
		req := c.Request()
		payload := make([]byte, c.PayloadLen)
		for i := range payload {
			payload[i] = byte(i*37) ^ c.Code
		}
		resp := EncodeResponse(req, payload)
		require.Len(t, resp, int(c.PayloadLen)+1)

		require.NoError(t, CheckLength(resp, c.PayloadLen), "cmd %#02x", c.Code)
		got, err := Validate(req, resp)
		require.NoError(t, err, "cmd %#02x", c.Code)
		assert.Equal(t, payload, got)
	}
}

func TestValidatePerturbedTrailer(t *testing.T) {
	req := BuildRequest(0x05, 2)
	resp := EncodeResponse(req, []byte{0x0C, 0xE4})

	for delta := 1; delta < 256; delta++ {
		bad := append([]byte(nil), resp...)
		bad[len(bad)-1] += byte(delta)

		_, err := Validate(req, bad)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrChecksumMismatch))

		var ce *ChecksumError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, resp[len(resp)-1], ce.Computed)
		assert.Equal(t, bad[len(bad)-1], ce.Received)
	}
}

func TestValidateTooShort(t *testing.T) {
	_, err := Validate(BuildRequest(0x01, 2), nil)
	assert.ErrorIs(t, err, ErrTooShort)

	_, err = Validate([]byte{0x0A}, []byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrTooShort)
}

func TestCheckLength(t *testing.T) {
	req := BuildRequest(0x01, 2)
	resp := EncodeResponse(req, []byte{0x00, 0x01})

	assert.NoError(t, CheckLength(resp, 2))

	// 多一个字节属于分帧错误，不能当作校验错误
	long := append(append([]byte(nil), resp...), 0x00)
	err := CheckLength(long, 2)
	require.ErrorIs(t, err, ErrLengthMismatch)
	assert.False(t, errors.Is(err, ErrChecksumMismatch))

	var le *LengthError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, 3, le.Expected)
	assert.Equal(t, 4, le.Actual)

	assert.ErrorIs(t, CheckLength(resp[:2], 2), ErrLengthMismatch)
	assert.ErrorIs(t, CheckLength(nil, 4), ErrLengthMismatch)
}
