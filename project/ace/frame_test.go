package ace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTripAndResync(t *testing.T) {
	payload := []byte(`{"id":7,"method":"get_status"}`)
	frame := EncodeFrame(payload)
	assert.Equal(t, byte(FRAME_START_1), frame[0])
	assert.Equal(t, byte(FRAME_START_2), frame[1])
	assert.Equal(t, byte(len(payload)), frame[2])
	assert.Equal(t, byte(FRAME_END), frame[len(frame)-1])

	dec := &Decoder{}
	// split across reads with garbage ahead
	stream := append([]byte{0x00, 0x13}, frame...)
	assert.Empty(t, dec.Feed(stream[:5]))
	got := dec.Feed(stream[5:])
	require.Len(t, got, 1)
	assert.Equal(t, payload, got[0])

	// corrupt CRC is dropped, the next frame still decodes
	bad := EncodeFrame(payload)
	bad[len(bad)-2] ^= 0xFF
	got = dec.Feed(append(bad, frame...))
	require.Len(t, got, 1)
	assert.Equal(t, 1, dec.Dropped)
}

func TestCRCMatchesKnownValue(t *testing.T) {
	// CRC-16/MCRF4XX check value
	assert.Equal(t, uint16(0x6f91), calc_crc([]byte("123456789")))
	assert.Equal(t, uint16(0xffff), calc_crc(nil))
}

func TestReconnectBackoff(t *testing.T) {
	assert.Less(t, calc_reconnect_timeout(1), calc_reconnect_timeout(RECONNECT_COUNT))
	assert.Greater(t, calc_reconnect_timeout(1), time.Duration(0))
}
