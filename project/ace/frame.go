package ace

import (
	"bytes"
	"encoding/binary"

	"k3mmu/common/logger"
)

const (
	FRAME_START_1  = 0xFF
	FRAME_START_2  = 0xAA
	FRAME_END      = 0xFE
	MIN_FRAME_SIZE = 7 // start(2) + len(2) + CRC(2) + end(1)
)

func calc_crc(buf []byte) uint16 {
	var crc uint16 = 0xffff
	for i := 0; i < len(buf); i++ {
		data := uint16(buf[i])
		data ^= crc & 0xff
		data ^= (data & 0x0f) << 4
		crc = ((data << 8) | (crc >> 8)) ^ (data >> 4) ^ (data << 3)
	}
	return crc
}

// EncodeFrame wraps a JSON payload: start bytes, little endian length,
// payload, little endian CRC, end byte.
func EncodeFrame(payload []byte) []byte {
	buf := make([]byte, 0, len(payload)+MIN_FRAME_SIZE)
	buf = append(buf, FRAME_START_1, FRAME_START_2)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(payload)))
	buf = append(buf, payload...)
	buf = binary.LittleEndian.AppendUint16(buf, calc_crc(payload))
	buf = append(buf, FRAME_END)
	return buf
}

// Decoder reassembles frames from a byte stream. Garbage between frames
// and frames failing their checks are dropped.
type Decoder struct {
	buf     []byte
	Dropped int
}

// Feed appends data and returns the payloads of every complete frame.
func (self *Decoder) Feed(data []byte) [][]byte {
	self.buf = append(self.buf, data...)
	var out [][]byte
	for {
		i := bytes.Index(self.buf, []byte{FRAME_START_1, FRAME_START_2})
		if i < 0 {
			// keep a trailing start byte, its partner may be in the next read
			if n := len(self.buf); n > 0 && self.buf[n-1] == FRAME_START_1 {
				self.buf = self.buf[n-1:]
			} else {
				self.buf = self.buf[:0]
			}
			return out
		}
		if i > 0 {
			logger.Debugf("ACE: skipping %d bytes before frame head", i)
			self.buf = self.buf[i:]
		}
		if len(self.buf) < 4 {
			return out
		}
		size := int(binary.LittleEndian.Uint16(self.buf[2:4]))
		total := size + MIN_FRAME_SIZE
		if len(self.buf) < total {
			return out
		}
		frame := self.buf[:total]
		if frame[total-1] != FRAME_END {
			logger.Errorf("Invalid data from ACE PRO (end bytes)")
			self.Dropped++
			self.buf = self.buf[2:]
			continue
		}
		payload := frame[4 : 4+size]
		if binary.LittleEndian.Uint16(frame[4+size:4+size+2]) != calc_crc(payload) {
			logger.Errorf("Invalid data from ACE PRO (CRC)")
			self.Dropped++
			self.buf = self.buf[2:]
			continue
		}
		out = append(out, append([]byte(nil), payload...))
		self.buf = self.buf[total:]
	}
}
