package rudp

import "encoding/binary"

// Wire commands, little-endian on the wire, one byte each.
const (
	cmdPush uint8 = 81 // data
	cmdAck  uint8 = 82 // acknowledgement
	cmdWAsk uint8 = 83 // window probe (ask)
	cmdWIns uint8 = 84 // window size (tell)
)

// headerSize is the fixed 24-byte segment header: conv,cmd,frg,wnd,ts,sn,una,len.
const headerSize = 24

func put8(p []byte, v uint8) []byte {
	p[0] = v
	return p[1:]
}

func get8(p []byte, v *uint8) []byte {
	*v = p[0]
	return p[1:]
}

func put16(p []byte, v uint16) []byte {
	binary.LittleEndian.PutUint16(p, v)
	return p[2:]
}

func get16(p []byte, v *uint16) []byte {
	*v = binary.LittleEndian.Uint16(p)
	return p[2:]
}

func put32(p []byte, v uint32) []byte {
	binary.LittleEndian.PutUint32(p, v)
	return p[4:]
}

func get32(p []byte, v *uint32) []byte {
	*v = binary.LittleEndian.Uint32(p)
	return p[4:]
}

// header is the on-wire form of a segment, decoded/encoded in the
// field order conv,cmd,frg,wnd,ts,sn,una,len.
type header struct {
	conv uint32
	cmd  uint8
	frg  uint8
	wnd  uint16
	ts   uint32
	sn   uint32
	una  uint32
	len  uint32
}

// encode writes h into p and returns the unwritten remainder of p.
func (h *header) encode(p []byte) []byte {
	p = put32(p, h.conv)
	p = put8(p, h.cmd)
	p = put8(p, h.frg)
	p = put16(p, h.wnd)
	p = put32(p, h.ts)
	p = put32(p, h.sn)
	p = put32(p, h.una)
	p = put32(p, h.len)
	return p
}

// decodeHeader reads a header from p and returns the unread remainder of p.
// Caller must ensure len(p) >= headerSize.
func decodeHeader(p []byte, h *header) []byte {
	p = get32(p, &h.conv)
	p = get8(p, &h.cmd)
	p = get8(p, &h.frg)
	p = get16(p, &h.wnd)
	p = get32(p, &h.ts)
	p = get32(p, &h.sn)
	p = get32(p, &h.una)
	p = get32(p, &h.len)
	return p
}

// GetConv extracts the conversation id from the first 4 bytes of buf,
// used to demultiplex an inbound datagram to the right Engine. ok is
// false if buf is too short to contain a conv field.
func GetConv(buf []byte) (conv uint32, ok bool) {
	if len(buf) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(buf), true
}

// itimediff returns later-earlier reinterpreted as signed 32-bit, the
// modular comparator every sn/ts comparison in this package must go
// through instead of native unsigned less-than.
func itimediff(later, earlier uint32) int32 {
	return int32(later - earlier)
}

func imin(a, b uint32) uint32 {
	if a <= b {
		return a
	}
	return b
}

func imax(a, b uint32) uint32 {
	if a >= b {
		return a
	}
	return b
}

func ibound(lower, middle, upper uint32) uint32 {
	return imin(imax(lower, middle), upper)
}
