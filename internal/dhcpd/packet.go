package dhcpd

import (
	"encoding/binary"
	"errors"
	"net"
	"sort"
	"time"
)

// RFC 2131 fixed header: 236 bytes, followed by the 4-byte magic cookie,
// followed by options. Frames shorter than header+cookie are rejected.
const (
	fixedHeaderLen = 236
	minPacketLen   = fixedHeaderLen + 4
	// Some client stacks drop DHCP frames shorter than the BOOTP minimum,
	// so every built frame is zero-padded up to this size.
	minFrameSize = 300
)

var magicCookie = [4]byte{99, 130, 83, 99}

var (
	ErrPacketTooShort = errors.New("dhcpd: packet shorter than fixed header")
	ErrNoMagicCookie  = errors.New("dhcpd: magic cookie missing before options")
)

// Message is one parsed or to-be-built DHCP frame.
type Message struct {
	Op     OpCode
	HType  byte
	HLen   byte
	Hops   byte
	XID    uint32
	Secs   uint16
	Flags  uint16
	CIAddr net.IP
	YIAddr net.IP
	SIAddr net.IP
	GIAddr net.IP
	CHAddr [16]byte
	SName  string
	File   string

	Options Options
}

// ParsePacket decodes a raw UDP payload into a Message. It fails only when
// the buffer cannot hold the fixed header plus cookie or the cookie is wrong;
// a malformed option area truncates option parsing but never fails the frame.
func ParsePacket(data []byte) (*Message, error) {
	if len(data) < minPacketLen {
		return nil, ErrPacketTooShort
	}
	if [4]byte(data[fixedHeaderLen:minPacketLen]) != magicCookie {
		return nil, ErrNoMagicCookie
	}

	m := &Message{
		Op:      OpCode(data[0]),
		HType:   data[1],
		HLen:    data[2],
		Hops:    data[3],
		XID:     binary.BigEndian.Uint32(data[4:8]),
		Secs:    binary.BigEndian.Uint16(data[8:10]),
		Flags:   binary.BigEndian.Uint16(data[10:12]),
		CIAddr:  cloneIP(net.IP(data[12:16])),
		YIAddr:  cloneIP(net.IP(data[16:20])),
		SIAddr:  cloneIP(net.IP(data[20:24])),
		GIAddr:  cloneIP(net.IP(data[24:28])),
		SName:   trimNull(data[44:108]),
		File:    trimNull(data[108:236]),
		Options: make(Options),
	}
	copy(m.CHAddr[:], data[28:44])

	opts := data[minPacketLen:]
	for len(opts) > 0 {
		code := OptionCode(opts[0])
		if code == OptionEnd {
			break
		}
		if code == OptionPad {
			opts = opts[1:]
			continue
		}
		if len(opts) < 2 {
			break
		}
		size := int(opts[1])
		if len(opts) < 2+size {
			// Declared length overruns the buffer: keep what was read.
			break
		}
		val := make([]byte, size)
		copy(val, opts[2:2+size])
		m.Options[code] = val
		opts = opts[2+size:]
	}

	return m, nil
}

// Bytes serializes the message: fixed header, cookie, options as
// (code, length, value) with an explicit End, zero-padded to 300 bytes.
func (m *Message) Bytes() []byte {
	buf := make([]byte, minPacketLen, minFrameSize)
	buf[0] = byte(m.Op)
	buf[1] = m.HType
	buf[2] = m.HLen
	buf[3] = m.Hops
	binary.BigEndian.PutUint32(buf[4:8], m.XID)
	binary.BigEndian.PutUint16(buf[8:10], m.Secs)
	binary.BigEndian.PutUint16(buf[10:12], m.Flags)
	copyIPv4(buf[12:16], m.CIAddr)
	copyIPv4(buf[16:20], m.YIAddr)
	copyIPv4(buf[20:24], m.SIAddr)
	copyIPv4(buf[24:28], m.GIAddr)
	copy(buf[28:44], m.CHAddr[:])
	copy(buf[44:108], m.SName)
	copy(buf[108:236], m.File)
	copy(buf[236:240], magicCookie[:])

	// The message type conventionally leads; the rest go out in ascending
	// code order so output is deterministic.
	codes := make([]int, 0, len(m.Options))
	for code := range m.Options {
		if code != OptionDHCPMessageType {
			codes = append(codes, int(code))
		}
	}
	sort.Ints(codes)
	if v, ok := m.Options[OptionDHCPMessageType]; ok {
		buf = appendOption(buf, OptionDHCPMessageType, v)
	}
	for _, code := range codes {
		buf = appendOption(buf, OptionCode(code), m.Options[OptionCode(code)])
	}
	buf = append(buf, byte(OptionEnd))

	for len(buf) < minFrameSize {
		buf = append(buf, 0)
	}
	return buf
}

func appendOption(buf []byte, code OptionCode, value []byte) []byte {
	buf = append(buf, byte(code), byte(len(value)))
	return append(buf, value...)
}

func copyIPv4(dst []byte, ip net.IP) {
	if v4 := ip.To4(); v4 != nil {
		copy(dst, v4)
	}
}

func trimNull(d []byte) string {
	for i, v := range d {
		if v == 0 {
			return string(d[:i])
		}
	}
	return string(d)
}

// MessageType returns option 53, or 0 when absent.
func (m *Message) MessageType() MessageType {
	if v := m.Options.Get(OptionDHCPMessageType); len(v) == 1 {
		return MessageType(v[0])
	}
	return 0
}

// HardwareAddr returns the client hardware address, clamped to hlen.
func (m *Message) HardwareAddr() net.HardwareAddr {
	n := int(m.HLen)
	if n > 16 {
		n = 16
	}
	if n == 0 {
		n = 6
	}
	return net.HardwareAddr(m.CHAddr[:n])
}

// ClientID returns the normalized client identity used as the lease key.
func (m *Message) ClientID() string {
	return normalizeMAC(m.HardwareAddr())
}

// RequestedIP returns option 50, or nil when absent or malformed.
func (m *Message) RequestedIP() net.IP {
	if v := m.Options.Get(OptionRequestedIPAddress); len(v) == 4 {
		return cloneIP(net.IP(v))
	}
	return nil
}

// ServerID returns option 54, or nil when absent or malformed.
func (m *Message) ServerID() net.IP {
	if v := m.Options.Get(OptionServerIdentifier); len(v) == 4 {
		return cloneIP(net.IP(v))
	}
	return nil
}

// HostName returns option 12, or "".
func (m *Message) HostName() string {
	return string(m.Options.Get(OptionHostName))
}

// Broadcast reports whether the client set the broadcast flag.
func (m *Message) Broadcast() bool {
	return m.Flags&0x8000 != 0
}

// SetOption stores a raw option value, replacing any existing one.
func (m *Message) SetOption(code OptionCode, value []byte) {
	if m.Options == nil {
		m.Options = make(Options)
	}
	m.Options[code] = value
}

// SetMessageType sets option 53.
func (m *Message) SetMessageType(t MessageType) {
	m.SetOption(OptionDHCPMessageType, []byte{byte(t)})
}

// SetIPOption stores one or more IPv4 addresses as a single option value.
func (m *Message) SetIPOption(code OptionCode, ips ...net.IP) {
	val := make([]byte, 0, 4*len(ips))
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			val = append(val, v4...)
		}
	}
	if len(val) > 0 {
		m.SetOption(code, val)
	}
}

// SetDurationOption stores a duration as a 32-bit big-endian second count.
func (m *Message) SetDurationOption(code OptionCode, d time.Duration) {
	val := make([]byte, 4)
	binary.BigEndian.PutUint32(val, uint32(d/time.Second))
	m.SetOption(code, val)
}
