package stun

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
)

// AttrType enumerates STUN/TURN attribute types used across spec.md §3/§4.
type AttrType uint16

const (
	AttrMappedAddress     AttrType = 0x0001
	AttrUsername          AttrType = 0x0006
	AttrMessageIntegrity  AttrType = 0x0008
	AttrErrorCode         AttrType = 0x0009
	AttrUnknownAttributes AttrType = 0x000A
	AttrChannelNumber     AttrType = 0x000C
	AttrLifetime          AttrType = 0x000D
	AttrXorPeerAddress    AttrType = 0x0012
	AttrData              AttrType = 0x0013
	AttrRealm             AttrType = 0x0014
	AttrNonce             AttrType = 0x0015
	AttrXorRelayedAddress AttrType = 0x0016
	AttrRequestedTransport AttrType = 0x0019
	AttrDontFragment      AttrType = 0x001A
	AttrXorMappedAddress  AttrType = 0x0020
	AttrReservationToken  AttrType = 0x0022
	AttrConnectionID      AttrType = 0x002A
	AttrSoftware          AttrType = 0x8022
	AttrFingerprint       AttrType = 0x8028
)

var knownAttrs = map[AttrType]string{
	AttrMappedAddress:      "MAPPED-ADDRESS",
	AttrUsername:           "USERNAME",
	AttrMessageIntegrity:   "MESSAGE-INTEGRITY",
	AttrErrorCode:          "ERROR-CODE",
	AttrUnknownAttributes:  "UNKNOWN-ATTRIBUTES",
	AttrChannelNumber:      "CHANNEL-NUMBER",
	AttrLifetime:           "LIFETIME",
	AttrXorPeerAddress:     "XOR-PEER-ADDRESS",
	AttrData:               "DATA",
	AttrRealm:              "REALM",
	AttrNonce:              "NONCE",
	AttrXorRelayedAddress:  "XOR-RELAYED-ADDRESS",
	AttrRequestedTransport: "REQUESTED-TRANSPORT",
	AttrDontFragment:       "DONT-FRAGMENT",
	AttrXorMappedAddress:   "XOR-MAPPED-ADDRESS",
	AttrReservationToken:   "RESERVATION-TOKEN",
	AttrConnectionID:       "CONNECTION-ID",
	AttrSoftware:           "SOFTWARE",
	AttrFingerprint:        "FINGERPRINT",
}

func (t AttrType) known() bool {
	_, ok := knownAttrs[t]
	return ok
}

func (t AttrType) String() string {
	if s, ok := knownAttrs[t]; ok {
		return s
	}
	return fmt.Sprintf("0x%04x", uint16(t))
}

// Attribute is a single type-length-value entry. raw is set on attributes
// produced by Decode, where Value is the exact wire bytes; attributes built
// with the New* constructors below have Value encoded when constructed.
type Attribute struct {
	Type  AttrType
	Value []byte
	raw   bool
}

func (a Attribute) encode(w *bytes.Buffer) error {
	var hdr [4]byte
	binary.BigEndian.PutUint16(hdr[0:2], uint16(a.Type))
	binary.BigEndian.PutUint16(hdr[2:4], uint16(len(a.Value)))
	w.Write(hdr[:])
	w.Write(a.Value)
	if pad := pad4(len(a.Value)) - len(a.Value); pad > 0 {
		w.Write(make([]byte, pad))
	}
	return nil
}

// --- Typed accessors -------------------------------------------------

// NewAddress builds a plain (non-XOR) MAPPED-ADDRESS-shaped attribute.
func NewAddress(t AttrType, addr *net.UDPAddr) Attribute {
	return Attribute{Type: t, Value: encodeAddress(addr)}
}

func encodeAddress(addr *net.UDPAddr) []byte {
	ip4 := addr.IP.To4()
	family := byte(0x01)
	ipBytes := ip4
	if ip4 == nil {
		family = 0x02
		ipBytes = addr.IP.To16()
	}
	v := make([]byte, 4+len(ipBytes))
	v[1] = family
	binary.BigEndian.PutUint16(v[2:4], uint16(addr.Port))
	copy(v[4:], ipBytes)
	return v
}

// Address decodes a plain address attribute.
func (a Attribute) Address() (*net.UDPAddr, error) {
	if len(a.Value) < 4 {
		return nil, fmt.Errorf("stun: address attribute too short")
	}
	family := a.Value[1]
	port := binary.BigEndian.Uint16(a.Value[2:4])
	ipBytes := a.Value[4:]
	switch family {
	case 0x01:
		if len(ipBytes) < 4 {
			return nil, fmt.Errorf("stun: ipv4 address too short")
		}
		return &net.UDPAddr{IP: net.IP(ipBytes[:4]), Port: int(port)}, nil
	case 0x02:
		if len(ipBytes) < 16 {
			return nil, fmt.Errorf("stun: ipv6 address too short")
		}
		return &net.UDPAddr{IP: net.IP(ipBytes[:16]), Port: int(port)}, nil
	default:
		return nil, fmt.Errorf("stun: unknown address family 0x%02x", family)
	}
}

// NewXorAddress builds an XOR-obfuscated address attribute. Per spec.md
// §4.4, the port is obfuscated with the cookie's high 16 bits and the IP
// with the cookie (IPv4) or cookie||transactionID (IPv6).
func NewXorAddress(t AttrType, addr *net.UDPAddr, transactionID [TransactionIDLen]byte) Attribute {
	ip4 := addr.IP.To4()
	family := byte(0x01)
	ipBytes := []byte(ip4)
	if ip4 == nil {
		family = 0x02
		ipBytes = []byte(addr.IP.To16())
	}

	xorKey := xorKeyBytes(transactionID)
	v := make([]byte, 4+len(ipBytes))
	v[1] = family
	binary.BigEndian.PutUint16(v[2:4], uint16(addr.Port)^uint16(MagicCookie>>16))
	for i := range ipBytes {
		v[4+i] = ipBytes[i] ^ xorKey[i%len(xorKey)]
	}
	return Attribute{Type: t, Value: v}
}

// xorKeyBytes returns cookie||transactionID (16 bytes), matching RFC 5389
// §15.2: an IPv4 address is XORed with its first 4 bytes (the cookie), an
// IPv6 address with all 16.
func xorKeyBytes(transactionID [TransactionIDLen]byte) []byte {
	var cookie [4]byte
	binary.BigEndian.PutUint32(cookie[:], MagicCookie)
	return append(append([]byte{}, cookie[:]...), transactionID[:]...)
}

// XorAddress decodes an XOR-obfuscated address attribute given the
// message's transaction id.
func (a Attribute) XorAddress(transactionID [TransactionIDLen]byte) (*net.UDPAddr, error) {
	if len(a.Value) < 4 {
		return nil, fmt.Errorf("stun: xor address attribute too short")
	}
	family := a.Value[1]
	port := binary.BigEndian.Uint16(a.Value[2:4]) ^ uint16(MagicCookie>>16)
	xorKey := xorKeyBytes(transactionID)
	ipBytes := append([]byte(nil), a.Value[4:]...)
	for i := range ipBytes {
		ipBytes[i] ^= xorKey[i%len(xorKey)]
	}
	switch family {
	case 0x01:
		if len(ipBytes) < 4 {
			return nil, fmt.Errorf("stun: ipv4 xor address too short")
		}
		return &net.UDPAddr{IP: net.IP(ipBytes[:4]), Port: int(port)}, nil
	case 0x02:
		if len(ipBytes) < 16 {
			return nil, fmt.Errorf("stun: ipv6 xor address too short")
		}
		return &net.UDPAddr{IP: net.IP(ipBytes[:16]), Port: int(port)}, nil
	default:
		return nil, fmt.Errorf("stun: unknown address family 0x%02x", family)
	}
}

// NewUsername, NewRealm, NewNonce, NewSoftware build simple UTF-8 attrs.
func NewUsername(v string) Attribute { return Attribute{Type: AttrUsername, Value: []byte(v)} }
func NewRealm(v string) Attribute    { return Attribute{Type: AttrRealm, Value: []byte(v)} }
func NewNonce(v string) Attribute    { return Attribute{Type: AttrNonce, Value: []byte(v)} }
func NewSoftware(v string) Attribute { return Attribute{Type: AttrSoftware, Value: []byte(v)} }

func (a Attribute) String() string { return string(a.Value) }

// NewErrorCode builds the ERROR-CODE attribute: class/number packed into
// the third/fourth bytes, followed by a UTF-8 reason phrase.
func NewErrorCode(code int, reason string) Attribute {
	v := make([]byte, 4+len(reason))
	v[2] = byte(code / 100)
	v[3] = byte(code % 100)
	copy(v[4:], reason)
	return Attribute{Type: AttrErrorCode, Value: v}
}

// ErrorCode decodes the (code, reason) pair from an ERROR-CODE attribute.
func (a Attribute) ErrorCode() (int, string, error) {
	if len(a.Value) < 4 {
		return 0, "", fmt.Errorf("stun: error-code attribute too short")
	}
	code := int(a.Value[2])*100 + int(a.Value[3])
	return code, string(a.Value[4:]), nil
}

// NewLifetime/Lifetime handle the 4-byte LIFETIME attribute (seconds).
func NewLifetime(seconds uint32) Attribute {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, seconds)
	return Attribute{Type: AttrLifetime, Value: v}
}

func (a Attribute) Uint32() (uint32, error) {
	if len(a.Value) < 4 {
		return 0, fmt.Errorf("stun: attribute shorter than 4 bytes")
	}
	return binary.BigEndian.Uint32(a.Value), nil
}

// NewChannelNumber/ChannelNumber handle CHANNEL-NUMBER (2 bytes + 2 reserved).
func NewChannelNumber(channel uint16) Attribute {
	v := make([]byte, 4)
	binary.BigEndian.PutUint16(v[0:2], channel)
	return Attribute{Type: AttrChannelNumber, Value: v}
}

func (a Attribute) ChannelNumber() (uint16, error) {
	if len(a.Value) < 2 {
		return 0, fmt.Errorf("stun: channel-number attribute too short")
	}
	return binary.BigEndian.Uint16(a.Value[0:2]), nil
}

// NewRequestedTransport/RequestedTransport: protocol number in byte 0 (UDP
// 17, TCP 6), 3 reserved bytes.
func NewRequestedTransport(protocol byte) Attribute {
	return Attribute{Type: AttrRequestedTransport, Value: []byte{protocol, 0, 0, 0}}
}

func (a Attribute) RequestedTransport() (byte, error) {
	if len(a.Value) < 1 {
		return 0, fmt.Errorf("stun: requested-transport attribute too short")
	}
	return a.Value[0], nil
}

// NewData/Data wrap an opaque DATA attribute payload.
func NewData(payload []byte) Attribute { return Attribute{Type: AttrData, Value: payload} }

// NewConnectionID/ConnectionID handle the RFC 6062 4-byte CONNECTION-ID.
func NewConnectionID(id uint32) Attribute {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, id)
	return Attribute{Type: AttrConnectionID, Value: v}
}
