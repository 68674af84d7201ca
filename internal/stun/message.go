// Package stun implements the RFC 5389 message codec and RFC 5766/6062
// attribute set of spec.md §4.4, grounded on
// original_source/libs/STUN/include/Sourcey/STUN/Transaction.h for the
// overall transaction/message split and shaped, in encoding approach, the
// way the teacher's own common/proto package frames and parses a fixed
// binary header (common/proto/proto.go's snowflakeHeader.Parse/marshal).
package stun

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// MagicCookie is the fixed RFC 5389 cookie present in every message.
const MagicCookie uint32 = 0x2112A442

// TransactionIDLen is the length of a STUN transaction id in bytes.
const TransactionIDLen = 12

const headerLen = 20

// Class is the STUN message class (spec.md §3).
type Class uint16

const (
	ClassRequest         Class = 0x000
	ClassIndication      Class = 0x010
	ClassSuccessResponse Class = 0x100
	ClassErrorResponse   Class = 0x110
)

func (c Class) String() string {
	switch c {
	case ClassRequest:
		return "Request"
	case ClassIndication:
		return "Indication"
	case ClassSuccessResponse:
		return "SuccessResponse"
	case ClassErrorResponse:
		return "ErrorResponse"
	default:
		return "Unknown"
	}
}

// Method is the STUN/TURN method id, spec.md §3.
type Method uint16

const (
	MethodBinding           Method = 0x0001
	MethodAllocate          Method = 0x0003
	MethodRefresh           Method = 0x0004
	MethodSend              Method = 0x0006
	MethodData              Method = 0x0007
	MethodCreatePermission  Method = 0x0008
	MethodChannelBind       Method = 0x0009
	MethodConnect           Method = 0x000a
	MethodConnectionBind    Method = 0x000b
	MethodConnectionAttempt Method = 0x000c
)

var methodNames = map[Method]string{
	MethodBinding:           "Binding",
	MethodAllocate:          "Allocate",
	MethodRefresh:           "Refresh",
	MethodSend:              "Send",
	MethodData:              "Data",
	MethodCreatePermission:  "CreatePermission",
	MethodChannelBind:       "ChannelBind",
	MethodConnect:           "Connect",
	MethodConnectionBind:    "ConnectionBind",
	MethodConnectionAttempt: "ConnectionAttempt",
}

func (m Method) String() string {
	if s, ok := methodNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Method(0x%04x)", uint16(m))
}

// encodeType packs method+class into the 14-bit wire type per RFC 5389 §6.
func encodeType(method Method, class Class) uint16 {
	m := uint16(method)
	c := uint16(class)
	return (m & 0x0F80 << 2) | (m & 0x0070 << 1) | (m & 0x000F) | c
}

func decodeType(t uint16) (Method, Class) {
	class := Class(t & 0x110)
	m := ((t & 0x3E00) >> 2) | ((t & 0x00E0) >> 1) | (t & 0x000F)
	return Method(m), class
}

// Message is a parsed or to-be-serialized STUN message, spec.md §3.
type Message struct {
	Class         Class
	Method        Method
	TransactionID [TransactionIDLen]byte
	Attributes    []Attribute
}

// NewMessage constructs a Message with a freshly generated transaction id.
func NewMessage(method Method, class Class) *Message {
	m := &Message{Method: method, Class: class}
	fillRandomTransactionID(&m.TransactionID)
	return m
}

// Add appends attr to the message in place (order is significant for
// MESSAGE-INTEGRITY/FINGERPRINT placement; callers add those last via
// AddMessageIntegrity/AddFingerprint).
func (m *Message) Add(attr Attribute) { m.Attributes = append(m.Attributes, attr) }

// Get returns the first attribute of the given type, or nil.
func (m *Message) Get(t AttrType) *Attribute {
	for i := range m.Attributes {
		if m.Attributes[i].Type == t {
			return &m.Attributes[i]
		}
	}
	return nil
}

// GetAll returns every attribute of the given type, preserving order
// (spec.md §4.6's CreatePermission "accepts one or more XOR-PEER-ADDRESS").
func (m *Message) GetAll(t AttrType) []Attribute {
	var out []Attribute
	for _, a := range m.Attributes {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

// Encode serializes the message to wire format. MESSAGE-INTEGRITY and
// FINGERPRINT, if present, must already be the last one or two attributes
// (AddMessageIntegrity/AddFingerprint enforce this); Encode does not
// reorder attributes itself.
func (m *Message) Encode() ([]byte, error) {
	var body bytes.Buffer
	for _, a := range m.Attributes {
		if err := a.encode(&body); err != nil {
			return nil, err
		}
	}

	buf := make([]byte, headerLen+body.Len())
	binary.BigEndian.PutUint16(buf[0:2], encodeType(m.Method, m.Class))
	binary.BigEndian.PutUint16(buf[2:4], uint16(body.Len()))
	binary.BigEndian.PutUint32(buf[4:8], MagicCookie)
	copy(buf[8:20], m.TransactionID[:])
	copy(buf[20:], body.Bytes())
	return buf, nil
}

// Decode parses a wire-format STUN message. Unknown comprehension-required
// attributes (type < 0x8000) cause a parse error per spec.md §4.4;
// comprehension-optional unknown attributes are retained verbatim.
func Decode(data []byte) (*Message, error) {
	if len(data) < headerLen {
		return nil, fmt.Errorf("stun: message shorter than header (%d bytes)", len(data))
	}
	typ := binary.BigEndian.Uint16(data[0:2])
	length := binary.BigEndian.Uint16(data[2:4])
	cookie := binary.BigEndian.Uint32(data[4:8])
	if cookie != MagicCookie {
		return nil, fmt.Errorf("stun: bad magic cookie 0x%08x", cookie)
	}
	if int(length)+headerLen > len(data) {
		return nil, fmt.Errorf("stun: declared length %d exceeds buffer", length)
	}

	method, class := decodeType(typ)
	m := &Message{Method: method, Class: class}
	copy(m.TransactionID[:], data[8:20])

	body := data[20 : 20+int(length)]
	for len(body) > 0 {
		if len(body) < 4 {
			return nil, fmt.Errorf("stun: truncated attribute header")
		}
		attrType := AttrType(binary.BigEndian.Uint16(body[0:2]))
		attrLen := int(binary.BigEndian.Uint16(body[2:4]))
		padded := pad4(attrLen)
		if len(body) < 4+padded {
			return nil, fmt.Errorf("stun: truncated attribute value for type 0x%04x", attrType)
		}
		value := body[4 : 4+attrLen]
		if !attrType.known() && uint16(attrType) < 0x8000 {
			return nil, fmt.Errorf("stun: unknown comprehension-required attribute 0x%04x", attrType)
		}
		m.Attributes = append(m.Attributes, Attribute{
			Type:  attrType,
			Value: append([]byte(nil), value...),
			raw:   true,
		})
		body = body[4+padded:]
	}
	return m, nil
}

func pad4(n int) int {
	if n%4 == 0 {
		return n
	}
	return n + (4 - n%4)
}

// rawLengthUpTo reports the encoded body length of the first n attributes,
// encoding them into a scratch buffer to measure it. Used by the
// MESSAGE-INTEGRITY HMAC computation, which must rewrite the length field
// to include the attribute being computed.
func (m *Message) rawLengthUpTo(n int) (int, error) {
	var body bytes.Buffer
	for i := 0; i < n; i++ {
		if err := m.Attributes[i].encode(&body); err != nil {
			return 0, err
		}
	}
	return body.Len(), nil
}

// Fingerprint computes CRC32(message) XOR 0x5354554E over buf, where buf is
// the serialized message up to (but not including) the FINGERPRINT
// attribute itself, per spec.md §4.4.
func Fingerprint(buf []byte) uint32 {
	return crc32.ChecksumIEEE(buf) ^ 0x5354554E
}

// LongTermKey computes MD5(username ":" realm ":" password), the
// MESSAGE-INTEGRITY key for long-term credentials per spec.md §4.4.
func LongTermKey(username, realm, password string) []byte {
	return md5Sum([]byte(username + ":" + realm + ":" + password))
}

// hmacSHA1 computes the MESSAGE-INTEGRITY value over buf with key.
func hmacSHA1(key, buf []byte) []byte {
	h := hmac.New(sha1.New, key)
	h.Write(buf)
	return h.Sum(nil)
}
