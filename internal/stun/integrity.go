package stun

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

func md5Sum(b []byte) []byte {
	sum := md5.Sum(b)
	return sum[:]
}

func fillRandomTransactionID(id *[TransactionIDLen]byte) {
	if _, err := rand.Read(id[:]); err != nil {
		panic("stun: failed to read random transaction id: " + err.Error())
	}
}

// AddMessageIntegrity computes and appends a MESSAGE-INTEGRITY attribute
// over the message as currently built, using key. Per spec.md §4.4, the
// length field is temporarily set to the value it would have with the
// MESSAGE-INTEGRITY attribute included (24 bytes: 4 header + 20 HMAC-SHA1,
// i.e. +24) before computing the HMAC, then the real attribute is appended.
// MESSAGE-INTEGRITY must be added before FINGERPRINT.
func (m *Message) AddMessageIntegrity(key []byte) error {
	bodyLen, err := m.rawLengthUpTo(len(m.Attributes))
	if err != nil {
		return err
	}
	// +24 accounts for the MESSAGE-INTEGRITY attribute itself (4 byte
	// header + 20 byte HMAC-SHA1 digest).
	hmacValue, err := m.computeIntegrity(key, bodyLen+24)
	if err != nil {
		return err
	}
	m.Add(Attribute{Type: AttrMessageIntegrity, Value: hmacValue})
	return nil
}

// computeIntegrity serializes the header plus every attribute added so far
// with the LENGTH field overridden to declaredLen, then HMAC-SHA1s it.
func (m *Message) computeIntegrity(key []byte, declaredLen int) ([]byte, error) {
	var body bytes.Buffer
	for _, a := range m.Attributes {
		if err := a.encode(&body); err != nil {
			return nil, err
		}
	}

	var header [headerLen]byte
	binary.BigEndian.PutUint16(header[0:2], encodeType(m.Method, m.Class))
	binary.BigEndian.PutUint16(header[2:4], uint16(declaredLen))
	binary.BigEndian.PutUint32(header[4:8], MagicCookie)
	copy(header[8:20], m.TransactionID[:])

	buf := append(append([]byte{}, header[:]...), body.Bytes()...)
	return hmacSHA1(key, buf), nil
}

// VerifyMessageIntegrity reports whether the message's MESSAGE-INTEGRITY
// attribute validates against key. Per spec.md §8, any single-bit flip in
// the covered range must cause this to fail.
func (m *Message) VerifyMessageIntegrity(key []byte) (bool, error) {
	idx := -1
	for i, a := range m.Attributes {
		if a.Type == AttrMessageIntegrity {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, fmt.Errorf("stun: no MESSAGE-INTEGRITY attribute present")
	}

	truncated := &Message{
		Class:         m.Class,
		Method:        m.Method,
		TransactionID: m.TransactionID,
		Attributes:    m.Attributes[:idx],
	}
	bodyLen, err := truncated.rawLengthUpTo(idx)
	if err != nil {
		return false, err
	}
	expected, err := truncated.computeIntegrity(key, bodyLen+24)
	if err != nil {
		return false, err
	}
	return hmac.Equal(expected, m.Attributes[idx].Value), nil
}

// AddFingerprint appends the FINGERPRINT attribute, which must be
// absolutely last per spec.md §3/§4.4.
func (m *Message) AddFingerprint() error {
	bodyLen, err := m.rawLengthUpTo(len(m.Attributes))
	if err != nil {
		return err
	}
	var header [headerLen]byte
	binary.BigEndian.PutUint16(header[0:2], encodeType(m.Method, m.Class))
	binary.BigEndian.PutUint16(header[2:4], uint16(bodyLen+8))
	binary.BigEndian.PutUint32(header[4:8], MagicCookie)
	copy(header[8:20], m.TransactionID[:])

	var body bytes.Buffer
	for _, a := range m.Attributes {
		if err := a.encode(&body); err != nil {
			return err
		}
	}
	buf := append(append([]byte{}, header[:]...), body.Bytes()...)

	fp := Fingerprint(buf)
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, fp)
	m.Add(Attribute{Type: AttrFingerprint, Value: v})
	return nil
}

// VerifyFingerprint reports whether the trailing FINGERPRINT attribute
// matches the message contents preceding it.
func (m *Message) VerifyFingerprint() (bool, error) {
	if len(m.Attributes) == 0 {
		return false, fmt.Errorf("stun: no attributes")
	}
	last := m.Attributes[len(m.Attributes)-1]
	if last.Type != AttrFingerprint {
		return false, fmt.Errorf("stun: FINGERPRINT is not the last attribute")
	}
	truncated := &Message{
		Class:         m.Class,
		Method:        m.Method,
		TransactionID: m.TransactionID,
		Attributes:    m.Attributes[:len(m.Attributes)-1],
	}
	bodyLen, err := truncated.rawLengthUpTo(len(truncated.Attributes))
	if err != nil {
		return false, err
	}
	var header [headerLen]byte
	binary.BigEndian.PutUint16(header[0:2], encodeType(truncated.Method, truncated.Class))
	binary.BigEndian.PutUint16(header[2:4], uint16(bodyLen+8))
	binary.BigEndian.PutUint32(header[4:8], MagicCookie)
	copy(header[8:20], truncated.TransactionID[:])

	var body bytes.Buffer
	for _, a := range truncated.Attributes {
		if err := a.encode(&body); err != nil {
			return false, err
		}
	}
	buf := append(append([]byte{}, header[:]...), body.Bytes()...)
	want := Fingerprint(buf)

	got := binary.BigEndian.Uint32(last.Value)
	return want == got, nil
}
