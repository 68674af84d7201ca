// Package symple layers the Symple presence/signaling protocol over
// internal/sockio's Socket.IO transport, per spec.md §4.9 and
// original_source/src/symple/src/client.cpp's Client (announce, roster,
// presence broadcast/probe). JSON field access for the loosely-typed
// message envelopes uses github.com/tidwall/gjson and
// github.com/tidwall/sjson rather than struct tags, matching
// n0remac-robot-webrtc and iamprashant-voice-ai's use of both for ad hoc
// field manipulation outside a fixed schema -- the envelope's "extra JSON
// fields allowed" requirement (spec.md §3) doesn't fit a strict struct.
package symple

import (
	"fmt"
	"strings"
)

// Address is Symple's "user|name|id[/resource]" peer identifier (spec.md
// §6), grounded on original_source's scy::smpl::Address triple plus an
// optional resource suffix used to target one of a peer's several
// concurrent sessions.
type Address struct {
	User     string
	Name     string
	ID       string
	Resource string
}

// ParseAddress decodes "user|name|id" or "user|name|id/resource".
func ParseAddress(s string) (Address, error) {
	rest := s
	resource := ""
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		resource, rest = rest[i+1:], rest[:i]
	}
	parts := strings.SplitN(rest, "|", 3)
	if len(parts) != 3 {
		return Address{}, fmt.Errorf("symple: malformed address %q", s)
	}
	return Address{User: parts[0], Name: parts[1], ID: parts[2], Resource: resource}, nil
}

// String renders a back into "user|name|id[/resource]".
func (a Address) String() string {
	s := a.User + "|" + a.Name + "|" + a.ID
	if a.Resource != "" {
		s += "/" + a.Resource
	}
	return s
}

// Empty reports whether a carries no identifying fields at all.
func (a Address) Empty() bool { return a.User == "" && a.Name == "" && a.ID == "" }
