package server

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/sourcey/libsourcey-go/internal/netio"
	"github.com/sourcey/libsourcey-go/internal/stun"
	"github.com/sourcey/libsourcey-go/internal/turn/common"
)

// handleSendIndication implements RFC 5766 §10.1: relay the DATA payload to
// the peer named by XOR-PEER-ADDRESS, dropping silently if no permission
// exists (indications never error).
func (s *Server) handleSendIndication(m *stun.Message, clientAddr net.Addr, transport common.Transport) {
	peerAttr := m.Get(stun.AttrXorPeerAddress)
	dataAttr := m.Get(stun.AttrData)
	if peerAttr == nil || dataAttr == nil {
		return
	}
	peerAddr, err := peerAttr.XorAddress(m.TransactionID)
	if err != nil {
		return
	}

	s.mu.Lock()
	var alloc *common.Allocation
	var relay *netio.Socket
	for t, a := range s.allocations {
		if t.ClientAddr.String() == clientAddr.String() && t.Transport == transport {
			alloc = a
			relay = s.relays[t]
			break
		}
	}
	s.mu.Unlock()
	if alloc == nil || relay == nil {
		return
	}
	if !alloc.HasPermission(peerAddr.IP, time.Now()) {
		return
	}
	alloc.BandwidthUsed += int64(len(dataAttr.Value))
	if s.cfg.BandwidthQuota > 0 && alloc.BandwidthUsed > s.cfg.BandwidthQuota {
		return // over quota for this accounting window, drop silently
	}
	_, _ = relay.WriteRaw(dataAttr.Value, peerAddr)
}

// handleChannelData implements RFC 5766 §11.4's 4-byte ChannelData framing:
// 2-byte channel number, 2-byte length, payload (padded to 4 bytes on the
// wire, not counted in length).
func (s *Server) handleChannelData(_ *netio.Socket, data []byte, clientAddr net.Addr, transport common.Transport) {
	if len(data) < 4 {
		return
	}
	channel := binary.BigEndian.Uint16(data[0:2])
	length := int(binary.BigEndian.Uint16(data[2:4]))
	if len(data) < 4+length {
		return
	}
	payload := data[4 : 4+length]

	s.mu.Lock()
	var alloc *common.Allocation
	var relay *netio.Socket
	for t, a := range s.allocations {
		if t.ClientAddr.String() == clientAddr.String() && t.Transport == transport {
			alloc = a
			relay = s.relays[t]
			break
		}
	}
	s.mu.Unlock()
	if alloc == nil || relay == nil {
		return
	}
	peerAddr, ok := alloc.PeerFor(channel, time.Now())
	if !ok {
		return
	}
	alloc.BandwidthUsed += int64(length)
	if s.cfg.BandwidthQuota > 0 && alloc.BandwidthUsed > s.cfg.BandwidthQuota {
		return
	}
	_, _ = relay.WriteRaw(payload, peerAddr)
}

// encodeChannelData frames payload for delivery to the client over a
// bound channel, per RFC 5766 §11.4.
func encodeChannelData(channel uint16, payload []byte) []byte {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], channel)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[4:], payload)
	return buf
}

// relayAdapter receives datagrams arriving from a peer on an allocation's
// relay transport address and forwards them to the client, either as a
// ChannelData frame (if a channel is bound to that peer) or a Data
// indication (RFC 5766 §10.3), gated on the peer holding a permission.
type relayAdapter struct {
	netio.BaseAdapter
	server *Server
	tuple  common.FiveTuple
}

func (r *relayAdapter) OnSocketRecv(_ *netio.Socket, data []byte, peer net.Addr) {
	r.server.mu.Lock()
	alloc, ok := r.server.allocations[r.tuple]
	var clientSock *netio.Socket
	if r.tuple.Transport == common.TransportUDP {
		clientSock = r.server.udpSock
	} else {
		clientSock = r.server.tcpSock
	}
	r.server.mu.Unlock()
	if !ok || clientSock == nil {
		return
	}

	udpPeer, isUDP := peer.(*net.UDPAddr)
	if !isUDP {
		return
	}
	if !alloc.HasPermission(udpPeer.IP, time.Now()) {
		return // unsolicited peer traffic without a permission is dropped
	}

	if cb, bound := alloc.ChannelFor(peer, time.Now()); bound {
		_, _ = clientSock.WriteRaw(encodeChannelData(cb.Number, data), r.tuple.ClientAddr)
		return
	}

	ind := stun.NewMessage(stun.MethodData, stun.ClassIndication)
	stunPeerAddr := &net.UDPAddr{IP: udpPeer.IP, Port: udpPeer.Port}
	ind.Add(stun.NewXorAddress(stun.AttrXorPeerAddress, stunPeerAddr, ind.TransactionID))
	ind.Add(stun.NewData(data))
	encoded, err := ind.Encode()
	if err != nil {
		return
	}
	_, _ = clientSock.WriteRaw(encoded, r.tuple.ClientAddr)
}
