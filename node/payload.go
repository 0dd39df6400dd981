package node

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Wire layout constants from spec §6. These are bit-exact between protocol
// versions and must never change without a proto_ver bump.
const (
	// StoreNameLen is the fixed width of the store_name field.
	StoreNameLen = 16

	// addrFieldLen is the fixed width reserved for a node's address string
	// inside the wire Node record. Addresses are expected to be IPv4,
	// IPv6, or a short hostname; 64 bytes covers every realistic case
	// while keeping the record fixed-width (required for O(1) indexing
	// into the trailing node array).
	addrFieldLen = 64

	// nodeWireSize is the fixed size, in bytes, of one wire-encoded Node:
	// addr[64] + port:u16 + zone:u32 + vnode_weight:u16.
	nodeWireSize = addrFieldLen + 2 + 4 + 2

	// joinHeaderSize is the fixed size of the Join payload header, before
	// the trailing node array.
	joinHeaderSize = 1 + 1 + 2 + 2 + 2 + 4 + 4 + 8 + 4 + 1 + StoreNameLen
)

// ProtoVersion is the join/notify wire protocol version this build speaks.
const ProtoVersion uint8 = 1

// JoinPayload is the bit-exact structure exchanged during a join attempt,
// per spec §6.
type JoinPayload struct {
	ProtoVer      uint8
	NrCopies      uint8
	ClusterFlags  uint16
	ClusterStatus uint32
	Epoch         uint32
	Ctime         uint64
	Result        uint32
	IncEpoch      uint8
	StoreName     string

	// Nodes holds the sender's claimed membership and LeaveNodes its leave
	// list. Both share the one trailing wire array, so at most one of them
	// may be non-empty: Marshal rejects a payload carrying both, and
	// Unmarshal fills Nodes when nr_nodes is non-zero and LeaveNodes
	// otherwise.
	Nodes      List
	LeaveNodes List
}

func encodeNode(n Node) [nodeWireSize]byte {
	var buf [nodeWireSize]byte
	addrBytes := []byte(n.ID.Addr)
	if len(addrBytes) > addrFieldLen {
		addrBytes = addrBytes[:addrFieldLen]
	}
	copy(buf[0:addrFieldLen], addrBytes)
	binary.BigEndian.PutUint16(buf[addrFieldLen:addrFieldLen+2], n.ID.Port)
	binary.BigEndian.PutUint32(buf[addrFieldLen+2:addrFieldLen+6], n.Zone)
	binary.BigEndian.PutUint16(buf[addrFieldLen+6:addrFieldLen+8], n.VnodeWeight)
	return buf
}

func decodeNode(buf []byte) Node {
	end := bytes.IndexByte(buf[0:addrFieldLen], 0)
	if end < 0 {
		end = addrFieldLen
	}
	addr := string(buf[0:end])
	port := binary.BigEndian.Uint16(buf[addrFieldLen : addrFieldLen+2])
	zone := binary.BigEndian.Uint32(buf[addrFieldLen+2 : addrFieldLen+6])
	weight := binary.BigEndian.Uint16(buf[addrFieldLen+6 : addrFieldLen+8])
	return Node{ID: ID{Addr: addr, Port: port}, Zone: zone, VnodeWeight: weight}
}

// EncodeList encodes a node list as a flat array of fixed-width wire
// records (no header), for use by callers that need a compact durable
// encoding of a node list on its own, such as the epoch log.
func EncodeList(nodes List) []byte {
	buf := make([]byte, len(nodes)*nodeWireSize)
	for i, n := range nodes {
		enc := encodeNode(n)
		copy(buf[i*nodeWireSize:], enc[:])
	}
	return buf
}

// DecodeList is the inverse of EncodeList.
func DecodeList(buf []byte) (List, error) {
	if len(buf)%nodeWireSize != 0 {
		return nil, fmt.Errorf("node: encoded list length %d is not a multiple of record size %d", len(buf), nodeWireSize)
	}
	count := len(buf) / nodeWireSize
	out := make(List, count)
	for i := 0; i < count; i++ {
		out[i] = decodeNode(buf[i*nodeWireSize : (i+1)*nodeWireSize])
	}
	return out, nil
}

// Marshal encodes the payload exactly per the spec §6 wire layout.
func (p *JoinPayload) Marshal() ([]byte, error) {
	if len(p.StoreName) > StoreNameLen {
		return nil, fmt.Errorf("node: store name %q exceeds %d bytes", p.StoreName, StoreNameLen)
	}
	if len(p.Nodes) != 0 && len(p.LeaveNodes) != 0 {
		return nil, fmt.Errorf("node: join payload may carry Nodes or LeaveNodes, not both")
	}

	nrNodes := uint16(len(p.Nodes))
	nrLeaveNodes := uint16(len(p.LeaveNodes))
	trailing := p.Nodes
	if len(trailing) == 0 {
		trailing = p.LeaveNodes
	}

	buf := make([]byte, joinHeaderSize+len(trailing)*nodeWireSize)
	off := 0
	buf[off] = p.ProtoVer
	off++
	buf[off] = p.NrCopies
	off++
	binary.BigEndian.PutUint16(buf[off:], nrNodes)
	off += 2
	binary.BigEndian.PutUint16(buf[off:], nrLeaveNodes)
	off += 2
	binary.BigEndian.PutUint16(buf[off:], p.ClusterFlags)
	off += 2
	binary.BigEndian.PutUint32(buf[off:], p.ClusterStatus)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], p.Epoch)
	off += 4
	binary.BigEndian.PutUint64(buf[off:], p.Ctime)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], p.Result)
	off += 4
	buf[off] = p.IncEpoch
	off++
	copy(buf[off:off+StoreNameLen], p.StoreName)
	off += StoreNameLen

	for _, n := range trailing {
		enc := encodeNode(n)
		copy(buf[off:off+nodeWireSize], enc[:])
		off += nodeWireSize
	}
	return buf, nil
}

// Unmarshal decodes a wire buffer produced by Marshal.
func Unmarshal(buf []byte) (*JoinPayload, error) {
	if len(buf) < joinHeaderSize {
		return nil, fmt.Errorf("node: join payload too short: %d bytes", len(buf))
	}
	p := &JoinPayload{}
	off := 0
	p.ProtoVer = buf[off]
	off++
	p.NrCopies = buf[off]
	off++
	nrNodes := binary.BigEndian.Uint16(buf[off:])
	off += 2
	nrLeaveNodes := binary.BigEndian.Uint16(buf[off:])
	off += 2
	p.ClusterFlags = binary.BigEndian.Uint16(buf[off:])
	off += 2
	p.ClusterStatus = binary.BigEndian.Uint32(buf[off:])
	off += 4
	p.Epoch = binary.BigEndian.Uint32(buf[off:])
	off += 4
	p.Ctime = binary.BigEndian.Uint64(buf[off:])
	off += 8
	p.Result = binary.BigEndian.Uint32(buf[off:])
	off += 4
	p.IncEpoch = buf[off]
	off++
	nameEnd := bytes.IndexByte(buf[off:off+StoreNameLen], 0)
	if nameEnd < 0 {
		nameEnd = StoreNameLen
	}
	p.StoreName = string(buf[off : off+nameEnd])
	off += StoreNameLen

	count := int(nrNodes)
	if count == 0 {
		count = int(nrLeaveNodes)
	}
	if len(buf) < off+count*nodeWireSize {
		return nil, fmt.Errorf("node: join payload truncated trailing node array")
	}
	trailing := make(List, count)
	for i := 0; i < count; i++ {
		trailing[i] = decodeNode(buf[off : off+nodeWireSize])
		off += nodeWireSize
	}
	if nrNodes != 0 {
		p.Nodes = trailing
	} else {
		p.LeaveNodes = trailing
	}
	return p, nil
}
