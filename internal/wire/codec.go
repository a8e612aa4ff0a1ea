package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/ipfs/go-cid"
	"github.com/shurlinet/gitd/internal/identity"
	"github.com/shurlinet/gitd/internal/storage"
)

// MaxFrameSize is the largest payload a single frame may carry
// (spec.md §6: "2-byte big-endian length ... ≤ 65535 bytes").
const MaxFrameSize = 65535

type writer struct {
	buf bytes.Buffer
}

func (w *writer) byte(b byte)       { w.buf.WriteByte(b) }
func (w *writer) u16(v uint16)      { var b [2]byte; binary.BigEndian.PutUint16(b[:], v); w.buf.Write(b[:]) }
func (w *writer) u64(v uint64)      { var b [8]byte; binary.BigEndian.PutUint64(b[:], v); w.buf.Write(b[:]) }
func (w *writer) raw(b []byte)      { w.buf.Write(b) }
func (w *writer) bytes16(b []byte) {
	w.u16(uint16(len(b)))
	w.buf.Write(b)
}
func (w *writer) str16(s string) { w.bytes16([]byte(s)) }
func (w *writer) cid(c storage.ProjectID) {
	w.bytes16(c.Bytes())
}

type reader struct {
	data []byte
	off  int
}

func newReader(b []byte) *reader { return &reader{data: b} }

func (r *reader) byte() (byte, error) {
	if r.off >= len(r.data) {
		return 0, fmt.Errorf("wire: unexpected end of message reading byte")
	}
	b := r.data[r.off]
	r.off++
	return b, nil
}

func (r *reader) u16() (uint16, error) {
	if r.off+2 > len(r.data) {
		return 0, fmt.Errorf("wire: unexpected end of message reading u16")
	}
	v := binary.BigEndian.Uint16(r.data[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if r.off+8 > len(r.data) {
		return 0, fmt.Errorf("wire: unexpected end of message reading u64")
	}
	v := binary.BigEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v, nil
}

func (r *reader) raw(n int) ([]byte, error) {
	if r.off+n > len(r.data) {
		return nil, fmt.Errorf("wire: unexpected end of message reading %d bytes", n)
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) bytes16() ([]byte, error) {
	n, err := r.u16()
	if err != nil {
		return nil, err
	}
	return r.raw(int(n))
}

func (r *reader) str16() (string, error) {
	b, err := r.bytes16()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) cid() (storage.ProjectID, error) {
	b, err := r.bytes16()
	if err != nil {
		return cid.Undef, err
	}
	c, err := cid.Cast(b)
	if err != nil {
		return cid.Undef, fmt.Errorf("wire: decode cid: %w", err)
	}
	return c, nil
}

func (r *reader) remaining() bool { return r.off < len(r.data) }

// encodeFilter writes f in the Filter wire format.
func encodeFilter(w *writer, f Filter) {
	if f.MatchAll {
		w.byte(1)
		return
	}
	w.byte(0)
	ids := f.Projects()
	w.u16(uint16(len(ids)))
	for _, id := range ids {
		w.cid(id)
	}
}

func decodeFilter(r *reader) (Filter, error) {
	tag, err := r.byte()
	if err != nil {
		return Filter{}, err
	}
	if tag == 1 {
		return MatchAllFilter(), nil
	}
	n, err := r.u16()
	if err != nil {
		return Filter{}, err
	}
	ids := make([]storage.ProjectID, 0, n)
	for i := 0; i < int(n); i++ {
		id, err := r.cid()
		if err != nil {
			return Filter{}, err
		}
		ids = append(ids, id)
	}
	return NewFilter(ids), nil
}

// EncodeBody produces the canonical encoding of an announcement body
// — this is exactly the byte string a Signer signs and Verify checks
// (spec.md §3 invariant). It must be deterministic: map fields are
// written in sorted key order.
func EncodeBody(body AnnouncementBody) ([]byte, error) {
	w := &writer{}
	w.byte(byte(body.BodyKind()))
	switch b := body.(type) {
	case InventoryBody:
		w.u64(b.Timestamp)
		w.u16(uint16(len(b.Inventory)))
		for _, id := range b.Inventory {
			w.cid(id)
		}
	case NodeBody:
		w.u64(b.Timestamp)
		w.str16(b.Alias)
		w.u64(b.Features)
		w.u16(uint16(len(b.Addresses)))
		for _, a := range b.Addresses {
			w.str16(a)
		}
	case RefsBody:
		w.u64(b.Timestamp)
		w.cid(b.Project)
		w.raw(b.Remote[:])
		names := make([]string, 0, len(b.Refs))
		for name := range b.Refs {
			names = append(names, name)
		}
		sort.Strings(names)
		w.u16(uint16(len(names)))
		for _, name := range names {
			w.str16(name)
			w.cid(b.Refs[name])
		}
	default:
		return nil, fmt.Errorf("wire: unknown announcement body type %T", body)
	}
	return w.buf.Bytes(), nil
}

// DecodeBody parses the body bytes produced by EncodeBody.
func DecodeBody(data []byte) (AnnouncementBody, error) {
	r := newReader(data)
	kindByte, err := r.byte()
	if err != nil {
		return nil, err
	}
	kind := BodyKind(kindByte)
	switch kind {
	case BodyInventory:
		ts, err := r.u64()
		if err != nil {
			return nil, err
		}
		n, err := r.u16()
		if err != nil {
			return nil, err
		}
		ids := make([]storage.ProjectID, 0, n)
		for i := 0; i < int(n); i++ {
			id, err := r.cid()
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
		return InventoryBody{Inventory: ids, Timestamp: ts}, nil
	case BodyNode:
		ts, err := r.u64()
		if err != nil {
			return nil, err
		}
		alias, err := r.str16()
		if err != nil {
			return nil, err
		}
		features, err := r.u64()
		if err != nil {
			return nil, err
		}
		n, err := r.u16()
		if err != nil {
			return nil, err
		}
		addrs := make([]string, 0, n)
		for i := 0; i < int(n); i++ {
			a, err := r.str16()
			if err != nil {
				return nil, err
			}
			addrs = append(addrs, a)
		}
		return NodeBody{Addresses: addrs, Alias: alias, Features: features, Timestamp: ts}, nil
	case BodyRefs:
		ts, err := r.u64()
		if err != nil {
			return nil, err
		}
		project, err := r.cid()
		if err != nil {
			return nil, err
		}
		remoteRaw, err := r.raw(identity.Size)
		if err != nil {
			return nil, err
		}
		remote, err := identity.NodeIDFromBytes(remoteRaw)
		if err != nil {
			return nil, err
		}
		n, err := r.u16()
		if err != nil {
			return nil, err
		}
		refs := make(map[string]storage.ObjectID, n)
		for i := 0; i < int(n); i++ {
			name, err := r.str16()
			if err != nil {
				return nil, err
			}
			oid, err := r.cid()
			if err != nil {
				return nil, err
			}
			refs[name] = oid
		}
		return RefsBody{Project: project, Remote: remote, Refs: refs, Timestamp: ts}, nil
	default:
		return nil, fmt.Errorf("wire: unknown announcement body kind %d", kindByte)
	}
}

// EncodeMessage serializes a message to its wire form, tagged with
// its Kind as the first byte.
func EncodeMessage(m Message) ([]byte, error) {
	w := &writer{}
	w.byte(byte(m.Kind()))
	switch msg := m.(type) {
	case Hello:
		w.byte(msg.Version.Major)
		w.byte(msg.Version.Minor)
	case Subscribe:
		encodeFilter(w, msg.Filter)
		w.u64(msg.Since)
		w.u64(msg.Until)
	case Ping:
		w.u64(msg.Nonce)
		w.u16(msg.PongLen)
	case Pong:
		w.bytes16(msg.Zeroes)
	case Announcement:
		w.raw(msg.Node[:])
		body, err := EncodeBody(msg.Body)
		if err != nil {
			return nil, err
		}
		w.bytes16(body)
		w.bytes16(msg.Signature)
	case Fetch:
		w.cid(msg.RID)
	case FetchOk:
	case FetchErr:
		w.str16(msg.Reason)
	default:
		return nil, fmt.Errorf("wire: unknown message type %T", m)
	}
	out := w.buf.Bytes()
	if len(out) > MaxFrameSize {
		return nil, fmt.Errorf("wire: encoded message is %d bytes, exceeds frame limit %d", len(out), MaxFrameSize)
	}
	return out, nil
}

// DecodeMessage parses the bytes produced by EncodeMessage.
func DecodeMessage(data []byte) (Message, error) {
	r := newReader(data)
	kindByte, err := r.byte()
	if err != nil {
		return nil, err
	}
	switch Kind(kindByte) {
	case KindHello:
		major, err := r.byte()
		if err != nil {
			return nil, err
		}
		minor, err := r.byte()
		if err != nil {
			return nil, err
		}
		return Hello{Version: ProtocolVersion{Major: major, Minor: minor}}, nil
	case KindSubscribe:
		f, err := decodeFilter(r)
		if err != nil {
			return nil, err
		}
		since, err := r.u64()
		if err != nil {
			return nil, err
		}
		until, err := r.u64()
		if err != nil {
			return nil, err
		}
		return Subscribe{Filter: f, Since: since, Until: until}, nil
	case KindPing:
		nonce, err := r.u64()
		if err != nil {
			return nil, err
		}
		pl, err := r.u16()
		if err != nil {
			return nil, err
		}
		return Ping{Nonce: nonce, PongLen: pl}, nil
	case KindPong:
		z, err := r.bytes16()
		if err != nil {
			return nil, err
		}
		return Pong{Zeroes: append([]byte(nil), z...)}, nil
	case KindAnnouncement:
		nodeRaw, err := r.raw(identity.Size)
		if err != nil {
			return nil, err
		}
		node, err := identity.NodeIDFromBytes(nodeRaw)
		if err != nil {
			return nil, err
		}
		bodyBytes, err := r.bytes16()
		if err != nil {
			return nil, err
		}
		body, err := DecodeBody(bodyBytes)
		if err != nil {
			return nil, err
		}
		sig, err := r.bytes16()
		if err != nil {
			return nil, err
		}
		return Announcement{Node: node, Body: body, Signature: append([]byte(nil), sig...)}, nil
	case KindFetch:
		rid, err := r.cid()
		if err != nil {
			return nil, err
		}
		return Fetch{RID: rid}, nil
	case KindFetchOk:
		return FetchOk{}, nil
	case KindFetchErr:
		reason, err := r.str16()
		if err != nil {
			return nil, err
		}
		return FetchErr{Reason: reason}, nil
	default:
		return nil, fmt.Errorf("wire: unknown message kind %d", kindByte)
	}
}
