package fetch

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/ipfs/go-cid"

	"github.com/shurlinet/gitd/internal/storage"
)

// chunkPayload splits data into size-byte pieces, always returning at
// least one (possibly empty) chunk so an empty ref set still produces
// one verifiable, zero-length chunk rather than no chunks at all.
func chunkPayload(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var chunks [][]byte
	for off := 0; off < len(data); off += size {
		end := off + size
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[off:end])
	}
	return chunks
}

// writeRefHeader sends the plaintext ref-name -> object-id header
// that precedes the FEC-protected object stream, so the receiver
// knows what it's about to reconstruct and can cross-check it once
// decoded.
func writeRefHeader(w io.Writer, refs map[string]storage.ObjectID) error {
	names := sortedRefNames(refs)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(names)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("fetch: write ref count: %w", err)
	}
	for _, name := range names {
		if err := writeRefEntry(w, name, refs[name]); err != nil {
			return err
		}
	}
	return nil
}

func writeRefEntry(w io.Writer, name string, obj storage.ObjectID) error {
	var nameLen [2]byte
	binary.BigEndian.PutUint16(nameLen[:], uint16(len(name)))
	if _, err := w.Write(nameLen[:]); err != nil {
		return err
	}
	if _, err := io.WriteString(w, name); err != nil {
		return err
	}
	idBytes := obj.Bytes()
	var idLen [2]byte
	binary.BigEndian.PutUint16(idLen[:], uint16(len(idBytes)))
	if _, err := w.Write(idLen[:]); err != nil {
		return err
	}
	_, err := w.Write(idBytes)
	return err
}

func readRefHeader(r io.Reader) (map[string]storage.ObjectID, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("fetch: read ref count: %w", err)
	}
	count := binary.BigEndian.Uint32(lenBuf[:])
	refs := make(map[string]storage.ObjectID, count)
	for i := uint32(0); i < count; i++ {
		name, obj, err := readRefEntry(r)
		if err != nil {
			return nil, err
		}
		refs[name] = obj
	}
	return refs, nil
}

func readRefEntry(r io.Reader) (string, storage.ObjectID, error) {
	var nameLen [2]byte
	if _, err := io.ReadFull(r, nameLen[:]); err != nil {
		return "", storage.ObjectID{}, fmt.Errorf("fetch: read ref name length: %w", err)
	}
	nameBuf := make([]byte, binary.BigEndian.Uint16(nameLen[:]))
	if _, err := io.ReadFull(r, nameBuf); err != nil {
		return "", storage.ObjectID{}, fmt.Errorf("fetch: read ref name: %w", err)
	}
	var idLen [2]byte
	if _, err := io.ReadFull(r, idLen[:]); err != nil {
		return "", storage.ObjectID{}, fmt.Errorf("fetch: read object id length: %w", err)
	}
	idBuf := make([]byte, binary.BigEndian.Uint16(idLen[:]))
	if _, err := io.ReadFull(r, idBuf); err != nil {
		return "", storage.ObjectID{}, fmt.Errorf("fetch: read object id: %w", err)
	}
	obj, err := cid.Cast(idBuf)
	if err != nil {
		return "", storage.ObjectID{}, fmt.Errorf("fetch: decode object id: %w", err)
	}
	return string(nameBuf), obj, nil
}

func sortedRefNames(refs map[string]storage.ObjectID) []string {
	names := make([]string, 0, len(refs))
	for name := range refs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func refsEqual(a, b map[string]storage.ObjectID) bool {
	if len(a) != len(b) {
		return false
	}
	for name, id := range a {
		other, ok := b[name]
		if !ok || !other.Equals(id) {
			return false
		}
	}
	return true
}

// encodeRefsForTransfer and decodeRefsFromTransfer round-trip a ref
// set as a flat byte stream: this is the stand-in "object stream"
// protected by the chunked FEC transfer in transfer.go, since the
// real object payload format is outside storage.Storage's interface.
func encodeRefsForTransfer(refs map[string]storage.ObjectID) []byte {
	var buf []byte
	for _, name := range sortedRefNames(refs) {
		obj := refs[name]
		var nameLen [2]byte
		binary.BigEndian.PutUint16(nameLen[:], uint16(len(name)))
		buf = append(buf, nameLen[:]...)
		buf = append(buf, name...)
		idBytes := obj.Bytes()
		var idLen [2]byte
		binary.BigEndian.PutUint16(idLen[:], uint16(len(idBytes)))
		buf = append(buf, idLen[:]...)
		buf = append(buf, idBytes...)
	}
	return buf
}

func decodeRefsFromTransfer(data []byte) map[string]storage.ObjectID {
	refs := make(map[string]storage.ObjectID)
	off := 0
	for off < len(data) {
		if off+2 > len(data) {
			break
		}
		nameLen := int(binary.BigEndian.Uint16(data[off:]))
		off += 2
		if off+nameLen > len(data) {
			break
		}
		name := string(data[off : off+nameLen])
		off += nameLen
		if off+2 > len(data) {
			break
		}
		idLen := int(binary.BigEndian.Uint16(data[off:]))
		off += 2
		if off+idLen > len(data) {
			break
		}
		obj, err := cid.Cast(data[off : off+idLen])
		off += idLen
		if err != nil {
			continue
		}
		refs[name] = obj
	}
	return refs
}
