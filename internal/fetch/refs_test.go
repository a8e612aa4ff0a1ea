package fetch

import (
	"bytes"
	"testing"

	"github.com/shurlinet/gitd/internal/storage"
)

func testObjectID(t *testing.T, seed byte) storage.ObjectID {
	t.Helper()
	id, err := storage.NewProjectID([]byte{seed, seed, seed})
	if err != nil {
		t.Fatalf("NewProjectID: %v", err)
	}
	return id
}

func TestChunkPayloadEmptyProducesOneChunk(t *testing.T) {
	chunks := chunkPayload(nil, 16)
	if len(chunks) != 1 || len(chunks[0]) != 0 {
		t.Fatalf("expected one empty chunk, got %v", chunks)
	}
}

func TestChunkPayloadSplitsEvenly(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 10)
	chunks := chunkPayload(data, 4)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != 4 || len(chunks[1]) != 4 || len(chunks[2]) != 2 {
		t.Fatalf("unexpected chunk sizes: %v %v %v", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
	var rejoined []byte
	for _, c := range chunks {
		rejoined = append(rejoined, c...)
	}
	if !bytes.Equal(rejoined, data) {
		t.Fatalf("chunks do not reassemble to original data")
	}
}

func TestRefHeaderRoundtrip(t *testing.T) {
	refs := map[string]storage.ObjectID{
		"refs/heads/main": testObjectID(t, 1),
		"refs/tags/v1":    testObjectID(t, 2),
	}
	var buf bytes.Buffer
	if err := writeRefHeader(&buf, refs); err != nil {
		t.Fatalf("writeRefHeader: %v", err)
	}
	got, err := readRefHeader(&buf)
	if err != nil {
		t.Fatalf("readRefHeader: %v", err)
	}
	if !refsEqual(refs, got) {
		t.Fatalf("roundtrip mismatch: want %v got %v", refs, got)
	}
}

func TestRefHeaderRoundtripEmpty(t *testing.T) {
	refs := map[string]storage.ObjectID{}
	var buf bytes.Buffer
	if err := writeRefHeader(&buf, refs); err != nil {
		t.Fatalf("writeRefHeader: %v", err)
	}
	got, err := readRefHeader(&buf)
	if err != nil {
		t.Fatalf("readRefHeader: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty ref set, got %v", got)
	}
}

func TestEncodeDecodeRefsForTransfer(t *testing.T) {
	refs := map[string]storage.ObjectID{
		"refs/heads/main":    testObjectID(t, 3),
		"refs/heads/develop": testObjectID(t, 4),
	}
	encoded := encodeRefsForTransfer(refs)
	decoded := decodeRefsFromTransfer(encoded)
	if !refsEqual(refs, decoded) {
		t.Fatalf("roundtrip mismatch: want %v got %v", refs, decoded)
	}
}

func TestRefsEqualDetectsDifference(t *testing.T) {
	a := map[string]storage.ObjectID{"refs/heads/main": testObjectID(t, 5)}
	b := map[string]storage.ObjectID{"refs/heads/main": testObjectID(t, 6)}
	if refsEqual(a, b) {
		t.Fatalf("expected refsEqual to detect differing object ids")
	}
	if refsEqual(a, map[string]storage.ObjectID{}) {
		t.Fatalf("expected refsEqual to detect differing length")
	}
}
