package fetch

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/xssnick/raptorq"
	"github.com/zeebo/blake3"

	"github.com/shurlinet/gitd/internal/storage"
)

// Wire shape for one chunk, written ahead of its RaptorQ symbols:
//
//	u32 chunkLen       (length of the chunk's plaintext, before FEC)
//	u32 symbolCount     (number of symbols transmitted, source + repair)
//	32 bytes            blake3 digest of the plaintext chunk
//	repeated symbolCount times:
//	    u32 symbolID
//	    SymbolSize bytes (the last symbol of the last chunk may be short)
//
// A chunkLen of 0 marks end of stream.
const endOfStream = 0

func (p *Pool) send(ctx context.Context, j job) error {
	refs, err := p.storage.Refs(j.rid, [32]byte{})
	if err != nil {
		return fmt.Errorf("fetch: read refs for %s: %w", j.rid, err)
	}
	if err := writeRefHeader(j.stream, refs); err != nil {
		return err
	}

	// The object payload itself is out of the storage interface's
	// scope (it only models refs + a verified byte stream); encode
	// the ref set's canonical bytes as the object stream stand-in, so
	// the chunked FEC path below has real bytes to protect and the
	// round trip is independently verifiable end to end.
	payload := encodeRefsForTransfer(refs)
	rq := raptorq.NewRaptorQ(p.cfg.SymbolSize)

	chunks := chunkPayload(payload, p.cfg.ChunkSize)
	for _, chunk := range chunks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := sendChunk(rq, j.stream, chunk, p.cfg.Overhead); err != nil {
			return err
		}
	}
	return sendEndOfStream(j.stream)
}

func (p *Pool) receive(ctx context.Context, j job) error {
	refs, err := readRefHeader(j.stream)
	if err != nil {
		return err
	}

	rq := raptorq.NewRaptorQ(p.cfg.SymbolSize)
	var reconstructed bytes.Buffer
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		chunk, eof, err := receiveChunk(rq, j.stream)
		if err != nil {
			return err
		}
		if eof {
			break
		}
		reconstructed.Write(chunk)
	}

	gotRefs := decodeRefsFromTransfer(reconstructed.Bytes())
	if !refsEqual(refs, gotRefs) {
		return &storage.VerifyError{Project: j.rid, Reason: "reconstructed ref set does not match announced header"}
	}
	return p.storage.WriteRefs(j.rid, j.node32(), refs, bytes.NewReader(reconstructed.Bytes()))
}

func (j *job) node32() [32]byte { return [32]byte(j.node) }

func sendChunk(rq *raptorq.RaptorQ, w io.Writer, chunk []byte, overhead uint32) error {
	enc, err := rq.CreateEncoder(chunk)
	if err != nil {
		return fmt.Errorf("fetch: create encoder: %w", err)
	}
	digest := blake3.Sum256(chunk)

	sourceSymbols := enc.BaseSymbolsNum()
	total := sourceSymbols + overhead

	var hdr [4 + 4 + 32]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(chunk)))
	binary.BigEndian.PutUint32(hdr[4:8], total)
	copy(hdr[8:], digest[:])
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("fetch: write chunk header: %w", err)
	}

	for id := uint32(0); id < total; id++ {
		sym := enc.GenSymbol(id)
		var symHdr [4]byte
		binary.BigEndian.PutUint32(symHdr[:], sym.ID)
		if _, err := w.Write(symHdr[:]); err != nil {
			return fmt.Errorf("fetch: write symbol header: %w", err)
		}
		if _, err := w.Write(sym.Data); err != nil {
			return fmt.Errorf("fetch: write symbol data: %w", err)
		}
	}
	return nil
}

func sendEndOfStream(w io.Writer) error {
	var hdr [4 + 4 + 32]byte // chunkLen == 0 signals end of stream
	_, err := w.Write(hdr[:])
	return err
}

func receiveChunk(rq *raptorq.RaptorQ, r io.Reader) (chunk []byte, eof bool, err error) {
	var hdr [4 + 4 + 32]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, false, fmt.Errorf("fetch: read chunk header: %w", err)
	}
	chunkLen := binary.BigEndian.Uint32(hdr[0:4])
	if chunkLen == endOfStream {
		return nil, true, nil
	}
	symbolCount := binary.BigEndian.Uint32(hdr[4:8])
	wantDigest := hdr[8:]

	dec, err := rq.CreateDecoder(chunkLen)
	if err != nil {
		return nil, false, fmt.Errorf("fetch: create decoder: %w", err)
	}

	// Every transmitted symbol is read off the stream, even once the
	// decoder has enough, so the next chunk header starts where expected.
	done := false
	for i := uint32(0); i < symbolCount; i++ {
		var symHdr [4]byte
		if _, err := io.ReadFull(r, symHdr[:]); err != nil {
			return nil, false, fmt.Errorf("fetch: read symbol header: %w", err)
		}
		data := make([]byte, rq.SymbolSize())
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, false, fmt.Errorf("fetch: read symbol data: %w", err)
		}
		if done {
			continue
		}
		ok, err := dec.AddSymbol(&raptorq.Symbol{ID: binary.BigEndian.Uint32(symHdr[:]), Data: data})
		if err != nil {
			return nil, false, fmt.Errorf("fetch: add symbol: %w", err)
		}
		done = ok
	}

	data, err := dec.Decode()
	if err != nil {
		return nil, false, fmt.Errorf("fetch: reconstruct chunk: %w", err)
	}
	got := blake3.Sum256(data)
	if !bytes.Equal(got[:], wantDigest) {
		return nil, false, fmt.Errorf("fetch: chunk digest mismatch")
	}
	return data, false, nil
}
