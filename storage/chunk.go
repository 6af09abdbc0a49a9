package storage

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/R3E-Network/confidential-runtime/tee/types"
)

const (
	headerVersion = 1

	flagCompression byte = 1 << 0
	flagEncryption  byte = 1 << 1
)

// header describes the physical layout of a stored value: version, flags
// (compression, encryption), original length, chunk count and per-chunk
// digests, as required by §4.3 of the storage contract.
type header struct {
	Version        byte
	Flags          byte
	OriginalLength uint64
	ChunkCount     uint32
	ChunkDigests   [][32]byte
}

func (h *header) compressed() bool { return h.Flags&flagCompression != 0 }
func (h *header) encrypted() bool  { return h.Flags&flagEncryption != 0 }

// encodeHeader serializes the header to bytes for storage under the bare
// logical key.
func encodeHeader(h *header) []byte {
	var buf bytes.Buffer
	buf.WriteByte(h.Version)
	buf.WriteByte(h.Flags)
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], h.OriginalLength)
	buf.Write(lenBuf[:])
	var cntBuf [4]byte
	binary.BigEndian.PutUint32(cntBuf[:], h.ChunkCount)
	buf.Write(cntBuf[:])
	for _, d := range h.ChunkDigests {
		buf.Write(d[:])
	}
	return buf.Bytes()
}

// decodeHeader parses a header previously produced by encodeHeader,
// returning IntegrityError on any structural mismatch.
func decodeHeader(raw []byte) (*header, error) {
	if len(raw) < 1+1+8+4 {
		return nil, fmt.Errorf("%w: header too short", types.ErrIntegrityError)
	}
	h := &header{
		Version:        raw[0],
		Flags:          raw[1],
		OriginalLength: binary.BigEndian.Uint64(raw[2:10]),
		ChunkCount:     binary.BigEndian.Uint32(raw[10:14]),
	}
	if h.Version != headerVersion {
		return nil, fmt.Errorf("%w: unsupported header version %d", types.ErrIntegrityError, h.Version)
	}
	want := 14 + int(h.ChunkCount)*32
	if len(raw) != want {
		return nil, fmt.Errorf("%w: header length mismatch", types.ErrIntegrityError)
	}
	h.ChunkDigests = make([][32]byte, h.ChunkCount)
	for i := 0; i < int(h.ChunkCount); i++ {
		copy(h.ChunkDigests[i][:], raw[14+i*32:14+(i+1)*32])
	}
	return h, nil
}

// splitChunks divides plaintext into chunks of at most maxChunkSize bytes.
// An empty input still produces exactly one (empty) chunk, so zero-length
// values round-trip through the same chunk/header machinery as any other
// value.
func splitChunks(data []byte, maxChunkSize int) [][]byte {
	if maxChunkSize <= 0 {
		maxChunkSize = defaultMaxChunkSize
	}
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var chunks [][]byte
	for offset := 0; offset < len(data); offset += maxChunkSize {
		end := offset + maxChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[offset:end])
	}
	return chunks
}

func digest(b []byte) [32]byte {
	return sha256.Sum256(b)
}

func chunkKey(key string, index int) string {
	return fmt.Sprintf("%s/%d", key, index)
}

const defaultMaxChunkSize = 4 << 20 // 4 MiB
