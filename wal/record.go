package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/klauspost/compress/zstd"

	"github.com/hupe1980/stratum/model"
)

// On-disk framing:
//
//	[CRC32C: 4] [Type: 1] [Flags: 1] [LSN: 8] [Length: 4] [Payload: Length]
//
// The checksum covers Type through Payload. Payload layout depends on
// the record type:
//
//	Insert:     [DocID: 8] [ExtIDLen: 2] [ExtID] [Dim: 4] [Vector: Dim*4] [Metadata]
//	Delete:     [DocID: 8]
//	Compaction: [Generation: 8] [UpTo: 8]
//
// Metadata is [Count: 2] then Count pairs of length-prefixed key/value
// strings. Flag bit 0 marks a zstd-compressed payload.

const (
	frameHeaderSize = 4 + 1 + 1 + 8 + 4
	flagCompressed  = 1 << 0

	// maxRecordSize guards replay against garbage length fields.
	maxRecordSize = 256 * 1024 * 1024

	// compressThreshold skips compression for payloads too small to
	// benefit from it.
	compressThreshold = 128
)

var (
	// ErrInvalidCRC is returned when a record fails checksum verification.
	ErrInvalidCRC = errors.New("wal: invalid record checksum")
	// ErrInvalidType is returned for an unknown record type byte.
	ErrInvalidType = errors.New("wal: invalid record type")
	// ErrRecordTooLarge is returned when a length field exceeds the sanity
	// limit.
	ErrRecordTooLarge = errors.New("wal: record too large")
	// ErrShortPayload is returned when a payload is truncated relative to
	// its declared contents.
	ErrShortPayload = errors.New("wal: short payload")
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

func encodePayload(rec *Record) ([]byte, error) {
	switch rec.Type {
	case OpInsert:
		if len(rec.ExternalID) > math.MaxUint16 {
			return nil, fmt.Errorf("wal: external id too long (%d bytes)", len(rec.ExternalID))
		}
		size := 8 + 2 + len(rec.ExternalID) + 4 + len(rec.Vector)*4 + metadataSize(rec.Metadata)
		buf := make([]byte, 0, size)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(rec.DocID))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(rec.ExternalID)))
		buf = append(buf, rec.ExternalID...)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rec.Vector)))
		for _, v := range rec.Vector {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		}
		return appendMetadata(buf, rec.Metadata)
	case OpDelete:
		buf := make([]byte, 0, 8)
		return binary.LittleEndian.AppendUint64(buf, uint64(rec.DocID)), nil
	case OpCompaction:
		buf := make([]byte, 0, 16)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(rec.Generation))
		return binary.LittleEndian.AppendUint64(buf, uint64(rec.UpTo)), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidType, rec.Type)
	}
}

func metadataSize(m model.Metadata) int {
	size := 2
	for k, v := range m {
		size += 2 + len(k) + 2 + len(v)
	}
	return size
}

func appendMetadata(buf []byte, m model.Metadata) ([]byte, error) {
	if len(m) > math.MaxUint16 {
		return nil, fmt.Errorf("wal: too many metadata entries (%d)", len(m))
	}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(m)))
	for k, v := range m {
		if len(k) > math.MaxUint16 || len(v) > math.MaxUint16 {
			return nil, fmt.Errorf("wal: metadata entry too long")
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(k)))
		buf = append(buf, k...)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(v)))
		buf = append(buf, v...)
	}
	return buf, nil
}

// encodeRecord frames rec for the on-disk stream. enc may be nil to
// disable compression.
func encodeRecord(rec *Record, enc *zstd.Encoder) ([]byte, error) {
	payload, err := encodePayload(rec)
	if err != nil {
		return nil, err
	}

	var flags byte
	if enc != nil && len(payload) >= compressThreshold {
		compressed := enc.EncodeAll(payload, make([]byte, 0, len(payload)))
		if len(compressed) < len(payload) {
			payload = compressed
			flags |= flagCompressed
		}
	}

	frame := make([]byte, frameHeaderSize, frameHeaderSize+len(payload))
	frame[4] = byte(rec.Type)
	frame[5] = flags
	binary.LittleEndian.PutUint64(frame[6:], uint64(rec.LSN))
	binary.LittleEndian.PutUint32(frame[14:], uint32(len(payload)))
	frame = append(frame, payload...)

	checksum := crc32.Checksum(frame[4:], crc32cTable)
	binary.LittleEndian.PutUint32(frame[0:4], checksum)

	return frame, nil
}

// decodeRecord reads one framed record from r. Torn writes surface as
// io.ErrUnexpectedEOF or ErrInvalidCRC; callers decide whether that
// truncates replay or is fatal.
func decodeRecord(r io.Reader, dec *zstd.Decoder) (*Record, error) {
	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	recType := OpType(header[4])
	flags := header[5]
	lsn := model.LSN(binary.LittleEndian.Uint64(header[6:]))
	length := binary.LittleEndian.Uint32(header[14:])

	if length > maxRecordSize {
		return nil, ErrRecordTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	crc := crc32.New(crc32cTable)
	crc.Write(header[4:])
	crc.Write(payload)
	if crc.Sum32() != binary.LittleEndian.Uint32(header[0:4]) {
		return nil, ErrInvalidCRC
	}

	if flags&flagCompressed != 0 {
		if dec == nil {
			return nil, errors.New("wal: compressed record but compression disabled")
		}
		raw, err := dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("wal: decompress record: %w", err)
		}
		payload = raw
	}

	rec := &Record{LSN: lsn, Type: recType}
	switch recType {
	case OpInsert:
		if err := parseInsert(payload, rec); err != nil {
			return nil, err
		}
	case OpDelete:
		if len(payload) < 8 {
			return nil, ErrShortPayload
		}
		rec.DocID = model.DocID(binary.LittleEndian.Uint64(payload))
	case OpCompaction:
		if len(payload) < 16 {
			return nil, ErrShortPayload
		}
		rec.Generation = model.Generation(binary.LittleEndian.Uint64(payload))
		rec.UpTo = model.LSN(binary.LittleEndian.Uint64(payload[8:]))
	default:
		return nil, ErrInvalidType
	}

	return rec, nil
}

func parseInsert(payload []byte, rec *Record) error {
	if len(payload) < 8+2 {
		return ErrShortPayload
	}
	rec.DocID = model.DocID(binary.LittleEndian.Uint64(payload))
	off := 8

	extLen := int(binary.LittleEndian.Uint16(payload[off:]))
	off += 2
	if len(payload) < off+extLen+4 {
		return ErrShortPayload
	}
	rec.ExternalID = string(payload[off : off+extLen])
	off += extLen

	dim := int(binary.LittleEndian.Uint32(payload[off:]))
	off += 4
	if dim > maxRecordSize/4 || len(payload) < off+dim*4 {
		return ErrShortPayload
	}
	rec.Vector = make([]float32, dim)
	for i := range rec.Vector {
		rec.Vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[off:]))
		off += 4
	}

	meta, _, err := parseMetadata(payload, off)
	if err != nil {
		return err
	}
	rec.Metadata = meta
	return nil
}

func parseMetadata(payload []byte, off int) (model.Metadata, int, error) {
	if len(payload) < off+2 {
		return nil, 0, ErrShortPayload
	}
	count := int(binary.LittleEndian.Uint16(payload[off:]))
	off += 2
	if count == 0 {
		return nil, off, nil
	}
	meta := make(model.Metadata, count)
	for i := 0; i < count; i++ {
		var k, v string
		var err error
		k, off, err = parseString(payload, off)
		if err != nil {
			return nil, 0, err
		}
		v, off, err = parseString(payload, off)
		if err != nil {
			return nil, 0, err
		}
		meta[k] = v
	}
	return meta, off, nil
}

func parseString(payload []byte, off int) (string, int, error) {
	if len(payload) < off+2 {
		return "", 0, ErrShortPayload
	}
	n := int(binary.LittleEndian.Uint16(payload[off:]))
	off += 2
	if len(payload) < off+n {
		return "", 0, ErrShortPayload
	}
	return string(payload[off : off+n]), off + n, nil
}
