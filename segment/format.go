package segment

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"
	"os"
	"path/filepath"

	"github.com/hupe1980/stratum/model"
)

// On-disk layout, all integers little endian:
//
//	[Magic:8]["STRSEG01"]
//	[Generation:8][UpTo:8][Dimension:4][Metric:1][Count:4]
//	Count x record:
//	    [DocID:8][LSN:8][ExtIDLen:2][ExtID][Dim x float32]
//	    [MetaCount:2] MetaCount x ([KLen:2][K][VLen:2][V])
//	[CRC32C:4] over everything before the trailer.

const (
	segMagic      = "STRSEG01"
	segHeaderSize = len(segMagic) + 8 + 8 + 4 + 1 + 4
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

func encodeSegment(s *Segment) []byte {
	size := segHeaderSize
	for _, r := range s.records {
		size += 8 + 8 + 2 + len(r.ExternalID) + 4*s.dimension + 2
		for k, v := range r.Metadata {
			size += 2 + len(k) + 2 + len(v)
		}
	}
	buf := make([]byte, 0, size+4)

	buf = append(buf, segMagic...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(s.generation))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(s.upTo))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(s.dimension))
	buf = append(buf, byte(s.metric))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s.records)))

	for _, r := range s.records {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(r.DocID))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(r.LSN))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(r.ExternalID)))
		buf = append(buf, r.ExternalID...)
		for _, f := range r.Vector {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(r.Metadata)))
		for k, v := range r.Metadata {
			buf = binary.LittleEndian.AppendUint16(buf, uint16(len(k)))
			buf = append(buf, k...)
			buf = binary.LittleEndian.AppendUint16(buf, uint16(len(v)))
			buf = append(buf, v...)
		}
	}

	buf = binary.LittleEndian.AppendUint32(buf, crc32.Checksum(buf, crc32cTable))
	return buf
}

func decodeSegment(data []byte) (*Segment, error) {
	if len(data) < segHeaderSize+4 {
		return nil, model.NewIndexCorruptionError("segment file truncated", nil)
	}
	body, trailer := data[:len(data)-4], data[len(data)-4:]
	if crc32.Checksum(body, crc32cTable) != binary.LittleEndian.Uint32(trailer) {
		return nil, model.NewIndexCorruptionError("segment checksum mismatch", nil)
	}
	if string(body[:len(segMagic)]) != segMagic {
		return nil, model.NewIndexCorruptionError("bad segment magic", nil)
	}

	off := len(segMagic)
	gen := model.Generation(binary.LittleEndian.Uint64(body[off:]))
	upTo := model.LSN(binary.LittleEndian.Uint64(body[off+8:]))
	dim := int(binary.LittleEndian.Uint32(body[off+16:]))
	metric := model.DistanceMetric(body[off+20])
	count := int(binary.LittleEndian.Uint32(body[off+21:]))
	off += 8 + 8 + 4 + 1 + 4

	records := make([]model.VectorRecord, 0, count)
	for i := 0; i < count; i++ {
		var r model.VectorRecord
		if len(body)-off < 18 {
			return nil, model.NewIndexCorruptionError("segment record truncated", nil)
		}
		r.DocID = model.DocID(binary.LittleEndian.Uint64(body[off:]))
		r.LSN = model.LSN(binary.LittleEndian.Uint64(body[off+8:]))
		extLen := int(binary.LittleEndian.Uint16(body[off+16:]))
		off += 18
		if len(body)-off < extLen+4*dim+2 {
			return nil, model.NewIndexCorruptionError("segment record truncated", nil)
		}
		r.ExternalID = string(body[off : off+extLen])
		off += extLen
		r.Vector = make([]float32, dim)
		for j := range r.Vector {
			r.Vector[j] = math.Float32frombits(binary.LittleEndian.Uint32(body[off:]))
			off += 4
		}
		metaCount := int(binary.LittleEndian.Uint16(body[off:]))
		off += 2
		if metaCount > 0 {
			r.Metadata = make(model.Metadata, metaCount)
			for j := 0; j < metaCount; j++ {
				k, n, err := readString(body, off)
				if err != nil {
					return nil, err
				}
				off = n
				v, n, err := readString(body, off)
				if err != nil {
					return nil, err
				}
				off = n
				r.Metadata[k] = v
			}
		}
		records = append(records, r)
	}
	if off != len(body) {
		return nil, model.NewIndexCorruptionError("segment has trailing bytes", nil)
	}
	return NewSegment(gen, upTo, dim, metric, records), nil
}

func readString(body []byte, off int) (string, int, error) {
	if len(body)-off < 2 {
		return "", 0, model.NewIndexCorruptionError("segment metadata truncated", nil)
	}
	n := int(binary.LittleEndian.Uint16(body[off:]))
	off += 2
	if len(body)-off < n {
		return "", 0, model.NewIndexCorruptionError("segment metadata truncated", nil)
	}
	return string(body[off : off+n]), off + n, nil
}

func segmentFileName(gen model.Generation) string {
	return fmt.Sprintf("segment-%016d.seg", uint64(gen))
}

// writeSegmentFile writes the encoded segment to dir atomically: a temp
// file is written, fsynced, and renamed into place, then the directory
// is fsynced so the rename itself is durable.
func writeSegmentFile(dir string, s *Segment) (string, error) {
	path := filepath.Join(dir, segmentFileName(s.generation))
	tmp, err := os.CreateTemp(dir, "segment-*.tmp")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(encodeSegment(s)); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return path, nil
}

func readSegmentFile(path string) (*Segment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return decodeSegment(data)
}
