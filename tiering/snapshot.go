package tiering

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/parquet-go/parquet-go"

	"github.com/hupe1980/stratum/model"
	"github.com/hupe1980/stratum/segment"
)

// snapshotRow is the Parquet schema of one cold tier record.
type snapshotRow struct {
	DocID      uint64    `parquet:"doc_id"`
	ExternalID string    `parquet:"external_id"`
	Vector     []float32 `parquet:"vector"`
	// Metadata is JSON-encoded; Parquet has no native string-map type
	// that external tooling reads uniformly.
	Metadata string `parquet:"metadata"`
	LSN      uint64 `parquet:"lsn"`
}

// Segment identity travels in the Parquet footer's key-value metadata.
const (
	metaGeneration = "stratum.generation"
	metaUpTo       = "stratum.up_to_lsn"
	metaDimension  = "stratum.dimension"
	metaMetric     = "stratum.metric"
)

// EncodeSnapshot serializes a sealed generation as a zstd-compressed
// Parquet file.
func EncodeSnapshot(seg *segment.Segment) ([]byte, error) {
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[snapshotRow](&buf,
		parquet.Compression(&parquet.Zstd),
		parquet.KeyValueMetadata(metaGeneration, strconv.FormatUint(uint64(seg.Generation()), 10)),
		parquet.KeyValueMetadata(metaUpTo, strconv.FormatUint(uint64(seg.UpTo()), 10)),
		parquet.KeyValueMetadata(metaDimension, strconv.Itoa(seg.Dimension())),
		parquet.KeyValueMetadata(metaMetric, seg.Metric().String()),
	)

	records := seg.Records()
	rows := make([]snapshotRow, 0, len(records))
	for _, r := range records {
		row := snapshotRow{
			DocID:      uint64(r.DocID),
			ExternalID: r.ExternalID,
			Vector:     r.Vector,
			LSN:        uint64(r.LSN),
		}
		if len(r.Metadata) > 0 {
			meta, err := json.Marshal(r.Metadata)
			if err != nil {
				return nil, fmt.Errorf("tiering: encode metadata of doc %d: %w", r.DocID, err)
			}
			row.Metadata = string(meta)
		}
		rows = append(rows, row)
	}

	if _, err := w.Write(rows); err != nil {
		return nil, fmt.Errorf("tiering: write snapshot rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("tiering: close snapshot writer: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeSnapshot rebuilds a sealed generation from a Parquet snapshot.
func DecodeSnapshot(data []byte) (*segment.Segment, error) {
	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, model.NewIndexCorruptionError("unreadable cold snapshot", err)
	}

	gen, err := footerUint(f, metaGeneration)
	if err != nil {
		return nil, err
	}
	upTo, err := footerUint(f, metaUpTo)
	if err != nil {
		return nil, err
	}
	dim, err := footerUint(f, metaDimension)
	if err != nil {
		return nil, err
	}
	metricName, ok := f.Lookup(metaMetric)
	if !ok {
		return nil, model.NewIndexCorruptionError("cold snapshot missing "+metaMetric, nil)
	}
	metric, err := model.ParseDistanceMetric(metricName)
	if err != nil {
		return nil, model.NewIndexCorruptionError("cold snapshot has invalid metric", err)
	}

	rows, err := parquet.Read[snapshotRow](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, model.NewIndexCorruptionError("unreadable cold snapshot rows", err)
	}

	records := make([]model.VectorRecord, 0, len(rows))
	for _, row := range rows {
		rec := model.VectorRecord{
			DocID:      model.DocID(row.DocID),
			ExternalID: row.ExternalID,
			Vector:     row.Vector,
			LSN:        model.LSN(row.LSN),
		}
		if row.Metadata != "" {
			if err := json.Unmarshal([]byte(row.Metadata), &rec.Metadata); err != nil {
				return nil, model.NewIndexCorruptionError(
					fmt.Sprintf("cold snapshot has invalid metadata for doc %d", row.DocID), err)
			}
		}
		records = append(records, rec)
	}

	return segment.NewSegment(model.Generation(gen), model.LSN(upTo), int(dim), metric, records), nil
}

func footerUint(f *parquet.File, key string) (uint64, error) {
	v, ok := f.Lookup(key)
	if !ok {
		return 0, model.NewIndexCorruptionError("cold snapshot missing "+key, nil)
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, model.NewIndexCorruptionError("cold snapshot has invalid "+key, err)
	}
	return n, nil
}
