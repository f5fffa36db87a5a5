package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/hupe1980/stratum/model"
)

// ReplayStats summarizes a replay pass.
type ReplayStats struct {
	// Applied is the number of records passed to the callback.
	Applied int
	// LastLSN is the LSN of the last record decoded (applied or skipped).
	LastLSN model.LSN
	// Truncated reports whether replay stopped early at a torn or corrupt
	// record instead of reaching the end of the log.
	Truncated bool
}

// Replay scans the log files in ascending LSN order and invokes fn for
// every record with an LSN >= from.
//
// A checksum failure (or torn record) mid-stream truncates replay at
// that point rather than failing startup, provided at least one valid
// antecedent exists: either a previously decoded record or a sealed
// segment (baseline=true). A corrupt stream with zero valid antecedent
// state is a fatal DurabilityError.
func Replay(dir string, from model.LSN, baseline bool, fn func(*Record) error) (ReplayStats, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return ReplayStats{}, fmt.Errorf("wal: init decompressor: %w", err)
	}
	defer dec.Close()

	files, err := listFiles(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return ReplayStats{}, nil
		}
		return ReplayStats{}, err
	}

	var stats ReplayStats
	sawValid := false
	var prev model.LSN

	for i, f := range files {
		// A file is entirely below the replay window when its successor
		// starts at or below from; skipping it is safe because file names
		// carry the LSN of their first entry.
		if i+1 < len(files) && files[i+1].start <= from {
			sawValid = true // sealed history counts as antecedent state
			prev = 0
			continue
		}

		done, err := replayFile(f.path, dec, from, fn, &stats, &sawValid, &prev)
		if err != nil {
			return stats, err
		}
		if done {
			break
		}
	}

	if stats.Truncated && !sawValid && !baseline {
		return stats, model.NewDurabilityError("replay", errors.New("corrupt log with no valid antecedent state"))
	}
	return stats, nil
}

func replayFile(path string, dec *zstd.Decoder, from model.LSN, fn func(*Record) error, stats *ReplayStats, sawValid *bool, prev *model.LSN) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		rec, err := decodeRecord(r, dec)
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		if err != nil {
			// Torn or corrupt record: truncate replay here. Whether that is
			// tolerable is decided by the caller via the antecedent rule.
			stats.Truncated = true
			return true, nil
		}

		// LSNs are gapless within a stream; a gap means a log file went
		// missing, which replay cannot repair.
		if *prev != 0 && rec.LSN != prev.Next() {
			return true, model.NewDurabilityError("replay",
				fmt.Errorf("gap in log stream: %s followed by %s", *prev, rec.LSN))
		}
		*prev = rec.LSN
		*sawValid = true
		stats.LastLSN = rec.LSN

		if rec.LSN < from {
			continue
		}
		if err := fn(rec); err != nil {
			return true, err
		}
		stats.Applied++
	}
}
