package wal

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/stratum/model"
)

func insertRecord(doc model.DocID) *Record {
	return &Record{
		Type:     OpInsert,
		DocID:    doc,
		Vector:   []float32{1, 2, 3},
		Metadata: model.Metadata{"source": "test"},
	}
}

func TestAppendAssignsSequentialLSNs(t *testing.T) {
	dir := t.TempDir()

	log, err := Open(dir)
	require.NoError(t, err)
	defer log.Close()

	for i := 1; i <= 5; i++ {
		lsn, err := log.Append(insertRecord(model.DocID(i)))
		require.NoError(t, err)
		assert.Equal(t, model.LSN(i), lsn)
	}

	assert.Equal(t, model.LSN(5), log.CurrentLSN())
}

func TestReplayRoundTrip(t *testing.T) {
	dir := t.TempDir()

	log, err := Open(dir)
	require.NoError(t, err)

	_, err = log.Append(insertRecord(1))
	require.NoError(t, err)
	_, err = log.Append(&Record{Type: OpDelete, DocID: 1})
	require.NoError(t, err)
	_, err = log.Append(insertRecord(2))
	require.NoError(t, err)
	require.NoError(t, log.Close())

	var got []*Record
	stats, err := Replay(dir, 1, false, func(rec *Record) error {
		got = append(got, rec)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 3, stats.Applied)
	assert.False(t, stats.Truncated)

	assert.Equal(t, OpInsert, got[0].Type)
	assert.Equal(t, model.DocID(1), got[0].DocID)
	assert.Equal(t, []float32{1, 2, 3}, got[0].Vector)
	assert.Equal(t, model.Metadata{"source": "test"}, got[0].Metadata)

	assert.Equal(t, OpDelete, got[1].Type)
	assert.Equal(t, model.LSN(2), got[1].LSN)

	assert.Equal(t, model.DocID(2), got[2].DocID)
}

func TestReplayFrom(t *testing.T) {
	dir := t.TempDir()

	log, err := Open(dir)
	require.NoError(t, err)
	for i := 1; i <= 10; i++ {
		_, err = log.Append(insertRecord(model.DocID(i)))
		require.NoError(t, err)
	}
	require.NoError(t, log.Close())

	var lsns []model.LSN
	_, err = Replay(dir, 7, false, func(rec *Record) error {
		lsns = append(lsns, rec.LSN)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []model.LSN{7, 8, 9, 10}, lsns)
}

func TestRotationNamesFileByNextLSN(t *testing.T) {
	dir := t.TempDir()

	log, err := Open(dir)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		_, err = log.Append(insertRecord(model.DocID(i)))
		require.NoError(t, err)
	}
	require.NoError(t, log.Rotate())

	// The new file is named by the LSN of the next entry to be written
	// (4), not the last entry written (3). Naming by the last entry would
	// make replay(from=4) skip the file that holds LSN 4.
	_, err = os.Stat(filepath.Join(dir, fileName(4)))
	require.NoError(t, err)

	_, err = log.Append(insertRecord(4))
	require.NoError(t, err)
	require.NoError(t, log.Close())

	var lsns []model.LSN
	_, err = Replay(dir, 4, false, func(rec *Record) error {
		lsns = append(lsns, rec.LSN)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []model.LSN{4}, lsns)
}

func TestAutoRotation(t *testing.T) {
	dir := t.TempDir()

	log, err := Open(dir, func(o *Options) {
		o.MaxFileSize = 128
	})
	require.NoError(t, err)

	for i := 1; i <= 20; i++ {
		_, err = log.Append(insertRecord(model.DocID(i)))
		require.NoError(t, err)
	}
	require.NoError(t, log.Close())

	files, err := listFiles(dir)
	require.NoError(t, err)
	require.Greater(t, len(files), 1)

	// Replay sees every entry across rotation boundaries, in order.
	var lsns []model.LSN
	_, err = Replay(dir, 1, false, func(rec *Record) error {
		lsns = append(lsns, rec.LSN)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, lsns, 20)
	for i, lsn := range lsns {
		assert.Equal(t, model.LSN(i+1), lsn)
	}
}

func TestReopenContinuesSequence(t *testing.T) {
	dir := t.TempDir()

	log, err := Open(dir)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err = log.Append(insertRecord(model.DocID(i)))
		require.NoError(t, err)
	}
	require.NoError(t, log.Close())

	log, err = Open(dir)
	require.NoError(t, err)
	defer log.Close()

	lsn, err := log.Append(insertRecord(4))
	require.NoError(t, err)
	assert.Equal(t, model.LSN(4), lsn)
}

func TestTornWriteTruncatesReplay(t *testing.T) {
	dir := t.TempDir()

	log, err := Open(dir)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err = log.Append(insertRecord(model.DocID(i)))
		require.NoError(t, err)
	}
	require.NoError(t, log.Close())

	// Simulate a torn write by appending garbage to the log file.
	files, err := listFiles(dir)
	require.NoError(t, err)
	f, err := os.OpenFile(files[0].path, os.O_WRONLY|os.O_APPEND, 0o640)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xde, 0xad, 0xbe})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	var applied int
	stats, err := Replay(dir, 1, false, func(*Record) error {
		applied++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, applied)
	assert.True(t, stats.Truncated)
}

func TestCorruptLogWithoutAntecedentIsFatal(t *testing.T) {
	dir := t.TempDir()

	log, err := Open(dir)
	require.NoError(t, err)
	_, err = log.Append(insertRecord(1))
	require.NoError(t, err)
	require.NoError(t, log.Close())

	// Corrupt the very first record so no valid entry precedes the
	// failure.
	files, err := listFiles(dir)
	require.NoError(t, err)
	data, err := os.ReadFile(files[0].path)
	require.NoError(t, err)
	data[8] ^= 0xff
	require.NoError(t, os.WriteFile(files[0].path, data, 0o640))

	_, err = Replay(dir, 1, false, func(*Record) error { return nil })
	require.Error(t, err)
	var de *model.DurabilityError
	require.ErrorAs(t, err, &de)

	// The same corruption is tolerable when a sealed segment exists.
	stats, err := Replay(dir, 1, true, func(*Record) error { return nil })
	require.NoError(t, err)
	assert.True(t, stats.Truncated)
}

func TestReopenTruncatesTornTail(t *testing.T) {
	dir := t.TempDir()

	log, err := Open(dir)
	require.NoError(t, err)
	for i := 1; i <= 2; i++ {
		_, err = log.Append(insertRecord(model.DocID(i)))
		require.NoError(t, err)
	}
	require.NoError(t, log.Close())

	files, err := listFiles(dir)
	require.NoError(t, err)
	f, err := os.OpenFile(files[0].path, os.O_WRONLY|os.O_APPEND, 0o640)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x01, 0x02})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Reopen drops the torn tail and continues the sequence cleanly.
	log, err = Open(dir)
	require.NoError(t, err)
	lsn, err := log.Append(insertRecord(3))
	require.NoError(t, err)
	assert.Equal(t, model.LSN(3), lsn)
	require.NoError(t, log.Close())

	var lsns []model.LSN
	_, err = Replay(dir, 1, false, func(rec *Record) error {
		lsns = append(lsns, rec.LSN)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []model.LSN{1, 2, 3}, lsns)
}

func TestCheckpointPrunesCoveredFiles(t *testing.T) {
	dir := t.TempDir()

	log, err := Open(dir, func(o *Options) {
		o.MaxFileSize = 128
		o.Retention = 0
	})
	require.NoError(t, err)
	defer log.Close()

	for i := 1; i <= 20; i++ {
		_, err = log.Append(insertRecord(model.DocID(i)))
		require.NoError(t, err)
	}

	before, err := listFiles(dir)
	require.NoError(t, err)
	require.Greater(t, len(before), 2)

	require.NoError(t, log.Checkpoint(1, 20))

	after, err := listFiles(dir)
	require.NoError(t, err)
	assert.Less(t, len(after), len(before))

	// Entries after the checkpoint are still replayable.
	var applied int
	_, err = Replay(dir, 21, true, func(rec *Record) error {
		applied++
		assert.Equal(t, OpCompaction, rec.Type)
		assert.Equal(t, model.LSN(20), rec.UpTo)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
}

func TestGroupCommitDurability(t *testing.T) {
	dir := t.TempDir()

	log, err := Open(dir, func(o *Options) {
		o.Sync = SyncBatched
		o.BatchInterval = time.Millisecond
		o.BatchMaxOps = 8
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 1; i <= 32; i++ {
		wg.Add(1)
		go func(doc model.DocID) {
			defer wg.Done()
			_, err := log.Append(insertRecord(doc))
			assert.NoError(t, err)
		}(model.DocID(i))
	}
	wg.Wait()
	require.NoError(t, log.Close())

	// Every acknowledged append is durable.
	var applied int
	_, err = Replay(dir, 1, false, func(*Record) error {
		applied++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 32, applied)
}

func TestCompressedRecords(t *testing.T) {
	dir := t.TempDir()

	log, err := Open(dir, func(o *Options) {
		o.Compress = true
	})
	require.NoError(t, err)

	vec := make([]float32, 256)
	for i := range vec {
		vec[i] = 0.5
	}
	_, err = log.Append(&Record{Type: OpInsert, DocID: 7, Vector: vec})
	require.NoError(t, err)
	require.NoError(t, log.Close())

	var got *Record
	_, err = Replay(dir, 1, false, func(rec *Record) error {
		got = rec
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.DocID(7), got.DocID)
	assert.Equal(t, vec, got.Vector)
}
