// Package wal provides the write-ahead log of a collection: an
// append-only, checksummed record of every mutation.
//
// Every append is assigned the next log sequence number (LSN); LSNs are
// strictly increasing and gapless within a collection's stream. An
// append returns only after the entry is durable under the configured
// sync policy, which makes the log the single source of truth for crash
// recovery: a mutation is applied to the in-memory index and segment
// store only after its WAL entry is on disk.
//
// Log files are named by the LSN of the next entry to be written into
// them (wal-%016x.log), not the LSN of the last entry written. Replay
// can therefore order files unambiguously without off-by-one ambiguity
// at rotation boundaries.
package wal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/hupe1980/stratum/model"
)

const fileSuffix = ".log"

// Log is the write-ahead log of one collection.
type Log struct {
	mu   sync.Mutex
	dir  string
	opts Options

	file *os.File
	w    *bufio.Writer
	size int64

	// nextLSN is assigned to the next appended record.
	nextLSN model.LSN

	enc *zstd.Encoder
	dec *zstd.Decoder

	// failed latches the first durability failure. Once set, all further
	// appends fail immediately: silently continuing after a lost fsync
	// risks acknowledged-but-lost data.
	failed error

	// Group commit state (SyncBatched).
	persisted model.LSN
	pending   int
	syncCond  *sync.Cond

	closed bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open opens or creates the log in dir, recovering the LSN sequence
// from existing files. A torn record at the tail of the newest file is
// truncated away.
func Open(dir string, optFns ...func(o *Options)) (*Log, error) {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("wal: create directory: %w", err)
	}

	l := &Log{
		dir:     dir,
		opts:    opts,
		nextLSN: 1,
		stopCh:  make(chan struct{}),
	}
	l.syncCond = sync.NewCond(&l.mu)

	if opts.Compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("wal: init compressor: %w", err)
		}
		l.enc = enc
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("wal: init decompressor: %w", err)
	}
	l.dec = dec

	files, err := listFiles(dir)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(dir, fileName(l.nextLSN))
	if len(files) > 0 {
		newest := files[len(files)-1]
		last, validSize, err := scanTail(newest.path, l.dec)
		if err != nil {
			return nil, err
		}
		if last > 0 {
			l.nextLSN = last.Next()
		} else {
			// Empty or fully torn file: its name is the next LSN.
			l.nextLSN = newest.start
		}
		if err := os.Truncate(newest.path, validSize); err != nil {
			return nil, fmt.Errorf("wal: truncate torn tail: %w", err)
		}
		path = newest.path
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("wal: open log file: %w", err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	l.file = f
	l.w = bufio.NewWriter(f)
	l.size = stat.Size()
	l.persisted = l.nextLSN - 1

	if opts.Sync == SyncBatched {
		l.wg.Add(1)
		go l.groupCommitLoop()
	}

	return l, nil
}

// Append assigns the next LSN to rec, writes it, and returns once the
// entry is durable under the configured sync policy. A write or fsync
// failure is returned as a DurabilityError and latches the log into a
// failed state.
func (l *Log) Append(rec *Record) (model.LSN, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, model.ErrClosed
	}
	if l.failed != nil {
		return 0, l.failed
	}

	lsn := l.nextLSN
	rec.LSN = lsn

	frame, err := encodeRecord(rec, l.enc)
	if err != nil {
		return 0, err
	}

	if _, err := l.w.Write(frame); err != nil {
		l.fail("write", err)
		return 0, l.failed
	}
	l.size += int64(len(frame))
	l.nextLSN = lsn.Next()

	switch l.opts.Sync {
	case SyncAlways:
		if err := l.syncLocked(); err != nil {
			return 0, err
		}
	case SyncBatched:
		l.pending++
		if l.pending >= l.opts.BatchMaxOps {
			if err := l.syncLocked(); err != nil {
				return 0, err
			}
		} else {
			// Wait for the group fsync that covers this entry. The entry is
			// acknowledged only once durable.
			for l.persisted < lsn && l.failed == nil && !l.closed {
				l.syncCond.Wait()
			}
			if l.failed != nil {
				return 0, l.failed
			}
			if l.closed && l.persisted < lsn {
				return 0, model.ErrClosed
			}
		}
	}

	if l.size >= l.opts.MaxFileSize {
		if err := l.rotateLocked(); err != nil {
			return 0, err
		}
	}

	return lsn, nil
}

// Rotate closes the current log file and opens a new one named by the
// LSN of the next entry to be written.
func (l *Log) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return model.ErrClosed
	}
	if l.failed != nil {
		return l.failed
	}
	return l.rotateLocked()
}

func (l *Log) rotateLocked() error {
	if err := l.syncLocked(); err != nil {
		return err
	}
	if err := l.file.Close(); err != nil {
		l.fail("rotate", err)
		return l.failed
	}

	// The new file carries the LSN of the first entry it will contain.
	path := filepath.Join(l.dir, fileName(l.nextLSN))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		l.fail("rotate", err)
		return l.failed
	}

	l.file = f
	l.w = bufio.NewWriter(f)
	l.size = 0
	return nil
}

// Checkpoint appends a compaction marker and prunes log files that are
// wholly covered by the sealed generation, keeping the configured
// retention count.
func (l *Log) Checkpoint(gen model.Generation, upTo model.LSN) error {
	if _, err := l.Append(&Record{Type: OpCompaction, Generation: gen, UpTo: upTo}); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pruneLocked(upTo)
}

func (l *Log) pruneLocked(upTo model.LSN) error {
	files, err := listFiles(l.dir)
	if err != nil {
		return err
	}

	// A file is removable when the next file starts at or below upTo+1,
	// meaning every record it holds is covered by the checkpoint.
	var removable []walFile
	for i := 0; i+1 < len(files); i++ {
		if files[i+1].start <= upTo.Next() {
			removable = append(removable, files[i])
		}
	}

	if len(removable) <= l.opts.Retention {
		return nil
	}
	for _, f := range removable[:len(removable)-l.opts.Retention] {
		if err := os.Remove(f.path); err != nil {
			return fmt.Errorf("wal: prune %s: %w", f.path, err)
		}
	}
	return nil
}

// CurrentLSN returns the LSN of the last appended entry, usable as a
// point-in-time marker for backups.
func (l *Log) CurrentLSN() model.LSN {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextLSN - 1
}

// Failed returns the latched durability failure, or nil.
func (l *Log) Failed() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failed
}

// Dir returns the log directory.
func (l *Log) Dir() string { return l.dir }

// Close flushes, fsyncs, and closes the log.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.stopCh)

	var err error
	if l.failed == nil {
		err = l.syncLocked()
	}
	l.syncCond.Broadcast()
	cerr := l.file.Close()
	l.mu.Unlock()

	l.wg.Wait()
	l.dec.Close()
	if l.enc != nil {
		l.enc.Close()
	}

	if err != nil {
		return err
	}
	return cerr
}

// syncLocked flushes the buffer and fsyncs, advancing the persisted
// watermark and waking group-commit waiters.
func (l *Log) syncLocked() error {
	if err := l.w.Flush(); err != nil {
		l.fail("flush", err)
		return l.failed
	}
	if err := l.file.Sync(); err != nil {
		l.fail("fsync", err)
		return l.failed
	}
	l.persisted = l.nextLSN - 1
	l.pending = 0
	l.syncCond.Broadcast()
	return nil
}

func (l *Log) fail(op string, err error) {
	if l.failed == nil {
		l.failed = model.NewDurabilityError(op, err)
	}
	l.syncCond.Broadcast()
}

func (l *Log) groupCommitLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.opts.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.mu.Lock()
			if l.pending > 0 && l.failed == nil && !l.closed {
				_ = l.syncLocked()
			}
			l.mu.Unlock()
		}
	}
}

type walFile struct {
	start model.LSN
	path  string
}

func fileName(start model.LSN) string {
	return fmt.Sprintf("wal-%016x%s", uint64(start), fileSuffix)
}

// listFiles returns the log files of dir in ascending start-LSN order.
func listFiles(dir string) ([]walFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []walFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "wal-") || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		hexPart := strings.TrimSuffix(strings.TrimPrefix(name, "wal-"), fileSuffix)
		start, err := strconv.ParseUint(hexPart, 16, 64)
		if err != nil {
			continue
		}
		files = append(files, walFile{start: model.LSN(start), path: filepath.Join(dir, name)})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].start < files[j].start })
	return files, nil
}

// scanTail decodes file until the first torn or corrupt record and
// returns the last valid LSN plus the byte offset where validity ends.
func scanTail(path string, dec *zstd.Decoder) (model.LSN, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	var (
		last   model.LSN
		offset int64
	)
	cr := &countingReader{r: bufio.NewReader(f)}
	for {
		rec, err := decodeRecord(cr, dec)
		if err != nil {
			// Anything unreadable at the tail is treated as a torn write;
			// the valid prefix ends at the last complete record.
			return last, offset, nil
		}
		last = rec.LSN
		offset = cr.n
	}
}

type countingReader struct {
	r interface {
		Read(p []byte) (int, error)
	}
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
