package pager

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

const (
	walMagic        = "RUNEWAL\x00"
	walVersionMajor = 1
	walVersionMinor = 0

	walHeaderSize      = 32
	walFrameHeaderSize = 32

	frameFlagCommit = 0x1
)

// WAL errors.
var (
	ErrWALClosed    = errors.New("wal: closed")
	ErrWALCorrupted = errors.New("wal: corrupted frame")
)

// WAL is an append-only log of page post-images. Frames belonging to one
// commit group share a commit id; a frame with the commit flag closes the
// group. Replay applies only closed groups, so a crash mid-group loses the
// whole group and nothing else.
type WAL struct {
	file      *os.File
	path      string
	pageSize  int
	nextFrame uint32
	syncOnDur bool // false disables fsync (tests, throwaway databases)
	closed    bool

	appendedFrames uint64
	syncs          uint64
}

// openWAL opens or creates the log next to the page file.
func openWAL(path string, pageSize int, syncEnabled bool) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	w := &WAL{
		file:      file,
		path:      path,
		pageSize:  pageSize,
		nextFrame: 1,
		syncOnDur: syncEnabled,
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("wal: stat: %w", err)
	}
	if info.Size() == 0 {
		if err := w.writeHeader(); err != nil {
			file.Close()
			return nil, err
		}
		return w, nil
	}
	if err := w.validateHeader(); err != nil {
		file.Close()
		return nil, err
	}
	return w, nil
}

func (w *WAL) writeHeader() error {
	header := make([]byte, walHeaderSize)
	copy(header[0:8], walMagic)
	binary.BigEndian.PutUint16(header[8:10], walVersionMajor)
	binary.BigEndian.PutUint16(header[10:12], walVersionMinor)
	binary.BigEndian.PutUint32(header[12:16], uint32(w.pageSize))
	if _, err := w.file.WriteAt(header, 0); err != nil {
		return fmt.Errorf("wal: write header: %w", err)
	}
	if w.syncOnDur {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("wal: sync header: %w", err)
		}
	}
	return nil
}

func (w *WAL) validateHeader() error {
	header := make([]byte, walHeaderSize)
	if _, err := w.file.ReadAt(header, 0); err != nil {
		return fmt.Errorf("wal: read header: %w", err)
	}
	if string(header[0:8]) != walMagic {
		return fmt.Errorf("wal: bad magic: %w", ErrWALCorrupted)
	}
	major := binary.BigEndian.Uint16(header[8:10])
	minor := binary.BigEndian.Uint16(header[10:12])
	if major != walVersionMajor || minor != walVersionMinor {
		return fmt.Errorf("wal: unsupported version %d.%d: %w", major, minor, ErrWALCorrupted)
	}
	if int(binary.BigEndian.Uint32(header[12:16])) != w.pageSize {
		return fmt.Errorf("wal: page size mismatch: %w", ErrWALCorrupted)
	}
	return nil
}

// AppendFrame logs the post-image of one page under the given commit id.
// The frame is buffered by the OS until Sync.
func (w *WAL) AppendFrame(id PageID, commitID uint64, image []byte) error {
	if w.closed {
		return ErrWALClosed
	}
	if len(image) != w.pageSize {
		return fmt.Errorf("wal: frame image is %d bytes, page size is %d", len(image), w.pageSize)
	}
	return w.appendInner(id, commitID, 0, image)
}

// AppendCommit closes the commit group. Frames before it become eligible
// for replay only once this frame (and everything before it) is synced.
func (w *WAL) AppendCommit(commitID uint64) error {
	if w.closed {
		return ErrWALClosed
	}
	return w.appendInner(0, commitID, frameFlagCommit, nil)
}

func (w *WAL) appendInner(id PageID, commitID uint64, flags uint32, image []byte) error {
	header := make([]byte, walFrameHeaderSize)
	binary.BigEndian.PutUint64(header[0:8], uint64(id))
	binary.BigEndian.PutUint32(header[8:12], w.nextFrame)
	binary.BigEndian.PutUint32(header[12:16], flags)
	binary.BigEndian.PutUint64(header[16:24], commitID)
	binary.BigEndian.PutUint64(header[24:32], xxhash.Sum64(image))

	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("wal: seek: %w", err)
	}
	if _, err := w.file.Write(header); err != nil {
		return fmt.Errorf("wal: append frame header: %w", err)
	}
	if len(image) > 0 {
		if _, err := w.file.Write(image); err != nil {
			return fmt.Errorf("wal: append frame image: %w", err)
		}
	}
	w.nextFrame++
	w.appendedFrames++
	return nil
}

// Sync makes everything appended so far durable. A sync failure is
// returned as-is; the caller must treat the commit as failed.
func (w *WAL) Sync() error {
	if w.closed {
		return ErrWALClosed
	}
	if !w.syncOnDur {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: fsync: %w", err)
	}
	w.syncs++
	return nil
}

// Replay walks the log and hands every page image of every *closed* commit
// group to apply, in append order. Replay stops cleanly at the first
// truncated or corrupt frame: everything after the last complete group is
// discarded, which is exactly the crash contract.
func (w *WAL) Replay(apply func(PageID, []byte) error) (groups int, err error) {
	if _, err := w.file.Seek(walHeaderSize, io.SeekStart); err != nil {
		return 0, fmt.Errorf("wal: seek: %w", err)
	}

	header := make([]byte, walFrameHeaderSize)
	expected := uint32(1)
	valid := int64(walHeaderSize) // end offset of the last intact frame
	type frame struct {
		id    PageID
		image []byte
	}
	pending := make(map[uint64][]frame)

	for {
		ok, err := readFull(w.file, header)
		if err != nil {
			return groups, err
		}
		if !ok {
			break // clean EOF: tail of an unfinished group, drop it
		}
		id := PageID(binary.BigEndian.Uint64(header[0:8]))
		frameNo := binary.BigEndian.Uint32(header[8:12])
		flags := binary.BigEndian.Uint32(header[12:16])
		commitID := binary.BigEndian.Uint64(header[16:24])
		sum := binary.BigEndian.Uint64(header[24:32])
		if frameNo != expected {
			break // torn tail
		}

		if flags&frameFlagCommit != 0 {
			if sum != xxhash.Sum64(nil) {
				break
			}
			expected++
			valid += walFrameHeaderSize
			frames := pending[commitID]
			delete(pending, commitID)
			for _, f := range frames {
				if err := apply(f.id, f.image); err != nil {
					return groups, err
				}
			}
			groups++
			continue
		}

		image := make([]byte, w.pageSize)
		ok, err = readFull(w.file, image)
		if err != nil {
			return groups, err
		}
		if !ok {
			break // partial image, torn tail
		}
		if xxhash.Sum64(image) != sum {
			break // corrupt tail
		}
		expected++
		valid += walFrameHeaderSize + int64(w.pageSize)
		pending[commitID] = append(pending[commitID], frame{id: id, image: image})
	}

	// Drop the torn tail so later appends continue a clean sequence.
	if size, err := w.Size(); err == nil && size > valid {
		if err := w.file.Truncate(valid); err != nil {
			return groups, fmt.Errorf("wal: truncate torn tail: %w", err)
		}
	}

	w.nextFrame = expected
	return groups, nil
}

// walMark remembers the log end before a commit group is appended.
type walMark struct {
	size  int64
	frame uint32
}

// Mark records the current log end so a failed commit can rewind.
func (w *WAL) Mark() (walMark, error) {
	if w.closed {
		return walMark{}, ErrWALClosed
	}
	size, err := w.Size()
	if err != nil {
		return walMark{}, err
	}
	return walMark{size: size, frame: w.nextFrame}, nil
}

// Rewind truncates everything appended after mark. A commit that fails
// after its frames went out must call this, otherwise recovery would
// replay a group whose transaction was reported as aborted.
func (w *WAL) Rewind(m walMark) error {
	if w.closed {
		return ErrWALClosed
	}
	if err := w.file.Truncate(m.size); err != nil {
		return fmt.Errorf("wal: rewind truncate: %w", err)
	}
	w.nextFrame = m.frame
	return nil
}

// Reset truncates the log back to its header. Called after checkpoint has
// durably merged all replayable frames into the page file.
func (w *WAL) Reset() error {
	if w.closed {
		return ErrWALClosed
	}
	if err := w.file.Truncate(walHeaderSize); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	w.nextFrame = 1
	if w.syncOnDur {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("wal: fsync after truncate: %w", err)
		}
	}
	return nil
}

// Size reports the current log size in bytes.
func (w *WAL) Size() (int64, error) {
	info, err := w.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("wal: stat: %w", err)
	}
	return info.Size(), nil
}

// Close flushes and closes the log file.
func (w *WAL) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}

// readFull reads len(buf) bytes. Returns (false, nil) on clean EOF at a
// frame boundary and (false, nil) on a partial read as well: a torn tail
// is not an error during replay, it just ends the log.
func readFull(f *os.File, buf []byte) (bool, error) {
	read := 0
	for read < len(buf) {
		n, err := f.Read(buf[read:])
		read += n
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("wal: read: %w", err)
		}
	}
	return true, nil
}
