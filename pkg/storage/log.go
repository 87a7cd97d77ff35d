package storage

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/gstreamio/corelog/pkg/types"
)

// ErrLogClosed is returned by operations on a closed log
var ErrLogClosed = errors.New("log closed")

// ErrOffsetOutOfRange is returned for reads outside [logStartOffset, LEO]
var ErrOffsetOutOfRange = errors.New("offset out of range")

// ErrTimestampNotFound is returned when no record at or after the requested
// timestamp exists
var ErrTimestampNotFound = errors.New("timestamp not found")

// IsolationLevel bounds reads for consumers
type IsolationLevel int8

const (
	// ReadUncommitted reads up to the high watermark
	ReadUncommitted IsolationLevel = iota
	// ReadCommitted reads up to the last stable offset
	ReadCommitted
	// FetchLogEnd reads up to the log end offset; used by followers
	FetchLogEnd
)

// EpochEntry maps a leader epoch to the first offset appended under it
type EpochEntry struct {
	Epoch       int32
	StartOffset types.Offset
}

// ReadInfo is the result of a log read
type ReadInfo struct {
	// Batches read, possibly empty
	Batches []types.RecordBatch
	// FirstOffset of the read, after any adjustment to a batch boundary
	FirstOffset types.Offset
	// HighWatermark at read time
	HighWatermark types.Offset
	// LogStartOffset at read time
	LogStartOffset types.Offset
	// LogEndOffset at read time
	LogEndOffset types.Offset
}

// TimestampOffset is the result of a timestamp lookup
type TimestampOffset struct {
	Timestamp   int64
	Offset      types.Offset
	LeaderEpoch int32
}

// Log is the per-partition log handle the replica layer runs against.
// Segment files, indexes, compaction and retention live behind this
// interface and are out of scope here.
type Log interface {
	// Append appends a batch under the given leader epoch and returns the
	// assigned base offset
	Append(batch types.RecordBatch, leaderEpoch int32) (types.Offset, error)

	// Read reads from offset up to maxBytes. When minOneMessage is set the
	// first batch is returned even if it exceeds maxBytes.
	Read(offset types.Offset, maxBytes int, isolation IsolationLevel, minOneMessage bool) (ReadInfo, error)

	// LogEndOffset returns the next offset to be appended
	LogEndOffset() types.Offset

	// LogStartOffset returns the first retained offset
	LogStartOffset() types.Offset

	// HighWatermark returns the current high watermark
	HighWatermark() types.Offset

	// SetHighWatermark publishes a new high watermark. The update is
	// monotonic: a lower value is ignored and the current value returned.
	SetHighWatermark(hw types.Offset) types.Offset

	// TruncateTo discards records at and above offset
	TruncateTo(offset types.Offset) error

	// TruncateFullyAndStartAt empties the log and restarts it at offset
	TruncateFullyAndStartAt(offset types.Offset) error

	// AdvanceLogStartOffset moves the log start offset forward for
	// delete-records; it never moves backwards nor past the high watermark
	AdvanceLogStartOffset(offset types.Offset) (types.Offset, error)

	// LookupTimestamp returns the earliest offset with a timestamp >= ts
	LookupTimestamp(ts int64) (TimestampOffset, error)

	// EndOffsetForEpoch returns the end offset of the given leader epoch
	// from the epoch cache: the start offset of the next larger epoch, or
	// the LEO when the epoch is the latest. Returns ok=false if the epoch
	// is older than anything in the cache.
	EndOffsetForEpoch(epoch int32) (EpochEntry, bool)

	// LatestEpoch returns the most recent leader epoch in the cache
	LatestEpoch() int32

	// TopicID returns the topic id recorded on the log
	TopicID() uuid.UUID

	// AssignTopicID records the topic id; fails if a different id is set
	AssignTopicID(id uuid.UUID) error

	// Dir returns the log directory hosting this log
	Dir() string

	// Flush forces durability of appended records
	Flush() error

	// Close releases the log handle
	Close() error
}

// memoryLog is the in-memory Log. Manager creates every log, current and
// future, with it unless SetLogFactory swaps the constructor.
type memoryLog struct {
	mu sync.RWMutex

	dir     string
	topicID uuid.UUID

	batches        []types.RecordBatch
	logStartOffset types.Offset
	nextOffset     types.Offset
	highWatermark  types.Offset

	epochCache []EpochEntry

	closed bool
}

// NewMemoryLog creates an empty in-memory log homed in dir
func NewMemoryLog(dir string) Log {
	return &memoryLog{dir: dir}
}

func (l *memoryLog) Append(batch types.RecordBatch, leaderEpoch int32) (types.Offset, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrLogClosed
	}

	base := l.nextOffset
	stored := batch
	stored.BaseOffset = base
	stored.LeaderEpoch = leaderEpoch
	stored.Records = make([]types.Record, len(batch.Records))
	for i, r := range batch.Records {
		r.Offset = base + types.Offset(i)
		stored.Records[i] = r
	}

	l.maybeAssignEpochStart(leaderEpoch, base)
	l.batches = append(l.batches, stored)
	l.nextOffset = base + types.Offset(len(stored.Records))
	return base, nil
}

// maybeAssignEpochStart records the first offset of a new leader epoch.
// Caller holds the lock.
func (l *memoryLog) maybeAssignEpochStart(epoch int32, start types.Offset) {
	n := len(l.epochCache)
	if n > 0 && l.epochCache[n-1].Epoch >= epoch {
		return
	}
	l.epochCache = append(l.epochCache, EpochEntry{Epoch: epoch, StartOffset: start})
}

func (l *memoryLog) Read(offset types.Offset, maxBytes int, isolation IsolationLevel, minOneMessage bool) (ReadInfo, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return ReadInfo{}, ErrLogClosed
	}

	info := ReadInfo{
		FirstOffset:    offset,
		HighWatermark:  l.highWatermark,
		LogStartOffset: l.logStartOffset,
		LogEndOffset:   l.nextOffset,
	}

	if offset < l.logStartOffset || offset > l.nextOffset {
		return info, ErrOffsetOutOfRange
	}

	maxOffset := l.nextOffset
	switch isolation {
	case ReadUncommitted, ReadCommitted:
		// Last stable offset tracking collapses to the high watermark here
		maxOffset = l.highWatermark
	case FetchLogEnd:
	}

	bytes := 0
	for _, b := range l.batches {
		if b.LastOffset() < offset {
			continue
		}
		if b.BaseOffset >= maxOffset {
			break
		}
		// A read landing mid-batch returns the tail of the batch so the
		// caller can append from its own end offset
		if b.BaseOffset < offset {
			cut := b
			cut.Records = b.Records[offset-b.BaseOffset:]
			cut.BaseOffset = offset
			b = cut
		}
		size := b.SizeBytes()
		if bytes > 0 && bytes+size > maxBytes {
			break
		}
		if bytes == 0 && size > maxBytes && !minOneMessage {
			break
		}
		info.Batches = append(info.Batches, b)
		bytes += size
		if bytes >= maxBytes {
			break
		}
	}
	return info, nil
}

func (l *memoryLog) LogEndOffset() types.Offset {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextOffset
}

func (l *memoryLog) LogStartOffset() types.Offset {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.logStartOffset
}

func (l *memoryLog) HighWatermark() types.Offset {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.highWatermark
}

func (l *memoryLog) SetHighWatermark(hw types.Offset) types.Offset {
	l.mu.Lock()
	defer l.mu.Unlock()

	if hw > l.nextOffset {
		hw = l.nextOffset
	}
	if hw > l.highWatermark {
		l.highWatermark = hw
	}
	return l.highWatermark
}

func (l *memoryLog) TruncateTo(offset types.Offset) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}
	if offset >= l.nextOffset {
		return nil
	}
	if offset < l.logStartOffset {
		offset = l.logStartOffset
	}

	kept := l.batches[:0]
	for _, b := range l.batches {
		if b.LastOffset() < offset {
			kept = append(kept, b)
		} else if b.BaseOffset < offset {
			// Partial batch: cut the tail records
			cut := b
			cut.Records = append([]types.Record(nil), b.Records[:offset-b.BaseOffset]...)
			kept = append(kept, cut)
		}
	}
	l.batches = kept
	l.nextOffset = offset
	if l.highWatermark > offset {
		l.highWatermark = offset
	}

	// Drop epoch entries that start at or beyond the truncation point
	for len(l.epochCache) > 0 && l.epochCache[len(l.epochCache)-1].StartOffset >= offset {
		l.epochCache = l.epochCache[:len(l.epochCache)-1]
	}
	return nil
}

func (l *memoryLog) TruncateFullyAndStartAt(offset types.Offset) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrLogClosed
	}
	l.batches = nil
	l.epochCache = nil
	l.logStartOffset = offset
	l.nextOffset = offset
	l.highWatermark = offset
	return nil
}

func (l *memoryLog) AdvanceLogStartOffset(offset types.Offset) (types.Offset, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrLogClosed
	}
	if offset > l.highWatermark {
		return l.logStartOffset, ErrOffsetOutOfRange
	}
	if offset > l.logStartOffset {
		l.logStartOffset = offset
		kept := l.batches[:0]
		for _, b := range l.batches {
			if b.LastOffset() >= offset {
				kept = append(kept, b)
			}
		}
		l.batches = kept
	}
	return l.logStartOffset, nil
}

func (l *memoryLog) LookupTimestamp(ts int64) (TimestampOffset, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, b := range l.batches {
		for _, r := range b.Records {
			if r.Timestamp >= ts && r.Offset >= l.logStartOffset {
				return TimestampOffset{Timestamp: r.Timestamp, Offset: r.Offset, LeaderEpoch: b.LeaderEpoch}, nil
			}
		}
	}
	return TimestampOffset{}, ErrTimestampNotFound
}

func (l *memoryLog) EndOffsetForEpoch(epoch int32) (EpochEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.epochCache) == 0 {
		return EpochEntry{Epoch: epoch, StartOffset: l.nextOffset}, true
	}
	if epoch < l.epochCache[0].Epoch {
		return EpochEntry{}, false
	}

	// Find the last cache entry with Epoch <= epoch; its run ends where the
	// next entry starts
	idx := sort.Search(len(l.epochCache), func(i int) bool {
		return l.epochCache[i].Epoch > epoch
	})
	entry := l.epochCache[idx-1]
	end := l.nextOffset
	if idx < len(l.epochCache) {
		end = l.epochCache[idx].StartOffset
	}
	return EpochEntry{Epoch: entry.Epoch, StartOffset: end}, true
}

func (l *memoryLog) LatestEpoch() int32 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.epochCache) == 0 {
		return types.NoEpoch
	}
	return l.epochCache[len(l.epochCache)-1].Epoch
}

func (l *memoryLog) TopicID() uuid.UUID {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.topicID
}

func (l *memoryLog) AssignTopicID(id uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.topicID != types.ZeroTopicID && l.topicID != id {
		return errors.New("topic id already assigned")
	}
	l.topicID = id
	return nil
}

func (l *memoryLog) Dir() string {
	return l.dir
}

func (l *memoryLog) Flush() error {
	return nil
}

func (l *memoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
