package storage

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/gstreamio/corelog/pkg/logger"
	"github.com/gstreamio/corelog/pkg/types"
	"go.uber.org/zap"
)

// DirFailure is posted on the failure channel when a log directory stops
// accepting I/O
type DirFailure struct {
	Dir   string
	Cause error
}

// Manager owns the partition logs across the broker's log directories.
// It is the single producer of log handles for the replica layer.
type Manager struct {
	mu sync.RWMutex

	dirs       []string
	offlineDir map[string]bool

	logs       map[types.TopicPartition]Log
	futureLogs map[types.TopicPartition]Log

	// failureCh carries directory failures to the replica layer's handler.
	// Blocking dequeue on the consumer side.
	failureCh chan DirFailure

	// newLog constructs a log in a directory; swappable in tests
	newLog func(dir string) Log

	log *zap.Logger

	closed bool
}

// NewManager creates a log manager over the given directories
func NewManager(dirs []string) *Manager {
	return &Manager{
		dirs:       append([]string(nil), dirs...),
		offlineDir: make(map[string]bool),
		logs:       make(map[types.TopicPartition]Log),
		futureLogs: make(map[types.TopicPartition]Log),
		failureCh:  make(chan DirFailure, 16),
		newLog:     NewMemoryLog,
		log:        logger.Named("storage"),
	}
}

// FailureChannel returns the directory-failure channel. Single consumer.
func (m *Manager) FailureChannel() <-chan DirFailure {
	return m.failureCh
}

// LiveDirs returns the directories still accepting I/O
func (m *Manager) LiveDirs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	live := make([]string, 0, len(m.dirs))
	for _, d := range m.dirs {
		if !m.offlineDir[d] {
			live = append(live, d)
		}
	}
	return live
}

// GetOrCreateLog returns the log for tp, creating it in a live directory if
// absent.
func (m *Manager) GetOrCreateLog(tp types.TopicPartition) (Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrLogClosed
	}
	if l, ok := m.logs[tp]; ok {
		return l, nil
	}

	dir, err := m.pickDirLocked(tp)
	if err != nil {
		return nil, err
	}
	l := m.newLog(dir)
	m.logs[tp] = l
	m.log.Info("created log",
		zap.String("partition", tp.String()),
		zap.String("dir", dir))
	return l, nil
}

// GetLog returns the log for tp if hosted here
func (m *Manager) GetLog(tp types.TopicPartition) (Log, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.logs[tp]
	return l, ok
}

// pickDirLocked spreads partitions over live directories by hash
func (m *Manager) pickDirLocked(tp types.TopicPartition) (string, error) {
	live := make([]string, 0, len(m.dirs))
	for _, d := range m.dirs {
		if !m.offlineDir[d] {
			live = append(live, d)
		}
	}
	if len(live) == 0 {
		return "", fmt.Errorf("no live log directories")
	}
	h := fnv.New32a()
	fmt.Fprintf(h, "%s-%d", tp.Topic, tp.Partition)
	return live[h.Sum32()%uint32(len(live))], nil
}

// GetOrCreateFutureLog returns the future log for tp used by an
// inter-directory move, creating it in targetDir if absent
func (m *Manager) GetOrCreateFutureLog(tp types.TopicPartition, targetDir string) (Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrLogClosed
	}
	if l, ok := m.futureLogs[tp]; ok {
		return l, nil
	}
	if m.offlineDir[targetDir] {
		return nil, fmt.Errorf("target dir %s is offline", targetDir)
	}
	l := m.newLog(targetDir)
	m.futureLogs[tp] = l
	return l, nil
}

// FutureLog returns the future log for tp if one exists
func (m *Manager) FutureLog(tp types.TopicPartition) (Log, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.futureLogs[tp]
	return l, ok
}

// PromoteFutureLog replaces the current log for tp with its future log once
// the future log has caught up
func (m *Manager) PromoteFutureLog(tp types.TopicPartition) (Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	future, ok := m.futureLogs[tp]
	if !ok {
		return nil, fmt.Errorf("no future log for %s", tp)
	}
	if old, ok := m.logs[tp]; ok {
		_ = old.Close()
	}
	m.logs[tp] = future
	delete(m.futureLogs, tp)
	m.log.Info("promoted future log",
		zap.String("partition", tp.String()),
		zap.String("dir", future.Dir()))
	return future, nil
}

// DeleteLog removes and closes the log for tp. Deletion of on-disk state is
// asynchronous behind the Log implementation.
func (m *Manager) DeleteLog(tp types.TopicPartition) {
	m.mu.Lock()
	l, ok := m.logs[tp]
	delete(m.logs, tp)
	f, fok := m.futureLogs[tp]
	delete(m.futureLogs, tp)
	m.mu.Unlock()

	if ok {
		_ = l.Close()
		m.log.Info("deleted log", zap.String("partition", tp.String()))
	}
	if fok {
		_ = f.Close()
	}
}

// LogsInDir returns the partitions whose current log lives in dir
func (m *Manager) LogsInDir(dir string) []types.TopicPartition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var tps []types.TopicPartition
	for tp, l := range m.logs {
		if l.Dir() == dir {
			tps = append(tps, tp)
		}
	}
	return tps
}

// MarkDirOffline takes a directory out of service and posts the failure.
// Offline is sticky until the broker restarts with the directory restored.
func (m *Manager) MarkDirOffline(dir string, cause error) {
	m.mu.Lock()
	if m.offlineDir[dir] || m.closed {
		m.mu.Unlock()
		return
	}
	m.offlineDir[dir] = true
	m.mu.Unlock()

	m.log.Error("log directory offline", zap.String("dir", dir), zap.Error(cause))
	m.failureCh <- DirFailure{Dir: dir, Cause: cause}
}

// IsDirOffline reports whether dir has failed
func (m *Manager) IsDirOffline(dir string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.offlineDir[dir]
}

// AllLogs returns a snapshot of hosted logs
func (m *Manager) AllLogs() map[types.TopicPartition]Log {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[types.TopicPartition]Log, len(m.logs))
	for tp, l := range m.logs {
		out[tp] = l
	}
	return out
}

// Close flushes and closes every log
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	for tp, l := range m.logs {
		if err := l.Flush(); err != nil {
			m.log.Warn("flush on close failed", zap.String("partition", tp.String()), zap.Error(err))
		}
		_ = l.Close()
	}
	for _, l := range m.futureLogs {
		_ = l.Close()
	}
	close(m.failureCh)
}

// SetLogFactory swaps the log constructor; tests inject failing logs here
func (m *Manager) SetLogFactory(f func(dir string) Log) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.newLog = f
}
