package storage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gstreamio/corelog/pkg/types"
)

// checkpointVersion is the on-disk format version of checkpoint files
const checkpointVersion = 0

// CheckpointFile is a line-oriented offset checkpoint, one per log
// directory. Format: version on line 1, entry count on line 2, then
// "topic partition offset" per line. Written atomically via temp-file
// rename.
type CheckpointFile struct {
	path string
}

// NewCheckpointFile creates a checkpoint handle at dir/name
func NewCheckpointFile(dir, name string) *CheckpointFile {
	return &CheckpointFile{path: filepath.Join(dir, name)}
}

// Path returns the checkpoint file path
func (c *CheckpointFile) Path() string {
	return c.path
}

// Write replaces the checkpoint contents with the given offsets
func (c *CheckpointFile) Write(offsets map[types.TopicPartition]types.Offset) error {
	tmp := c.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create checkpoint temp: %w", err)
	}

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "%d\n", checkpointVersion)
	fmt.Fprintf(w, "%d\n", len(offsets))
	for tp, off := range offsets {
		fmt.Fprintf(w, "%s %d %d\n", tp.Topic, tp.Partition, off)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("flush checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, c.path)
}

// Read loads the checkpoint. A missing file reads as empty.
func (c *CheckpointFile) Read() (map[types.TopicPartition]types.Offset, error) {
	f, err := os.Open(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[types.TopicPartition]types.Offset{}, nil
		}
		return nil, err
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	if !s.Scan() {
		return nil, fmt.Errorf("checkpoint %s: missing version line", c.path)
	}
	version, err := strconv.Atoi(strings.TrimSpace(s.Text()))
	if err != nil || version != checkpointVersion {
		return nil, fmt.Errorf("checkpoint %s: unsupported version %q", c.path, s.Text())
	}
	if !s.Scan() {
		return nil, fmt.Errorf("checkpoint %s: missing count line", c.path)
	}
	count, err := strconv.Atoi(strings.TrimSpace(s.Text()))
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: bad count %q", c.path, s.Text())
	}

	offsets := make(map[types.TopicPartition]types.Offset, count)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("checkpoint %s: malformed line %q", c.path, line)
		}
		partition, err := strconv.ParseInt(fields[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("checkpoint %s: bad partition %q", c.path, fields[1])
		}
		offset, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("checkpoint %s: bad offset %q", c.path, fields[2])
		}
		tp := types.TopicPartition{Topic: fields[0], Partition: int32(partition)}
		offsets[tp] = types.Offset(offset)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	if len(offsets) != count {
		return nil, fmt.Errorf("checkpoint %s: expected %d entries, found %d", c.path, count, len(offsets))
	}
	return offsets, nil
}

// Remove deletes the checkpoint file, used when a directory fails
func (c *CheckpointFile) Remove() error {
	err := os.Remove(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
