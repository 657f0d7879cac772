// Package store wires the skip list, write-ahead log, and epoch
// collector into the single engine the service layer operates on,
// playing the role sentinel's internal/storage.LSM plays for its
// memtable+SSTable stack — but here there is exactly one index and no
// compaction, since spec.md's point-KV model has neither levels nor
// secondary tables.
package store

import (
	"github.com/gungnirdb/gungnir/internal/epoch"
	"github.com/gungnirdb/gungnir/internal/metrics"
	"github.com/gungnirdb/gungnir/internal/skiplist"
	"github.com/gungnirdb/gungnir/internal/walog"
)

// Engine is the per-process store: one skip list index, one WAL, one
// epoch collector. Open rebuilds the index from the WAL's decoded
// records before the engine starts serving requests.
type Engine struct {
	Index     *skiplist.List
	Log       *walog.Log
	Collector *epoch.Manager
}

// Open replays the WAL at dir and constructs a ready-to-serve Engine.
// segmentSize <= 0 selects walog.DefaultSegmentSize. reg may be nil, in
// which case the engine reports nothing to Prometheus.
func Open(dir string, segmentSize int64, pollInterval int64, reg *metrics.Registry) (*Engine, error) {
	collector := epoch.NewManager(0, reg)
	index := skiplist.New(collector)

	wal, records, err := walog.Open(dir, segmentSize, reg)
	if err != nil {
		return nil, err
	}

	replaySlot := collector.Register()
	replaySlot.Publish(0)
	// Rebuild the index in record order: a later PUT or ERASE for the
	// same key always supersedes an earlier one, matching spec.md §8's
	// crash-recovery invariant (replay order == original apply order).
	worker := skiplist.NewRNG(uint64(len(records)) + 1)
	for _, rec := range records {
		switch rec.Tag {
		case walog.TagPut:
			node, retry := index.AddOrGetNode(rec.Key, worker)
			for retry {
				node, retry = index.AddOrGetNode(rec.Key, worker)
			}
			node.Lock()
			old := node.SetValue(rec.Value)
			node.Unlock()
			if old != nil {
				supersededValue := old
				collector.DeferValue(func() { _ = supersededValue })
			}
		case walog.TagErase:
			if node, ok, retry := index.MarkForRemoval(rec.Key); ok {
				for index.Unlink(node) {
				}
			} else if retry {
				// Recovery is single-threaded; a retry here would only
				// happen on a lock held by nobody, which can't occur.
				_ = retry
			}
		}
	}
	replaySlot.Clear()

	collector.Start()

	return &Engine{Index: index, Log: wal, Collector: collector}, nil
}

// Close stops the collector and flushes the log.
func (e *Engine) Close() error {
	e.Collector.Stop()
	return e.Log.Close()
}
