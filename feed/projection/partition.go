package projection

import (
	"context"
	"hash/fnv"

	"github.com/getpup/pupfeed/feed"
)

// PartitionStrategy decides which feed keys a projection instance handles.
type PartitionStrategy interface {
	// ShouldProcess returns true if the instance identified by partitionKey
	// (0-indexed, of totalPartitions) should handle events for key.
	ShouldProcess(key string, partitionKey int, totalPartitions int) bool
}

// HashPartitionStrategy implements deterministic hash-based partitioning.
// Feed keys are distributed across partitions based on a hash of the key, so:
// - all events of one owner go to the same partition
// - keys spread evenly across partitions
// - the assignment is stable across restarts
//
// Per-owner ordering is preserved, which is all the owner fan-out engine requires.
type HashPartitionStrategy struct{}

// ShouldProcess implements PartitionStrategy using FNV-1a hashing.
func (HashPartitionStrategy) ShouldProcess(key string, partitionKey int, totalPartitions int) bool {
	if totalPartitions <= 1 {
		return true
	}

	h := fnv.New32a()
	h.Write([]byte(key))
	partition := int(h.Sum32() % uint32(totalPartitions))
	return partition == partitionKey
}

// Partition returns a Source that forwards only the events of source whose key belongs
// to partitionKey. A nil strategy means HashPartitionStrategy.
func Partition(source feed.Source, strategy PartitionStrategy, partitionKey, totalPartitions int) feed.Source {
	if strategy == nil {
		strategy = HashPartitionStrategy{}
	}
	return &partitioned{
		source:          source,
		strategy:        strategy,
		partitionKey:    partitionKey,
		totalPartitions: totalPartitions,
	}
}

type partitioned struct {
	source          feed.Source
	strategy        PartitionStrategy
	partitionKey    int
	totalPartitions int
}

func (p *partitioned) On(eventType feed.EventType, handler feed.Handler) {
	if handler == nil {
		return
	}
	p.source.On(eventType, func(ctx context.Context, snap feed.Snapshot) {
		if !p.strategy.ShouldProcess(snap.Key(), p.partitionKey, p.totalPartitions) {
			return
		}
		handler(ctx, snap)
	})
}
