package es

// ChunkPartition assigns a contiguous slice of a pending commit to one
// chunk. A single logical commit may span several partitions; each
// partition is one physical append.
type ChunkPartition struct {
	// ChunkID is the chunk the partition's events are written to
	ChunkID int

	// FirstVersion and LastVersion bound the partition, inclusive
	FirstVersion int64
	LastVersion  int64

	// Offset is the index of the partition's first event in the
	// pending slice
	Offset int

	// OpensChunk is true when the partition is the first write into a
	// newly opened chunk
	OpensChunk bool
}

// Count returns the number of events in the partition.
func (p ChunkPartition) Count() int {
	return int(p.LastVersion - p.FirstVersion + 1)
}

// AppendPlan is the outcome of partitioning a pending commit across
// chunk boundaries. Chunks is the layout the stream will have once
// every partition has been written.
type AppendPlan struct {
	Partitions []ChunkPartition
	Chunks     []ChunkDescriptor

	FirstVersion int64
	LastVersion  int64
}

// PlanAppend partitions count pending events across the chunk
// boundaries of the active stream. It is a pure function of the
// descriptor: no I/O, no mutation.
//
// With chunks disabled every event targets the single implicit chunk.
// With chunks enabled the open chunk is filled to ChunkSize, closed,
// and further chunks are opened until all events are assigned.
func PlanAppend(active StreamDescriptor, count int) (AppendPlan, error) {
	if count <= 0 {
		return AppendPlan{}, ErrNoEvents
	}

	first := active.CurrentStreamVersion + 1
	last := first + int64(count) - 1
	plan := AppendPlan{FirstVersion: first, LastVersion: last}

	chunks := append([]ChunkDescriptor(nil), active.StreamChunks...)
	if len(chunks) == 0 {
		chunks = []ChunkDescriptor{{ChunkID: 0}}
	}

	if !active.ChunkSettings.EnableChunks {
		open := &chunks[len(chunks)-1]
		extendChunk(open, first, last)
		plan.Partitions = []ChunkPartition{{
			ChunkID:      open.ChunkID,
			FirstVersion: first,
			LastVersion:  last,
		}}
		plan.Chunks = chunks
		return plan, nil
	}

	size := int64(active.ChunkSettings.ChunkSize)
	next := first
	offset := 0
	for next <= last {
		open := &chunks[len(chunks)-1]
		capacity := size - open.Len()
		opens := false
		if capacity <= 0 {
			chunks = append(chunks, ChunkDescriptor{ChunkID: open.ChunkID + 1})
			open = &chunks[len(chunks)-1]
			capacity = size
			opens = true
		}

		partLast := next + capacity - 1
		if partLast > last {
			partLast = last
		}
		opens = opens || open.FirstEventVersion == nil
		extendChunk(open, next, partLast)
		plan.Partitions = append(plan.Partitions, ChunkPartition{
			ChunkID:      open.ChunkID,
			FirstVersion: next,
			LastVersion:  partLast,
			Offset:       offset,
			OpensChunk:   opens,
		})
		offset += int(partLast - next + 1)
		next = partLast + 1
	}

	plan.Chunks = chunks
	return plan, nil
}

func extendChunk(c *ChunkDescriptor, first, last int64) {
	if c.FirstEventVersion == nil {
		f := first
		c.FirstEventVersion = &f
	}
	l := last
	c.LastEventVersion = &l
}
