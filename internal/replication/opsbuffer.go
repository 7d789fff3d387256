package replication

import (
	"github.com/cockroachdb/errors"

	"github.com/dreamware/volrep/internal/cluster"
)

// BufferedOp is one write kept for replay.
type BufferedOp struct {
	OpID    uint64
	Payload []byte
}

// WriteOpsBuffer keeps the most recent writes of a group, keyed by
// contiguous op ids, so they can be replayed to a replica that rejoins
// behind. When full, appending evicts the oldest op.
type WriteOpsBuffer struct {
	ops  []BufferedOp
	head int
	len  int
	next uint64
}

// NewWriteOpsBuffer returns an empty buffer whose first append must carry
// op id next.
func NewWriteOpsBuffer(capacity int, next uint64) *WriteOpsBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &WriteOpsBuffer{ops: make([]BufferedOp, capacity), next: next}
}

// Len and Cap report the buffered op count and the capacity.
func (b *WriteOpsBuffer) Len() int { return b.len }
func (b *WriteOpsBuffer) Cap() int { return len(b.ops) }

// Oldest is the smallest op id still held. With an empty buffer it is the id
// the next append must carry.
func (b *WriteOpsBuffer) Oldest() uint64 { return b.next - uint64(b.len) }

// Newest is the last op id appended, or Oldest()-1 if nothing is held.
func (b *WriteOpsBuffer) Newest() uint64 { return b.next - 1 }

func (b *WriteOpsBuffer) at(i int) *BufferedOp {
	return &b.ops[(b.head+i)%len(b.ops)]
}

// Append adds the op following the newest one.
func (b *WriteOpsBuffer) Append(opID uint64, payload []byte) error {
	if opID != b.next {
		return errors.Wrapf(cluster.ErrOutOfOrder, "buffer expects op %d, got %d", b.next, opID)
	}
	if b.len == len(b.ops) {
		*b.at(0) = BufferedOp{}
		b.head = (b.head + 1) % len(b.ops)
		b.len--
	}
	*b.at(b.len) = BufferedOp{OpID: opID, Payload: append([]byte(nil), payload...)}
	b.len++
	b.next++
	return nil
}

// Covers reports whether every op in [from, to] is held. An empty range is
// always covered.
func (b *WriteOpsBuffer) Covers(from, to uint64) bool {
	if from > to {
		return true
	}
	return from >= b.Oldest() && to <= b.Newest()
}

// Range returns the ops in [from, to] in id order.
func (b *WriteOpsBuffer) Range(from, to uint64) ([]BufferedOp, error) {
	if from > to {
		return nil, nil
	}
	if !b.Covers(from, to) {
		return nil, errors.Wrapf(cluster.ErrReplayUnavailable,
			"ops [%d, %d] requested, buffer holds [%d, %d]", from, to, b.Oldest(), b.Newest())
	}
	start := int(from - b.Oldest())
	out := make([]BufferedOp, 0, to-from+1)
	for i := start; i < start+int(to-from+1); i++ {
		out = append(out, *b.at(i))
	}
	return out, nil
}
