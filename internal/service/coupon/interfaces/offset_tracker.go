package interfaces

import (
	"slices"
	"sync"
)

// offsetTracker 记录每个分区已拉取但未提交的 offset。
// 只有当某个 offset 之前的所有 offset 都处理完，它才会成为可提交的水位。
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[int]*partitionOffsets
}

type partitionOffsets struct {
	inflight  []int64 // 拉取顺序，分区内单调递增
	done      map[int64]struct{}
	committed int64 // 已返回过的最高水位，-1 表示还没有
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[int]*partitionOffsets)}
}

// track 在消息被拉取时调用。
// rebalance 之后未提交的 offset 会被重新拉取，此时 offset 不大于已跟踪的最后一个，
// 旧的跟踪状态作废，从重新拉取的位置开始。
func (t *offsetTracker) track(partition int, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.partitions[partition]
	if !ok {
		p = &partitionOffsets{done: make(map[int64]struct{}), committed: -1}
		t.partitions[partition] = p
	}
	if n := len(p.inflight); n > 0 && offset <= p.inflight[n-1] {
		p.inflight = p.inflight[:0]
		clear(p.done)
	}
	p.inflight = append(p.inflight, offset)
}

// markDone 标记一个 offset 已处理，返回新的可提交水位 (最后一个连续完成的 offset)。
// ok 为 false 表示水位没有前进；水位永远不会后退。
func (t *offsetTracker) markDone(partition int, offset int64) (watermark int64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, exists := t.partitions[partition]
	if !exists || !slices.Contains(p.inflight, offset) {
		return 0, false
	}
	p.done[offset] = struct{}{}

	for len(p.inflight) > 0 {
		head := p.inflight[0]
		if _, finished := p.done[head]; !finished {
			break
		}
		delete(p.done, head)
		p.inflight = p.inflight[1:]
		watermark, ok = head, true
	}
	if !ok || watermark <= p.committed {
		return 0, false
	}
	p.committed = watermark
	return watermark, true
}

// pending 返回某分区还没有越过水位的 offset 数量
func (t *offsetTracker) pending(partition int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.partitions[partition]; ok {
		return len(p.inflight)
	}
	return 0
}
