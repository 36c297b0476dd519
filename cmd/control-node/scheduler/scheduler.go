// Package scheduler implements the control node's admission queue: a
// two-level priority structure with workflowVersion as the strict outer
// priority band (lower version always drains first; starvation of newer
// versions under sustained backlog is intentional) and FIFO ordering
// within a band, except that a token completing a join is promoted to the
// head of its band so waiting siblings don't stall behind unrelated
// backlog.
package scheduler

import (
	"container/heap"
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/lyzr/control-node/cmd/control-node/controlerr"
	"github.com/lyzr/control-node/cmd/control-node/token"
	"github.com/lyzr/control-node/common/logger"
)

// Capture is the one capture-sink method the scheduler needs: recording
// that a queued token was evicted to the Expired sink because its
// notAfter deadline elapsed before the worker reached it.
type Capture interface {
	RecordExpired(ctx context.Context, sequenceID uint64, service, operation string, workflowVersion uint64)
}

// Item is one admitted unit of work: a token payload plus whether it is a
// join continuation (promoted to the head of its band).
type Item struct {
	Payload          *token.Payload
	JoinContinuation bool
}

// versionHeap is a min-heap of distinct workflow versions currently
// holding queued work, giving O(log n) access to the lowest active band.
type versionHeap []uint64

func (h versionHeap) Len() int            { return len(h) }
func (h versionHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h versionHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *versionHeap) Push(x interface{}) { *h = append(*h, x.(uint64)) }
func (h *versionHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// Scheduler is the control node's bounded admission queue.
type Scheduler struct {
	log           *logger.Logger
	capture       Capture
	mu            sync.Mutex
	notEmpty      *sync.Cond
	bands         map[uint64]*list.List
	versions      versionHeap
	count         int
	highWatermark int
}

// New constructs a scheduler admitting at most highWatermark queued items
// across all bands before returning ErrQueueSaturated. capture may be nil,
// in which case RunDeadlineSweep still evicts expired items but emits no
// capture record for them.
func New(log *logger.Logger, highWatermark int, capture Capture) *Scheduler {
	s := &Scheduler{
		log:           log,
		capture:       capture,
		bands:         make(map[uint64]*list.List),
		highWatermark: highWatermark,
	}
	s.notEmpty = sync.NewCond(&s.mu)
	return s
}

// Admit enqueues an item under its token's workflowVersion band. A join
// continuation is pushed to the front of its band; everything else goes to
// the back.
func (s *Scheduler) Admit(item Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count >= s.highWatermark {
		return controlerr.ErrQueueSaturated
	}

	version := item.Payload.Header.WorkflowVersion
	band, ok := s.bands[version]
	if !ok {
		band = list.New()
		s.bands[version] = band
		heap.Push(&s.versions, version)
	}

	if item.JoinContinuation {
		band.PushFront(item)
	} else {
		band.PushBack(item)
	}
	s.count++
	s.notEmpty.Signal()
	return nil
}

// Next blocks until an item is available or ctx is canceled, then returns
// the item from the lowest active workflowVersion band.
func (s *Scheduler) Next(ctx context.Context) (Item, error) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.notEmpty.Broadcast()
			s.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	s.mu.Lock()
	defer s.mu.Unlock()

	for s.count == 0 {
		if err := ctx.Err(); err != nil {
			return Item{}, err
		}
		s.notEmpty.Wait()
	}
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}

	version := s.versions[0]
	band := s.bands[version]
	front := band.Front()
	item := front.Value.(Item)
	band.Remove(front)
	s.count--

	if band.Len() == 0 {
		heap.Pop(&s.versions)
		delete(s.bands, version)
	}

	return item, nil
}

// RunDeadlineSweep periodically scans every band and evicts queued items
// whose token's notAfter deadline has already elapsed, diverting them to
// the Expired sink instead of ever reaching the worker. It runs until ctx
// is canceled.
func (s *Scheduler) RunDeadlineSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sweepOnce(ctx, now)
		}
	}
}

func (s *Scheduler) sweepOnce(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var expired []Item
	for version, band := range s.bands {
		var next *list.Element
		for e := band.Front(); e != nil; e = next {
			next = e.Next()
			item := e.Value.(Item)
			if deadline, has := item.Payload.Deadline(); has && !now.Before(deadline) {
				band.Remove(e)
				s.count--
				expired = append(expired, item)
			}
		}
		if band.Len() == 0 {
			delete(s.bands, version)
			s.removeVersionLocked(version)
		}
	}
	s.mu.Unlock()

	for _, item := range expired {
		pl := item.Payload
		s.log.Warn("queued token expired before dispatch", "sequence_id", pl.Header.SequenceID, "service", pl.Service.ServiceName, "operation", pl.Service.Operation)
		if s.capture != nil {
			s.capture.RecordExpired(ctx, pl.Header.SequenceID, pl.Service.ServiceName, pl.Service.Operation, pl.Header.WorkflowVersion)
		}
	}
}

// removeVersionLocked drops version from the priority heap once its band
// has emptied. Callers must hold s.mu.
func (s *Scheduler) removeVersionLocked(version uint64) {
	for i, v := range s.versions {
		if v == version {
			heap.Remove(&s.versions, i)
			return
		}
	}
}

// Len returns the total number of queued items across all bands, for the
// admin /status endpoint and QueueDepth telemetry.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// BandDepths returns the queue depth per workflowVersion band, for the
// QueueDepth gauge vector.
func (s *Scheduler) BandDepths() map[uint64]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint64]int, len(s.bands))
	for v, band := range s.bands {
		out[v] = band.Len()
	}
	return out
}
