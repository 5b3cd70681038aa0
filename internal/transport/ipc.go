package transport

import (
	"fmt"
	"sync/atomic"

	"github.com/bytedance/ps-lite/internal/endpoint"
	"github.com/bytedance/ps-lite/internal/message"
)

// Sender is the one Transport method a Van calls through on the send
// path, narrowed out so IPCTransport can override it while every other
// completion-handling method stays on the embedded *Transport.
type Sender interface {
	Send(ep *endpoint.Endpoint, key uint64, peer uint32, kind message.Kind, mb *message.MessageBuffer) error
}

// CopyJob is one shared-memory copy dispatched to a copy worker.
type CopyJob struct {
	Seg    []byte
	Dst    []byte
	Done   chan error
}

// IPCTransport wraps a base Transport for same-host peers: push-request
// and pull-response sends both copy their values into the key's
// shared-memory partition and then carry meta only, instead of
// RDMA-writing the values.
type IPCTransport struct {
	*Transport
	shm         *ShmTable
	jobs        chan CopyJob
	roundRobin  uint64
	asyncWorkers int
}

// NewIPC wraps base with shared-memory overrides. If asyncWorkers > 0, a
// pool of that many goroutines performs the copy; otherwise the caller's
// own goroutine does it inline.
func NewIPC(base *Transport, shm *ShmTable, asyncWorkers int) *IPCTransport {
	t := &IPCTransport{Transport: base, shm: shm, asyncWorkers: asyncWorkers}
	if asyncWorkers > 0 {
		t.jobs = make(chan CopyJob, asyncWorkers*4)
		for i := 0; i < asyncWorkers; i++ {
			go t.copyWorker()
		}
	}
	return t
}

func (t *IPCTransport) copyWorker() {
	for job := range t.jobs {
		n := copy(job.Dst, job.Seg)
		if n != len(job.Seg) {
			job.Done <- fmt.Errorf("transport: ipc copy truncated: wrote %d of %d bytes", n, len(job.Seg))
			continue
		}
		job.Done <- nil
	}
}

// dispatchCopy hands the copy to the worker pool when one is
// configured, else copies inline. All workers read one shared job
// channel, so whichever worker is free takes the job; roundRobin only
// counts dispatches and does not pick a worker.
func (t *IPCTransport) dispatchCopy(dst, src []byte) error {
	if t.asyncWorkers == 0 {
		if n := copy(dst, src); n != len(src) {
			return fmt.Errorf("transport: ipc copy truncated: wrote %d of %d bytes", n, len(src))
		}
		return nil
	}
	done := make(chan error, 1)
	_ = atomic.AddUint64(&t.roundRobin, 1) // dispatch order; workers themselves pull from one shared channel
	t.jobs <- CopyJob{Seg: src, Dst: dst, Done: done}
	return <-done
}

// Send overrides the base Send for push-request and pull-response
// kinds; everything else (push-response, pull-request, control) goes
// through the base RDMA path unchanged.
func (t *IPCTransport) Send(ep *endpoint.Endpoint, key uint64, peer uint32, kind message.Kind, mb *message.MessageBuffer) error {
	switch kind {
	case message.KindPushRequest:
		if len(mb.Segs) > 1 {
			seg, err := t.shm.Open(key)
			if err != nil {
				return fmt.Errorf("transport: ipc push-request shm: %w", err)
			}
			off := t.shm.Offset(key)
			dst := seg.Data[off : off+int64(len(mb.Segs[1].Data))]
			if err := t.dispatchCopy(dst, mb.Segs[1].Data); err != nil {
				return err
			}
		}
		mb.ClearMRs()
		return t.Transport.Send(ep, key, peer, kind, mb)

	case message.KindPullResponse:
		if len(mb.Segs) > 1 {
			seg, err := t.shm.Open(key)
			if err != nil {
				return fmt.Errorf("transport: ipc pull-response shm: %w", err)
			}
			off := t.shm.Offset(key)
			dst := seg.Data[off : off+int64(len(mb.Segs[1].Data))]
			if err := t.dispatchCopy(dst, mb.Segs[1].Data); err != nil {
				return err
			}
		}
		mb.ClearMRs()
		return t.Transport.Send(ep, key, peer, kind, mb)

	default:
		return t.Transport.Send(ep, key, peer, kind, mb)
	}
}

// Close stops the copy worker pool, if any.
func (t *IPCTransport) Close() {
	if t.jobs != nil {
		close(t.jobs)
	}
}
