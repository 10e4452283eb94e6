package emulator

import (
	"context"
	"runtime"
	"sync"

	"github.com/gomlx/gocudriver/device"
	"github.com/gomlx/gocudriver/driver"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// streamQueueSize is the number of launches that can be pending before a launch blocks.
const streamQueueSize = 1024

// stream executes the launches of one context in order, in a worker goroutine.
// After the first failure it is faulted: pending and later work is dropped and every
// synchronization returns the failure status.
type stream struct {
	tasks chan func() driver.Status
	done  chan struct{}
	wg    sync.WaitGroup

	mu     sync.Mutex
	status driver.Status
	closed bool
}

func newStream() *stream {
	s := &stream{
		tasks: make(chan func() driver.Status, streamQueueSize),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *stream) run() {
	defer close(s.done)
	for task := range s.tasks {
		if s.sticky().Ok() {
			if status := task(); !status.Ok() {
				s.fail(status)
			}
		}
		s.wg.Done()
	}
}

func (s *stream) sticky() driver.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *stream) fail(status driver.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Ok() {
		s.status = status
	}
}

// enqueue schedules task and returns immediately. It returns the sticky status if the stream is faulted.
func (s *stream) enqueue(task func() driver.Status) driver.Status {
	s.mu.Lock()
	if !s.status.Ok() {
		defer s.mu.Unlock()
		return s.status
	}
	if s.closed {
		s.mu.Unlock()
		return driver.StatusContextIsDestroyed
	}
	s.wg.Add(1)
	s.mu.Unlock()
	s.tasks <- task
	return driver.StatusSuccess
}

// synchronize waits for all the enqueued work and returns the sticky status.
func (s *stream) synchronize() driver.Status {
	s.wg.Wait()
	return s.sticky()
}

// close waits for the enqueued work and stops the worker.
func (s *stream) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
	close(s.tasks)
	<-s.done
}

// blockFault is the error returned by a block that faulted, carrying its status.
type blockFault driver.Status

func (f blockFault) Error() string { return driver.Status(f).String() }

// execute runs all the blocks of a launch, spread over up to runtime.NumCPU() goroutines in no particular
// order. Threads of a block run sequentially. It returns the status of the first fault; blocks not yet
// started when a block faults are skipped.
func execute(kernel *device.Kernel, mem device.Memory, grid, block driver.Dim3, params device.Params) driver.Status {
	numBlocks := int(grid.Count())
	gridDim := device.Dim3{X: int(grid.X), Y: int(grid.Y), Z: int(grid.Z)}
	blockDim := device.Dim3{X: int(block.X), Y: int(block.Y), Z: int(block.Z)}
	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(runtime.NumCPU())
	for blockNum := range numBlocks {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			thread := &device.Thread{
				GridDim:  gridDim,
				BlockDim: blockDim,
				BlockIdx: device.Dim3{
					X: blockNum % gridDim.X,
					Y: (blockNum / gridDim.X) % gridDim.Y,
					Z: blockNum / (gridDim.X * gridDim.Y),
				},
				Memory: mem,
			}
			if status := runBlock(kernel, thread, params); !status.Ok() {
				return blockFault(status)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		var fault blockFault
		if errors.As(err, &fault) {
			return driver.Status(fault)
		}
		return driver.StatusLaunchFailed
	}
	return driver.StatusSuccess
}

// runBlock runs the threads of one block, recovering device faults.
func runBlock(kernel *device.Kernel, thread *device.Thread, params device.Params) (status driver.Status) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		status = driver.StatusLaunchFailed
		var fault *device.Fault
		if err, ok := r.(error); ok && errors.As(err, &fault) {
			switch fault.Kind {
			case device.IllegalAddress:
				status = driver.StatusIllegalAddress
			case device.MisalignedAddress:
				status = driver.StatusMisalignedAddress
			}
		}
		klog.Errorf("kernel %q faulted in block %v, thread %v: %v", kernel.Name, thread.BlockIdx, thread.ThreadIdx, r)
	}()
	blockDim := thread.BlockDim
	for z := range blockDim.Z {
		for y := range blockDim.Y {
			for x := range blockDim.X {
				thread.ThreadIdx = device.Dim3{X: x, Y: y, Z: z}
				kernel.Fn(thread, params)
			}
		}
	}
	return driver.StatusSuccess
}
