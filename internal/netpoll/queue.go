// Copyright (c) 2021 Andy Pan
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package netpoll

import "sync"

// TaskFunc is a closure the reactor runs on its own goroutine, posted via
// Trigger/UrgentTrigger from any other goroutine.
type TaskFunc func(arg interface{}) error

// Task pairs a TaskFunc with its argument; Tasks are pooled to avoid an
// allocation on every Trigger call.
type Task struct {
	Run TaskFunc
	Arg interface{}
}

var taskPool = sync.Pool{New: func() interface{} { return new(Task) }}

// GetTask returns a Task from the pool.
func GetTask() *Task { return taskPool.Get().(*Task) }

// PutTask clears and returns a Task to the pool.
func PutTask(t *Task) {
	t.Run, t.Arg = nil, nil
	taskPool.Put(t)
}

// AsyncTaskQueue is a mutex-guarded FIFO of pending Tasks. The teacher's
// lock-free MPSC ring buffer wasn't retrieved in the pack; a mutex-protected
// slice gives the same Enqueue/Dequeue/IsEmpty contract without reproducing
// unverified lock-free code, at the cost of contention that's negligible
// next to syscall overhead on the same hot path.
type AsyncTaskQueue struct {
	mu    sync.Mutex
	tasks []*Task
}

// NewLockFreeQueue name kept for call-site parity with the reactor's other
// platform poller; constructs an empty AsyncTaskQueue.
func NewLockFreeQueue() *AsyncTaskQueue {
	return &AsyncTaskQueue{}
}

// Enqueue appends t to the tail of the queue.
func (q *AsyncTaskQueue) Enqueue(t *Task) {
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	q.mu.Unlock()
}

// Dequeue pops the head of the queue, or nil if empty.
func (q *AsyncTaskQueue) Dequeue() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.tasks) == 0 {
		return nil
	}
	t := q.tasks[0]
	q.tasks = q.tasks[1:]
	return t
}

// IsEmpty reports whether the queue currently holds no tasks.
func (q *AsyncTaskQueue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks) == 0
}
