package duplex

import (
	"fmt"
	"sync"
	"time"
)

// TaskCategory buckets concurrent work so one kind of task (say, a
// runaway tool call) cannot starve another (the conversation's own
// turn-taking work).
type TaskCategory string

const (
	CategoryConversation TaskCategory = "conversation"
	CategoryTool         TaskCategory = "tool"
	CategoryAgent        TaskCategory = "agent"
	CategoryBackground   TaskCategory = "background"
)

// TaskHandle is what a caller holds after a task is accepted. Cancel
// tears down the task's own token; Done reports when the task has
// finished running, successfully or not. Metadata is opaque to the
// registry - callers attach whatever context helps them make sense of
// a task later (tool name, agent id, originating turn).
type TaskHandle struct {
	ID        string
	Category  TaskCategory
	CreatedAt time.Time
	Metadata  map[string]interface{}
	token     *CancellationToken
	done      chan struct{}
}

// Cancel requests cooperative cancellation of the task behind this
// handle. Idempotent.
func (h *TaskHandle) Cancel() {
	h.token.Cancel()
}

// Token returns the handle's cancellation token, for a worker
// function to poll or select on.
func (h *TaskHandle) Token() *CancellationToken {
	return h.token
}

// Done reports when the task has finished, via finish().
func (h *TaskHandle) Done() <-chan struct{} {
	return h.done
}

// TaskRegistry enforces a per-category concurrency cap and tracks
// every in-flight task so they can be cancelled together, e.g. on
// barge-in.
type TaskRegistry struct {
	mu      sync.Mutex
	caps    map[TaskCategory]int
	active  map[TaskCategory]map[string]*TaskHandle
	counter map[TaskCategory]uint64
	logger  Logger
}

// NewTaskRegistry builds a registry with the given per-category caps.
func NewTaskRegistry(cfg Config, logger Logger) *TaskRegistry {
	return &TaskRegistry{
		caps: map[TaskCategory]int{
			CategoryConversation: cfg.MaxConversationTasks,
			CategoryTool:         cfg.MaxToolTasks,
			CategoryAgent:        cfg.MaxAgentTasks,
			CategoryBackground:   cfg.MaxBackgroundTasks,
		},
		active: map[TaskCategory]map[string]*TaskHandle{
			CategoryConversation: {},
			CategoryTool:         {},
			CategoryAgent:        {},
			CategoryBackground:   {},
		},
		counter: make(map[TaskCategory]uint64),
		logger:  orDefaultLogger(logger),
	}
}

// CanAccept reports whether a new task in category would fit under
// the cap, without reserving a slot.
func (r *TaskRegistry) CanAccept(category TaskCategory) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active[category]) < r.caps[category]
}

// Submit registers a new task if the category has room, returning nil
// if it does not. Call the returned finish func when the task's work
// ends so its slot is freed. metadata is stored on the handle verbatim
// and may be nil.
func (r *TaskRegistry) Submit(category TaskCategory, metadata map[string]interface{}) (handle *TaskHandle, finish func()) {
	r.mu.Lock()
	if len(r.active[category]) >= r.caps[category] {
		r.mu.Unlock()
		return nil, nil
	}
	r.counter[category]++
	id := fmt.Sprintf("%s-%d", category, r.counter[category])
	h := &TaskHandle{
		ID:        id,
		Category:  category,
		CreatedAt: time.Now(),
		Metadata:  metadata,
		token:     NewCancellationToken(),
		done:      make(chan struct{}),
	}
	r.active[category][id] = h
	r.mu.Unlock()

	var once sync.Once
	finish = func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.active[category], id)
			r.mu.Unlock()
			close(h.done)
		})
	}
	return h, finish
}

// Cancel cancels a single tracked task by ID, in any category,
// reporting whether a task with that ID was actually found. A false
// return means the ID is unknown, likely because it already finished.
func (r *TaskRegistry) Cancel(id string) bool {
	r.mu.Lock()
	var target *TaskHandle
	for _, bucket := range r.active {
		if h, ok := bucket[id]; ok {
			target = h
			break
		}
	}
	r.mu.Unlock()
	if target == nil {
		return false
	}
	target.Cancel()
	return true
}

// CancelAll cancels every currently tracked task, or only those in
// category when one is given, and returns how many were cancelled.
// Used on barge-in: the user interrupting the assistant should stop
// every piece of work the turn spawned. Pass "" to cancel every
// category.
func (r *TaskRegistry) CancelAll(category TaskCategory) int {
	r.mu.Lock()
	handles := make([]*TaskHandle, 0)
	if category == "" {
		for _, bucket := range r.active {
			for _, h := range bucket {
				handles = append(handles, h)
			}
		}
	} else {
		for _, h := range r.active[category] {
			handles = append(handles, h)
		}
	}
	r.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
	return len(handles)
}

// Active returns the in-flight task handles, or only those in
// category when one is given. Pass "" for every category.
func (r *TaskRegistry) Active(category TaskCategory) map[string]*TaskHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*TaskHandle)
	if category == "" {
		for _, bucket := range r.active {
			for id, h := range bucket {
				out[id] = h
			}
		}
		return out
	}
	for id, h := range r.active[category] {
		out[id] = h
	}
	return out
}

// ActiveCounts returns the number of in-flight tasks per category, the
// shape session metrics and diagnostics actually want.
func (r *TaskRegistry) ActiveCounts() map[TaskCategory]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[TaskCategory]int, len(r.active))
	for cat, bucket := range r.active {
		out[cat] = len(bucket)
	}
	return out
}
