package schedule

// TaskHandle identifies a registered frequent task.
type TaskHandle struct {
	name string
	fn   func()
}

func (h *TaskHandle) Name() string { return h.name }

// FrequentTasks is the ordered list of callbacks run once per tick. A
// callback may add or remove tasks, or clear the whole list, while Process
// is iterating; the iteration then stops for this tick.
type FrequentTasks struct {
	tasks      []*TaskHandle
	generation uint64
	dirty      bool
}

func NewFrequentTasks() *FrequentTasks { return &FrequentTasks{} }

// Add appends a task and returns its handle.
func (f *FrequentTasks) Add(name string, fn func()) *TaskHandle {
	h := &TaskHandle{name: name, fn: fn}
	f.tasks = append(f.tasks, h)
	f.dirty = true
	return h
}

// Remove unregisters h. It reports whether h was registered.
func (f *FrequentTasks) Remove(h *TaskHandle) bool {
	for i, t := range f.tasks {
		if t == h {
			f.tasks = append(f.tasks[:i:i], f.tasks[i+1:]...)
			f.dirty = true
			return true
		}
	}
	return false
}

// Clear drops every task.
func (f *FrequentTasks) Clear() {
	f.tasks = nil
	f.generation++
}

func (f *FrequentTasks) Len() int { return len(f.tasks) }

// Process runs each task in registration order.
func (f *FrequentTasks) Process() {
	gen := f.generation
	f.dirty = false
	tasks := f.tasks
	for _, t := range tasks {
		t.fn()
		if f.generation != gen || f.dirty {
			return
		}
	}
}
