package corosio

// workItem is the polymorphic unit of "something to invoke on a thread
// driving the scheduler". execute runs the item; a heap-owned item frees
// itself inside execute and discard. discard drops the item without
// running it, used when the scheduler tears down with work still queued.
//
// next is an intrusive field for workQueue membership; it belongs to
// whichever queue currently holds the item and must not be read or written
// by anything else.
type workItem interface {
	execute()
	discard()
}

// workItemBase gives embedders the intrusive next-pointer workQueue needs.
// Types that implement workItem by embedding workItemBase get queue
// membership for free.
type workItemBase struct {
	next workItem
}

// workQueue is an intrusive singly-linked FIFO of workItem. It is not
// thread-safe; callers serialize access externally (the scheduler guards it
// with its own mutex).
type workQueue struct {
	head, tail workItem
	headBase   *workItemBase
	tailBase   *workItemBase
}

// linker is implemented by every workItem placed on a workQueue, giving the
// queue access to the intrusive next-pointer without a type switch per
// concrete kind.
type linker interface {
	workItem
	linkNext() *workItem
}

func (w *workItemBase) linkNext() *workItem { return &w.next }

// pushBack appends one item to the tail of the queue.
func (q *workQueue) pushBack(item linker) {
	*item.linkNext() = nil
	if q.tail == nil {
		q.head = item
		q.tail = item
		return
	}
	tail := q.tail.(linker)
	*tail.linkNext() = item
	q.tail = item
}

// spliceBack concatenates other onto the tail of q in O(1), leaving other
// empty.
func (q *workQueue) spliceBack(other *workQueue) {
	if other.head == nil {
		return
	}
	if q.tail == nil {
		q.head = other.head
		q.tail = other.tail
	} else {
		tail := q.tail.(linker)
		*tail.linkNext() = other.head
		q.tail = other.tail
	}
	other.head, other.tail = nil, nil
}

// popFront unlinks and returns the head item, or nil if empty.
func (q *workQueue) popFront() workItem {
	item := q.head
	if item == nil {
		return nil
	}
	l := item.(linker)
	q.head = *l.linkNext()
	if q.head == nil {
		q.tail = nil
	}
	*l.linkNext() = nil
	return item
}

func (q *workQueue) empty() bool { return q.head == nil }

// drain runs discard on every remaining item, guaranteeing no leak on
// scheduler teardown.
func (q *workQueue) drain() {
	for {
		item := q.popFront()
		if item == nil {
			return
		}
		item.discard()
	}
}

// funcWorkItem adapts a plain function into a heap-owned workItem: execute
// runs the function once, discard drops it silently. Used by Executor.Post
// and Executor.Dispatch for "post a work item that resumes a handle".
type funcWorkItem struct {
	workItemBase
	fn func()
}

func newFuncWorkItem(fn func()) *funcWorkItem {
	return &funcWorkItem{fn: fn}
}

func (w *funcWorkItem) execute() {
	fn := w.fn
	w.fn = nil
	if fn != nil {
		fn()
	}
}

func (w *funcWorkItem) discard() {
	w.fn = nil
}
