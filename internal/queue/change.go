package queue

type ChangeKind string

const (
	ChangeAdd     ChangeKind = "add"
	ChangeRemove  ChangeKind = "remove"
	ChangeMove    ChangeKind = "move"
	ChangeShuffle ChangeKind = "shuffle"
	ChangeClear   ChangeKind = "clear"
	ChangeLoad    ChangeKind = "load"
)

// Change describes one mutation of the upcoming track list. Index is -1 when
// the change is not tied to a single position.
type Change struct {
	Kind   ChangeKind
	Index  int
	Tracks []*Track
}

// Subscribe registers fn for every change and returns a function that
// removes it. fn runs on the goroutine that mutated the queue.
func (q *Queue) Subscribe(fn func(Change)) func() {
	q.subMu.Lock()
	id := q.nextSub
	q.nextSub++
	q.subs[id] = fn
	q.subMu.Unlock()

	return func() {
		q.subMu.Lock()
		delete(q.subs, id)
		q.subMu.Unlock()
	}
}

func (q *Queue) notify(c Change) {
	q.subMu.RLock()
	fns := make([]func(Change), 0, len(q.subs))
	for _, fn := range q.subs {
		fns = append(fns, fn)
	}
	q.subMu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}
