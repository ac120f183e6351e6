// Package queue holds the per-player track list. It never performs I/O and
// only changes through its own methods.
package queue

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/hxnx/lavanode/internal/protocol"
)

const DefaultMaxSize = 1000

var (
	ErrQueueFull       = errors.New("queue is full")
	ErrIndexOutOfRange = errors.New("index out of range")
	ErrNilTrack        = errors.New("track is nil")
)

type Track = protocol.Track

type Option func(*Queue)

func WithMaxSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxSize = n
		}
	}
}

// WithHistory keeps the last n finished tracks. Zero disables history.
func WithHistory(n int) Option {
	return func(q *Queue) {
		if n >= 0 {
			q.historySize = n
		}
	}
}

func WithRand(r *rand.Rand) Option {
	return func(q *Queue) {
		q.rng = r
	}
}

type Queue struct {
	mu          sync.Mutex
	tracks      []*Track
	current     *Track
	previous    *Track
	loop        LoopMode
	maxSize     int
	history     []*Track
	historySize int
	rng         *rand.Rand

	subMu   sync.RWMutex
	subs    map[int]func(Change)
	nextSub int
}

func New(opts ...Option) *Queue {
	q := &Queue{
		maxSize: DefaultMaxSize,
		subs:    make(map[int]func(Change)),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tracks)
}

func (q *Queue) IsEmpty() bool {
	return q.Len() == 0
}

func (q *Queue) MaxSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxSize
}

// Tracks returns a copy of the upcoming tracks, excluding the current one.
func (q *Queue) Tracks() []*Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*Track(nil), q.tracks...)
}

func (q *Queue) At(i int) (*Track, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i < 0 || i >= len(q.tracks) {
		return nil, false
	}
	return q.tracks[i], true
}

func (q *Queue) Current() *Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current
}

func (q *Queue) Previous() *Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.previous
}

func (q *Queue) Loop() LoopMode {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loop
}

func (q *Queue) SetLoop(mode LoopMode) {
	q.mu.Lock()
	q.loop = mode
	q.mu.Unlock()
}

// Duration sums the length of the upcoming tracks. Streams are skipped.
func (q *Queue) Duration() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	var total time.Duration
	for _, t := range q.tracks {
		if t.Info.IsStream {
			continue
		}
		total += t.Duration()
	}
	return total
}

func (q *Queue) Add(tracks ...*Track) error {
	q.mu.Lock()
	if err := q.checkLocked(tracks); err != nil {
		q.mu.Unlock()
		return err
	}
	index := len(q.tracks)
	q.tracks = append(q.tracks, tracks...)
	q.mu.Unlock()

	q.notify(Change{Kind: ChangeAdd, Index: index, Tracks: tracks})
	return nil
}

// Insert places tracks before position index; index may equal Len().
func (q *Queue) Insert(index int, tracks ...*Track) error {
	q.mu.Lock()
	if index < 0 || index > len(q.tracks) {
		q.mu.Unlock()
		return fmt.Errorf("%w: insert at %d with %d tracks", ErrIndexOutOfRange, index, len(q.tracks))
	}
	if err := q.checkLocked(tracks); err != nil {
		q.mu.Unlock()
		return err
	}
	q.insertLocked(index, tracks)
	q.mu.Unlock()

	q.notify(Change{Kind: ChangeAdd, Index: index, Tracks: tracks})
	return nil
}

func (q *Queue) Unshift(tracks ...*Track) error {
	return q.Insert(0, tracks...)
}

// Immediate makes the first track current and puts the rest at the head of
// the queue. The old current track becomes previous.
func (q *Queue) Immediate(tracks ...*Track) error {
	if len(tracks) == 0 {
		return nil
	}

	q.mu.Lock()
	if err := q.checkLocked(tracks[1:]); err != nil {
		q.mu.Unlock()
		return err
	}
	if tracks[0] == nil {
		q.mu.Unlock()
		return ErrNilTrack
	}
	q.retireCurrentLocked()
	q.current = tracks[0]
	q.insertLocked(0, tracks[1:])
	q.mu.Unlock()

	q.notify(Change{Kind: ChangeAdd, Index: -1, Tracks: tracks})
	return nil
}

// NextTrack pops the head of the queue into current. It reports false and
// clears current when the queue is empty.
func (q *Queue) NextTrack() (*Track, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.retireCurrentLocked()
	if len(q.tracks) == 0 {
		return nil, false
	}

	next := q.tracks[0]
	q.tracks[0] = nil
	q.tracks = q.tracks[1:]
	q.current = next
	return next, true
}

// Requeue puts the current track back at the head of the queue without
// recording it as played. It reports false when there is no current track or
// the queue filled up meanwhile; current is cleared either way.
func (q *Queue) Requeue() bool {
	q.mu.Lock()
	t := q.current
	if t == nil {
		q.mu.Unlock()
		return false
	}
	q.current = nil
	if err := q.checkLocked([]*Track{t}); err != nil {
		q.mu.Unlock()
		return false
	}
	q.insertLocked(0, []*Track{t})
	q.mu.Unlock()

	q.notify(Change{Kind: ChangeAdd, Index: 0, Tracks: []*Track{t}})
	return true
}

func (q *Queue) SetCurrent(t *Track) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.current == t {
		return
	}
	q.retireCurrentLocked()
	q.current = t
}

func (q *Queue) ClearCurrent() {
	q.mu.Lock()
	q.retireCurrentLocked()
	q.mu.Unlock()
}

func (q *Queue) Remove(index int) (*Track, error) {
	q.mu.Lock()
	if index < 0 || index >= len(q.tracks) {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: remove %d of %d", ErrIndexOutOfRange, index, len(q.tracks))
	}
	t := q.tracks[index]
	q.tracks = append(q.tracks[:index], q.tracks[index+1:]...)
	q.mu.Unlock()

	q.notify(Change{Kind: ChangeRemove, Index: index, Tracks: []*Track{t}})
	return t, nil
}

// RemoveRange removes the half-open range [start, end).
func (q *Queue) RemoveRange(start, end int) ([]*Track, error) {
	q.mu.Lock()
	if start < 0 || end > len(q.tracks) || start > end {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: range [%d, %d) of %d", ErrIndexOutOfRange, start, end, len(q.tracks))
	}
	removed := append([]*Track(nil), q.tracks[start:end]...)
	q.tracks = append(q.tracks[:start], q.tracks[end:]...)
	q.mu.Unlock()

	if len(removed) > 0 {
		q.notify(Change{Kind: ChangeRemove, Index: start, Tracks: removed})
	}
	return removed, nil
}

// RemoveFunc drops every track matching pred and returns them in queue order.
func (q *Queue) RemoveFunc(pred func(*Track) bool) []*Track {
	q.mu.Lock()
	var removed []*Track
	for i := len(q.tracks) - 1; i >= 0; i-- {
		if !pred(q.tracks[i]) {
			continue
		}
		removed = append([]*Track{q.tracks[i]}, removed...)
		q.tracks = append(q.tracks[:i], q.tracks[i+1:]...)
	}
	q.mu.Unlock()

	if len(removed) > 0 {
		q.notify(Change{Kind: ChangeRemove, Index: -1, Tracks: removed})
	}
	return removed
}

func (q *Queue) Move(from, to int) error {
	q.mu.Lock()
	n := len(q.tracks)
	if from < 0 || from >= n || to < 0 || to >= n {
		q.mu.Unlock()
		return fmt.Errorf("%w: move %d -> %d of %d", ErrIndexOutOfRange, from, to, n)
	}
	t := q.tracks[from]
	q.tracks = append(q.tracks[:from], q.tracks[from+1:]...)
	q.insertLocked(to, []*Track{t})
	q.mu.Unlock()

	q.notify(Change{Kind: ChangeMove, Index: to, Tracks: []*Track{t}})
	return nil
}

func (q *Queue) Shuffle() {
	_ = q.ShuffleRange(0, q.Len(), false)
}

// ShuffleRange shuffles [start, end) in place. keepFirst pins index 0.
func (q *Queue) ShuffleRange(start, end int, keepFirst bool) error {
	q.mu.Lock()
	if start < 0 || end > len(q.tracks) || start > end {
		q.mu.Unlock()
		return fmt.Errorf("%w: shuffle [%d, %d) of %d", ErrIndexOutOfRange, start, end, len(q.tracks))
	}
	if keepFirst && start == 0 {
		start = 1
	}
	for i := end - 1; i > start; i-- {
		j := start + q.intN(i-start+1)
		q.tracks[i], q.tracks[j] = q.tracks[j], q.tracks[i]
	}
	q.mu.Unlock()

	q.notify(Change{Kind: ChangeShuffle, Index: start})
	return nil
}

func (q *Queue) Clear() {
	q.mu.Lock()
	removed := q.tracks
	q.tracks = nil
	q.mu.Unlock()

	q.notify(Change{Kind: ChangeClear, Tracks: removed})
}

func (q *Queue) History() []*Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*Track(nil), q.history...)
}

func (q *Queue) ClearHistory() {
	q.mu.Lock()
	q.history = nil
	q.mu.Unlock()
}

func (q *Queue) checkLocked(tracks []*Track) error {
	for _, t := range tracks {
		if t == nil {
			return ErrNilTrack
		}
	}
	if len(q.tracks)+len(tracks) > q.maxSize {
		return fmt.Errorf("%w: %d queued + %d new exceeds %d", ErrQueueFull, len(q.tracks), len(tracks), q.maxSize)
	}
	return nil
}

func (q *Queue) insertLocked(index int, tracks []*Track) {
	if len(tracks) == 0 {
		return
	}
	out := make([]*Track, 0, len(q.tracks)+len(tracks))
	out = append(out, q.tracks[:index]...)
	out = append(out, tracks...)
	out = append(out, q.tracks[index:]...)
	q.tracks = out
}

func (q *Queue) retireCurrentLocked() {
	if q.current == nil {
		return
	}
	q.previous = q.current
	q.pushHistoryLocked(q.current)
	q.current = nil
}

func (q *Queue) pushHistoryLocked(t *Track) {
	if q.historySize <= 0 {
		return
	}
	q.history = append(q.history, t)
	if over := len(q.history) - q.historySize; over > 0 {
		q.history = append([]*Track(nil), q.history[over:]...)
	}
}

func (q *Queue) intN(n int) int {
	if q.rng != nil {
		return q.rng.IntN(n)
	}
	return rand.IntN(n)
}
