package queue

import "fmt"

// Snapshot is the persisted form of a queue.
type Snapshot struct {
	Tracks      []*Track `json:"tracks"`
	Current     *Track   `json:"current,omitempty"`
	Previous    *Track   `json:"previous,omitempty"`
	Loop        LoopMode `json:"loop"`
	History     []*Track `json:"history,omitempty"`
	MaxSize     int      `json:"maxSize"`
	HistorySize int      `json:"historySize"`
}

func (q *Queue) Save() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Snapshot{
		Tracks:      append([]*Track{}, q.tracks...),
		Current:     q.current,
		Previous:    q.previous,
		Loop:        q.loop,
		History:     append([]*Track(nil), q.history...),
		MaxSize:     q.maxSize,
		HistorySize: q.historySize,
	}
}

// Load replaces the whole queue state with s. Nothing changes on error.
func (q *Queue) Load(s Snapshot) error {
	for _, t := range s.Tracks {
		if t == nil {
			return ErrNilTrack
		}
	}

	q.mu.Lock()
	maxSize := q.maxSize
	if s.MaxSize > 0 {
		maxSize = s.MaxSize
	}
	if len(s.Tracks) > maxSize {
		q.mu.Unlock()
		return fmt.Errorf("%w: snapshot holds %d tracks, limit %d", ErrQueueFull, len(s.Tracks), maxSize)
	}

	historySize := q.historySize
	if s.HistorySize > 0 {
		historySize = s.HistorySize
	}
	history := append([]*Track(nil), s.History...)
	if over := len(history) - historySize; over > 0 {
		history = history[over:]
	}

	q.maxSize = maxSize
	q.historySize = historySize
	q.tracks = append([]*Track{}, s.Tracks...)
	q.current = s.Current
	q.previous = s.Previous
	q.loop = s.Loop
	q.history = history
	tracks := append([]*Track(nil), q.tracks...)
	q.mu.Unlock()

	q.notify(Change{Kind: ChangeLoad, Index: -1, Tracks: tracks})
	return nil
}
