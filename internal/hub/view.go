package hub

import (
	"time"

	"github.com/freshsense/gasmon/internal/reading"
)

// SessionView is an immutable copy of one session, safe to hand to
// consumers outside the event loop.
type SessionView struct {
	ID         int               `json:"id"`
	Name       string            `json:"name"`
	Address    string            `json:"address"`
	State      string            `json:"state"`
	Reading    *reading.Reading  `json:"reading,omitempty"`
	History    []reading.Reading `json:"history,omitempty"`
	LastUpdate time.Time         `json:"last_update"`
	LastError  string            `json:"last_error,omitempty"`
	Attempts   int               `json:"attempts"`
	Raw        []byte            `json:"-"`
}

// makeSnapshot copies every session in first-connect order. Loop-owned.
func (h *Hub) makeSnapshot() []SessionView {
	views := make([]SessionView, 0, h.sessions.Len())
	for pair := h.sessions.Oldest(); pair != nil; pair = pair.Next() {
		s := pair.Value.sess

		view := SessionView{
			ID:         s.ID,
			Name:       s.Name,
			Address:    s.Address,
			State:      s.State().String(),
			History:    s.History(),
			LastUpdate: s.LastUpdate(),
			LastError:  s.LastError(),
			Attempts:   s.Attempts(),
			Raw:        s.RawTail(),
		}
		if r, ok := s.Reading(); ok {
			view.Reading = &r
		}
		views = append(views, view)
	}
	return views
}
