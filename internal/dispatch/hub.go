package dispatch

import (
	"sync"
	"time"

	"astralcore.app/crisis/internal/model"
)

// Alert is what UI subscribers receive for a crisis event change.
type Alert struct {
	CrisisEventID   int64                          `json:"crisisEventId,string"`
	UserID          string                         `json:"userId"`
	Severity        model.Severity                 `json:"severity"`
	Status          model.CrisisStatus             `json:"status"`
	Version         int64                          `json:"version"`
	Recommendations []model.ResourceRecommendation `json:"recommendations"`
	At              time.Time                      `json:"at"`
}

func alertFor(e *model.CrisisEvent, at time.Time) Alert {
	return Alert{
		CrisisEventID:   e.ID,
		UserID:          e.UserID,
		Severity:        e.Severity,
		Status:          e.Status,
		Version:         e.Version,
		Recommendations: e.Recommendations,
		At:              at,
	}
}

// Hub fans alerts out to in-process subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the alert but can read Latest.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]chan Alert
	latest map[string]Alert
}

func NewHub() *Hub {
	return &Hub{
		subs:   make(map[string]map[int]chan Alert),
		latest: make(map[string]Alert),
	}
}

// Subscribe registers for userID's alerts. The returned cancel func closes the channel.
func (h *Hub) Subscribe(userID string, buffer int) (<-chan Alert, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Alert, buffer)

	h.mu.Lock()
	h.nextID++
	subID := h.nextID
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[int]chan Alert)
	}
	h.subs[userID][subID] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[userID], subID)
			if len(h.subs[userID]) == 0 {
				delete(h.subs, userID)
			}
			close(ch)
		})
	}
}

// Publish stores alert as the user's latest and returns how many subscribers received it.
// A resolved alert is fanned out but clears the user's latest entry for that event.
func (h *Hub) Publish(alert Alert) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev, ok := h.latest[alert.UserID]
	switch {
	case alert.Status == model.CrisisStatusResolved:
		if ok && prev.CrisisEventID == alert.CrisisEventID {
			delete(h.latest, alert.UserID)
		}
	case !ok || prev.CrisisEventID != alert.CrisisEventID || prev.Version <= alert.Version:
		h.latest[alert.UserID] = alert
	}

	sent := 0
	for _, ch := range h.subs[alert.UserID] {
		select {
		case ch <- alert:
			sent++
		default:
		}
	}
	return sent
}

func (h *Hub) Latest(userID string) (Alert, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	a, ok := h.latest[userID]
	return a, ok
}

func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}
