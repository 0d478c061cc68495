// Package usage counts requests per user and globally for the current day and
// month.  Counts are held in memory; they feed usage_update and system_stats
// notifications and reset when the UTC day or month rolls over.
package usage

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Counts are request counts for the current period.
type Counts struct {
	Today     int64 `json:"requests_today"`
	ThisMonth int64 `json:"requests_this_month"`
}

type counter struct {
	day, month string
	Counts
}

func (c *counter) add(day, month string) Counts {
	c.roll(day, month)
	c.Today++
	c.ThisMonth++
	return c.Counts
}

func (c *counter) roll(day, month string) {
	if c.month != month {
		c.month = month
		c.ThisMonth = 0
	}
	if c.day != day {
		c.day = day
		c.Today = 0
	}
}

// Tracker counts requests.  It is safe for concurrent use.
type Tracker struct {
	clock clockwork.Clock

	mu     sync.Mutex
	users  map[string]*counter
	global counter
}

func NewTracker(clock clockwork.Clock) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{clock: clock, users: map[string]*counter{}}
}

func (t *Tracker) periods() (string, string) {
	now := t.clock.Now().UTC()
	return now.Format(time.DateOnly), now.Format("2006-01")
}

// Record counts one request.  An empty userID counts towards the global total
// only.  The user's updated counts are returned.
func (t *Tracker) Record(userID string) Counts {
	day, month := t.periods()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollGlobal(day, month)
	t.global.add(day, month)
	if userID == "" {
		return Counts{}
	}
	c, ok := t.users[userID]
	if !ok {
		c = &counter{}
		t.users[userID] = c
	}
	return c.add(day, month)
}

// User returns the counts for a single user.
func (t *Tracker) User(userID string) Counts {
	day, month := t.periods()

	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.users[userID]
	if !ok {
		return Counts{}
	}
	c.roll(day, month)
	return c.Counts
}

// Totals returns the global counts.
func (t *Tracker) Totals() Counts {
	day, month := t.periods()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollGlobal(day, month)
	return t.global.Counts
}

// rollGlobal rolls the global counter.  When the month changes, user
// counters from earlier months are dropped, as they would read zero anyway.
// Callers hold t.mu.
func (t *Tracker) rollGlobal(day, month string) {
	if t.global.month != "" && t.global.month != month {
		for id, c := range t.users {
			if c.month != month {
				delete(t.users, id)
			}
		}
	}
	t.global.roll(day, month)
}

// Update is the payload of a usage_update notification.
type Update struct {
	APIKeyID          string `json:"api_key_id,omitempty"`
	UserID            string `json:"user_id"`
	RequestsToday     int64  `json:"requests_today"`
	RequestsThisMonth int64  `json:"requests_this_month"`
	RateLimitStatus   string `json:"rate_limit_status,omitempty"`
}
