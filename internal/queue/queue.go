// internal/queue/queue.go
package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/playsquad/playsquad/internal/apperr"
	"github.com/playsquad/playsquad/internal/models"
)

// Bucket partitions the searching-request space.
type Bucket struct {
	GameID   string
	GameMode models.GameMode
	Region   models.Region
}

// Event is emitted once per added request, keyed by its primary bucket, so
// the scheduler can process the bucket without waiting for the next tick.
type Event struct {
	GameID    string
	GameMode  models.GameMode
	Region    models.Region
	RequestID uuid.UUID
}

// Stats is a snapshot of queue occupancy and matching averages.
type Stats struct {
	Sizes        map[string]map[models.GameMode]map[models.Region]int
	AvgWaitTime  time.Duration
	MatchedCount int64
}

// emaAlpha weights the newest sample in the running wait-time average.
const emaAlpha = 0.2

// Manager is the in-memory index of active searching requests. Every
// indexed request appears in each of its (game, mode, region) buckets and
// in the user index. It is rebuilt from persisted searching requests on
// startup.
type Manager struct {
	mu        sync.RWMutex
	buckets   map[Bucket]map[uuid.UUID]*models.MatchRequest
	byUser    map[uuid.UUID]*models.MatchRequest
	byRequest map[uuid.UUID][]Bucket
	listeners []func(Event)

	avgWaitMs float64
	matched   int64

	log *logrus.Logger
}

// NewManager returns an empty queue index.
func NewManager(log *logrus.Logger) *Manager {
	return &Manager{
		buckets:   make(map[Bucket]map[uuid.UUID]*models.MatchRequest),
		byUser:    make(map[uuid.UUID]*models.MatchRequest),
		byRequest: make(map[uuid.UUID][]Bucket),
		avgWaitMs: 60_000, // default until real samples arrive
		log:       log,
	}
}

// Subscribe registers a requestAdded listener. Listeners run outside the
// index lock, on the goroutine that called AddRequest.
func (m *Manager) Subscribe(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// AddRequest indexes req under every bucket its criteria span and under its
// user. It fails with Conflict when the user already has an indexed
// request.
func (m *Manager) AddRequest(req *models.MatchRequest) error {
	m.mu.Lock()
	if _, exists := m.byUser[req.UserID]; exists {
		m.mu.Unlock()
		return apperr.New(apperr.Conflict, "user %s already has a queued match request", req.UserID)
	}

	var indexed []Bucket
	for _, g := range req.Criteria.Games {
		for _, region := range req.Criteria.EffectiveRegions() {
			b := Bucket{GameID: g.GameID, GameMode: req.Criteria.GameMode, Region: region}
			if m.buckets[b] == nil {
				m.buckets[b] = make(map[uuid.UUID]*models.MatchRequest)
			}
			m.buckets[b][req.ID] = req
			indexed = append(indexed, b)
		}
	}
	m.byUser[req.UserID] = req
	m.byRequest[req.ID] = indexed

	ev := Event{
		GameID:    req.Criteria.PrimaryGame(),
		GameMode:  req.Criteria.GameMode,
		Region:    req.Criteria.EffectiveRegions()[0],
		RequestID: req.ID,
	}
	listeners := append([]func(Event){}, m.listeners...)
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"request": req.ID,
		"user":    req.UserID,
		"buckets": len(indexed),
	}).Debug("queue: request indexed")

	for _, fn := range listeners {
		fn(ev)
	}
	return nil
}

// RemoveRequest removes the request from every index. It is idempotent and
// returns whether a removal occurred. silent suppresses the removal log,
// used when finalization sweeps matched requests out.
func (m *Manager) RemoveRequest(userID, requestID uuid.UUID, silent bool) bool {
	m.mu.Lock()
	buckets, ok := m.byRequest[requestID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	for _, b := range buckets {
		delete(m.buckets[b], requestID)
		if len(m.buckets[b]) == 0 {
			delete(m.buckets, b)
		}
	}
	delete(m.byRequest, requestID)
	if cur, ok := m.byUser[userID]; ok && cur.ID == requestID {
		delete(m.byUser, userID)
	}
	m.mu.Unlock()

	if !silent {
		m.log.WithFields(logrus.Fields{"request": requestID, "user": userID}).Debug("queue: request removed")
	}
	return true
}

// Rebuild replaces the index with the given persisted searching requests.
// No requestAdded events fire; the first scheduler tick picks them up.
func (m *Manager) Rebuild(reqs []*models.MatchRequest) {
	m.mu.Lock()
	m.buckets = make(map[Bucket]map[uuid.UUID]*models.MatchRequest)
	m.byUser = make(map[uuid.UUID]*models.MatchRequest)
	m.byRequest = make(map[uuid.UUID][]Bucket)
	for _, req := range reqs {
		if _, dup := m.byUser[req.UserID]; dup {
			continue
		}
		var indexed []Bucket
		for _, g := range req.Criteria.Games {
			for _, region := range req.Criteria.EffectiveRegions() {
				b := Bucket{GameID: g.GameID, GameMode: req.Criteria.GameMode, Region: region}
				if m.buckets[b] == nil {
					m.buckets[b] = make(map[uuid.UUID]*models.MatchRequest)
				}
				m.buckets[b][req.ID] = req
				indexed = append(indexed, b)
			}
		}
		m.byUser[req.UserID] = req
		m.byRequest[req.ID] = indexed
	}
	n := len(m.byRequest)
	m.mu.Unlock()
	m.log.WithField("requests", n).Info("queue: index rebuilt")
}

// GetQueueRequests snapshots a bucket in FIFO order (searchStartTime
// ascending, request id breaking ties).
func (m *Manager) GetQueueRequests(gameID string, mode models.GameMode, region models.Region) []*models.MatchRequest {
	m.mu.RLock()
	bucket := m.buckets[Bucket{GameID: gameID, GameMode: mode, Region: region}]
	out := make([]*models.MatchRequest, 0, len(bucket))
	for _, req := range bucket {
		out = append(out, req)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].SearchStartTime.Equal(out[j].SearchStartTime) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].SearchStartTime.Before(out[j].SearchStartTime)
	})
	return out
}

// GetQueueSize returns the bucket size and whether the bucket exists.
func (m *Manager) GetQueueSize(gameID string, mode models.GameMode, region models.Region) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bucket, ok := m.buckets[Bucket{GameID: gameID, GameMode: mode, Region: region}]
	return len(bucket), ok
}

// GetUserRequest looks up the user's indexed request.
func (m *Manager) GetUserRequest(userID uuid.UUID) (*models.MatchRequest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.byUser[userID]
	return req, ok
}

// SetRelaxation updates the indexed copy of a request after the store
// write, so subsequent scoring sees the new level.
func (m *Manager) SetRelaxation(requestID uuid.UUID, level int, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if buckets, ok := m.byRequest[requestID]; ok && len(buckets) > 0 {
		if req, ok := m.buckets[buckets[0]][requestID]; ok {
			req.RelaxationLevel = level
			req.RelaxationTimestamp = at
		}
	}
}

// Buckets snapshots the current bucket keys.
func (m *Manager) Buckets() []Bucket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Bucket, 0, len(m.buckets))
	for b := range m.buckets {
		out = append(out, b)
	}
	return out
}

// GetStats snapshots sizes keyed gameId -> gameMode -> region plus the
// running averages.
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sizes := make(map[string]map[models.GameMode]map[models.Region]int)
	for b, reqs := range m.buckets {
		if sizes[b.GameID] == nil {
			sizes[b.GameID] = make(map[models.GameMode]map[models.Region]int)
		}
		if sizes[b.GameID][b.GameMode] == nil {
			sizes[b.GameID][b.GameMode] = make(map[models.Region]int)
		}
		sizes[b.GameID][b.GameMode][b.Region] = len(reqs)
	}
	return Stats{
		Sizes:        sizes,
		AvgWaitTime:  time.Duration(m.avgWaitMs) * time.Millisecond,
		MatchedCount: m.matched,
	}
}

// UpdateStats folds one completed search into the running averages.
func (m *Manager) UpdateStats(matched bool, searchTime time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.avgWaitMs = emaAlpha*float64(searchTime.Milliseconds()) + (1-emaAlpha)*m.avgWaitMs
	if matched {
		m.matched++
	}
}

// AvgWaitTime returns the current wait-time average.
func (m *Manager) AvgWaitTime() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.avgWaitMs) * time.Millisecond
}

// ClearQueues purges the index. Test-only.
func (m *Manager) ClearQueues() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets = make(map[Bucket]map[uuid.UUID]*models.MatchRequest)
	m.byUser = make(map[uuid.UUID]*models.MatchRequest)
	m.byRequest = make(map[uuid.UUID][]Bucket)
}
