package health

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/slipstream/indexhub/internal/indexer/types"
	"github.com/slipstream/indexhub/internal/metrics"
)

// Check ids in CategorySystem.
const (
	CheckIndexerStatus = "IndexerStatusCheck"
	CheckIndexerSearch = "IndexerSearchCheck"
)

// EventHealthUpdated is broadcast whenever an item changes.
const EventHealthUpdated = "health:updated"

// Broadcaster defines the interface for sending WebSocket messages.
type Broadcaster interface {
	Broadcast(msgType string, payload any) error
}

// IndexerSource lists configured indexers.
type IndexerSource interface {
	List(ctx context.Context) ([]*types.IndexerDefinition, error)
}

// StatusSource returns the tracked failure state of indexers.
type StatusSource interface {
	All() []*types.IndexerStatus
}

// Service manages the health state of all tracked items.
// All state is in-memory and rebuilt by Check.
type Service struct {
	items       map[Category]map[string]*Item
	indexers    []*types.IndexerDefinition
	mu          sync.RWMutex
	policy      Policy
	source      IndexerSource
	statuses    StatusSource
	clock       clockwork.Clock
	broadcaster Broadcaster
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

// NewService creates a new health service.
func NewService(policy Policy, source IndexerSource, statuses StatusSource, clock clockwork.Clock, logger zerolog.Logger) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &Service{
		items:    make(map[Category]map[string]*Item),
		policy:   policy,
		source:   source,
		statuses: statuses,
		clock:    clock,
		logger:   logger.With().Str("component", "health").Logger(),
	}
	for _, cat := range AllCategories() {
		s.items[cat] = make(map[string]*Item)
	}
	s.items[CategorySystem][CheckIndexerStatus] = &Item{ID: CheckIndexerStatus, Category: CategorySystem, Name: "Indexer status", Status: StatusOK}
	s.items[CategorySystem][CheckIndexerSearch] = &Item{ID: CheckIndexerSearch, Category: CategorySystem, Name: "Indexer search", Status: StatusOK}
	return s
}

// SetBroadcaster sets the WebSocket broadcaster for real-time updates.
func (s *Service) SetBroadcaster(b Broadcaster) {
	s.broadcaster = b
}

// SetMetrics sets the gauge of blocked indexers.
func (s *Service) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Check re-evaluates every health item.
func (s *Service) Check(ctx context.Context) error {
	indexers, err := s.source.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list indexers: %w", err)
	}

	s.mu.Lock()
	s.indexers = indexers
	s.mu.Unlock()

	s.syncIndexerItems(indexers)
	s.evaluate()

	search := EvaluateSearchAvailability(indexers)
	s.setStatus(CategorySystem, CheckIndexerSearch, search.Status, search.Message)
	return nil
}

// HandleStatusChange updates health as soon as an indexer fails or recovers.
func (s *Service) HandleStatusChange(st *types.IndexerStatus) {
	id := strconv.FormatInt(st.IndexerID, 10)
	status, msg := s.indexerState(st, s.clock.Now())
	s.setStatus(CategoryIndexers, id, status, msg)

	s.mu.RLock()
	known := s.indexers != nil
	s.mu.RUnlock()
	if known {
		s.evaluate()
	}
}

// evaluate applies the policy to the last listed indexers.
func (s *Service) evaluate() {
	s.mu.RLock()
	indexers := s.indexers
	s.mu.RUnlock()

	statuses := s.statuses.All()
	now := s.clock.Now()
	result := s.policy.EvaluateIndexerStatus(indexers, statuses, now)
	s.setStatus(CategorySystem, CheckIndexerStatus, result.Status, result.Message)

	var blocked int
	for _, st := range statuses {
		if st.IsDisabledAt(now) {
			blocked++
		}
	}
	s.metrics.SetBlocked(blocked)
}

// syncIndexerItems keeps one item per enabled indexer.
func (s *Service) syncIndexerItems(indexers []*types.IndexerDefinition) {
	statuses := make(map[int64]*types.IndexerStatus)
	for _, st := range s.statuses.All() {
		statuses[st.IndexerID] = st
	}
	now := s.clock.Now()

	wanted := make(map[string]bool, len(indexers))
	for _, def := range indexers {
		if !def.Enabled {
			continue
		}
		id := strconv.FormatInt(def.ID, 10)
		wanted[id] = true
		s.registerItem(CategoryIndexers, id, def.Name)
		status, msg := s.indexerState(statuses[def.ID], now)
		s.setStatus(CategoryIndexers, id, status, msg)
	}

	s.mu.Lock()
	for id := range s.items[CategoryIndexers] {
		if !wanted[id] {
			delete(s.items[CategoryIndexers], id)
		}
	}
	s.mu.Unlock()
}

func (s *Service) indexerState(st *types.IndexerStatus, now time.Time) (Level, string) {
	if !st.IsDisabledAt(now) {
		return StatusOK, ""
	}
	return StatusError, fmt.Sprintf("Disabled until %s after %d failures",
		st.DisabledTill.UTC().Format(time.RFC3339), st.EscalationLevel)
}

// registerItem adds an item with OK status unless it exists.
func (s *Service) registerItem(category Category, id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item, exists := s.items[category][id]; exists {
		item.Name = name
		return
	}
	s.items[category][id] = &Item{ID: id, Category: category, Name: name, Status: StatusOK}

	s.logger.Debug().
		Str("category", string(category)).
		Str("id", id).
		Str("name", name).
		Msg("Registered health item")
}

// setStatus updates the status of an item.
func (s *Service) setStatus(category Category, id string, status Level, message string) {
	s.mu.Lock()

	item, exists := s.items[category][id]
	if !exists {
		s.mu.Unlock()
		return
	}

	if item.Status == status && item.Message == message {
		s.mu.Unlock()
		return
	}

	oldStatus := item.Status
	item.Status = status
	item.Message = message
	if status != StatusOK {
		now := s.clock.Now()
		item.Timestamp = &now
	} else {
		item.Timestamp = nil
	}
	snapshot := *item
	s.mu.Unlock()

	event := s.logger.Info()
	if status.severity() > oldStatus.severity() {
		event = s.logger.Warn()
	}
	event.
		Str("category", string(category)).
		Str("id", id).
		Str("name", snapshot.Name).
		Str("oldStatus", string(oldStatus)).
		Str("newStatus", string(status)).
		Str("message", message).
		Msg("Health status changed")

	s.broadcastUpdate(&snapshot)
}

// GetAll returns all health items grouped by category.
func (s *Service) GetAll() *Report {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := &Report{
		System:   s.itemsToSlice(CategorySystem),
		Indexers: s.itemsToSlice(CategoryIndexers),
	}
	resp.Status = worst(resp.System)
	return resp
}

// GetByCategory returns all items in a specific category.
func (s *Service) GetByCategory(category Category) []Item {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.itemsToSlice(category)
}

// GetItem returns a single item by category and ID.
func (s *Service) GetItem(category Category, id string) *Item {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if item, exists := s.items[category][id]; exists {
		copy := *item
		return &copy
	}
	return nil
}

// Status returns the aggregate indexer status check.
func (s *Service) Status() Level {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items[CategorySystem][CheckIndexerStatus].Status
}

// GetSummary returns counts per category for the dashboard.
func (s *Service) GetSummary() *Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := &Summary{
		Categories: make([]CategorySummary, 0, len(AllCategories())),
		Status:     worst(s.itemsToSlice(CategorySystem)),
	}

	for _, cat := range AllCategories() {
		catSummary := CategorySummary{Category: cat}

		for _, item := range s.items[cat] {
			switch item.Status {
			case StatusOK:
				catSummary.OK++
			case StatusWarning:
				catSummary.Warning++
			case StatusError:
				catSummary.Error++
			}
		}

		if catSummary.HasIssues() {
			summary.HasIssues = true
		}

		summary.Categories = append(summary.Categories, catSummary)
	}

	return summary
}

// itemsToSlice converts the map of items to a slice sorted by name.
func (s *Service) itemsToSlice(category Category) []Item {
	items := make([]Item, 0, len(s.items[category]))
	for _, item := range s.items[category] {
		items = append(items, *item)
	}
	slices.SortFunc(items, func(a, b Item) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return items
}

func worst(items []Item) Level {
	status := StatusOK
	for _, item := range items {
		if item.Status.severity() > status.severity() {
			status = item.Status
		}
	}
	return status
}

// broadcastUpdate sends a health update via WebSocket.
func (s *Service) broadcastUpdate(item *Item) {
	if s.broadcaster == nil {
		return
	}

	payload := UpdatePayload{
		Category:  item.Category,
		ID:        item.ID,
		Name:      item.Name,
		Status:    item.Status,
		Message:   item.Message,
		Timestamp: item.Timestamp,
	}

	if err := s.broadcaster.Broadcast(EventHealthUpdated, payload); err != nil {
		s.logger.Error().Err(err).Msg("Failed to broadcast health update")
	}
}
