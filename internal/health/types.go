package health

import (
	"encoding/json"
	"time"
)

// Level is the health state of an item.
type Level string

const (
	StatusOK      Level = "ok"
	StatusWarning Level = "warning"
	StatusError   Level = "error"
)

func (l Level) severity() int {
	switch l {
	case StatusError:
		return 2
	case StatusWarning:
		return 1
	}
	return 0
}

// Category groups health items.
type Category string

const (
	// CategoryIndexers holds one item per enabled indexer.
	CategoryIndexers Category = "indexers"
	// CategorySystem holds one item per aggregate check.
	CategorySystem Category = "system"
)

// AllCategories returns all categories in display order.
func AllCategories() []Category {
	return []Category{CategorySystem, CategoryIndexers}
}

// Item is one tracked check or indexer.
type Item struct {
	ID        string     `json:"id"`
	Category  Category   `json:"category"`
	Name      string     `json:"name"`
	Status    Level      `json:"status"`
	Message   string     `json:"message,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// MarshalJSON leaves out message and timestamp of healthy items.
func (i Item) MarshalJSON() ([]byte, error) {
	type plain Item
	out := plain(i)
	if i.Status == StatusOK {
		out.Timestamp = nil
		out.Message = ""
	}
	return json.Marshal(out)
}

// CategorySummary counts the items of one category by level.
type CategorySummary struct {
	Category Category `json:"category"`
	OK       int      `json:"ok"`
	Warning  int      `json:"warning"`
	Error    int      `json:"error"`
}

// HasIssues reports whether any item is not healthy.
func (c CategorySummary) HasIssues() bool {
	return c.Warning > 0 || c.Error > 0
}

// Report is every item grouped by category. Status is the worst system
// check.
type Report struct {
	Status   Level  `json:"status"`
	System   []Item `json:"system"`
	Indexers []Item `json:"indexers"`
}

// Summary is the per-category count overview.
type Summary struct {
	Status     Level             `json:"status"`
	Categories []CategorySummary `json:"categories"`
	HasIssues  bool              `json:"hasIssues"`
}

// UpdatePayload is broadcast when an item changes.
type UpdatePayload struct {
	Category  Category   `json:"category"`
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Status    Level      `json:"status"`
	Message   string     `json:"message,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}
