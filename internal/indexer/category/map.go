package category

import (
	"crypto/sha1"
	"encoding/binary"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// Mapping ties a native indexer category to a canonical one.
type Mapping struct {
	IndexerID         int64  `json:"indexerId"`
	NativeID          string `json:"nativeId"`
	NativeDescription string `json:"nativeDescription,omitempty"`
	CanonicalID       int    `json:"canonicalId"`
}

// Map is the category mapping of a single indexer. It is safe for concurrent use.
type Map struct {
	indexerID int64

	mu       sync.RWMutex
	mappings []Mapping
	tree     []*Category
}

// NewMap creates an empty mapping for an indexer.
func NewMap(indexerID int64) *Map {
	return &Map{indexerID: indexerID}
}

// IndexerID returns the owning indexer id.
func (m *Map) IndexerID() int64 {
	return m.indexerID
}

// AddMapping registers a native category. When nativeDescription is set, an
// indexer specific custom category (CustomOffset + native id) is created too.
// canonical may be nil for description-only native categories.
func (m *Map) AddMapping(nativeID string, canonical *Category, nativeDescription string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if canonical != nil {
		m.mappings = append(m.mappings, Mapping{
			IndexerID:         m.indexerID,
			NativeID:          nativeID,
			NativeDescription: nativeDescription,
			CanonicalID:       canonical.ID,
		})
		m.addToTree(canonical)
	}

	if nativeDescription == "" {
		return
	}

	custom := &Category{ID: customID(nativeID), Name: nativeDescription}
	m.mappings = append(m.mappings, Mapping{
		IndexerID:         m.indexerID,
		NativeID:          nativeID,
		NativeDescription: nativeDescription,
		CanonicalID:       custom.ID,
	})
	m.addToTree(custom)
}

// AddMappingID is AddMapping for integer native ids.
func (m *Map) AddMappingID(nativeID int, canonical *Category, nativeDescription string) {
	m.AddMapping(strconv.Itoa(nativeID), canonical, nativeDescription)
}

func customID(nativeID string) int {
	if n, err := strconv.Atoi(nativeID); err == nil {
		return n + CustomOffset
	}
	sum := sha1.Sum([]byte(nativeID))
	return int(binary.LittleEndian.Uint16(sum[:2])) + CustomOffset
}

func (m *Map) findTree(id int) *Category {
	for _, c := range m.tree {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (m *Map) attachChild(parent *Category, child *Category) {
	node := m.findTree(parent.ID)
	if node == nil {
		node = parent.copyWithoutChildren()
		m.tree = append(m.tree, node)
	}
	if !node.Contains(child.ID) {
		node.SubCategories = append(node.SubCategories, child)
	}
}

func (m *Map) addToTree(c *Category) {
	if isParent(c.ID) {
		if m.findTree(c.ID) == nil {
			m.tree = append(m.tree, c.copyWithoutChildren())
		}
		return
	}
	if parent := ParentOf(c.ID); parent != nil {
		m.attachChild(parent, c)
		return
	}
	// non standard id inside a standard thousand block joins that parent
	if c.ID > 1000 && c.ID < 10000 {
		if parent := ByID(c.ID / 1000 * 1000); parent != nil {
			m.attachChild(parent, c)
			return
		}
	}
	if m.findTree(c.ID) == nil {
		m.tree = append(m.tree, c)
	}
}

// Tree returns the capability tree: standard parents first by id, then custom categories by name.
func (m *Map) Tree() []*Category {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Category, 0, len(m.tree))
	for _, c := range m.tree {
		node := c.copyWithoutChildren()
		node.SubCategories = append([]*Category(nil), c.SubCategories...)
		sort.SliceStable(node.SubCategories, func(i, j int) bool {
			return node.SubCategories[i].ID < node.SubCategories[j].ID
		})
		out = append(out, node)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.IsCustom() != b.IsCustom() {
			return !a.IsCustom()
		}
		if a.IsCustom() {
			return a.Name < b.Name
		}
		return a.ID < b.ID
	})
	return out
}

// Mappings returns a copy of the registered mappings in registration order.
func (m *Map) Mappings() []Mapping {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Mapping(nil), m.mappings...)
}

// Empty reports whether no mapping was registered.
func (m *Map) Empty() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.mappings) == 0
}

// TrackerCategories returns the distinct native ids in registration order.
func (m *Map) TrackerCategories() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{}, len(m.mappings))
	out := make([]string, 0, len(m.mappings))
	for _, mp := range m.mappings {
		if _, ok := seen[mp.NativeID]; ok {
			continue
		}
		seen[mp.NativeID] = struct{}{}
		out = append(out, mp.NativeID)
	}
	return out
}

// ExpandQueryCategories adds the children of every requested parent. When
// includeParentOfChild is set, requested children also pull in their parent.
func (m *Map) ExpandQueryCategories(requested []int, includeParentOfChild bool) []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.expand(requested, includeParentOfChild)
}

func (m *Map) expand(requested []int, includeParentOfChild bool) []int {
	out := make([]int, 0, len(requested))
	add := func(id int) {
		if !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	for _, id := range requested {
		add(id)
		if id >= CustomOffset {
			continue
		}
		if node := m.findTree(id); node != nil {
			for _, sub := range node.SubCategories {
				add(sub.ID)
			}
			continue
		}
		if includeParentOfChild {
			for _, node := range m.tree {
				if node.Contains(id) {
					add(node.ID)
					break
				}
			}
		}
	}
	return out
}

// SupportedCategories returns the categories of the capability tree that the
// request covers. A requested parent covers its mapped children; unmapped
// requests are dropped.
func (m *Map) SupportedCategories(requested []int) []int {
	if len(requested) == 0 {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	expanded := m.expand(requested, false)
	var out []int
	for _, node := range m.tree {
		if slices.Contains(expanded, node.ID) {
			out = append(out, node.ID)
		}
		for _, sub := range node.SubCategories {
			if slices.Contains(expanded, sub.ID) && !slices.Contains(out, sub.ID) {
				out = append(out, sub.ID)
			}
		}
	}
	return out
}

// MapCanonicalToTracker returns the distinct native ids serving the query categories.
func (m *Map) MapCanonicalToTracker(queryCategories []int, includeParentOfChild bool) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	expanded := m.expand(queryCategories, includeParentOfChild)
	var out []string
	for _, mp := range m.mappings {
		if slices.Contains(expanded, mp.CanonicalID) && !slices.Contains(out, mp.NativeID) {
			out = append(out, mp.NativeID)
		}
	}
	return out
}

// MapTrackerCategoryToCanonical resolves a native id to its canonical categories.
func (m *Map) MapTrackerCategoryToCanonical(nativeID string) []*Category {
	nativeID = strings.TrimSpace(nativeID)
	if nativeID == "" {
		return nil
	}
	return m.collect(func(mp Mapping) bool {
		return strings.EqualFold(mp.NativeID, nativeID)
	})
}

// MapTrackerCategoryDescriptionToCanonical resolves a native label to its canonical categories.
func (m *Map) MapTrackerCategoryDescriptionToCanonical(description string) []*Category {
	description = strings.TrimSpace(description)
	if description == "" {
		return nil
	}
	return m.collect(func(mp Mapping) bool {
		return mp.NativeDescription != "" && strings.EqualFold(mp.NativeDescription, description)
	})
}

func (m *Map) collect(match func(Mapping) bool) []*Category {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Category
	for _, mp := range m.mappings {
		if !match(mp) {
			continue
		}
		if c := ByID(mp.CanonicalID); c != nil {
			out = append(out, c)
			continue
		}
		if c := m.lookupCustom(mp.CanonicalID); c != nil {
			out = append(out, c)
			continue
		}
		out = append(out, &Category{ID: mp.CanonicalID})
	}
	return out
}

func (m *Map) lookupCustom(id int) *Category {
	for _, node := range m.tree {
		if node.ID == id {
			return node
		}
		for _, sub := range node.SubCategories {
			if sub.ID == id {
				return sub
			}
		}
	}
	return nil
}

// IDs flattens categories to their ids.
func IDs(cats []*Category) []int {
	out := make([]int, 0, len(cats))
	for _, c := range cats {
		if !slices.Contains(out, c.ID) {
			out = append(out, c.ID)
		}
	}
	return out
}
