package detection

import (
	"fmt"
	"sort"
	"strconv"
)

// DOTAClasses is the default category list, indexed by class id.
var DOTAClasses = []string{
	"plane",
	"ship",
	"storage_tank",
	"baseball_diamond",
	"tennis_court",
	"basketball_court",
	"Ground_Track_Field",
	"harbor",
	"Bridge",
	"large_vehicle",
	"small_vehicle",
	"helicopter",
	"roundabout",
	"soccer_ball_field",
	"swimming_pool",
}

// ClassMap translates between numeric class ids and category names.
// A ClassMap is read-only after construction and safe for concurrent use.
type ClassMap struct {
	names map[int]string
	ids   map[string]int
}

// NewClassMap builds a map from id to name. Duplicate names are rejected.
func NewClassMap(names map[int]string) (*ClassMap, error) {
	m := &ClassMap{
		names: make(map[int]string, len(names)),
		ids:   make(map[string]int, len(names)),
	}
	for id, name := range names {
		if name == "" {
			return nil, fmt.Errorf("class %d has an empty name", id)
		}
		if prev, dup := m.ids[name]; dup {
			return nil, fmt.Errorf("class name %q used by ids %d and %d", name, prev, id)
		}
		m.names[id] = name
		m.ids[name] = id
	}
	return m, nil
}

// DefaultClassMap returns the DOTA class map.
func DefaultClassMap() *ClassMap {
	names := make(map[int]string, len(DOTAClasses))
	for i, n := range DOTAClasses {
		names[i] = n
	}
	m, _ := NewClassMap(names)
	return m
}

// Name returns the category name for id. Unknown ids are rendered as their number.
func (m *ClassMap) Name(id int) string {
	if m != nil {
		if n, ok := m.names[id]; ok {
			return n
		}
	}
	return strconv.Itoa(id)
}

// ID returns the class id for name, or -1 and false when the name is unknown.
func (m *ClassMap) ID(name string) (int, bool) {
	if m != nil {
		if id, ok := m.ids[name]; ok {
			return id, true
		}
	}
	return -1, false
}

// IDs returns every known id in ascending order.
func (m *ClassMap) IDs() []int {
	ids := make([]int, 0, len(m.names))
	for id := range m.names {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Len returns the number of classes.
func (m *ClassMap) Len() int { return len(m.names) }

// Names returns every known name in id order.
func (m *ClassMap) Names() []string {
	ids := m.IDs()
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = m.names[id]
	}
	return out
}
