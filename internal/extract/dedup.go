package extract

import "container/list"

// Dedup is a bounded least-recently-inserted set of record keys. Once the
// bound is exceeded the oldest key is evicted. Not safe for concurrent use.
type Dedup struct {
	max   int
	order *list.List
	index map[string]*list.Element
}

// NewDedup returns a set holding at most max keys (1000 when max <= 0).
func NewDedup(max int) *Dedup {
	if max <= 0 {
		max = 1000
	}
	return &Dedup{max: max, order: list.New(), index: make(map[string]*list.Element)}
}

// Contains reports whether key was inserted and not yet evicted.
func (d *Dedup) Contains(key string) bool {
	_, ok := d.index[key]
	return ok
}

// Add inserts key. It returns false when key was already present; a
// repeated key keeps its original insertion position.
func (d *Dedup) Add(key string) bool {
	if _, ok := d.index[key]; ok {
		return false
	}
	d.index[key] = d.order.PushBack(key)
	for d.order.Len() > d.max {
		oldest := d.order.Front()
		d.order.Remove(oldest)
		delete(d.index, oldest.Value.(string))
	}
	return true
}

// Len returns the number of keys held.
func (d *Dedup) Len() int { return d.order.Len() }

// Reset empties the set.
func (d *Dedup) Reset() {
	d.order.Init()
	d.index = make(map[string]*list.Element)
}
