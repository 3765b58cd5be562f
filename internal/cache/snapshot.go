// Package cache implements the read-optimized in-memory record snapshot,
// its alias/search layer, disk persistence, revalidation queue, adaptive
// shaping and the revalidator loop that ties them together.
package cache

import (
	"maps"
	"sort"
	"strings"
	"sync"
	"time"
)

// SnapshotMeta carries build-time bookkeeping about a Snapshot.
type SnapshotMeta struct {
	CreatedAt        time.Time
	RecordCount      int
	BuildDuration    time.Duration
	ChemicalClasses  int
	PsychoactiveClasses int
	TagCount         int
	AliasCount       int
}

// Snapshot is an immutable bundle of records plus lookup indexes. "Updates"
// never mutate a Snapshot in place; Holder.Modify builds a new one and
// atomically swaps it in (spec invariant I3).
type Snapshot struct {
	Records             []Record
	ByName              map[string]int
	ByAlias             map[string]int
	ByChemicalClass     map[string][]int
	ByPsychoactiveClass map[string][]int
	ByTag               map[string][]int
	AliasSource         AliasTable
	Meta                SnapshotMeta
}

// Build constructs a snapshot from records with an empty alias table.
func Build(records []Record) *Snapshot {
	return BuildWithAliases(records, AliasTable{Aliases: map[string][]string{}})
}

// BuildWithAliases constructs a snapshot from records and a curated alias
// table, running the full index rebuild once.
func BuildWithAliases(records []Record, aliases AliasTable) *Snapshot {
	s := &Snapshot{
		Records:     records,
		AliasSource: aliases,
	}
	start := time.Now()
	s.rebuildIndexes()
	s.Meta = SnapshotMeta{
		CreatedAt:           start,
		RecordCount:         len(s.Records),
		BuildDuration:       time.Since(start),
		ChemicalClasses:     len(s.ByChemicalClass),
		PsychoactiveClasses: len(s.ByPsychoactiveClass),
		TagCount:            len(s.ByTag),
		AliasCount:          len(s.ByAlias),
	}
	return s
}

// clone performs a shallow copy suitable as the base for Holder.Modify: the
// records slice and index maps are copied so mutation of the clone never
// touches the original.
func (s *Snapshot) clone() *Snapshot {
	records := make([]Record, len(s.Records))
	copy(records, s.Records)

	aliasCopy := make(map[string][]string, len(s.AliasSource.Aliases))
	for k, v := range s.AliasSource.Aliases {
		cp := make([]string, len(v))
		copy(cp, v)
		aliasCopy[k] = cp
	}

	return &Snapshot{
		Records:             records,
		ByName:              maps.Clone(s.ByName),
		ByAlias:             maps.Clone(s.ByAlias),
		ByChemicalClass:     maps.Clone(s.ByChemicalClass),
		ByPsychoactiveClass: maps.Clone(s.ByPsychoactiveClass),
		ByTag:               maps.Clone(s.ByTag),
		AliasSource:         AliasTable{Aliases: aliasCopy},
		Meta:                s.Meta,
	}
}

// rebuildIndexes is a pure function of (Records, AliasSource): calling it
// twice on equal inputs yields equal indexes (spec P2). Priority order,
// highest first: canonical name > curated alias. Record has no common-name
// or systematic-name fields, so ByAlias is filled from the curated alias
// table only; Tags feed ByTag and never produce aliases.
func (s *Snapshot) rebuildIndexes() {
	s.ByName = make(map[string]int, len(s.Records))
	s.ByAlias = make(map[string]int)
	s.ByChemicalClass = make(map[string][]int)
	s.ByPsychoactiveClass = make(map[string][]int)
	s.ByTag = make(map[string][]int)

	// Phase 1: canonical names.
	for i, r := range s.Records {
		if r.Name == "" {
			continue
		}
		s.ByName[strings.ToLower(r.Name)] = i
	}

	// Phase 2: curated aliases always overwrite any prior by_alias entry.
	for target, aliases := range s.AliasSource.Aliases {
		idx, ok := s.ByName[strings.ToLower(target)]
		if !ok {
			continue
		}
		for _, alias := range aliases {
			aliasLower := strings.ToLower(alias)
			if _, isCanonical := s.ByName[aliasLower]; isCanonical {
				continue
			}
			s.ByAlias[aliasLower] = idx
		}
	}

	// Phase 3/4: class and tag inverted indexes, appended in record-position
	// order so posting lists are naturally sorted.
	for i, r := range s.Records {
		for _, c := range r.ChemicalClass {
			key := strings.ToLower(c)
			s.ByChemicalClass[key] = append(s.ByChemicalClass[key], i)
		}
		for _, p := range r.PsychoactiveClass {
			key := strings.ToLower(p)
			s.ByPsychoactiveClass[key] = append(s.ByPsychoactiveClass[key], i)
		}
		for _, t := range r.Tags {
			key := strings.ToLower(t)
			s.ByTag[key] = append(s.ByTag[key], i)
		}
	}
}

// GetByName performs a case-insensitive exact lookup.
func (s *Snapshot) GetByName(name string) (Record, bool) {
	idx, ok := s.ByName[strings.ToLower(name)]
	if !ok {
		return Record{}, false
	}
	return s.Records[idx], true
}

// GetByNameOrAlias tries the canonical index first, then the alias index.
func (s *Snapshot) GetByNameOrAlias(query string) (Record, bool) {
	q := strings.ToLower(query)
	if idx, ok := s.ByName[q]; ok {
		return s.Records[idx], true
	}
	if idx, ok := s.ByAlias[q]; ok {
		return s.Records[idx], true
	}
	return Record{}, false
}

// Search implements the §4.2 priority rules: exact canonical match wins
// outright, then exact alias match, then deduplicated prefix matches over
// both indexes sorted alphabetically by canonical name.
func (s *Snapshot) Search(query string) []Record {
	q := strings.ToLower(query)
	if q == "" {
		return nil
	}

	if idx, ok := s.ByName[q]; ok {
		return []Record{s.Records[idx]}
	}
	if idx, ok := s.ByAlias[q]; ok {
		return []Record{s.Records[idx]}
	}

	seen := make(map[int]struct{})
	var results []Record

	for name, idx := range s.ByName {
		if strings.HasPrefix(name, q) {
			if _, ok := seen[idx]; !ok {
				seen[idx] = struct{}{}
				results = append(results, s.Records[idx])
			}
		}
	}
	for alias, idx := range s.ByAlias {
		if strings.HasPrefix(alias, q) {
			if _, ok := seen[idx]; !ok {
				seen[idx] = struct{}{}
				results = append(results, s.Records[idx])
			}
		}
	}

	sort.Slice(results, func(i, j int) bool {
		return strings.ToLower(results[i].Name) < strings.ToLower(results[j].Name)
	})
	return results
}

// GetByChemicalClass returns records indexed under the given class.
func (s *Snapshot) GetByChemicalClass(class string) []Record {
	return s.recordsForIndex(s.ByChemicalClass, class)
}

// GetByPsychoactiveClass returns records indexed under the given class.
func (s *Snapshot) GetByPsychoactiveClass(class string) []Record {
	return s.recordsForIndex(s.ByPsychoactiveClass, class)
}

// GetByTag returns records indexed under the given tag.
func (s *Snapshot) GetByTag(tag string) []Record {
	return s.recordsForIndex(s.ByTag, tag)
}

func (s *Snapshot) recordsForIndex(index map[string][]int, key string) []Record {
	idxs, ok := index[strings.ToLower(key)]
	if !ok {
		return nil
	}
	out := make([]Record, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, s.Records[i])
	}
	return out
}

// GetByTags returns the deduplicated union (OR) of records matching any tag
// in tags, preserving first-seen order.
func (s *Snapshot) GetByTags(tags []string) []Record {
	seen := make(map[int]struct{})
	var out []Record
	for _, tag := range tags {
		for _, idx := range s.ByTag[strings.ToLower(tag)] {
			if _, ok := seen[idx]; ok {
				continue
			}
			seen[idx] = struct{}{}
			out = append(out, s.Records[idx])
		}
	}
	return out
}

// GetPage returns a record-order page of all records.
func (s *Snapshot) GetPage(limit, offset int) []Record {
	if offset >= len(s.Records) {
		return nil
	}
	end := offset + limit
	if end > len(s.Records) || limit <= 0 {
		end = len(s.Records)
	}
	return s.Records[offset:end]
}

// ResolveCrossReferences resolves each name to its full record if present,
// otherwise a name-only stub built from urlTemplate (a %s-format string).
// Stubs are never inserted into the snapshot.
func (s *Snapshot) ResolveCrossReferences(names []string, urlTemplate string) []Record {
	out := make([]Record, 0, len(names))
	for _, name := range names {
		if r, ok := s.GetByName(name); ok {
			out = append(out, r)
			continue
		}
		out = append(out, Stub(name, formatURL(urlTemplate, name)))
	}
	return out
}

func formatURL(template, name string) string {
	if template == "" {
		return ""
	}
	return strings.Replace(template, "%s", name, 1)
}

// update replaces the record named name in place and rebuilds indexes.
// Callers must hold Holder's modify lock (called only from Modify).
func (s *Snapshot) update(name string, newRecord Record) {
	idx, ok := s.ByName[strings.ToLower(name)]
	if !ok {
		return
	}
	s.Records[idx] = newRecord
	s.Meta.RecordCount = len(s.Records)
	s.rebuildIndexes()
}

// insert appends a new record and rebuilds indexes.
func (s *Snapshot) insert(r Record) {
	s.Records = append(s.Records, r)
	s.Meta.RecordCount = len(s.Records)
	s.rebuildIndexes()
}

// remove deletes the record named name and rebuilds indexes, reporting
// whether anything was removed.
func (s *Snapshot) remove(name string) bool {
	idx, ok := s.ByName[strings.ToLower(name)]
	if !ok {
		return false
	}
	s.Records = append(s.Records[:idx], s.Records[idx+1:]...)
	s.Meta.RecordCount = len(s.Records)
	s.rebuildIndexes()
	return true
}

// Names returns the canonical names of every record with a non-empty name.
func (s *Snapshot) Names() []string {
	out := make([]string, 0, len(s.Records))
	for _, r := range s.Records {
		if r.Name != "" {
			out = append(out, r.Name)
		}
	}
	return out
}

// Len reports the number of records in the snapshot.
func (s *Snapshot) Len() int { return len(s.Records) }

// Holder is a thread-safe holder for the current snapshot with atomic swap.
//
// Grounded on original_source/src/cache/snapshot.rs's SnapshotHolder
// (Arc<RwLock<Arc<T>>>) and the teacher's SummaryService cache field: Go has
// no borrow checker, so "readers never block writers" is obtained by storing
// *Snapshot behind a sync.RWMutex and only ever replacing the pointer, never
// mutating what it points to.
type Holder struct {
	mu      sync.RWMutex
	current *Snapshot

	// modifyMu serializes compound clone+apply+swap sequences so concurrent
	// Modify calls apply in some total order without holding mu.Lock() (and
	// therefore blocking Current()) for the whole duration.
	modifyMu sync.Mutex
}

// NewHolder creates a holder seeded with the given initial snapshot.
func NewHolder(s *Snapshot) *Holder {
	return &Holder{current: s}
}

// Current returns the live snapshot. The read lock is held only long enough
// to copy the pointer out.
func (h *Holder) Current() *Snapshot {
	h.mu.RLock()
	s := h.current
	h.mu.RUnlock()
	return s
}

// Swap atomically installs a new snapshot.
func (h *Holder) Swap(s *Snapshot) {
	h.mu.Lock()
	h.current = s
	h.mu.Unlock()
}

// Modify clones the current snapshot, applies fn to the clone, and swaps it
// in. Overlapping Modify calls are serialized by modifyMu so they apply in
// some order without starving readers of Current().
func (h *Holder) Modify(fn func(*Snapshot)) {
	h.modifyMu.Lock()
	defer h.modifyMu.Unlock()

	next := h.Current().clone()
	fn(next)
	h.Swap(next)
}

// UpdateRecord replaces a record in place via Modify.
func (h *Holder) UpdateRecord(name string, r Record) {
	h.Modify(func(s *Snapshot) { s.update(name, r) })
}

// InsertRecord appends a new record via Modify.
func (h *Holder) InsertRecord(r Record) {
	h.Modify(func(s *Snapshot) { s.insert(r) })
}

// RemoveRecord deletes a record by name via Modify, reporting whether it
// was present.
func (h *Holder) RemoveRecord(name string) (removed bool) {
	h.Modify(func(s *Snapshot) { removed = s.remove(name) })
	return removed
}
