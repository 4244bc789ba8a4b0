package alerts

import (
	"sort"
	"sync"

	"streamhub/internal/core"
	"streamhub/internal/storage"
)

// index keeps the three alert views mutually consistent: by-instrument for
// dispatch, by-id for point updates, by-owner for bulk operations. Dispatch
// on a quote is an O(1) symbol lookup plus O(k) evaluation where k is the
// alert count on that one symbol.
type index struct {
	mu       sync.RWMutex
	byID     map[int64]storage.Alert
	bySymbol map[string][]int64
	byOwner  map[core.UserID]map[int64]struct{}
}

func newIndex() *index {
	return &index{
		byID:     make(map[int64]storage.Alert),
		bySymbol: make(map[string][]int64),
		byOwner:  make(map[core.UserID]map[int64]struct{}),
	}
}

func (ix *index) put(a storage.Alert) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(a.ID)
	ix.putLocked(a)
}

func (ix *index) putLocked(a storage.Alert) {
	ix.byID[a.ID] = a
	ix.bySymbol[a.Symbol] = append(ix.bySymbol[a.Symbol], a.ID)
	owned, ok := ix.byOwner[a.Owner]
	if !ok {
		owned = make(map[int64]struct{})
		ix.byOwner[a.Owner] = owned
	}
	owned[a.ID] = struct{}{}
}

func (ix *index) remove(id int64) (storage.Alert, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	a, ok := ix.byID[id]
	if !ok {
		return storage.Alert{}, false
	}
	ix.removeLocked(id)
	return a, true
}

func (ix *index) removeLocked(id int64) {
	a, ok := ix.byID[id]
	if !ok {
		return
	}
	delete(ix.byID, id)

	ids := ix.bySymbol[a.Symbol]
	for i, other := range ids {
		if other == id {
			ix.bySymbol[a.Symbol] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ix.bySymbol[a.Symbol]) == 0 {
		delete(ix.bySymbol, a.Symbol)
	}

	if owned, ok := ix.byOwner[a.Owner]; ok {
		delete(owned, id)
		if len(owned) == 0 {
			delete(ix.byOwner, a.Owner)
		}
	}
}

// forSymbol snapshots the alerts indexed under one symbol.
func (ix *index) forSymbol(symbol string) []storage.Alert {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	ids := ix.bySymbol[symbol]
	if len(ids) == 0 {
		return nil
	}
	out := make([]storage.Alert, 0, len(ids))
	for _, id := range ids {
		out = append(out, ix.byID[id])
	}
	return out
}

// ownerSymbols returns the sorted distinct symbols an owner has alerts on.
func (ix *index) ownerSymbols(owner core.UserID) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	seen := make(map[string]struct{})
	for id := range ix.byOwner[owner] {
		seen[ix.byID[id].Symbol] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// owners returns every owner currently holding alerts.
func (ix *index) owners() []core.UserID {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]core.UserID, 0, len(ix.byOwner))
	for u := range ix.byOwner {
		out = append(out, u)
	}
	return out
}

// replaceAll swaps the full index contents; used by periodic reconciliation.
func (ix *index) replaceAll(alerts []storage.Alert) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.byID = make(map[int64]storage.Alert, len(alerts))
	ix.bySymbol = make(map[string][]int64)
	ix.byOwner = make(map[core.UserID]map[int64]struct{})
	for _, a := range alerts {
		ix.putLocked(a)
	}
}

func (ix *index) size() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byID)
}

func (ix *index) symbolCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.bySymbol)
}
