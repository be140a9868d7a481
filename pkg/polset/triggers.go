package polset

import (
	"strings"
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/mizar-sdn/netpol/pkg/podiff"
	"github.com/mizar-sdn/netpol/types/poltypes"
)

// TriggerIndex maps pod labels to the policies whose peer selectors reference
// them, separately per direction. Keys are "k=v", or a bare "k" registered by
// selector expressions. Reads run concurrently, updates are exclusive.
type TriggerIndex struct {
	mu     sync.RWMutex
	labels map[poltypes.Direction]map[string]sets.Set[string]
}

func NewTriggerIndex() *TriggerIndex {
	ix := &TriggerIndex{labels: make(map[poltypes.Direction]map[string]sets.Set[string])}
	for _, dir := range poltypes.Directions {
		ix.labels[dir] = make(map[string]sets.Set[string])
	}
	return ix
}

// Merge adds the label -> policy registrations of one compilation.
func (ix *TriggerIndex) Merge(dir poltypes.Direction, labelPolicies map[string]sets.Set[string]) {
	if len(labelPolicies) == 0 {
		return
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for label, policies := range labelPolicies {
		if _, ok := ix.labels[dir][label]; !ok {
			ix.labels[dir][label] = sets.New[string]()
		}
		ix.labels[dir][label].Insert(policies.UnsortedList()...)
	}
}

// Forget drops every registration of policy, in both directions.
func (ix *TriggerIndex) Forget(policy string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, byLabel := range ix.labels {
		for label, policies := range byLabel {
			policies.Delete(policy)
			if policies.Len() == 0 {
				delete(byLabel, label)
			}
		}
	}
}

// Affected returns the policies registered for any label of change, in either
// direction. Every "k=v" also matches policies registered for the bare key k.
func (ix *TriggerIndex) Affected(change podiff.LabelChange) sets.Set[string] {
	affected := sets.New[string]()
	if change.Empty() {
		return affected
	}
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	for _, label := range change.All() {
		key, _, _ := strings.Cut(label, "=")
		for _, byLabel := range ix.labels {
			affected = affected.Union(byLabel[label])
			affected = affected.Union(byLabel[key])
		}
	}
	return affected
}

// Labels lists the labels registered for dir, sorted.
func (ix *TriggerIndex) Labels(dir poltypes.Direction) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return sets.List(sets.KeySet(ix.labels[dir]))
}
