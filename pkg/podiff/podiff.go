// Package podiff describes how a pod changed between two versions and pulls
// the label changes relevant to policy triggers out of such a description.
package podiff

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/equality"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/mizar-sdn/netpol/pkg/clusterstate"
	"github.com/mizar-sdn/netpol/types/poltypes"
)

type Op string

const (
	Add    Op = "add"
	Remove Op = "remove"
	Change Op = "change"
)

// Item is one difference between two versions of a pod. Field is the path of
// the changed field, empty when the whole object was added or removed. Old and
// New hold the field values, or the pods for whole object items.
type Item struct {
	Op    Op
	Field []string
	Old   interface{}
	New   interface{}
}

// Diff compares two versions of a pod, either of which may be nil. Label
// changes are reported per key. A pod whose addresses changed is reported as
// removed and re-added, since under its old address it left every peer set.
func Diff(oldPod, newPod *corev1.Pod) []Item {
	switch {
	case oldPod == nil && newPod == nil:
		return nil
	case oldPod == nil:
		return []Item{{Op: Add, New: newPod}}
	case newPod == nil:
		return []Item{{Op: Remove, Old: oldPod}}
	}
	if !equality.Semantic.DeepEqual(clusterstate.PodIPs(oldPod), clusterstate.PodIPs(newPod)) {
		return []Item{{Op: Remove, Old: oldPod}, {Op: Add, New: newPod}}
	}

	keys := sets.KeySet(oldPod.Labels).Union(sets.KeySet(newPod.Labels))
	var items []Item
	for _, key := range sets.List(keys) {
		oldValue, inOld := oldPod.Labels[key]
		newValue, inNew := newPod.Labels[key]
		field := []string{"metadata", "labels", key}
		switch {
		case inOld && !inNew:
			items = append(items, Item{Op: Remove, Field: field, Old: oldValue})
		case !inOld && inNew:
			items = append(items, Item{Op: Add, Field: field, New: newValue})
		case oldValue != newValue:
			items = append(items, Item{Op: Change, Field: field, Old: oldValue, New: newValue})
		}
	}
	return items
}

// LabelChange holds "k=v" labels a pod gained and lost.
type LabelChange struct {
	Added   sets.Set[string]
	Removed sets.Set[string]
}

func (c LabelChange) Empty() bool {
	return c.Added.Len() == 0 && c.Removed.Len() == 0
}

// All returns the union of added and removed labels, sorted.
func (c LabelChange) All() []string {
	return sets.List(c.Added.Union(c.Removed))
}

// ExtractLabelChange keeps the items touching metadata.labels, plus whole
// object additions and removals, and ignores the rest. A label item with an
// unknown operation fails the whole extraction.
func ExtractLabelChange(items []Item) (LabelChange, error) {
	change := LabelChange{Added: sets.New[string](), Removed: sets.New[string]()}
	for _, item := range items {
		switch {
		case len(item.Field) == 3 && item.Field[0] == "metadata" && item.Field[1] == "labels":
			key := item.Field[2]
			switch item.Op {
			case Add:
				change.Added.Insert(poltypes.LabelKey(key, fmt.Sprint(item.New)))
			case Remove:
				change.Removed.Insert(poltypes.LabelKey(key, fmt.Sprint(item.Old)))
			case Change:
				change.Added.Insert(poltypes.LabelKey(key, fmt.Sprint(item.New)))
				change.Removed.Insert(poltypes.LabelKey(key, fmt.Sprint(item.Old)))
			default:
				return LabelChange{}, fmt.Errorf("%w: %q on label %s", poltypes.ErrUnrecognizedLabelChangeType, item.Op, key)
			}
		case len(item.Field) == 0:
			switch item.Op {
			case Add:
				insertLabels(change.Added, item.New)
			case Remove:
				insertLabels(change.Removed, item.Old)
			}
		}
	}
	return change, nil
}

func insertLabels(set sets.Set[string], obj interface{}) {
	pod, ok := obj.(*corev1.Pod)
	if !ok || pod == nil {
		return
	}
	for k, v := range pod.Labels {
		set.Insert(poltypes.LabelKey(k, v))
	}
}
