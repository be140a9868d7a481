// Package cleaner periodically drops the endpoints whose pods have left this
// node without the controller noticing, e.g. because a delete event was lost
// while a watch was being re-established.
package cleaner

import (
	"context"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/util/wait"
	corelisters "k8s.io/client-go/listers/core/v1"
	"k8s.io/client-go/tools/cache"
	"k8s.io/klog/v2"

	"github.com/mizar-sdn/netpol/pkg/epset"
)

type EndpointRemover interface {
	RemoveEndpoint(name string)
}

type Cleaner struct {
	endpoints *epset.EndpointSet
	podLister corelisters.PodLister
	remover   EndpointRemover
	nodeName  string
	interval  time.Duration
}

func New(endpoints *epset.EndpointSet, podLister corelisters.PodLister, remover EndpointRemover, nodeName string, interval time.Duration) *Cleaner {
	return &Cleaner{
		endpoints: endpoints,
		podLister: podLister,
		remover:   remover,
		nodeName:  nodeName,
		interval:  interval,
	}
}

// PeriodicCleanup sweeps the endpoint set on every tick until ctx is done.
func (c *Cleaner) PeriodicCleanup(ctx context.Context) {
	klog.Info("Successfully started Cleaner's periodic worker thread")
	wait.UntilWithContext(ctx, func(context.Context) {
		if removed := c.cleanDanglingEps(); removed > 0 {
			klog.Infof("Cleaner removed %d dangling endpoints", removed)
		}
	}, c.interval)
	klog.Info("Shutting down Cleaner's periodic worker thread")
}

// cleanDanglingEps removes the endpoints whose pod is gone or was moved to
// another node, and returns how many were removed.
func (c *Cleaner) cleanDanglingEps() int {
	removed := 0
	for _, ep := range c.endpoints.List() {
		ns, name, err := cache.SplitMetaNamespaceKey(ep.Name)
		if err != nil {
			klog.Warningf("Endpoint %s does not name a Pod, removing it: %v", ep.Name, err)
			c.remover.RemoveEndpoint(ep.Name)
			removed++
			continue
		}
		pod, err := c.podLister.Pods(ns).Get(name)
		switch {
		case apierrors.IsNotFound(err):
		case err != nil:
			klog.Warningf("Periodic cleaning of endpoint %s skipped because of error: %v", ep.Name, err)
			continue
		case c.nodeName != "" && pod.Spec.NodeName != c.nodeName:
		default:
			continue
		}
		klog.V(2).Infof("Cleaner freeing dangling endpoint %s", ep.Name)
		c.remover.RemoveEndpoint(ep.Name)
		removed++
	}
	return removed
}
