// Package polctrl runs the reconciliation loop which keeps the compiled access
// tables of the endpoints hosted on this node in line with the network
// policies and pods of the cluster.
package polctrl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/equality"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	v1core "k8s.io/client-go/kubernetes/typed/core/v1"
	corelisters "k8s.io/client-go/listers/core/v1"
	networkinglisters "k8s.io/client-go/listers/networking/v1"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/tools/record"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	"github.com/mizar-sdn/netpol/pkg/clusterstate"
	"github.com/mizar-sdn/netpol/pkg/epset"
	"github.com/mizar-sdn/netpol/pkg/netruleset"
	"github.com/mizar-sdn/netpol/pkg/podiff"
	"github.com/mizar-sdn/netpol/pkg/polset"
	"github.com/mizar-sdn/netpol/types/poltypes"
)

const (
	// maxRetries is the number of times an item is retried before it is
	// dropped out of the queue. With the default controller rate limiter the
	// delays run 5ms, 10ms, ... up to 1.3s.
	maxRetries = 9

	controllerName = "netpol-controller"
)

type itemKind string

const (
	policyItem itemKind = "NetworkPolicy"
	podItem    itemKind = "Pod"
)

type workItem struct {
	kind itemKind
	key  string
}

type NetPolControl struct {
	cfg              Config
	podLister        corelisters.PodLister
	policyLister     networkinglisters.NetworkPolicyLister
	synced           []cache.InformerSynced
	compiler         *netruleset.Compiler
	endpoints        *epset.EndpointSet
	triggers         *polset.TriggerIndex
	provisioner      poltypes.TableProvisioner
	queue            workqueue.RateLimitingInterface
	eventBroadcaster record.EventBroadcaster
	recorder         record.EventRecorder
	watchFailed      chan error

	mu sync.Mutex
	// affected maps a policy to the endpoints it is attached to
	affected map[string]sets.Set[string]
}

// NewNetPolControl wires the controller to the informers of factory. The
// factory has to be started by the caller after this returns.
func NewNetPolControl(client kubernetes.Interface, factory informers.SharedInformerFactory, provisioner poltypes.TableProvisioner, cfg Config) (*NetPolControl, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	registerMetrics()

	broadcaster := record.NewBroadcaster()
	broadcaster.StartStructuredLogging(0)
	broadcaster.StartRecordingToSink(&v1core.EventSinkImpl{Interface: client.CoreV1().Events("")})

	state, synced := clusterstate.NewFromInformerFactory(factory)
	pods := factory.Core().V1().Pods()
	namespaces := factory.Core().V1().Namespaces()
	policies := factory.Networking().V1().NetworkPolicies()

	c := &NetPolControl{
		cfg:              cfg,
		podLister:        pods.Lister(),
		policyLister:     policies.Lister(),
		synced:           synced,
		compiler:         netruleset.NewCompiler(clusterstate.NewResolver(state), cfg.EmptyPorts),
		endpoints:        epset.New(),
		triggers:         polset.NewTriggerIndex(),
		provisioner:      provisioner,
		queue:            workqueue.NewRateLimitingQueueWithConfig(workqueue.DefaultControllerRateLimiter(), workqueue.RateLimitingQueueConfig{Name: controllerName}),
		eventBroadcaster: broadcaster,
		recorder:         broadcaster.NewRecorder(scheme.Scheme, corev1.EventSource{Component: controllerName}),
		watchFailed:      make(chan error, 1),
		affected:         make(map[string]sets.Set[string]),
	}

	if _, err := policies.Informer().AddEventHandlerWithResyncPeriod(cache.ResourceEventHandlerFuncs{
		AddFunc:    c.addNetPol,
		UpdateFunc: c.updateNetPol,
		DeleteFunc: c.deleteNetPol,
	}, cfg.ResyncPeriod); err != nil {
		return nil, err
	}
	if _, err := pods.Informer().AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc:    c.addPod,
		UpdateFunc: c.updatePod,
		DeleteFunc: c.deletePod,
	}); err != nil {
		return nil, err
	}
	if _, err := namespaces.Informer().AddEventHandler(cache.ResourceEventHandlerFuncs{
		UpdateFunc: c.updateNamespace,
	}); err != nil {
		return nil, err
	}
	for _, informer := range []cache.SharedIndexInformer{policies.Informer(), pods.Informer(), namespaces.Informer()} {
		if err := informer.SetWatchErrorHandler(c.watchErrorHandler); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *NetPolControl) Endpoints() *epset.EndpointSet {
	return c.endpoints
}

func (c *NetPolControl) Triggers() *polset.TriggerIndex {
	return c.triggers
}

func (c *NetPolControl) PodLister() corelisters.PodLister {
	return c.podLister
}

// Run blocks until ctx is done or one of the watches broke for good.
func (c *NetPolControl) Run(ctx context.Context) error {
	defer utilruntime.HandleCrash()
	defer c.queue.ShutDown()
	defer c.eventBroadcaster.Shutdown()

	klog.Infof("Starting %s on node %q", controllerName, c.cfg.NodeName)
	defer klog.Infof("Shutting down %s", controllerName)

	if !cache.WaitForNamedCacheSync(controllerName, ctx.Done(), c.synced...) {
		return errors.New("syncing informer caches failed")
	}
	for i := 0; i < c.cfg.Workers; i++ {
		go wait.UntilWithContext(ctx, c.runWorker, time.Second)
	}
	klog.Infof("Started %d workers", c.cfg.Workers)

	select {
	case <-ctx.Done():
		return nil
	case err := <-c.watchFailed:
		return fmt.Errorf("watch closed unexpectedly: %w", err)
	}
}

// The client retries broken watches only for a while and then gives up. A
// controller stuck on a dead watch never hears about changes again, so Run
// returns and the process gets restarted instead.
func (c *NetPolControl) watchErrorHandler(r *cache.Reflector, err error) {
	if apierrors.IsResourceExpired(err) || apierrors.IsGone(err) || errors.Is(err, io.EOF) {
		klog.V(2).Info("One of the API watchers closed gracefully, re-establishing connection")
		return
	}
	cache.DefaultWatchErrorHandler(r, err)
	select {
	case c.watchFailed <- err:
	default:
	}
}

func (c *NetPolControl) enqueue(kind itemKind, obj interface{}) {
	key, err := cache.DeletionHandlingMetaNamespaceKeyFunc(obj)
	if err != nil {
		utilruntime.HandleError(fmt.Errorf("could not get key of %s %#v: %w", kind, obj, err))
		return
	}
	c.queue.Add(workItem{kind: kind, key: key})
}

func (c *NetPolControl) addNetPol(obj interface{}) {
	c.enqueue(policyItem, obj)
}

func (c *NetPolControl) updateNetPol(_, newObj interface{}) {
	c.enqueue(policyItem, newObj)
}

func (c *NetPolControl) deleteNetPol(obj interface{}) {
	c.enqueue(policyItem, obj)
}

func podFromObject(obj interface{}) *corev1.Pod {
	if pod, ok := obj.(*corev1.Pod); ok {
		return pod
	}
	tombstone, ok := obj.(cache.DeletedFinalStateUnknown)
	if !ok {
		return nil
	}
	pod, _ := tombstone.Obj.(*corev1.Pod)
	return pod
}

func (c *NetPolControl) addPod(obj interface{}) {
	pod := podFromObject(obj)
	if pod == nil {
		return
	}
	c.triggerPolicies(nil, pod)
	if c.isLocal(pod) {
		c.enqueue(podItem, pod)
	}
}

func (c *NetPolControl) updatePod(oldObj, newObj interface{}) {
	oldPod, newPod := podFromObject(oldObj), podFromObject(newObj)
	if oldPod == nil || newPod == nil || oldPod.ResourceVersion == newPod.ResourceVersion {
		return
	}
	c.triggerPolicies(oldPod, newPod)
	if c.isLocal(oldPod) || c.isLocal(newPod) {
		c.enqueue(podItem, newPod)
	}
}

func (c *NetPolControl) deletePod(obj interface{}) {
	pod := podFromObject(obj)
	if pod == nil {
		return
	}
	c.triggerPolicies(pod, nil)
	if c.isLocal(pod) {
		c.enqueue(podItem, obj)
	}
}

// Namespace selectors are not indexed, so a namespace relabel recompiles
// every policy.
func (c *NetPolControl) updateNamespace(oldObj, newObj interface{}) {
	oldNs, ok1 := oldObj.(*corev1.Namespace)
	newNs, ok2 := newObj.(*corev1.Namespace)
	if !ok1 || !ok2 || equality.Semantic.DeepEqual(oldNs.Labels, newNs.Labels) {
		return
	}
	policies, err := c.policyLister.List(labels.Everything())
	if err != nil {
		utilruntime.HandleError(err)
		return
	}
	for _, policy := range policies {
		c.enqueue(policyItem, policy)
	}
}

// triggerPolicies schedules the policies whose peer selectors reference a
// label the pod gained or lost.
func (c *NetPolControl) triggerPolicies(oldPod, newPod *corev1.Pod) {
	change, err := podiff.ExtractLabelChange(podiff.Diff(oldPod, newPod))
	if err != nil {
		klog.Warningf("Pod change could not be processed and is therefore ignored because of error: %v", err)
		return
	}
	affected := c.triggers.Affected(change)
	if affected.Len() == 0 {
		return
	}
	klog.V(4).Infof("Label change %v triggers policies %v", change.All(), sets.List(affected))
	for _, key := range sets.List(affected) {
		c.queue.Add(workItem{kind: policyItem, key: key})
	}
}

func (c *NetPolControl) isLocal(pod *corev1.Pod) bool {
	return c.cfg.NodeName == "" || pod.Spec.NodeName == c.cfg.NodeName
}

// hostsEndpoint tells whether pod is an endpoint of this node.
func (c *NetPolControl) hostsEndpoint(pod *corev1.Pod) bool {
	if !c.isLocal(pod) || pod.Spec.HostNetwork {
		return false
	}
	if pod.Status.Phase == corev1.PodSucceeded || pod.Status.Phase == corev1.PodFailed {
		return false
	}
	return len(clusterstate.PodIPs(pod)) > 0
}

func (c *NetPolControl) vniOf(pod *corev1.Pod) uint32 {
	value, ok := pod.Annotations[c.cfg.VniAnnotation]
	if !ok || c.cfg.VniAnnotation == "" {
		return c.cfg.DefaultVni
	}
	vni, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		klog.Warningf("VNI annotation %q of Pod %s/%s is ignored because of error: %v", value, pod.Namespace, pod.Name, err)
		return c.cfg.DefaultVni
	}
	return uint32(vni)
}

func (c *NetPolControl) runWorker(ctx context.Context) {
	for c.processNextWorkItem(ctx) {
	}
}

func (c *NetPolControl) processNextWorkItem(ctx context.Context) bool {
	obj, shutdown := c.queue.Get()
	if shutdown {
		return false
	}
	defer c.queue.Done(obj)
	item, ok := obj.(workItem)
	if !ok {
		c.queue.Forget(obj)
		utilruntime.HandleError(fmt.Errorf("cannot decode work item from queue, got %#v", obj))
		return true
	}
	c.handleErr(c.sync(ctx, item), item)
	return true
}

func (c *NetPolControl) sync(ctx context.Context, item workItem) error {
	switch item.kind {
	case policyItem:
		return c.syncPolicy(ctx, item.key)
	case podItem:
		return c.syncPod(ctx, item.key)
	}
	return nil
}

func (c *NetPolControl) handleErr(err error, item workItem) {
	if err == nil {
		c.queue.Forget(item)
		return
	}
	if c.queue.NumRequeues(item) < maxRetries {
		klog.V(2).Infof("Error syncing %s %s, retrying: %v", item.kind, item.key, err)
		c.queue.AddRateLimited(item)
		return
	}
	c.queue.Forget(item)
	utilruntime.HandleError(fmt.Errorf("dropping %s %s out of the queue: %w", item.kind, item.key, err))
}

// syncPolicy attaches the policy to the endpoints of the pods it selects,
// detaches it from those it stopped selecting and recompiles all of them.
func (c *NetPolControl) syncPolicy(ctx context.Context, key string) error {
	ns, name, err := clusterstate.SplitPolicyKey(key)
	if err != nil {
		klog.Warningf("Dropping work item because its key could not be broken up: %v", err)
		return nil
	}
	// compilations register the labels of the current spec again
	c.triggers.Forget(key)
	policy, err := c.policyLister.NetworkPolicies(ns).Get(name)
	if apierrors.IsNotFound(err) {
		klog.V(2).Infof("NetworkPolicy %s deleted, detaching it", key)
		return c.compileEndpoints(ctx, c.detachPolicy(key, c.setAffected(key, nil)))
	}
	if err != nil {
		return err
	}

	selected := sets.New[string]()
	selector, err := metav1.LabelSelectorAsSelector(&policy.Spec.PodSelector)
	if err != nil {
		c.recorder.Eventf(policy, corev1.EventTypeWarning, "InvalidPodSelector", "podSelector could not be parsed: %v", err)
		selector = labels.Nothing()
	}
	pods, err := c.podLister.Pods(ns).List(selector)
	if err != nil {
		return err
	}
	for _, pod := range pods {
		podKey := ns + "/" + pod.Name
		if _, ok := c.endpoints.Get(podKey); ok {
			selected.Insert(podKey)
		}
	}

	dirs := sets.New(netruleset.PolicyDirections(policy)...)
	previous := c.setAffected(key, selected)
	for _, epName := range sets.List(selected) {
		for _, dir := range poltypes.Directions {
			if dirs.Has(dir) {
				_, err = c.endpoints.Attach(epName, dir, key)
			} else {
				_, err = c.endpoints.Detach(epName, dir, key)
			}
			if err != nil && !errors.Is(err, epset.ErrEndpointNotFound) {
				return err
			}
		}
	}
	stale := c.detachPolicy(key, previous.Difference(selected))
	klog.V(3).Infof("NetworkPolicy %s attached to %d endpoints, detached from %d", key, selected.Len(), stale.Len())
	return c.compileEndpoints(ctx, selected.Union(stale))
}

// setAffected replaces the endpoints of policy and returns the previous ones.
func (c *NetPolControl) setAffected(policy string, endpoints sets.Set[string]) sets.Set[string] {
	c.mu.Lock()
	defer c.mu.Unlock()
	previous, ok := c.affected[policy]
	if !ok {
		previous = sets.New[string]()
	}
	if endpoints == nil {
		delete(c.affected, policy)
	} else {
		c.affected[policy] = endpoints
	}
	return previous
}

func (c *NetPolControl) updateAffected(policy, endpoint string, attached bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if attached {
		if _, ok := c.affected[policy]; !ok {
			c.affected[policy] = sets.New[string]()
		}
		c.affected[policy].Insert(endpoint)
		return
	}
	if eps, ok := c.affected[policy]; ok {
		eps.Delete(endpoint)
	}
}

// AffectedEndpoints lists the endpoints a policy is attached to.
func (c *NetPolControl) AffectedEndpoints(policy string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sets.List(c.affected[policy])
}

func (c *NetPolControl) detachPolicy(policy string, endpoints sets.Set[string]) sets.Set[string] {
	for _, epName := range sets.List(endpoints) {
		for _, dir := range poltypes.Directions {
			if _, err := c.endpoints.Detach(epName, dir, policy); err != nil {
				klog.V(4).Infof("Detaching %s from %s skipped: %v", policy, epName, err)
			}
		}
	}
	return endpoints
}

// syncPod keeps the endpoint of a local pod registered with the policies
// selecting it, or removes it once the pod is gone.
func (c *NetPolControl) syncPod(ctx context.Context, key string) error {
	ns, name, err := cache.SplitMetaNamespaceKey(key)
	if err != nil {
		klog.Warningf("Dropping work item because its key %s could not be broken up: %v", key, err)
		return nil
	}
	pod, err := c.podLister.Pods(ns).Get(name)
	if apierrors.IsNotFound(err) || (err == nil && !c.hostsEndpoint(pod)) {
		c.RemoveEndpoint(key)
		return nil
	}
	if err != nil {
		return err
	}

	if c.endpoints.Upsert(epset.Endpoint{Name: key, Vni: c.vniOf(pod), IP: clusterstate.PodIPs(pod)[0]}) {
		klog.V(2).Infof("Endpoint %s registered", key)
	}
	policies, err := c.policyLister.NetworkPolicies(ns).List(labels.Everything())
	if err != nil {
		return err
	}
	applicable := polset.NewPolicySet(policies).FilterApplicablePolicies(pod)
	want := make(map[string]sets.Set[poltypes.Direction], len(applicable))
	for _, policy := range applicable {
		want[clusterstate.PolicyKey(policy)] = sets.New(netruleset.PolicyDirections(policy)...)
	}

	ep, ok := c.endpoints.Get(key)
	if !ok {
		return nil
	}
	for _, dir := range poltypes.Directions {
		for _, policy := range ep.Policies[dir] {
			if want[policy].Has(dir) {
				continue
			}
			if _, err := c.endpoints.Detach(key, dir, policy); err != nil {
				return err
			}
			if _, still := want[policy]; !still {
				c.updateAffected(policy, key, false)
			}
		}
	}
	// attach order decides bit assignment, keep it stable
	for _, policy := range applicable {
		policyKey := clusterstate.PolicyKey(policy)
		for _, dir := range netruleset.PolicyDirections(policy) {
			if _, err := c.endpoints.Attach(key, dir, policyKey); err != nil {
				return err
			}
		}
		c.updateAffected(policyKey, key, true)
	}
	return c.compileEndpoint(ctx, key)
}

// RemoveEndpoint forgets an endpoint together with its compiled data.
func (c *NetPolControl) RemoveEndpoint(name string) {
	c.endpoints.ClearCompiled(name)
	if !c.endpoints.Delete(name) {
		return
	}
	c.mu.Lock()
	for _, eps := range c.affected {
		eps.Delete(name)
	}
	c.mu.Unlock()
	klog.V(2).Infof("Endpoint %s removed", name)
}

func (c *NetPolControl) compileEndpoints(ctx context.Context, names sets.Set[string]) error {
	var errs []error
	for _, name := range sets.List(names) {
		if err := c.compileEndpoint(ctx, name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// compileEndpoint compiles both directions of an endpoint. A direction
// without policies which was never programmed is skipped, one that lost its
// last policy gets empty tables.
func (c *NetPolControl) compileEndpoint(ctx context.Context, name string) error {
	ep, ok := c.endpoints.Get(name)
	if !ok {
		return nil
	}
	var errs []error
	for _, dir := range poltypes.Directions {
		if len(ep.Policies[dir]) == 0 {
			if snap, ok := c.endpoints.Compiled(name, dir); !ok || snap.Current == nil {
				continue
			}
		}
		if err := c.compileDirection(ctx, name, dir); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *NetPolControl) compileDirection(ctx context.Context, name string, dir poltypes.Direction) error {
	ticket, err := c.endpoints.BeginCompile(name, dir)
	if errors.Is(err, epset.ErrEndpointNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	start := time.Now()
	data, ruleErrs, err := c.compiler.Compile(ctx, ticket.Endpoint, dir, ticket.Policies)
	compileDuration.WithLabelValues(string(dir)).Observe(time.Since(start).Seconds())
	c.reportRuleErrors(ruleErrs)
	if err != nil {
		compilationsTotal.WithLabelValues(string(dir), resultFailed).Inc()
		if errors.Is(err, poltypes.ErrBitAllocationOverflow) {
			// retrying cannot help, the previous tables stay in place
			klog.Errorf("Endpoint %s cannot be enforced for %s, compilation failed with error: %v", name, dir, err)
			c.recordPodEvent(name, "PolicyCompilationFailed", fmt.Sprintf("%s tables could not be compiled: %v", dir, err))
			return nil
		}
		return fmt.Errorf("compiling %s tables of endpoint %s: %w", dir, name, err)
	}
	if len(ruleErrs) > 0 {
		compilationsTotal.WithLabelValues(string(dir), resultRuleErrors).Inc()
	} else {
		compilationsTotal.WithLabelValues(string(dir), resultSuccess).Inc()
	}
	c.triggers.Merge(dir, data.LabelPolicies)

	pushed, err := c.endpoints.Commit(ticket, data, func(d *netruleset.CompiledAccessData) error {
		return c.provisioner.PushAccessTables(ctx, name, dir, &d.Tables)
	})
	switch {
	case errors.Is(err, poltypes.ErrStaleCompilation):
		tablePushesTotal.WithLabelValues(string(dir), resultStale).Inc()
		klog.V(3).Infof("Dropping outdated compilation: %v", err)
		return nil
	case errors.Is(err, epset.ErrEndpointNotFound):
		return nil
	case err != nil && pushed:
		tablePushesTotal.WithLabelValues(string(dir), resultFailed).Inc()
		return fmt.Errorf("pushing %s tables of endpoint %s: %w", dir, name, err)
	case err != nil:
		return err
	case !pushed:
		tablePushesTotal.WithLabelValues(string(dir), resultUnchanged).Inc()
		klog.V(4).Infof("%s tables of endpoint %s unchanged", dir, name)
	default:
		tablePushesTotal.WithLabelValues(string(dir), resultPushed).Inc()
		observeRows(&data.Tables)
		klog.V(2).Infof("%s tables of endpoint %s programmed, %d indexed policies", dir, name, data.IndexedPolicyCount)
	}
	return nil
}

func observeRows(tables *poltypes.AccessTables) {
	for _, class := range poltypes.CidrClasses {
		tableRows.WithLabelValues(string(class)).Set(float64(len(tables.CidrTables[class])))
	}
	tableRows.WithLabelValues("port").Set(float64(len(tables.PortTable)))
}

// reportRuleErrors logs rule failures and tells the policy authors about the
// ones they have to fix.
func (c *NetPolControl) reportRuleErrors(ruleErrs []error) {
	for _, err := range ruleErrs {
		klog.Warningf("Rule skipped: %v", err)
		var ruleErr *poltypes.RuleError
		if !errors.As(err, &ruleErr) {
			continue
		}
		if !errors.Is(err, poltypes.ErrUnsupportedRuleShape) && !errors.Is(err, poltypes.ErrInvalidCidr) {
			continue
		}
		ns, name, splitErr := clusterstate.SplitPolicyKey(ruleErr.Policy)
		if splitErr != nil {
			continue
		}
		policy, getErr := c.policyLister.NetworkPolicies(ns).Get(name)
		if getErr != nil {
			continue
		}
		c.recorder.Eventf(policy, corev1.EventTypeWarning, "UnsupportedRule", "%s rule %d is not enforced: %v", ruleErr.Direction, ruleErr.Index, ruleErr.Err)
	}
}

func (c *NetPolControl) recordPodEvent(endpoint, reason, message string) {
	ns, name, err := cache.SplitMetaNamespaceKey(endpoint)
	if err != nil {
		return
	}
	pod, err := c.podLister.Pods(ns).Get(name)
	if err != nil {
		return
	}
	c.recorder.Event(pod, corev1.EventTypeWarning, reason, message)
}
