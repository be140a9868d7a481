// Package epset keeps the endpoints hosted on this node together with the
// policies attached to them and their last compiled access data.
package epset

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"k8s.io/apimachinery/pkg/api/equality"

	"github.com/mizar-sdn/netpol/pkg/netruleset"
	"github.com/mizar-sdn/netpol/types/poltypes"
)

var ErrEndpointNotFound = errors.New("endpoint not found")

// Endpoint is a workload attachment point. Policies holds, per direction, the
// names of the attached policies in attachment order.
type Endpoint struct {
	Name     string
	Vni      uint32
	IP       string
	Policies map[poltypes.Direction][]string
}

func (ep Endpoint) Target() netruleset.Endpoint {
	return netruleset.Endpoint{Name: ep.Name, Vni: ep.Vni, IP: ep.IP}
}

func (ep Endpoint) HasPolicies() bool {
	for _, names := range ep.Policies {
		if len(names) > 0 {
			return true
		}
	}
	return false
}

// Snapshot is the compiled data of one direction, with the one it replaced.
type Snapshot struct {
	Seq     uint64
	Current *netruleset.CompiledAccessData
	Old     *netruleset.CompiledAccessData
}

// Ticket is handed out when a compilation starts and has to be presented
// when its result is committed.
type Ticket struct {
	Endpoint  netruleset.Endpoint
	Direction poltypes.Direction
	Policies  []string
	seq       uint64
}

type entry struct {
	mu       sync.Mutex
	ep       Endpoint
	issued   map[poltypes.Direction]uint64
	compiled map[poltypes.Direction]*Snapshot
}

type EndpointSet struct {
	mu  sync.RWMutex
	eps map[string]*entry
}

func New() *EndpointSet {
	return &EndpointSet{eps: make(map[string]*entry)}
}

func copyEndpoint(ep Endpoint) Endpoint {
	out := ep
	out.Policies = make(map[poltypes.Direction][]string, len(ep.Policies))
	for dir, names := range ep.Policies {
		out.Policies[dir] = append([]string(nil), names...)
	}
	return out
}

// Upsert registers ep or updates the address of a known endpoint. Attached
// policies and compiled data of a known endpoint are kept. It reports whether
// the endpoint was new.
func (s *EndpointSet) Upsert(ep Endpoint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.eps[ep.Name]; ok {
		e.mu.Lock()
		e.ep.Vni = ep.Vni
		e.ep.IP = ep.IP
		e.mu.Unlock()
		return false
	}
	ep = copyEndpoint(ep)
	s.eps[ep.Name] = &entry{
		ep:       ep,
		issued:   make(map[poltypes.Direction]uint64),
		compiled: make(map[poltypes.Direction]*Snapshot),
	}
	return true
}

func (s *EndpointSet) lookup(name string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.eps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEndpointNotFound, name)
	}
	return e, nil
}

func (s *EndpointSet) Get(name string) (Endpoint, bool) {
	e, err := s.lookup(name)
	if err != nil {
		return Endpoint{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return copyEndpoint(e.ep), true
}

func (s *EndpointSet) Delete(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.eps[name]
	delete(s.eps, name)
	return ok
}

// List returns every endpoint sorted by name.
func (s *EndpointSet) List() []Endpoint {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.eps))
	for _, e := range s.eps {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]Endpoint, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, copyEndpoint(e.ep))
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Attach adds policy to the policies of the endpoint for dir and reports
// whether it was not attached yet.
func (s *EndpointSet) Attach(name string, dir poltypes.Direction, policy string) (bool, error) {
	e, err := s.lookup(name)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, known := range e.ep.Policies[dir] {
		if known == policy {
			return false, nil
		}
	}
	e.ep.Policies[dir] = append(e.ep.Policies[dir], policy)
	return true, nil
}

// Detach removes policy from dir and reports whether it was attached.
func (s *EndpointSet) Detach(name string, dir poltypes.Direction, policy string) (bool, error) {
	e, err := s.lookup(name)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	names := e.ep.Policies[dir]
	for i, known := range names {
		if known == policy {
			e.ep.Policies[dir] = append(names[:i:i], names[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// BeginCompile snapshots what a compilation of the endpoint in dir needs. The
// endpoint is not locked while the caller compiles.
func (s *EndpointSet) BeginCompile(name string, dir poltypes.Direction) (Ticket, error) {
	e, err := s.lookup(name)
	if err != nil {
		return Ticket{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.issued[dir]++
	return Ticket{
		Endpoint:  e.ep.Target(),
		Direction: dir,
		Policies:  append([]string(nil), e.ep.Policies[dir]...),
		seq:       e.issued[dir],
	}, nil
}

// Commit installs data compiled for ticket. When the tables differ from the
// current ones push is called first and data is installed only if it
// succeeds. Data of a compilation older than the installed one is rejected
// with ErrStaleCompilation. Commit reports whether push was called.
func (s *EndpointSet) Commit(ticket Ticket, data *netruleset.CompiledAccessData, push func(*netruleset.CompiledAccessData) error) (bool, error) {
	e, err := s.lookup(ticket.Endpoint.Name)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := e.compiled[ticket.Direction]
	if snap != nil && ticket.seq <= snap.Seq {
		return false, fmt.Errorf("%w: %s %s compilation %d, installed %d", poltypes.ErrStaleCompilation, ticket.Endpoint.Name, ticket.Direction, ticket.seq, snap.Seq)
	}
	if snap != nil && snap.Current != nil && equality.Semantic.DeepEqual(snap.Current.Tables, data.Tables) {
		snap.Seq = ticket.seq
		return false, nil
	}
	if err := push(data); err != nil {
		return true, err
	}
	next := &Snapshot{Seq: ticket.seq, Current: data}
	if snap != nil {
		next.Old = snap.Current
	}
	e.compiled[ticket.Direction] = next
	return true, nil
}

// Compiled returns a copy of the snapshot of dir.
func (s *EndpointSet) Compiled(name string, dir poltypes.Direction) (Snapshot, bool) {
	e, err := s.lookup(name)
	if err != nil {
		return Snapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	snap, ok := e.compiled[dir]
	if !ok {
		return Snapshot{}, false
	}
	return *snap, true
}

// ClearCompiled drops the compiled data of the endpoint in every direction.
// Compilations already in flight are stale afterwards.
func (s *EndpointSet) ClearCompiled(name string) {
	e, err := s.lookup(name)
	if err != nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, dir := range poltypes.Directions {
		e.compiled[dir] = &Snapshot{Seq: e.issued[dir]}
	}
}
