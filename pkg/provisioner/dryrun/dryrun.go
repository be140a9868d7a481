// Package dryrun is a TableProvisioner which only logs what it is asked to
// program and remembers the last tables of every endpoint.
package dryrun

import (
	"context"
	"sync"

	"k8s.io/klog/v2"

	"github.com/mizar-sdn/netpol/types/poltypes"
)

type key struct {
	endpoint string
	dir      poltypes.Direction
}

type Provisioner struct {
	mu     sync.Mutex
	tables map[key]*poltypes.AccessTables
	pushes int
	// Err, when set, fails every push.
	Err error
}

func New() *Provisioner {
	return &Provisioner{tables: make(map[key]*poltypes.AccessTables)}
}

func (p *Provisioner) PushAccessTables(ctx context.Context, endpoint string, dir poltypes.Direction, tables *poltypes.AccessTables) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.pushes++
	p.tables[key{endpoint: endpoint, dir: dir}] = tables
	klog.V(2).Infof("Programming %s access tables of endpoint %s: %d rows", dir, endpoint, tables.Rows())
	if klogV := klog.V(5); klogV.Enabled() {
		for class, rows := range tables.CidrTables {
			for _, row := range rows {
				klogV.Infof("  %s %s/%d vni=%d local=%s bits=%#x", class, row.Cidr, row.CidrLength, row.Vni, row.LocalIP, row.BitValue)
			}
		}
		for _, row := range tables.PortTable {
			klogV.Infof("  port %s:%s vni=%d local=%s bits=%#x", row.Protocol, row.Port, row.Vni, row.LocalIP, row.BitValue)
		}
	}
	return nil
}

// Tables returns the last tables pushed for endpoint in dir.
func (p *Provisioner) Tables(endpoint string, dir poltypes.Direction) (*poltypes.AccessTables, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tables[key{endpoint: endpoint, dir: dir}]
	return t, ok
}

// Pushes counts the successful pushes so far.
func (p *Provisioner) Pushes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pushes
}

func (p *Provisioner) SetErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Err = err
}
