package polctrl

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/mizar-sdn/netpol/types/poltypes"
)

const (
	NodeNameEnv          = "NODE_NAME"
	DefaultVniAnnotation = "mizar.com/vni"
)

// Config tunes the controller. An empty NodeName makes every pod of the
// cluster local, which is only meant for single node setups and tests.
type Config struct {
	NodeName        string
	Workers         int
	ResyncPeriod    time.Duration
	EmptyPorts      poltypes.EmptyPortsPolicy
	DefaultVni      uint32
	VniAnnotation   string
	CleanupInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		NodeName:        os.Getenv(NodeNameEnv),
		Workers:         4,
		ResyncPeriod:    30 * time.Second,
		EmptyPorts:      poltypes.EmptyPortsAllowAll,
		DefaultVni:      1,
		VniAnnotation:   DefaultVniAnnotation,
		CleanupInterval: 10 * time.Second,
	}
}

func (cfg Config) Validate() error {
	var errs []error
	if cfg.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", cfg.Workers))
	}
	if cfg.ResyncPeriod < 0 {
		errs = append(errs, fmt.Errorf("resync period must not be negative, got %v", cfg.ResyncPeriod))
	}
	if cfg.CleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("cleanup interval must be positive, got %v", cfg.CleanupInterval))
	}
	switch cfg.EmptyPorts {
	case poltypes.EmptyPortsAllowAll, poltypes.EmptyPortsDenyAll:
	default:
		errs = append(errs, fmt.Errorf("empty ports must be %q or %q, got %q", poltypes.EmptyPortsAllowAll, poltypes.EmptyPortsDenyAll, cfg.EmptyPorts))
	}
	return errors.Join(errs...)
}
