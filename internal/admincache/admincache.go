// Package admincache implements the administrative entity cache — an
// out-of-scope external collaborator per spec.md §1 (only its interface
// is specified). Partners own FileTypes own RecordTypes own FieldTypes;
// resolution always walks downward from the owning entity, since no
// back-pointers are stored (spec.md §9 "Cyclic cache").
package admincache

import (
	"fmt"
	"sync"
	"time"

	"ingestpipe/internal/config"
)

// Cache resolves admin entities by id without the caller needing to know
// how or how often the backing configuration is refreshed.
type Cache interface {
	Partner(id int) (*config.Partner, bool)
	FileType(partnerID, fileTypeID int) (*config.FileType, bool)
	RecordType(partnerID, fileTypeID, recordTypeID int) (*config.RecordType, bool)
	Function(id string) (*config.Function, bool)
	FunctionConfig(id int) (*config.FunctionConfig, bool)
}

// YAMLCache loads an AdminConfig once and refreshes it on a ticker; it is
// the concrete default implementation, grounded on the teacher's own
// YAML-config loading idiom (internal/config/load.go).
type YAMLCache struct {
	path string

	mu       sync.RWMutex
	cfg      *config.AdminConfig
	partners map[int]*config.Partner
	funcs    map[string]*config.Function
	fnCfgs   map[int]*config.FunctionConfig
}

// NewYAMLCache loads path immediately and returns a ready Cache.
func NewYAMLCache(path string) (*YAMLCache, error) {
	c := &YAMLCache{path: path}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Refresh reloads the backing file in place; call this from a ticker to
// pick up admin changes without a worker restart.
func (c *YAMLCache) Refresh() error { return c.reload() }

// WatchRefresh starts a goroutine that calls Refresh every interval until
// stop is closed.
func (c *YAMLCache) WatchRefresh(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = c.Refresh()
			case <-stop:
				return
			}
		}
	}()
}

func (c *YAMLCache) reload() error {
	cfg, err := config.LoadConfig(c.path)
	if err != nil {
		return fmt.Errorf("admincache: reload: %w", err)
	}

	partners := make(map[int]*config.Partner, len(cfg.Partners))
	for i := range cfg.Partners {
		partners[cfg.Partners[i].ID] = &cfg.Partners[i]
	}
	funcs := make(map[string]*config.Function, len(cfg.Functions))
	for i := range cfg.Functions {
		funcs[cfg.Functions[i].ID] = &cfg.Functions[i]
	}
	fnCfgs := make(map[int]*config.FunctionConfig, len(cfg.FunctionConfigs))
	for i := range cfg.FunctionConfigs {
		fnCfgs[cfg.FunctionConfigs[i].ID] = &cfg.FunctionConfigs[i]
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.partners = partners
	c.funcs = funcs
	c.fnCfgs = fnCfgs
	return nil
}

func (c *YAMLCache) Partner(id int) (*config.Partner, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.partners[id]
	return p, ok
}

func (c *YAMLCache) FileType(partnerID, fileTypeID int) (*config.FileType, bool) {
	p, ok := c.Partner(partnerID)
	if !ok {
		return nil, false
	}
	for i := range p.FileTypes {
		if p.FileTypes[i].ID == fileTypeID {
			return &p.FileTypes[i], true
		}
	}
	return nil, false
}

func (c *YAMLCache) RecordType(partnerID, fileTypeID, recordTypeID int) (*config.RecordType, bool) {
	ft, ok := c.FileType(partnerID, fileTypeID)
	if !ok {
		return nil, false
	}
	for i := range ft.RecordTypes {
		if ft.RecordTypes[i].ID == recordTypeID {
			return &ft.RecordTypes[i], true
		}
	}
	return nil, false
}

func (c *YAMLCache) Function(id string) (*config.Function, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.funcs[id]
	return f, ok
}

func (c *YAMLCache) FunctionConfig(id int) (*config.FunctionConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fc, ok := c.fnCfgs[id]
	return fc, ok
}
