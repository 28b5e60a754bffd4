package duskv

import (
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// mapping is the byte-slice view of one memory-mapped window. The FSM
// maps the header and bitmap regions separately from the data region it
// hands out as raw byte views.
type mapping struct {
	data []byte
}

func (m mapping) flush(from, to int) error {
	if len(m.data) == 0 {
		return nil
	}
	if to > len(m.data) {
		to = len(m.data)
	}
	if from >= to {
		return nil
	}
	pageSize := os.Getpagesize()
	alignedFrom := from &^ (pageSize - 1)
	return unix.Msync(m.data[alignedFrom:to], unix.MS_SYNC)
}

func mmapRegion(f *os.File, offset int64, length int, writable bool) (mapping, error) {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	b, err := unix.Mmap(int(f.Fd()), offset, length, prot, unix.MAP_SHARED)
	if err != nil {
		return mapping{}, err
	}
	return mapping{data: b}, nil
}

func (m mapping) unmap() error {
	if len(m.data) == 0 {
		return nil
	}
	return unix.Munmap(m.data)
}

// mmapPool tracks a set of named, independently mapped windows over one
// file. It isolates callers behind GetMmap's scoped acquire/release so
// that FSM/KVBLK/SBLK code never holds a raw pointer across a call that
// may remap the underlying window.
type mmapPool struct {
	mu      sync.RWMutex
	windows map[string]*atomic.Value // name -> mapping
	file    *os.File
}

func newMmapPool(f *os.File) *mmapPool {
	return &mmapPool{windows: make(map[string]*atomic.Value), file: f}
}

// AddMmap installs or replaces the named window covering [offset, offset+length).
func (p *mmapPool) AddMmap(name string, offset int64, length int, writable bool) error {
	m, err := mmapRegion(p.file, offset, length, writable)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if old, ok := p.windows[name]; ok {
		if oldM, ok := old.Load().(mapping); ok {
			_ = oldM.unmap()
		}
		old.Store(m)
		return nil
	}

	v := &atomic.Value{}
	v.Store(m)
	p.windows[name] = v
	return nil
}

// GetMmap returns a scoped acquisition of the named window. Callers must
// call release() before any call that might invoke RemoveMmap/AddMmap on
// the same name, and must not retain the returned slice past release().
func (p *mmapPool) GetMmap(name string) (mapping, func(), error) {
	p.mu.RLock()
	v, ok := p.windows[name]
	p.mu.RUnlock()
	if !ok {
		return mapping{}, func() {}, ErrNotMapped
	}
	m := v.Load().(mapping)
	return m, func() {}, nil
}

func (p *mmapPool) RemoveMmap(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	v, ok := p.windows[name]
	if !ok {
		return nil
	}
	delete(p.windows, name)
	m := v.Load().(mapping)
	return m.unmap()
}

func (p *mmapPool) SyncMmap(name string) error {
	p.mu.RLock()
	v, ok := p.windows[name]
	p.mu.RUnlock()
	if !ok {
		return ErrNotMapped
	}
	m := v.Load().(mapping)
	return m.flush(0, len(m.data))
}

func (p *mmapPool) closeAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for name, v := range p.windows {
		m := v.Load().(mapping)
		if err := m.unmap(); err != nil && first == nil {
			first = err
		}
		delete(p.windows, name)
	}
	return first
}
