// Package storage moves finished archives to and from places outside the
// backups directory: other directories, S3 buckets and HTTP servers.
package storage

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// Sink receives published archives.
type Sink interface {
	// Name returns the sink identifier used in config and job options.
	Name() string
	// Put stores size bytes read from r under name.
	Put(ctx context.Context, name string, r io.Reader, size int64) error
}

// Source provides archives to import.
type Source interface {
	// Name returns the source identifier used in config and job options.
	Name() string
	// Fetch copies the archive identified by ref to dest. Bytes already in
	// dest from an interrupted fetch are kept and the transfer continues
	// after them where the source allows it. It returns the final size.
	Fetch(ctx context.Context, ref, dest string) (int64, error)
	// FetchRange is Fetch bounded to about limit new bytes per call. It
	// returns the bytes now in dest and whether the archive is complete.
	// A limit of zero or less fetches everything.
	FetchRange(ctx context.Context, ref, dest string, limit int64) (int64, bool, error)
}

// Registry holds the sinks and sources available to jobs.
type Registry struct {
	mu      sync.RWMutex
	sinks   map[string]Sink
	sources map[string]Source
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sinks:   make(map[string]Sink),
		sources: make(map[string]Source),
	}
}

// RegisterSink adds a sink under its Name().
func (r *Registry) RegisterSink(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[s.Name()] = s
}

// RegisterSource adds a source under its Name().
func (r *Registry) RegisterSource(s Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[s.Name()] = s
}

// Sink returns a sink by name.
func (r *Registry) Sink(name string) (Sink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sinks[name]
	if !ok {
		return nil, fmt.Errorf("no storage sink named %q", name)
	}
	return s, nil
}

// Source returns a source by name.
func (r *Registry) Source(name string) (Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[name]
	if !ok {
		return nil, fmt.Errorf("no storage source named %q", name)
	}
	return s, nil
}

// SinkNames returns registered sink names, sorted.
func (r *Registry) SinkNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sinks))
	for name := range r.sinks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SourceNames returns registered source names, sorted.
func (r *Registry) SourceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
