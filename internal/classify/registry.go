// Package classify maps raw scan errors to structured failure
// classifications. A registry dispatches on source type; source-specific
// classifiers understand their protocol's failure modes and a generic
// classifier backstops everything else.
package classify

import (
	"sync"

	"syncwatch/internal/failure"
)

// Registry dispatches error classification by source type. Lookups for
// unregistered source types fall back to the generic classifier, so a
// new source type degrades gracefully instead of failing.
type Registry struct {
	mu       sync.RWMutex
	byType   map[failure.SourceType]failure.Classifier
	fallback failure.Classifier
}

// NewRegistry returns a registry with only the generic fallback wired.
func NewRegistry() *Registry {
	return &Registry{
		byType:   make(map[failure.SourceType]failure.Classifier),
		fallback: NewGeneric(),
	}
}

// NewDefaultRegistry returns a registry with all built-in classifiers
// registered.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewWebDAV())
	r.Register(NewS3())
	r.Register(NewLocal())
	return r
}

// Register installs a classifier for its source type, replacing any
// previous registration.
func (r *Registry) Register(c failure.Classifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[c.SourceType()] = c
}

// For returns the classifier for a source type, or the generic fallback
// when none is registered.
func (r *Registry) For(st failure.SourceType) failure.Classifier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.byType[st]; ok {
		return c
	}
	return r.fallback
}

// SourceTypes lists the source types with a dedicated classifier.
func (r *Registry) SourceTypes() []failure.SourceType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]failure.SourceType, 0, len(r.byType))
	for st := range r.byType {
		out = append(out, st)
	}
	return out
}
