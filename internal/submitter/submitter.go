// Package submitter defines the integration surface for external form-filling
// agents. Each platform integration declares an explicit capability instead of
// being probed for methods at runtime: callers branch on Capability() and a
// call outside the declared capability fails with ErrUnsupported.
package submitter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnsupported is returned when an operation is outside the submitter's
// declared capability.
var ErrUnsupported = errors.New("operation not supported by this submitter")

// Capability says how much of a directory submission the integration can do.
type Capability int

const (
	// ManualOnly integrations can only describe the manual steps.
	ManualOnly Capability = iota
	// PartialPrepare integrations can pre-fill the form fields but a human
	// must submit.
	PartialPrepare
	// FullAutomation integrations can complete the submission end to end.
	FullAutomation
)

// String returns the capability name.
func (c Capability) String() string {
	switch c {
	case ManualOnly:
		return "manual_only"
	case PartialPrepare:
		return "partial_prepare"
	case FullAutomation:
		return "full_automation"
	}
	return fmt.Sprintf("capability(%d)", int(c))
}

// Listing describes one directory submission target.
type Listing struct {
	Platform  string
	SubmitURL string
	Fields    map[string]string
}

// Preparation is a pre-filled submission awaiting manual completion.
type Preparation struct {
	Fields       map[string]string
	Instructions string
}

// Submitter is a per-platform submission integration.
type Submitter interface {
	Platform() string
	Capability() Capability

	// Prepare pre-fills the submission. Requires PartialPrepare or better.
	Prepare(ctx context.Context, l Listing) (*Preparation, error)

	// Submit completes the submission. Requires FullAutomation.
	Submit(ctx context.Context, l Listing) error

	// Instructions describes the manual procedure. Always available.
	Instructions() string
}

// Registry holds the known submitters keyed by platform. Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	submitters map[string]Submitter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{submitters: map[string]Submitter{}}
}

// Register adds a submitter. Registering the same platform twice is an error.
func (r *Registry) Register(s Submitter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.submitters[s.Platform()]; ok {
		return fmt.Errorf("submitter for platform %q already registered", s.Platform())
	}
	r.submitters[s.Platform()] = s
	return nil
}

// Get returns the submitter for a platform, or nil.
func (r *Registry) Get(platform string) Submitter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.submitters[platform]
}

// Platforms returns the registered platform names, sorted.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.submitters))
	for p := range r.submitters {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// WithCapability returns the registered submitters that can do at least the
// given capability.
func (r *Registry) WithCapability(min Capability) []Submitter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Submitter
	for _, s := range r.submitters {
		if s.Capability() >= min {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Platform() < out[j].Platform() })
	return out
}

// Base provides the capability gating boilerplate for integrations: embed it,
// set the fields, and override the methods the capability allows.
type Base struct {
	Name string
	Cap  Capability
	Help string
}

// Platform returns the platform name.
func (b Base) Platform() string { return b.Name }

// Capability returns the declared capability.
func (b Base) Capability() Capability { return b.Cap }

// Instructions returns the manual procedure text.
func (b Base) Instructions() string { return b.Help }

// Prepare fails unless overridden by a PartialPrepare+ integration.
func (b Base) Prepare(context.Context, Listing) (*Preparation, error) {
	return nil, fmt.Errorf("%s declares %s: %w", b.Name, b.Cap, ErrUnsupported)
}

// Submit fails unless overridden by a FullAutomation integration.
func (b Base) Submit(context.Context, Listing) error {
	return fmt.Errorf("%s declares %s: %w", b.Name, b.Cap, ErrUnsupported)
}
