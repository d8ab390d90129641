package video_library

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/alanbriolat/video-library/generic"
)

var (
	ErrDuplicateProvider = errors.New("duplicate provider name")
	ErrInvalidProvider   = errors.New("invalid provider")
	ErrNoMatch           = errors.New("no provider matched the input")
	ErrUnknownProvider   = errors.New("unknown provider")
)

var (
	PriorityHighest int16 = math.MinInt16
	PriorityDefault int16 = 0
	PriorityLowest  int16 = math.MaxInt16
)

type MatchFunc = func(string) (Source, error)

// A Provider matches any URL it knows how to handle, giving a Source that can be used to download the video.
type Provider struct {
	Name  string
	Match MatchFunc
	// Priority of the matcher, lower (including negative) means matching earlier.
	Priority int16
}

func (p Provider) WithName(name string) Provider {
	p.Name = name
	return p
}

func (p Provider) WithPriority(priority int16) Provider {
	p.Priority = priority
	return p
}

// A Match is the result of a Provider successfully matching a URL.
type Match struct {
	ProviderName string
	Source       Source
}

// A ProviderRegistry is a collection of Provider instances which can be used to try to match URLs. It is safe for
// concurrent use, and implements Extractor.
type ProviderRegistry struct {
	mu          sync.RWMutex
	providers   []*Provider
	providerMap map[string]*Provider
}

var _ Extractor = &ProviderRegistry{}

// Add registers a Provider. Provider.Name and Provider.Match must be set, and Provider.Name must be unique within the
// ProviderRegistry.
func (r *ProviderRegistry) Add(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.providerMap == nil {
		r.providerMap = make(map[string]*Provider)
	}
	if p.Name == "" || p.Match == nil {
		return ErrInvalidProvider
	}
	if _, ok := r.providerMap[p.Name]; ok {
		return ErrDuplicateProvider
	}
	r.providerMap[p.Name] = &p
	r.providers = append(r.providers, &p)
	r.sortByPriority()
	return nil
}

// MustAdd wraps Add but panics if there is an error.
func (r *ProviderRegistry) MustAdd(p Provider) {
	generic.Unwrap_(r.Add(p))
}

// List returns the names of registered providers in priority order.
func (r *ProviderRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for _, p := range r.providers {
		names = append(names, p.Name)
	}
	return names
}

// Match a string against each Provider in priority order. If none match, the error wraps ErrNoMatch and says why each
// provider declined.
func (r *ProviderRegistry) Match(s string) (*Match, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result error
	for _, p := range r.providers {
		source, err := p.Match(s)
		if source != nil && err == nil {
			return &Match{ProviderName: p.Name, Source: source}, nil
		}
		if err == nil {
			err = errors.New("no source")
		}
		result = multierror.Append(result, multierror.Prefix(err, fmt.Sprintf("[%v]", p.Name)))
	}
	if result == nil {
		return nil, ErrNoMatch
	}
	return nil, fmt.Errorf("%w: %v", ErrNoMatch, result)
}

// MatchWith will attempt to match a string against a specific provider.
func (r *ProviderRegistry) MatchWith(name string, s string) (*Match, error) {
	r.mu.RLock()
	p, ok := r.providerMap[name]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownProvider
	}
	source, err := p.Match(s)
	if source == nil || err != nil {
		return nil, ErrNoMatch
	}
	return &Match{ProviderName: p.Name, Source: source}, nil
}

// SetPriority adjusts the priority of a named Provider.
func (r *ProviderRegistry) SetPriority(name string, priority int16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.providerMap[name]
	if !ok {
		return ErrUnknownProvider
	}
	p.Priority = priority
	r.sortByPriority()
	return nil
}

func (r *ProviderRegistry) Extract(ctx context.Context, url string) (*Metadata, error) {
	match, err := r.Match(url)
	if err != nil {
		return nil, err
	}
	return match.Source.Extract(ctx)
}

func (r *ProviderRegistry) ResolveStream(ctx context.Context, url string, pref FormatPreference) (Stream, error) {
	match, err := r.Match(url)
	if err != nil {
		return nil, err
	}
	return match.Source.ResolveStream(ctx, pref)
}

func (r *ProviderRegistry) sortByPriority() {
	sort.SliceStable(r.providers, func(i, j int) bool {
		return r.providers[i].Priority < r.providers[j].Priority
	})
}

// DefaultProviderRegistry is populated by provider packages from their init(); import
// github.com/alanbriolat/video-library/providers to register all of them.
var DefaultProviderRegistry ProviderRegistry
