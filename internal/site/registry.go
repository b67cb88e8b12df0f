package site

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/slipstream/grabber/internal/jobs"
	"github.com/slipstream/grabber/internal/naming"
	"github.com/slipstream/grabber/internal/quality"
)

// Factory builds a Fetcher for one site definition.
type Factory func(def Definition, client *http.Client) Fetcher

// Settings are the user choices an Adapter applies.
type Settings struct {
	Policies          quality.Policies
	PromptForLocation bool
	Naming            naming.Options
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Client    *http.Client
	UserAgent string
	Sizer     Sizer
	Retry     RetryConfig
}

// Registry maps source-type tags to site definitions and fetcher families.
type Registry struct {
	mu        sync.RWMutex
	defs      map[string]Definition
	factories map[string]Factory
	client    *http.Client
	sizer     Sizer
	retry     RetryConfig
	logger    zerolog.Logger
}

// NewRegistry creates a registry for the given definitions. Families must
// be registered before adapters are requested.
func NewRegistry(defs []Definition, cfg RegistryConfig, logger *zerolog.Logger) *Registry {
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	sizer := cfg.Sizer
	if sizer == nil {
		sizer = NewHTTPSizer(client, cfg.UserAgent)
	}
	retry := cfg.Retry
	if retry.MaxAttempts == 0 {
		retry = DefaultRetryConfig()
	}

	r := &Registry{
		defs:      make(map[string]Definition, len(defs)),
		factories: make(map[string]Factory),
		client:    client,
		sizer:     sizer,
		retry:     retry,
		logger:    logger.With().Str("component", "site").Logger(),
	}
	for _, d := range defs {
		if cfg.UserAgent != "" {
			if d.Headers == nil {
				d.Headers = map[string]string{}
			}
			if _, ok := d.Headers["User-Agent"]; !ok {
				d.Headers["User-Agent"] = cfg.UserAgent
			}
		}
		r.defs[d.ID] = d
	}
	return r
}

// RegisterFamily makes a fetcher family available.
func (r *Registry) RegisterFamily(family string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[family] = f
}

// Definition returns the definition for a source type.
func (r *Registry) Definition(sourceType string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[sourceType]
	return d, ok
}

// SourceTypes lists every known source type.
func (r *Registry) SourceTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for id := range r.defs {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Supports reports whether a source type has a definition and a registered family.
func (r *Registry) Supports(sourceType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[sourceType]
	if !ok {
		return false
	}
	_, ok = r.factories[d.Family]
	return ok
}

// Adapter builds a fresh Adapter for one Job. The adapter memoizes the
// site's manifest, so callers create one per prepare.
func (r *Registry) Adapter(job *jobs.Job, batch *jobs.Batch, settings Settings) (*Adapter, error) {
	r.mu.RLock()
	def, ok := r.defs[job.SourceType]
	var factory Factory
	if ok {
		factory = r.factories[def.Family]
	}
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, job.SourceType)
	}
	if factory == nil {
		return nil, fmt.Errorf("%w: %q for source %q", ErrUnknownFamily, def.Family, job.SourceType)
	}

	logger := r.logger.With().Str("source", def.ID).Int64("jobId", job.ID).Logger()
	return &Adapter{
		def:      def,
		fetcher:  factory(def, r.client),
		sizer:    r.sizer,
		retry:    r.retry,
		job:      job,
		batch:    batch,
		settings: settings,
		logger:   logger,
	}, nil
}
