package provider

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/ignite/outreach-engine/internal/domain"
)

// Registry resolves providers by id, by channel, and for inbound
// webhooks. Channel resolution keeps registration order so config
// ordering decides the default provider per channel.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	channels  map[domain.Channel][]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		channels:  make(map[domain.Channel][]string),
	}
}

// Register adds a provider. Re-registering an id replaces it.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := p.ID()
	if _, exists := r.providers[id]; !exists {
		r.channels[p.Channel()] = append(r.channels[p.Channel()], id)
	}
	r.providers[id] = p
}

// Get resolves a provider by id.
func (r *Registry) Get(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: provider %q", domain.ErrNotFound, id)
	}
	return p, nil
}

// ForChannel resolves the provider serving a channel. A non-empty hint
// (template step provider_hint) picks a specific provider, which must
// serve that channel.
func (r *Registry) ForChannel(ch domain.Channel, hint string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if hint != "" {
		p, ok := r.providers[hint]
		if !ok {
			return nil, fmt.Errorf("%w: provider %q", domain.ErrNotFound, hint)
		}
		if p.Channel() != ch {
			return nil, fmt.Errorf("%w: provider %q serves %s, not %s", domain.ErrValidation, hint, p.Channel(), ch)
		}
		return p, nil
	}

	ids := r.channels[ch]
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no provider for channel %s", domain.ErrNotFound, ch)
	}
	return r.providers[ids[0]], nil
}

// IDs lists registered provider ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for id := range r.providers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ResolveWebhook picks the provider for an inbound webhook: signature
// header first, then the path hint. Unresolvable requests are a caller
// error, not an auth failure.
func (r *Registry) ResolveWebhook(req *http.Request, pathHint string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, p := range r.providers {
		for _, header := range signatureHeaders(id) {
			if req.Header.Get(header) != "" {
				return p, nil
			}
		}
	}

	if pathHint != "" {
		if p, ok := r.providers[pathHint]; ok {
			return p, nil
		}
		return nil, fmt.Errorf("%w: unknown webhook provider %q", domain.ErrValidation, pathHint)
	}
	return nil, fmt.Errorf("%w: webhook carries no recognized signature header", domain.ErrValidation)
}

// signatureHeaders lists the headers a provider authenticates with,
// derived from its id: X-Lemlist-Signature, X-Phantombuster-Token.
func signatureHeaders(id string) []string {
	if id == "" {
		return nil
	}
	title := strings.ToUpper(id[:1]) + id[1:]
	return []string{"X-" + title + "-Signature", "X-" + title + "-Token"}
}
