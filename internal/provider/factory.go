package provider

import (
	"fmt"
	"net/http"

	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/resilience"
)

// Build constructs the registry from the enabled provider configs and
// registers each provider's bucket and capacity with the stack. Every
// adapter shares the retrying HTTP client semantics.
func Build(cfgs map[string]config.ProviderConfig, stack *resilience.Stack) (*Registry, error) {
	registry := NewRegistry()
	for id, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		client := resilience.NewRetryClient(&http.Client{Timeout: cfg.Timeout()}, id, stack.Policy())

		var p Provider
		switch id {
		case "lemlist":
			p = NewLemlist(cfg, client)
		case "postmark":
			p = NewPostmark(cfg, client)
		case "phantombuster":
			p = NewPhantombuster(cfg, client)
		case "heygen":
			p = NewHeygen(cfg, client)
		default:
			return nil, fmt.Errorf("no adapter for provider %q", id)
		}

		registry.Register(p)
		stack.Register(id, cfg)
	}
	return registry, nil
}
