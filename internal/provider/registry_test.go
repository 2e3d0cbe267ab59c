package provider

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/domain"
)

func testRegistry() *Registry {
	r := NewRegistry()
	r.Register(NewLemlist(config.ProviderConfig{WebhookSecret: "s"}, nil))
	r.Register(NewPostmark(config.ProviderConfig{WebhookSecret: "s"}, nil))
	r.Register(NewPhantombuster(config.ProviderConfig{WebhookSecret: "s", AccountID: "acct-1"}, nil))
	r.Register(NewHeygen(config.ProviderConfig{WebhookSecret: "s"}, nil))
	return r
}

func TestRegistryGet(t *testing.T) {
	r := testRegistry()
	p, err := r.Get("lemlist")
	if err != nil || p.ID() != "lemlist" {
		t.Fatalf("Get(lemlist) = %v, %v", p, err)
	}
	if _, err := r.Get("sendgrid"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown provider: %v", err)
	}
}

func TestRegistryForChannel(t *testing.T) {
	r := testRegistry()

	p, err := r.ForChannel(domain.ChannelEmail, "")
	if err != nil || p.ID() != "lemlist" {
		t.Fatalf("default email provider = %v, %v (registration order should win)", p, err)
	}

	p, err = r.ForChannel(domain.ChannelEmail, "postmark")
	if err != nil || p.ID() != "postmark" {
		t.Fatalf("hint not honored: %v, %v", p, err)
	}

	if _, err := r.ForChannel(domain.ChannelEmail, "phantombuster"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("cross-channel hint accepted: %v", err)
	}
	if _, err := r.ForChannel(domain.Channel("carrier-pigeon"), ""); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown channel: %v", err)
	}
}

func TestResolveWebhookHeaderFirst(t *testing.T) {
	r := testRegistry()

	req := httptest.NewRequest(http.MethodPost, "/api/campaigns/events/webhook", nil)
	req.Header.Set("X-Postmark-Signature", "sig")
	p, err := r.ResolveWebhook(req, "")
	if err != nil || p.ID() != "postmark" {
		t.Fatalf("header resolution = %v, %v", p, err)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/campaigns/events/webhook", nil)
	req.Header.Set("X-Phantombuster-Token", "tok")
	p, err = r.ResolveWebhook(req, "")
	if err != nil || p.ID() != "phantombuster" {
		t.Fatalf("token header resolution = %v, %v", p, err)
	}

	// Header beats a conflicting path hint.
	req = httptest.NewRequest(http.MethodPost, "/api/campaigns/events/webhook/lemlist", nil)
	req.Header.Set("X-Heygen-Signature", "t=1,v1=a")
	p, err = r.ResolveWebhook(req, "lemlist")
	if err != nil || p.ID() != "heygen" {
		t.Fatalf("header should beat path hint: %v, %v", p, err)
	}
}

func TestResolveWebhookPathFallback(t *testing.T) {
	r := testRegistry()

	req := httptest.NewRequest(http.MethodPost, "/api/campaigns/events/webhook/lemlist", nil)
	p, err := r.ResolveWebhook(req, "lemlist")
	if err != nil || p.ID() != "lemlist" {
		t.Fatalf("path resolution = %v, %v", p, err)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/campaigns/events/webhook/fax", nil)
	if _, err := r.ResolveWebhook(req, "fax"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("unknown path provider: %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/campaigns/events/webhook", nil)
	if _, err := r.ResolveWebhook(req, ""); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("unresolvable webhook: %v", err)
	}
}
