// Package ingress verifies, deduplicates, and normalizes provider webhook
// deliveries into pipeline events. It is a pure translation stage: no state
// machine logic, no side effects beyond the dedupe record and metrics.
package ingress

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/lucasnoah/mergefactory/internal/pipeline"
)

var (
	// ErrInvalidSignature means the HMAC did not verify. The HTTP layer maps
	// this to a 4xx so the provider stops retrying a delivery that can never
	// become valid.
	ErrInvalidSignature = errors.New("ingress: invalid signature")
	// ErrDuplicateDelivery means this delivery ID was already processed
	// within the retention window. Acknowledged, no event.
	ErrDuplicateDelivery = errors.New("ingress: duplicate delivery")
	// ErrIgnoredEvent means the payload parsed fine but carries nothing the
	// pipeline reacts to. Acknowledged, no event.
	ErrIgnoredEvent = errors.New("ingress: event ignored")
	// ErrUnknownProvider means no normalizer is registered for the provider.
	ErrUnknownProvider = errors.New("ingress: unknown provider")
)

// Headers read from the delivery. GitHub names; other providers map onto
// them inside their normalizer registration.
const (
	headerSignature = "X-Hub-Signature-256"
	headerEvent     = "X-GitHub-Event"
	headerDelivery  = "X-GitHub-Delivery"
)

// DedupeStore records seen delivery IDs. Implemented by the registry.
type DedupeStore interface {
	SeenDelivery(ctx context.Context, deliveryID string) (bool, error)
	ForgetDelivery(ctx context.Context, deliveryID string) error
}

// Normalizer translates one provider's payload shapes into the closed
// pipeline event set. Provider quirks stop here.
type Normalizer interface {
	// Normalize maps (eventName, payload) to a pipeline event, or
	// ErrIgnoredEvent for deliveries the pipeline does not consume.
	Normalize(eventName string, payload []byte) (*pipeline.Event, error)
}

// Ingress verifies signatures, deduplicates re-deliveries, and normalizes
// payloads. Replay-safe: at most one event per unique delivery ID.
type Ingress struct {
	secret      []byte
	store       DedupeStore
	normalizers map[string]Normalizer
}

// New creates an Ingress with the shared webhook secret.
func New(secret string, store DedupeStore) *Ingress {
	ing := &Ingress{
		secret:      []byte(secret),
		store:       store,
		normalizers: make(map[string]Normalizer),
	}
	ing.Register("github", NewGitHubNormalizer())
	return ing
}

// Register adds a provider normalizer.
func (i *Ingress) Register(provider string, n Normalizer) {
	i.normalizers[provider] = n
}

// Ingest verifies the delivery and produces at most one pipeline event.
func (i *Ingress) Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) (*pipeline.Event, error) {
	n, ok := i.normalizers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}

	if err := i.verifySignature(payload, headers.Get(headerSignature)); err != nil {
		return nil, err
	}

	deliveryID := headers.Get(headerDelivery)
	if deliveryID == "" {
		return nil, fmt.Errorf("%w: missing delivery id", ErrIgnoredEvent)
	}
	seen, err := i.store.SeenDelivery(ctx, deliveryID)
	if err != nil {
		return nil, fmt.Errorf("dedupe delivery %s: %w", deliveryID, err)
	}
	if seen {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateDelivery, deliveryID)
	}

	ev, err := n.Normalize(headers.Get(headerEvent), payload)
	if err != nil {
		return nil, err
	}
	ev.Source = pipeline.SourceWebhook
	ev.DedupeKey = deliveryID
	return ev, nil
}

// Forget releases a delivery ID the caller could not act on. The provider's
// retry of that ID then ingests normally instead of landing as a duplicate.
func (i *Ingress) Forget(ctx context.Context, deliveryID string) error {
	return i.store.ForgetDelivery(ctx, deliveryID)
}

// verifySignature checks the hex HMAC-SHA256 of the payload against the
// "sha256=..." header value in constant time.
func (i *Ingress) verifySignature(payload []byte, header string) error {
	if len(i.secret) == 0 {
		return fmt.Errorf("%w: no secret configured", ErrInvalidSignature)
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return fmt.Errorf("%w: malformed header", ErrInvalidSignature)
	}
	mac := hmac.New(sha256.New, i.secret)
	mac.Write(payload)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(sig))) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign computes the signature header value for a payload. Used by tests and
// the CLI's webhook replay command.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
