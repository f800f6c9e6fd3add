// Package automation runs the device-side offer pipeline: it turns screen
// change notifications into verdicts and drives the platform's action
// executor.
package automation

import (
	"context"

	"github.com/ashureev/dasher-automate/internal/domain"
	"github.com/ashureev/dasher-automate/internal/protocol"
)

// OfferSource reads the offer currently shown on screen. It returns nil when
// no offer is visible.
type OfferSource interface {
	ExtractCurrentOffer(ctx context.Context) (*domain.Offer, error)
}

// ActionExecutor performs the accept or decline gesture for a verdict and
// reports whether it succeeded.
type ActionExecutor interface {
	Perform(ctx context.Context, verdict domain.Verdict) (bool, error)
}

// Device is the link state the pipeline reads and reports through.
type Device interface {
	Rules() domain.RuleSet
	Emit(m protocol.Message)
}
