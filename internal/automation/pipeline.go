package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/dasher-automate/internal/decision"
	"github.com/ashureev/dasher-automate/internal/domain"
	"github.com/ashureev/dasher-automate/internal/metrics"
	"github.com/ashureev/dasher-automate/internal/protocol"
)

const (
	defaultActionTimeout = 3 * time.Second
	defaultActionSettle  = 500 * time.Millisecond
)

// ErrNoOffer is returned by Override when nothing is on screen.
var ErrNoOffer = errors.New("no offer on screen")

// Config tunes the pipeline.
type Config struct {
	// ActionTimeout bounds a single Perform call.
	ActionTimeout time.Duration
	// ActionSettle is the pause after an action before the next offer is read.
	ActionSettle time.Duration
	Logger       *slog.Logger
}

// Pipeline evaluates offers one at a time. Notify may be called from any
// goroutine; Run owns the single worker.
type Pipeline struct {
	device Device
	source OfferSource
	exec   ActionExecutor
	cfg    Config
	logger *slog.Logger

	// pending holds at most one queued screen change.
	pending chan struct{}
	// execMu keeps automatic and manual actions from overlapping.
	execMu sync.Mutex
}

// New creates a pipeline.
func New(device Device, source OfferSource, exec ActionExecutor, cfg Config) *Pipeline {
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = defaultActionTimeout
	}
	if cfg.ActionSettle < 0 {
		cfg.ActionSettle = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		device:  device,
		source:  source,
		exec:    exec,
		cfg:     cfg,
		logger:  cfg.Logger,
		pending: make(chan struct{}, 1),
	}
}

// Notify signals that the screen changed. It never blocks: while one change
// is already queued further notifications are dropped.
func (p *Pipeline) Notify() {
	select {
	case p.pending <- struct{}{}:
	default:
		p.logger.Warn("[PIPELINE] Evaluation already queued, dropping screen change")
	}
}

// Run processes notifications until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("[PIPELINE] Worker started")
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("[PIPELINE] Worker stopping")
			return ctx.Err()
		case <-p.pending:
			if _, err := p.Process(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warn("[PIPELINE] Offer processing failed", "error", err)
			}
		}
	}
}

// Process handles the offer currently on screen. It returns the verdict, or
// nil when automation is disabled or no offer is visible.
func (p *Pipeline) Process(ctx context.Context) (*domain.Verdict, error) {
	rules := p.device.Rules()
	if !rules.Enabled {
		p.logger.Debug("[PIPELINE] Automation disabled, skipping")
		return nil, nil
	}

	offer, err := p.source.ExtractCurrentOffer(ctx)
	if err != nil {
		return nil, fmt.Errorf("extract offer: %w", err)
	}
	if offer == nil || offer.IsEmpty() {
		return nil, nil
	}
	p.device.Emit(protocol.OfferReceived(*offer))

	verdict := decision.Evaluate(*offer, rules)
	metrics.Verdicts.WithLabelValues(string(verdict.Decision), string(verdict.Rule)).Inc()
	p.logger.Info("[PIPELINE] Offer evaluated",
		"store", offer.StoreName,
		"pay", verdict.Pay.String(),
		"miles", verdict.Miles.String(),
		"decision", verdict.Decision,
		"rule", verdict.Rule)

	if err := p.act(ctx, verdict, *offer); err != nil {
		return &verdict, err
	}
	return &verdict, nil
}

// Override performs d on the current offer regardless of the enabled flag.
func (p *Pipeline) Override(ctx context.Context, d domain.Decision) (domain.Verdict, error) {
	offer, err := p.source.ExtractCurrentOffer(ctx)
	if err != nil {
		return domain.Verdict{}, fmt.Errorf("extract offer: %w", err)
	}
	if offer == nil || offer.IsEmpty() {
		return domain.Verdict{}, ErrNoOffer
	}
	verdict := domain.Verdict{
		Decision: d,
		Rule:     domain.RuleManual,
		Pay:      decision.ParsePay(offer.Pay),
		Miles:    decision.ParseMiles(offer.Distance),
	}
	p.logger.Info("[PIPELINE] Manual override", "store", offer.StoreName, "decision", d)
	return verdict, p.act(ctx, verdict, *offer)
}

func (p *Pipeline) act(ctx context.Context, verdict domain.Verdict, offer domain.Offer) error {
	p.execMu.Lock()
	defer p.execMu.Unlock()

	actCtx, cancel := context.WithTimeout(ctx, p.cfg.ActionTimeout)
	ok, err := p.exec.Perform(actCtx, verdict)
	cancel()
	if err != nil {
		return fmt.Errorf("perform %s: %w", verdict.Action(), err)
	}
	if !ok {
		p.logger.Warn("[PIPELINE] Action not performed", "decision", verdict.Decision, "store", offer.StoreName)
		return nil
	}

	p.device.Emit(protocol.ActionTaken(verdict, offer))
	p.settle(ctx)
	return nil
}

func (p *Pipeline) settle(ctx context.Context) {
	if p.cfg.ActionSettle == 0 {
		return
	}
	timer := time.NewTimer(p.cfg.ActionSettle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
