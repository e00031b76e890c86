package cartpayment

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"cartpay/internal/common/database"
	"cartpay/internal/common/events"
	"cartpay/internal/common/lock"
	"cartpay/internal/common/money"
	"cartpay/internal/common/payerr"
)

// fakeStore is an in-memory Store honoring the same conditional-update
// semantics as the Postgres implementation.
type fakeStore struct {
	mu              sync.Mutex
	cartPayments    map[string]*CartPayment
	intents         map[string]*PaymentIntent
	mirrors         map[string]*PgpPaymentIntent
	charges         map[string]*PaymentCharge
	chargeMirrors   map[string]*PgpPaymentCharge
	refunds         map[string]*Refund
	refundMirrors   map[string]*PgpRefund
	consumerCharges map[string]*LegacyConsumerCharge
	stripeCharges   map[string]*LegacyStripeCharge
	adjustments     []*AdjustmentHistory

	// scripted lookup failures
	intentKeyErr error
	refundKeyErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		cartPayments:    make(map[string]*CartPayment),
		intents:         make(map[string]*PaymentIntent),
		mirrors:         make(map[string]*PgpPaymentIntent),
		charges:         make(map[string]*PaymentCharge),
		chargeMirrors:   make(map[string]*PgpPaymentCharge),
		refunds:         make(map[string]*Refund),
		refundMirrors:   make(map[string]*PgpRefund),
		consumerCharges: make(map[string]*LegacyConsumerCharge),
		stripeCharges:   make(map[string]*LegacyStripeCharge),
	}
}

func (f *fakeStore) GetCartPayment(_ context.Context, id string) (*CartPayment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp, ok := f.cartPayments[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return cp, nil
}

func (f *fakeStore) SoftDeleteCartPayment(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp, ok := f.cartPayments[id]
	if !ok {
		return database.ErrNotFound
	}
	if cp.DeletedAt == nil {
		now := time.Now().UTC()
		cp.DeletedAt = &now
	}
	return nil
}

func (f *fakeStore) CreateCartPaymentGraph(_ context.Context, g *PaymentGraph) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cartPayments[g.CartPayment.ID] = g.CartPayment
	f.intents[g.Intent.ID] = g.Intent
	f.mirrors[g.Intent.ID] = g.PgpIntent
	f.consumerCharges[g.ConsumerCharge.ID] = g.ConsumerCharge
	f.stripeCharges[g.Intent.ID] = g.StripeCharge
	return nil
}

func (f *fakeStore) CreateIntentStep(_ context.Context, step *IntentStep) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intents[step.Intent.ID] = step.Intent
	f.mirrors[step.Intent.ID] = step.PgpIntent
	f.stripeCharges[step.Intent.ID] = step.StripeCharge
	f.adjustments = append(f.adjustments, step.Adjustment)
	if cp, ok := f.cartPayments[step.Intent.CartPaymentID]; ok {
		cp.Amount = step.NewCartAmount
	}
	if cc, ok := f.consumerCharges[step.Intent.LegacyConsumerChargeID]; ok {
		cc.Total = step.NewCartAmount
	}
	return nil
}

func (f *fakeStore) ApplyAmountDecrease(_ context.Context, d *AmountDecrease) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d.PgpIntent != nil {
		f.intents[d.Intent.ID] = d.Intent
		f.mirrors[d.Intent.ID] = d.PgpIntent
	}
	f.adjustments = append(f.adjustments, d.Adjustment)
	if cp, ok := f.cartPayments[d.Adjustment.CartPaymentID]; ok {
		cp.Amount = d.NewCartAmount
	}
	if cc, ok := f.consumerCharges[d.Intent.LegacyConsumerChargeID]; ok {
		cc.Total = d.NewCartAmount
	}
	return nil
}

func (f *fakeStore) GetIntent(_ context.Context, id string) (*PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	intent, ok := f.intents[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return intent, nil
}

func (f *fakeStore) GetIntentByIdempotencyKey(_ context.Context, key string) (*PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.intentKeyErr != nil {
		return nil, f.intentKeyErr
	}
	for _, intent := range f.intents {
		if intent.IdempotencyKey == key {
			return intent, nil
		}
	}
	return nil, database.ErrNotFound
}

func (f *fakeStore) latestByStatus(cartPaymentID string, match func(IntentStatus) bool) *PaymentIntent {
	var candidates []*PaymentIntent
	for _, intent := range f.intents {
		if intent.CartPaymentID == cartPaymentID && match(intent.Status) {
			candidates = append(candidates, intent)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
		}
		return candidates[i].ID > candidates[j].ID
	})
	return candidates[0]
}

func (f *fakeStore) GetLatestActiveIntent(_ context.Context, cartPaymentID string) (*PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	intent := f.latestByStatus(cartPaymentID, func(s IntentStatus) bool { return !IsTerminalStatus(s) })
	if intent == nil {
		return nil, ErrNoActiveIntent
	}
	return intent, nil
}

func (f *fakeStore) GetLatestSucceededIntent(_ context.Context, cartPaymentID string) (*PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	intent := f.latestByStatus(cartPaymentID, func(s IntentStatus) bool { return s == IntentSucceeded })
	if intent == nil {
		return nil, database.ErrNotFound
	}
	return intent, nil
}

func (f *fakeStore) UpdateIntentStatus(_ context.Context, id string, to, expected IntentStatus) (*PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !CanTransition(expected, to) {
		return nil, &TransitionError{From: expected, To: to}
	}
	intent, ok := f.intents[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	if intent.Status != expected {
		return nil, &payerr.ConcurrentAccessError{EntityID: id, ExpectedStatus: string(expected)}
	}
	now := time.Now().UTC()
	intent.Status = to
	intent.UpdatedAt = now
	switch to {
	case IntentSucceeded:
		intent.CapturedAt = &now
	case IntentCancelled:
		intent.CancelledAt = &now
	}
	return intent, nil
}

func (f *fakeStore) FindDueForCapture(_ context.Context, cutoff time.Time, limit int) ([]*PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []*PaymentIntent
	for _, intent := range f.intents {
		if intent.Status == IntentRequiresCapture && intent.CaptureAfter != nil && !intent.CaptureAfter.After(cutoff) {
			due = append(due, intent)
		}
		if len(due) == limit {
			break
		}
	}
	return due, nil
}

func (f *fakeStore) FindStaleCapturing(_ context.Context, cutoff time.Time, limit int) ([]*PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var stale []*PaymentIntent
	for _, intent := range f.intents {
		if intent.Status == IntentCapturing && !intent.UpdatedAt.After(cutoff) {
			stale = append(stale, intent)
		}
		if len(stale) == limit {
			break
		}
	}
	return stale, nil
}

func (f *fakeStore) FindUnsubmitted(_ context.Context, cutoff time.Time, limit int) ([]*PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var unsubmitted []*PaymentIntent
	for _, intent := range f.intents {
		if (intent.Status == IntentInit || intent.Status == IntentPending) && !intent.UpdatedAt.After(cutoff) {
			unsubmitted = append(unsubmitted, intent)
		}
		if len(unsubmitted) == limit {
			break
		}
	}
	return unsubmitted, nil
}

func (f *fakeStore) CountIntentsRequiringCapture(_ context.Context, olderThan time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, intent := range f.intents {
		if intent.Status == IntentRequiresCapture && intent.CaptureAfter != nil && !intent.CaptureAfter.After(olderThan) {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) GetPgpIntent(_ context.Context, paymentIntentID string) (*PgpPaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.mirrors[paymentIntentID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return m, nil
}

func (f *fakeStore) UpdatePgpIntent(_ context.Context, m *PgpPaymentIntent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mirrors[m.PaymentIntentID] = m
	return nil
}

func (f *fakeStore) CreateChargePair(_ context.Context, charge *PaymentCharge, mirror *PgpPaymentCharge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charges[charge.ID] = charge
	f.chargeMirrors[charge.ID] = mirror
	return nil
}

func (f *fakeStore) GetChargeByIntent(_ context.Context, intentID string) (*PaymentCharge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, charge := range f.charges {
		if charge.PaymentIntentID == intentID {
			return charge, nil
		}
	}
	return nil, database.ErrNotFound
}

func (f *fakeStore) ApplyRefundToCharge(_ context.Context, chargeID string, amount money.Money) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	charge, ok := f.charges[chargeID]
	if !ok {
		return database.ErrNotFound
	}
	charge.AmountRefunded = charge.AmountRefunded.MustAdd(amount)
	if mirror, ok := f.chargeMirrors[chargeID]; ok {
		mirror.AmountRefunded = mirror.AmountRefunded.MustAdd(amount)
	}
	return nil
}

func (f *fakeStore) CreateRefundPair(_ context.Context, refund *Refund, mirror *PgpRefund) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds[refund.ID] = refund
	f.refundMirrors[refund.ID] = mirror
	return nil
}

func (f *fakeStore) GetRefundByIdempotencyKey(_ context.Context, key string) (*Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refundKeyErr != nil {
		return nil, f.refundKeyErr
	}
	for _, refund := range f.refunds {
		if refund.IdempotencyKey == key {
			return refund, nil
		}
	}
	return nil, database.ErrNotFound
}

func (f *fakeStore) UpdateRefundStatus(_ context.Context, id string, status RefundStatus, resourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	refund, ok := f.refunds[id]
	if !ok {
		return database.ErrNotFound
	}
	refund.Status = status
	refund.UpdatedAt = time.Now().UTC()
	if mirror, ok := f.refundMirrors[id]; ok {
		mirror.Status = status
		if resourceID != "" {
			mirror.ResourceID = resourceID
		}
	}
	return nil
}

func (f *fakeStore) UpdateLegacyChargeState(_ context.Context, intentID string, status LegacyChargeStatus, chargeResourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stripe, ok := f.stripeCharges[intentID]
	if !ok {
		return database.ErrNotFound
	}
	stripe.Status = status
	if chargeResourceID != "" {
		stripe.ChargeResourceID = chargeResourceID
	}
	stripe.UpdatedAt = time.Now().UTC()
	if consumer, ok := f.consumerCharges[stripe.LegacyConsumerChargeID]; ok {
		consumer.Status = status
		consumer.UpdatedAt = stripe.UpdatedAt
	}
	return nil
}

func (f *fakeStore) ApplyRefundToLegacy(_ context.Context, intentID string, amount money.Money) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stripe, ok := f.stripeCharges[intentID]
	if !ok {
		return database.ErrNotFound
	}
	stripe.AmountRefunded = stripe.AmountRefunded.MustAdd(amount)
	return nil
}

// fakeGateway scripts provider responses and counts calls.
type fakeGateway struct {
	mu sync.Mutex

	createErr   error
	captureErr  error
	cancelErr   error
	retrieveErr error
	refundErr   error

	// captureStatus forces the capture reply status; empty means succeeded.
	captureStatus ProviderStatus
	// retrieveResult scripts the retrieve reply; nil means requires_capture.
	retrieveResult *ProviderIntent

	createCalls   int
	captureCalls  int
	cancelCalls   int
	retrieveCalls int
	refundCalls   int

	lastCreate  *CreateIntentRequest
	lastCapture *CaptureIntentRequest
	lastCancel  *CancelIntentRequest
	lastRefund  *RefundRequest
}

func (g *fakeGateway) CreateIntent(_ context.Context, req *CreateIntentRequest) (*ProviderIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createCalls++
	g.lastCreate = req
	if g.createErr != nil {
		return nil, g.createErr
	}
	return &ProviderIntent{
		ResourceID:       fmt.Sprintf("pgp_pi_%d", g.createCalls),
		Status:           ProviderRequiresCapture,
		AmountMinor:      req.AmountMinor,
		AmountCapturable: req.AmountMinor,
	}, nil
}

func (g *fakeGateway) CaptureIntent(_ context.Context, req *CaptureIntentRequest) (*ProviderIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.captureCalls++
	g.lastCapture = req
	if g.captureErr != nil {
		return nil, g.captureErr
	}
	status := g.captureStatus
	if status == "" {
		status = ProviderSucceeded
	}
	return &ProviderIntent{
		ResourceID:       req.ResourceID,
		ChargeResourceID: fmt.Sprintf("pgp_ch_%d", g.captureCalls),
		Status:           status,
		AmountMinor:      req.AmountMinor,
		AmountReceived:   req.AmountMinor,
	}, nil
}

func (g *fakeGateway) CancelIntent(_ context.Context, req *CancelIntentRequest) (*ProviderIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelCalls++
	g.lastCancel = req
	if g.cancelErr != nil {
		return nil, g.cancelErr
	}
	return &ProviderIntent{ResourceID: req.ResourceID, Status: ProviderCanceled}, nil
}

func (g *fakeGateway) RetrieveIntent(_ context.Context, req *RetrieveIntentRequest) (*ProviderIntent, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.retrieveCalls++
	if g.retrieveErr != nil {
		return nil, g.retrieveErr
	}
	if g.retrieveResult != nil {
		return g.retrieveResult, nil
	}
	return &ProviderIntent{ResourceID: req.ResourceID, Status: ProviderRequiresCapture}, nil
}

func (g *fakeGateway) Refund(_ context.Context, req *RefundRequest) (*ProviderRefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundCalls++
	g.lastRefund = req
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	return &ProviderRefundResult{
		ResourceID: fmt.Sprintf("pgp_re_%d", g.refundCalls),
		Status:     RefundSucceeded,
	}, nil
}

// fakeLocker grants every lock unless told otherwise, recording the
// resources touched.
type fakeLocker struct {
	mu         sync.Mutex
	acquireErr error
	acquired   []string
	released   []string
}

func (l *fakeLocker) Acquire(_ context.Context, resource string, _ time.Duration, _ int) (*lock.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.acquireErr != nil {
		return nil, l.acquireErr
	}
	l.acquired = append(l.acquired, resource)
	return &lock.Handle{Resource: resource, Token: "tok"}, nil
}

func (l *fakeLocker) Release(_ context.Context, handle *lock.Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, handle.Resource)
	return nil
}

// fakePublisher collects published events.
type fakePublisher struct {
	mu     sync.Mutex
	events []*events.Event
}

func (p *fakePublisher) Publish(_ context.Context, event *events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) typesPublished() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var types []string
	for _, e := range p.events {
		types = append(types, e.Type)
	}
	return types
}
