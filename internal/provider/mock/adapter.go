// Package mock содержит детерминированный адаптер провайдера для тестов и локального запуска.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
)

// CallCounts — сколько раз вызывался каждый метод адаптера.
type CallCounts struct {
	Purchase    int
	PurchaseAt  int
	CheckStatus int
	Cancel      int
	Finish      int
	Stock       int
	Market      int
}

// Total — общее число обращений к провайдеру.
func (c CallCounts) Total() int {
	return c.Purchase + c.PurchaseAt + c.CheckStatus + c.Cancel + c.Finish + c.Stock + c.Market
}

type activation struct {
	phone        string
	state        domain.ActivationState
	code         string
	statusChecks int
}

// Adapter — сценарный адаптер: ответы на Purchase задаются очередью ошибок,
// nil в очереди означает успешную покупку.
type Adapter struct {
	mu sync.Mutex

	id          domain.ProviderID
	stock       int
	stockErr    error
	costMinor   int64
	latency     time.Duration
	script      []error
	fallbackErr error
	panicOnBuy  bool
	cancelErr   error
	partialErr  error
	market      []domain.MarketOffer
	marketErr   error
	autoCode    int
	seq         int
	calls       CallCounts
	cancelled   []string
	activations map[string]*activation
}

// Option настраивает Adapter.
type Option func(*Adapter)

// WithStock задаёт остаток номеров.
func WithStock(stock int) Option {
	return func(a *Adapter) { a.stock = stock }
}

// WithStockError заставляет Stock возвращать ошибку.
func WithStockError(err error) Option {
	return func(a *Adapter) { a.stockErr = err }
}

// WithCost задаёт себестоимость номера.
func WithCost(costMinor int64) Option {
	return func(a *Adapter) { a.costMinor = costMinor }
}

// WithLatency добавляет задержку к каждому Purchase (с учётом ctx).
func WithLatency(latency time.Duration) Option {
	return func(a *Adapter) { a.latency = latency }
}

// WithPurchaseErrors задаёт очередь результатов Purchase.
func WithPurchaseErrors(errs ...error) Option {
	return func(a *Adapter) { a.script = append(a.script, errs...) }
}

// WithFailingPurchases заставляет Purchase падать с err после исчерпания очереди.
func WithFailingPurchases(err error) Option {
	return func(a *Adapter) { a.fallbackErr = err }
}

// WithPanic заставляет Purchase паниковать.
func WithPanic() Option {
	return func(a *Adapter) { a.panicOnBuy = true }
}

// WithCancelError заставляет Cancel возвращать ошибку.
func WithCancelError(err error) Option {
	return func(a *Adapter) { a.cancelErr = err }
}

// WithPartialPurchase заставляет следующую покупку выдать номер вместе с ошибкой err.
func WithPartialPurchase(err error) Option {
	return func(a *Adapter) { a.partialErr = err }
}

// WithMarket задаёт рыночные предложения для динамической цены.
func WithMarket(offers ...domain.MarketOffer) Option {
	return func(a *Adapter) { a.market = append(a.market, offers...) }
}

// WithMarketError заставляет MarketPrices возвращать ошибку.
func WithMarketError(err error) Option {
	return func(a *Adapter) { a.marketErr = err }
}

// WithAutoCode выдаёт код после checks проверок статуса.
func WithAutoCode(checks int) Option {
	return func(a *Adapter) { a.autoCode = checks }
}

// New создаёт адаптер с остатком 100 и себестоимостью 1000.
func New(id domain.ProviderID, options ...Option) *Adapter {
	a := &Adapter{
		id:          id,
		stock:       100,
		costMinor:   1000,
		activations: make(map[string]*activation),
	}
	for _, option := range options {
		option(a)
	}
	return a
}

func (a *Adapter) ID() domain.ProviderID {
	return a.id
}

func (a *Adapter) Purchase(ctx context.Context, country, service string, maxPriceMinor int64) (domain.Purchase, error) {
	a.mu.Lock()
	a.calls.Purchase++
	a.mu.Unlock()

	return a.purchase(ctx, maxPriceMinor, a.costMinor)
}

func (a *Adapter) purchase(ctx context.Context, maxPriceMinor, costMinor int64) (domain.Purchase, error) {
	if a.panicOnBuy {
		panic(fmt.Sprintf("mock provider %s exploded", a.id))
	}

	if a.latency > 0 {
		timer := time.NewTimer(a.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return domain.Purchase{}, fmt.Errorf("%w: %v", domain.ErrProviderTransient, ctx.Err())
		case <-timer.C:
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var err error
	if len(a.script) > 0 {
		err = a.script[0]
		a.script = a.script[1:]
	} else {
		err = a.fallbackErr
	}
	if err != nil {
		return domain.Purchase{}, err
	}
	if a.stock <= 0 {
		return domain.Purchase{}, domain.ErrProviderNoNumbers
	}
	if maxPriceMinor > 0 && costMinor > maxPriceMinor {
		return domain.Purchase{}, fmt.Errorf("%w: price %d above max %d", domain.ErrProviderPermanent, costMinor, maxPriceMinor)
	}

	a.seq++
	a.stock--
	externalID := fmt.Sprintf("%s-%d", a.id, a.seq)
	phone := fmt.Sprintf("+7900%07d", a.seq)
	a.activations[externalID] = &activation{phone: phone, state: domain.ActivationWaiting}

	if a.partialErr != nil {
		err, a.partialErr = a.partialErr, nil
		return domain.Purchase{ExternalID: externalID}, err
	}
	return domain.Purchase{ExternalID: externalID, PhoneNumber: phone, CostMinor: costMinor}, nil
}

func (a *Adapter) CheckStatus(_ context.Context, externalID string) (domain.ActivationStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls.CheckStatus++
	act, ok := a.activations[externalID]
	if !ok {
		return domain.ActivationStatus{}, fmt.Errorf("%w: unknown activation %s", domain.ErrProviderPermanent, externalID)
	}
	act.statusChecks++
	if a.autoCode > 0 && act.state == domain.ActivationWaiting && act.statusChecks >= a.autoCode {
		act.state = domain.ActivationReceived
		act.code = fmt.Sprintf("%06d", a.seq*7919%1000000)
	}
	return domain.ActivationStatus{State: act.state, Code: act.code}, nil
}

func (a *Adapter) Cancel(_ context.Context, externalID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls.Cancel++
	if a.cancelErr != nil {
		return a.cancelErr
	}
	a.cancelled = append(a.cancelled, externalID)
	if act, ok := a.activations[externalID]; ok {
		act.state = domain.ActivationCancelled
	}
	return nil
}

func (a *Adapter) Finish(_ context.Context, externalID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls.Finish++
	act, ok := a.activations[externalID]
	if !ok {
		return fmt.Errorf("%w: unknown activation %s", domain.ErrProviderPermanent, externalID)
	}
	act.state = domain.ActivationFinished
	return nil
}

func (a *Adapter) Stock(_ context.Context, _, _ string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls.Stock++
	if a.stockErr != nil {
		return 0, a.stockErr
	}
	return a.stock, nil
}

func (a *Adapter) MarketPrices(_ context.Context, _, _ string) ([]domain.MarketOffer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls.Market++
	if a.marketErr != nil {
		return nil, a.marketErr
	}
	offers := make([]domain.MarketOffer, 0, len(a.market))
	for _, offer := range a.market {
		offer.Provider = a.id
		offers = append(offers, offer)
	}
	return offers, nil
}

func (a *Adapter) PurchaseAt(ctx context.Context, _, _ string, offer domain.MarketOffer) (domain.Purchase, error) {
	a.mu.Lock()
	a.calls.PurchaseAt++
	a.mu.Unlock()

	return a.purchase(ctx, 0, offer.PriceMinor)
}

// DeliverCode имитирует приход SMS.
func (a *Adapter) DeliverCode(externalID, code string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if act, ok := a.activations[externalID]; ok {
		act.state = domain.ActivationReceived
		act.code = code
	}
}

// SetStock меняет остаток.
func (a *Adapter) SetStock(stock int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stock = stock
}

// Calls возвращает копию счётчиков вызовов.
func (a *Adapter) Calls() CallCounts {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Cancelled возвращает external id, по которым пришёл Cancel.
func (a *Adapter) Cancelled() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.cancelled...)
}

var (
	_ domain.ProviderAdapter = (*Adapter)(nil)
	_ domain.MarketPricer    = (*Adapter)(nil)
)
