package routing

import (
	"time"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
	"github.com/luonghoangminh88-hub/smsflex/internal/service/health"
)

const (
	scoreMin = 0.0
	scoreMax = 100.0

	noHistoryBase = 50.0

	fastResponseMs = 2000
	slowResponseMs = 5000

	largeStock = 100
	smallStock = 10

	recentSuccess = time.Hour
	staleSuccess  = 24 * time.Hour
)

// Score оценивает провайдера по здоровью и остатку, результат в [0,100].
// Поправки за задержку и давность успеха применяются только при наличии истории.
func Score(h *domain.ProviderHealth, stock int, now time.Time) float64 {
	if stock <= 0 {
		return scoreMin
	}

	if h == nil || h.TotalRequests == 0 {
		return clamp(noHistoryBase + stockAdjustment(stock))
	}

	score := h.SuccessRate
	switch {
	case h.AvgResponseTimeMs < fastResponseMs:
		score += 10
	case h.AvgResponseTimeMs > slowResponseMs:
		score -= 10
	}

	score += stockAdjustment(stock)

	if h.LastSuccessAt != nil {
		since := now.Sub(*h.LastSuccessAt)
		switch {
		case since < recentSuccess:
			score += 5
		case since > staleSuccess:
			score -= 10
		}
	}

	return clamp(score)
}

func stockAdjustment(stock int) float64 {
	switch {
	case stock > largeStock:
		return 10
	case stock < smallStock:
		return -10
	default:
		return 0
	}
}

func clamp(score float64) float64 {
	if score < scoreMin {
		return scoreMin
	}
	if score > scoreMax {
		return scoreMax
	}
	return score
}

// HealthSnapshot — записи здоровья на момент решения; nil-запись означает отсутствие истории.
type HealthSnapshot map[domain.ProviderID]*domain.ProviderHealth

func (s HealthSnapshot) unavailable(id domain.ProviderID) bool {
	h := s[id]
	return h != nil && h.TotalRequests > 0 && h.Status == domain.HealthStatusUnavailable
}

// SelectOptimal выбирает лучшего провайдера среди providers (в порядке приоритета).
// Возвращает false, если ни у кого нет номеров.
func SelectOptimal(providers []domain.ProviderID, snapshot HealthSnapshot, stock domain.StockSnapshot, prefs domain.ProviderPreferences, now time.Time) (domain.ProviderID, bool) {
	if !prefs.IsAuto() && stock.Of(prefs.PreferredProvider) > 0 && contains(providers, prefs.PreferredProvider) {
		return prefs.PreferredProvider, true
	}

	if len(providers) > 1 {
		var healthy []domain.ProviderID
		for _, id := range providers {
			if !snapshot.unavailable(id) {
				healthy = append(healthy, id)
			}
		}
		if len(healthy) == 1 && stock.Of(healthy[0]) > 0 {
			return healthy[0], true
		}
	}

	var (
		best      domain.ProviderID
		bestScore = -1.0
	)
	for _, id := range providers {
		available := stock.Of(id)
		if available <= 0 {
			continue
		}
		// Строгое сравнение: при равенстве остаётся провайдер с более высоким приоритетом.
		if score := Score(snapshot[id], available, now); score > bestScore {
			best, bestScore = id, score
		}
	}

	return best, best != ""
}

// BuildTryOrder строит порядок попыток. Пустой результат означает NO_STOCK_AVAILABLE.
func BuildTryOrder(optimal domain.ProviderID, providers []domain.ProviderID, snapshot HealthSnapshot, stock domain.StockSnapshot, prefs domain.ProviderPreferences) []domain.ProviderID {
	candidate := func(id domain.ProviderID) bool {
		return stock.Of(id) > 0 && health.IsUsable(snapshot[id], prefs)
	}

	if optimal != "" && candidate(optimal) {
		order := []domain.ProviderID{optimal}
		if !prefs.FallbackEnabled {
			return order
		}
		for _, id := range providers {
			if id != optimal && candidate(id) {
				order = append(order, id)
			}
		}
		return order
	}

	order := make([]domain.ProviderID, 0, len(providers))
	for _, id := range providers {
		if candidate(id) {
			order = append(order, id)
		}
	}
	return order
}

// Plan — результат маршрутизации одного запроса.
type Plan struct {
	Optimal  domain.ProviderID
	TryOrder []domain.ProviderID
	Scores   map[domain.ProviderID]float64
}

// Route объединяет выбор и построение try-order; ErrNoStockAvailable, если пробовать некого.
func Route(providers []domain.ProviderID, snapshot HealthSnapshot, stock domain.StockSnapshot, prefs domain.ProviderPreferences, now time.Time) (Plan, error) {
	plan := Plan{Scores: make(map[domain.ProviderID]float64, len(providers))}
	for _, id := range providers {
		plan.Scores[id] = Score(snapshot[id], stock.Of(id), now)
	}

	plan.Optimal, _ = SelectOptimal(providers, snapshot, stock, prefs, now)
	plan.TryOrder = BuildTryOrder(plan.Optimal, providers, snapshot, stock, prefs)
	if len(plan.TryOrder) == 0 {
		return plan, domain.ErrNoStockAvailable
	}
	return plan, nil
}

func contains(ids []domain.ProviderID, id domain.ProviderID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
