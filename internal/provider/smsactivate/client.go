// Package smsactivate — адаптер провайдера с протоколом handler_api.php (SMS-Activate и совместимые).
package smsactivate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/luonghoangminh88-hub/smsflex/internal/domain"
	"github.com/luonghoangminh88-hub/smsflex/internal/version"
)

const (
	// DefaultTimeout — таймаут HTTP-клиента по умолчанию.
	DefaultTimeout = 10 * time.Second
	// DefaultRatePerSecond — сколько запросов в секунду допускает провайдер.
	DefaultRatePerSecond = 10

	maxResponseBytes = 1 << 20

	statusCancel = "8"
	statusFinish = "6"
)

// Config — параметры подключения к провайдеру.
type Config struct {
	ID      domain.ProviderID
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RatePerSecond ограничивает частоту запросов; 0 — значение по умолчанию.
	RatePerSecond float64
	// ServiceMap и CountryMap переводят внутренние коды в коды провайдера.
	// Пустая карта означает, что коды совпадают.
	ServiceMap map[string]string
	CountryMap map[string]string
}

// Client реализует domain.ProviderAdapter и domain.MarketPricer.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *log.Entry
}

// New создаёт клиента. httpClient может быть nil.
func New(cfg Config, httpClient *http.Client, logger *log.Entry) (*Client, error) {
	if cfg.ID == "" {
		return nil, errors.New("smsactivate: provider id is required")
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("smsactivate: invalid base url: %w", err)
	}
	if cfg.APIKey == "" {
		return nil, errors.New("smsactivate: api key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = DefaultRatePerSecond
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = log.New().WithField("component", "smsactivate")
	}
	burst := int(math.Max(1, math.Ceil(cfg.RatePerSecond)))

	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst),
		logger:  logger.WithField("provider", cfg.ID),
	}, nil
}

func (c *Client) ID() domain.ProviderID {
	return c.cfg.ID
}

type numberV2 struct {
	ActivationID   json.Number     `json:"activationId"`
	PhoneNumber    string          `json:"phoneNumber"`
	ActivationCost json.RawMessage `json:"activationCost"`
}

// Purchase покупает номер через getNumberV2.
func (c *Client) Purchase(ctx context.Context, country, service string, maxPriceMinor int64) (domain.Purchase, error) {
	params, err := c.target(country, service)
	if err != nil {
		return domain.Purchase{}, err
	}
	if maxPriceMinor > 0 {
		params.Set("maxPrice", formatMinor(maxPriceMinor))
	}
	return c.getNumber(ctx, params)
}

func (c *Client) getNumber(ctx context.Context, params url.Values) (domain.Purchase, error) {
	body, err := c.call(ctx, "getNumberV2", params)
	if err != nil {
		return domain.Purchase{}, err
	}
	if !strings.HasPrefix(body, "{") {
		return domain.Purchase{}, classify(body)
	}

	var resp numberV2
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return domain.Purchase{}, fmt.Errorf("%w: decode getNumberV2: %v", domain.ErrProviderTransient, err)
	}
	purchase := domain.Purchase{
		ExternalID:  resp.ActivationID.String(),
		PhoneNumber: normalizePhone(resp.PhoneNumber),
	}
	cost, err := parseMinor(strings.Trim(string(resp.ActivationCost), `"`))
	if err != nil {
		// номер уже куплен: id возвращается вместе с ошибкой, чтобы его можно было отменить
		return domain.Purchase{ExternalID: purchase.ExternalID}, fmt.Errorf("%w: activation cost: %v", domain.ErrProviderTransient, err)
	}
	purchase.CostMinor = cost
	return purchase, nil
}

// CheckStatus опрашивает getStatus.
func (c *Client) CheckStatus(ctx context.Context, externalID string) (domain.ActivationStatus, error) {
	body, err := c.call(ctx, "getStatus", url.Values{"id": {externalID}})
	if err != nil {
		return domain.ActivationStatus{}, err
	}

	switch {
	case body == "STATUS_WAIT_CODE", body == "STATUS_WAIT_RESEND", strings.HasPrefix(body, "STATUS_WAIT_RETRY"):
		return domain.ActivationStatus{State: domain.ActivationWaiting}, nil
	case strings.HasPrefix(body, "STATUS_OK:"):
		return domain.ActivationStatus{State: domain.ActivationReceived, Code: strings.TrimPrefix(body, "STATUS_OK:")}, nil
	case body == "STATUS_CANCEL":
		return domain.ActivationStatus{State: domain.ActivationCancelled}, nil
	default:
		return domain.ActivationStatus{}, classify(body)
	}
}

// Cancel отменяет активацию (setStatus=8). Уже отменённая активация не считается ошибкой.
func (c *Client) Cancel(ctx context.Context, externalID string) error {
	body, err := c.call(ctx, "setStatus", url.Values{"id": {externalID}, "status": {statusCancel}})
	if err != nil {
		return err
	}
	switch body {
	case "ACCESS_CANCEL", "ACCESS_CANCEL_ALREADY":
		return nil
	default:
		return classify(body)
	}
}

// Finish завершает активацию (setStatus=6).
func (c *Client) Finish(ctx context.Context, externalID string) error {
	body, err := c.call(ctx, "setStatus", url.Values{"id": {externalID}, "status": {statusFinish}})
	if err != nil {
		return err
	}
	if body == "ACCESS_ACTIVATION" {
		return nil
	}
	return classify(body)
}

// Stock читает getNumbersStatus; ответ — JSON вида {"tg_0":"123"}.
func (c *Client) Stock(ctx context.Context, country, service string) (int, error) {
	params, err := c.target(country, service)
	if err != nil {
		return 0, err
	}
	params.Del("service")

	body, err := c.call(ctx, "getNumbersStatus", params)
	if err != nil {
		return 0, err
	}
	if !strings.HasPrefix(body, "{") {
		return 0, classify(body)
	}

	var counts map[string]json.Number
	if err := json.Unmarshal([]byte(body), &counts); err != nil {
		return 0, fmt.Errorf("%w: decode getNumbersStatus: %v", domain.ErrProviderTransient, err)
	}

	code := c.serviceCode(service)
	total := 0
	for key, value := range counts {
		name, _, _ := strings.Cut(key, "_")
		if name != code {
			continue
		}
		n, err := value.Int64()
		if err != nil {
			continue
		}
		total += int(n)
	}
	return total, nil
}

type priceEntry struct {
	Cost  json.Number `json:"cost"`
	Count json.Number `json:"count"`
}

// MarketPrices читает getPrices: {"<country>":{"<service>":{"cost":12.5,"count":340}}}.
func (c *Client) MarketPrices(ctx context.Context, country, service string) ([]domain.MarketOffer, error) {
	params, err := c.target(country, service)
	if err != nil {
		return nil, err
	}

	body, err := c.call(ctx, "getPrices", params)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(body, "{") {
		return nil, classify(body)
	}

	var prices map[string]map[string]priceEntry
	if err := json.Unmarshal([]byte(body), &prices); err != nil {
		return nil, fmt.Errorf("%w: decode getPrices: %v", domain.ErrProviderTransient, err)
	}

	var offers []domain.MarketOffer
	countryKeys := make([]string, 0, len(prices))
	for k := range prices {
		countryKeys = append(countryKeys, k)
	}
	sort.Strings(countryKeys)
	for _, ck := range countryKeys {
		entry, ok := prices[ck][params.Get("service")]
		if !ok {
			continue
		}
		cost, err := parseMinor(entry.Cost.String())
		if err != nil {
			continue
		}
		count, _ := entry.Count.Int64()
		offers = append(offers, domain.MarketOffer{
			Provider:   c.cfg.ID,
			Operator:   "any",
			PriceMinor: cost,
			Stock:      int(count),
		})
	}
	return offers, nil
}

// PurchaseAt покупает номер не дороже цены предложения.
func (c *Client) PurchaseAt(ctx context.Context, country, service string, offer domain.MarketOffer) (domain.Purchase, error) {
	params, err := c.target(country, service)
	if err != nil {
		return domain.Purchase{}, err
	}
	if offer.PriceMinor > 0 {
		params.Set("maxPrice", formatMinor(offer.PriceMinor))
	}
	if offer.Operator != "" && offer.Operator != "any" {
		params.Set("operator", offer.Operator)
	}
	return c.getNumber(ctx, params)
}

func (c *Client) target(country, service string) (url.Values, error) {
	svc := c.serviceCode(service)
	if svc == "" {
		return nil, fmt.Errorf("%w: service %q", domain.ErrProviderUnmapped, service)
	}
	ctry := country
	if len(c.cfg.CountryMap) > 0 {
		mapped, ok := c.cfg.CountryMap[country]
		if !ok {
			return nil, fmt.Errorf("%w: country %q", domain.ErrProviderUnmapped, country)
		}
		ctry = mapped
	}
	return url.Values{"service": {svc}, "country": {ctry}}, nil
}

func (c *Client) serviceCode(service string) string {
	if len(c.cfg.ServiceMap) == 0 {
		return service
	}
	return c.cfg.ServiceMap[service]
}

// call выполняет GET handler_api.php и возвращает тело без пробелов по краям.
// Сетевые ошибки и 5xx — временные, остальные не-2xx — постоянные.
func (c *Client) call(ctx context.Context, action string, params url.Values) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%w: rate limiter: %v", domain.ErrProviderTransient, err)
	}

	query := url.Values{}
	for k, v := range params {
		query[k] = v
	}
	query.Set("api_key", c.cfg.APIKey)
	query.Set("action", action)

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/stubs/handler_api.php?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", domain.ErrProviderPermanent, err)
	}
	req.Header.Set("User-Agent", version.UserAgent())

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", domain.ErrProviderTransient, action, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("%w: read %s response: %v", domain.ErrProviderTransient, action, err)
	}
	body := strings.TrimSpace(string(raw))

	c.logger.WithFields(log.Fields{
		"action":   action,
		"status":   resp.StatusCode,
		"duration": time.Since(started),
	}).Debug("provider call finished")

	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: %s returned http %d", domain.ErrProviderTransient, action, resp.StatusCode)
	case resp.StatusCode >= 300:
		return "", fmt.Errorf("%w: %s returned http %d", domain.ErrProviderPermanent, action, resp.StatusCode)
	}
	return body, nil
}

// classify переводит текстовые ответы протокола в словарь ошибок.
func classify(body string) error {
	code, detail, _ := strings.Cut(body, ":")
	switch code {
	case "NO_NUMBERS":
		return domain.ErrProviderNoNumbers
	case "BAD_SERVICE", "BAD_COUNTRY", "WRONG_SERVICE":
		return fmt.Errorf("%w: %s", domain.ErrProviderUnmapped, body)
	case "NO_BALANCE", "BAD_KEY", "BAD_ACTION", "BANNED", "WRONG_MAX_PRICE", "NO_ACTIVATION",
		"WRONG_ACTIVATION_ID", "BAD_STATUS", "EARLY_CANCEL_DENIED", "CHANNELS_LIMIT":
		return fmt.Errorf("%w: %s", domain.ErrProviderPermanent, body)
	case "ERROR_SQL", "":
		return fmt.Errorf("%w: %s", domain.ErrProviderTransient, body)
	default:
		if detail != "" {
			return fmt.Errorf("%w: unexpected response %s (%s)", domain.ErrProviderTransient, code, detail)
		}
		return fmt.Errorf("%w: unexpected response %s", domain.ErrProviderTransient, code)
	}
}

// parseMinor переводит цену вида "12.5" в копейки.
func parseMinor(s string) (int64, error) {
	if s == "" {
		return 0, errors.New("empty price")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f < 0 {
		return 0, fmt.Errorf("negative price %s", s)
	}
	return int64(math.Round(f * 100)), nil
}

func formatMinor(minor int64) string {
	return strconv.FormatFloat(float64(minor)/100, 'f', 2, 64)
}

func normalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if phone == "" || strings.HasPrefix(phone, "+") {
		return phone
	}
	return "+" + phone
}

var (
	_ domain.ProviderAdapter = (*Client)(nil)
	_ domain.MarketPricer    = (*Client)(nil)
)
