package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/luonghoangminh88-hub/smsflex/internal/api"
)

const tokenTTL = time.Hour

// result — исход одного HTTP-вызова для отчёта.
type result struct {
	ok   bool
	code string
}

func statusResult(status int, want ...int) result {
	for _, w := range want {
		if status == w {
			return result{ok: true, code: strconv.Itoa(status)}
		}
	}
	return result{code: strconv.Itoa(status)}
}

func transportResult() result {
	return result{code: "transport_error"}
}

type rentBody struct {
	Country       string `json:"country"`
	Service       string `json:"service"`
	MaxPriceMinor int64  `json:"max_price_minor,omitempty"`
}

type rentReceipt struct {
	RentalID string `json:"rental_id"`
	Provider string `json:"provider"`
}

// rentalClient ходит в HTTP API аренды от имени пользователей с подписанными токенами.
type rentalClient struct {
	baseURL string
	http    *http.Client
	auth    api.AuthConfig

	mu     sync.Mutex
	tokens map[string]string
}

func newRentalClient(baseURL string, auth api.AuthConfig, httpClient *http.Client) *rentalClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &rentalClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		auth:    auth,
		tokens:  make(map[string]string),
	}
}

func (c *rentalClient) token(userID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if token, ok := c.tokens[userID]; ok {
		return token, nil
	}
	token, err := api.IssueToken(c.auth, userID, tokenTTL)
	if err != nil {
		return "", fmt.Errorf("issue token for %s: %w", userID, err)
	}
	c.tokens[userID] = token
	return token, nil
}

func (c *rentalClient) do(ctx context.Context, method, path, userID string, body any, headers map[string]string) (*http.Response, []byte, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, nil, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, nil, err
	}
	token, err := c.token(userID)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	return resp, payload, err
}

// Rent арендует номер; replayed == true, если сервер вернул ответ из кэша идемпотентности.
func (c *rentalClient) Rent(ctx context.Context, userID, idempotencyKey string, body rentBody) (receipt rentReceipt, replayed bool, res result, err error) {
	resp, payload, err := c.do(ctx, http.MethodPost, "/rentals", userID, body, map[string]string{
		api.IdempotencyKeyHeader: idempotencyKey,
	})
	if err != nil {
		return rentReceipt{}, false, transportResult(), err
	}
	res = statusResult(resp.StatusCode, http.StatusCreated)
	if !res.ok {
		return rentReceipt{}, false, res, fmt.Errorf("rent: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	if err := json.Unmarshal(payload, &receipt); err != nil || receipt.RentalID == "" {
		return rentReceipt{}, false, result{code: "bad_body"}, fmt.Errorf("rent: decode receipt: %v", err)
	}
	return receipt, resp.Header.Get(api.ReplayedHeader) == "true", res, nil
}

// Cancel отменяет аренду с возвратом средств.
func (c *rentalClient) Cancel(ctx context.Context, userID, rentalID string) (result, error) {
	resp, payload, err := c.do(ctx, http.MethodPost, "/rentals/"+rentalID+"/cancel", userID, nil, nil)
	if err != nil {
		return transportResult(), err
	}
	res := statusResult(resp.StatusCode, http.StatusOK)
	if !res.ok {
		return res, fmt.Errorf("cancel: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	return res, nil
}
