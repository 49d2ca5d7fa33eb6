// Package cryptopay реализует клиент провайдера счетов Crypto Pay.
package cryptopay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Client клиент Crypto Pay API.
type Client struct {
	token      string
	apiURL     string
	httpClient *http.Client
}

// NewClient создаёт новый клиент Crypto Pay.
func NewClient(token, apiURL string) *Client {
	return &Client{
		token:      token,
		apiURL:     apiURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	url := c.apiURL + path
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Crypto-Pay-API-Token", c.token)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// CreateInvoice выставляет счёт в USDT и возвращает его вместе с
// необработанным телом ответа для журнала платежей.
func (c *Client) CreateInvoice(ctx context.Context, amount float64, payload, description string) (*Invoice, string, error) {
	const op = "cryptopay.CreateInvoice"

	req, err := c.newRequest(ctx, http.MethodPost, "/createInvoice", createInvoiceRequest{
		Asset:       "USDT",
		Amount:      amount,
		Payload:     payload,
		Description: description,
	})
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", op, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var envelope struct {
		OK     bool            `json:"ok"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, "", fmt.Errorf("%s: %w", op, err)
	}
	if !envelope.OK {
		return nil, "", fmt.Errorf("%s: provider returned not ok", op)
	}

	var invoice Invoice
	if err := json.Unmarshal(envelope.Result, &invoice); err != nil {
		return nil, "", fmt.Errorf("%s: %w", op, err)
	}
	return &invoice, string(envelope.Result), nil
}

// GetInvoice возвращает счёт по его id вместе с необработанным телом
// элемента ответа.
func (c *Client) GetInvoice(ctx context.Context, invoiceID int64) (*Invoice, string, error) {
	const op = "cryptopay.GetInvoice"

	req, err := c.newRequest(ctx, http.MethodGet, "/getInvoices?invoice_ids="+strconv.FormatInt(invoiceID, 10), nil)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", op, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var envelope struct {
		OK     bool `json:"ok"`
		Result struct {
			Items []json.RawMessage `json:"items"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, "", fmt.Errorf("%s: %w", op, err)
	}
	if !envelope.OK || len(envelope.Result.Items) == 0 {
		return nil, "", fmt.Errorf("%s: invoice %d not found", op, invoiceID)
	}

	var invoice Invoice
	if err := json.Unmarshal(envelope.Result.Items[0], &invoice); err != nil {
		return nil, "", fmt.Errorf("%s: %w", op, err)
	}
	return &invoice, string(envelope.Result.Items[0]), nil
}
