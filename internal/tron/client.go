// Package tron реализует клиент поиска входящих TRC-20 переводов
// через TronGrid.
package tron

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Transfer подтверждённый входящий перевод на адрес из пула.
type Transfer struct {
	TxID      string
	From      string
	To        string
	Value     float64
	Timestamp time.Time
	Raw       string
}

// Client клиент TronGrid API.
type Client struct {
	apiKey       string
	apiURL       string
	usdtContract string
	httpClient   *http.Client
}

// NewClient создаёт новый клиент TronGrid.
func NewClient(apiKey, apiURL, usdtContract string) *Client {
	return &Client{
		apiKey:       apiKey,
		apiURL:       apiURL,
		usdtContract: usdtContract,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
}

type trc20Tx struct {
	TransactionID  string `json:"transaction_id"`
	From           string `json:"from"`
	To             string `json:"to"`
	Value          string `json:"value"`
	BlockTimestamp int64  `json:"block_timestamp"`
}

// FindIncomingTransfer ищет подтверждённый перевод на address суммой не
// меньше minAmount, совершённый не раньше since. Возвращает nil, если
// подходящего перевода нет.
func (c *Client) FindIncomingTransfer(ctx context.Context, address string, minAmount float64, since time.Time) (*Transfer, error) {
	const op = "tron.FindIncomingTransfer"

	query := url.Values{}
	query.Set("limit", "20")
	query.Set("only_confirmed", "true")
	query.Set("contract_address", c.usdtContract)
	endpoint := fmt.Sprintf("%s/v1/accounts/%s/transactions/trc20?%s", c.apiURL, address, query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("TRON-PRO-API-KEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	var envelope struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	for _, raw := range envelope.Data {
		var tx trc20Tx
		if err := json.Unmarshal(raw, &tx); err != nil {
			continue
		}
		if tx.To != address {
			continue
		}
		units, err := strconv.ParseFloat(tx.Value, 64)
		if err != nil {
			continue
		}
		// USDT хранит суммы в минимальных единицах, 6 знаков
		value := units / 1_000_000
		txTime := time.UnixMilli(tx.BlockTimestamp)
		if !txTime.Before(since) && value >= minAmount {
			return &Transfer{
				TxID:      tx.TransactionID,
				From:      tx.From,
				To:        tx.To,
				Value:     value,
				Timestamp: txTime,
				Raw:       string(raw),
			}, nil
		}
	}
	return nil, nil
}
