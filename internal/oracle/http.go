package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// HTTPOptions parameterise a JSON price endpoint.
type HTTPOptions struct {
	URL       string
	Timeout   time.Duration
	UserAgent string
}

// HTTP reads prices from an endpoint returning
// {"price":"<integer>","decimals":<n>,"updated_at":<unix seconds>}.
type HTTP struct {
	opts   HTTPOptions
	logger zerolog.Logger
	client *http.Client
}

// NewHTTP constructs an HTTP feed.
func NewHTTP(opts HTTPOptions, logger zerolog.Logger) *HTTP {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &HTTP{
		opts:   opts,
		logger: logger.With().Str("component", "http_feed").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

// LatestReading fetches and decodes the current price.
func (h *HTTP) LatestReading(ctx context.Context) (Reading, error) {
	endpoint := strings.TrimSpace(h.opts.URL)
	if endpoint == "" {
		return Reading{}, errors.New("feed url not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Reading{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(h.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "presaled/1.0")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Reading{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Reading{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return Reading{}, parseHTTPError(resp.StatusCode, payload)
	}

	var body priceResponse
	if err := json.Unmarshal(payload, &body); err != nil {
		return Reading{}, err
	}

	value, ok := new(big.Int).SetString(strings.TrimSpace(body.Price), 10)
	if !ok {
		return Reading{}, fmt.Errorf("parse price %q", body.Price)
	}
	if body.UpdatedAt <= 0 {
		return Reading{}, errors.New("price response missing updated_at")
	}

	return Reading{
		Value:      value,
		Decimals:   body.Decimals,
		ObservedAt: time.Unix(body.UpdatedAt, 0).UTC(),
	}, nil
}

type priceResponse struct {
	Price     string `json:"price"`
	Decimals  uint8  `json:"decimals"`
	UpdatedAt int64  `json:"updated_at"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("price api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("price api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("price api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("price api error (%d)", status)
}

var _ PriceFeed = (*HTTP)(nil)
