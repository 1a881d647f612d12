package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/NeverVane/promptledger/internal/config"
	"github.com/NeverVane/promptledger/internal/logger"
	"github.com/NeverVane/promptledger/internal/storage"
)

// Wire shapes shared with the relay server
type (
	CreateAccountResponse struct {
		ID string `json:"id"`
	}

	AddRecordResponse struct {
		ID int64 `json:"id"`
	}

	RecordsResponse struct {
		Prompts []RemoteRecord `json:"prompts"`
	}

	BatchRequest struct {
		Prompts []RecordPayload `json:"prompts"`
	}

	ModelsRequest struct {
		Models []storage.ModelConfig `json:"models"`
	}

	ServerErrorResponse struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
)

// HTTPClient talks to a relay over its REST API
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewHTTPClient creates a client for the relay configured in cfg.Sync
func NewHTTPClient(cfg *config.Config) *HTTPClient {
	return NewHTTPClientWithURL(cfg.Sync.ServerURL, cfg.GetSyncTimeout())
}

// NewHTTPClientWithURL creates a client for an explicit relay URL
func NewHTTPClientWithURL(serverURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.GetLogger().WithComponent("sync-client"),
	}
}

// BaseURL returns the relay base URL
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

func (c *HTTPClient) apiURL(format string, args ...interface{}) string {
	escaped := make([]interface{}, len(args))
	for i, a := range args {
		if s, ok := a.(string); ok {
			escaped[i] = url.PathEscape(s)
		} else {
			escaped[i] = a
		}
	}
	return c.baseURL + "/api/v1" + fmt.Sprintf(format, escaped...)
}

func (c *HTTPClient) do(ctx context.Context, method, endpoint, accessToken string, body, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if accessToken != "" {
		req.Header.Set(AccessTokenHeader, accessToken)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("method", method).Msg("Relay request failed")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	c.logger.Performance(method+" "+req.URL.Path, time.Since(start))

	return c.handleResponse(resp, result)
}

// handleResponse maps relay status codes onto the remote error sentinels
func (c *HTTPClient) handleResponse(resp *http.Response, result interface{}) error {
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

		detail := strings.TrimSpace(string(bodyBytes))
		var errResp ServerErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err == nil && errResp.Error != "" {
			detail = errResp.Error
			if errResp.Message != "" {
				detail += " - " + errResp.Message
			}
		}

		var sentinel error
		switch {
		case resp.StatusCode == http.StatusNotFound:
			sentinel = ErrNotFound
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			sentinel = ErrAuthRejected
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			sentinel = ErrUnavailable
		default:
			sentinel = ErrRejected
		}
		return fmt.Errorf("%w: status %d: %s", sentinel, resp.StatusCode, detail)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("%w: invalid response body: %v", ErrUnavailable, err)
		}
	}
	return nil
}

func (c *HTTPClient) CreateAccount(ctx context.Context, req CreateAccountRequest) (string, error) {
	var result CreateAccountResponse
	if err := c.do(ctx, http.MethodPost, c.apiURL("/buckets"), "", req, &result); err != nil {
		return "", err
	}
	if result.ID == "" {
		return "", fmt.Errorf("%w: relay returned no account id", ErrRejected)
	}
	return result.ID, nil
}

func (c *HTTPClient) FetchAccount(ctx context.Context, accountID string) (*Account, error) {
	var account Account
	if err := c.do(ctx, http.MethodGet, c.apiURL("/buckets/%s", accountID), "", nil, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

func (c *HTTPClient) FetchRecords(ctx context.Context, accountID string) ([]RemoteRecord, error) {
	var result RecordsResponse
	if err := c.do(ctx, http.MethodGet, c.apiURL("/buckets/%s/prompts", accountID), "", nil, &result); err != nil {
		return nil, err
	}
	return result.Prompts, nil
}

func (c *HTTPClient) AddRecord(ctx context.Context, accountID string, record RecordPayload, accessToken string) (int64, error) {
	var result AddRecordResponse
	if err := c.do(ctx, http.MethodPost, c.apiURL("/buckets/%s/prompts", accountID), accessToken, record, &result); err != nil {
		return 0, err
	}
	return result.ID, nil
}

func (c *HTTPClient) UpdateRecord(ctx context.Context, recordID int64, accountID string, record RecordPayload, accessToken string) error {
	endpoint := c.apiURL("/buckets/%s/prompts/%s", accountID, strconv.FormatInt(recordID, 10))
	return c.do(ctx, http.MethodPut, endpoint, accessToken, record, nil)
}

func (c *HTTPClient) DeleteRecord(ctx context.Context, recordID int64, accountID, accessToken string) error {
	endpoint := c.apiURL("/buckets/%s/prompts/%s", accountID, strconv.FormatInt(recordID, 10))
	return c.do(ctx, http.MethodDelete, endpoint, accessToken, nil, nil)
}

func (c *HTTPClient) DeleteAllRecords(ctx context.Context, accountID, accessToken string) error {
	return c.do(ctx, http.MethodDelete, c.apiURL("/buckets/%s/prompts", accountID), accessToken, nil, nil)
}

func (c *HTTPClient) BatchAddRecords(ctx context.Context, accountID string, records []RecordPayload, accessToken string) error {
	if records == nil {
		records = []RecordPayload{}
	}
	body := BatchRequest{Prompts: records}
	return c.do(ctx, http.MethodPost, c.apiURL("/buckets/%s/prompts/batch", accountID), accessToken, body, nil)
}

func (c *HTTPClient) UpdateModels(ctx context.Context, accountID string, models []storage.ModelConfig, accessToken string) error {
	if models == nil {
		models = []storage.ModelConfig{}
	}
	body := ModelsRequest{Models: models}
	return c.do(ctx, http.MethodPut, c.apiURL("/buckets/%s/models", accountID), accessToken, body, nil)
}

func (c *HTTPClient) DeleteAccount(ctx context.Context, accountID, accessToken string) error {
	return c.do(ctx, http.MethodDelete, c.apiURL("/buckets/%s", accountID), accessToken, nil, nil)
}

// Publish posts a broadcast event for accountID tagged with origin
func (c *HTTPClient) Publish(ctx context.Context, accountID, event, origin, accessToken string) error {
	body := EventMessage{Event: event, Origin: origin}
	return c.do(ctx, http.MethodPost, c.apiURL("/buckets/%s/events", accountID), accessToken, body, nil)
}

// IsTransient reports whether err is a transport-level failure
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
