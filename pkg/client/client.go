package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"neuroscan-backend/pkg/api"

	"github.com/go-resty/resty/v2"
)

// Client talks to a running neuroscan API server.
type Client struct {
	client *resty.Client
}

func New(baseURL string) *Client {
	return &Client{
		client: resty.New().SetBaseURL(baseURL).SetTimeout(2 * time.Minute),
	}
}

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
}

func parse[T any](res *resty.Response, err error) (T, error) {
	var out T
	if err != nil {
		return out, fmt.Errorf("error sending request: %w", err)
	}
	if !res.IsSuccess() {
		return out, &HTTPError{StatusCode: res.StatusCode(), Message: string(bytes.TrimSpace(res.Body()))}
	}
	if err := json.Unmarshal(res.Body(), &out); err != nil {
		return out, fmt.Errorf("error parsing response: %w", err)
	}
	return out, nil
}

func (c *Client) Labels(ctx context.Context) (api.LabelsResponse, error) {
	return parse[api.LabelsResponse](c.client.R().SetContext(ctx).Get("/api/v1/labels"))
}

func (c *Client) Predict(ctx context.Context, filename string, image []byte) (api.Prediction, error) {
	return parse[api.Prediction](c.client.R().
		SetContext(ctx).
		SetFileReader("image", filename, bytes.NewReader(image)).
		Post("/api/v1/predict"))
}

func (c *Client) Explain(ctx context.Context, filename string, image []byte) (api.ExplainResponse, error) {
	return parse[api.ExplainResponse](c.client.R().
		SetContext(ctx).
		SetFileReader("image", filename, bytes.NewReader(image)).
		Post("/api/v1/explain"))
}

func (c *Client) History(ctx context.Context, params api.HistoryParams) (api.HistoryResponse, error) {
	req := c.client.R().SetContext(ctx)
	if params.Limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(params.Limit))
	}
	if params.Label != "" {
		req.SetQueryParam("label", params.Label)
	}
	return parse[api.HistoryResponse](req.Get("/api/v1/history"))
}
