// Package openai implements the agent engine against any OpenAI-compatible
// chat completions endpoint.
package openai

import (
	"net/http"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	defaultBaseURL           = "https://api.openai.com/v1"
	defaultMaxSentenceLength = 150

	// interruptedResponsesCap bounds how many truncated responses we remind
	// the model about; older ones age out.
	interruptedResponsesCap = 3
)

type Client struct {
	baseURL     string
	apiKey      string
	model       string
	temperature *float64
	tools       []Tool

	maxSentenceLength int

	httpClient *http.Client

	mu                   sync.Mutex
	interruptedResponses []string
}

type ClientOption func(*Client)

func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = baseURL
		}
	}
}

func WithTemperature(temperature float64) ClientOption {
	return func(c *Client) { c.temperature = &temperature }
}

func WithTools(tools ...Tool) ClientOption {
	return func(c *Client) { c.tools = tools }
}

// WithMaxSentenceLength tunes where the streaming splitter force-cuts
// sentences that never hit a terminator.
func WithMaxSentenceLength(chars int) ClientOption {
	return func(c *Client) {
		if chars > 0 {
			c.maxSentenceLength = chars
		}
	}
}

func NewClient(apiKey string, model string, opts ...ClientOption) *Client {
	client := &Client{
		baseURL:           defaultBaseURL,
		apiKey:            apiKey,
		model:             model,
		maxSentenceLength: defaultMaxSentenceLength,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithSpanNameFormatter(func(operationName string, request *http.Request) string {
					return operationName + " " + request.URL.Path
				}),
			),
		},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}
