// Package deepgram implements sentence synthesis against Deepgram's REST
// speak endpoint, returning raw 16-bit mono PCM.
package deepgram

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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
)

const speakURL = "https://api.deepgram.com/v1/speak"

const defaultVoice = "aura-2-thalia-en"

type SpeechClient struct {
	apiKey     string
	voice      string
	sampleRate int

	httpClient *http.Client
}

type SpeechOption func(*SpeechClient)

func WithVoice(voice string) SpeechOption {
	return func(c *SpeechClient) {
		if voice != "" {
			c.voice = voice
		}
	}
}

func WithSampleRate(sampleRate int) SpeechOption {
	return func(c *SpeechClient) {
		if sampleRate > 0 {
			c.sampleRate = sampleRate
		}
	}
}

func NewSpeechClient(apiKey string, opts ...SpeechOption) (*SpeechClient, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram api key not found")
	}

	client := &SpeechClient{
		apiKey:     apiKey,
		voice:      defaultVoice,
		sampleRate: 24000,
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
	return client, nil
}

func (c *SpeechClient) SampleRate() int { return c.sampleRate }

// Synthesize renders one sentence as raw PCM. Container-free linear16 comes
// back so the caller controls its own framing.
func (c *SpeechClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "synthesize sentence")
	defer span.End()
	span.SetAttributes(
		attribute.String("request.voice", c.voice),
		attribute.Int("request.text_length", len(text)),
	)

	body, err := json.Marshal(struct {
		Text string `json:"text"`
	}{Text: text})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error marshalling JSON: %w", err)
	}

	endpoint, _ := url.Parse(speakURL)
	queryParams := endpoint.Query()
	queryParams.Set("model", c.voice)
	queryParams.Set("encoding", "linear16")
	queryParams.Set("sample_rate", strconv.Itoa(c.sampleRate))
	queryParams.Set("container", "none")
	endpoint.RawQuery = queryParams.Encode()

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint.String(), bytes.NewBuffer(body))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error creating HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Token "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		if errorBody, readErr := io.ReadAll(resp.Body); readErr == nil {
			span.SetAttributes(attribute.String("response.error", string(errorBody)))
		}
		err := fmt.Errorf("non-OK HTTP status: %s", resp.Status)
		span.RecordError(err)
		return nil, err
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error reading synthesized audio: %w", err)
	}

	span.SetAttributes(attribute.Int("response.audio_bytes", len(audio)))
	return audio, nil
}
