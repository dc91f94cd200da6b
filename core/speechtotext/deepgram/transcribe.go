// Package deepgram implements one-shot transcription of captured audio over
// Deepgram's live listen websocket.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

const audioChunkSize = 8192

type TranscriptionClient struct {
	apiKey     string
	sampleRate int
}

type TranscriptionOption func(*TranscriptionClient)

func WithSampleRate(sampleRate int) TranscriptionOption {
	return func(c *TranscriptionClient) {
		if sampleRate > 0 {
			c.sampleRate = sampleRate
		}
	}
}

func NewTranscriptionClient(apiKey string, opts ...TranscriptionOption) (*TranscriptionClient, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram api key not found")
	}

	client := &TranscriptionClient{apiKey: apiKey, sampleRate: 16000}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Transcribe sends a complete utterance and returns its transcript once the
// stream is drained. Audio is 16-bit mono PCM at the configured sample rate.
func (c *TranscriptionClient) Transcribe(ctx context.Context, audio []byte) (string, error) {
	ctx, span := tracer.Start(ctx, "transcribe utterance")
	defer span.End()
	span.SetAttributes(attribute.Int("audio.bytes", len(audio)))

	conn, err := c.connectWebsocket(ctx)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	defer conn.Close()

	for offset := 0; offset < len(audio); offset += audioChunkSize {
		end := min(offset+audioChunkSize, len(audio))
		if err := conn.WriteMessage(websocket.BinaryMessage, audio[offset:end]); err != nil {
			span.RecordError(err)
			return "", fmt.Errorf("failed to send audio to deepgram: %w", err)
		}
	}

	if err := conn.WriteJSON(struct {
		Type string `json:"type"`
	}{Type: string(api.TypeCloseStreamResponse)}); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to close deepgram stream: %w", err)
	}

	transcript, err := readTranscript(ctx, conn)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	span.SetAttributes(attribute.Int("transcript.length", len(transcript)))
	return transcript, nil
}

func (c *TranscriptionClient) connectWebsocket(ctx context.Context) (*websocket.Conn, error) {
	listenURL, _ := url.Parse("wss://api.deepgram.com/v1/listen")
	queryParams := listenURL.Query()
	queryParams.Set("encoding", "linear16")
	queryParams.Set("sample_rate", strconv.Itoa(c.sampleRate))
	queryParams.Set("channels", "1")
	queryParams.Set("model", "nova-3")
	queryParams.Set("language", "en-US")
	queryParams.Set("smart_format", "true")
	listenURL.RawQuery = queryParams.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, listenURL.String(),
		http.Header{"Authorization": {"Token " + c.apiKey}})
	if err != nil {
		return nil, fmt.Errorf("failed to open socket connection to deepgram: %w", err)
	}
	return conn, nil
}

// readTranscript accumulates final transcript segments until the server
// closes the stream.
func readTranscript(ctx context.Context, conn *websocket.Conn) (string, error) {
	var segments []string
	for {
		if deadline, ok := ctx.Deadline(); ok {
			conn.SetReadDeadline(deadline)
		}

		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return strings.Join(segments, " "), nil
			}
			return "", fmt.Errorf("failed to read deepgram websocket message: %w", err)
		}
		if msgType == websocket.BinaryMessage {
			continue
		}

		var parsedMsg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(msg, &parsedMsg); err != nil {
			logger.Warn("failed to parse deepgram message", "error", err)
			continue
		}

		if api.TypeResponse(parsedMsg.Type) != api.TypeMessageResponse {
			continue
		}

		var msgResp api.MessageResponse
		if err := json.Unmarshal(msg, &msgResp); err != nil {
			logger.Warn("failed to parse deepgram transcript message", "error", err)
			continue
		}
		if msgResp.IsFinal && len(msgResp.Channel.Alternatives) > 0 {
			transcript := strings.TrimSpace(msgResp.Channel.Alternatives[0].Transcript)
			if transcript != "" {
				segments = append(segments, transcript)
			}
		}
	}
}
