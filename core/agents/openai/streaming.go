package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jinzhu/copier"
	"go.opentelemetry.io/otel/attribute"

	orchestration "github.com/miavoice/mia-core/core"
)

const (
	chunkPrefix = "data:"
	endMessage  = "[DONE]"
)

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type requestBody struct {
	Model       string        `json:"model"`
	Messages    []message     `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
	Tools       []requestTool `json:"tools,omitempty"`
}

type streamingResponseBody struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// Chat streams the model's response, splitting it into speakable sentences
// as tokens arrive. Tool call deltas surface as status outputs.
func (c *Client) Chat(ctx context.Context, request orchestration.AgentRequest) orchestration.AgentStream {
	return func(yield func(orchestration.AgentOutput, error) bool) {
		ctx, span := tracer.Start(ctx, "chat completion stream")
		defer span.End()
		span.SetAttributes(attribute.String("request.model", c.model))

		var tools []requestTool
		if c.tools != nil {
			copier.Copy(&tools, c.tools)
		}

		reqBody := requestBody{
			Model:       c.model,
			Messages:    c.buildMessages(request),
			Stream:      true,
			Temperature: c.temperature,
			Tools:       tools,
		}

		requestBodyBytes, err := json.Marshal(reqBody)
		if err != nil {
			err = fmt.Errorf("error marshalling JSON: %w", err)
			span.RecordError(err)
			yield(nil, err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewBuffer(requestBodyBytes))
		if err != nil {
			err = fmt.Errorf("error creating HTTP request: %w", err)
			span.RecordError(err)
			yield(nil, err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			err = fmt.Errorf("error sending request: %w", err)
			span.RecordError(err)
			yield(nil, err)
			return
		}
		defer resp.Body.Close()

		span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
		if resp.StatusCode != http.StatusOK {
			if errorBody, readErr := io.ReadAll(resp.Body); readErr == nil {
				span.SetAttributes(attribute.String("response.error", string(errorBody)))
			}
			err := fmt.Errorf("non-OK HTTP status: %s", resp.Status)
			span.RecordError(err)
			yield(nil, err)
			return
		}

		splitter := newSentenceSplitter(c.maxSentenceLength)
		emit := func(sentence string) bool {
			sentence = strings.TrimSpace(sentence)
			if sentence == "" {
				return true
			}
			return yield(orchestration.SentenceOutput{
				DisplayText: sentence,
				TTSText:     FilterForSpeech(sentence),
			}, nil)
		}

		announcedTools := map[string]bool{}
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			chunk := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), chunkPrefix))
			if len(chunk) == 0 {
				continue
			}
			if chunk == endMessage {
				break
			}

			var responseBody streamingResponseBody
			if err := json.Unmarshal([]byte(chunk), &responseBody); err != nil {
				err = fmt.Errorf("error unmarshalling JSON: %w", err)
				span.RecordError(err)
				if !yield(nil, err) {
					return
				}
				continue
			}
			if len(responseBody.Choices) == 0 {
				continue
			}
			delta := responseBody.Choices[0].Delta

			for _, toolCall := range delta.ToolCalls {
				if toolCall.Function.Name == "" || announcedTools[toolCall.Function.Name] {
					continue
				}
				announcedTools[toolCall.Function.Name] = true
				if !yield(orchestration.ToolCallStatus{
					Name:   toolCall.Function.Name,
					Status: "running",
				}, nil) {
					return
				}
			}

			if delta.Content != "" {
				for _, sentence := range splitter.Push(delta.Content) {
					if !emit(sentence) {
						return
					}
				}
			}
		}

		if err := scanner.Err(); err != nil {
			yield(nil, fmt.Errorf("error reading streamed response: %w", err))
			return
		}

		emit(splitter.Flush())
	}
}

// HandleInterrupt records a truncated response so the next request can tell
// the model its previous answer was cut off.
func (c *Client) HandleInterrupt(_ context.Context, partialResponse string) {
	if partialResponse == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.interruptedResponses = append(c.interruptedResponses, partialResponse)
	if len(c.interruptedResponses) > interruptedResponsesCap {
		c.interruptedResponses = c.interruptedResponses[len(c.interruptedResponses)-interruptedResponsesCap:]
	}
}

func (c *Client) buildMessages(request orchestration.AgentRequest) []message {
	messages := []message{}

	if request.SystemPrompt != "" {
		messages = append(messages, message{Role: "system", Content: request.SystemPrompt})
	}

	if len(request.Context) > 0 {
		messages = append(messages, message{
			Role:    "system",
			Content: "Relevant memory:\n" + strings.Join(request.Context, "\n"),
		})
	}

	if len(request.History) > 0 {
		messages = append(messages, message{
			Role:    "system",
			Content: "Conversation so far:\n" + strings.Join(request.History, "\n"),
		})
	}

	c.mu.Lock()
	if len(c.interruptedResponses) > 0 {
		last := c.interruptedResponses[len(c.interruptedResponses)-1]
		messages = append(messages, message{
			Role:    "system",
			Content: fmt.Sprintf("Your previous response was interrupted by the user after: %q. Do not repeat it.", last),
		})
		c.interruptedResponses = nil
	}
	c.mu.Unlock()

	userText := request.UserText
	if userText == "" {
		userText = "Continue the conversation."
	}
	messages = append(messages, message{Role: "user", Content: userText})

	return messages
}
