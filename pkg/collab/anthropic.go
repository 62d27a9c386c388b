// Package collab adapts concrete third-party backends (an LLM API, a
// TTS API) into the engine's LLMStreamer, TTSSink, and StopTTSSink
// contracts, so cmd/duplexd has something real to wire instead of a
// stub. No ToolCollaborator or AgentCollaborator is implemented here.
package collab

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/lokutor-ai/duplex-engine/pkg/duplex"
)

// AnthropicStreamer streams a single-turn completion from the
// Anthropic Messages API directly over net/http, token by token via
// server-sent events, with no SDK dependency.
type AnthropicStreamer struct {
	apiKey       string
	model        string
	url          string
	systemPrompt string
	httpClient   *http.Client
}

// NewAnthropicStreamer builds a streamer for the given API key and
// model. An empty model defaults to Claude 3.5 Sonnet.
func NewAnthropicStreamer(apiKey, model, systemPrompt string) *AnthropicStreamer {
	if model == "" {
		model = "claude-3-5-sonnet-20240620"
	}
	return &AnthropicStreamer{
		apiKey:       apiKey,
		model:        model,
		url:          "https://api.anthropic.com/v1/messages",
		systemPrompt: systemPrompt,
		httpClient:   http.DefaultClient,
	}
}

type anthropicSSEEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

// Stream implements duplex.LLMStreamer by opening a streaming
// completion request and forwarding each text delta onto tokens. It
// closes tokens before returning, win or lose, as LLMStreamer requires.
func (a *AnthropicStreamer) Stream(ctx context.Context, input string, cancel *duplex.CancellationToken, tokens chan<- string) error {
	defer close(tokens)

	payload := map[string]interface{}{
		"model": a.model,
		"messages": []map[string]string{
			{"role": "user", "content": input},
		},
		"max_tokens": 1024,
		"stream":     true,
	}
	if a.systemPrompt != "" {
		payload["system"] = a.systemPrompt
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		return fmt.Errorf("anthropic stream error (status %d): %v", resp.StatusCode, errResp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if cancel.IsCancelled() {
			return nil
		}
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev anthropicSSEEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		if ev.Type != "content_block_delta" || ev.Delta.Text == "" {
			continue
		}
		select {
		case tokens <- ev.Delta.Text:
		case <-cancel.Done():
			return nil
		}
	}
	return scanner.Err()
}
