package duplex

import (
	"context"
	"strings"
	"sync"
)

// LLMStreamer generates a response token by token. Implementations
// should stop producing tokens promptly once cancel fires, and must
// close tokens before Stream returns, on every return path, since
// ThinkProgressive's range over tokens relies on that close to know
// Stage A is done.
type LLMStreamer interface {
	Stream(ctx context.Context, input string, cancel *CancellationToken, tokens chan<- string) error
}

// ToolCollaborator runs whatever tool calls the input implies and
// returns a map of tool name to a short result summary. A nil or
// empty map means no tool had anything to contribute.
type ToolCollaborator interface {
	RunTools(ctx context.Context, input string, cancel *CancellationToken) (map[string]string, error)
}

// AgentCollaborator delegates to other agents and returns a map of
// agent name to a short result summary, analogous to ToolCollaborator.
type AgentCollaborator interface {
	RunAgents(ctx context.Context, input string, cancel *CancellationToken) (map[string]string, error)
}

// Deliberation runs progressive two-stage reasoning over one turn's
// input: Stage A streams an LLM response immediately using only
// minimal context, while Stage B gathers tool and agent results in
// the background. Stage B never precedes Stage A's completion; at
// most one additive refinement is appended afterward, and only if it
// survives a contradiction guard against Stage A's own wording.
type Deliberation struct {
	llm    LLMStreamer
	tools  ToolCollaborator
	agents AgentCollaborator
}

// NewDeliberation wires a deliberation engine around its three
// external collaborators. tools and agents may be nil if a host has
// no background enrichment to offer; llm must not be nil.
func NewDeliberation(llm LLMStreamer, tools ToolCollaborator, agents AgentCollaborator) *Deliberation {
	return &Deliberation{llm: llm, tools: tools, agents: agents}
}

type richContext struct {
	tools  map[string]string
	agents map[string]string
}

// ThinkProgressive streams Stage A tokens onto out as they arrive from
// the LLM, then, once Stage A completes, appends at most one additive
// refinement built from whatever Stage B turned up, sent as a
// "\n\nOne more thing: " token followed by a token carrying the
// refinement text. out is closed when the turn is finished. The returned
// error is the LLM's own streaming error, if any; a failed or empty
// Stage B never fails the turn, it just means no additive refinement.
func (d *Deliberation) ThinkProgressive(ctx context.Context, input string, cancel *CancellationToken, out chan<- string) error {
	defer close(out)

	rich := make(chan richContext, 1)
	go func() {
		rich <- d.gatherRich(ctx, input, cancel)
	}()

	llmTokens := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.llm.Stream(ctx, input, cancel, llmTokens)
	}()

	var fastResponse strings.Builder
	for tok := range llmTokens {
		fastResponse.WriteString(tok)
		select {
		case out <- tok:
		case <-cancel.Done():
			return <-errCh
		}
	}
	streamErr := <-errCh

	if cancel.IsCancelled() {
		return streamErr
	}

	r := <-rich
	if additive := buildAdditiveRefinement(fastResponse.String(), r); additive != "" {
		select {
		case out <- "\n\nOne more thing: ":
		case <-cancel.Done():
			return streamErr
		}
		select {
		case out <- additive:
		case <-cancel.Done():
		}
	}

	return streamErr
}

func (d *Deliberation) gatherRich(ctx context.Context, input string, cancel *CancellationToken) richContext {
	var r richContext
	var wg sync.WaitGroup

	if d.agents != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res, err := d.agents.RunAgents(ctx, input, cancel); err == nil {
				r.agents = res
			}
		}()
	}
	if d.tools != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res, err := d.tools.RunTools(ctx, input, cancel); err == nil {
				r.tools = res
			}
		}()
	}
	wg.Wait()
	return r
}

var contradictionTokens = []string{" not ", " incorrect", " wrong"}
var absoluteTokens = []string{"always", "definitely", "certainly"}

// buildAdditiveRefinement builds at most one additive statement from
// one tool result Stage B turned up (an arbitrary one when there are
// several, since map order is unspecified), skipping it outright if it
// looks like it would contradict something Stage A already said with
// absolute confidence.
func buildAdditiveRefinement(fastResponse string, rich richContext) string {
	if len(rich.tools) == 0 {
		return ""
	}

	var first string
	for _, v := range rich.tools {
		first = v
		break
	}
	additive := strings.TrimSpace(truncate(first, 180))
	if additive == "" {
		return ""
	}

	lowerAdditive := strings.ToLower(additive)
	lowerFast := strings.ToLower(fastResponse)

	hasContradiction := false
	for _, tok := range contradictionTokens {
		if strings.Contains(lowerAdditive, tok) {
			hasContradiction = true
			break
		}
	}
	if !hasContradiction {
		return additive
	}

	for _, tok := range absoluteTokens {
		if strings.Contains(lowerFast, tok) {
			return ""
		}
	}
	return additive
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
