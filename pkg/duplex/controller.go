package duplex

import (
	"strings"
	"sync"
	"time"
)

// ConversationState is a turn-taking state for a single duplex
// conversation.
type ConversationState string

const (
	StateIdle       ConversationState = "idle"
	StateListening  ConversationState = "listening"
	StateProcessing ConversationState = "processing"
	StateSpeaking   ConversationState = "speaking"
	StateFullDuplex ConversationState = "full_duplex"
)

// InterruptedDraft captures what the assistant was saying at the
// moment a barge-in cut it off, so a host can resume, rephrase, or log
// the abandoned content.
type InterruptedDraft struct {
	CompletedActs        []SpeechAct
	PendingText          string
	InterruptedAt        time.Time
	InputThatInterrupted string
}

// FullText joins the text of every act that was actually delivered
// before the interruption.
func (d InterruptedDraft) FullText() string {
	texts := make([]string, len(d.CompletedActs))
	for i, a := range d.CompletedActs {
		texts[i] = a.Text
	}
	return strings.Join(texts, " ")
}

// ConversationTurn is one entry in a conversation's turn history.
type ConversationTurn struct {
	Speaker         string // "user" or "assistant"
	Content         string
	Timestamp       time.Time
	WasInterrupted  bool
	SpeechActsCount int
}

// TTSCallback delivers one speech act to a host's text-to-speech
// output. An error aborts delivery of the remaining acts in the turn.
type TTSCallback func(SpeechAct) error

// ConversationController runs the turn-taking state machine: it
// serializes calls to Speak so only one turn is ever in flight, tracks
// which acts have been handed to TTS so a barge-in can snapshot an
// InterruptedDraft, and keeps the turn history, which nothing trims.
// Text still buffered inside the planner is not tracked, so a draft's
// PendingText is always empty.
type ConversationController struct {
	planner *SpeechPlanner
	vad     *VADGate

	onBargeIn     func()
	onStateChange func(ConversationState)

	speakMu sync.Mutex // serializes Speak itself, like the Python asyncio.Lock

	bargeInCooldown time.Duration

	mu                   sync.Mutex
	state                ConversationState
	cancelSpeech         *CancellationToken
	currentActs          []SpeechAct
	pendingText          string
	lastInterruptedDraft *InterruptedDraft
	turnHistory          []ConversationTurn
	bargeInCount         int
	speechActsDelivered  int
	lastBargeInAt        time.Time
}

// NewConversationController wires a controller around the given
// planner and VAD gate. Either callback may be nil. A second BargeIn
// call within cooldown of the first is a true no-op: no counter
// increment, no draft overwrite, no callback.
func NewConversationController(planner *SpeechPlanner, vad *VADGate, cooldown time.Duration, onBargeIn func(), onStateChange func(ConversationState)) *ConversationController {
	return &ConversationController{
		planner:         planner,
		vad:             vad,
		bargeInCooldown: cooldown,
		onBargeIn:       onBargeIn,
		onStateChange:   onStateChange,
		state:           StateIdle,
		cancelSpeech:    NewCancellationToken(),
	}
}

// State returns the controller's current turn-taking state.
func (c *ConversationController) State() ConversationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsSpeaking reports whether the assistant is currently producing
// speech, in either pure or full-duplex mode.
func (c *ConversationController) IsSpeaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateSpeaking || c.state == StateFullDuplex
}

// LastInterruptedDraft returns what the assistant was saying the last
// time it was interrupted, or nil if it has never been interrupted.
func (c *ConversationController) LastInterruptedDraft() *InterruptedDraft {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastInterruptedDraft
}

func (c *ConversationController) setState(s ConversationState) {
	c.mu.Lock()
	changed := s != c.state
	c.state = s
	c.mu.Unlock()
	if changed && c.onStateChange != nil {
		c.onStateChange(s)
	}
}

// Speak plans tokens into speech acts and delivers each one through
// tts in order, stopping early if a barge-in cancels the turn. It
// returns the acts that were actually delivered. Only one Speak call
// runs at a time; a second call blocks until the first returns.
func (c *ConversationController) Speak(tokens <-chan string, tts TTSCallback, hasTools bool) []SpeechAct {
	c.speakMu.Lock()
	defer c.speakMu.Unlock()

	c.setState(StateSpeaking)

	myToken := NewCancellationToken()
	c.mu.Lock()
	c.cancelSpeech = myToken
	c.currentActs = nil
	c.pendingText = ""
	c.mu.Unlock()

	acts := make(chan SpeechAct)
	go c.planner.PlanWithStatus(tokens, myToken, hasTools, acts)

	var delivered []SpeechAct
	interrupted := false

	for act := range acts {
		if myToken.IsCancelled() {
			interrupted = true
			break
		}

		c.mu.Lock()
		c.currentActs = append(c.currentActs, act)
		c.mu.Unlock()

		if c.vad != nil {
			c.vad.StartTTSCooldown()
		}

		if err := tts(act); err != nil {
			break
		}

		delivered = append(delivered, act)
		c.mu.Lock()
		c.speechActsDelivered++
		c.mu.Unlock()
	}

	myToken.Cancel() // stop the planner goroutine if Speak returns early
	c.setState(StateListening)

	if len(delivered) > 0 {
		texts := make([]string, len(delivered))
		for i, a := range delivered {
			texts[i] = a.Text
		}
		c.mu.Lock()
		c.turnHistory = append(c.turnHistory, ConversationTurn{
			Speaker:         "assistant",
			Content:         strings.Join(texts, " "),
			Timestamp:       time.Now(),
			WasInterrupted:  interrupted,
			SpeechActsCount: len(delivered),
		})
		c.mu.Unlock()
	}

	return delivered
}

// BargeIn cancels the speech in flight, if any, and snapshots an
// InterruptedDraft from whatever had already been delivered. userInput
// is the partial transcript of what interrupted, if known. A no-op
// when the assistant isn't currently speaking, and a true no-op - no
// counter increment, no draft overwrite, no callback - when called
// again within bargeInCooldown of the last one.
func (c *ConversationController) BargeIn(userInput string) {
	if !c.IsSpeaking() {
		return
	}

	c.mu.Lock()
	now := time.Now()
	if c.bargeInCooldown > 0 && !c.lastBargeInAt.IsZero() && now.Sub(c.lastBargeInAt) < c.bargeInCooldown {
		c.mu.Unlock()
		return
	}
	c.lastBargeInAt = now
	c.cancelSpeech.Cancel()
	c.bargeInCount++
	draft := &InterruptedDraft{
		CompletedActs:        append([]SpeechAct(nil), c.currentActs...),
		PendingText:          c.pendingText,
		InterruptedAt:        now,
		InputThatInterrupted: userInput,
	}
	c.lastInterruptedDraft = draft
	c.mu.Unlock()

	if c.onBargeIn != nil {
		c.onBargeIn()
	}
}

// OnAudioChunk feeds one frame of PCM to the VAD gate while the
// assistant is speaking, triggering BargeIn and reporting true the
// moment sustained user speech is confirmed. A no-op, returning false,
// when the assistant isn't speaking or there is no VAD gate.
func (c *ConversationController) OnAudioChunk(pcm []byte) bool {
	if c.vad == nil || !c.IsSpeaking() {
		return false
	}
	if c.vad.Detect(pcm) {
		c.BargeIn("")
		return true
	}
	return false
}

// GetInterruptedDraft returns the spoken-so-far text of the last
// interrupted draft, or "" if there is none.
func (c *ConversationController) GetInterruptedDraft() string {
	d := c.LastInterruptedDraft()
	if d == nil {
		return ""
	}
	return d.FullText()
}

// RecordUserTurn appends a user utterance to the turn history.
func (c *ConversationController) RecordUserTurn(content string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turnHistory = append(c.turnHistory, ConversationTurn{
		Speaker:   "user",
		Content:   content,
		Timestamp: time.Now(),
	})
}

// History returns the most recent limit turns, oldest first. limit <=
// 0 returns the entire history.
func (c *ConversationController) History(limit int) []ConversationTurn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit <= 0 || limit >= len(c.turnHistory) {
		out := make([]ConversationTurn, len(c.turnHistory))
		copy(out, c.turnHistory)
		return out
	}
	start := len(c.turnHistory) - limit
	out := make([]ConversationTurn, limit)
	copy(out, c.turnHistory[start:])
	return out
}

// ControllerMetrics summarizes controller activity for diagnostics.
type ControllerMetrics struct {
	State               ConversationState
	BargeInCount        int
	SpeechActsDelivered int
	TurnCount           int
	HasInterruptedDraft bool
}

// GetMetrics returns a snapshot of the controller's counters.
func (c *ConversationController) GetMetrics() ControllerMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ControllerMetrics{
		State:               c.state,
		BargeInCount:        c.bargeInCount,
		SpeechActsDelivered: c.speechActsDelivered,
		TurnCount:           len(c.turnHistory),
		HasInterruptedDraft: c.lastInterruptedDraft != nil,
	}
}

// Reset cancels any in-flight speech and returns the controller to
// its idle state, clearing drafts but keeping turn history.
func (c *ConversationController) Reset() {
	c.mu.Lock()
	c.cancelSpeech.Cancel()
	c.currentActs = nil
	c.pendingText = ""
	c.lastInterruptedDraft = nil
	c.mu.Unlock()
	c.setState(StateIdle)
	if c.vad != nil {
		c.vad.Reset()
	}
}
