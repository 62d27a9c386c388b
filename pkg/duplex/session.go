package duplex

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ToolProgressState is the lifecycle stage of a background tool or
// agent call being narrated to the user.
type ToolProgressState string

const (
	ToolStarting  ToolProgressState = "starting"
	ToolWorking   ToolProgressState = "working"
	ToolCompleted ToolProgressState = "completed"
	ToolCancelled ToolProgressState = "cancelled"
	ToolError     ToolProgressState = "error"
)

// ToolProgress is a streaming status update for one tool or agent
// call, translated into a speech act for the user to hear while the
// work continues in the background.
type ToolProgress struct {
	State     ToolProgressState
	ToolName  string
	Message   string
	Error     string
	Timestamp time.Time
}

// TTSSink delivers a finished speech act to a host's text-to-speech
// output.
type TTSSink func(SpeechAct) error

// StopTTSSink immediately halts whatever the host's TTS output is
// currently doing, used on barge-in.
type StopTTSSink func() error

// DuplexSession is the root aggregate for one full-duplex
// conversation. It owns exactly one each of the engine's components
// and coordinates them: barge-in cancels every tracked task and the
// scheduler together, state changes flip the is-speaking flag,
// background attention events and tool progress both funnel through
// the same speech output path as the conversational turn itself.
type DuplexSession struct {
	SessionID      string
	ConversationID string
	UserID         string

	config Config
	logger Logger

	planner    *SpeechPlanner
	vad        *VADGate
	controller *ConversationController
	registry   *TaskRegistry
	events     *AttentionEventBus
	scheduler  *DeadlineScheduler

	externalBargeIn     func()
	externalStateChange func(ConversationState)

	mu              sync.Mutex
	ttsSink         TTSSink
	stopTTSSink     StopTTSSink
	isTTSPlaying    bool
	lastBargeIn     time.Time
	createdAt       time.Time
	totalSpeechActs int
	totalBargeIns   int
}

// SessionOption configures optional fields of a DuplexSession at
// construction time.
type SessionOption func(*DuplexSession)

// WithConversationID sets the conversation this session continues.
func WithConversationID(id string) SessionOption { return func(s *DuplexSession) { s.ConversationID = id } }

// WithUserID attaches a user identifier to the session.
func WithUserID(id string) SessionOption { return func(s *DuplexSession) { s.UserID = id } }

// WithOnBargeIn registers an external callback invoked after the
// session's own barge-in handling completes.
func WithOnBargeIn(fn func()) SessionOption { return func(s *DuplexSession) { s.externalBargeIn = fn } }

// WithOnStateChange registers an external callback invoked whenever
// the underlying controller's state changes.
func WithOnStateChange(fn func(ConversationState)) SessionOption {
	return func(s *DuplexSession) { s.externalStateChange = fn }
}

// WithLogger attaches a Logger; nil falls back to NoOpLogger.
func WithLogger(l Logger) SessionOption { return func(s *DuplexSession) { s.logger = orDefaultLogger(l) } }

// NewDuplexSession builds a session with a freshly generated ID and
// wires up its planner, VAD gate, controller, task registry, event
// bus, and scheduler from cfg.
func NewDuplexSession(cfg Config, opts ...SessionOption) *DuplexSession {
	s := &DuplexSession{
		SessionID: uuid.NewString(),
		config:    cfg,
		logger:    NoOpLogger{},
		createdAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ConversationID == "" {
		s.ConversationID = s.SessionID
	}

	s.planner = NewSpeechPlanner(cfg)
	s.vad = NewVADGate(cfg)
	s.controller = NewConversationController(s.planner, s.vad, cfg.BargeInCooldown, s.handleBargeIn, s.handleStateChange)
	s.registry = NewTaskRegistry(cfg, s.logger)
	s.events = NewAttentionEventBus(cfg.EventBusCapacity)
	s.scheduler = NewDeadlineScheduler(cfg.SchedulerMaxWorkers, s.logger)

	s.logger.Info("duplex session created", "session_id", s.SessionID)
	return s
}

// IsSpeaking reports whether the assistant is currently producing
// speech.
func (s *DuplexSession) IsSpeaking() bool { return s.controller.IsSpeaking() }

// State returns the session's turn-taking state.
func (s *DuplexSession) State() ConversationState { return s.controller.State() }

// SetTTSSink registers where finished speech acts are delivered.
func (s *DuplexSession) SetTTSSink(sink TTSSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ttsSink = sink
}

// SetStopTTSSink registers how to immediately halt TTS output on
// barge-in.
func (s *DuplexSession) SetStopTTSSink(sink StopTTSSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTTSSink = sink
}

// handleBargeIn runs only on a genuine barge-in: the controller itself
// already swallows any call within its cooldown window before this
// callback ever fires.
func (s *DuplexSession) handleBargeIn() {
	s.mu.Lock()
	s.lastBargeIn = time.Now()
	s.totalBargeIns++
	s.isTTSPlaying = false
	stopSink := s.stopTTSSink
	s.mu.Unlock()

	s.registry.CancelAll("")
	s.scheduler.CancelAll("")

	if stopSink != nil {
		if err := stopSink(); err != nil {
			s.logger.Error("stop tts sink error", "error", err)
		}
	}
	if s.externalBargeIn != nil {
		s.externalBargeIn()
	}
	s.logger.Info("barge-in handled", "total_barge_ins", s.totalBargeIns)
}

func (s *DuplexSession) handleStateChange(state ConversationState) {
	s.mu.Lock()
	switch state {
	case StateSpeaking, StateFullDuplex:
		s.isTTSPlaying = true
	case StateListening, StateIdle:
		s.isTTSPlaying = false
	}
	s.mu.Unlock()

	if s.externalStateChange != nil {
		s.externalStateChange(state)
	}
}

// Speak delivers a full turn of tokens through the planner and
// controller to the registered TTS sink, with barge-in support. It
// returns the speech acts actually delivered before any interruption.
func (s *DuplexSession) Speak(tokens <-chan string, hasTools bool) ([]SpeechAct, error) {
	s.mu.Lock()
	sink := s.ttsSink
	s.mu.Unlock()
	if sink == nil {
		return nil, ErrNoTTSSink
	}

	s.mu.Lock()
	s.isTTSPlaying = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.isTTSPlaying = false
		s.mu.Unlock()
	}()

	delivered := s.controller.Speak(tokens, TTSCallback(sink), hasTools)

	s.mu.Lock()
	s.totalSpeechActs += len(delivered)
	s.mu.Unlock()
	return delivered, nil
}

// StreamToolProgress converts each ToolProgress off progress into a
// status speech act and delivers it through the TTS sink, stopping
// early if cancel fires. Returns the acts actually emitted.
func (s *DuplexSession) StreamToolProgress(progress <-chan ToolProgress, cancel *CancellationToken) []SpeechAct {
	var emitted []SpeechAct
	s.mu.Lock()
	sink := s.ttsSink
	s.mu.Unlock()
	if sink == nil {
		return emitted
	}

	for {
		select {
		case <-cancel.Done():
			return emitted
		case p, ok := <-progress:
			if !ok {
				return emitted
			}
			act := toolProgressToAct(p)
			if act == nil {
				continue
			}
			if err := sink(*act); err != nil {
				s.logger.Error("tts sink error during tool progress", "error", err)
				continue
			}
			emitted = append(emitted, *act)
			s.mu.Lock()
			s.totalSpeechActs++
			s.mu.Unlock()
		}
	}
}

func toolProgressToAct(p ToolProgress) *SpeechAct {
	message := strings.TrimSpace(p.Message)
	now := time.Now()

	switch p.State {
	case ToolStarting:
		text := message
		if text == "" {
			text = fmt.Sprintf("I'm looking up %s now.", p.ToolName)
		}
		return &SpeechAct{Text: text, Type: ActStatus, CreatedAt: now}
	case ToolWorking:
		if message == "" {
			return nil
		}
		return &SpeechAct{Text: message, Type: ActStatus, CreatedAt: now}
	case ToolCompleted:
		text := message
		if text == "" {
			text = fmt.Sprintf("Got it. %s is done.", p.ToolName)
		}
		return &SpeechAct{Text: text, Type: ActStatus, CreatedAt: now}
	case ToolCancelled:
		text := message
		if text == "" {
			text = fmt.Sprintf("Stopping %s.", p.ToolName)
		}
		return &SpeechAct{Text: text, Type: ActStatus, CreatedAt: now}
	case ToolError:
		text := message
		if text == "" {
			text = fmt.Sprintf("%s hit an error.", p.ToolName)
		}
		return &SpeechAct{Text: text, Type: ActStatus, CreatedAt: now}
	default:
		return nil
	}
}

const defaultBackpressureMessage = "I am already running several lookups. Want me to finish those first?"

// DrainEventsToSpeech pulls up to maxItems queued attention events and
// speaks the ones that translate into something worth saying.
// Background loops never call the TTS sink directly; this is the one
// place that decision gets made.
func (s *DuplexSession) DrainEventsToSpeech(maxItems int) []SpeechAct {
	var emitted []SpeechAct
	s.mu.Lock()
	sink := s.ttsSink
	s.mu.Unlock()
	if sink == nil {
		return emitted
	}

	for _, ev := range s.events.Drain(maxItems) {
		act := attentionEventToAct(ev)
		if act == nil {
			continue
		}
		if err := sink(*act); err != nil {
			s.logger.Error("tts sink error during event drain", "error", err)
			continue
		}
		emitted = append(emitted, *act)
		s.mu.Lock()
		s.totalSpeechActs++
		s.mu.Unlock()
	}
	return emitted
}

func attentionEventToAct(ev AttentionEvent) *SpeechAct {
	switch ev.Kind {
	case EventBackpressureRejection:
		text := defaultBackpressureMessage
		if msg, ok := ev.Data["message"].(string); ok && msg != "" {
			text = msg
		}
		return &SpeechAct{Text: text, Type: ActStatus, CreatedAt: time.Now()}
	case EventWorldUpdate:
		return nil
	case EventPatternDetected:
		return &SpeechAct{Text: "I noticed a new pattern in the background.", Type: ActStatus, CreatedAt: time.Now()}
	default:
		return nil
	}
}

// OnAudio feeds one frame of PCM to the controller's VAD gate,
// triggering barge-in if sustained user speech is confirmed while the
// assistant is speaking.
func (s *DuplexSession) OnAudio(pcm []byte) bool {
	return s.controller.OnAudioChunk(pcm)
}

// BargeIn manually triggers a barge-in, for hosts whose VAD detection
// happens elsewhere (e.g. client-side).
func (s *DuplexSession) BargeIn(userInput string) {
	s.controller.BargeIn(userInput)
}

// GetInterruptedDraft returns what the assistant was saying the last
// time it was interrupted.
func (s *DuplexSession) GetInterruptedDraft() string {
	return s.controller.GetInterruptedDraft()
}

// RecordUserTurn appends a user utterance to the conversation history.
func (s *DuplexSession) RecordUserTurn(content string) {
	s.controller.RecordUserTurn(content)
}

// SessionMetrics summarizes a session's activity for diagnostics and
// monitoring.
type SessionMetrics struct {
	SessionID         string
	ConversationID    string
	State             ConversationState
	IsTTSPlaying      bool
	TotalSpeechActs   int
	TotalBargeIns     int
	CreatedAt         time.Time
	ActiveTaskCount   map[TaskCategory]int
	EventsQueued      int
	EventsDropped     int64
	SchedulerQueued   int
	SchedulerInFlight int
	ControllerMetrics ControllerMetrics
}

// GetMetrics snapshots every component's counters into one struct.
func (s *DuplexSession) GetMetrics() SessionMetrics {
	s.mu.Lock()
	isTTSPlaying := s.isTTSPlaying
	totalActs := s.totalSpeechActs
	totalBargeIns := s.totalBargeIns
	s.mu.Unlock()

	queued, dropped := s.events.Stats()
	schedQueued, schedInFlight := s.scheduler.Stats()

	return SessionMetrics{
		SessionID:         s.SessionID,
		ConversationID:    s.ConversationID,
		State:             s.controller.State(),
		IsTTSPlaying:      isTTSPlaying,
		TotalSpeechActs:   totalActs,
		TotalBargeIns:     totalBargeIns,
		CreatedAt:         s.createdAt,
		ActiveTaskCount:   s.registry.ActiveCounts(),
		EventsQueued:      queued,
		EventsDropped:     dropped,
		SchedulerQueued:   schedQueued,
		SchedulerInFlight: schedInFlight,
		ControllerMetrics: s.controller.GetMetrics(),
	}
}

// CreateTrackedTask registers a cancellable task in the given
// category, publishing a backpressure_rejection attention event and
// returning ErrBackpressure if the category is already at its cap.
// metadata is attached to the handle verbatim and may be nil.
func (s *DuplexSession) CreateTrackedTask(category TaskCategory, metadata map[string]interface{}) (handle *TaskHandle, finish func(), err error) {
	handle, finish = s.registry.Submit(category, metadata)
	if handle == nil {
		s.publishBackpressure(category)
		return nil, nil, ErrBackpressure
	}
	return handle, finish, nil
}

// TryCreateTrackedTask is the non-throwing form of CreateTrackedTask
// for call sites that prefer to fall back gracefully on rejection.
func (s *DuplexSession) TryCreateTrackedTask(category TaskCategory, metadata map[string]interface{}) (*TaskHandle, func()) {
	handle, finish := s.registry.Submit(category, metadata)
	if handle == nil {
		s.publishBackpressure(category)
	}
	return handle, finish
}

func (s *DuplexSession) publishBackpressure(category TaskCategory) {
	s.events.Publish(AttentionEvent{
		Kind:   EventBackpressureRejection,
		Source: "task_registry",
		Data: map[string]interface{}{
			"category": string(category),
			"message":  defaultBackpressureMessage,
		},
	})
}

// SubmitScheduledJob submits a deadline-aware job to the session's
// scheduler, returning the job's own ID. deadline is relative to now.
func (s *DuplexSession) SubmitScheduledJob(category TaskCategory, priority SchedulerPriority, deadline time.Duration, metadata map[string]interface{}, run func(*CancellationToken)) string {
	return s.scheduler.Submit(category, priority, deadline, metadata, run)
}

// Reset returns the session to its idle state: cancels in-flight
// speech, every tracked task, and every scheduled job, but keeps turn
// history and metrics counters.
func (s *DuplexSession) Reset() {
	s.controller.Reset()
	s.mu.Lock()
	s.isTTSPlaying = false
	s.lastBargeIn = time.Time{}
	s.mu.Unlock()
	s.registry.CancelAll("")
	s.scheduler.CancelAll("")
	s.logger.Info("duplex session reset", "session_id", s.SessionID)
}

// Shutdown permanently tears the session down: it cancels every
// tracked task and, unlike Reset, stops the deadline scheduler and
// blocks until every in-flight scheduled job has actually returned.
// Call it once, when the host is done with the session for good.
func (s *DuplexSession) Shutdown() {
	s.controller.Reset()
	s.registry.CancelAll("")
	s.scheduler.Stop()
	s.logger.Info("duplex session shut down", "session_id", s.SessionID)
}

// Events exposes the session's attention bus for background
// components to publish onto.
func (s *DuplexSession) Events() *AttentionEventBus { return s.events }

// History returns the most recent limit turns of conversation.
func (s *DuplexSession) History(limit int) []ConversationTurn {
	return s.controller.History(limit)
}
