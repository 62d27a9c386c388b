package duplex

import (
	"testing"
	"time"
)

func TestDuplexSessionSpeakRequiresTTSSink(t *testing.T) {
	s := NewDuplexSession(DefaultConfig())
	tokens := tokenChan("hello")
	_, err := s.Speak(tokens, false)
	if err != ErrNoTTSSink {
		t.Fatalf("expected ErrNoTTSSink, got %v", err)
	}
}

func TestDuplexSessionSpeakDelivers(t *testing.T) {
	s := NewDuplexSession(DefaultConfig())
	var delivered []SpeechAct
	s.SetTTSSink(func(a SpeechAct) error {
		delivered = append(delivered, a)
		return nil
	})

	tokens := tokenChan("This is a long enough sentence to become a real speech act. ")
	acts, err := s.Speak(tokens, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(acts) == 0 || len(delivered) != len(acts) {
		t.Fatalf("expected delivered acts to match returned acts")
	}

	m := s.GetMetrics()
	if m.TotalSpeechActs != len(acts) {
		t.Fatalf("expected metrics to track delivered acts, got %d want %d", m.TotalSpeechActs, len(acts))
	}
}

func TestDuplexSessionBargeInRespectsCooldown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BargeInCooldown = 200 * time.Millisecond
	s := NewDuplexSession(cfg)

	var stopCalls int
	s.SetStopTTSSink(func() error { stopCalls++; return nil })

	firstActDelivered := make(chan struct{}, 1)
	s.SetTTSSink(func(SpeechAct) error {
		select {
		case firstActDelivered <- struct{}{}:
		default:
		}
		return nil
	})

	tokens := make(chan string)
	deliveredCh := make(chan []SpeechAct, 1)
	go func() {
		acts, _ := s.Speak(tokens, false)
		deliveredCh <- acts
	}()

	tokens <- "A long enough statement so that barge-in has something to interrupt here. "

	select {
	case <-firstActDelivered:
	case <-time.After(time.Second):
		t.Fatal("expected first act to be delivered before triggering barge-in")
	}

	s.BargeIn("stop")
	s.BargeIn("stop again") // should be swallowed by cooldown
	close(tokens)

	<-deliveredCh

	if stopCalls != 1 {
		t.Fatalf("expected exactly one stop-tts call due to cooldown, got %d", stopCalls)
	}
	if got := s.GetMetrics().ControllerMetrics.BargeInCount; got != 1 {
		t.Fatalf("expected bargeInCount to stay at 1 across cooldown-suppressed calls, got %d", got)
	}
}

func TestDuplexSessionBackpressurePublishesAttentionEvent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxToolTasks = 0
	s := NewDuplexSession(cfg)

	_, _, err := s.CreateTrackedTask(CategoryTool, nil)
	if err != ErrBackpressure {
		t.Fatalf("expected ErrBackpressure, got %v", err)
	}

	queued, _ := s.events.Stats()
	if queued != 1 {
		t.Fatalf("expected one backpressure_rejection event queued, got %d", queued)
	}
}

func TestDuplexSessionToolProgressMapping(t *testing.T) {
	s := NewDuplexSession(DefaultConfig())
	var delivered []SpeechAct
	s.SetTTSSink(func(a SpeechAct) error {
		delivered = append(delivered, a)
		return nil
	})

	progress := make(chan ToolProgress, 3)
	progress <- ToolProgress{State: ToolStarting, ToolName: "search"}
	progress <- ToolProgress{State: ToolWorking} // no message: should be skipped
	progress <- ToolProgress{State: ToolCompleted, ToolName: "search"}
	close(progress)

	cancel := NewCancellationToken()
	emitted := s.StreamToolProgress(progress, cancel)

	if len(emitted) != 2 {
		t.Fatalf("expected 2 emitted acts (working with no message skipped), got %d", len(emitted))
	}
	if emitted[0].Text != "I'm looking up search now." {
		t.Fatalf("unexpected starting text: %q", emitted[0].Text)
	}
	if emitted[1].Text != "Got it. search is done." {
		t.Fatalf("unexpected completed text: %q", emitted[1].Text)
	}
}
