package collab

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/lokutor-ai/duplex-engine/pkg/duplex"
)

// synthesisProfile tunes the Lokutor request for how a SpeechAct is
// meant to land: a backchannel is disposable filler worth rushing out
// cheaply, while a final act is the thing the user actually came for.
type synthesisProfile struct {
	steps int
	speed float64
}

var actProfiles = map[duplex.SpeechActType]synthesisProfile{
	duplex.ActBackchannel: {steps: 2, speed: 1.15},
	duplex.ActStatus:      {steps: 3, speed: 1.1},
	duplex.ActCorrection:  {steps: 6, speed: 1.0},
	duplex.ActStatement:   {steps: 5, speed: 1.05},
	duplex.ActFinal:       {steps: 8, speed: 1.0},
}

var defaultProfile = synthesisProfile{steps: 5, speed: 1.05}

func profileFor(t duplex.SpeechActType) synthesisProfile {
	if p, ok := actProfiles[t]; ok {
		return p
	}
	return defaultProfile
}

// LokutorTTS streams synthesized speech for a SpeechAct over a
// websocket connection, writing each decoded PCM chunk to play. The
// connection is kept warm across acts within a turn so a string of
// backchannels and the statement that follows don't each pay a fresh
// handshake.
type LokutorTTS struct {
	apiKey string
	host   string
	voice  string
	lang   string
	play   func([]byte) error

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewLokutorTTS builds a TTS client. play receives each decoded audio
// chunk as it streams in, typically to feed a device output buffer.
func NewLokutorTTS(apiKey, voice, lang string, play func([]byte) error) *LokutorTTS {
	return &LokutorTTS{apiKey: apiKey, host: "api.lokutor.com", voice: voice, lang: lang, play: play}
}

func (t *LokutorTTS) getConn(ctx context.Context) (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return t.conn, nil
	}
	u := url.URL{Scheme: "wss", Host: t.host, Path: "/ws", RawQuery: "api_key=" + t.apiKey}
	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to lokutor: %w", err)
	}
	t.conn = conn
	return conn, nil
}

// Sink returns a duplex.TTSSink that synthesizes and plays one
// SpeechAct at a time, blocking until the server signals end of stream
// for that act, with every audio chunk handed to play along the way.
// The act's type drives how the request is shaped, not just its text.
func (t *LokutorTTS) Sink() duplex.TTSSink {
	return func(act duplex.SpeechAct) error {
		return t.synthesize(context.Background(), act)
	}
}

func (t *LokutorTTS) synthesize(ctx context.Context, act duplex.SpeechAct) error {
	conn, err := t.getConn(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	profile := profileFor(act.Type)
	req := map[string]interface{}{
		"text":    act.Text,
		"voice":   t.voice,
		"lang":    t.lang,
		"speed":   profile.speed,
		"steps":   profile.steps,
		"version": "versa-1.0",
		"act":     string(act.Type),
	}
	if err := wsjson.Write(ctx, conn, req); err != nil {
		t.conn = nil
		conn.Close(websocket.StatusAbnormalClosure, "failed to write json")
		return fmt.Errorf("failed to send synthesis request for %s act: %w", act.Type, err)
	}

	for {
		messageType, payload, err := conn.Read(ctx)
		if err != nil {
			t.conn = nil
			conn.Close(websocket.StatusAbnormalClosure, "failed to read")
			return fmt.Errorf("failed to read from lokutor: %w", err)
		}
		switch messageType {
		case websocket.MessageBinary:
			if err := t.play(payload); err != nil {
				return err
			}
		case websocket.MessageText:
			msg := string(payload)
			if msg == "EOS" {
				return nil
			}
			if len(msg) >= 4 && msg[:4] == "ERR:" {
				return fmt.Errorf("lokutor error synthesizing %s act: %s", act.Type, msg)
			}
		}
	}
}

// Close tears down the underlying websocket connection, if any.
func (t *LokutorTTS) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		err := t.conn.Close(websocket.StatusNormalClosure, "")
		t.conn = nil
		return err
	}
	return nil
}

// StopSink implements duplex.StopTTSSink by tearing down the
// in-flight connection, which aborts whatever chunk is mid-stream.
// Dropping the socket on barge-in is deliberate: a half-sent act is
// exactly what should not keep playing.
func (t *LokutorTTS) StopSink() duplex.StopTTSSink {
	return func() error { return t.Close() }
}
