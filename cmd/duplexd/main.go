package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gen2brain/malgo"
	"github.com/joho/godotenv"

	"github.com/lokutor-ai/duplex-engine/pkg/collab"
	"github.com/lokutor-ai/duplex-engine/pkg/duplex"
)

const (
	sampleRate = 44100
	channels   = 1
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: no .env file found, using system environment variables")
	}

	anthropicKey := os.Getenv("ANTHROPIC_API_KEY")
	lokutorKey := os.Getenv("LOKUTOR_API_KEY")
	if anthropicKey == "" {
		log.Fatal("Error: ANTHROPIC_API_KEY must be set.")
	}
	if lokutorKey == "" {
		log.Fatal("Error: LOKUTOR_API_KEY must be set.")
	}

	systemPrompt := "You are a helpful and concise voice assistant. Use short sentences suitable for speech."
	llm := collab.NewAnthropicStreamer(anthropicKey, "", systemPrompt)

	cfg := duplex.DefaultConfig()
	session := duplex.NewDuplexSession(cfg, duplex.WithUserID("local"))
	deliberation := duplex.NewDeliberation(llm, nil, nil)

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		log.Fatal(err)
	}
	defer mctx.Uninit()

	var playbackMu sync.Mutex
	var playbackBytes []byte
	play := func(chunk []byte) error {
		playbackMu.Lock()
		playbackBytes = append(playbackBytes, chunk...)
		playbackMu.Unlock()
		return nil
	}

	tts := collab.NewLokutorTTS(lokutorKey, "default", "en", play)
	defer tts.Close()
	session.SetTTSSink(tts.Sink())
	session.SetStopTTSSink(tts.StopSink())

	onSamples := func(pOutput, pInput []byte, frameCount uint32) {
		if pInput != nil {
			if session.OnAudio(pInput) {
				fmt.Print("\r\033[K[BARGE-IN] user started talking\n")
				playbackMu.Lock()
				playbackBytes = nil
				playbackMu.Unlock()
			}
		}
		if pOutput != nil {
			playbackMu.Lock()
			n := copy(pOutput, playbackBytes)
			playbackBytes = playbackBytes[n:]
			playbackMu.Unlock()
			for i := n; i < len(pOutput); i++ {
				pOutput[i] = 0
			}
		}
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = channels
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = channels
	deviceConfig.SampleRate = sampleRate
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onSamples})
	if err != nil {
		log.Fatal(err)
	}
	defer device.Uninit()
	if err := device.Start(); err != nil {
		log.Fatal(err)
	}

	go serveControlChannel(session, deliberation)

	fmt.Printf("Session %s started. Listening to microphone.\n", session.SessionID)
	fmt.Println("Press Ctrl+C to exit")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	fmt.Println("\nShutting down...")
	session.Shutdown()
}

// controlMessage is the minimal wire shape the control channel
// accepts: a user turn to run through deliberation and speak back.
type controlMessage struct {
	Text string `json:"text"`
}

// serveControlChannel exposes websocket endpoints for driving the
// session remotely without real audio hardware: /turn submits a text
// turn and /metrics streams session metrics once a second. There is no
// barge-in endpoint.
func serveControlChannel(session *duplex.DuplexSession, deliberation *duplex.Deliberation) {
	mux := http.NewServeMux()
	mux.HandleFunc("/turn", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusInternalError, "closing")

		ctx := r.Context()
		var msg controlMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return
		}

		session.RecordUserTurn(msg.Text)
		tokens := make(chan string)
		cancel := duplex.NewCancellationToken()
		go func() {
			_ = deliberation.ThinkProgressive(ctx, msg.Text, cancel, tokens)
		}()

		acts, _ := session.Speak(tokens, false)
		_ = wsjson.Write(ctx, conn, map[string]interface{}{"delivered": len(acts)})
		conn.Close(websocket.StatusNormalClosure, "")
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusInternalError, "closing")
		ctx := r.Context()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m := session.GetMetrics()
				if err := wsjson.Write(ctx, conn, m); err != nil {
					return
				}
			}
		}
	})

	addr := os.Getenv("DUPLEX_CONTROL_ADDR")
	if addr == "" {
		addr = "127.0.0.1:8765"
	}
	srv := &http.Server{Addr: addr, Handler: mux}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("control channel stopped: %v", err)
	}
}
