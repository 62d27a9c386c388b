package duplex

import "errors"

var (
	// ErrCancelled is returned by CancellationToken.Check once the token
	// has fired. Cooperative cancellation is expected at every suspension
	// point; callers never surface this to an external user.
	ErrCancelled = errors.New("duplex: cancelled")

	// ErrBackpressure is returned by the throwing form of task creation
	// when the registry's per-category cap is already met.
	ErrBackpressure = errors.New("duplex: task rejected by backpressure")

	// ErrNoTTSSink is returned when Speak is called before a TTS sink has
	// been registered on the session.
	ErrNoTTSSink = errors.New("duplex: no tts sink configured")
)
