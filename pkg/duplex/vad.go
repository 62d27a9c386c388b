package duplex

import "math"

// VADGate is a lightweight energy-based voice activity detector used
// to decide whether the user is speaking over the assistant's own
// playback. It requires a run of consecutive above-threshold frames
// before declaring speech, to reject spikes and echo-onset pops, and
// supports a cooldown window right after the assistant starts
// speaking so its own TTS output doesn't self-trigger a barge-in.
type VADGate struct {
	energyThreshold     float64
	configuredThreshold float64
	minSpeechFrames     int
	cooldownFrames      int

	speechFrameCount  int
	cooldownRemaining int
	lastEnergy        float64
}

// NewVADGate builds a gate from the shared Config.
func NewVADGate(cfg Config) *VADGate {
	return &VADGate{
		energyThreshold:     cfg.VADEnergyThreshold,
		configuredThreshold: cfg.VADEnergyThreshold,
		minSpeechFrames:     cfg.VADMinSpeechFrames,
		cooldownFrames:      cfg.VADCooldownFrames,
	}
}

// Detect processes one chunk of 16-bit signed mono PCM and reports
// whether sustained speech has just been confirmed. It returns false,
// without updating the speech counter, for every frame spent in
// cooldown.
func (g *VADGate) Detect(pcm []byte) bool {
	if g.cooldownRemaining > 0 {
		g.cooldownRemaining--
		return false
	}

	energy := rmsEnergy(pcm)
	g.lastEnergy = energy

	if energy > g.energyThreshold {
		g.speechFrameCount++
		return g.speechFrameCount >= g.minSpeechFrames
	}
	g.speechFrameCount = 0
	return false
}

// StartTTSCooldown arms the cooldown window. Call this the moment the
// assistant begins speaking, so its own output isn't mistaken for a
// barge-in attempt on the first few frames.
func (g *VADGate) StartTTSCooldown() {
	g.cooldownRemaining = g.cooldownFrames
	g.speechFrameCount = 0
}

// NotifyPlayback tells the gate that the assistant is actively
// outputting audio right now, so the effective energy threshold
// should be raised to avoid the speaker bleeding into the mic and
// triggering a false barge-in. playing false restores the configured
// threshold. This is a coarse stand-in for real acoustic echo
// cancellation: it trades missed quiet barge-ins during playback for
// never self-triggering on the assistant's own voice.
func (g *VADGate) NotifyPlayback(playing bool) {
	if playing {
		g.energyThreshold = math.Max(g.energyThreshold, g.basePlaybackThreshold())
	} else {
		g.energyThreshold = g.configuredThreshold
	}
}

func (g *VADGate) basePlaybackThreshold() float64 {
	return g.configuredThreshold * 7.5
}

// Reset clears all detector state.
func (g *VADGate) Reset() {
	g.speechFrameCount = 0
	g.cooldownRemaining = 0
	g.lastEnergy = 0
}

// LastEnergy returns the RMS energy computed by the most recent
// Detect call that wasn't skipped by cooldown.
func (g *VADGate) LastEnergy() float64 {
	return g.lastEnergy
}

func rmsEnergy(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}
	var sum float64
	n := 0
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		f := float64(sample) / 32768.0
		sum += f * f
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}
