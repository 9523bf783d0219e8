package speech

import (
	"bytes"
	"context"
	"encoding/binary"
	"mime"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/parley/internal/llm"
)

// DefaultSampleRate is assumed for raw PCM audio whose MIME type does
// not name a rate. It matches the speech model's output.
const DefaultSampleRate = 24000

// SampleRate returns the sample rate of a raw 16-bit PCM payload
// described by mimeType (e.g. "audio/L16;codec=pcm;rate=24000"), and
// false for anything that is not raw PCM.
func SampleRate(mimeType string) (int, bool) {
	mt, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		// Vendors sometimes omit the '=' on bare flags; fall back to
		// scanning for the rate parameter.
		mt, params = strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0])), scanParams(mimeType)
	}
	switch mt {
	case "audio/l16", "audio/pcm", "audio/x-pcm":
	default:
		return 0, false
	}
	if rate, err := strconv.Atoi(params["rate"]); err == nil && rate > 0 {
		return rate, true
	}
	return DefaultSampleRate, true
}

func scanParams(mimeType string) map[string]string {
	params := map[string]string{}
	for _, p := range strings.Split(mimeType, ";")[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if ok {
			params[strings.ToLower(k)] = v
		}
	}
	return params
}

// Duration estimates how long a raw PCM clip plays. Non-PCM audio
// reports zero.
func Duration(a *llm.Audio) time.Duration {
	if a == nil {
		return 0
	}
	rate, ok := SampleRate(a.MIMEType)
	if !ok {
		return 0
	}
	samples := len(a.Data) / 2
	return time.Duration(samples) * time.Second / time.Duration(rate)
}

// WAV wraps raw 16-bit mono PCM in a RIFF/WAVE container so clients
// without a PCM decoder can play it. Audio that is not raw PCM is
// returned unchanged.
func WAV(a *llm.Audio) *llm.Audio {
	rate, ok := SampleRate(a.MIMEType)
	if !ok {
		return a
	}

	const (
		channels      = 1
		bitsPerSample = 16
	)
	blockAlign := channels * bitsPerSample / 8
	byteRate := rate * blockAlign

	var buf bytes.Buffer
	buf.Grow(44 + len(a.Data))
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(a.Data)))
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(rate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(a.Data)))
	buf.Write(a.Data)

	return &llm.Audio{MIMEType: "audio/wav", Data: buf.Bytes()}
}

// Discard is a Player that plays nothing but takes as long as the clip
// would, so pacing and cancellation behave as they do with a speaker.
type Discard struct{}

// Play waits for the clip's duration or until ctx is done.
func (Discard) Play(ctx context.Context, a *llm.Audio) error {
	d := Duration(a)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
