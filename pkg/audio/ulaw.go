// Package audio provides timing arithmetic for the G.711 µ-law telephony
// codec used end-to-end by voicebridge.
//
// The carrier delivers µ-law at 8 kHz mono, one byte per sample, which makes
// every millisecond of speech exactly [BytesPerMs] bytes. All playback
// accounting (sent position, acknowledged position, truncation offsets) is
// derived from byte counts through these helpers — there is no transcoding
// anywhere in the pipeline.
package audio

import "encoding/base64"

const (
	// SampleRate is the µ-law telephony sample rate in Hz.
	SampleRate = 8000

	// BytesPerMs is the number of µ-law bytes per millisecond of audio
	// (8000 samples/s × 1 byte/sample ÷ 1000).
	BytesPerMs = SampleRate / 1000

	// FrameMs is the duration of one carrier media frame.
	FrameMs = 20

	// FrameBytes is the decoded size of one carrier media frame.
	FrameBytes = FrameMs * BytesPerMs
)

// DurationMs converts a decoded µ-law byte count to milliseconds, rounding
// to the nearest millisecond.
func DurationMs(bytes int) int {
	return (bytes*1000 + SampleRate/2) / SampleRate
}

// Base64DurationMs returns the duration in milliseconds of a base64-encoded
// µ-law payload without decoding it. Standard base64 encodes 3 bytes per 4
// characters; padding is subtracted so the decoded length is exact.
func Base64DurationMs(payload string) int {
	return DurationMs(DecodedLen(payload))
}

// DecodedLen returns the decoded byte length of a standard base64 string.
func DecodedLen(payload string) int {
	n := base64.StdEncoding.DecodedLen(len(payload))
	// DecodedLen reports the maximum; correct for padding characters.
	for i := len(payload) - 1; i >= 0 && payload[i] == '='; i-- {
		n--
	}
	return n
}
