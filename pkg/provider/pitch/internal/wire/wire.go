// Package wire holds the HTTP JSON plumbing shared by the remote pitch engines.
package wire

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Thetason/obiwan-sub003/pkg/audio"
	"github.com/Thetason/obiwan-sub003/pkg/provider/pitch"
)

// maxErrorBody bounds how much of a failed response body is quoted in errors.
const maxErrorBody = 256

// AnalyzeRequest is the request body accepted by the engines' analysis endpoints.
type AnalyzeRequest struct {
	// AudioBase64 is raw little-endian float32 mono samples, base64-encoded.
	AudioBase64 string `json:"audio_base64"`
	SampleRate  int    `json:"sample_rate"`
}

// NewAnalyzeRequest encodes chunk into an [AnalyzeRequest].
func NewAnalyzeRequest(chunk audio.Chunk) AnalyzeRequest {
	return AnalyzeRequest{
		AudioBase64: base64.StdEncoding.EncodeToString(audio.EncodeFloat32LE(chunk.Samples)),
		SampleRate:  chunk.SampleRate,
	}
}

type healthResponse struct {
	Status string `json:"status"`
	Model  string `json:"model"`
}

// Probe issues GET {baseURL}/health and returns nil only for a 200 response
// whose body reports status "healthy".
func Probe(ctx context.Context, client *http.Client, baseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	var hr healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}
	if hr.Status != "healthy" {
		return fmt.Errorf("engine reports status %q", hr.Status)
	}
	return nil
}

// PostJSON sends body as JSON to url and decodes a 2xx response into out.
func PostJSON(ctx context.Context, client *http.Client, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ErrLengthMismatch is returned by [Track] when parallel arrays disagree in length.
var ErrLengthMismatch = errors.New("pitches and confidences differ in length")

// Track zips parallel pitch/confidence arrays into frames. timestamps are in
// seconds; when absent, frames are spaced step apart.
func Track(pitches, confidences, timestamps []float64, step time.Duration) ([]pitch.Frame, error) {
	if len(pitches) != len(confidences) {
		return nil, fmt.Errorf("%w: %d vs %d", ErrLengthMismatch, len(pitches), len(confidences))
	}
	frames := make([]pitch.Frame, len(pitches))
	for i := range pitches {
		offset := time.Duration(i) * step
		if i < len(timestamps) {
			offset = time.Duration(timestamps[i] * float64(time.Second))
		}
		frames[i] = pitch.Frame{Offset: offset, Frequency: pitches[i], Confidence: confidences[i]}
	}
	return frames, nil
}

// Best returns the index of the voiced frame with the highest confidence, or
// -1 if no frame is voiced. Earlier frames win ties.
func Best(frames []pitch.Frame) int {
	best := -1
	for i, f := range frames {
		if f.Frequency <= 0 {
			continue
		}
		if best < 0 || f.Confidence > frames[best].Confidence {
			best = i
		}
	}
	return best
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
}
