// Package httpvad provides a vad.Detector backed by a remote model server.
//
// The recording is uploaded as a 16-bit mono WAV file in a multipart form to
// POST {serverURL}/vad. The server answers with JSON:
//
//	{"intervals": [{"start": 0.42, "end": 3.10}, ...]}
//
// Usage:
//
//	d, err := httpvad.New("http://localhost:7860", httpvad.WithTimeout(2*time.Minute))
//	intervals, err := d.Detect(ctx, clip.Samples, clip.SampleRate)
package httpvad

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/recitalign/pkg/audio"
	"github.com/MrWong99/recitalign/pkg/provider/vad"
	"github.com/MrWong99/recitalign/pkg/types"
)

const defaultTimeout = 2 * time.Minute

var _ vad.Detector = (*Detector)(nil)

// Option is a functional option for configuring a Detector.
type Option func(*Detector)

// WithTimeout sets the HTTP client timeout. Defaults to 2 minutes.
func WithTimeout(d time.Duration) Option {
	return func(det *Detector) { det.httpClient.Timeout = d }
}

// WithHTTPClient replaces the HTTP client entirely.
func WithHTTPClient(c *http.Client) Option {
	return func(det *Detector) { det.httpClient = c }
}

// Detector implements vad.Detector over HTTP.
type Detector struct {
	serverURL  string
	httpClient *http.Client
}

// New creates a Detector for the model server at serverURL. serverURL must
// be non-empty.
func New(serverURL string, opts ...Option) (*Detector, error) {
	if serverURL == "" {
		return nil, errors.New("httpvad: serverURL must not be empty")
	}
	d := &Detector{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(d)
	}
	return d, nil
}

// Detect uploads samples and returns the server's intervals sorted by start.
func (d *Detector) Detect(ctx context.Context, samples []float32, sampleRate int) ([]types.Interval, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("httpvad: create form file: %w", err)
	}
	if _, err := fw.Write(audio.EncodeWAV(samples, sampleRate)); err != nil {
		return nil, fmt.Errorf("httpvad: write wav data: %w", err)
	}
	if err := mw.WriteField("sample_rate", strconv.Itoa(sampleRate)); err != nil {
		return nil, fmt.Errorf("httpvad: write sample_rate field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("httpvad: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.serverURL+"/vad", &body)
	if err != nil {
		return nil, fmt.Errorf("httpvad: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("httpvad: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("httpvad: read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("httpvad: server returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var result struct {
		Intervals []types.Interval `json:"intervals"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("httpvad: parse JSON response: %w", err)
	}
	out := result.Intervals[:0]
	for _, iv := range result.Intervals {
		if iv.End > iv.Start {
			out = append(out, iv)
		}
	}
	slices.SortStableFunc(out, func(a, b types.Interval) int { return cmp.Compare(a.Start, b.Start) })
	return out, nil
}
