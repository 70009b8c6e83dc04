// Package httpasr provides an asr.Provider backed by a remote phoneme model
// server.
//
// Each segment is uploaded as a 16-bit mono WAV file in a multipart form to
// POST {serverURL}/transcribe together with "model" (Base|Large) and
// "device" (GPU|CPU) fields. The server answers with JSON:
//
//	{"phonemes": ["b", "i", "s", "m", ...]}
//
// HTTP 429 means the GPU quota is used up; the body's "Try again in H:MM:SS"
// hint, if present, is surfaced as asr.QuotaError.ResetIn.
package httpasr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/recitalign/pkg/audio"
	"github.com/MrWong99/recitalign/pkg/provider/asr"
)

const defaultTimeout = 60 * time.Second

var _ asr.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithTimeout sets the per-request HTTP timeout. Defaults to 60 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithHTTPClient replaces the HTTP client entirely.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements asr.Provider over HTTP.
type Provider struct {
	serverURL  string
	httpClient *http.Client
}

// New creates a Provider for the model server at serverURL. serverURL must
// be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("httpasr: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe uploads req.Samples and returns the server's phoneme tokens.
func (p *Provider) Transcribe(ctx context.Context, req asr.Request) ([]string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "segment.wav")
	if err != nil {
		return nil, fmt.Errorf("httpasr: create form file: %w", err)
	}
	if _, err := fw.Write(audio.EncodeWAV(req.Samples, req.SampleRate)); err != nil {
		return nil, fmt.Errorf("httpasr: write wav data: %w", err)
	}
	if req.Model != "" {
		if err := mw.WriteField("model", string(req.Model)); err != nil {
			return nil, fmt.Errorf("httpasr: write model field: %w", err)
		}
	}
	if req.Device != "" {
		if err := mw.WriteField("device", string(req.Device)); err != nil {
			return nil, fmt.Errorf("httpasr: write device field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("httpasr: close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/transcribe", &body)
	if err != nil {
		return nil, fmt.Errorf("httpasr: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("httpasr: http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("httpasr: read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		msg := errorMessage(data)
		qe := &asr.QuotaError{Message: msg}
		qe.ResetIn, _ = asr.ParseResetIn(msg)
		return nil, qe
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("httpasr: server returned HTTP %d: %s", resp.StatusCode, errorMessage(data))
	}

	var result struct {
		Phonemes []string `json:"phonemes"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("httpasr: parse JSON response: %w", err)
	}
	return result.Phonemes, nil
}

// errorMessage returns the "error" field of a JSON body, or the trimmed body
// itself.
func errorMessage(data []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(data))
}
