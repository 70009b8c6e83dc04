package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/recitalign/internal/api"
	"github.com/MrWong99/recitalign/internal/pipeline"
	"github.com/MrWong99/recitalign/internal/progress"
	"github.com/MrWong99/recitalign/internal/session"
	"github.com/MrWong99/recitalign/pkg/align"
	"github.com/MrWong99/recitalign/pkg/audio"
	asrmock "github.com/MrWong99/recitalign/pkg/provider/asr/mock"
	vadmock "github.com/MrWong99/recitalign/pkg/provider/vad/mock"
	"github.com/MrWong99/recitalign/pkg/reference"
	"github.com/MrWong99/recitalign/pkg/reference/referencetest"
	"github.com/MrWong99/recitalign/pkg/types"
)

type fixture struct {
	srv    *httptest.Server
	asr    *asrmock.Provider
	broker *progress.Broker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	idx := referencetest.Index()
	engine, err := align.New(idx, align.DefaultConfig())
	if err != nil {
		t.Fatalf("align.New: %v", err)
	}
	prov := &asrmock.Provider{
		Phonemes: referencetest.Phonemes(idx,
			reference.Key{Surah: 112, Ayah: 1, Word: 1},
			reference.Key{Surah: 112, Ayah: 4, Word: 5}),
	}
	det := &vadmock.Detector{Intervals: []types.Interval{{Start: 0.5, End: 4.5}}}
	p := pipeline.New(session.NewStore(), det, prov, engine)

	broker := progress.NewBroker(progress.WithBuffer(256))
	s, err := api.New(p, api.WithBroker(broker))
	if err != nil {
		t.Fatalf("api.New: %v", err)
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, asr: prov, broker: broker}
}

func wavUpload(seconds float64) []byte {
	n := int(seconds * audio.SampleRate)
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.3 * math.Sin(2*math.Pi*220*float64(i)/audio.SampleRate))
	}
	return audio.EncodeWAV(samples, audio.SampleRate)
}

func (f *fixture) upload(t *testing.T, file []byte, fields map[string]string, header http.Header) (*http.Response, pipeline.Response) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if file != nil {
		fw, err := mw.CreateFormFile("audio", "recitation.wav")
		if err != nil {
			t.Fatal(err)
		}
		_, _ = fw.Write(file)
	}
	for k, v := range fields {
		_ = mw.WriteField(k, v)
	}
	_ = mw.Close()

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/api/process", &body)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	for k, v := range header {
		req.Header[k] = v
	}
	return f.do(t, req)
}

func (f *fixture) postJSON(t *testing.T, path, body string) (*http.Response, pipeline.Response) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	return f.do(t, req)
}

func (f *fixture) do(t *testing.T, req *http.Request) (*http.Response, pipeline.Response) {
	t.Helper()
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	var out pipeline.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, out
}

func (f *fixture) process(t *testing.T) pipeline.Response {
	t.Helper()
	resp, out := f.upload(t, wavUpload(5), map[string]string{"model_name": "Base", "device": "GPU"}, nil)
	if resp.StatusCode != http.StatusOK || out.Error != "" {
		t.Fatalf("process: status %d error %q", resp.StatusCode, out.Error)
	}
	return out
}

func TestProcess(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	out := f.process(t)

	if !session.ValidID(out.AudioID) {
		t.Errorf("audio_id = %q", out.AudioID)
	}
	if len(out.Segments) != 1 {
		t.Fatalf("got %d segments, want 1", len(out.Segments))
	}
	seg := out.Segments[0]
	if seg.RefFrom != "112:1:1" || seg.RefTo != "112:4:5" || seg.Error != nil {
		t.Errorf("segment = %+v", seg)
	}
	if seg.TimeFrom != 0.4 || seg.TimeTo != 4.6 {
		t.Errorf("boundaries = [%v, %v], want padded [0.4, 4.6]", seg.TimeFrom, seg.TimeTo)
	}
}

func TestProcess_WireShape(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, _ := mw.CreateFormFile("audio", "a.wav")
	_, _ = fw.Write(wavUpload(5))
	_ = mw.Close()
	resp, err := f.srv.Client().Post(f.srv.URL+"/api/process", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["warning"]; ok {
		t.Error("warning present without a fallback")
	}
	if _, ok := raw["error"]; ok {
		t.Error("error present on success")
	}
	segs := raw["segments"].([]any)
	seg := segs[0].(map[string]any)
	for _, k := range []string{"segment", "time_from", "time_to", "ref_from", "ref_to", "matched_text", "confidence", "has_missing_words", "error"} {
		if _, ok := seg[k]; !ok {
			t.Errorf("segment lacks %q", k)
		}
	}
	if seg["error"] != nil {
		t.Errorf("error = %v, want null", seg["error"])
	}
}

func TestProcess_BadRequests(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		name   string
		file   []byte
		fields map[string]string
	}{
		{"missing audio", nil, nil},
		{"undecodable audio", []byte("this is not audio at all"), nil},
		{"non-integer field", wavUpload(1), map[string]string{"min_silence_ms": "soon"}},
		{"out of range", wavUpload(1), map[string]string{"min_speech_ms": "10"}},
		{"unknown preset", wavUpload(1), map[string]string{"preset": "whisper"}},
		{"unknown model", wavUpload(1), map[string]string{"model_name": "Huge"}},
		{"unknown device", wavUpload(1), map[string]string{"device": "TPU"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := f.upload(t, tt.file, tt.fields, nil)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			if out.Error == "" || out.Segments == nil {
				t.Errorf("body = %+v", out)
			}
		})
	}
	if n := len(f.asr.Calls()); n != 0 {
		t.Errorf("asr ran %d times on bad requests", n)
	}
}

func TestResegmentRetranscribeRealign(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.process(t)

	resp, out := f.postJSON(t, "/api/resegment",
		`{"audio_id":"`+a.AudioID+`","preset":"mujawwad","model_name":"Base","device":"CPU"}`)
	if resp.StatusCode != http.StatusOK || out.Error != "" || out.AudioID != a.AudioID {
		t.Fatalf("resegment: %d %+v", resp.StatusCode, out)
	}
	if got := out.Segments[0].TimeFrom; got != 0.2 {
		t.Errorf("mujawwad padding: time_from = %v, want 0.2", got)
	}

	_, out = f.postJSON(t, "/api/retranscribe", `{"audio_id":"`+a.AudioID+`","model_name":"Base"}`)
	if out.Error != pipeline.MsgModelUnchanged {
		t.Errorf("retranscribe same model: error = %q", out.Error)
	}

	_, out = f.postJSON(t, "/api/retranscribe", `{"audio_id":"`+a.AudioID+`","model_name":"large","device":"cpu"}`)
	if out.Error != "" || len(out.Segments) != 1 {
		t.Errorf("retranscribe large: %+v", out)
	}

	resp, out = f.postJSON(t, "/api/realign",
		`{"audio_id":"`+a.AudioID+`","timestamps":[{"start":0.5,"end":2.5},{"start":2.5,"end":4.5}]}`)
	if resp.StatusCode != http.StatusOK || len(out.Segments) != 2 {
		t.Errorf("realign: %d %+v", resp.StatusCode, out)
	}

	r, err := f.srv.Client().Get(f.srv.URL + "/api/sessions/" + a.AudioID + "/segments")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Body.Close()
	var stored pipeline.Response
	if err := json.NewDecoder(r.Body).Decode(&stored); err != nil {
		t.Fatal(err)
	}
	if stored.AudioID != a.AudioID || len(stored.Segments) != 2 {
		t.Errorf("stored = %+v", stored)
	}
}

func TestDomainErrorsAnswer200(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	const id = "00000000000000000000000000000000"

	for path, body := range map[string]string{
		"/api/resegment":    `{"audio_id":"` + id + `"}`,
		"/api/retranscribe": `{"audio_id":"` + id + `","model_name":"Large"}`,
		"/api/realign":      `{"audio_id":"` + id + `","timestamps":[{"start":0,"end":1}]}`,
	} {
		resp, out := f.postJSON(t, path, body)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, resp.StatusCode)
		}
		if out.Error != pipeline.MsgSessionNotFound {
			t.Errorf("%s error = %q", path, out.Error)
		}
	}
}

func TestRealignInvertedInterval(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.process(t)

	resp, out := f.postJSON(t, "/api/realign",
		`{"audio_id":"`+a.AudioID+`","timestamps":[{"start":0.5,"end":2.9},{"start":3,"end":1}]}`)
	if resp.StatusCode != http.StatusOK || out.Error != "" {
		t.Fatalf("status %d error %q", resp.StatusCode, out.Error)
	}
	if len(out.Segments) != 2 {
		t.Fatalf("got %d segments, want 2", len(out.Segments))
	}
	if out.Segments[1].Error == nil {
		t.Errorf("inverted segment = %+v, want a per-segment error", out.Segments[1])
	}
}

func TestJSONBadRequests(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.process(t)

	for name, tc := range map[string]struct{ path, body string }{
		"malformed":        {"/api/resegment", `{"audio_id":`},
		"unknown field":    {"/api/retranscribe", `{"audio_id":"x","modell":"Large"}`},
		"empty timestamps": {"/api/realign", `{"audio_id":"` + a.AudioID + `","timestamps":[]}`},
		"bad pad":          {"/api/resegment", `{"audio_id":"` + a.AudioID + `","pad_ms":-1}`},
	} {
		resp, out := f.postJSON(t, tc.path, tc.body)
		if resp.StatusCode != http.StatusBadRequest || out.Error == "" {
			t.Errorf("%s: status %d body %+v", name, resp.StatusCode, out)
		}
	}
}

func TestProgressStream(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/progress/req-7"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	resp, out := f.upload(t, wavUpload(5), nil, http.Header{api.RequestIDHeader: {"req-7"}})
	if resp.StatusCode != http.StatusOK || out.Error != "" {
		t.Fatalf("process: %d %q", resp.StatusCode, out.Error)
	}

	var last progress.Event
	for {
		var e progress.Event
		if err := wsjson.Read(ctx, conn, &e); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				t.Fatalf("read: %v", err)
			}
			break
		}
		if e.RequestID != "req-7" {
			t.Errorf("event for %q", e.RequestID)
		}
		last = e
	}
	if !last.Final || last.Status != progress.StatusDone {
		t.Errorf("last event = %+v", last)
	}
}
