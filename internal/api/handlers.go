package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/MrWong99/recitalign/internal/observe"
	"github.com/MrWong99/recitalign/internal/progress"
	"github.com/MrWong99/recitalign/pkg/audio"
	"github.com/MrWong99/recitalign/pkg/segment"
	"github.com/MrWong99/recitalign/pkg/types"
)

type modelFields struct {
	ModelName string `json:"model_name"`
	Device    string `json:"device"`
}

type resegmentRequest struct {
	AudioID string `json:"audio_id"`
	segment.Overrides
	modelFields
}

type retranscribeRequest struct {
	AudioID string `json:"audio_id"`
	modelFields
}

type realignRequest struct {
	AudioID    string           `json:"audio_id"`
	Timestamps []types.Interval `json:"timestamps"`
	modelFields
}

func (m modelFields) parse() (types.ModelSize, types.Device, error) {
	model, err := types.ParseModelSize(m.ModelName)
	if err != nil {
		return "", "", err
	}
	device, err := types.ParseDevice(m.Device)
	if err != nil {
		return "", "", err
	}
	return model, device, nil
}

// withProgress attaches the broker when the client sent a request id.
func (s *Server) withProgress(r *http.Request) context.Context {
	ctx := r.Context()
	if s.broker == nil {
		return ctx
	}
	if id := strings.TrimSpace(r.Header.Get(RequestIDHeader)); id != "" {
		ctx = progress.WithRequest(ctx, s.broker, id)
	}
	return ctx
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// ─── Handlers ───────────────────────────────────────────────────────────────

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		badRequest(w, "invalid multipart form: "+err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("audio")
	if err != nil {
		badRequest(w, "audio file is required")
		return
	}
	defer file.Close()

	overrides, err := formOverrides(r)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	params, err := overrides.Apply(s.defaults)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	model, device, err := modelFields{
		ModelName: r.FormValue("model_name"),
		Device:    r.FormValue("device"),
	}.parse()
	if err != nil {
		badRequest(w, err.Error())
		return
	}

	clip, err := audio.Decode(file, header.Filename)
	if err != nil {
		observe.Logger(r.Context()).Warn("audio decode failed", "file", header.Filename, "err", err)
		msg := "could not decode audio"
		if errors.Is(err, audio.ErrUnsupportedFormat) {
			msg = "unsupported audio format; upload WAV or MP3"
		}
		badRequest(w, msg)
		return
	}

	resp, err := s.pipeline.Process(s.withProgress(r), clip, params, model, device)
	respond(w, r, resp, err)
}

func formOverrides(r *http.Request) (segment.Overrides, error) {
	o := segment.Overrides{Preset: r.FormValue("preset")}
	for name, dst := range map[string]**int{
		"min_silence_ms": &o.MinSilenceMs,
		"min_speech_ms":  &o.MinSpeechMs,
		"pad_ms":         &o.PadMs,
	} {
		v := strings.TrimSpace(r.FormValue(name))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return segment.Overrides{}, fmt.Errorf("%s must be an integer", name)
		}
		*dst = &n
	}
	return o, nil
}

func (s *Server) handleResegment(w http.ResponseWriter, r *http.Request) {
	var req resegmentRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	params, err := req.Overrides.Apply(s.defaults)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	model, device, err := req.parse()
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	resp, err := s.pipeline.Resegment(s.withProgress(r), req.AudioID, params, model, device)
	respond(w, r, resp, err)
}

func (s *Server) handleRetranscribe(w http.ResponseWriter, r *http.Request) {
	var req retranscribeRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	model, device, err := req.parse()
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	resp, err := s.pipeline.Retranscribe(s.withProgress(r), req.AudioID, model, device)
	respond(w, r, resp, err)
}

func (s *Server) handleRealign(w http.ResponseWriter, r *http.Request) {
	var req realignRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	model, device, err := req.parse()
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	resp, err := s.pipeline.Realign(s.withProgress(r), req.AudioID, req.Timestamps, model, device)
	respond(w, r, resp, err)
}

func (s *Server) handleSegments(w http.ResponseWriter, r *http.Request) {
	resp, err := s.pipeline.Segments(r.Context(), r.PathValue("id"))
	respond(w, r, resp, err)
}
