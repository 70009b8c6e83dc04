// Package mcpserver exposes the recitation pipeline as MCP tools over the
// streamable HTTP transport.
//
// Tools:
//
//	process_audio_file       run the full pipeline on a file under AudioRoot
//	resegment_session        re-clean the boundaries of a cached session
//	retranscribe_session     re-run ASR on a session with another model
//	realign_from_timestamps  align client-supplied boundaries
//
// Each tool returns the same JSON document as the HTTP API, both as text
// content and as structured output.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/recitalign/internal/observe"
	"github.com/MrWong99/recitalign/internal/pipeline"
	"github.com/MrWong99/recitalign/pkg/audio"
	"github.com/MrWong99/recitalign/pkg/segment"
	"github.com/MrWong99/recitalign/pkg/types"
)

// ErrOutsideRoot is returned for a process_audio_file path that escapes the
// configured audio root.
var ErrOutsideRoot = errors.New("mcpserver: path outside audio root")

// Config configures the tool server.
type Config struct {
	// Enabled mounts the server on /mcp.
	Enabled bool `yaml:"enabled"`

	// AudioRoot is the directory process_audio_file may read from. When
	// empty the tool is not offered.
	AudioRoot string `yaml:"audio_root"`

	// DefaultPreset supplies segmentation values the caller leaves out.
	DefaultPreset string `yaml:"-"`
}

// Server wraps an MCP server whose tools call the pipeline.
type Server struct {
	cfg      Config
	pipeline *pipeline.Pipeline
	defaults segment.Params
	mcp      *mcp.Server
}

// New builds the tool server. version is reported to clients.
func New(p *pipeline.Pipeline, cfg Config, version string) (*Server, error) {
	if cfg.DefaultPreset == "" {
		cfg.DefaultPreset = segment.DefaultPreset
	}
	defaults, err := segment.Preset(cfg.DefaultPreset)
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:      cfg,
		pipeline: p,
		defaults: defaults,
		mcp:      mcp.NewServer(&mcp.Implementation{Name: "recitalign", Version: version}, nil),
	}

	if cfg.AudioRoot != "" {
		mcp.AddTool(s.mcp, &mcp.Tool{
			Name:        "process_audio_file",
			Description: "Segment, transcribe and align a recitation recording (WAV or MP3) stored on the server. Returns an audio_id for follow-up calls.",
		}, s.processAudioFile)
	}
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "resegment_session",
		Description: "Re-clean the speech boundaries of a cached recording with new silence, speech and padding settings, then re-transcribe and re-align.",
	}, s.resegmentSession)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "retranscribe_session",
		Description: "Re-run phoneme recognition on the current boundaries of a cached recording with a different model, then re-align.",
	}, s.retranscribeSession)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "realign_from_timestamps",
		Description: "Transcribe and align caller-supplied segment boundaries verbatim. Returns exactly one segment per timestamp pair.",
	}, s.realignFromTimestamps)
	return s, nil
}

// Handler returns the streamable HTTP handler.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcp }, nil)
}

// ─── Tool inputs ────────────────────────────────────────────────────────────

type processArgs struct {
	Path         string `json:"path" jsonschema:"path of the recording, relative to the server's audio directory"`
	Preset       string `json:"preset,omitempty" jsonschema:"recitation style preset: mujawwad, murattal or fast"`
	MinSilenceMs *int   `json:"min_silence_ms,omitempty" jsonschema:"minimum silence that splits two segments, 25-1000 ms"`
	MinSpeechMs  *int   `json:"min_speech_ms,omitempty" jsonschema:"minimum speech length kept as a segment, 500-2000 ms"`
	PadMs        *int   `json:"pad_ms,omitempty" jsonschema:"padding added to each side of a segment, 0-300 ms"`
	ModelName    string `json:"model_name,omitempty" jsonschema:"ASR model: Base (default) or Large"`
	Device       string `json:"device,omitempty" jsonschema:"GPU (default) or CPU"`
}

type resegmentArgs struct {
	AudioID      string `json:"audio_id" jsonschema:"id returned by a previous call"`
	Preset       string `json:"preset,omitempty" jsonschema:"recitation style preset: mujawwad, murattal or fast"`
	MinSilenceMs *int   `json:"min_silence_ms,omitempty" jsonschema:"minimum silence that splits two segments, 25-1000 ms"`
	MinSpeechMs  *int   `json:"min_speech_ms,omitempty" jsonschema:"minimum speech length kept as a segment, 500-2000 ms"`
	PadMs        *int   `json:"pad_ms,omitempty" jsonschema:"padding added to each side of a segment, 0-300 ms"`
	ModelName    string `json:"model_name,omitempty" jsonschema:"ASR model: Base (default) or Large"`
	Device       string `json:"device,omitempty" jsonschema:"GPU (default) or CPU"`
}

type retranscribeArgs struct {
	AudioID   string `json:"audio_id" jsonschema:"id returned by a previous call"`
	ModelName string `json:"model_name,omitempty" jsonschema:"ASR model: Base (default) or Large"`
	Device    string `json:"device,omitempty" jsonschema:"GPU (default) or CPU"`
}

type timestamp struct {
	Start float64 `json:"start" jsonschema:"segment start in seconds"`
	End   float64 `json:"end" jsonschema:"segment end in seconds"`
}

type realignArgs struct {
	AudioID    string      `json:"audio_id" jsonschema:"id returned by a previous call"`
	Timestamps []timestamp `json:"timestamps" jsonschema:"segment boundaries in time order"`
	ModelName  string      `json:"model_name,omitempty" jsonschema:"ASR model: Base (default) or Large"`
	Device     string      `json:"device,omitempty" jsonschema:"GPU (default) or CPU"`
}

func parseModel(name, device string) (types.ModelSize, types.Device, error) {
	model, err := types.ParseModelSize(name)
	if err != nil {
		return "", "", err
	}
	dev, err := types.ParseDevice(device)
	if err != nil {
		return "", "", err
	}
	return model, dev, nil
}

// ─── Tool handlers ──────────────────────────────────────────────────────────

func (s *Server) processAudioFile(ctx context.Context, _ *mcp.CallToolRequest, in processArgs) (*mcp.CallToolResult, pipeline.Response, error) {
	params, err := segment.Overrides{
		Preset:       in.Preset,
		MinSilenceMs: in.MinSilenceMs,
		MinSpeechMs:  in.MinSpeechMs,
		PadMs:        in.PadMs,
	}.Apply(s.defaults)
	if err != nil {
		return nil, pipeline.Response{}, err
	}
	model, device, err := parseModel(in.ModelName, in.Device)
	if err != nil {
		return nil, pipeline.Response{}, err
	}
	root, rel, err := s.resolve(ctx, in.Path)
	if err != nil {
		return nil, pipeline.Response{}, err
	}
	// Symlinks are followed only while they stay under root.
	f, err := os.OpenInRoot(root, rel)
	if err != nil {
		observe.Logger(ctx).Warn("cannot open audio path", "path", in.Path, "err", err)
		return nil, pipeline.Response{}, fmt.Errorf("open %s: %w", in.Path, err)
	}
	defer f.Close()
	clip, err := audio.Decode(f, rel)
	if err != nil {
		return nil, pipeline.Response{}, err
	}
	return result(s.pipeline.Process(ctx, clip, params, model, device))
}

func (s *Server) resegmentSession(ctx context.Context, _ *mcp.CallToolRequest, in resegmentArgs) (*mcp.CallToolResult, pipeline.Response, error) {
	params, err := segment.Overrides{
		Preset:       in.Preset,
		MinSilenceMs: in.MinSilenceMs,
		MinSpeechMs:  in.MinSpeechMs,
		PadMs:        in.PadMs,
	}.Apply(s.defaults)
	if err != nil {
		return nil, pipeline.Response{}, err
	}
	model, device, err := parseModel(in.ModelName, in.Device)
	if err != nil {
		return nil, pipeline.Response{}, err
	}
	return result(s.pipeline.Resegment(ctx, in.AudioID, params, model, device))
}

func (s *Server) retranscribeSession(ctx context.Context, _ *mcp.CallToolRequest, in retranscribeArgs) (*mcp.CallToolResult, pipeline.Response, error) {
	model, device, err := parseModel(in.ModelName, in.Device)
	if err != nil {
		return nil, pipeline.Response{}, err
	}
	return result(s.pipeline.Retranscribe(ctx, in.AudioID, model, device))
}

func (s *Server) realignFromTimestamps(ctx context.Context, _ *mcp.CallToolRequest, in realignArgs) (*mcp.CallToolResult, pipeline.Response, error) {
	model, device, err := parseModel(in.ModelName, in.Device)
	if err != nil {
		return nil, pipeline.Response{}, err
	}
	ts := make([]types.Interval, len(in.Timestamps))
	for i, t := range in.Timestamps {
		ts[i] = types.Interval{Start: t.Start, End: t.End}
	}
	return result(s.pipeline.Realign(ctx, in.AudioID, ts, model, device))
}

// result renders a pipeline response. A response carrying an error message
// is flagged as a tool error so agents notice it.
func result(resp *pipeline.Response, err error) (*mcp.CallToolResult, pipeline.Response, error) {
	if err != nil {
		return nil, pipeline.Response{}, err
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, pipeline.Response{}, fmt.Errorf("mcpserver: encode response: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		IsError: resp.Error != "",
	}, *resp, nil
}

// resolve splits a tool path into the absolute audio root and a local path
// beneath it, rejecting lexical escapes.
func (s *Server) resolve(ctx context.Context, p string) (root, rel string, err error) {
	root, err = filepath.Abs(s.cfg.AudioRoot)
	if err != nil {
		return "", "", fmt.Errorf("mcpserver: audio root: %w", err)
	}
	full := p
	if !filepath.IsAbs(full) {
		full = filepath.Join(root, p)
	}
	rel, err = filepath.Rel(root, filepath.Clean(full))
	if err != nil || !filepath.IsLocal(rel) {
		observe.Logger(ctx).Warn("rejected audio path", "path", p)
		return "", "", fmt.Errorf("%w: %s", ErrOutsideRoot, p)
	}
	return root, rel, nil
}
