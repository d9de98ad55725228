// Package protocol implements the JSON wire codec for the live coaching
// stream. Outbound client envelopes and inbound server envelopes are closed
// tagged unions; anything outside the known key set decodes to a ParseError
// instead of failing the session.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"google.golang.org/genai"
)

const (
	// AudioInputMIME is the only accepted MIME descriptor for uplink audio.
	AudioInputMIME = "audio/pcm;rate=16000"

	// AudioInputSampleRate and AudioOutputSampleRate fix the PCM contract:
	// 16 kHz mono S16LE up, 24 kHz PCM down.
	AudioInputSampleRate  = 16000
	AudioOutputSampleRate = 24000
)

// ParseError reports a recoverable decode failure. The inbound pump logs it
// and keeps reading; it never tears the session down.
type ParseError struct {
	Code    string
	Message string
}

func (e *ParseError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

func parseErr(code, format string, args ...any) *ParseError {
	return &ParseError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// GenerationConfig mirrors the setup.generationConfig wire object.
type GenerationConfig struct {
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	Temperature        *float32      `json:"temperature,omitempty"`
	SpeechConfig       *SpeechConfig `json:"speechConfig,omitempty"`
}

// SpeechConfig selects the synthesized voice.
type SpeechConfig struct {
	VoiceConfig *VoiceConfig `json:"voiceConfig,omitempty"`
}

// VoiceConfig wraps a prebuilt voice selection.
type VoiceConfig struct {
	PrebuiltVoiceConfig *PrebuiltVoiceConfig `json:"prebuiltVoiceConfig,omitempty"`
}

// PrebuiltVoiceConfig names a provider voice.
type PrebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName,omitempty"`
}

// RealtimeInputConfig tunes server-side handling of the realtime audio stream.
type RealtimeInputConfig struct {
	AutomaticActivityDetection *AutomaticActivityDetection `json:"automaticActivityDetection,omitempty"`
}

// AutomaticActivityDetection toggles server VAD. The client disables it when
// running its own push-to-talk/barge-in detection.
type AutomaticActivityDetection struct {
	Disabled bool `json:"disabled,omitempty"`
}

// Setup is the mandatory first outbound envelope of every session.
type Setup struct {
	Model               string               `json:"model"`
	GenerationConfig    *GenerationConfig    `json:"generationConfig,omitempty"`
	SystemInstruction   *genai.Content       `json:"systemInstruction,omitempty"`
	RealtimeInputConfig *RealtimeInputConfig `json:"realtimeInputConfig,omitempty"`
	Tools               []*genai.Tool        `json:"tools,omitempty"`
}

// RealtimeInput carries captured audio upstream.
type RealtimeInput struct {
	MediaChunks    []*genai.Blob `json:"mediaChunks,omitempty"`
	AudioStreamEnd bool          `json:"audioStreamEnd,omitempty"`
}

// ToolResponse answers a server ToolCall.
type ToolResponse struct {
	FunctionResponses []*genai.FunctionResponse `json:"functionResponses"`
}

type clientEnvelope struct {
	Setup         *Setup         `json:"setup,omitempty"`
	RealtimeInput *RealtimeInput `json:"realtimeInput,omitempty"`
	ToolResponse  *ToolResponse  `json:"toolResponse,omitempty"`
}

// EncodeSetup produces the single allowed setup envelope.
func EncodeSetup(setup Setup) ([]byte, error) {
	if strings.TrimSpace(setup.Model) == "" {
		return nil, parseErr("setup_model_missing", "setup requires a model id")
	}
	return json.Marshal(clientEnvelope{Setup: &setup})
}

// EncodeRealtimeInput wraps media chunks into a realtimeInput envelope. It is
// a pure transform and safe for concurrent use.
func EncodeRealtimeInput(chunks []*genai.Blob, audioStreamEnd bool) ([]byte, error) {
	if len(chunks) == 0 && !audioStreamEnd {
		return nil, parseErr("realtime_input_empty", "realtimeInput requires media chunks or audioStreamEnd")
	}
	return json.Marshal(clientEnvelope{RealtimeInput: &RealtimeInput{
		MediaChunks:    chunks,
		AudioStreamEnd: audioStreamEnd,
	}})
}

// EncodeAudioChunk wraps raw 16 kHz PCM into a single-chunk realtimeInput
// envelope with the fixed input MIME descriptor.
func EncodeAudioChunk(pcm []byte) ([]byte, error) {
	return EncodeRealtimeInput([]*genai.Blob{{MIMEType: AudioInputMIME, Data: pcm}}, false)
}

// EncodeAudioStreamEnd signals end of the uplink audio stream.
func EncodeAudioStreamEnd() ([]byte, error) {
	return EncodeRealtimeInput(nil, true)
}

// EncodeToolResponse wraps function responses into a toolResponse envelope.
// Pure and stateless like EncodeRealtimeInput.
func EncodeToolResponse(responses []*genai.FunctionResponse) ([]byte, error) {
	if len(responses) == 0 {
		return nil, parseErr("tool_response_empty", "toolResponse requires at least one function response")
	}
	return json.Marshal(clientEnvelope{ToolResponse: &ToolResponse{FunctionResponses: responses}})
}

// ServerMessage is one decoded inbound envelope variant.
type ServerMessage interface {
	serverMessageType() string
}

// SetupComplete acknowledges the setup envelope; audio may flow after it.
type SetupComplete struct{}

func (SetupComplete) serverMessageType() string { return "setupComplete" }

// Transcription is a speech-to-text fragment attached to server content.
type Transcription struct {
	Text     string `json:"text,omitempty"`
	Finished bool   `json:"finished,omitempty"`
}

// ServerContent carries synthesized speech and turn bookkeeping.
type ServerContent struct {
	ModelTurn           *genai.Content `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *Transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *Transcription `json:"outputTranscription,omitempty"`
}

func (ServerContent) serverMessageType() string { return "serverContent" }

// AudioData returns the concatenated inline PCM payloads of the model turn,
// preserving part order.
func (c ServerContent) AudioData() []byte {
	if c.ModelTurn == nil {
		return nil
	}
	var out []byte
	for _, part := range c.ModelTurn.Parts {
		if part == nil || part.InlineData == nil {
			continue
		}
		if !strings.HasPrefix(part.InlineData.MIMEType, "audio/") {
			continue
		}
		out = append(out, part.InlineData.Data...)
	}
	return out
}

// Text returns the concatenated text parts of the model turn.
func (c ServerContent) Text() string {
	if c.ModelTurn == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range c.ModelTurn.Parts {
		if part != nil && part.Text != "" {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// ToolCall requests client-side tool execution.
type ToolCall struct {
	FunctionCalls []*genai.FunctionCall `json:"functionCalls"`
}

func (ToolCall) serverMessageType() string { return "toolCall" }

// ToolCallCancellation withdraws previously issued tool calls.
type ToolCallCancellation struct {
	IDs []string `json:"ids"`
}

func (ToolCallCancellation) serverMessageType() string { return "toolCallCancellation" }

// GoAway announces that the server will close the connection soon.
type GoAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (GoAway) serverMessageType() string { return "goAway" }

type serverEnvelope struct {
	SetupComplete        json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent        json.RawMessage `json:"serverContent,omitempty"`
	ToolCall             json.RawMessage `json:"toolCall,omitempty"`
	ToolCallCancellation json.RawMessage `json:"toolCallCancellation,omitempty"`
	GoAway               json.RawMessage `json:"goAway,omitempty"`
}

// Codec decodes inbound envelopes and tracks processing counters. Decode is
// called from the single inbound pump; Stats may be read concurrently.
type Codec struct {
	processed atomic.Uint64
	errors    atomic.Uint64
}

// NewCodec returns a codec with zeroed counters.
func NewCodec() *Codec {
	return &Codec{}
}

// Decode dispatches one inbound frame to its envelope variant. A frame with
// no recognized top-level key, or with malformed nested structure, returns a
// *ParseError.
func (c *Codec) Decode(data []byte) (ServerMessage, error) {
	msg, err := c.decode(data)
	c.processed.Add(1)
	if err != nil {
		c.errors.Add(1)
	}
	return msg, err
}

func (c *Codec) decode(data []byte) (ServerMessage, error) {
	var env serverEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, parseErr("malformed_json", "decode envelope: %v", err)
	}

	switch {
	case env.SetupComplete != nil:
		return SetupComplete{}, nil
	case env.ServerContent != nil:
		var content ServerContent
		if err := json.Unmarshal(env.ServerContent, &content); err != nil {
			return nil, parseErr("malformed_server_content", "decode serverContent: %v", err)
		}
		return content, nil
	case env.ToolCall != nil:
		var call ToolCall
		if err := json.Unmarshal(env.ToolCall, &call); err != nil {
			return nil, parseErr("malformed_tool_call", "decode toolCall: %v", err)
		}
		if len(call.FunctionCalls) == 0 {
			return nil, parseErr("tool_call_empty", "toolCall missing functionCalls")
		}
		return call, nil
	case env.ToolCallCancellation != nil:
		var cancel ToolCallCancellation
		if err := json.Unmarshal(env.ToolCallCancellation, &cancel); err != nil {
			return nil, parseErr("malformed_tool_cancellation", "decode toolCallCancellation: %v", err)
		}
		if len(cancel.IDs) == 0 {
			return nil, parseErr("tool_cancellation_empty", "toolCallCancellation missing ids")
		}
		return cancel, nil
	case env.GoAway != nil:
		var away GoAway
		if err := json.Unmarshal(env.GoAway, &away); err != nil {
			return nil, parseErr("malformed_go_away", "decode goAway: %v", err)
		}
		return away, nil
	default:
		return nil, parseErr("unknown_envelope", "no recognized top-level key in server message")
	}
}

// Stats reports decode counters and the derived success rate.
func (c *Codec) Stats() (processed, errors uint64, successRate float64) {
	processed = c.processed.Load()
	errors = c.errors.Load()
	if processed == 0 {
		return 0, 0, 1.0
	}
	return processed, errors, float64(processed-errors) / float64(processed)
}
