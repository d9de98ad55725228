// Package config validates runtime audio and endpoint parameters against the
// fixed wire contract before a session is allowed to connect.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/posecoach/livecoach-go/pkg/core"
	"github.com/posecoach/livecoach-go/pkg/live/protocol"
)

// Required wire-contract values. The endpoint must carry the current API
// version token and must not carry the retired one, even alongside it.
const (
	RequiredModel        = "models/gemini-2.0-flash-live-001"
	RequiredAPIVersion   = "v1beta"
	DeprecatedAPIVersion = "v1alpha"

	DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	contractRef = "https://ai.google.dev/api/live"
)

// SessionSpec holds the parameters checked before connecting.
type SessionSpec struct {
	Model            string `validate:"required"`
	Endpoint         string `validate:"required"`
	InputSampleRate  int    `validate:"required,gt=0"`
	InputBitDepth    int    `validate:"required,gt=0"`
	InputChannels    int    `validate:"required,gt=0"`
	InputMIME        string `validate:"required"`
	OutputSampleRate int    `validate:"required,gt=0"`
}

// DefaultSessionSpec returns a spec that satisfies the wire contract.
func DefaultSessionSpec() SessionSpec {
	return SessionSpec{
		Model:            RequiredModel,
		Endpoint:         DefaultEndpoint,
		InputSampleRate:  protocol.AudioInputSampleRate,
		InputBitDepth:    16,
		InputChannels:    1,
		InputMIME:        protocol.AudioInputMIME,
		OutputSampleRate: protocol.AudioOutputSampleRate,
	}
}

// Violation names one field that does not match the contract.
type Violation struct {
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Ref      string `json:"ref"`
	Warning  bool   `json:"warning,omitempty"`
}

// Result collects violations from one validation pass.
type Result struct {
	Violations []Violation
}

// OK reports whether the spec passed with no error-level violations.
func (r Result) OK() bool {
	for _, v := range r.Violations {
		if !v.Warning {
			return false
		}
	}
	return true
}

// Warnings returns the informational-only violations.
func (r Result) Warnings() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Warning {
			out = append(out, v)
		}
	}
	return out
}

// Err returns a classified error listing every violated field, or nil if the
// spec passed.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	fields := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		if !v.Warning {
			fields = append(fields, v.Field)
		}
	}
	return core.NewConfigValidationError(
		fmt.Sprintf("session spec violates wire contract: %s", strings.Join(fields, ", ")),
		strings.Join(fields, ","),
	)
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the spec against the fixed wire contract and returns every
// violation, each naming the field, expected value, and actual value. An
// output sample-rate mismatch is reported as a warning because downlink audio
// is informational only.
func Validate(spec SessionSpec) Result {
	var result Result
	add := func(field, expected, actual string) {
		result.Violations = append(result.Violations, Violation{
			Field: field, Expected: expected, Actual: actual, Ref: contractRef,
		})
	}

	if err := structValidator.Struct(spec); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range errs {
				add(fieldName(fe.Field()), fe.Tag(), fmt.Sprintf("%v", fe.Value()))
			}
		} else {
			add("spec", "valid struct", err.Error())
		}
		return result
	}

	if spec.InputSampleRate != protocol.AudioInputSampleRate {
		add("inputSampleRate", strconv.Itoa(protocol.AudioInputSampleRate), strconv.Itoa(spec.InputSampleRate))
	}
	if spec.InputBitDepth != 16 {
		add("inputBitDepth", "16", strconv.Itoa(spec.InputBitDepth))
	}
	if spec.InputChannels != 1 {
		add("inputChannels", "1 (mono)", strconv.Itoa(spec.InputChannels))
	}

	checkMIME(spec.InputMIME, add)
	if spec.Model != RequiredModel {
		add("model", RequiredModel, spec.Model)
	}
	checkEndpoint(spec.Endpoint, add)

	if spec.OutputSampleRate != protocol.AudioOutputSampleRate {
		result.Violations = append(result.Violations, Violation{
			Field:    "outputSampleRate",
			Expected: strconv.Itoa(protocol.AudioOutputSampleRate),
			Actual:   strconv.Itoa(spec.OutputSampleRate),
			Ref:      contractRef,
			Warning:  true,
		})
	}

	return result
}

// checkMIME verifies both the audio/pcm prefix and the exact rate parameter.
func checkMIME(mime string, add func(field, expected, actual string)) {
	if !strings.HasPrefix(mime, "audio/pcm") {
		add("inputMIME", protocol.AudioInputMIME, mime)
		return
	}
	rate, found := mimeRate(mime)
	if !found {
		add("inputMIME", protocol.AudioInputMIME, mime+" (missing rate parameter)")
		return
	}
	if rate != protocol.AudioInputSampleRate {
		add("inputMIME", protocol.AudioInputMIME, mime)
	}
}

func mimeRate(mime string) (int, bool) {
	for _, param := range strings.Split(mime, ";") {
		param = strings.TrimSpace(param)
		if value, ok := strings.CutPrefix(param, "rate="); ok {
			rate, err := strconv.Atoi(value)
			if err != nil {
				return 0, false
			}
			return rate, true
		}
	}
	return 0, false
}

// checkEndpoint rejects a URL missing the current API version token or
// containing the deprecated one, regardless of what else it contains.
func checkEndpoint(endpoint string, add func(field, expected, actual string)) {
	if strings.Contains(endpoint, DeprecatedAPIVersion) {
		add("endpoint", "no "+DeprecatedAPIVersion+" path segment", endpoint)
		return
	}
	if !strings.Contains(endpoint, RequiredAPIVersion) {
		add("endpoint", "path containing "+RequiredAPIVersion, endpoint)
	}
}

func fieldName(structField string) string {
	if structField == "" {
		return structField
	}
	return strings.ToLower(structField[:1]) + structField[1:]
}
