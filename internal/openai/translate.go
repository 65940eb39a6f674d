// Package openai translates between the OpenAI-compatible completions
// protocol and the gateway's native InferenceRequest shape. This is a pure
// function layer: it holds no scheduling state and makes no scheduler calls.
package openai

import (
	"encoding/json"
	"time"

	"github.com/llmgateway/gateway/pkg/gwerrors"
	"github.com/llmgateway/gateway/pkg/types"
)

// CompletionRequest is the wire shape of POST /v1/completions.
type CompletionRequest struct {
	Model            string             `json:"model"`
	Prompt           json.RawMessage    `json:"prompt"`
	MaxTokens        *int               `json:"max_tokens"`
	Temperature      *float64           `json:"temperature"`
	TopP             *float64           `json:"top_p"`
	N                *int               `json:"n"`
	Stream           bool               `json:"stream"`
	StreamOptions    *StreamOptions     `json:"stream_options"`
	Logprobs         *int               `json:"logprobs"`
	Echo             bool               `json:"echo"`
	Stop             json.RawMessage    `json:"stop"`
	PresencePenalty  *float64           `json:"presence_penalty"`
	FrequencyPenalty *float64           `json:"frequency_penalty"`
	BestOf           *int               `json:"best_of"`
	LogitBias        map[string]float64 `json:"logit_bias"`
	Seed             *int64             `json:"seed"`
	User             string             `json:"user"`
}

// StreamOptions is the nested stream_options object.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// Translated bundles the native request with the response-shaping
// decisions that depend on fields not carried by InferenceRequest itself.
type Translated struct {
	Request      types.InferenceRequest
	Echo         bool
	IncludeUsage bool
	PromptText   string // the resolved prompt text, for echo prepending
}

// Translate converts an OpenAI completion request into a native
// InferenceRequest, applying the defaults-omitted translation table.
func Translate(req CompletionRequest, jobID types.JobID, deadline time.Time, priority types.Priority, meta types.SubmissionMeta) (Translated, error) {
	if req.Model == "" {
		return Translated{}, gwerrors.Validation("model", "model is required")
	}

	prompt, err := resolvePrompt(req.Prompt)
	if err != nil {
		return Translated{}, err
	}

	opts := types.GenerationOptions{}
	if req.Temperature != nil && *req.Temperature != 1 {
		opts.Temperature = req.Temperature
	}
	if req.TopP != nil && *req.TopP != 1 {
		opts.TopP = req.TopP
	}
	if req.MaxTokens != nil && *req.MaxTokens != 16 {
		opts.NumPredict = req.MaxTokens
	}
	if req.Seed != nil {
		opts.Seed = req.Seed
	}
	if req.FrequencyPenalty != nil && *req.FrequencyPenalty != 0 {
		opts.FrequencyPenalty = req.FrequencyPenalty
	}
	if req.PresencePenalty != nil && *req.PresencePenalty != 0 {
		opts.PresencePenalty = req.PresencePenalty
	}
	if stop, err := resolveStop(req.Stop); err != nil {
		return Translated{}, err
	} else if len(stop) > 0 {
		opts.Stop = stop
	}

	includeUsage := req.StreamOptions != nil && req.StreamOptions.IncludeUsage

	return Translated{
		Request: types.InferenceRequest{
			ID:        jobID,
			Kind:      types.RequestGenerate,
			Model:     req.Model,
			Prompt:    prompt,
			Options:   opts,
			Priority:  priority,
			Stream:    req.Stream,
			Deadline:  deadline,
			Submitted: meta,
		},
		Echo:         req.Echo,
		IncludeUsage: includeUsage,
		PromptText:   prompt,
	}, nil
}

// resolvePrompt accepts a string or an array of strings (joined by newline).
// Token-ID arrays are rejected rather than silently stringified: the
// stringified form is lossy and no worker can do anything useful with it.
func resolvePrompt(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", gwerrors.Validation("prompt", "prompt is required")
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, nil
	}

	var asStrings []string
	if err := json.Unmarshal(raw, &asStrings); err == nil {
		joined := ""
		for i, s := range asStrings {
			if i > 0 {
				joined += "\n"
			}
			joined += s
		}
		return joined, nil
	}

	var asTokens []int
	if err := json.Unmarshal(raw, &asTokens); err == nil {
		return "", gwerrors.Validation("prompt", "token-ID array prompts are not supported")
	}

	var asTokenBatches [][]int
	if err := json.Unmarshal(raw, &asTokenBatches); err == nil {
		return "", gwerrors.Validation("prompt", "token-ID array prompts are not supported")
	}

	return "", gwerrors.Validation("prompt", "prompt must be a string or array of strings")
}

func resolveStop(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if asString == "" {
			return nil, nil
		}
		return []string{asString}, nil
	}

	var asStrings []string
	if err := json.Unmarshal(raw, &asStrings); err == nil {
		return asStrings, nil
	}

	return nil, gwerrors.Validation("stop", "stop must be a string or array of strings")
}
