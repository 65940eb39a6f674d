package openai

import (
	"sort"

	"github.com/llmgateway/gateway/pkg/types"
)

// Choice is one entry of a completion response's choices array.
type Choice struct {
	Text         string  `json:"text"`
	Index        int     `json:"index"`
	Logprobs     *string `json:"logprobs"`
	FinishReason string  `json:"finish_reason"`
}

// Usage reports token accounting for a completed generation.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResponse is the non-streaming /v1/completions response body.
type CompletionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// BuildCompletionResponse assembles the aggregated (non-streaming) response.
// If echo is set, promptText is prepended to the returned text.
func BuildCompletionResponse(jobID types.JobID, model, text, finishReason string, promptTokens, completionTokens int, echo bool, promptText string, createdAt int64) CompletionResponse {
	if echo {
		text = promptText + text
	}
	return CompletionResponse{
		ID:      "cmpl-" + string(jobID),
		Object:  "text_completion",
		Created: createdAt,
		Model:   model,
		Choices: []Choice{{
			Text:         text,
			Index:        0,
			Logprobs:     nil,
			FinishReason: finishReason,
		}},
		Usage: &Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}
}

// StreamFrame is one SSE/NDJSON streaming frame of /v1/completions with stream=true.
type StreamFrame struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// BuildStreamFrame builds one incremental frame. finishReason is empty for
// all but the final frame. usage is only attached to the final frame, and
// only when the client asked for it via stream_options.include_usage.
func BuildStreamFrame(jobID types.JobID, model, textDelta, finishReason string, createdAt int64, includeUsage bool, promptTokens, completionTokens int) StreamFrame {
	frame := StreamFrame{
		ID:      "cmpl-" + string(jobID),
		Object:  "text_completion",
		Created: createdAt,
		Model:   model,
		Choices: []Choice{{
			Text:         textDelta,
			Index:        0,
			Logprobs:     nil,
			FinishReason: finishReason,
		}},
	}
	if finishReason != "" && includeUsage {
		frame.Usage = &Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		}
	}
	return frame
}

// DoneSentinel is the literal terminal frame of an OpenAI SSE stream.
const DoneSentinel = "[DONE]"

// ModelEntry is one /v1/models data element.
type ModelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelsResponse is the GET /v1/models response body.
type ModelsResponse struct {
	Object string       `json:"object"`
	Data   []ModelEntry `json:"data"`
}

// OwnedBy is the fixed gateway identifier attached to every model entry.
const OwnedBy = "llm-gateway"

// BuildModelsResponse sorts descriptors lexicographically by name and maps
// each to a models-list entry, deriving created from the modification time.
func BuildModelsResponse(models []types.ModelDescriptor) ModelsResponse {
	sorted := make([]types.ModelDescriptor, len(models))
	copy(sorted, models)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	data := make([]ModelEntry, 0, len(sorted))
	for _, m := range sorted {
		data = append(data, ModelEntry{
			ID:      m.Name,
			Object:  "model",
			Created: m.ModifiedAt.Unix(),
			OwnedBy: OwnedBy,
		})
	}
	return ModelsResponse{Object: "list", Data: data}
}
