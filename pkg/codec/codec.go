// Package codec implements the gateway's MessageCodec (spec.md §4.4):
// translation between on-the-wire JSON and the internal conversation.Message
// representation, and encoding of the OpenAI-style reply envelope.
package codec

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/archit342000/edge-ai-gateway/pkg/conversation"
	"github.com/archit342000/edge-ai-gateway/pkg/logger"
)

// ContentPart is one element of a multi-part "content" array (spec.md §6.1).
type ContentPart struct {
	Type     string  `json:"type"`
	Text     string  `json:"text,omitempty"`
	ImageURL *URLRef `json:"image_url,omitempty"`
	AudioURL *URLRef `json:"audio_url,omitempty"`
}

// URLRef wraps the RFC-2397 data URL carried by image_url/audio_url parts.
type URLRef struct {
	URL string `json:"url"`
}

// WireMessage is one element of ChatRequest.messages before content-kind
// resolution; Content may decode as a string or a ContentPart array.
type WireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ChatRequest is the request envelope accepted by the Dispatcher
// (spec.md §6.1).
type ChatRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []WireMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	TopK        *int          `json:"top_k,omitempty"`
}

// DecodeRequest parses raw JSON into a ChatRequest.
func DecodeRequest(raw []byte) (*ChatRequest, error) {
	var req ChatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, errors.Wrap(err, "failed to parse chat request")
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("chat request has no messages")
	}
	return &req, nil
}

var (
	imageDataURL = regexp.MustCompile(`^data:image/[^;]+;base64,(.+)$`)
	audioDataURL = regexp.MustCompile(`^data:audio/[^;]+;base64,(.+)$`)
	mimeOfImage  = regexp.MustCompile(`^data:(image/[^;]+);base64,`)
	mimeOfAudio  = regexp.MustCompile(`^data:(audio/[^;]+);base64,`)
)

// DecodeMessages converts req.Messages into internal Messages, applying
// spec.md §4.4's content resolution and all-parts-dropped fallback.
func DecodeMessages(ctx context.Context, req *ChatRequest) []conversation.Message {
	log := logger.G(ctx)
	out := make([]conversation.Message, 0, len(req.Messages))
	for _, wm := range req.Messages {
		parts := decodeContent(log, wm.Content)
		out = append(out, conversation.Message{
			Role:  conversation.Role(wm.Role),
			Parts: parts,
		})
	}
	return out
}

func decodeContent(log *logrus.Entry, raw json.RawMessage) []conversation.Part {
	if len(raw) == 0 {
		return nil
	}

	// A plain string is a single Text part.
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return []conversation.Part{{Kind: conversation.PartText, Text: asString}}
	}

	var asParts []ContentPart
	if err := json.Unmarshal(raw, &asParts); err != nil {
		// Neither shape parsed; fall back to the stringified raw content.
		return []conversation.Part{{Kind: conversation.PartText, Text: string(raw)}}
	}

	parts := make([]conversation.Part, 0, len(asParts))
	for _, p := range asParts {
		switch p.Type {
		case "text":
			parts = append(parts, conversation.Part{Kind: conversation.PartText, Text: p.Text})
		case "image_url":
			part, ok := decodeMediaPart(log, conversation.PartImage, p.ImageURL, imageDataURL, mimeOfImage)
			if ok {
				parts = append(parts, part)
			}
		case "audio_url":
			part, ok := decodeMediaPart(log, conversation.PartAudio, p.AudioURL, audioDataURL, mimeOfAudio)
			if ok {
				parts = append(parts, part)
			}
		default:
			log.WithField("part_type", p.Type).Warn("dropping content part of unrecognized type")
		}
	}

	if len(parts) == 0 {
		return []conversation.Part{{Kind: conversation.PartText, Text: string(raw)}}
	}
	return parts
}

func decodeMediaPart(log *logrus.Entry, kind conversation.PartKind, ref *URLRef, dataPattern, mimePattern *regexp.Regexp) (conversation.Part, bool) {
	if ref == nil {
		log.Debug("dropping media part with no url")
		return conversation.Part{}, false
	}
	match := dataPattern.FindStringSubmatch(ref.URL)
	if match == nil {
		log.WithField("url_prefix", safePrefix(ref.URL)).Warn("dropping malformed media data url")
		return conversation.Part{}, false
	}
	data, err := base64.StdEncoding.DecodeString(match[1])
	if err != nil {
		log.WithError(err).Warn("dropping media part with invalid base64 payload")
		return conversation.Part{}, false
	}
	mime := ""
	if m := mimePattern.FindStringSubmatch(ref.URL); m != nil {
		mime = m[1]
	}
	return conversation.Part{Kind: kind, Data: data, MIME: mime}, true
}

func safePrefix(s string) string {
	if len(s) > 32 {
		return s[:32] + "..."
	}
	return s
}

// ChatCompletionEnvelope is the OpenAI-style reply shape (spec.md §6.2).
type ChatCompletionEnvelope struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice is the single completion choice the gateway ever returns.
type Choice struct {
	Index        int           `json:"index"`
	Message      ChoiceMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

// ChoiceMessage is the assistant reply embedded in a Choice.
type ChoiceMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is always zero-filled; the engine does not report token counts.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

const defaultModelName = "litertlm-model"

// EncodeReply builds the OpenAI-style completion envelope for a finished
// generation (spec.md §6.2). id should be a fresh identifier per call.
func EncodeReply(id, requestedModel, fullText string, createdAt int64) ChatCompletionEnvelope {
	model := requestedModel
	if model == "" {
		model = defaultModelName
	}
	return ChatCompletionEnvelope{
		ID:      fmt.Sprintf("chatcmpl-%s", id),
		Object:  "chat.completion",
		Created: createdAt,
		Model:   model,
		Choices: []Choice{{
			Index:        0,
			Message:      ChoiceMessage{Role: string(conversation.RoleAssistant), Content: fullText},
			FinishReason: "stop",
		}},
		Usage: Usage{},
	}
}
