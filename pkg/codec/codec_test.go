package codec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archit342000/edge-ai-gateway/pkg/conversation"
)

func TestDecodeRequestRejectsEmptyMessages(t *testing.T) {
	_, err := DecodeRequest([]byte(`{"model":"m","messages":[]}`))
	assert.Error(t, err)
}

func TestDecodeRequestRejectsMalformedJSON(t *testing.T) {
	_, err := DecodeRequest([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeMessagesStringContent(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"messages":[{"role":"user","content":"hello there"}]}`))
	require.NoError(t, err)

	msgs := DecodeMessages(context.Background(), req)
	require.Len(t, msgs, 1)
	assert.Equal(t, conversation.RoleUser, msgs[0].Role)
	require.Len(t, msgs[0].Parts, 1)
	assert.Equal(t, "hello there", msgs[0].Parts[0].Text)
}

func TestDecodeMessagesMultiPartWithImage(t *testing.T) {
	raw := `{"messages":[{"role":"user","content":[
		{"type":"text","text":"what is this?"},
		{"type":"image_url","image_url":{"url":"data:image/png;base64,aGVsbG8="}}
	]}]}`
	req, err := DecodeRequest([]byte(raw))
	require.NoError(t, err)

	msgs := DecodeMessages(context.Background(), req)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Parts, 2)
	assert.Equal(t, conversation.PartText, msgs[0].Parts[0].Kind)
	assert.Equal(t, conversation.PartImage, msgs[0].Parts[1].Kind)
	assert.Equal(t, "image/png", msgs[0].Parts[1].MIME)
	assert.Equal(t, []byte("hello"), msgs[0].Parts[1].Data)
}

func TestDecodeMessagesDropsMalformedMediaPart(t *testing.T) {
	raw := `{"messages":[{"role":"user","content":[
		{"type":"image_url","image_url":{"url":"not-a-data-url"}}
	]}]}`
	req, err := DecodeRequest([]byte(raw))
	require.NoError(t, err)

	msgs := DecodeMessages(context.Background(), req)
	require.Len(t, msgs, 1)
	// All parts dropped falls back to the stringified raw content.
	require.Len(t, msgs[0].Parts, 1)
	assert.Equal(t, conversation.PartText, msgs[0].Parts[0].Kind)
}

func TestDecodeMessagesUnrecognizedContentShapeFallsBack(t *testing.T) {
	raw := `{"messages":[{"role":"user","content":42}]}`
	req, err := DecodeRequest([]byte(raw))
	require.NoError(t, err)

	msgs := DecodeMessages(context.Background(), req)
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Parts, 1)
	assert.Equal(t, "42", msgs[0].Parts[0].Text)
}

func TestEncodeReplyDefaultsModelWhenUnset(t *testing.T) {
	env := EncodeReply("abc", "", "hi there", 1700000000)
	assert.Equal(t, "chatcmpl-abc", env.ID)
	assert.Equal(t, defaultModelName, env.Model)
	require.Len(t, env.Choices, 1)
	assert.Equal(t, "hi there", env.Choices[0].Message.Content)
	assert.Equal(t, "stop", env.Choices[0].FinishReason)
}

func TestEncodeReplyEchoesRequestedModel(t *testing.T) {
	env := EncodeReply("abc", "custom-model", "reply", 1700000000)
	assert.Equal(t, "custom-model", env.Model)
}
