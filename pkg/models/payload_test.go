package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wheelhouse-io/wheelhouse/pkg/errkind"
)

func TestDecodePayloadChatResponse(t *testing.T) {
	raw := json.RawMessage(`{"type":"CHAT_RESPONSE","prompt":"hello","goalType":"chat"}`)

	decoded, err := DecodePayload(raw)
	require.NoError(t, err)

	p, ok := decoded.(*ChatResponsePayload)
	require.True(t, ok)
	assert.Equal(t, "hello", p.Prompt)
	assert.Equal(t, "chat", p.GoalType)
}

func TestDecodePayloadAllTags(t *testing.T) {
	tests := []struct {
		tag  string
		want any
	}{
		{PayloadChatResponse, &ChatResponsePayload{}},
		{PayloadMemoryExtract, &MemoryExtractPayload{}},
		{PayloadApprovalExpire, &ApprovalExpirePayload{}},
		{PayloadCorrectionStrengthen, &CorrectionStrengthenPayload{}},
		{PayloadProactiveDetect, &ProactiveDetectPayload{}},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			decoded, err := DecodePayload(json.RawMessage(`{"type":"` + tt.tag + `"}`))
			require.NoError(t, err)
			assert.IsType(t, tt.want, decoded)
		})
	}
}

func TestDecodePayloadUnknownTagIsPermanent(t *testing.T) {
	_, err := DecodePayload(json.RawMessage(`{"type":"MYSTERY"}`))
	require.Error(t, err)
	assert.Equal(t, errkind.Permanent, errkind.Classify(err))
}

func TestDecodePayloadMalformedIsPermanent(t *testing.T) {
	_, err := DecodePayload(json.RawMessage(`[1,2,3]`))
	require.Error(t, err)
	assert.Equal(t, errkind.Permanent, errkind.Classify(err))
}
