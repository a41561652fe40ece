package provider

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func TestTruncate_RuneBoundary(t *testing.T) {
	assert.Equal(t, "héllo", truncate("héllo wörld", 5))
	assert.Equal(t, "日本", truncate("日本語", 2))
	assert.Equal(t, "short", truncate("short", 200))
	assert.Equal(t, "", truncate("anything", 0))
}

func TestImageFromResponse_TextOnlyKeepsValidUTF8(t *testing.T) {
	refusal := strings.Repeat("画像を生成できません。", 40)
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: genai.NewContentFromText(refusal, genai.RoleModel),
		}},
	}

	data, err := imageFromResponse(resp)
	require.Error(t, err)
	assert.Nil(t, data)
	assert.True(t, utf8.ValidString(err.Error()))
	assert.NotContains(t, err.Error(), `\x`)
}

func TestImageFromResponse_ReturnsInlineImage(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: genai.NewContentFromParts([]*genai.Part{
				genai.NewPartFromText("here you go"),
				genai.NewPartFromBytes([]byte("png-bytes"), "image/png"),
			}, genai.RoleModel),
		}},
	}

	data, err := imageFromResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)
}
