package websocket

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestPreviewText(t *testing.T) {
	t.Run("短正文原样返回", func(t *testing.T) {
		assert.Equal(t, "hello", previewText("hello", 100))
	})

	t.Run("长正文按字符数截断", func(t *testing.T) {
		body := strings.Repeat("a", 150)
		got := previewText(body, 100)
		assert.Len(t, got, 100)
	})

	t.Run("多字节字符不被截半", func(t *testing.T) {
		body := strings.Repeat("商", 150)
		got := previewText(body, 100)
		assert.True(t, utf8.ValidString(got))
		assert.Equal(t, 100, utf8.RuneCountInString(got))
		assert.Equal(t, strings.Repeat("商", 100), got)
	})
}
