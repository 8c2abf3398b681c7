package mailer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"botmail/backend/internal/config"
)

func newTransport(t *testing.T, baseURL string) *HTTPTransport {
	t.Helper()
	return NewHTTPTransport(config.ProviderConfig{
		BaseURL: baseURL,
		APIKey:  "test-key",
		Timeout: 5 * time.Second,
	}, zap.NewNop())
}

func TestHTTPTransportSend(t *testing.T) {
	t.Run("投递成功返回服务商消息ID", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/send", r.URL.Path)
			assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

			var env Envelope
			require.NoError(t, json.NewDecoder(r.Body).Decode(&env))
			assert.Equal(t, "scout@relay.botmail.dev", env.From)

			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"messageId": "prov-123"})
		}))
		defer srv.Close()

		id, err := newTransport(t, srv.URL).Send(context.Background(), Envelope{
			From:    "scout@relay.botmail.dev",
			To:      "buyer@example.com",
			Subject: "Intro",
			Text:    "Hello",
		})
		require.NoError(t, err)
		assert.Equal(t, "prov-123", id)
	})

	t.Run("未验证发信身份返回软失败", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"code":  "unverified_sender",
				"error": "sender identity not verified",
			})
		}))
		defer srv.Close()

		_, err := newTransport(t, srv.URL).Send(context.Background(), Envelope{From: "a@b", To: "c@d"})
		assert.ErrorIs(t, err, ErrUnverifiedSender)
	})

	t.Run("服务商报错返回硬失败", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "upstream down"})
		}))
		defer srv.Close()

		_, err := newTransport(t, srv.URL).Send(context.Background(), Envelope{From: "a@b", To: "c@d"})
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrUnverifiedSender)
	})
}

func TestNoopTransport(t *testing.T) {
	id, err := NewNoopTransport(zap.NewNop()).Send(context.Background(), Envelope{
		MessageID: "<abc@relay.botmail.dev>",
	})
	require.NoError(t, err)
	assert.Equal(t, "<abc@relay.botmail.dev>", id)
}

func TestNewTransport(t *testing.T) {
	log := zap.NewNop()

	assert.IsType(t, &NoopTransport{}, NewTransport(config.ProviderConfig{}, log))
	assert.IsType(t, &HTTPTransport{}, NewTransport(config.ProviderConfig{BaseURL: "http://provider"}, log))
}
