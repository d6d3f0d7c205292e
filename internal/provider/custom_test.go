package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrachat/terrachat/pkg/types"
)

func customServer(t *testing.T, status int, response string, seen *customRequest, auth *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			_ = json.NewDecoder(r.Body).Decode(seen)
		}
		if auth != nil {
			*auth = r.Header.Get("Authorization")
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCustomGateway_ResponseShapes(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     string
	}{
		{"openai shape", `{"choices":[{"message":{"role":"assistant","content":"from choices"}}]}`, "from choices"},
		{"bare content", `{"content":"from content"}`, "from content"},
		{"choices preferred", `{"choices":[{"message":{"content":"first"}}],"content":"second"}`, "first"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				seen customRequest
				auth string
			)
			srv := customServer(t, http.StatusOK, tt.response, &seen, &auth)

			g, err := NewCustomGateway(Config{Provider: types.ProviderCustom, APIKey: "ck", Model: "llama3", BaseURL: srv.URL + "/chat"})
			require.NoError(t, err)

			reply, err := g.Chat(context.Background(), []ChatMessage{msg(types.RoleSystem, "S"), msg(types.RoleUser, "U")}, 0.7)
			require.NoError(t, err)
			assert.Equal(t, tt.want, reply)
			assert.Equal(t, "Bearer ck", auth)
			assert.Equal(t, "llama3", seen.Model)
			assert.InDelta(t, 0.7, seen.Temperature, 1e-9)
			assert.Len(t, seen.Messages, 2)
		})
	}
}

func TestCustomGateway_MissingContent(t *testing.T) {
	for _, response := range []string{`{}`, `{"choices":[]}`, `{"content":42}`, `{"content":""}`} {
		srv := customServer(t, http.StatusOK, response, nil, nil)
		g, err := NewCustomGateway(Config{Provider: types.ProviderCustom, APIKey: "ck", BaseURL: srv.URL})
		require.NoError(t, err)

		_, err = g.Chat(context.Background(), []ChatMessage{msg(types.RoleUser, "U")}, 0.7)
		var perr *Error
		require.True(t, errors.As(err, &perr), "response %s", response)
		assert.Equal(t, "Custom provider response missing content", perr.Message)
	}
}

func TestCustomGateway_StatusError(t *testing.T) {
	srv := customServer(t, http.StatusInternalServerError, `{"error":{"message":"model overloaded"}}`, nil, nil)
	g, err := NewCustomGateway(Config{Provider: types.ProviderCustom, APIKey: "ck", BaseURL: srv.URL})
	require.NoError(t, err)

	_, err = g.Chat(context.Background(), []ChatMessage{msg(types.RoleUser, "U")}, 0.7)
	var perr *Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, http.StatusInternalServerError, perr.StatusCode)
	assert.Equal(t, "API request failed (500): model overloaded", perr.Message)
}

func TestCustomGateway_RequiresKeyAndEndpoint(t *testing.T) {
	_, err := NewCustomGateway(Config{Provider: types.ProviderCustom, BaseURL: "http://x"})
	var cerr *ConfigError
	require.True(t, errors.As(err, &cerr))

	_, err = NewCustomGateway(Config{Provider: types.ProviderCustom, APIKey: "ck"})
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "endpoint not configured", cerr.Message)
}
