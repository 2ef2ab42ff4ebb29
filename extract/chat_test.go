package extract

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BaSui01/agentmemory/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatClient_Completion(t *testing.T) {
	var seen chatRequest
	srv := chatServer(t, http.StatusOK, `{"entities":[]}`, &seen)
	c := NewChatClient(testConfig(srv.URL), srv.Client(), nil)

	content, err := c.Completion(context.Background(), []chatMessage{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, `{"entities":[]}`, content)
	assert.Equal(t, "gpt-4o-mini", seen.Model)
	require.NotNil(t, seen.ResponseFormat)
	assert.Equal(t, "json_object", seen.ResponseFormat.Type)
}

func TestChatClient_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	t.Cleanup(srv.Close)
	c := NewChatClient(testConfig(srv.URL), srv.Client(), nil)

	content, err := c.Completion(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, content)
}

func TestChatClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
		message   string
	}{
		{"unauthorized json", http.StatusUnauthorized, `{"error":{"message":"bad key","type":"auth"}}`, false, "status 401: bad key (type: auth)"},
		{"bad request text", http.StatusBadRequest, "missing model", false, "status 400: missing model"},
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, true, "status 429: slow down"},
		{"overloaded", 529, "busy", true, "status 529: busy"},
		{"unavailable", http.StatusServiceUnavailable, "", true, "status 503"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			t.Cleanup(srv.Close)
			c := NewChatClient(testConfig(srv.URL), srv.Client(), nil)

			_, err := c.Completion(context.Background(), nil)
			require.Error(t, err)
			var e *types.Error
			require.True(t, errors.As(err, &e))
			assert.Equal(t, types.ErrCollaborator, e.Code)
			assert.Equal(t, tt.status, e.HTTPStatus)
			assert.Equal(t, tt.retryable, e.Retryable)
			assert.Contains(t, e.Message, tt.message)
		})
	}
}

func TestChatClient_TransportErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	client := srv.Client()
	srv.Close()
	c := NewChatClient(testConfig(srv.URL), client, nil)

	_, err := c.Completion(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, types.IsCollaborator(err))
	assert.True(t, types.IsRetryable(err))
}
