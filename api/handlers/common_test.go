package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/BaSui01/agentmemory/internal/ctxkeys"
	"github.com/BaSui01/agentmemory/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestWriteJSON_Headers(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusAccepted, []string{"episodic", "semantic"})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.JSONEq(t, `["episodic","semantic"]`, w.Body.String())
}

func TestWriteSuccessAndCreated(t *testing.T) {
	w := httptest.NewRecorder()
	WriteSuccess(w, map[string]int{"units": 3})
	resp := decodeResponse(t, w)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Error)
	assert.False(t, resp.Timestamp.IsZero())

	r := httptest.NewRequest(http.MethodPost, "/api/v1/memory/working", nil)
	r = r.WithContext(ctxkeys.WithRequestID(r.Context(), "req-42"))
	w = httptest.NewRecorder()
	WriteCreated(w, r, map[string]string{"id": "u1"})
	resp = decodeResponse(t, w)
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "req-42", resp.RequestID)
}

func TestWriteError_StatusByCode(t *testing.T) {
	cases := map[string]struct {
		err    *types.Error
		status int
	}{
		"validation":   {types.NewValidationError("priority %v out of range", 1.5), http.StatusBadRequest},
		"bad request":  {types.NewError(types.ErrInvalidRequest, "bad"), http.StatusBadRequest},
		"not found":    {types.NewNotFoundError("memory unit", "u1"), http.StatusNotFound},
		"unauthorized": {types.NewError(types.ErrUnauthorized, "no key"), http.StatusUnauthorized},
		"rate limited": {types.NewError(types.ErrRateLimited, "slow down"), http.StatusTooManyRequests},
		"collaborator": {types.NewCollaboratorError("storage", "save memory unit", errors.New("disk full")), http.StatusBadGateway},
		"internal":     {types.NewError(types.ErrInternalError, "oops"), http.StatusInternalServerError},
		"unknown code": {types.NewError("SOMETHING_ELSE", "?"), http.StatusInternalServerError},
		"explicit":     {types.NewError(types.ErrInvalidRequest, "too big").WithHTTPStatus(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, tc.err, zap.NewNop())
			assert.Equal(t, tc.status, w.Code)

			resp := decodeResponse(t, w)
			require.NotNil(t, resp.Error)
			assert.False(t, resp.Success)
			assert.Equal(t, string(tc.err.Code), resp.Error.Code)
		})
	}
}

func TestWriteError_CollaboratorFields(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, types.NewCollaboratorError("index", "reindex", errors.New("timeout")), nil)

	resp := decodeResponse(t, w)
	assert.Equal(t, "index", resp.Error.Collaborator)
	assert.True(t, resp.Error.Retryable)
	assert.NotContains(t, resp.Error.Message, "timeout")
}

func TestWriteErr(t *testing.T) {
	w := httptest.NewRecorder()
	WriteErr(w, fmt.Errorf("wrap: %w", types.NewNotFoundError("memory unit", "u1")), zap.NewNop())
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	WriteErr(w, errors.New("boom"), zap.NewNop())
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decodeResponse(t, w)
	assert.Equal(t, string(types.ErrInternalError), resp.Error.Code)
	assert.Equal(t, "internal error", resp.Error.Message, "causes stay out of responses")
}

type signalBody struct {
	Content  string  `json:"content"`
	Priority float64 `json:"priority"`
}

func TestDecodeJSONBody(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		status int
	}{
		{"ok", `{"content":"met Ana","priority":0.4}`, 0},
		{"trailing comma", `{"content":"x",}`, http.StatusBadRequest},
		{"unknown field", `{"content":"x","mood":"sad"}`, http.StatusBadRequest},
		{"oversized", `{"content":"` + strings.Repeat("x", maxBodyBytes+1) + `"}`, http.StatusRequestEntityTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/api/v1/signals", strings.NewReader(tc.body))

			var dst signalBody
			err := DecodeJSONBody(w, r, &dst, zap.NewNop())
			if tc.status == 0 {
				require.NoError(t, err)
				assert.Equal(t, "met Ana", dst.Content)
				assert.InDelta(t, 0.4, dst.Priority, 1e-9)
				return
			}
			assert.Error(t, err)
			assert.Equal(t, tc.status, w.Code)
		})
	}
}

func TestDecodeJSONBody_Empty(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/signals", nil)

	var dst signalBody
	assert.Error(t, DecodeJSONBody(w, r, &dst, zap.NewNop()))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestValidateContentType(t *testing.T) {
	accepted := []string{"application/json", "application/json; charset=UTF-8", "application/json;  charset=utf-8"}
	rejected := []string{"", "text/plain", "application/xml"}

	check := func(ct string) (bool, int) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/api/v1/signals", nil)
		r.Header.Set("Content-Type", ct)
		return ValidateContentType(w, r, zap.NewNop()), w.Code
	}
	for _, ct := range accepted {
		ok, _ := check(ct)
		assert.True(t, ok, ct)
	}
	for _, ct := range rejected {
		ok, code := check(ct)
		assert.False(t, ok, ct)
		assert.Equal(t, http.StatusUnsupportedMediaType, code, ct)
	}
}

func TestResponseWriter_FirstStatusWins(t *testing.T) {
	rw := NewResponseWriter(httptest.NewRecorder())
	assert.Equal(t, http.StatusOK, rw.StatusCode)

	_, err := rw.Write([]byte("{}"))
	require.NoError(t, err)
	assert.True(t, rw.Written)

	rw.WriteHeader(http.StatusTeapot)
	assert.Equal(t, http.StatusOK, rw.StatusCode, "implicit 200 is already on the wire")
}

func TestResponseWriter_Hijack(t *testing.T) {
	rw := NewResponseWriter(httptest.NewRecorder())
	_, _, err := rw.Hijack()
	assert.Error(t, err, "recorder cannot be hijacked")
	assert.NotNil(t, rw.Unwrap())
	rw.Flush()
}
