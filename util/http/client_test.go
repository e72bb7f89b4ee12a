package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPClient(t *testing.T) {
	t.Parallel()

	client := NewHTTPClient()
	require.NotNil(t, client)

	httpClient, ok := client.(*HTTPClient)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, httpClient.client.Timeout)
}

func TestHTTPClient_DoHTTPRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		requestParam *RequestParam
		handler      http.HandlerFunc
		wantErrMsg   string
	}{
		{
			name:         "plain GET",
			requestParam: &RequestParam{Method: http.MethodGet},
			handler: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				_, _ = w.Write([]byte(`{"message": "success"}`))
			},
		},
		{
			name: "POST with JSON body",
			requestParam: &RequestParam{
				Method: http.MethodPost,
				Body:   map[string]interface{}{"key": "value"},
				Header: map[string]string{"Content-Type": "application/json"},
			},
			handler: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				var data map[string]interface{}
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&data))
				assert.Equal(t, "value", data["key"])
				_, _ = w.Write([]byte(`{"received": true}`))
			},
		},
		{
			name: "POST with raw bytes is not re-encoded",
			requestParam: &RequestParam{
				Method: http.MethodPost,
				Body:   []byte(`{"prompt": {}}`),
			},
			handler: func(w http.ResponseWriter, r *http.Request) {
				body, _ := io.ReadAll(r.Body)
				assert.Equal(t, `{"prompt": {}}`, string(body))
			},
		},
		{
			name:         "server error status",
			requestParam: &RequestParam{Method: http.MethodGet},
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error": "server error"}`))
			},
			wantErrMsg: "HTTP request failed with status 500",
		},
		{
			name:         "request timeout",
			requestParam: &RequestParam{Method: http.MethodGet, Timeout: 100 * time.Millisecond},
			handler: func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(200 * time.Millisecond)
			},
			wantErrMsg: "context deadline exceeded",
		},
		{
			name:       "nil param",
			wantErrMsg: "request param is nil",
		},
		{
			name:         "invalid url",
			requestParam: &RequestParam{Method: http.MethodGet, RequestURI: "://invalid-url"},
			wantErrMsg:   "missing protocol scheme",
		},
		{
			name:         "unserialisable body",
			requestParam: &RequestParam{Method: http.MethodPost, Body: make(chan int)},
			wantErrMsg:   "json: unsupported type: chan int",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			handler := tt.handler
			if handler == nil {
				handler = func(w http.ResponseWriter, r *http.Request) {}
			}
			server := httptest.NewServer(handler)
			defer server.Close()

			if tt.requestParam != nil && tt.requestParam.RequestURI == "" {
				tt.requestParam.RequestURI = server.URL
			}

			err := NewHTTPClient().DoHTTPRequest(context.Background(), tt.requestParam)
			if tt.wantErrMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErrMsg)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestHTTPClient_DoHTTPRequest_ContextCancellation(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"result": "ok"}`))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := NewHTTPClient().DoHTTPRequest(ctx, &RequestParam{
		Method:     http.MethodGet,
		RequestURI: server.URL,
		Response:   &map[string]interface{}{},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context canceled")
}

func TestHTTPClient_DoHTTPRequest_DecodesJSON(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"name": "a.png", "subfolder": "", "type": "input"}`))
	}))
	defer server.Close()

	var resp struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}
	err := NewHTTPClient().DoHTTPRequest(context.Background(), &RequestParam{
		Method:     http.MethodPost,
		RequestURI: server.URL,
		Response:   &resp,
	})
	require.NoError(t, err)
	assert.Equal(t, "a.png", resp.Name)
	assert.Equal(t, "input", resp.Type)
}

func TestHTTPClient_DoHTTPRequest_RawResponse(t *testing.T) {
	t.Parallel()

	payload := []byte{0x89, 'P', 'N', 'G', 0x00, 0x01}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	var raw []byte
	err := NewHTTPClient().DoHTTPRequest(context.Background(), &RequestParam{
		Method:     http.MethodGet,
		RequestURI: server.URL,
		Response:   &raw,
	})
	require.NoError(t, err)
	assert.Equal(t, payload, raw)
}

func TestHTTPClient_DoHTTPRequest_EmptyBody(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Empty(t, body)
	}))
	defer server.Close()

	err := NewHTTPClient().DoHTTPRequest(context.Background(), &RequestParam{
		Method:     http.MethodPost,
		RequestURI: server.URL,
		Response:   &map[string]interface{}{},
	})
	assert.NoError(t, err)
}

func TestHTTPClient_DoHTTPRequest_ErrorStatusCodes(t *testing.T) {
	t.Parallel()

	for _, statusCode := range []int{400, 401, 403, 404, 500, 502, 503} {
		t.Run(strconv.Itoa(statusCode), func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(statusCode)
				_, _ = w.Write([]byte(strings.Repeat("Error message ", 100)))
			}))
			defer server.Close()

			err := NewHTTPClient().DoHTTPRequest(context.Background(), &RequestParam{
				Method:     http.MethodGet,
				RequestURI: server.URL,
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "HTTP request failed with status "+strconv.Itoa(statusCode))
			assert.Contains(t, err.Error(), "Error message")
			assert.Less(t, len(err.Error()), 700)
		})
	}
}
