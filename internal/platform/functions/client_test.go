package functions

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInvoke_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/generate-appointment-occurrences", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.Equal(t, "acme", r.Header.Get("X-Tenant-ID"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "s-1", body["seriesId"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"generated":{"created":4}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "secret", WithTenantFunc(func(context.Context) string { return "acme" }))

	var out struct {
		Generated struct {
			Created int `json:"created"`
		} `json:"generated"`
	}
	err := c.Invoke(context.Background(), "generate-appointment-occurrences", map[string]any{"seriesId": "s-1"}, &out)
	require.NoError(t, err)
	require.Equal(t, 4, out.Generated.Created)
}

func TestInvoke_ErrorMessagePassthrough(t *testing.T) {
	cases := map[string]string{
		`{"error":"series not found"}`:                  "series not found",
		`{"ok":false,"error":{"message":"rrule bad"}}`: "rrule bad",
		"upstream timeout":                              "upstream timeout",
	}
	for body, want := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte(body))
		}))

		err := NewClient(srv.URL, "").Invoke(context.Background(), "fn", struct{}{}, nil)
		srv.Close()

		var fe *FunctionError
		require.True(t, errors.As(err, &fe), "body %q", body)
		require.Equal(t, http.StatusBadGateway, fe.StatusCode)
		require.Equal(t, want, fe.Message)
		require.Equal(t, "fn", fe.Function)
	}
}

func TestInvoke_NoAuthHeaderWithoutKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.Header.Get("Authorization"))
		require.Empty(t, r.Header.Get("X-Tenant-ID"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	require.NoError(t, NewClient(srv.URL, "").Invoke(context.Background(), "fn", nil, nil))
}

func TestInvoke_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewClient(srv.URL, "").Invoke(ctx, "fn", nil, nil)
	require.ErrorIs(t, err, context.Canceled)
}
