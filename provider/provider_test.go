package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTopup(t *testing.T) {
	var gotIdempotencyKeys []string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/wallet/topup", r.URL.Path)
		require.Equal(t, "100", r.URL.Query().Get("amount"))
		require.Equal(t, "Bearer cashuBtoken", r.Header.Get("Authorization"))

		key := r.Header.Get("Idempotency-Key")
		require.NotEmpty(t, key)
		gotIdempotencyKeys = append(gotIdempotencyKeys, key)

		w.Write([]byte(`{"balance": 100}`))
	}))
	defer server.Close()

	client := NewClient(server.URL)

	balance, err := client.Topup(context.Background(), "cashuBtoken", 100)
	require.NoError(t, err)
	require.Equal(t, uint64(100), balance)

	// each call carries a fresh key
	_, err = client.Topup(context.Background(), "cashuBtoken", 100)
	require.NoError(t, err)
	require.Len(t, gotIdempotencyKeys, 2)
	require.NotEqual(t, gotIdempotencyKeys[0], gotIdempotencyKeys[1])
}

func TestBalance(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/v1/wallet/info", r.URL.Path)
		require.Equal(t, "Bearer cashuBtoken", r.Header.Get("Authorization"))
		w.Write([]byte(`{"balance": 42}`))
	}))
	defer server.Close()

	client := NewClient(server.URL)
	balance, err := client.Balance(context.Background(), "cashuBtoken")
	require.NoError(t, err)
	require.Equal(t, uint64(42), balance)
}

func TestRefund(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/wallet/refund", r.URL.Path)
		w.Write([]byte(`{"token": "cashuBrefund"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL)
	token, err := client.Refund(context.Background(), "cashuBtoken")
	require.NoError(t, err)
	require.Equal(t, "cashuBrefund", token)
}

func TestRefundNoBalance(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"token": "", "detail": "nothing to refund"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL)
	_, err := client.Refund(context.Background(), "cashuBtoken")
	require.ErrorIs(t, err, ErrNoBalance)
}

func TestUnauthorized(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		client := NewClient(server.URL)

		_, err := client.Refund(context.Background(), "cashuBtoken")
		require.ErrorIs(t, err, ErrUnauthorized, "status %d", status)

		_, err = client.Balance(context.Background(), "cashuBtoken")
		require.ErrorIs(t, err, ErrUnauthorized, "status %d", status)

		server.Close()
	}
}

func TestServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.URL)
	_, err := client.Topup(context.Background(), "cashuBtoken", 10)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrUnauthorized)
	require.NotErrorIs(t, err, ErrNoBalance)
}

func TestBaseURLTrimsSlash(t *testing.T) {
	client := NewClient("https://api.provider.test/")
	require.Equal(t, "https://api.provider.test", client.BaseURL())
}
