package qrcode_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/keymeter/qrcode"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

func TestGenerate_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "150x150", r.URL.Query().Get("size"))
		assert.Equal(t, "hello world & more", r.URL.Query().Get("data"))
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngMagic)
	}))
	defer srv.Close()

	c := qrcode.New(srv.URL + "/v1/create-qr-code/")
	img, err := c.Generate(context.Background(), "hello world & more")
	require.NoError(t, err)
	assert.Equal(t, pngMagic, img.Data)
	assert.Equal(t, "image/png", img.ContentType)
}

func TestGenerate_CustomSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "300x300", r.URL.Query().Get("size"))
		w.Write(pngMagic)
	}))
	defer srv.Close()

	c := qrcode.New(srv.URL, qrcode.WithSize("300x300"))
	_, err := c.Generate(context.Background(), "x")
	require.NoError(t, err)
}

func TestGenerate_EmptyText(t *testing.T) {
	c := qrcode.New("http://127.0.0.1:1")
	_, err := c.Generate(context.Background(), "")
	assert.ErrorIs(t, err, qrcode.ErrEmptyText)
}

func TestGenerate_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := qrcode.New(srv.URL)
	_, err := c.Generate(context.Background(), "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, qrcode.ErrUpstream)
	assert.Contains(t, err.Error(), "502")
}

func TestGenerate_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := qrcode.New(srv.URL, qrcode.WithTimeout(50*time.Millisecond))
	_, err := c.Generate(context.Background(), "x")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGenerate_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	var transitions []gobreaker.State
	c := qrcode.New(srv.URL, qrcode.WithStateChange(func(_, to gobreaker.State) {
		transitions = append(transitions, to)
	}))

	for i := 0; i < 5; i++ {
		_, err := c.Generate(context.Background(), "x")
		assert.ErrorIs(t, err, qrcode.ErrUpstream)
	}
	assert.Equal(t, gobreaker.StateOpen, c.State())
	assert.Equal(t, []gobreaker.State{gobreaker.StateOpen}, transitions)

	_, err := c.Generate(context.Background(), "x")
	assert.ErrorIs(t, err, qrcode.ErrUnavailable)
	assert.Equal(t, int32(5), calls.Load(), "open breaker does not call upstream")
}
