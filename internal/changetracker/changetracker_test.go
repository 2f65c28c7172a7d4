package changetracker

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestTrackerNormalFeedDeliversAndStops(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"seq":1,"id":"a","changes":[{"rev":"1-aaa"}]}`)
		fmt.Fprintln(w, `{"seq":2,"id":"b","changes":[{"rev":"1-bbb"}]}`)
	}))
	defer srv.Close()

	tr := New(zap.NewNop(), Options{
		BaseURL:     srv.URL,
		Feed:        FeedNormal,
		Heartbeat:   time.Second,
		HTTPTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go tr.Run(ctx)

	var got []ChangeRecord
	for rec := range tr.Changes() {
		got = append(got, rec)
	}
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
	assert.Equal(t, StateStopped, tr.State())
}

func TestTrackerFatalOnUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := New(zap.NewNop(), Options{
		BaseURL:     srv.URL,
		Feed:        FeedNormal,
		Heartbeat:   time.Second,
		HTTPTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go tr.Run(ctx)

	for range tr.Changes() {
	}
	select {
	case err := <-tr.Err():
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("expected a fatal error")
	}
	assert.Equal(t, StateStopped, tr.State())
}

type stubAuthorizer struct {
	refreshed bool
}

func (a *stubAuthorizer) Authorize(req *http.Request) error { return nil }
func (a *stubAuthorizer) RefreshCredentials(ctx context.Context) error {
	a.refreshed = true
	return nil
}

func TestTrackerRetriesOnceAfter401(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprintln(w, `{"seq":1,"id":"a","changes":[{"rev":"1-aaa"}]}`)
	}))
	defer srv.Close()

	auth := &stubAuthorizer{}
	tr := New(zap.NewNop(), Options{
		BaseURL:     srv.URL,
		Feed:        FeedNormal,
		Heartbeat:   time.Second,
		HTTPTimeout: 5 * time.Second,
		Authorizer:  auth,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go tr.Run(ctx)

	var got []ChangeRecord
	for rec := range tr.Changes() {
		got = append(got, rec)
	}
	require.Len(t, got, 1)
	assert.True(t, auth.refreshed)
}
