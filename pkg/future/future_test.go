package future

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/envelope"
	"github.com/thingsplode/thingsplode-synapse-sub000/pkg/rpcerr"
)

func reply(id string, status int) *envelope.Envelope {
	return &envelope.Envelope{
		Kind:   envelope.KindResponse,
		Header: envelope.Header{CorrelationID: id, Status: status},
	}
}

func TestFuture_SingleAssignment(t *testing.T) {
	f := New("m-1", time.Second, time.Now())

	if !f.Complete(reply("m-1", http.StatusOK)) {
		t.Fatal("future:future_test - first Complete should resolve")
	}
	if f.Complete(reply("m-1", http.StatusAccepted)) {
		t.Error("future:future_test - second Complete must be ignored")
	}
	if f.Fail(errors.New("late")) {
		t.Error("future:future_test - Fail after Complete must be ignored")
	}

	resp, err := f.Get(context.Background())
	if err != nil {
		t.Fatalf("future:future_test - Get error: %v", err)
	}
	if resp.Header.Status != http.StatusOK {
		t.Errorf("future:future_test - status = %d, want 200", resp.Header.Status)
	}
}

func TestFuture_GetReturnsFailure(t *testing.T) {
	f := New("m-2", 0, time.Now())
	f.Fail(rpcerr.RequestTimeout("m-2", 10))

	_, err := f.Get(context.Background())
	if !errors.Is(err, rpcerr.ErrRequestTimeout) {
		t.Errorf("future:future_test - err = %v, want REQUEST_TIMEOUT", err)
	}
}

func TestFuture_GetSurfacesReplyError(t *testing.T) {
	f := New("m-3", 0, time.Now())
	f.Complete(reply("m-3", http.StatusNotFound))

	resp, err := f.Get(context.Background())
	if resp == nil {
		t.Fatal("future:future_test - reply should be returned with its error")
	}
	if !errors.Is(err, rpcerr.ErrRouteNotFound) {
		t.Errorf("future:future_test - err = %v, want ROUTE_NOT_FOUND", err)
	}
}

func TestFuture_GetHonoursContext(t *testing.T) {
	f := New("m-4", 0, time.Now())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := f.Get(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("future:future_test - err = %v, want deadline exceeded", err)
	}
	if f.IsDone() {
		t.Error("future:future_test - abandoning Get must not resolve the future")
	}
}

func TestFuture_TryGet(t *testing.T) {
	f := New("m-5", 0, time.Now())
	if _, ok, _ := f.TryGet(); ok {
		t.Fatal("future:future_test - TryGet on unresolved future should report false")
	}
	f.Complete(reply("m-5", http.StatusOK))
	if _, ok, err := f.TryGet(); !ok || err != nil {
		t.Errorf("future:future_test - TryGet = %v, %v", err, ok)
	}
}

func TestFuture_Expiry(t *testing.T) {
	start := time.Now()
	f := New("m-6", 500*time.Millisecond, start)

	if f.Expired(start.Add(499 * time.Millisecond)) {
		t.Error("future:future_test - not yet expired")
	}
	if !f.Expired(start.Add(500 * time.Millisecond)) {
		t.Error("future:future_test - expired exactly at the timeout")
	}
	if d, ok := f.Deadline(); !ok || !d.Equal(start.Add(500*time.Millisecond)) {
		t.Errorf("future:future_test - Deadline = %v, %v", d, ok)
	}

	never := New("m-7", 0, start)
	if never.Expired(start.Add(24 * time.Hour)) {
		t.Error("future:future_test - zero timeout never expires")
	}
	if _, ok := never.Deadline(); ok {
		t.Error("future:future_test - zero timeout has no deadline")
	}
}
