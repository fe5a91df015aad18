package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestAuthConnect(t *testing.T) {
	userId := NewId()

	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/auth/connect", r.URL.Path)

		var args AuthConnectArgs
		err := json.NewDecoder(r.Body).Decode(&args)
		assert.Equal(t, err, nil)

		if args.UserAuth == "dana@example.com" && args.Password == "hunter2" {
			json.NewEncoder(w).Encode(&AuthConnectResult{
				Token:       "connect-token",
				UserId:      userId,
				DisplayName: "Dana",
			})
		} else {
			// credential failures are a 200 with an error document
			json.NewEncoder(w).Encode(&AuthConnectResult{
				Error: &AuthConnectError{
					Message: "Invalid credentials.",
				},
			})
		}
	}))
	defer stub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	timeout := 30 * time.Second

	api := NewCollabApiWithContext(ctx, stub.URL)
	defer api.Close()

	callback, channel := NewBlockingApiCallback[*AuthConnectResult]()
	api.AuthConnect(
		&AuthConnectArgs{
			UserAuth: "dana@example.com",
			Password: "hunter2",
		},
		callback,
	)
	select {
	case result := <-channel:
		assert.Equal(t, result.Error, nil)
		assert.Equal(t, result.Result.Error, nil)
		assert.Equal(t, "connect-token", result.Result.Token)
		assert.Equal(t, userId, result.Result.UserId)
		assert.Equal(t, "Dana", result.Result.DisplayName)
	case <-time.After(timeout):
		t.FailNow()
	}

	result, err := api.AuthConnectSync(&AuthConnectArgs{
		UserAuth: "dana@example.com",
		Password: "wrong",
	})
	assert.Equal(t, err, nil)
	assert.NotEqual(t, result.Error, nil)
	assert.Equal(t, "Invalid credentials.", result.Error.Message)
	assert.Equal(t, "", result.Token)
}

func TestAuthConnectTransportError(t *testing.T) {
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not here", http.StatusNotFound)
	}))
	defer stub.Close()

	api := NewCollabApi(stub.URL)
	defer api.Close()

	_, err := api.AuthConnectSync(&AuthConnectArgs{
		UserAuth: "dana@example.com",
		Password: "hunter2",
	})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, "not here", err.Error())
}
