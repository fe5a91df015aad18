package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// The collab api is the HTTP side of the collab endpoint. Page sessions
// normally get a connect token from the surrounding product session; tools
// and tests exchange credentials for one here.
type CollabApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	token string
}

func NewCollabApi(apiUrl string) *CollabApi {
	return NewCollabApiWithContext(context.Background(), apiUrl)
}

func NewCollabApiWithContext(ctx context.Context, apiUrl string) *CollabApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &CollabApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *CollabApi) SetToken(token string) {
	self.token = token
}

type AuthConnectCallback apiCallback[*AuthConnectResult]

type AuthConnectArgs struct {
	UserAuth string `json:"user_auth"`
	Password string `json:"password"`
}

type AuthConnectResult struct {
	Token       string            `json:"token,omitempty"`
	UserId      Id                `json:"user_id,omitempty"`
	DisplayName string            `json:"display_name,omitempty"`
	Error       *AuthConnectError `json:"error,omitempty"`
}

type AuthConnectError struct {
	Message string `json:"message"`
}

func (self *CollabApi) AuthConnect(authConnect *AuthConnectArgs, callback AuthConnectCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/auth/connect", self.apiUrl),
		authConnect,
		self.token,
		&AuthConnectResult{},
		callback,
	)
}

func (self *CollabApi) AuthConnectSync(authConnect *AuthConnectArgs) (*AuthConnectResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/auth/connect", self.apiUrl),
		authConnect,
		self.token,
		&AuthConnectResult{},
		NewNoopApiCallback[*AuthConnectResult](),
	)
}

func (self *CollabApi) Close() {
	self.cancel()
}

func post[R any](ctx context.Context, url string, args any, token string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if token != "" {
		auth := fmt.Sprintf("Bearer %s", token)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
