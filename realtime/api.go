package realtime

import (
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
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
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
	callback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return callback, c
}

// the authoritative object set lives behind this read interface.
// reconciliation only ever reads; persistence is the backend's concern.
type CanvasObjectSource interface {
	FetchCanvasObjects(ctx context.Context, canvasId string) ([]CanvasObject, error)
}

type CanvasApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	authToken string
}

func NewCanvasApi(apiUrl string) *CanvasApi {
	return NewCanvasApiWithContext(context.Background(), apiUrl)
}

func NewCanvasApiWithContext(ctx context.Context, apiUrl string) *CanvasApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &CanvasApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *CanvasApi) SetAuthToken(authToken string) {
	self.authToken = authToken
}

type GetCanvasObjectsCallback apiCallback[*GetCanvasObjectsResult]

type GetCanvasObjectsResult struct {
	Objects []CanvasObject `json:"objects"`
}

func (self *CanvasApi) GetCanvasObjects(canvasId string, callback GetCanvasObjectsCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/canvas/%s/objects", self.apiUrl, canvasId),
		self.authToken,
		&GetCanvasObjectsResult{},
		callback,
	)
}

// CanvasObjectSource
func (self *CanvasApi) FetchCanvasObjects(ctx context.Context, canvasId string) ([]CanvasObject, error) {
	result, err := get(
		ctx,
		fmt.Sprintf("%s/canvas/%s/objects", self.apiUrl, canvasId),
		self.authToken,
		&GetCanvasObjectsResult{},
		NewNoopApiCallback[*GetCanvasObjectsResult](),
	)
	if err != nil {
		return nil, err
	}
	return result.Objects, nil
}

func (self *CanvasApi) Close() {
	self.cancel()
}

func get[R any](ctx context.Context, url string, authToken string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if authToken != "" {
		auth := fmt.Sprintf("Bearer %s", authToken)
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
