package tide

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/golang/glog"
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

// One-shot function calls over http, with no subscription semantics.
// For callers that need a single result without holding a sync
// connection open.
type DeploymentApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	deploymentUrl string

	authToken string
}

func NewDeploymentApi(deploymentUrl string) *DeploymentApi {
	return NewDeploymentApiWithContext(context.Background(), deploymentUrl)
}

func NewDeploymentApiWithContext(ctx context.Context, deploymentUrl string) *DeploymentApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &DeploymentApi{
		ctx:           cancelCtx,
		cancel:        cancel,
		deploymentUrl: deploymentUrl,
	}
}

// this gets attached to api calls that need it
func (self *DeploymentApi) SetAuthToken(authToken string) {
	self.authToken = authToken
}

func (self *DeploymentApi) Close() {
	self.cancel()
}

type FunctionCallCallback apiCallback[*FunctionCallResult]

type functionCallArgs struct {
	Path   string `json:"path"`
	Args   Value  `json:"args"`
	Format string `json:"format"`
}

type FunctionCallResult struct {
	Status       string   `json:"status"`
	Value        Value    `json:"value,omitempty"`
	ErrorMessage string   `json:"errorMessage,omitempty"`
	ErrorData    Value    `json:"errorData,omitempty"`
	LogLines     []string `json:"logLines,omitempty"`
}

func (self *DeploymentApi) Query(path string, args any, callback FunctionCallCallback) {
	self.callFunction("query", path, args, callback)
}

func (self *DeploymentApi) QuerySync(path string, args any) (Value, error) {
	return self.callFunctionSync("query", path, args)
}

// QueryGetSync runs a query over a plain GET, for callers like cache
// layers and health checks that cannot POST
func (self *DeploymentApi) QueryGetSync(path string, args any) (Value, error) {
	callArgs, err := newFunctionCallArgs(path, args)
	if err != nil {
		return nil, err
	}
	values := url.Values{}
	values.Set("path", callArgs.Path)
	values.Set("args", string(callArgs.Args))
	values.Set("format", callArgs.Format)
	result, err := get(
		self.ctx,
		fmt.Sprintf("%s/api/query?%s", self.deploymentUrl, values.Encode()),
		self.authToken,
		&FunctionCallResult{},
		NewNoopApiCallback[*FunctionCallResult](),
	)
	if err != nil {
		return nil, err
	}
	return unwrapFunctionCallResult(result)
}

func (self *DeploymentApi) Mutation(path string, args any, callback FunctionCallCallback) {
	self.callFunction("mutation", path, args, callback)
}

func (self *DeploymentApi) MutationSync(path string, args any) (Value, error) {
	return self.callFunctionSync("mutation", path, args)
}

func (self *DeploymentApi) Action(path string, args any, callback FunctionCallCallback) {
	self.callFunction("action", path, args, callback)
}

func (self *DeploymentApi) ActionSync(path string, args any) (Value, error) {
	return self.callFunctionSync("action", path, args)
}

func (self *DeploymentApi) callFunction(endpoint string, path string, args any, callback FunctionCallCallback) {
	callArgs, err := newFunctionCallArgs(path, args)
	if err != nil {
		callback.Result(nil, err)
		return
	}
	go post(
		self.ctx,
		fmt.Sprintf("%s/api/%s", self.deploymentUrl, endpoint),
		callArgs,
		self.authToken,
		&FunctionCallResult{},
		callback,
	)
}

func (self *DeploymentApi) callFunctionSync(endpoint string, path string, args any) (Value, error) {
	callArgs, err := newFunctionCallArgs(path, args)
	if err != nil {
		return nil, err
	}
	result, err := post(
		self.ctx,
		fmt.Sprintf("%s/api/%s", self.deploymentUrl, endpoint),
		callArgs,
		self.authToken,
		&FunctionCallResult{},
		NewNoopApiCallback[*FunctionCallResult](),
	)
	if err != nil {
		return nil, err
	}
	return unwrapFunctionCallResult(result)
}

func newFunctionCallArgs(path string, args any) (*functionCallArgs, error) {
	canonicalPath, err := CanonicalFunctionPath(path)
	if err != nil {
		return nil, err
	}
	argsValue, err := canonicalArgs(args)
	if err != nil {
		return nil, err
	}
	return &functionCallArgs{
		Path:   canonicalPath,
		Args:   argsValue,
		Format: "json",
	}, nil
}

func unwrapFunctionCallResult(result *FunctionCallResult) (Value, error) {
	for _, line := range result.LogLines {
		glog.Infof("[udf]%s\n", line)
	}
	switch result.Status {
	case "success":
		return result.Value, nil
	case "error":
		return nil, &ServerRejectedError{
			Message: result.ErrorMessage,
			Data:    result.ErrorData,
		}
	default:
		return nil, fmt.Errorf("unknown result status %q", result.Status)
	}
}

func post[R any](ctx context.Context, url string, args any, authToken string, result R, callback apiCallback[R]) (R, error) {
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

func get[R any](ctx context.Context, url string, authToken string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

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

	responseBodyBytes, err := io.ReadAll(r.Body)
	r.Body.Close()

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
