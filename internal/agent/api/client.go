package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app/client"
	"github.com/cloudwego/hertz/pkg/protocol"
	"go.uber.org/zap"

	"SiteAttend/internal/model"
	"SiteAttend/internal/model/dto"
	"SiteAttend/pkg/errors"
	"SiteAttend/pkg/logger"
)

const defaultTimeout = 15 * time.Second

// Client 考勤服务客户端，所有调用都受超时约束
type Client struct {
	hc      *client.Client
	baseURL string
	token   string
	timeout time.Duration
}

func NewClient(baseURL, token string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	hc, err := client.NewClient(client.WithDialTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to create http client: %w", err)
	}
	return &Client{
		hc:      hc,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		timeout: timeout,
	}, nil
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type exchange struct {
	body   []byte
	status int
	err    error
}

// Do 发送请求；body 非空时按 JSON 编码，成功时把 data 解码到 out
func (c *Client) Do(ctx context.Context, method, path string, body, out interface{}) Result {
	if err := ctx.Err(); err != nil {
		return Result{Outcome: OutcomeCanceled, Err: err}
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return Result{Outcome: OutcomeRejected, Err: errors.ValidationError.WithMessage(err.Error())}
		}
	}

	req := protocol.AcquireRequest()
	resp := protocol.AcquireResponse()
	req.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if payload != nil {
		req.Header.SetContentTypeBytes([]byte("application/json"))
		req.SetBody(payload)
	}

	// 在独立 goroutine 中完成请求，使 ctx 取消能立即返回
	done := make(chan exchange, 1)
	go func() {
		defer protocol.ReleaseRequest(req)
		defer protocol.ReleaseResponse(resp)

		err := c.hc.DoTimeout(ctx, req, resp, c.timeout)
		if err != nil {
			done <- exchange{err: err}
			return
		}
		done <- exchange{status: resp.StatusCode(), body: append([]byte(nil), resp.Body()...)}
	}()

	var ex exchange
	select {
	case <-ctx.Done():
		return Result{Outcome: OutcomeCanceled, Err: ctx.Err()}
	case ex = <-done:
	}

	if ex.err != nil {
		if ctx.Err() != nil {
			return Result{Outcome: OutcomeCanceled, Err: ctx.Err()}
		}
		logger.Logger.Debug("Request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(ex.err),
		)
		return Result{Outcome: OutcomeNetworkFailure, Err: ex.err}
	}

	return decode(ex.status, ex.body, out)
}

func decode(status int, body []byte, out interface{}) Result {
	var env envelope
	parseErr := json.Unmarshal(body, &env)

	if status >= 200 && status < 300 {
		if parseErr != nil {
			return Result{Outcome: OutcomeNetworkFailure, StatusCode: status, Err: fmt.Errorf("malformed response: %w", parseErr)}
		}
		if out != nil && len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, out); err != nil {
				return Result{Outcome: OutcomeNetworkFailure, StatusCode: status, Err: fmt.Errorf("malformed response data: %w", err)}
			}
		}
		return Result{Outcome: OutcomeOK, StatusCode: status}
	}

	var apiErr error = fmt.Errorf("unexpected status %d", status)
	if parseErr == nil && env.Error != nil {
		def := errors.Get(env.Error.Code)
		if env.Error.Message != "" {
			def = def.WithMessage(env.Error.Message)
		}
		apiErr = def
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Result{Outcome: OutcomeAuthFailure, StatusCode: status, Err: apiErr}
	case status == http.StatusTooManyRequests || status >= 500:
		return Result{Outcome: OutcomeNetworkFailure, StatusCode: status, Err: apiErr}
	default:
		return Result{Outcome: OutcomeRejected, StatusCode: status, Err: apiErr}
	}
}

func (c *Client) CheckIn(ctx context.Context, req dto.AttendanceActionRequest) (*dto.AttendanceRecord, Result) {
	var rec dto.AttendanceRecord
	res := c.Do(ctx, http.MethodPost, "/attendance/check-in", req, &rec)
	if !res.OK() {
		return nil, res
	}
	return &rec, res
}

func (c *Client) CheckOut(ctx context.Context, req dto.AttendanceActionRequest) (*dto.AttendanceRecord, Result) {
	var rec dto.AttendanceRecord
	res := c.Do(ctx, http.MethodPost, "/attendance/check-out", req, &rec)
	if !res.OK() {
		return nil, res
	}
	return &rec, res
}

func (c *Client) Status(ctx context.Context) (*dto.AttendanceStatusData, Result) {
	var data dto.AttendanceStatusData
	res := c.Do(ctx, http.MethodGet, "/attendance/status", nil, &data)
	if !res.OK() {
		return nil, res
	}
	return &data, res
}

func (c *Client) Site(ctx context.Context) (*model.SiteGeofence, Result) {
	var fence model.SiteGeofence
	res := c.Do(ctx, http.MethodGet, "/attendance/site", nil, &fence)
	if !res.OK() {
		return nil, res
	}
	return &fence, res
}

// Online 连通性探测
func (c *Client) Online(ctx context.Context) bool {
	res := c.Do(ctx, http.MethodGet, "/health", nil, nil)
	return res.Outcome != OutcomeNetworkFailure && res.Outcome != OutcomeCanceled
}
