// Package wechat 小程序登录：用前端 code 换取 openid
package wechat

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Exchanger code → openid
type Exchanger interface {
	Exchange(ctx context.Context, code string) (string, error)
}

type sessionResponse struct {
	OpenID     string `json:"openid"`
	SessionKey string `json:"session_key"`
	UnionID    string `json:"unionid"`
	ErrCode    int    `json:"errcode"`
	ErrMsg     string `json:"errmsg"`
}

// Client 微信 jscode2session 客户端
type Client struct {
	httpClient *resty.Client
	appID      string
	appSecret  string
	logger     *zap.Logger
}

func NewClient(baseURL, appID, appSecret string, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetHeader("Accept", "application/json")

	return &Client{httpClient: client, appID: appID, appSecret: appSecret, logger: logger}
}

func (c *Client) Exchange(ctx context.Context, code string) (string, error) {
	var result sessionResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"appid":      c.appID,
			"secret":     c.appSecret,
			"js_code":    code,
			"grant_type": "authorization_code",
		}).
		SetResult(&result).
		ForceContentType("application/json").
		Get("/sns/jscode2session")
	if err != nil {
		c.logger.Error("wechat code exchange failed", zap.Error(err))
		return "", fmt.Errorf("wechat code exchange failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("wechat returned %d", resp.StatusCode())
	}
	if result.ErrCode != 0 || result.OpenID == "" {
		c.logger.Warn("wechat rejected code", zap.Int("errcode", result.ErrCode), zap.String("errmsg", result.ErrMsg))
		return "", fmt.Errorf("wechat rejected code: %d %s", result.ErrCode, result.ErrMsg)
	}
	return result.OpenID, nil
}

// StaticExchanger 开发/测试环境：openid = "dev_" + code
type StaticExchanger struct{}

func (StaticExchanger) Exchange(_ context.Context, code string) (string, error) {
	if code == "" {
		return "", fmt.Errorf("empty code")
	}
	return "dev_" + code, nil
}
