// Package sms 短信下发：mock 通道（开发环境，只记日志）与 HTTP 通道
package sms

import (
	"context"
	"fmt"
	"sync"
	"time"

	"checkin-core/internal/config"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Sender 短信发送
type Sender interface {
	SendCode(ctx context.Context, phone, code, purpose string) error
}

// NewSender 按 SMS_PROVIDER 选择通道
func NewSender(cfg config.SMSConfig, logger *zap.Logger) Sender {
	if cfg.Provider == "http" && cfg.HttpAddress != "" {
		return NewHTTPSender(cfg.HttpAddress, cfg.APIKey, cfg.SignName, logger)
	}
	return NewMockSender(logger)
}

// MockSender 不真正发送，记录最后一条验证码
type MockSender struct {
	mu     sync.Mutex
	last   map[string]string
	logger *zap.Logger
}

func NewMockSender(logger *zap.Logger) *MockSender {
	return &MockSender{last: map[string]string{}, logger: logger}
}

func (m *MockSender) SendCode(_ context.Context, phone, code, purpose string) error {
	m.mu.Lock()
	m.last[phone+"|"+purpose] = code
	m.mu.Unlock()
	m.logger.Info("mock sms sent", zap.String("purpose", purpose), zap.String("code", code))
	return nil
}

// LastCode 最后一次发给 phone 的验证码
func (m *MockSender) LastCode(phone, purpose string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.last[phone+"|"+purpose]
	return c, ok
}

type sendRequest struct {
	Phone    string            `json:"phone"`
	SignName string            `json:"sign_name"`
	Template string            `json:"template"`
	Params   map[string]string `json:"params"`
}

type sendResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// HTTPSender 通过短信网关 HTTP 接口发送
type HTTPSender struct {
	httpClient *resty.Client
	signName   string
	logger     *zap.Logger
}

func NewHTTPSender(baseURL, apiKey, signName string, logger *zap.Logger) *HTTPSender {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("X-Api-Key", apiKey)

	return &HTTPSender{httpClient: client, signName: signName, logger: logger}
}

func (s *HTTPSender) SendCode(ctx context.Context, phone, code, purpose string) error {
	var result sendResponse
	resp, err := s.httpClient.R().
		SetContext(ctx).
		SetBody(sendRequest{
			Phone:    phone,
			SignName: s.signName,
			Template: "verify_" + purpose,
			Params:   map[string]string{"code": code},
		}).
		SetResult(&result).
		Post("/sms/send")
	if err != nil {
		s.logger.Error("sms gateway request failed", zap.Error(err))
		return fmt.Errorf("sms gateway request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("sms gateway returned %d", resp.StatusCode())
	}
	if result.Code != 0 {
		s.logger.Warn("sms gateway rejected", zap.Int("code", result.Code), zap.String("message", result.Message))
		return fmt.Errorf("sms gateway rejected: %d %s", result.Code, result.Message)
	}
	return nil
}
