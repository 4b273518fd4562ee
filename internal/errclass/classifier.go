// Package errclass maps arbitrary failures onto a closed taxonomy with a
// fixed user-facing message and recovery action per category. Raw error
// text never reaches callers; it is redacted for log lines and preserved
// only in the structured log entry.
package errclass

import (
	"strings"

	"quoteflow/logger"
	"quoteflow/models"
)

var clientErrorKeywords = []string{
	"permission", "unauthorized", "unauthorised", "forbidden", "invalid parameter",
	"invalid argument", "bad request", "validation", "权限", "参数无效", "参数有误",
	"未授权", "非法参数",
}

var connectionKeywords = []string{
	"connection", "connect", "econnrefused", "econnreset", "broken pipe",
	"no route to host", "连接",
}

var timeoutKeywords = []string{
	"timeout", "timed out", "deadline exceeded", "超时",
}

var providerKeywords = []string{
	"provider", "upstream", "data source", "datasource", "数据源", "行情源",
}

type categoryProfile struct {
	userMessage string
	recovery    models.RecoveryAction
	severity    models.Severity
	retryable   bool
}

var profiles = map[models.ErrorCategory]categoryProfile{
	models.CategoryClientError: {
		userMessage: "请求参数有误或权限不足，请检查后重试",
		recovery:    models.RecoveryAbort,
		severity:    models.SeverityLow,
		retryable:   false,
	},
	models.CategoryConnectionError: {
		userMessage: "连接异常，正在尝试重新连接",
		recovery:    models.RecoveryReconnect,
		severity:    models.SeverityHigh,
		retryable:   true,
	},
	models.CategoryTimeout: {
		userMessage: "请求超时，请稍后重试",
		recovery:    models.RecoveryRetry,
		severity:    models.SeverityMedium,
		retryable:   true,
	},
	models.CategoryProviderError: {
		userMessage: "行情服务暂时不可用，已切换备用数据源",
		recovery:    models.RecoveryFallback,
		severity:    models.SeverityHigh,
		retryable:   true,
	},
	models.CategoryServerError: {
		userMessage: "服务内部错误，请稍后重试",
		recovery:    models.RecoveryRetry,
		severity:    models.SeverityCritical,
		retryable:   true,
	},
}

// Classify derives the category, user message, recovery action and severity
// for one failure occurrence. The priority order is fixed: client errors
// first, then connection errors (so "mongodb://... timeout" lands on
// connection, not timeout), then timeouts, then provider errors, with
// server_error as the fallback for everything else including nil.
func Classify(err error) models.ClassifiedError {
	category := categorize(err)
	profile := profiles[category]
	return models.ClassifiedError{
		Category:       category,
		UserMessage:    profile.userMessage,
		RecoveryAction: profile.recovery,
		Severity:       profile.severity,
		Retryable:      profile.retryable,
	}
}

// ClassifyAndLog classifies the failure and writes the full unredacted
// detail to the structured log while returning only the sanitized view.
// Logging never fails the caller.
func ClassifyAndLog(log *logger.Log, component string, err error) models.ClassifiedError {
	classified := Classify(err)
	if log != nil && err != nil {
		log.WithComponent(component).WithFields(logger.Fields{
			"category":        string(classified.Category),
			"recovery_action": string(classified.RecoveryAction),
			"severity":        string(classified.Severity),
			"raw_error":       err.Error(),
			"redacted_error":  Redact(err.Error()),
		}).Error("classified failure")
	}
	return classified
}

func categorize(err error) models.ErrorCategory {
	if err == nil {
		return models.CategoryServerError
	}
	msg := strings.ToLower(err.Error())
	if msg == "" {
		return models.CategoryServerError
	}

	if containsAny(msg, clientErrorKeywords) {
		return models.CategoryClientError
	}
	if containsAny(msg, connectionKeywords) || containsConnectionScheme(msg) || containsPrivateIP(msg) {
		return models.CategoryConnectionError
	}
	if containsAny(msg, timeoutKeywords) {
		return models.CategoryTimeout
	}
	if containsAny(msg, providerKeywords) {
		return models.CategoryProviderError
	}
	return models.CategoryServerError
}

func containsAny(msg string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}
