package internal

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// OriginPolicy WebSocket 升級時的來源檢查
type OriginPolicy struct {
	allowed  map[string]struct{}
	allowAll bool
	logger   *slog.Logger
}

// NewOriginPolicy 以配置的來源清單建立檢查
//
// 清單為空時允許所有來源；"*" 同樣允許所有來源。
// 無法解析的項目會被忽略並記錄警告。
func NewOriginPolicy(origins []string, logger *slog.Logger) *OriginPolicy {
	p := &OriginPolicy{
		allowed:  make(map[string]struct{}, len(origins)),
		allowAll: len(origins) == 0,
		logger:   logger,
	}

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		switch trimmed {
		case "":
			continue
		case "*":
			p.allowAll = true
			continue
		}

		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			logger.Warn("忽略無效的來源設定", "origin", origin)
			continue
		}
		p.allowed[normalized] = struct{}{}
	}

	return p
}

// Check 作為 websocket.Upgrader.CheckOrigin
//
// 沒有 Origin 標頭的請求（非瀏覽器客戶端）一律放行。
func (p *OriginPolicy) Check(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" || p.allowAll {
		return true
	}

	if normalized, ok := normalizeOrigin(header); ok {
		if _, exists := p.allowed[normalized]; exists {
			return true
		}
	}

	p.logger.Warn("拒絕來源不允許的 WebSocket 連接", "origin", header)
	return false
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
