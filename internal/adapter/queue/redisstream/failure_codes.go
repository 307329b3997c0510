package redisstream

import (
	"errors"
	"fmt"

	"github.com/fairyhunter13/ai-chat-orchestrator/internal/domain"
)

// Failure codes used as metric labels. Keep the set small and stable so
// dashboards do not fragment.
const (
	codeNoCapacity     = "NO_CAPACITY"
	codeUploadRelay    = "UPLOAD_RELAY"
	codeBackendHTTP    = "BACKEND_HTTP"
	codeBackendConnect = "BACKEND_CONNECT"
	codeBackendTimeout = "BACKEND_TIMEOUT"
	codeBackendNetwork = "BACKEND_NETWORK"
	codeRefusal        = "REFUSAL"
	codeInternal       = "INTERNAL"
)

// User-visible failure texts persisted into Task.error_msg. These strings
// are part of the product contract surfaced to end users; do not rephrase.
const (
	msgNoCapacity   = "系统繁忙：无可用节点或资源竞争超时"
	msgUploadFailed = "文件上传失败，无法处理请求"
	msgConnect      = "无法连接到 AI 服务 (ConnectTimeout)"
	msgTimeout      = "AI 生成超时 (Timeout)"
	msgNetwork      = "后端服务连接中断"
	msgInternal     = "系统内部处理错误"

	refusalPrefix = "生成失败: "
)

// classifyBackendFailure maps a backend call error onto a metric code and
// the user-visible failure text.
func classifyBackendFailure(err error) (code, userMsg string) {
	var statusErr *domain.BackendStatusError
	switch {
	case errors.As(err, &statusErr):
		return codeBackendHTTP, fmt.Sprintf("API Error %d: %s", statusErr.Code, statusErr.Body)
	case errors.Is(err, domain.ErrBackendConnect):
		return codeBackendConnect, msgConnect
	case errors.Is(err, domain.ErrBackendTimeout):
		return codeBackendTimeout, msgTimeout
	case errors.Is(err, domain.ErrBackendNetwork):
		return codeBackendNetwork, msgNetwork
	default:
		return codeInternal, msgInternal
	}
}
