package events

// MessageType 是页面与生命周期控制器之间交换的消息类型。
type MessageType string

const (
	// 页面 -> 控制器
	TypeSkipWaiting MessageType = "SKIP_WAITING"
	TypeGetVersion  MessageType = "GET_VERSION"
	TypeClearCache  MessageType = "CLEAR_CACHE"

	// 控制器 -> 页面
	TypeNetworkStatus    MessageType = "NETWORK_STATUS"
	TypeRetrySuccess     MessageType = "RETRY_SUCCESS"
	TypeControllerChange MessageType = "CONTROLLER_CHANGE"
)

// Message 是所有频道共用的结构化载荷，可选字段为空时不输出。
type Message struct {
	Type    MessageType `json:"type,omitempty"`
	Online  *bool       `json:"online,omitempty"`
	URL     string      `json:"url,omitempty"`
	Version string      `json:"version,omitempty"`
	Success *bool       `json:"success,omitempty"`
}

// NetworkStatus 构造 NETWORK_STATUS 广播。
func NetworkStatus(online bool) Message {
	return Message{Type: TypeNetworkStatus, Online: &online}
}

// RetrySuccess 构造重放成功后的 RETRY_SUCCESS 广播，url 为页面原始请求的 path+query。
func RetrySuccess(url string) Message {
	return Message{Type: TypeRetrySuccess, URL: url}
}

// ControllerChange 通知页面新版本已接管，需要刷新。
func ControllerChange(version string) Message {
	return Message{Type: TypeControllerChange, Version: version}
}

// VersionReply 应答 GET_VERSION。
func VersionReply(version string) Message {
	return Message{Version: version}
}

// SuccessReply 应答 SKIP_WAITING 与 CLEAR_CACHE。
func SuccessReply(ok bool) Message {
	return Message{Success: &ok}
}
