package entity

// ServerNodeInfo 消息服务器节点信息，节点启动时注册一次供发现用
type ServerNodeInfo struct {
	NodeID  string `json:"node_id"`
	PriorIP string `json:"prior_ip"`
	IP      string `json:"ip"`
	Port    int    `json:"port"`
}
