package entity

import "encoding/json"

// 服务ID，对应协议头里的 service_id
const (
	ServiceIDLogin  uint16 = 1
	ServiceIDBuddy  uint16 = 2
	ServiceIDMsg    uint16 = 3
	ServiceIDOther  uint16 = 7
	ServiceIDAVCall uint16 = 8
)

// 音视频信令命令ID
const (
	CmdIDAVCallInitiateReq uint16 = 0x0801
	CmdIDAVCallInitiateRes uint16 = 0x0802
	CmdIDAVCallCancelReq   uint16 = 0x0803
	CmdIDAVCallHungupReq   uint16 = 0x0804
)

// 登录服务命令ID
const (
	CmdIDLoginKickUser uint16 = 0x0105
)

// Header 消息头，客户端与服务器之间的每条消息都带一个
type Header struct {
	ServiceID uint16 `json:"service_id"`
	CommandID uint16 `json:"command_id"`
	SeqNum    uint32 `json:"seq_num,omitempty"`
}

// ClusterMessage 在集群内流转的消息：消息头加未解析的负载
// ToUserID / ToNetID 用于各节点本地过滤，为 0 表示不限定
type ClusterMessage struct {
	Header   Header          `json:"header"`
	ToUserID uint64          `json:"to_user_id,omitempty"`
	ToNetID  uint64          `json:"to_net_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// AVCallCancel 挂断/取消通知的负载
type AVCallCancel struct {
	FromID uint64 `json:"from_id"`
	ToID   uint64 `json:"to_id"`
	CallID uint64 `json:"call_id"`
}

// KickUserNotify 踢下线通知的负载
type KickUserNotify struct {
	UserID     uint64     `json:"user_id"`
	ClientType ClientType `json:"client_type"`
	Reason     uint32     `json:"reason"`
}
