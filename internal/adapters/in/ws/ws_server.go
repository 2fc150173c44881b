package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/EthanQC/IM/services/cluster_service/internal/domain/entity"
	"github.com/EthanQC/IM/services/cluster_service/internal/ports/in"
)

const (
	// 写超时
	writeWait = 10 * time.Second
	// Pong等待时间
	pongWait = 60 * time.Second
	// Ping周期（必须小于pongWait）
	pingPeriod = 30 * time.Second
	// 最大消息大小
	maxMessageSize = 64 * 1024
)

// WSMessageType WebSocket消息类型
type WSMessageType string

const (
	// 客户端消息类型
	MsgTypePing      WSMessageType = "ping"
	MsgTypeSignaling WSMessageType = "signaling"
	MsgTypeQuery     WSMessageType = "query_status"

	// 服务端消息类型
	MsgTypePong       WSMessageType = "pong"
	MsgTypeNotify     WSMessageType = "notify"
	MsgTypeSignalResp WSMessageType = "signal_resp"
	MsgTypeQueryResp  WSMessageType = "query_resp"
	MsgTypeError      WSMessageType = "error"
)

// WSMessage WebSocket消息
type WSMessage struct {
	Type WSMessageType   `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
	Ts   int64           `json:"ts,omitempty"`
}

// SignalingData 信令请求数据
type SignalingData struct {
	Action string `json:"action"` // call, accept, hangup
	ToID   uint64 `json:"to_id"`
	NetID  uint64 `json:"net_id,omitempty"`
	CallID uint64 `json:"call_id,omitempty"`
}

// QueryStatusData 批量状态查询请求数据
type QueryStatusData struct {
	UserIDs []uint64 `json:"user_ids"`
}

// WSConnection 一条客户端连接，netID 是集群内唯一的连接句柄
type WSConnection struct {
	conn       *websocket.Conn
	netID      uint64
	userID     uint64
	clientType entity.ClientType
	send       chan []byte
	closed     int32

	// 依赖注入
	connManager *ConnectionManager
	presenceUC  in.PresenceUseCase
	signalingUC in.SignalingUseCase
}

// NewWSConnection 创建连接
func NewWSConnection(conn *websocket.Conn, netID, userID uint64, clientType entity.ClientType) *WSConnection {
	return &WSConnection{
		conn:       conn,
		netID:      netID,
		userID:     userID,
		clientType: clientType,
		send:       make(chan []byte, 256),
	}
}

func (c *WSConnection) NetID() uint64 {
	return c.netID
}

func (c *WSConnection) UserID() uint64 {
	return c.userID
}

func (c *WSConnection) Send(message []byte) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return fmt.Errorf("connection closed")
	}

	select {
	case c.send <- message:
		return nil
	default:
		return fmt.Errorf("send buffer full")
	}
}

func (c *WSConnection) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}

	close(c.send)
	return c.conn.Close()
}

// ReadPump 读取消息
func (c *WSConnection) ReadPump() {
	defer func() {
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				zap.L().Warn("WebSocket error", zap.Uint64("userID", c.userID), zap.Error(err))
			}
			break
		}

		c.handleMessage(message)
	}
}

// WritePump 写入消息
func (c *WSConnection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				zap.L().Warn("Write error", zap.Uint64("userID", c.userID), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSConnection) cleanup() {
	// 注销连接
	if c.connManager != nil {
		c.connManager.Unregister(c.netID)
	}

	// 通知用户离线
	if c.presenceUC != nil {
		connCtx := in.ConnectionContext{ClientType: c.clientType, NetID: c.netID}
		c.presenceUC.ConnectionStatusChanged(context.Background(), c.userID, connCtx, entity.UserStatusOffline)
	}

	zap.L().Info("Connection cleanup",
		zap.Uint64("userID", c.userID),
		zap.Uint64("netID", c.netID))
}

func (c *WSConnection) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid message format")
		return
	}

	switch msg.Type {
	case MsgTypePing:
		c.sendJSON(WSMessage{Type: MsgTypePong, ID: msg.ID, Ts: time.Now().UnixMilli()})

	case MsgTypeSignaling:
		c.handleSignaling(msg.ID, msg.Data)

	case MsgTypeQuery:
		c.handleQueryStatus(msg.ID, msg.Data)

	default:
		c.sendError(msg.ID, "unknown message type")
	}
}

func (c *WSConnection) handleSignaling(msgID string, data json.RawMessage) {
	if c.signalingUC == nil {
		c.sendError(msgID, "signaling service unavailable")
		return
	}

	var req SignalingData
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError(msgID, "invalid signaling data")
		return
	}

	ctx := context.Background()
	var err error
	switch req.Action {
	case "call":
		// 主叫方所在连接就是对端回呼要用的路由ID
		err = c.signalingUC.InitiateCall(ctx, c.userID, req.ToID, c.netID)
	case "accept":
		err = c.signalingUC.AcceptCall(ctx, c.userID, req.ToID, c.netID)
	case "hangup":
		err = c.signalingUC.Hangup(ctx, c.userID, req.ToID, req.CallID)
	default:
		c.sendError(msgID, "unknown signaling action: "+req.Action)
		return
	}

	if err != nil {
		c.sendError(msgID, err.Error())
		return
	}

	c.sendJSON(WSMessage{
		Type: MsgTypeSignalResp,
		ID:   msgID,
		Data: json.RawMessage(`{"status":"ok"}`),
		Ts:   time.Now().UnixMilli(),
	})
}

func (c *WSConnection) handleQueryStatus(msgID string, data json.RawMessage) {
	if c.presenceUC == nil {
		c.sendError(msgID, "presence service unavailable")
		return
	}

	var req QueryStatusData
	if err := json.Unmarshal(data, &req); err != nil {
		c.sendError(msgID, "invalid query data")
		return
	}

	stats, err := c.presenceUC.QueryUserStatus(context.Background(), c.userID, req.UserIDs)
	if err != nil {
		c.sendError(msgID, err.Error())
		return
	}

	respData, _ := json.Marshal(stats)
	c.sendJSON(WSMessage{
		Type: MsgTypeQueryResp,
		ID:   msgID,
		Data: respData,
		Ts:   time.Now().UnixMilli(),
	})
}

func (c *WSConnection) sendJSON(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.Send(data)
}

func (c *WSConnection) sendError(msgID, errMsg string) {
	errData, _ := json.Marshal(map[string]string{"error": errMsg})
	c.sendJSON(WSMessage{
		Type: MsgTypeError,
		ID:   msgID,
		Data: errData,
		Ts:   time.Now().UnixMilli(),
	})
}

// ConnectionManager 本节点连接管理器，实现 out.ConnectionManager
type ConnectionManager struct {
	connections map[uint64]*WSConnection            // netID -> connection
	byUser      map[uint64]map[uint64]*WSConnection // userID -> netID -> connection
	mu          sync.RWMutex

	// 统计
	totalConns int64
	totalMsgs  int64
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[uint64]*WSConnection),
		byUser:      make(map[uint64]map[uint64]*WSConnection),
	}
}

func (m *ConnectionManager) Register(conn *WSConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.connections[conn.netID] = conn
	if _, ok := m.byUser[conn.userID]; !ok {
		m.byUser[conn.userID] = make(map[uint64]*WSConnection)
	}
	m.byUser[conn.userID][conn.netID] = conn
	atomic.AddInt64(&m.totalConns, 1)

	zap.L().Info("Connection registered",
		zap.Uint64("userID", conn.userID),
		zap.Uint64("netID", conn.netID),
		zap.Int64("totalConns", atomic.LoadInt64(&m.totalConns)))
}

func (m *ConnectionManager) Unregister(netID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.connections[netID]
	if !ok {
		return
	}

	conn.Close()
	delete(m.connections, netID)
	if conns, ok := m.byUser[conn.userID]; ok {
		delete(conns, netID)
		if len(conns) == 0 {
			delete(m.byUser, conn.userID)
		}
	}
	atomic.AddInt64(&m.totalConns, -1)

	zap.L().Info("Connection unregistered",
		zap.Uint64("userID", conn.userID),
		zap.Uint64("netID", netID))
}

// Send 向指定句柄的连接推送；连接不在本节点为静默空操作
func (m *ConnectionManager) Send(netID uint64, data []byte) error {
	m.mu.RLock()
	conn, ok := m.connections[netID]
	m.mu.RUnlock()

	if !ok {
		return nil
	}

	atomic.AddInt64(&m.totalMsgs, 1)
	return conn.Send(data)
}

// SendToUser 向该用户在本节点的全部连接推送
func (m *ConnectionManager) SendToUser(userID uint64, data []byte) int {
	m.mu.RLock()
	conns := make([]*WSConnection, 0, len(m.byUser[userID]))
	for _, conn := range m.byUser[userID] {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	delivered := 0
	for _, conn := range conns {
		if err := conn.Send(data); err != nil {
			zap.L().Warn("Failed to send message to user",
				zap.Uint64("userID", userID), zap.Error(err))
			continue
		}
		delivered++
	}

	atomic.AddInt64(&m.totalMsgs, int64(delivered))
	return delivered
}

func (m *ConnectionManager) Has(netID uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.connections[netID]
	return ok
}

func (m *ConnectionManager) Kick(netID uint64) error {
	m.mu.RLock()
	conn, ok := m.connections[netID]
	m.mu.RUnlock()

	if !ok {
		return errors.New("connection not found")
	}
	return conn.Close()
}

// GetStats 获取统计信息
func (m *ConnectionManager) GetStats() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int64{
		"total_connections": atomic.LoadInt64(&m.totalConns),
		"total_messages":    atomic.LoadInt64(&m.totalMsgs),
		"online_users":      int64(len(m.byUser)),
	}
}

// WSServer WebSocket服务器
type WSServer struct {
	connManager *ConnectionManager
	presenceUC  in.PresenceUseCase
	signalingUC in.SignalingUseCase
	upgrader    websocket.Upgrader

	// 句柄分配器，以启动时间为基准保证节点重启后不复用
	nextNetID uint64
}

func NewWSServer(
	connManager *ConnectionManager,
	presenceUC in.PresenceUseCase,
	signalingUC in.SignalingUseCase,
) *WSServer {
	return &WSServer{
		connManager: connManager,
		presenceUC:  presenceUC,
		signalingUC: signalingUC,
		nextNetID:   uint64(time.Now().UnixNano()),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // 生产环境应该校验Origin
			},
		},
	}
}

// HandleConnection 处理WebSocket连接
func (s *WSServer) HandleConnection(w http.ResponseWriter, r *http.Request, userID uint64, clientType entity.ClientType) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.L().Warn("WebSocket upgrade error", zap.Error(err))
		return
	}

	netID := atomic.AddUint64(&s.nextNetID, 1)
	wsConn := NewWSConnection(conn, netID, userID, clientType)
	wsConn.connManager = s.connManager
	wsConn.presenceUC = s.presenceUC
	wsConn.signalingUC = s.signalingUC

	// 先限制多端：踢掉同类型客户端的既有连接
	if _, err := s.presenceUC.KickOutSameClientType(r.Context(), userID, clientType, 0); err != nil {
		zap.L().Warn("kick out same client type failed",
			zap.Uint64("userID", userID), zap.Error(err))
	}

	// 注册连接并通知用户上线
	s.connManager.Register(wsConn)
	connCtx := in.ConnectionContext{ClientType: clientType, NetID: netID}
	s.presenceUC.ConnectionStatusChanged(r.Context(), userID, connCtx, entity.UserStatusOnline)

	// 启动读写协程
	go wsConn.WritePump()
	go wsConn.ReadPump()

	// 发送连接成功消息
	welcomeData, _ := json.Marshal(map[string]interface{}{
		"status":      "connected",
		"user_id":     userID,
		"net_id":      netID,
		"server_time": time.Now().UnixMilli(),
	})
	wsConn.sendJSON(WSMessage{
		Type: MsgTypeNotify,
		Data: welcomeData,
		Ts:   time.Now().UnixMilli(),
	})
}

// GetStats 获取服务器统计
func (s *WSServer) GetStats() map[string]int64 {
	return s.connManager.GetStats()
}
