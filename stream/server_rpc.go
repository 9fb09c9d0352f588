package stream

import (
	"encoding/json"

	"streamcast/clients"
	"streamcast/control"
	"streamcast/log"
	"streamcast/message"
)

type rpcParams struct {
	Client  string  `json:"client"`
	Volume  *int    `json:"volume"`
	Mute    *bool   `json:"mute"`
	Latency *int    `json:"latency"`
	Name    *string `json:"name"`
}

// OnControlMessage 控制端 JSON-RPC 解派入口。
// 控制面错误只回给调用方，从不影响名册或连接本身。
func (s *Server) OnControlMessage(cs *control.Session, line string) {
	var req control.RPCRequest
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		_ = cs.Send(control.NewError(nil, control.RPCParseError, "parse error"))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		_ = cs.Send(control.NewError(req.ID, control.RPCInvalidRequest, "invalid request"))
		return
	}
	log.With(map[string]any{"method": req.Method, "id": string(req.ID)}).Debug("控制请求")
	_ = cs.Send(s.dispatchRPC(req))
}

// dispatchRPC 执行一条 JSON-RPC 请求并返回响应文本。
func (s *Server) dispatchRPC(req control.RPCRequest) string {
	var p rpcParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return control.NewError(req.ID, control.RPCInvalidParams, "invalid params")
		}
	}

	switch req.Method {
	case "System.GetStatus":
		return s.rpcGetStatus(req.ID, p)

	case "Client.SetVolume":
		return s.mutateClient(req.ID, p.Client, func(c *clients.ClientInfo) (any, string) {
			if p.Volume == nil || *p.Volume < 0 || *p.Volume > 100 {
				return nil, "volume out of range [0,100]"
			}
			c.Volume.Percent = uint16(*p.Volume)
			return c.Volume.Percent, ""
		})

	case "Client.SetMute":
		return s.mutateClient(req.ID, p.Client, func(c *clients.ClientInfo) (any, string) {
			if p.Mute == nil {
				return nil, "mute is required"
			}
			c.Volume.Muted = *p.Mute
			return c.Volume.Muted, ""
		})

	case "Client.SetLatency":
		return s.mutateClient(req.ID, p.Client, func(c *clients.ClientInfo) (any, string) {
			if p.Latency == nil || *p.Latency < -10000 || *p.Latency > s.cfg.Stream.BufferMs {
				return nil, "latency out of range"
			}
			c.Latency = *p.Latency
			return c.Latency, ""
		})

	case "Client.SetName":
		return s.mutateClient(req.ID, p.Client, func(c *clients.ClientInfo) (any, string) {
			if p.Name == nil {
				return nil, "name is required"
			}
			c.Name = *p.Name
			return c.Name, ""
		})

	default:
		return control.NewError(req.ID, control.RPCMethodNotFound, "method not found")
	}
}

// rpcGetStatus 组装只读状态快照。
// 指定 client 参数时返回单元素（未知 MAC 时为空数组）。
func (s *Server) rpcGetStatus(id json.RawMessage, p rpcParams) string {
	// 记录字段的读与写都在 s.mu 内定序
	var list []clients.ClientInfo
	s.mu.Lock()
	if p.Client != "" {
		if c := s.store.Get(p.Client, false); c != nil {
			list = append(list, *c)
		}
	} else {
		list = s.store.All()
	}
	s.mu.Unlock()
	if list == nil {
		list = []clients.ClientInfo{}
	}
	result := map[string]any{
		"server": map[string]string{
			"host":    s.host,
			"version": s.version,
		},
		"clients": list,
	}
	return control.NewResult(id, result)
}

// mutateClient 执行一次客户端属性变更：
// - 目标不存在 → InternalError "Client not found"
// - 参数越界 → InvalidParams，状态不变、不发通知
// - 成功 → 持久化、向在线会话下发 ServerSettings、恰好广播一次 Client.OnUpdate
// 参数：
// - id: 原请求 ID
// - mac: 目标客户端
// - fn: 校验并应用变更，返回结果值或越界描述
func (s *Server) mutateClient(id json.RawMessage, mac string, fn func(*clients.ClientInfo) (any, string)) string {
	s.mu.Lock()
	c := s.store.Get(mac, false)
	if c == nil {
		s.mu.Unlock()
		return control.NewError(id, control.RPCInternalError, "Client not found")
	}
	result, invalid := fn(c)
	if invalid != "" {
		s.mu.Unlock()
		return control.NewError(id, control.RPCInvalidParams, invalid)
	}
	settings := &message.ServerSettings{
		BufferMs: uint32(s.cfg.Stream.BufferMs),
		Volume:   c.Volume.Percent,
		Muted:    c.Volume.Muted,
		Latency:  int32(c.Latency),
	}
	snapshot := *c
	sess := s.sessionByMAC(mac)
	s.mu.Unlock()

	if sess != nil {
		_ = sess.Send(settings, 0)
	}
	s.saveStore()
	s.control.Broadcast(control.NewNotification("Client.OnUpdate", snapshot))
	return control.NewResult(id, result)
}
