package router

import (
	"encoding/json"
	"sync"

	"github.com/portlink/go-portlink/internal/core/eventbus"
	"github.com/portlink/go-portlink/pkg/transport"
	"github.com/portlink/go-portlink/pkg/types"
)

// ============================================================================
//                              广播扇出
// ============================================================================

// Hub 维护当前接入的前台端口集合并负责广播扇出
type Hub struct {
	mu    sync.RWMutex
	ports map[string]transport.Port
	bus   *eventbus.Bus
}

// NewHub 创建端口集线器
func NewHub(bus *eventbus.Bus) *Hub {
	return &Hub{
		ports: make(map[string]transport.Port),
		bus:   bus,
	}
}

// Add 登记接入端口
func (h *Hub) Add(port transport.Port) {
	h.mu.Lock()
	h.ports[port.ID()] = port
	h.mu.Unlock()

	logger.Debug("端口接入", "port", port.ID())
	if h.bus != nil {
		h.bus.Emit(types.EvtPortConnected{PortID: port.ID()})
	}
}

// Remove 移除端口
func (h *Hub) Remove(portID string) {
	h.mu.Lock()
	_, ok := h.ports[portID]
	delete(h.ports, portID)
	h.mu.Unlock()

	if ok {
		logger.Debug("端口移除", "port", portID)
		if h.bus != nil {
			h.bus.Emit(types.EvtPortDisconnected{PortID: portID})
		}
	}
}

// Count 返回当前接入端口数
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.ports)
}

// Broadcast 向全部接入端口推送同一负载
//
// exceptID 非空时跳过该端口（排除发送者）；推送失败的端口
// 被移除。
func (h *Hub) Broadcast(key string, payload json.RawMessage, exceptID string) int {
	frame, err := types.EncodeFrame(&types.Broadcast{
		Type:    types.FrameBroadcast,
		Key:     key,
		Payload: payload,
	})
	if err != nil {
		logger.Error("广播帧编码失败", "key", key, "err", err)
		return 0
	}

	h.mu.RLock()
	targets := make([]transport.Port, 0, len(h.ports))
	for id, p := range h.ports {
		if id == exceptID {
			continue
		}
		targets = append(targets, p)
	}
	h.mu.RUnlock()

	sent := 0
	for _, p := range targets {
		if err := p.Send(frame); err != nil {
			logger.Debug("广播推送失败，移除端口", "port", p.ID(), "err", err)
			h.Remove(p.ID())
			_ = p.Close()
			continue
		}
		sent++
	}
	return sent
}
