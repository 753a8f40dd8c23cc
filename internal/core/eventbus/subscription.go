package eventbus

import "sync"

// ============================================================================
//                              Subscription
// ============================================================================

// Subscription 单个订阅句柄
type Subscription struct {
	node      *node
	ch        chan any
	closeOnce sync.Once
}

// Out 返回事件通道
//
// 总线或订阅关闭后通道被关闭。
func (s *Subscription) Out() <-chan any {
	return s.ch
}

// Close 取消订阅
func (s *Subscription) Close() {
	n := s.node
	if n == nil {
		s.closeOnce.Do(func() { close(s.ch) })
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	for i, sub := range n.sinks {
		if sub == s {
			n.sinks = append(n.sinks[:i], n.sinks[i+1:]...)
			break
		}
	}
	s.closeOnce.Do(func() { close(s.ch) })
}
