package storage

// ============================================================================
//                              前缀隔离存储
// ============================================================================

// Store 带前缀隔离的键值存储
//
// 为所有键自动添加前缀，实现命名空间隔离。
// 键空间约定：
//   - n/ - 幂等账本快照
type Store struct {
	engine Engine
	prefix []byte
}

// NewStore 创建带前缀的存储
func NewStore(engine Engine, prefix []byte) *Store {
	return &Store{
		engine: engine,
		prefix: prefix,
	}
}

// prefixKey 为键添加前缀
func (s *Store) prefixKey(key []byte) []byte {
	if len(s.prefix) == 0 {
		return key
	}
	prefixed := make([]byte, len(s.prefix)+len(key))
	copy(prefixed, s.prefix)
	copy(prefixed[len(s.prefix):], key)
	return prefixed
}

// Get 读取键值
func (s *Store) Get(key []byte) ([]byte, error) {
	return s.engine.Get(s.prefixKey(key))
}

// Put 写入键值
func (s *Store) Put(key, value []byte) error {
	return s.engine.Put(s.prefixKey(key), value)
}

// Delete 删除键
func (s *Store) Delete(key []byte) error {
	return s.engine.Delete(s.prefixKey(key))
}
