package content

import "context"

// mockStore implements the consumer interface for tests.
type mockStore struct {
	hsetFn         func(ctx context.Context, key string, fields map[string]string) error
	hgetAllFn      func(ctx context.Context, key string) (map[string]string, error)
	hgetAllMultiFn func(ctx context.Context, keys []string) ([]map[string]string, error)
	delFn          func(ctx context.Context, key string) error
	scanFn         func(ctx context.Context, pattern string) ([]string, error)
}

func (m *mockStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if m.hsetFn != nil {
		return m.hsetFn(ctx, key, fields)
	}
	return nil
}

func (m *mockStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if m.hgetAllFn != nil {
		return m.hgetAllFn(ctx, key)
	}
	return map[string]string{}, nil
}

func (m *mockStore) HGetAllMulti(ctx context.Context, keys []string) ([]map[string]string, error) {
	if m.hgetAllMultiFn != nil {
		return m.hgetAllMultiFn(ctx, keys)
	}
	return make([]map[string]string, len(keys)), nil
}

func (m *mockStore) Del(ctx context.Context, key string) error {
	if m.delFn != nil {
		return m.delFn(ctx, key)
	}
	return nil
}

func (m *mockStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	if m.scanFn != nil {
		return m.scanFn(ctx, pattern)
	}
	return nil, nil
}

// hashStore is a stateful mock with Redis hash semantics: HSET merges fields
// into an existing hash. Tests that exercise snapshot replacement use it.
type hashStore struct {
	hashes map[string]map[string]string
}

func newHashStore() *hashStore {
	return &hashStore{hashes: make(map[string]map[string]string)}
}

func (s *hashStore) HSet(_ context.Context, key string, fields map[string]string) error {
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		s.hashes[key] = h
	}
	for f, v := range fields {
		h[f] = v
	}
	return nil
}

func (s *hashStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	out := make(map[string]string, len(s.hashes[key]))
	for f, v := range s.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (s *hashStore) HGetAllMulti(ctx context.Context, keys []string) ([]map[string]string, error) {
	out := make([]map[string]string, len(keys))
	for i, k := range keys {
		m, err := s.HGetAll(ctx, k)
		if err != nil {
			return nil, err
		}
		out[i] = m
	}
	return out, nil
}

func (s *hashStore) Del(_ context.Context, key string) error {
	delete(s.hashes, key)
	return nil
}

func (s *hashStore) Scan(_ context.Context, _ string) ([]string, error) {
	return nil, nil
}
