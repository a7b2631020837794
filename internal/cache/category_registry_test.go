package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/mailbox"
)

// fakeHashes is an in-process stand-in for the Redis hash commands.
type fakeHashes struct {
	mu     sync.Mutex
	hashes map[string]map[string]string
	err    error
}

func newFakeHashes() *fakeHashes {
	return &fakeHashes{hashes: make(map[string]map[string]string)}
}

func (f *fakeHashes) hash(key string) map[string]string {
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	return h
}

func (f *fakeHashes) HGetAll(_ context.Context, key string) *redis.MapStringStringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string)
	for k, v := range f.hash(key) {
		out[k] = v
	}
	return redis.NewMapStringStringResult(out, f.err)
}

func (f *fakeHashes) HGet(_ context.Context, key, field string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.hash(key)[field]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeHashes) HSet(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := f.hash(key)
	for i := 0; i+1 < len(values); i += 2 {
		h[fmt.Sprint(values[i])] = asString(values[i+1])
	}
	return redis.NewIntResult(int64(len(values)/2), f.err)
}

func (f *fakeHashes) HSetNX(_ context.Context, key, field string, value interface{}) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	h := f.hash(key)
	if _, ok := h[field]; ok {
		return redis.NewBoolResult(false, nil)
	}
	h[field] = asString(value)
	return redis.NewBoolResult(true, nil)
}

func asString(v interface{}) string {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return fmt.Sprint(v)
}

func TestRedisCategoryRegistryCreateAndList(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(newFakeHashes(), "")

	c, err := r.CreateCategory(ctx, "Quote", "preset4")
	require.NoError(t, err)
	_, err = r.CreateCategory(ctx, "QUOTE", "preset1")
	require.ErrorIs(t, err, mailbox.ErrAlreadyExists)

	list, err := r.ListCategories(ctx)
	require.NoError(t, err)
	require.Equal(t, []mailbox.MasterCategory{{ID: c.ID, Name: "Quote", Color: "preset4"}}, list)
}

func TestRedisCategoryRegistryRecolor(t *testing.T) {
	ctx := context.Background()
	r := newRegistry(newFakeHashes(), "test:")

	c, err := r.CreateCategory(ctx, "Sent RFQ", "preset0")
	require.NoError(t, err)
	require.NoError(t, r.UpdateCategoryColor(ctx, c.ID, "preset7"))
	require.ErrorIs(t, r.UpdateCategoryColor(ctx, "nope", "preset7"), mailbox.ErrNotFound)

	list, err := r.ListCategories(ctx)
	require.NoError(t, err)
	require.Equal(t, "preset7", list[0].Color)
}

func TestRedisCategoryRegistryConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	hashes := newFakeHashes()
	a := newRegistry(hashes, "")
	b := newRegistry(hashes, "")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, reg := range []*RedisCategoryRegistry{a, b} {
		wg.Add(1)
		go func(i int, reg *RedisCategoryRegistry) {
			defer wg.Done()
			_, errs[i] = reg.CreateCategory(ctx, "Quote", "preset4")
		}(i, reg)
	}
	wg.Wait()

	conflicts := 0
	for _, err := range errs {
		if errors.Is(err, mailbox.ErrAlreadyExists) {
			conflicts++
		} else {
			require.NoError(t, err)
		}
	}
	require.Equal(t, 1, conflicts)
}

func TestRedisCategoryRegistryPropagatesErrors(t *testing.T) {
	ctx := context.Background()
	hashes := newFakeHashes()
	hashes.err = errors.New("LOADING")
	r := newRegistry(hashes, "")

	_, err := r.ListCategories(ctx)
	require.ErrorContains(t, err, "LOADING")
	_, err = r.CreateCategory(ctx, "Quote", "preset4")
	require.ErrorContains(t, err, "LOADING")
}

func TestNewRedisCategoryRegistryRequiresAddr(t *testing.T) {
	_, err := NewRedisCategoryRegistry(context.Background(), RedisConfig{})
	require.Error(t, err)
}
