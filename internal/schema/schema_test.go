package schema

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	lists map[string][]string
	err   error
	calls int
}

func (f *fakeLister) ListAll(_ context.Context, key string) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.lists[key], nil
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNumeric, KindOf("数字"))
	assert.Equal(t, KindNumeric, KindOf("Numeric"))
	assert.Equal(t, KindNumeric, KindOf("number"))
	assert.Equal(t, KindText, KindOf("文本"))
	assert.Equal(t, KindText, KindOf(""))
}

func TestResolve(t *testing.T) {
	store := &fakeLister{lists: map[string][]string{
		"signal:101:A": {
			`{"name":"temperature","cache_size":10,"ID":42,"type":"数字"}`,
			`{"name":"status","cache_size":0,"ID":43,"type":"文本"}`,
		},
	}}
	r := NewResolver(store, 0, 0)

	m, err := r.Resolve(context.Background(), "101", "A")
	require.NoError(t, err)
	require.Len(t, m, 2)
	assert.Equal(t, Mapping{TargetID: 42, Kind: KindNumeric, CacheSize: 10}, m["temperature"])
	assert.Equal(t, Mapping{TargetID: 43, Kind: KindText}, m["status"])
}

func TestResolve_AllCorruptIsEmpty(t *testing.T) {
	store := &fakeLister{lists: map[string][]string{
		"signal:101:A": {`{not json`, `[]`, `"text"`},
	}}
	r := NewResolver(store, 0, 0)

	m, err := r.Resolve(context.Background(), "101", "A")
	require.NoError(t, err)
	assert.NotNil(t, m)
	assert.Empty(t, m)
}

func TestResolve_MissingKeyIsEmpty(t *testing.T) {
	r := NewResolver(&fakeLister{}, 0, 0)

	m, err := r.Resolve(context.Background(), "999", "Z")
	require.NoError(t, err)
	assert.Empty(t, m)
}

func TestResolve_StoreError(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	r := NewResolver(&fakeLister{err: cause}, 0, 0)

	_, err := r.Resolve(context.Background(), "101", "A")
	assert.ErrorIs(t, err, cause)
}

func TestResolve_CacheDisabledReadsEveryTime(t *testing.T) {
	store := &fakeLister{}
	r := NewResolver(store, 0, 16)

	_, _ = r.Resolve(context.Background(), "101", "A")
	_, _ = r.Resolve(context.Background(), "101", "A")
	assert.Equal(t, 2, store.calls)
}

func TestResolve_CacheHitAndExpiry(t *testing.T) {
	store := &fakeLister{lists: map[string][]string{
		"signal:101:A": {`{"name":"t","ID":1,"type":"数字"}`},
	}}
	r := NewResolver(store, 50*time.Millisecond, 16)

	_, err := r.Resolve(context.Background(), "101", "A")
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), "101", "A")
	require.NoError(t, err)
	assert.Equal(t, 1, store.calls)

	require.Eventually(t, func() bool {
		_, _ = r.Resolve(context.Background(), "101", "A")
		return store.calls > 1
	}, time.Second, 10*time.Millisecond)
}

func TestResolve_StoreErrorNotCached(t *testing.T) {
	store := &fakeLister{err: errors.New("timeout")}
	r := NewResolver(store, time.Minute, 16)

	_, err := r.Resolve(context.Background(), "101", "A")
	require.Error(t, err)

	store.err = nil
	store.lists = map[string][]string{"signal:101:A": {`{"name":"t","ID":1,"type":"数字"}`}}
	m, err := r.Resolve(context.Background(), "101", "A")
	require.NoError(t, err)
	assert.Len(t, m, 1)
}
