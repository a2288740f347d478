package objstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorePutStatGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	info, err := s.Put(ctx, "media", "a/b.txt", strings.NewReader("hello"), 5, "text/plain")
	require.NoError(t, err)
	assert.EqualValues(t, 5, info.Size)
	assert.NotEmpty(t, info.ETag)

	stat, err := s.Stat(ctx, "media", "a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, info, stat)

	rc, err := s.Get(ctx, "media", "a/b.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = s.Stat(ctx, "other", "a/b.txt")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryStoreRejectsShortBody(t *testing.T) {
	_, err := NewMemoryStore().Put(context.Background(), "media", "k", strings.NewReader("abc"), 10, "")
	require.Error(t, err)
	assert.True(t, Error.Has(err))
}

func TestUsageSumsPrefixRecursively(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	put := func(key, body string) {
		_, err := s.Put(ctx, "media", key, strings.NewReader(body), int64(len(body)), "")
		require.NoError(t, err)
	}
	put("tenants/t/users/u/a.txt", "1234")
	put("tenants/t/users/u/deep/nested/b.txt", "123456")
	put("tenants/t/users/other/c.txt", "123456789")

	used, err := Usage(ctx, s, "media", "tenants/t/users/u/")
	require.NoError(t, err)
	assert.EqualValues(t, 10, used)
}

func TestMemoryStoreMoveAndDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.Put(ctx, "media", "src", strings.NewReader("x"), 1, "")
	require.NoError(t, err)

	require.NoError(t, s.Move(ctx, "media", "src", "dst"))
	_, err = s.Stat(ctx, "media", "src")
	assert.ErrorIs(t, err, ErrNotFound)
	info, err := s.Stat(ctx, "media", "dst")
	require.NoError(t, err)
	assert.Equal(t, "dst", info.Key)

	require.NoError(t, s.Delete(ctx, "media", "dst"))
	assert.ErrorIs(t, s.Move(ctx, "media", "dst", "again"), ErrNotFound)
}

func TestMemoryStorePresignPut(t *testing.T) {
	s := NewMemoryStore()
	target, err := s.PresignPut(context.Background(), "media", "tenants/t/users/u/x.bin", 10*time.Minute, "application/pdf", 42)
	require.NoError(t, err)
	assert.Equal(t, "PUT", target.Method)
	assert.Equal(t, "42", target.Headers["Content-Length"])
	assert.True(t, strings.HasPrefix(target.URL, "memory://media/tenants/t/users/u/x.bin"))
	assert.Equal(t, "application/pdf", target.Headers["Content-Type"])
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), target.ExpiresAt, time.Minute)
}
