package objstore

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a process-local Store used when no backend is configured
// and in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
	now     func() time.Time
}

type memoryObject struct {
	info ObjectInfo
	data []byte
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject), now: time.Now}
}

func memoryKey(bucket, key string) string { return bucket + "\x00" + key }

func (s *MemoryStore) Put(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, Error.Wrap(err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return ObjectInfo{}, Error.Wrap(err)
	}
	if size >= 0 && int64(len(data)) != size {
		return ObjectInfo{}, Error.New("short body: got %d bytes, want %d", len(data), size)
	}
	sum := md5.Sum(data)
	info := ObjectInfo{
		Bucket:       bucket,
		Key:          key,
		Size:         int64(len(data)),
		ETag:         hex.EncodeToString(sum[:]),
		ContentType:  contentType,
		LastModified: s.now().UTC(),
	}

	s.mu.Lock()
	s.objects[memoryKey(bucket, key)] = memoryObject{info: info, data: data}
	s.mu.Unlock()
	return info, nil
}

func (s *MemoryStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	obj, ok := s.objects[memoryKey(bucket, key)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *MemoryStore) Stat(ctx context.Context, bucket, key string) (ObjectInfo, error) {
	s.mu.RLock()
	obj, ok := s.objects[memoryKey(bucket, key)]
	s.mu.RUnlock()
	if !ok {
		return ObjectInfo{}, ErrNotFound
	}
	return obj.info, nil
}

func (s *MemoryStore) List(ctx context.Context, bucket, prefix string, fn func(ObjectInfo) error) error {
	s.mu.RLock()
	var infos []ObjectInfo
	for _, obj := range s.objects {
		if obj.info.Bucket == bucket && strings.HasPrefix(obj.info.Key, prefix) {
			infos = append(infos, obj.info)
		}
	}
	s.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	for _, info := range infos {
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	delete(s.objects, memoryKey(bucket, key))
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Move(ctx context.Context, bucket, srcKey, dstKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[memoryKey(bucket, srcKey)]
	if !ok {
		return ErrNotFound
	}
	delete(s.objects, memoryKey(bucket, srcKey))
	obj.info.Key = dstKey
	s.objects[memoryKey(bucket, dstKey)] = obj
	return nil
}

func (s *MemoryStore) PresignPut(ctx context.Context, bucket, key string, ttl time.Duration, contentType string, size int64) (UploadTarget, error) {
	expiresAt := s.now().Add(ttl).UTC()
	u := url.URL{Scheme: "memory", Host: bucket, Path: "/" + key}
	q := u.Query()
	q.Set("expires", expiresAt.Format(time.RFC3339))
	u.RawQuery = q.Encode()
	return putTarget(u.String(), expiresAt, contentType, size), nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
