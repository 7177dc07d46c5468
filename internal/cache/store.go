package cache

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Storage 管理全部具名缓存。Keys 按创建顺序返回，Match 也按该顺序查找首个命中。
type Storage interface {
	// Open 打开指定名称的缓存，不存在时创建。
	Open(ctx context.Context, name string) (Cache, error)
	Has(ctx context.Context, name string) (bool, error)
	// Delete 删除缓存及其全部条目，返回是否确实存在过。
	Delete(ctx context.Context, name string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
	// Match 在所有缓存中查找 key，未命中返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Response, error)
	Close() error
}

// Cache 是单个具名缓存。单条目操作原子，跨条目不提供事务（PutAll 除外）。
type Cache interface {
	Name() string
	Match(ctx context.Context, key Key) (*Response, error)
	// Put 写入或覆盖条目，非 GET 请求返回 ErrUnsupportedMethod。
	Put(ctx context.Context, key Key, resp *Response) error
	// PutAll 要么全部写入，要么一条都不写入。
	PutAll(ctx context.Context, entries []Entry) error
	Delete(ctx context.Context, key Key) (bool, error)
	// Keys 返回条目列表，按 URL 排序。
	Keys(ctx context.Context) ([]Key, error)
}

// Response 是完整缓冲后的响应，可安全地多次返回。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Clone 深拷贝响应，避免调用方修改缓存中的 Header/Body。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	clone := &Response{Status: r.Status, Header: r.Header.Clone()}
	if clone.Header == nil {
		clone.Header = http.Header{}
	}
	if r.Body != nil {
		clone.Body = append([]byte(nil), r.Body...)
	}
	return clone
}

// Entry 组合 Key 与 Response，供批量写入使用。
type Entry struct {
	Key      Key
	Response *Response
}

var (
	// ErrNotFound 表示缓存或条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrUnsupportedMethod 表示请求方法不可缓存（仅支持 GET）。
	ErrUnsupportedMethod = errors.New("cache: only GET requests can be stored")
	// ErrCacheDeleted 表示缓存句柄对应的缓存已被删除。
	ErrCacheDeleted = errors.New("cache has been deleted")
	// ErrInvalidName 表示缓存名为空或包含非法片段。
	ErrInvalidName = errors.New("invalid cache name")
)

func validateEntry(key Key, resp *Response) error {
	if !key.Cacheable() {
		return ErrUnsupportedMethod
	}
	if key.URL == "" {
		return errors.New("cache: key url required")
	}
	if resp == nil {
		return errors.New("cache: response required")
	}
	if resp.Status < 100 || resp.Status > 599 {
		return errors.New("cache: invalid response status")
	}
	return nil
}

func validateName(name string) error {
	if name == "" || strings.HasPrefix(name, ".") {
		return ErrInvalidName
	}
	return nil
}
