package cache

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Key 标识一次请求：大写方法 + 去掉 fragment 的绝对 URL。
type Key struct {
	Method string
	URL    string
}

// NewKey 解析 rawURL 并构建规范化的 Key；相对 URL 视为错误。
func NewKey(method, rawURL string) (Key, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Key{}, fmt.Errorf("parse cache key url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return Key{}, fmt.Errorf("cache key url must be absolute: %s", rawURL)
	}
	return KeyFor(method, u), nil
}

// KeyFor 基于已解析的 URL 构建 Key，方法为空时视为 GET。
func KeyFor(method string, u *url.URL) Key {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	clean := *u
	clean.Fragment = ""
	clean.RawFragment = ""
	clean.User = nil
	return Key{Method: method, URL: clean.String()}
}

// Cacheable 表示该请求能否写入或命中缓存。
func (k Key) Cacheable() bool {
	return k.Method == http.MethodGet
}

func (k Key) String() string {
	return k.Method + " " + k.URL
}

func parseKeyLine(line string) (Key, error) {
	method, rawURL, ok := strings.Cut(strings.TrimSpace(line), " ")
	if !ok || method == "" || rawURL == "" {
		return Key{}, fmt.Errorf("malformed cache key line: %q", line)
	}
	return Key{Method: method, URL: rawURL}, nil
}
