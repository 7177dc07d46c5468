package cache

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// 磁盘布局：
//
//	<StoragePath>/<escaped cache name>/.created        # 创建时间（UnixNano），用于排序
//	<StoragePath>/<escaped cache name>/<sha256>.entry  # 首行 "METHOD URL"，其后为 HTTP/1.1 响应报文
//
// 以 "." 开头的目录是创建/删除过程中的临时目录，不会出现在 Keys 中。
const (
	createdMarker = ".created"
	entrySuffix   = ".entry"
	stagingPrefix = ".tmp-"
	trashPrefix   = ".trash-"
)

// NewFSStorage 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewFSStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	s := &fsStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}
	s.sweepLeftovers()
	return s, nil
}

// fsStorage 通过 entryLock 避免同一条目并发写入；dirMu 串行化缓存目录的创建与删除。
type fsStorage struct {
	basePath string

	dirMu       sync.Mutex
	lastCreated int64

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fsStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}

	s.dirMu.Lock()
	defer s.dirMu.Unlock()

	dir := s.cacheDir(name)
	if exists, err := isDir(dir); err != nil {
		return nil, err
	} else if exists {
		return &fsCache{storage: s, name: name, dir: dir}, nil
	}

	staging, err := os.MkdirTemp(s.basePath, stagingPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	marker := strconv.FormatInt(s.nextCreated(), 10)
	if err := os.WriteFile(filepath.Join(staging, createdMarker), []byte(marker), 0o644); err != nil {
		os.RemoveAll(staging)
		return nil, fmt.Errorf("write cache marker: %w", err)
	}
	if err := os.Rename(staging, dir); err != nil {
		os.RemoveAll(staging)
		return nil, fmt.Errorf("publish cache dir: %w", err)
	}
	return &fsCache{storage: s, name: name, dir: dir}, nil
}

func (s *fsStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if validateName(name) != nil {
		return false, nil
	}
	return isDir(s.cacheDir(name))
}

func (s *fsStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if validateName(name) != nil {
		return false, nil
	}

	s.dirMu.Lock()
	defer s.dirMu.Unlock()

	dir := s.cacheDir(name)
	exists, err := isDir(dir)
	if err != nil || !exists {
		return false, err
	}

	trash := filepath.Join(s.basePath, trashPrefix+strconv.FormatInt(time.Now().UnixNano(), 36)+"-"+filepath.Base(dir))
	if err := os.Rename(dir, trash); err != nil {
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	if err := os.RemoveAll(trash); err != nil {
		return true, fmt.Errorf("purge cache %s: %w", name, err)
	}
	return true, nil
}

func (s *fsStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dirEntries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}

	type named struct {
		name    string
		created int64
	}
	var found []named
	for _, de := range dirEntries {
		if !de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		name, err := url.PathUnescape(de.Name())
		if err != nil {
			continue
		}
		found = append(found, named{name: name, created: readCreated(filepath.Join(s.basePath, de.Name()))})
	}
	sort.SliceStable(found, func(i, j int) bool {
		if found[i].created != found[j].created {
			return found[i].created < found[j].created
		}
		return found[i].name < found[j].name
	})

	names := make([]string, 0, len(found))
	for _, n := range found {
		names = append(names, n.name)
	}
	return names, nil
}

func (s *fsStorage) Match(ctx context.Context, key Key) (*Response, error) {
	if !key.Cacheable() {
		return nil, ErrNotFound
	}
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		c := &fsCache{storage: s, name: name, dir: s.cacheDir(name)}
		resp, err := c.Match(ctx, key)
		if err == nil {
			return resp, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return nil, ErrNotFound
}

func (s *fsStorage) Close() error {
	return nil
}

// nextCreated 返回严格递增的创建时间戳，调用方需持有 dirMu。
func (s *fsStorage) nextCreated() int64 {
	now := time.Now().UnixNano()
	if now <= s.lastCreated {
		now = s.lastCreated + 1
	}
	s.lastCreated = now
	return now
}

func (s *fsStorage) cacheDir(name string) string {
	return filepath.Join(s.basePath, url.PathEscape(name))
}

// sweepLeftovers 清理进程异常退出后遗留的临时目录。
func (s *fsStorage) sweepLeftovers() {
	dirEntries, err := os.ReadDir(s.basePath)
	if err != nil {
		return
	}
	for _, de := range dirEntries {
		if de.IsDir() && (strings.HasPrefix(de.Name(), stagingPrefix) || strings.HasPrefix(de.Name(), trashPrefix)) {
			os.RemoveAll(filepath.Join(s.basePath, de.Name()))
		}
	}
}

func (s *fsStorage) lockEntry(id string) func() {
	s.mu.Lock()
	lock := s.locks[id]
	if lock == nil {
		lock = &entryLock{}
		s.locks[id] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

type fsCache struct {
	storage *fsStorage
	name    string
	dir     string
}

func (c *fsCache) Name() string {
	return c.name
}

func (c *fsCache) Match(ctx context.Context, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !key.Cacheable() {
		return nil, ErrNotFound
	}

	f, err := os.Open(c.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	stored, err := readKeyLine(reader)
	if err != nil {
		return nil, err
	}
	if stored != key {
		return nil, ErrNotFound
	}
	return decodeResponse(reader)
}

func (c *fsCache) Put(ctx context.Context, key Key, resp *Response) error {
	return c.PutAll(ctx, []Entry{{Key: key, Response: resp}})
}

// PutAll 先把所有条目写入临时文件，再逐个 rename 生效。已存在的条目先以硬链接备份，
// 任一 rename 失败时撤销已生效的条目并恢复备份，批次要么全部生效要么全部不生效。
func (c *fsCache) PutAll(ctx context.Context, entries []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, e := range entries {
		if err := validateEntry(e.Key, e.Response); err != nil {
			return fmt.Errorf("%s: %w", e.Key, err)
		}
	}

	unlock := c.lockAll(entries)
	defer unlock()

	staged := make([]string, 0, len(entries))
	backups := make([]string, 0, len(entries))
	cleanup := func() {
		for _, name := range staged {
			os.Remove(name)
		}
		for _, name := range backups {
			if name != "" {
				os.Remove(name)
			}
		}
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			cleanup()
			return err
		}
		tempName, err := c.stage(e)
		if err != nil {
			cleanup()
			return err
		}
		staged = append(staged, tempName)

		backup, err := c.backup(c.entryPath(e.Key), tempName)
		if err != nil {
			cleanup()
			return err
		}
		backups = append(backups, backup)
	}

	for i, e := range entries {
		if err := os.Rename(staged[i], c.entryPath(e.Key)); err != nil {
			c.rollback(entries[:i], backups[:i])
			cleanup()
			return c.mapMissing(err)
		}
	}
	for _, name := range backups {
		if name != "" {
			os.Remove(name)
		}
	}
	return nil
}

// backup 为已存在的条目文件创建硬链接，返回备份路径；条目不存在时返回空串。
func (c *fsCache) backup(target, tempName string) (string, error) {
	info, err := os.Lstat(target)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	if !info.Mode().IsRegular() {
		return "", nil
	}
	name := tempName + ".prev"
	if err := os.Link(target, name); err != nil {
		return "", fmt.Errorf("backup cache entry: %w", err)
	}
	return name, nil
}

// rollback 撤销已经 rename 生效的条目：有备份则恢复，否则删除。
func (c *fsCache) rollback(applied []Entry, backups []string) {
	for i := len(applied) - 1; i >= 0; i-- {
		target := c.entryPath(applied[i].Key)
		if backups[i] != "" {
			os.Rename(backups[i], target)
			continue
		}
		os.Remove(target)
	}
}

func (c *fsCache) Delete(ctx context.Context, key Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !key.Cacheable() {
		return false, nil
	}
	unlock := c.storage.lockEntry(c.lockID(key))
	defer unlock()

	if err := os.Remove(c.entryPath(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *fsCache) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, c.mapMissing(err)
	}

	keys := make([]Key, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), entrySuffix) {
			continue
		}
		key, err := c.readKey(filepath.Join(c.dir, de.Name()))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		keys = append(keys, key)
	}
	sortKeys(keys)
	return keys, nil
}

func (c *fsCache) stage(e Entry) (string, error) {
	payload, err := encodeResponse(e.Response)
	if err != nil {
		return "", err
	}

	tempFile, err := os.CreateTemp(c.dir, ".cache-*")
	if err != nil {
		return "", c.mapMissing(err)
	}
	tempName := tempFile.Name()

	_, err = tempFile.WriteString(e.Key.String() + "\n")
	if err == nil {
		_, err = tempFile.Write(payload)
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return "", err
	}
	return tempName, nil
}

// lockAll 按固定顺序获取多个条目锁，避免并发批量写入时死锁。
func (c *fsCache) lockAll(entries []Entry) func() {
	ids := make([]string, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		id := c.lockID(e.Key)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	unlocks := make([]func(), 0, len(ids))
	for _, id := range ids {
		unlocks = append(unlocks, c.storage.lockEntry(id))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

func (c *fsCache) lockID(key Key) string {
	return c.name + "::" + key.String()
}

func (c *fsCache) entryPath(key Key) string {
	sum := sha256.Sum256([]byte(key.String()))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+entrySuffix)
}

func (c *fsCache) readKey(path string) (Key, error) {
	f, err := os.Open(path)
	if err != nil {
		return Key{}, err
	}
	defer f.Close()
	return readKeyLine(bufio.NewReader(f))
}

func (c *fsCache) mapMissing(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", c.name, ErrCacheDeleted)
	}
	return err
}

func readKeyLine(r *bufio.Reader) (Key, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return Key{}, fmt.Errorf("read cache key: %w", err)
	}
	return parseKeyLine(line)
}

func readCreated(dir string) int64 {
	raw, err := os.ReadFile(filepath.Join(dir, createdMarker))
	if err != nil {
		return 0
	}
	value, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0
	}
	return value
}

func isDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].URL != keys[j].URL {
			return keys[i].URL < keys[j].URL
		}
		return keys[i].Method < keys[j].Method
	})
}
