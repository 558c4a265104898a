package redis

import (
	"fmt"
	"strconv"
	"time"

	toolguard "github.com/Fischlvor/go-toolguard"
	"github.com/Fischlvor/go-toolguard/drivers/algorithm"
	libredis "github.com/go-redis/redis"
)

const (
	fieldStart = "start"
	fieldCount = "count"
)

// takeScript 原子地完成窗口检查和计数，返回 {start, count, allowed}
var takeScript = libredis.NewScript(`
local v = redis.call('HMGET', KEYS[1], 'start', 'count')
local now = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local window = tonumber(ARGV[3])

local start, count
if v[1] then
  start = tonumber(v[1])
  count = v[2] and tonumber(v[2])
  if not start or not count then
    return redis.error_reply('invalid window state')
  end
end
if not start or now - start >= window then
  start = now
  count = 0
end

local allowed = 0
if count < limit then
  count = count + 1
  allowed = 1
end

local ttl = start + window - now
if ttl < 1 then
  ttl = 1
end
redis.call('HMSET', KEYS[1], 'start', start, 'count', count)
redis.call('PEXPIRE', KEYS[1], ttl)
return {start, count, allowed}
`)

// Store Redis存储实现，多个进程共享同一份窗口状态
//
// 窗口状态保存为hash，过期时间设为窗口剩余时长，过期的key由Redis自动清理。
// 限流检查通过 Take 在一个Lua脚本中完成，不同进程之间不会超额放行。
type Store struct {
	client *libredis.Client
	prefix string
}

// NewStore 创建Redis存储
func NewStore(client *libredis.Client, prefix string) toolguard.Store {
	return &Store{
		client: client,
		prefix: prefix,
	}
}

var _ algorithm.AtomicStore = (*Store)(nil)

// key 添加前缀
func (s *Store) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

// Load 读取窗口状态
func (s *Store) Load(key string) (algorithm.Window, bool, error) {
	vals, err := s.client.HGetAll(s.key(key)).Result()
	if err != nil {
		return algorithm.Window{}, false, err
	}
	if len(vals) == 0 {
		return algorithm.Window{}, false, nil
	}

	start, err := strconv.ParseInt(vals[fieldStart], 10, 64)
	if err != nil {
		return algorithm.Window{}, false, fmt.Errorf("解析窗口开始时间失败: %w", err)
	}
	count, err := strconv.ParseInt(vals[fieldCount], 10, 64)
	if err != nil {
		return algorithm.Window{}, false, fmt.Errorf("解析窗口计数失败: %w", err)
	}

	return algorithm.Window{Start: start, Count: count}, true, nil
}

// Save 保存窗口状态并设置过期时间
func (s *Store) Save(key string, w algorithm.Window, ttl time.Duration) error {
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}

	k := s.key(key)
	_, err := s.client.TxPipelined(func(pipe libredis.Pipeliner) error {
		pipe.HMSet(k, map[string]interface{}{
			fieldStart: w.Start,
			fieldCount: w.Count,
		})
		pipe.PExpire(k, ttl)
		return nil
	})
	return err
}

// Take 在Redis端原子地检查并消耗一次配额
func (s *Store) Take(key string, now, limit, windowMs int64) (algorithm.Window, bool, error) {
	res, err := takeScript.Run(s.client, []string{s.key(key)}, now, limit, windowMs).Result()
	if err != nil {
		return algorithm.Window{}, false, err
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return algorithm.Window{}, false, fmt.Errorf("脚本返回值格式错误: %v", res)
	}
	nums := make([]int64, len(vals))
	for i, v := range vals {
		n, ok := v.(int64)
		if !ok {
			return algorithm.Window{}, false, fmt.Errorf("脚本返回值格式错误: %v", res)
		}
		nums[i] = n
	}

	return algorithm.Window{Start: nums[0], Count: nums[1]}, nums[2] == 1, nil
}
