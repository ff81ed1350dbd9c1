package coordinator

import (
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// liveness 用带 TTL 的缓存记录 runner 最近一次心跳。
// 条目过期时 runner id 被投递到 expired，由主循环标记 OFFLINE
type liveness struct {
	cache   *gocache.Cache
	expired chan int64
}

func newLiveness(timeout time.Duration) *liveness {
	l := &liveness{
		cache:   gocache.New(timeout, timeout/2),
		expired: make(chan int64, 64),
	}
	l.cache.OnEvicted(func(_ string, v any) {
		id, ok := v.(int64)
		if !ok {
			return
		}
		select {
		case l.expired <- id:
		default:
			// 主循环积压时丢弃，下一次清理不会再报，runner 的下一次心跳会恢复状态
		}
	})
	return l
}

// Touch 刷新 TTL，返回之前是否已经在线
func (l *liveness) Touch(runnerID int64) bool {
	key := strconv.FormatInt(runnerID, 10)
	_, alive := l.cache.Get(key)
	l.cache.SetDefault(key, runnerID)
	return alive
}

func (l *liveness) Alive(runnerID int64) bool {
	_, ok := l.cache.Get(strconv.FormatInt(runnerID, 10))
	return ok
}
