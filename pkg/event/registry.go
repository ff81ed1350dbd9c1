package event

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

var (
	ErrMissingDiscriminator   = errors.New("missing event discriminator")
	ErrUnknownDiscriminator   = errors.New("unknown event discriminator")
	ErrDuplicateDiscriminator = errors.New("duplicate event discriminator")
	ErrRegistrySealed         = errors.New("event registry is sealed")
)

// Factory 返回一个新的、带默认值的具体事件实例
type Factory func() Event

// Registry discriminator -> 事件类型 的映射。
// 启动阶段注册，第一次 Parse 时自动封存；封存后只读，读操作不加锁
type Registry struct {
	mu     sync.Mutex
	types  map[string]Factory
	sealed atomic.Bool
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]Factory)}
}

// Register 注册一个事件类型，discriminator 取自工厂产出实例的 Discriminator()
func (r *Registry) Register(f Factory) error {
	if f == nil {
		return errors.New("event: nil factory")
	}
	proto := f()
	if proto == nil {
		return errors.New("event: factory returned nil")
	}
	name := proto.Discriminator()
	if name == "" {
		return fmt.Errorf("event: %T has an empty discriminator", proto)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return fmt.Errorf("%w: cannot register %q", ErrRegistrySealed, name)
	}
	if _, dup := r.types[name]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicateDiscriminator, name)
	}
	r.types[name] = f
	return nil
}

// MustRegister 注册失败直接 panic，用在进程初始化阶段
func (r *Registry) MustRegister(fs ...Factory) {
	for _, f := range fs {
		if err := r.Register(f); err != nil {
			panic(err)
		}
	}
}

// Seal 封存注册表，之后的 Register 都会返回 ErrRegistrySealed
func (r *Registry) Seal() {
	if r.sealed.Load() {
		return
	}
	r.mu.Lock()
	r.sealed.Store(true)
	r.mu.Unlock()
}

func (r *Registry) lookup(name string) (Factory, bool) {
	r.Seal()
	f, ok := r.types[name]
	return f, ok
}

// Discriminators 已注册的 discriminator，按字母序
func (r *Registry) Discriminators() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default 进程级注册表，第一次调用时注册全部内置类型。
// 扩展类型要在第一次 Parse 之前通过 Default().Register 注册
func Default() *Registry {
	defaultOnce.Do(func() {
		r := NewRegistry()
		r.MustRegister(Builtins()...)
		defaultRegistry = r
	})
	return defaultRegistry
}
