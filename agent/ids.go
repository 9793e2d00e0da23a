package agent

import (
	"sync"

	"github.com/fansqz/mono-debugger-agent/constants"
	"github.com/fansqz/mono-debugger-agent/debugger"
	e "github.com/fansqz/mono-debugger-agent/error"
	"github.com/fansqz/mono-debugger-agent/protocol"
	"go.uber.org/atomic"
)

// idEntry id 表中的一项，domain 被置空表示所属的域已经卸载
type idEntry struct {
	domain *debugger.Domain
	value  any
}

type domainIDs [constants.IDKindCount]map[any]int32

// idRegistry 元数据实体到线上 id 的映射
// 每一类实体一张只追加的表，id 从 1 开始，0 表示空
type idRegistry struct {
	mu       sync.Mutex
	tables   [constants.IDKindCount][]*idEntry
	byDomain map[*debugger.Domain]*domainIDs
}

func newIDRegistry() *idRegistry {
	return &idRegistry{byDomain: map[*debugger.Domain]*domainIDs{}}
}

// get 返回 value 在域 d 中的 id，第一次出现时分配
func (r *idRegistry) get(d *debugger.Domain, kind constants.IDKind, value any) int32 {
	if isNil(value) {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	ids, ok := r.byDomain[d]
	if !ok {
		ids = &domainIDs{}
		r.byDomain[d] = ids
	}
	if ids[kind] == nil {
		ids[kind] = map[any]int32{}
	}
	if id, ok := ids[kind][value]; ok {
		return id
	}
	r.tables[kind] = append(r.tables[kind], &idEntry{domain: d, value: value})
	id := int32(len(r.tables[kind]))
	ids[kind][value] = id
	return id
}

// decode id 为 0 时返回 nil；越界的 id 是协议错误
// 返回的域是分配 id 时所在的域
func (r *idRegistry) decode(kind constants.IDKind, id int32) (any, *debugger.Domain, error) {
	if id == 0 {
		return nil, nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if id < 0 || int(id) > len(r.tables[kind]) {
		return nil, nil, e.Fault("id %d out of range for kind %d", id, kind)
	}
	entry := r.tables[kind][id-1]
	if entry.domain == nil {
		return nil, nil, e.ErrUnloaded
	}
	return entry.value, entry.domain, nil
}

// freeDomain 域卸载后它分配的 id 都解析为 UNLOADED
func (r *idRegistry) freeDomain(d *debugger.Domain) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byDomain[d]; !ok {
		return
	}
	for kind := range r.tables {
		for _, entry := range r.tables[kind] {
			if entry.domain == d {
				entry.domain = nil
			}
		}
	}
	delete(r.byDomain, d)
}

func isNil(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case *debugger.Domain:
		return v == nil
	case *debugger.Assembly:
		return v == nil
	case *debugger.Module:
		return v == nil
	case *debugger.Type:
		return v == nil
	case *debugger.Method:
		return v == nil
	case *debugger.Field:
		return v == nil
	case *debugger.Property:
		return v == nil
	}
	return false
}

// decodeID 从报文中读出一个 id 并解析成实体
func decodeID[T any](r *idRegistry, kind constants.IDKind, d *protocol.Decoder) (T, error) {
	v, _, err := decodeIDIn[T](r, kind, d)
	return v, err
}

// decodeIDIn 同 decodeID，同时返回实体所在的域
func decodeIDIn[T any](r *idRegistry, kind constants.IDKind, d *protocol.Decoder) (T, *debugger.Domain, error) {
	var zero T
	id := d.ID()
	if err := d.Err(); err != nil {
		return zero, nil, err
	}
	v, domain, err := r.decode(kind, id)
	if err != nil || v == nil {
		return zero, nil, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, nil, e.Fault("id %d of kind %d has unexpected type %T", id, kind, v)
	}
	return t, domain, nil
}

// objRef 对象 id，通过弱引用跟踪对象是否存活
type objRef struct {
	id     int32
	handle debugger.WeakHandle
}

// objectRegistry 对象到 id 的映射，按对象地址索引
// 同一地址上的对象被回收后又分配了新对象时，新对象得到新的 id
type objectRegistry struct {
	heap debugger.Heap

	mu     sync.Mutex
	nextID atomic.Int32
	byID   map[int32]*objRef
	byAddr map[int64][]*objRef
}

func newObjectRegistry(heap debugger.Heap) *objectRegistry {
	return &objectRegistry{
		heap:   heap,
		byID:   map[int32]*objRef{},
		byAddr: map[int64][]*objRef{},
	}
}

// idFor nil 对象的 id 为 0
func (r *objectRegistry) idFor(o debugger.Object) int32 {
	if o == nil {
		return 0
	}
	addr := r.heap.ObjectAddress(o)
	r.mu.Lock()
	defer r.mu.Unlock()
	refs := r.byAddr[addr]
	live := refs[:0]
	var found *objRef
	for _, ref := range refs {
		target := ref.handle.Target()
		if target == nil {
			continue
		}
		live = append(live, ref)
		if target == o {
			found = ref
		}
	}
	if found != nil {
		r.byAddr[addr] = live
		return found.id
	}
	ref := &objRef{id: r.nextID.Inc(), handle: r.heap.NewWeakHandle(o)}
	r.byID[ref.id] = ref
	r.byAddr[addr] = append(live, ref)
	return ref.id
}

// get id 为 0 时返回 nil；未知的 id 或者已经被回收的对象返回 INVALID_OBJECT
func (r *objectRegistry) get(id int32) (debugger.Object, error) {
	if id == 0 {
		return nil, nil
	}
	r.mu.Lock()
	ref, ok := r.byID[id]
	r.mu.Unlock()
	if !ok {
		return nil, e.ErrInvalidObject
	}
	target := ref.handle.Target()
	if target == nil {
		return nil, e.ErrInvalidObject
	}
	return target, nil
}

// clear 释放全部弱引用，客户端断开时调用
func (r *objectRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ref := range r.byID {
		ref.handle.Free()
	}
	r.byID = map[int32]*objRef{}
	r.byAddr = map[int64][]*objRef{}
}

// decodeObject 读出对象 id 并解析
func (r *objectRegistry) decodeObject(d *protocol.Decoder) (debugger.Object, error) {
	id := d.ID()
	if err := d.Err(); err != nil {
		return nil, err
	}
	return r.get(id)
}
