package model

import (
	"errors"
	"fmt"
)

// ErrResourceExhausted 分配会让计数器变成负数或者超过容量
var ErrResourceExhausted = errors.New("resource group exhausted")

// ResourceGroup 一组 Runner 共享的 CPU / 内存容量池。
// 不变式：0 <= cores_left <= available_cores，内存同理
type ResourceGroup struct {
	ID              Opt[int64]  `json:"id,omitzero"`
	Label           Opt[string] `json:"label,omitzero"`
	NamespaceID     Opt[int64]  `json:"namespace_id,omitzero"`
	AvailableCores  int64       `json:"available_cores"`
	AvailableMemory int64       `json:"available_memory"`
	CoresLeft       int64       `json:"cores_left"`
	MemoryLeft      int64       `json:"memory_left"`
}

func (g ResourceGroup) Validate() error {
	if g.CoresLeft < 0 || g.CoresLeft > g.AvailableCores {
		return fmt.Errorf("cores_left: %d out of range [0, %d]", g.CoresLeft, g.AvailableCores)
	}
	if g.MemoryLeft < 0 || g.MemoryLeft > g.AvailableMemory {
		return fmt.Errorf("memory_left: %d out of range [0, %d]", g.MemoryLeft, g.AvailableMemory)
	}
	return nil
}

// Fits 剩余资源是否够用
func (g ResourceGroup) Fits(cores, memory int64) bool {
	return cores <= g.CoresLeft && memory <= g.MemoryLeft
}

// Reserve 扣减计数器。不够时返回 ErrResourceExhausted，计数器保持不变
func (g *ResourceGroup) Reserve(cores, memory int64) error {
	if cores < 0 || memory < 0 {
		return fmt.Errorf("reserve: negative request (cores=%d, memory=%d)", cores, memory)
	}
	if !g.Fits(cores, memory) {
		return fmt.Errorf("%w: need cores=%d memory=%d, left cores=%d memory=%d",
			ErrResourceExhausted, cores, memory, g.CoresLeft, g.MemoryLeft)
	}
	g.CoresLeft -= cores
	g.MemoryLeft -= memory
	return nil
}

// Release 归还资源，超出容量的部分截断，保证不变式成立
func (g *ResourceGroup) Release(cores, memory int64) {
	g.CoresLeft = min(g.CoresLeft+max(cores, 0), g.AvailableCores)
	g.MemoryLeft = min(g.MemoryLeft+max(memory, 0), g.AvailableMemory)
}

type ResourceGroupQuery struct {
	ID          Opt[int64]  `json:"id,omitzero"`
	Label       Opt[string] `json:"label,omitzero"`
	NamespaceID Opt[int64]  `json:"namespace_id,omitzero"`
	Limit       Opt[int]    `json:"limit,omitzero"`
}

func (q ResourceGroupQuery) Match(g ResourceGroup) bool {
	return eqOpt(q.ID, g.ID) && eqOpt(q.Label, g.Label) && eqOpt(q.NamespaceID, g.NamespaceID)
}

func (q ResourceGroupQuery) Bound() Opt[int] { return q.Limit }

func (q ResourceGroupQuery) Validate() error { return validateLimit(q.Limit) }
