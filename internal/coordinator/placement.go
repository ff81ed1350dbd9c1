package coordinator

import (
	"context"
	"errors"
	"fmt"

	"symphony/pkg/model"

	"go.uber.org/zap"
)

// ErrIneligible runner 不满足 fragment 的硬性条件
var ErrIneligible = errors.New("runner not eligible for fragment")

// EligibleRunners 遍历 runner，返回满足硬性条件且资源组还放得下的候选者。
// 选哪一个由调用方决定
func (c *Coordinator) EligibleRunners(ctx context.Context, f model.Fragment) ([]model.Runner, error) {
	runners, err := c.store.ListRunners(ctx, model.RunnerQuery{Status: model.Some(model.RunnerHealthy)})
	if err != nil {
		return nil, err
	}

	candidates := make([]model.Runner, 0)
	for _, r := range runners {
		if err := checkRunner(f, r); err != nil {
			c.logger.Debug("runner filtered", zap.Int64("runner_id", r.ID.Value), zap.Error(err))
			continue
		}
		g, err := c.store.GetResourceGroup(ctx, r.ResourceGroupID.Value)
		if err != nil {
			return nil, err
		}
		if !g.Fits(f.CoresRequired.OrElse(0), f.MemoryRequired.OrElse(0)) {
			c.logger.Debug("runner filtered: insufficient resources",
				zap.Int64("runner_id", r.ID.Value),
				zap.Int64("cores_left", g.CoresLeft), zap.Int64("cores_required", f.CoresRequired.OrElse(0)),
				zap.Int64("memory_left", g.MemoryLeft), zap.Int64("memory_required", f.MemoryRequired.OrElse(0)))
			continue
		}
		candidates = append(candidates, r)
	}
	return candidates, nil
}

// checkRunner 执行具体的 Predicate 检查逻辑，资源检查不在这里 (要走 CAS)
func checkRunner(f model.Fragment, r model.Runner) error {
	// 1. 健康状态
	if r.Status != model.RunnerHealthy {
		return fmt.Errorf("%w: runner status is %s", ErrIneligible, r.Status)
	}
	// 2. 必须属于某个资源组
	if !r.ResourceGroupID.Present {
		return fmt.Errorf("%w: runner has no resource group", ErrIneligible)
	}
	// 3. 标签
	if !r.HasTags(f.RunnerTags) {
		return fmt.Errorf("%w: runner is missing tags %v", ErrIneligible, f.RunnerTags)
	}
	if tag, ok := f.FragmentExecutorTag.Get(); ok && !r.HasPluginTag(tag) {
		return fmt.Errorf("%w: runner has no executor plugin %q", ErrIneligible, tag)
	}
	return nil
}
