// Package executor 在 runner 本地真正执行一个 RunFragment
package executor

import (
	"bufio"
	"context"
	"io"
	"slices"
	"strings"
	"time"

	"symphony/pkg/model"
)

// Spec 一次执行需要的全部信息
type Spec struct {
	RunFragmentID int64
	Image         string
	Command       []string
	Env           []string
	Cores         int64
	MemoryMB      int64
	// OutputDir 执行结束后打包成产物的目录，为空表示不收集
	OutputDir string
}

// Result 执行结果。Lines 按产生时间排序，stdout 和 stderr 交错
type Result struct {
	ExitCode int64
	Lines    []model.ConsoleOutputLine
	// Artifact OutputDir 的 tar 包，没有时为 nil
	Artifact []byte
}

// Executor ctx 被取消时必须停止执行并返回 ctx.Err()
type Executor interface {
	Run(ctx context.Context, spec Spec) (Result, error)
}

// ParseLines 把带时间戳前缀的日志流拆成输出行。
// 没有合法时间戳的行用 fallback 作为产生时间
func ParseLines(r io.Reader, isStderr bool, fallback time.Time) ([]model.ConsoleOutputLine, error) {
	var lines []model.ConsoleOutputLine
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		text := sc.Text()
		at := fallback
		if ts, rest, ok := strings.Cut(text, " "); ok {
			if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				at, text = t, rest
			}
		}
		lines = append(lines, model.ConsoleOutputLine{ProducedAt: at, Output: text, IsStderr: isStderr})
	}
	return lines, sc.Err()
}

// MergeLines 按产生时间合并两路输出，时间相同时保持原有顺序
func MergeLines(stdout, stderr []model.ConsoleOutputLine) []model.ConsoleOutputLine {
	out := slices.Concat(stdout, stderr)
	slices.SortStableFunc(out, func(a, b model.ConsoleOutputLine) int {
		return a.ProducedAt.Compare(b.ProducedAt)
	})
	return out
}
