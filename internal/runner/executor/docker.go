package executor

import (
	"bytes"
	"context"
	"io"
	"time"

	"symphony/internal/logging"
	"symphony/pkg/model"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

// cleanupTimeout ctx 已经取消时，kill / remove 容器用的独立超时
const cleanupTimeout = 10 * time.Second

type DockerExecutor struct {
	cli    *client.Client
	logger *zap.Logger
}

// NewDockerExecutor 初始化 Docker 客户端
func NewDockerExecutor(logger *zap.Logger) (*DockerExecutor, error) {
	// 自动从环境变量或默认路径连接本地 Docker
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return &DockerExecutor{cli: cli, logger: logging.Component(logger, "docker")}, nil
}

var _ Executor = (*DockerExecutor)(nil)

func (e *DockerExecutor) Close() error {
	return e.cli.Close()
}

// Run 真正执行 fragment 的方法
func (e *DockerExecutor) Run(ctx context.Context, spec Spec) (Result, error) {
	log := e.logger.With(zap.Int64("run_fragment_id", spec.RunFragmentID), zap.String("image", spec.Image))
	log.Info("starting container")

	// 1. 本地没有镜像时拉取
	if err := e.ensureImage(ctx, spec.Image); err != nil {
		return Result{}, err
	}

	// 2. 创建容器，资源限制和 fragment 的需求一致
	resp, err := e.cli.ContainerCreate(ctx, &container.Config{
		Image: spec.Image,
		Cmd:   spec.Command,
		Env:   spec.Env,
		Tty:   false,
	}, &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: spec.Cores * 1e9,
			Memory:   spec.MemoryMB * 1024 * 1024,
		},
	}, nil, nil, "")
	if err != nil {
		return Result{}, err
	}
	containerID := resp.ID
	log = log.With(zap.String("container", containerID[:12]))
	log.Debug("container created")

	// 清理容器，就像 defer 垃圾回收
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := e.cli.ContainerRemove(rmCtx, containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
			log.Warn("failed to remove container", zap.Error(err))
		}
	}()

	// 3. 启动容器
	if err := e.cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		return Result{}, err
	}

	// 4. 等待容器结束；被取消时直接 kill
	var exitCode int64
	statusCh, errCh := e.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			e.kill(containerID, log)
			return Result{}, ctx.Err()
		}
		if err != nil {
			return Result{}, err
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-ctx.Done():
		e.kill(containerID, log)
		return Result{}, ctx.Err()
	}

	// 5. 获取日志，带时间戳，stdout / stderr 分开
	lines, err := e.logs(ctx, containerID)
	if err != nil {
		return Result{}, err
	}

	res := Result{ExitCode: exitCode, Lines: lines}

	// 6. 收集产物
	if spec.OutputDir != "" {
		res.Artifact, err = e.copyOut(ctx, containerID, spec.OutputDir)
		if err != nil {
			log.Warn("failed to collect output artifact", zap.String("dir", spec.OutputDir), zap.Error(err))
		}
	}

	log.Info("container finished", zap.Int64("exit_code", exitCode), zap.Int("lines", len(lines)))
	return res, nil
}

func (e *DockerExecutor) ensureImage(ctx context.Context, image string) error {
	if _, _, err := e.cli.ImageInspectWithRaw(ctx, image); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return err
	}
	e.logger.Info("pulling image", zap.String("image", image))
	reader, err := e.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	// 拉取进度不需要，读完才算拉取结束
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (e *DockerExecutor) logs(ctx context.Context, containerID string) ([]model.ConsoleOutputLine, error) {
	outReader, err := e.cli.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: true,
	})
	if err != nil {
		return nil, err
	}
	defer outReader.Close()

	// stdcopy 会把 docker 的多路复用流拆分
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, outReader); err != nil {
		return nil, err
	}
	now := time.Now()
	outLines, err := ParseLines(&stdout, false, now)
	if err != nil {
		return nil, err
	}
	errLines, err := ParseLines(&stderr, true, now)
	if err != nil {
		return nil, err
	}
	return MergeLines(outLines, errLines), nil
}

// copyOut 把容器里的目录打成 tar 读出来，目录不存在时返回 nil
func (e *DockerExecutor) copyOut(ctx context.Context, containerID, dir string) ([]byte, error) {
	rc, _, err := e.cli.CopyFromContainer(ctx, containerID, dir)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (e *DockerExecutor) kill(containerID string, log *zap.Logger) {
	killCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := e.cli.ContainerKill(killCtx, containerID, "SIGKILL"); err != nil {
		log.Warn("failed to kill container", zap.Error(err))
		return
	}
	log.Info("container killed")
}
