package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/TIANLI0/SplatKit/config"
	"github.com/TIANLI0/SplatKit/utils"
	"go.uber.org/zap"
)

var (
	// ErrReconstructionFailed 重建程序非零退出
	ErrReconstructionFailed = errors.New("reconstruction failed")
	// ErrReconstructionTimeout 重建超时
	ErrReconstructionTimeout = errors.New("reconstruction timed out")
	// ErrNoReconstruction 输出目录中没有点云文件
	ErrNoReconstruction = errors.New("no ply file found in reconstruction output")
)

// stderr 保留在错误信息中的最大长度
const maxStderrTail = 2048

// Reconstruction 重建输出
type Reconstruction struct {
	PLY        []byte
	File       string
	Candidates int
	Duration   time.Duration
}

// Reconstructor 单目重建
type Reconstructor interface {
	Reconstruct(ctx context.Context, imageBytes []byte) (*Reconstruction, error)
}

// CommandReconstructor 以子进程方式调用外部重建程序，每个请求使用独立工作目录
type CommandReconstructor struct {
	cfg *config.ReconstructionConfig
}

func NewCommandReconstructor(cfg *config.ReconstructionConfig) *CommandReconstructor {
	return &CommandReconstructor{cfg: cfg}
}

// Reconstruct 写入 input/input.jpg，运行 `<binary> <args>`，读取 output 中第一个 *.ply
func (r *CommandReconstructor) Reconstruct(ctx context.Context, imageBytes []byte) (*Reconstruction, error) {
	workspace, err := r.createWorkspace()
	if err != nil {
		return nil, err
	}
	if r.cfg.CleanupTempFiles {
		defer func() {
			if err := os.RemoveAll(workspace); err != nil {
				utils.Logger.Warn("failed to delete workspace",
					zap.String("workspace", workspace),
					zap.Error(err))
			} else {
				utils.Logger.Debug("workspace deleted", zap.String("workspace", workspace))
			}
		}()
	}

	inputDir := filepath.Join(workspace, "input")
	outputDir := filepath.Join(workspace, "output")
	for _, dir := range []string{inputDir, outputDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(filepath.Join(inputDir, "input.jpg"), imageBytes, 0644); err != nil {
		return nil, fmt.Errorf("failed to write input image: %w", err)
	}

	runCtx := ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	args := expandArgs(r.cfg.Args, inputDir, outputDir)
	cmd := exec.CommandContext(runCtx, r.cfg.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	utils.Logger.Info("running reconstruction",
		zap.String("binary", r.cfg.Binary),
		zap.Strings("args", args))

	start := time.Now()
	if err := cmd.Run(); err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrReconstructionTimeout, r.cfg.Timeout)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		utils.Logger.Error("reconstruction failed",
			zap.Error(err),
			zap.String("stdout", tail(stdout.String())),
			zap.String("stderr", tail(stderr.String())))
		return nil, fmt.Errorf("%w: %v: %s", ErrReconstructionFailed, err, tail(stderr.String()))
	}
	duration := time.Since(start)

	file, candidates, err := firstPLY(outputDir)
	if err != nil {
		return nil, err
	}
	if candidates > 1 {
		utils.Logger.Warn("multiple ply files in output, using the first",
			zap.Int("count", candidates),
			zap.String("file", filepath.Base(file)))
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file, err)
	}

	utils.Logger.Info("reconstruction finished",
		zap.String("file", filepath.Base(file)),
		zap.Int("bytes", len(data)),
		zap.Duration("duration", duration))

	return &Reconstruction{
		PLY:        data,
		File:       filepath.Base(file),
		Candidates: candidates,
		Duration:   duration,
	}, nil
}

func (r *CommandReconstructor) createWorkspace() (string, error) {
	base := r.cfg.WorkDir
	if base == "" {
		base = os.TempDir()
	}
	dir := filepath.Join(base, "splatkit-"+utils.NewWorkspaceID())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}
	return dir, nil
}

func expandArgs(args []string, input, output string) []string {
	replacer := strings.NewReplacer("{input}", input, "{output}", output)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = replacer.Replace(a)
	}
	return out
}

// firstPLY 只查找输出目录顶层，按文件名排序后取第一个
func firstPLY(dir string) (string, int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.ply"))
	if err != nil {
		return "", 0, err
	}
	if len(matches) == 0 {
		return "", 0, ErrNoReconstruction
	}
	sort.Strings(matches)
	return matches[0], len(matches), nil
}

func tail(s string) string {
	if len(s) <= maxStderrTail {
		return s
	}
	return s[len(s)-maxStderrTail:]
}
