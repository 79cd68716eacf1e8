package projector

import (
	"errors"
	"fmt"

	"github.com/golang/geo/r3"

	"github.com/TIANLI0/SplatKit/camera"
	"github.com/TIANLI0/SplatKit/mask"
)

// 投影策略名称
const (
	StrategyPoint = "point"
	StrategyGrid  = "grid"
)

// ErrResolutionMismatch 掩码分辨率与相机标定分辨率不一致
var ErrResolutionMismatch = errors.New("mask resolution does not match camera image size")

// PointMask 每个点一个布尔值，顺序与点集一致
type PointMask []bool

// Kind 投影失败的类别
type Kind string

const (
	KindMissingCalibration Kind = "missing_calibration"
	KindDegenerateCamera   Kind = "degenerate_camera"
	KindResolutionMismatch Kind = "resolution_mismatch"
	KindMalformedCloud     Kind = "malformed_cloud"
)

// ProjectionError 投影失败。Points 为仍可恢复的点数，调用方据此构造全 false 的降级结果
type ProjectionError struct {
	Kind   Kind
	Points int
	Err    error
}

func (e *ProjectionError) Error() string {
	return fmt.Sprintf("projection %s: %v", e.Kind, e.Err)
}

func (e *ProjectionError) Unwrap() error {
	return e.Err
}

// Input 投影输入。Grid 策略只使用 Mask
type Input struct {
	Mask   *mask.FloorMask
	Points []r3.Vector
	Camera camera.Params
}

// FloorProjector 将二维掩码映射到三维点
type FloorProjector interface {
	Name() string
	Project(in Input) (PointMask, error)
}

// Config 投影配置
type Config struct {
	Strategy string
	Epsilon  float64
	Grid     GridProjector
}

// New 按策略名称创建投影器
func New(cfg Config) (FloorProjector, error) {
	switch cfg.Strategy {
	case StrategyPoint, "":
		return NewPointProjector(cfg.Epsilon), nil
	case StrategyGrid:
		grid := cfg.Grid
		if err := grid.Validate(); err != nil {
			return nil, err
		}
		return &grid, nil
	default:
		return nil, fmt.Errorf("unknown projection strategy %q", cfg.Strategy)
	}
}

// AllFalse 长度为 n 的全 false 掩码，n < 0 按 0 处理
func AllFalse(n int) PointMask {
	if n < 0 {
		n = 0
	}
	return make(PointMask, n)
}

// Count 统计为 true 的点数
func (m PointMask) Count() int {
	count := 0
	for _, v := range m {
		if v {
			count++
		}
	}
	return count
}

// Coverage true 的比例，空掩码为 0
func (m PointMask) Coverage() float64 {
	if len(m) == 0 {
		return 0
	}
	return float64(m.Count()) / float64(len(m))
}

// Select 返回掩码为 true 的点
func (m PointMask) Select(points []r3.Vector) []r3.Vector {
	var out []r3.Vector
	for i, v := range m {
		if v && i < len(points) {
			out = append(out, points[i])
		}
	}
	return out
}
