package projector

import (
	"errors"
	"fmt"

	"github.com/TIANLI0/SplatKit/camera"
)

// DefaultEpsilon 有效深度下限（场景单位）
const DefaultEpsilon = 0.01

// PointProjector 逐点针孔投影：按点的真实位置在掩码上采样
type PointProjector struct {
	Epsilon float64
}

// NewPointProjector 创建逐点投影器，eps 非正时使用默认值
func NewPointProjector(eps float64) *PointProjector {
	if eps <= 0 {
		eps = DefaultEpsilon
	}
	return &PointProjector{Epsilon: eps}
}

func (p *PointProjector) Name() string {
	return StrategyPoint
}

// Project 对每个点：z ≤ eps、投影越界均判为非地板；否则取掩码 (v, u) 处的值。
// 缺少标定或分辨率不一致时返回 *ProjectionError，由调用方决定是否降级
func (p *PointProjector) Project(in Input) (PointMask, error) {
	n := len(in.Points)

	intrinsics, size, err := in.Camera.Calibration()
	if err != nil {
		kind := KindMissingCalibration
		if errors.Is(err, camera.ErrDegenerateIntrinsics) {
			kind = KindDegenerateCamera
		}
		return nil, &ProjectionError{Kind: kind, Points: n, Err: err}
	}

	if in.Mask.Empty() || in.Mask.Width != size.Width || in.Mask.Height != size.Height {
		w, h := 0, 0
		if in.Mask != nil {
			w, h = in.Mask.Width, in.Mask.Height
		}
		return nil, &ProjectionError{
			Kind:   KindResolutionMismatch,
			Points: n,
			Err: fmt.Errorf("%w: mask %dx%d, camera %dx%d",
				ErrResolutionMismatch, w, h, size.Width, size.Height),
		}
	}

	out := make(PointMask, n)
	for i, pt := range in.Points {
		u, v, valid := intrinsics.Project(pt, p.Epsilon)
		if !valid {
			continue
		}
		x, y, ok := size.Contains(u, v)
		if !ok {
			continue
		}
		out[i] = in.Mask.At(x, y)
	}
	return out, nil
}
