package projector

import (
	"fmt"

	"github.com/disintegration/imaging"

	"github.com/TIANLI0/SplatKit/mask"
)

// GridProjector 近似映射：把掩码重采样到重建内部的固定网格，再按层复制。
// 结果长度固定为 Layers×(H/Stride)×(W/Stride)，与实际点数无关
type GridProjector struct {
	InternalWidth  int
	InternalHeight int
	Stride         int
	Layers         int
}

// GridInfo 网格布局信息，随结果返回
type GridInfo struct {
	InternalWidth  int `json:"internal_width"`
	InternalHeight int `json:"internal_height"`
	Stride         int `json:"stride"`
	Layers         int `json:"layers"`
	GridWidth      int `json:"grid_width"`
	GridHeight     int `json:"grid_height"`
	ExpectedPoints int `json:"expected_points"`
}

// Validate 检查网格参数
func (g *GridProjector) Validate() error {
	if g.InternalWidth <= 0 || g.InternalHeight <= 0 {
		return fmt.Errorf("grid internal size must be positive, got %dx%d", g.InternalWidth, g.InternalHeight)
	}
	if g.Stride <= 0 {
		return fmt.Errorf("grid stride must be positive, got %d", g.Stride)
	}
	if g.InternalWidth%g.Stride != 0 || g.InternalHeight%g.Stride != 0 {
		return fmt.Errorf("grid internal size %dx%d is not divisible by stride %d",
			g.InternalWidth, g.InternalHeight, g.Stride)
	}
	if g.Layers <= 0 {
		return fmt.Errorf("grid layers must be positive, got %d", g.Layers)
	}
	return nil
}

// Info 返回网格布局
func (g *GridProjector) Info() GridInfo {
	gw, gh := g.InternalWidth/g.Stride, g.InternalHeight/g.Stride
	return GridInfo{
		InternalWidth:  g.InternalWidth,
		InternalHeight: g.InternalHeight,
		Stride:         g.Stride,
		Layers:         g.Layers,
		GridWidth:      gw,
		GridHeight:     gh,
		ExpectedPoints: g.Layers * gw * gh,
	}
}

func (g *GridProjector) Name() string {
	return StrategyGrid
}

// Project 最近邻重采样到 (H, W)，Stride×Stride 最大池化（任一像素为地板则整格为地板），
// 行优先展开后按层复制。Points 与 Camera 不参与计算
func (g *GridProjector) Project(in Input) (PointMask, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	info := g.Info()
	cells := make([]bool, info.GridWidth*info.GridHeight)

	if !in.Mask.Empty() {
		g.pool(g.resample(in.Mask), cells, info)
	}

	out := make(PointMask, 0, info.ExpectedPoints)
	for l := 0; l < g.Layers; l++ {
		out = append(out, cells...)
	}
	return out, nil
}

// resample 最近邻缩放，保持二值不混合
func (g *GridProjector) resample(m *mask.FloorMask) *mask.FloorMask {
	if m.Width == g.InternalWidth && m.Height == g.InternalHeight {
		return m
	}
	resized := imaging.Resize(m.Image(), g.InternalWidth, g.InternalHeight, imaging.NearestNeighbor)
	return mask.FromImage(resized)
}

func (g *GridProjector) pool(m *mask.FloorMask, cells []bool, info GridInfo) {
	s := g.Stride
	for gy := 0; gy < info.GridHeight; gy++ {
		for gx := 0; gx < info.GridWidth; gx++ {
			cells[gy*info.GridWidth+gx] = anyFloor(m, gx*s, gy*s, s)
		}
	}
}

func anyFloor(m *mask.FloorMask, x0, y0, s int) bool {
	for y := y0; y < y0+s; y++ {
		for x := x0; x < x0+s; x++ {
			if m.At(x, y) {
				return true
			}
		}
	}
	return false
}
