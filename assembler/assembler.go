package assembler

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang/geo/r3"

	"github.com/TIANLI0/SplatKit/camera"
	"github.com/TIANLI0/SplatKit/mask"
	"github.com/TIANLI0/SplatKit/model"
	"github.com/TIANLI0/SplatKit/projector"
)

// Classification 一类语义（地板或墙面）的二维掩码与三维投影结果
type Classification struct {
	Mask   *mask.FloorMask
	Points projector.PointMask
	Err    error
}

// Input 组装结果所需的全部输入
type Input struct {
	MD5    string
	Width  int
	Height int
	PLY    []byte

	// Points 解码得到的点；PointCount 为可恢复的点数（解码失败时来自文件头）
	Points     []r3.Vector
	PointCount int
	Camera     camera.Params

	Strategy     string
	Grid         *projector.GridInfo
	FloorMaskPNG []byte
	Floor        Classification
	Wall         *Classification

	PlaneMinPoints int
	Notes          []string
	Now            time.Time
}

// Assemble 组合掩码、点分类、覆盖率与相机参数。
// 投影错误在此降级为全 false 掩码并标记 degraded，从不让请求失败
func Assemble(in Input) *model.Prediction {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	result := &model.Prediction{
		MD5:          in.MD5,
		Width:        in.Width,
		Height:       in.Height,
		Strategy:     in.Strategy,
		PLY:          in.PLY,
		FloorMask:    in.FloorMaskPNG,
		CameraParams: in.Camera,
		GridInfo:     in.Grid,
		NumPoints:    in.PointCount,
		Notes:        append([]string(nil), in.Notes...),
		Timestamp:    now.Unix(),
	}

	floor := resolve(in.Floor, in.PointCount)
	if in.Floor.Err != nil {
		result.Degraded = true
		result.Notes = append(result.Notes, fmt.Sprintf("floor classification degraded: %v", in.Floor.Err))
	}
	result.FloorMask3D = floor
	result.FloorCoverage3D = floor.Coverage()
	result.NumFloorPoints = floor.Count()
	if in.Floor.Mask != nil {
		result.FloorCoverage2D = in.Floor.Mask.Coverage()
	}

	if in.Wall != nil {
		wall := resolve(*in.Wall, in.PointCount)
		if in.Wall.Err != nil {
			result.Degraded = true
			result.Notes = append(result.Notes, fmt.Sprintf("wall classification degraded: %v", in.Wall.Err))
		}
		result.WallMask3D = wall
		result.WallCoverage3D = wall.Coverage()
		result.NumWallPoints = wall.Count()
		if in.Wall.Mask != nil {
			result.WallCoverage2D = in.Wall.Mask.Coverage()
		}
	}

	if in.Strategy == projector.StrategyGrid && in.Floor.Err == nil && len(floor) != in.PointCount {
		result.Notes = append(result.Notes, fmt.Sprintf(
			"grid mask length %d does not match reconstructed point count %d", len(floor), in.PointCount))
	}

	if in.Strategy == projector.StrategyPoint && in.Floor.Err == nil && len(floor) == len(in.Points) {
		plane, err := projector.FitPlane(floor.Select(in.Points), in.PlaneMinPoints)
		if err == nil {
			result.FloorPlane = &plane
		}
	}

	return result
}

// resolve 投影失败时返回可恢复点数长度的全 false 掩码
func resolve(c Classification, pointCount int) projector.PointMask {
	if c.Err == nil {
		if c.Points == nil {
			return projector.AllFalse(0)
		}
		return c.Points
	}

	n := pointCount
	var perr *projector.ProjectionError
	if errors.As(c.Err, &perr) {
		n = perr.Points
	}
	return projector.AllFalse(n)
}
