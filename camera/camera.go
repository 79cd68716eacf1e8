package camera

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"go.uber.org/multierr"

	"github.com/TIANLI0/SplatKit/ply"
)

var (
	// ErrNoIntrinsics 缺少内参记录
	ErrNoIntrinsics = errors.New("camera intrinsic parameters are not available")
	// ErrNoImageSize 缺少标定分辨率记录
	ErrNoImageSize = errors.New("camera image size is not available")
	// ErrDegenerateIntrinsics 焦距或分辨率非法
	ErrDegenerateIntrinsics = errors.New("camera intrinsic parameters are degenerate")
)

// Intrinsics 针孔相机内参，单位为像素
type Intrinsics struct {
	Fx float64 `json:"fx"`
	Fy float64 `json:"fy"`
	Cx float64 `json:"cx"`
	Cy float64 `json:"cy"`
}

// Extrinsics 相机外参。本系统假设相机位于原点朝向 +Z，外参只透传不参与投影
type Extrinsics struct {
	Position [3]float64  `json:"position"`
	Matrix   [16]float64 `json:"matrix"`
}

// ImageSize 内参标定时的图像分辨率
type ImageSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Params 从重建输出中提取的相机参数，每项独立可选
type Params struct {
	Intrinsics *Intrinsics `json:"intrinsics,omitempty"`
	Extrinsics *Extrinsics `json:"extrinsics,omitempty"`
	ImageSize  *ImageSize  `json:"image_size,omitempty"`
}

// Extract 读取内参(9)、外参(16)、分辨率(2)记录。缺失的记录留空；
// 长度或取值不合法的记录同样留空，并在返回的非致命错误中说明
func Extract(cloud *ply.Cloud) (Params, error) {
	var params Params
	var errs error

	if values, ok := cloud.Record(ply.RecordIntrinsic); ok {
		if len(values) != 9 {
			errs = multierr.Append(errs, fmt.Errorf("intrinsic record has %d values, want 9", len(values)))
		} else {
			params.Intrinsics = &Intrinsics{
				Fx: values[0],
				Fy: values[4],
				Cx: values[2],
				Cy: values[5],
			}
		}
	}

	if values, ok := cloud.Record(ply.RecordExtrinsic); ok {
		if len(values) != 16 {
			errs = multierr.Append(errs, fmt.Errorf("extrinsic record has %d values, want 16", len(values)))
		} else {
			ext := &Extrinsics{}
			copy(ext.Matrix[:], values)
			ext.Position = cameraCenter(ext.Matrix)
			params.Extrinsics = ext
		}
	}

	if values, ok := cloud.Record(ply.RecordImageSize); ok {
		if len(values) != 2 {
			errs = multierr.Append(errs, fmt.Errorf("image_size record has %d values, want 2", len(values)))
		} else if !isWholeNumber(values[0]) || !isWholeNumber(values[1]) {
			errs = multierr.Append(errs, fmt.Errorf("image_size record %v is not integral", values))
		} else {
			params.ImageSize = &ImageSize{Width: int(values[0]), Height: int(values[1])}
		}
	}

	return params, errs
}

// cameraCenter 由行优先的世界到相机变换 [R|t] 计算相机中心 -Rᵀt
func cameraCenter(m [16]float64) [3]float64 {
	t := r3.Vector{X: m[3], Y: m[7], Z: m[11]}
	col0 := r3.Vector{X: m[0], Y: m[4], Z: m[8]}
	col1 := r3.Vector{X: m[1], Y: m[5], Z: m[9]}
	col2 := r3.Vector{X: m[2], Y: m[6], Z: m[10]}
	return [3]float64{-col0.Dot(t), -col1.Dot(t), -col2.Dot(t)}
}

func isWholeNumber(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v == math.Trunc(v) && v >= 0
}

// Calibration 投影前的唯一前置检查：内参与分辨率必须同时存在且有效
func (p Params) Calibration() (Intrinsics, ImageSize, error) {
	switch {
	case p.Intrinsics == nil:
		return Intrinsics{}, ImageSize{}, ErrNoIntrinsics
	case p.ImageSize == nil:
		return Intrinsics{}, ImageSize{}, ErrNoImageSize
	}

	in, size := *p.Intrinsics, *p.ImageSize
	if err := in.CheckValid(); err != nil {
		return Intrinsics{}, ImageSize{}, err
	}
	if size.Width <= 0 || size.Height <= 0 {
		return Intrinsics{}, ImageSize{}, fmt.Errorf("%w: invalid size (%d, %d)",
			ErrDegenerateIntrinsics, size.Width, size.Height)
	}
	return in, size, nil
}

// CheckValid 检查焦距是否可用于除法
func (in Intrinsics) CheckValid() error {
	if !(in.Fx > 0) || math.IsInf(in.Fx, 0) {
		return fmt.Errorf("%w: invalid focal length Fx = %v", ErrDegenerateIntrinsics, in.Fx)
	}
	if !(in.Fy > 0) || math.IsInf(in.Fy, 0) {
		return fmt.Errorf("%w: invalid focal length Fy = %v", ErrDegenerateIntrinsics, in.Fy)
	}
	if math.IsNaN(in.Cx) || math.IsNaN(in.Cy) {
		return fmt.Errorf("%w: invalid principal point (%v, %v)", ErrDegenerateIntrinsics, in.Cx, in.Cy)
	}
	return nil
}

// Project 针孔投影 u = fx·x/z + cx, v = fy·y/z + cy。
// 分母被钳制到 eps 以避免除零，valid 仍按未钳制的 z > eps 判定
func (in Intrinsics) Project(p r3.Vector, eps float64) (u, v float64, valid bool) {
	valid = p.Z > eps
	z := math.Max(p.Z, eps)
	u = in.Fx*(p.X/z) + in.Cx
	v = in.Fy*(p.Y/z) + in.Cy
	return u, v, valid
}

// Contains 判断取整后的像素是否落在图像内
func (s ImageSize) Contains(u, v float64) (int, int, bool) {
	ur, vr := math.Round(u), math.Round(v)
	if !(ur >= 0 && ur < float64(s.Width) && vr >= 0 && vr < float64(s.Height)) {
		return 0, 0, false
	}
	return int(ur), int(vr), true
}
