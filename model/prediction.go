package model

import (
	"github.com/TIANLI0/SplatKit/camera"
	"github.com/TIANLI0/SplatKit/projector"
)

// Prediction 单张图片的重建与地板分类结果。
// []byte 字段由 JSON 传输层编码为 base64
type Prediction struct {
	MD5      string `json:"md5"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	Strategy string `json:"strategy"`

	PLY []byte `json:"ply"`

	FloorMask       []byte           `json:"floor_mask"` // PNG
	FloorCoverage2D float64          `json:"floor_coverage_2d"`
	FloorMask3D     []bool           `json:"floor_mask_3d"`
	FloorCoverage3D float64          `json:"floor_coverage_3d"`
	FloorPlane      *projector.Plane `json:"floor_plane,omitempty"`

	WallCoverage2D float64 `json:"wall_coverage_2d,omitempty"`
	WallMask3D     []bool  `json:"wall_mask_3d,omitempty"`
	WallCoverage3D float64 `json:"wall_coverage_3d,omitempty"`

	CameraParams camera.Params       `json:"camera_params"`
	GridInfo     *projector.GridInfo `json:"gaussian_grid_info,omitempty"`

	NumPoints      int `json:"num_points"`
	NumFloorPoints int `json:"num_floor_points"`
	NumWallPoints  int `json:"num_wall_points,omitempty"`

	Degraded  bool     `json:"degraded"`
	Notes     []string `json:"notes,omitempty"`
	Timestamp int64    `json:"timestamp"`
}

// PredictResponse 预测响应
type PredictResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    *Prediction `json:"data,omitempty"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}
