package service

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"sync"

	"github.com/TIANLI0/SplatKit/config"
	"github.com/TIANLI0/SplatKit/mask"
	"github.com/TIANLI0/SplatKit/utils"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// ErrSegmentationUnavailable 分割网络加载或推理失败
var ErrSegmentationUnavailable = errors.New("segmentation network unavailable")

// Segmenter 语义分割：返回与输入同分辨率的类别图
type Segmenter interface {
	Segment(ctx context.Context, img gocv.Mat) (*mask.ClassMap, error)
}

// DNNSegmenter 基于 OpenCV DNN 的语义分割，模型首次使用时加载
type DNNSegmenter struct {
	cfg *config.SegmentationConfig
	mu  sync.Mutex
	net *gocv.Net
}

func NewDNNSegmenter(cfg *config.SegmentationConfig) *DNNSegmenter {
	return &DNNSegmenter{cfg: cfg}
}

// load 加载模型，失败不缓存，下次请求重试
func (s *DNNSegmenter) load() error {
	if s.net != nil {
		return nil
	}

	if _, err := os.Stat(s.cfg.ModelPath); err != nil {
		return fmt.Errorf("%w: %v", ErrSegmentationUnavailable, err)
	}

	net := gocv.ReadNet(s.cfg.ModelPath, "")
	if net.Empty() {
		return fmt.Errorf("%w: failed to read model %s", ErrSegmentationUnavailable, s.cfg.ModelPath)
	}
	if err := net.SetPreferableBackend(gocv.NetBackendDefault); err != nil {
		net.Close()
		return fmt.Errorf("%w: %v", ErrSegmentationUnavailable, err)
	}
	if err := net.SetPreferableTarget(gocv.NetTargetCPU); err != nil {
		net.Close()
		return fmt.Errorf("%w: %v", ErrSegmentationUnavailable, err)
	}

	utils.Logger.Info("segmentation model loaded", zap.String("model", s.cfg.ModelPath))
	s.net = &net
	return nil
}

// Segment 推理后逐像素取 argmax，再用最近邻插值还原到原图尺寸（不产生小数类别）
func (s *DNNSegmenter) Segment(ctx context.Context, img gocv.Mat) (*mask.ClassMap, error) {
	if img.Empty() {
		return nil, fmt.Errorf("%w: empty image", ErrSegmentationUnavailable)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mean := gocv.NewScalar(0, 0, 0, 0)
	if len(s.cfg.Mean) >= 3 {
		mean = gocv.NewScalar(s.cfg.Mean[0], s.cfg.Mean[1], s.cfg.Mean[2], 0)
	}

	blob := gocv.BlobFromImage(img, s.cfg.Scale,
		image.Pt(s.cfg.InputWidth, s.cfg.InputHeight), mean, s.cfg.SwapRB, false)
	defer blob.Close()

	s.net.SetInput(blob, "")
	logits := s.net.Forward("")
	defer logits.Close()

	dims := logits.Size()
	if len(dims) != 4 || dims[0] != 1 {
		return nil, fmt.Errorf("%w: unexpected output shape %v", ErrSegmentationUnavailable, dims)
	}
	classes, h, w := dims[1], dims[2], dims[3]

	data, err := logits.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSegmentationUnavailable, err)
	}
	ids, err := argmaxLabels(data, classes, h, w)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSegmentationUnavailable, err)
	}

	labels, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8U, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSegmentationUnavailable, err)
	}
	defer labels.Close()

	native := gocv.NewMat()
	defer native.Close()
	gocv.Resize(labels, &native, image.Pt(img.Cols(), img.Rows()), 0, 0, gocv.InterpolationNearestNeighbor)

	return classMapFromLabels(native.ToBytes(), native.Cols(), native.Rows()), nil
}

// argmaxLabels 输出布局为 [C][H][W]，类别数不能超过 uint8 表示范围
func argmaxLabels(data []float32, classes, h, w int) ([]byte, error) {
	if classes <= 0 || classes > 256 {
		return nil, fmt.Errorf("unsupported class count %d", classes)
	}
	plane := h * w
	if len(data) < classes*plane {
		return nil, fmt.Errorf("output has %d values, want %d", len(data), classes*plane)
	}

	ids := make([]byte, plane)
	for i := 0; i < plane; i++ {
		best, bestScore := 0, data[i]
		for c := 1; c < classes; c++ {
			if v := data[c*plane+i]; v > bestScore {
				best, bestScore = c, v
			}
		}
		ids[i] = byte(best)
	}
	return ids, nil
}

func classMapFromLabels(labels []byte, width, height int) *mask.ClassMap {
	cm := mask.NewClassMap(width, height)
	for i := 0; i < len(cm.IDs) && i < len(labels); i++ {
		cm.IDs[i] = int(labels[i])
	}
	return cm
}

func (s *DNNSegmenter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.net != nil {
		err := s.net.Close()
		s.net = nil
		return err
	}
	return nil
}
