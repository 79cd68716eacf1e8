package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TIANLI0/SplatKit/assembler"
	"github.com/TIANLI0/SplatKit/camera"
	"github.com/TIANLI0/SplatKit/config"
	"github.com/TIANLI0/SplatKit/mask"
	"github.com/TIANLI0/SplatKit/model"
	"github.com/TIANLI0/SplatKit/ply"
	"github.com/TIANLI0/SplatKit/projector"
	"github.com/TIANLI0/SplatKit/utils"
	"github.com/golang/geo/r3"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrQueueFull 等待处理槽位超时
	ErrQueueFull = errors.New("processing queue is full")
	// ErrInvalidImage 上传内容无法解码为图片
	ErrInvalidImage = errors.New("failed to decode image")
)

// Pipeline 单张图片的完整处理流程：分割与重建并行，随后投影并组装结果
type Pipeline struct {
	segmenter      Segmenter
	reconstructor  Reconstructor
	projector      projector.FloorProjector
	grid           *projector.GridInfo
	floorClasses   mask.ClassSet
	wallClasses    mask.ClassSet
	planeMinPoints int
	semaphore      chan struct{}
	queueTimeout   time.Duration
}

func NewPipeline(cfg *config.Config, segmenter Segmenter, reconstructor Reconstructor) (*Pipeline, error) {
	p, err := projector.New(projector.Config{
		Strategy: cfg.Projection.Strategy,
		Epsilon:  cfg.Projection.DepthEpsilon,
		Grid: projector.GridProjector{
			InternalWidth:  cfg.Projection.Grid.InternalWidth,
			InternalHeight: cfg.Projection.Grid.InternalHeight,
			Stride:         cfg.Projection.Grid.Stride,
			Layers:         cfg.Projection.Grid.Layers,
		},
	})
	if err != nil {
		return nil, err
	}

	var grid *projector.GridInfo
	if g, ok := p.(*projector.GridProjector); ok {
		info := g.Info()
		grid = &info
	}

	var wall mask.ClassSet
	if len(cfg.Segmentation.WallClassIDs) > 0 {
		wall = mask.NewClassSet(cfg.Segmentation.WallClassIDs...)
	}

	return &Pipeline{
		segmenter:      segmenter,
		reconstructor:  reconstructor,
		projector:      p,
		grid:           grid,
		floorClasses:   mask.NewClassSet(cfg.Segmentation.FloorClassIDs...),
		wallClasses:    wall,
		planeMinPoints: cfg.Projection.PlaneMinPoints,
		semaphore:      make(chan struct{}, cfg.Reconstruction.MaxConcurrent),
		queueTimeout:   cfg.Reconstruction.QueueTimeout,
	}, nil
}

// Strategy 当前投影策略名称
func (p *Pipeline) Strategy() string {
	return p.projector.Name()
}

// Predict 处理图片并返回结果。分割或重建失败使请求失败；
// 点云解析、标定缺失、投影失败只降级地板分类，重建结果照常返回
func (p *Pipeline) Predict(ctx context.Context, imageBytes []byte, md5 string) (*model.Prediction, error) {
	// 并发控制
	queueCtx, cancel := context.WithTimeout(ctx, p.queueTimeout)
	defer cancel()

	select {
	case p.semaphore <- struct{}{}:
		defer func() { <-p.semaphore }()
	case <-queueCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrQueueFull
	}

	startTime := time.Now()

	img, err := gocv.IMDecode(imageBytes, gocv.IMReadColor)
	if err != nil || img.Empty() {
		if err == nil {
			img.Close()
		}
		return nil, ErrInvalidImage
	}
	defer img.Close()

	width, height := img.Cols(), img.Rows()
	utils.Logger.Info("processing image",
		zap.String("md5", md5),
		zap.Int("width", width),
		zap.Int("height", height),
		zap.String("strategy", p.Strategy()))

	var (
		classMap *mask.ClassMap
		recon    *Reconstruction
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cm, err := p.segmenter.Segment(gctx, img)
		if err != nil {
			return fmt.Errorf("segmentation: %w", err)
		}
		if cm.Width != width || cm.Height != height {
			return fmt.Errorf("segmentation: %w: class map %dx%d for image %dx%d",
				ErrSegmentationUnavailable, cm.Width, cm.Height, width, height)
		}
		classMap = cm
		return nil
	})
	g.Go(func() error {
		r, err := p.reconstructor.Reconstruct(gctx, imageBytes)
		if err != nil {
			return fmt.Errorf("reconstruction: %w", err)
		}
		recon = r
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var notes []string
	if recon.Candidates > 1 {
		notes = append(notes, fmt.Sprintf("%d ply files found, using %s", recon.Candidates, recon.File))
	}

	floorMask := mask.Build(classMap, p.floorClasses)
	floorPNG, err := EncodeMaskPNG(floorMask)
	if err != nil {
		utils.Logger.Error("failed to encode floor mask", zap.String("md5", md5), zap.Error(err))
		notes = append(notes, fmt.Sprintf("floor mask not encoded: %v", err))
	}

	cloud, cloudErr := ply.Decode(recon.PLY)
	pointCount := cloud.VertexCount()
	if cloudErr != nil {
		pointCount = ply.RecoverableVertexCount(recon.PLY)
		utils.Logger.Warn("failed to decode reconstruction",
			zap.String("md5", md5),
			zap.Int("recoverable_points", pointCount),
			zap.Error(cloudErr))
	}

	params, extractErr := camera.Extract(cloud)
	if extractErr != nil {
		utils.Logger.Warn("ignored malformed camera records", zap.String("md5", md5), zap.Error(extractErr))
		notes = append(notes, fmt.Sprintf("camera records ignored: %v", extractErr))
	}

	var cloudPoints []r3.Vector
	if cloud != nil {
		cloudPoints = cloud.Points
	}

	floor := p.classify(floorMask, cloudPoints, cloudErr, pointCount, params)
	p.logDegraded("floor", md5, floor.Err)

	var wall *assembler.Classification
	if p.wallClasses != nil {
		wallMask := mask.Build(classMap, p.wallClasses)
		c := p.classify(wallMask, cloudPoints, cloudErr, pointCount, params)
		p.logDegraded("wall", md5, c.Err)
		wall = &c
	}

	result := assembler.Assemble(assembler.Input{
		MD5:            md5,
		Width:          width,
		Height:         height,
		PLY:            recon.PLY,
		Points:         cloudPoints,
		PointCount:     pointCount,
		Camera:         params,
		Strategy:       p.Strategy(),
		Grid:           p.grid,
		FloorMaskPNG:   floorPNG,
		Floor:          floor,
		Wall:           wall,
		PlaneMinPoints: p.planeMinPoints,
		Notes:          notes,
	})

	utils.Logger.Info("image processed successfully",
		zap.String("md5", md5),
		zap.Duration("duration", time.Since(startTime)),
		zap.Int("points", result.NumPoints),
		zap.Float64("floor_coverage_2d", result.FloorCoverage2D),
		zap.Float64("floor_coverage_3d", result.FloorCoverage3D),
		zap.Bool("degraded", result.Degraded))

	return result, nil
}

// classify 对一类掩码做三维投影；逐点策略在点云无法解析时直接给出 malformed_cloud 错误
func (p *Pipeline) classify(m *mask.FloorMask, points []r3.Vector, cloudErr error, pointCount int, params camera.Params) assembler.Classification {
	if cloudErr != nil && p.projector.Name() == projector.StrategyPoint {
		return assembler.Classification{
			Mask: m,
			Err: &projector.ProjectionError{
				Kind:   projector.KindMalformedCloud,
				Points: pointCount,
				Err:    cloudErr,
			},
		}
	}

	out, err := p.projector.Project(projector.Input{
		Mask:   m,
		Points: points,
		Camera: params,
	})
	return assembler.Classification{Mask: m, Points: out, Err: err}
}

func (p *Pipeline) logDegraded(class, md5 string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, projector.ErrResolutionMismatch) {
		utils.Logger.Error("classification degraded",
			zap.String("class", class), zap.String("md5", md5), zap.Error(err))
		return
	}
	utils.Logger.Warn("classification degraded",
		zap.String("class", class), zap.String("md5", md5), zap.Error(err))
}
