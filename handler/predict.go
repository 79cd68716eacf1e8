package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/TIANLI0/SplatKit/config"
	"github.com/TIANLI0/SplatKit/model"
	"github.com/TIANLI0/SplatKit/service"
	"github.com/TIANLI0/SplatKit/utils"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Predictor 图片处理流程
type Predictor interface {
	Predict(ctx context.Context, imageBytes []byte, md5 string) (*model.Prediction, error)
	Strategy() string
}

// ResultCache 预测结果缓存，未命中返回 (nil, nil)
type ResultCache interface {
	GetPrediction(ctx context.Context, key string) (*model.Prediction, error)
	SetPrediction(ctx context.Context, key string, result *model.Prediction) error
}

type PredictHandler struct {
	cfg       *config.Config
	cache     ResultCache
	predictor Predictor
}

func NewPredictHandler(cfg *config.Config, cache ResultCache, predictor Predictor) *PredictHandler {
	return &PredictHandler{
		cfg:       cfg,
		cache:     cache,
		predictor: predictor,
	}
}

// Predict 处理图片上传，返回重建点云、地板掩码和逐点地板分类
func (h *PredictHandler) Predict(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		utils.Logger.Error("failed to get uploaded file", zap.Error(err))
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: "请上传图片文件",
			Error:   err.Error(),
		})
		return
	}

	// 验证文件大小
	if file.Size > h.cfg.Upload.MaxSize {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: fmt.Sprintf("文件大小超过限制 (%d MB)", h.cfg.Upload.MaxSize/(1024*1024)),
		})
		return
	}

	// 验证文件类型
	contentType := file.Header.Get("Content-Type")
	if !strings.HasPrefix(strings.ToLower(contentType), "image/") {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: "文件必须是图片",
		})
		return
	}
	if !h.isAllowedType(contentType) {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: "不支持的图片类型，仅支持 " + strings.Join(h.cfg.Upload.AllowedTypes, "/"),
		})
		return
	}

	src, err := file.Open()
	if err != nil {
		utils.Logger.Error("failed to open uploaded file", zap.Error(err))
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Success: false,
			Message: "读取文件失败",
			Error:   err.Error(),
		})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, h.cfg.Upload.MaxSize+1))
	if err != nil {
		utils.Logger.Error("failed to read uploaded file", zap.Error(err))
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Success: false,
			Message: "读取文件失败",
			Error:   err.Error(),
		})
		return
	}

	md5 := utils.BytesMD5(data)
	cacheKey := h.cacheKey(md5)

	utils.Logger.Info("file uploaded",
		zap.String("filename", file.Filename),
		zap.String("md5", md5),
		zap.Int64("size", file.Size),
		zap.String("strategy", h.predictor.Strategy()))

	ctx := c.Request.Context()

	cachedResult, err := h.cache.GetPrediction(ctx, cacheKey)
	if err != nil {
		utils.Logger.Warn("failed to get cache", zap.Error(err))
	}
	if cachedResult != nil {
		utils.Logger.Info("cache hit", zap.String("cache_key", cacheKey))
		c.JSON(http.StatusOK, model.PredictResponse{
			Success: true,
			Message: "处理成功（来自缓存）",
			Data:    cachedResult,
		})
		return
	}

	result, err := h.predictor.Predict(ctx, data, md5)
	if err != nil {
		utils.Logger.Error("failed to process image", zap.String("md5", md5), zap.Error(err))
		status, message := predictStatus(err)
		c.JSON(status, model.ErrorResponse{
			Success: false,
			Message: message,
			Error:   err.Error(),
		})
		return
	}

	if err := h.cache.SetPrediction(ctx, cacheKey, result); err != nil {
		utils.Logger.Warn("failed to set cache", zap.Error(err))
	}

	message := "处理成功"
	if result.Degraded {
		message = "处理成功（地板分类已降级）"
	}
	c.JSON(http.StatusOK, model.PredictResponse{
		Success: true,
		Message: message,
		Data:    result,
	})
}

// GetByMD5 根据MD5获取当前投影策略下的缓存结果
func (h *PredictHandler) GetByMD5(c *gin.Context) {
	md5 := c.Param("md5")
	if md5 == "" {
		c.JSON(http.StatusBadRequest, model.ErrorResponse{
			Success: false,
			Message: "MD5参数缺失",
		})
		return
	}

	result, err := h.cache.GetPrediction(c.Request.Context(), h.cacheKey(md5))
	if err != nil {
		utils.Logger.Error("failed to get prediction", zap.Error(err))
		c.JSON(http.StatusInternalServerError, model.ErrorResponse{
			Success: false,
			Message: "查询失败",
			Error:   err.Error(),
		})
		return
	}

	if result == nil {
		c.JSON(http.StatusNotFound, model.ErrorResponse{
			Success: false,
			Message: "未找到该图片的处理结果",
		})
		return
	}

	c.JSON(http.StatusOK, model.PredictResponse{
		Success: true,
		Message: "查询成功",
		Data:    result,
	})
}

// 同一张图片在不同投影策略下结果不同
func (h *PredictHandler) cacheKey(md5 string) string {
	return md5 + ":" + h.predictor.Strategy()
}

func (h *PredictHandler) isAllowedType(contentType string) bool {
	for _, allowed := range h.cfg.Upload.AllowedTypes {
		if strings.EqualFold(contentType, allowed) {
			return true
		}
	}
	return false
}

func predictStatus(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrInvalidImage):
		return http.StatusBadRequest, "无法解码图片"
	case errors.Is(err, service.ErrQueueFull):
		return http.StatusServiceUnavailable, "服务繁忙，请稍后重试"
	case errors.Is(err, service.ErrReconstructionTimeout):
		return http.StatusGatewayTimeout, "三维重建超时"
	case errors.Is(err, context.Canceled):
		return 499, "请求已取消"
	default:
		return http.StatusInternalServerError, "图片处理失败"
	}
}
