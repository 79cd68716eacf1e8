package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/TIANLI0/SplatKit/config"
	"github.com/TIANLI0/SplatKit/model"
	"github.com/TIANLI0/SplatKit/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const predictionKeyPrefix = "prediction:"

// RedisService 预测结果缓存，未启用时所有操作为空操作
type RedisService struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisService(cfg *config.RedisConfig) *RedisService {
	if !cfg.Enabled {
		return &RedisService{}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	return &RedisService{
		client: client,
		ttl:    cfg.TTL,
	}
}

func (s *RedisService) Enabled() bool {
	return s.client != nil
}

func (s *RedisService) Ping(ctx context.Context) error {
	if s.client == nil {
		return errors.New("redis cache disabled")
	}
	return s.client.Ping(ctx).Err()
}

// GetPrediction 从缓存获取预测结果，未命中返回 nil
func (s *RedisService) GetPrediction(ctx context.Context, key string) (*model.Prediction, error) {
	if s.client == nil {
		return nil, nil
	}

	data, err := s.client.Get(ctx, predictionKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil // 缓存未命中
		}
		return nil, err
	}

	var result model.Prediction
	if err := json.Unmarshal(data, &result); err != nil {
		utils.Logger.Error("failed to unmarshal prediction",
			zap.String("key", key), zap.Error(err))
		return nil, err
	}

	return &result, nil
}

// SetPrediction 设置预测结果到缓存
func (s *RedisService) SetPrediction(ctx context.Context, key string, result *model.Prediction) error {
	if s.client == nil {
		return nil
	}

	data, err := json.Marshal(result)
	if err != nil {
		return err
	}

	return s.client.Set(ctx, predictionKeyPrefix+key, data, s.ttl).Err()
}

func (s *RedisService) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
