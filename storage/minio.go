package storage

import (
	"context"
	"fmt"
	"time"

	"mixdeck/config"
	"mixdeck/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var (
	minioClient *MinioClient
)

// InitMinio 初始化 MinIO 客户端，存储桶不存在时创建
func InitMinio(cfg *config.Config) (*MinioClient, error) {
	if cfg.MinioEndpoint == "" {
		return nil, fmt.Errorf("MINIO_ENDPOINT 未配置")
	}

	logger.Info("connecting to MinIO",
		logger.String("endpoint", cfg.MinioEndpoint),
		logger.String("region", cfg.MinioRegion),
		logger.String("bucket", cfg.MinioBucket))

	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
		Region: cfg.MinioRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("创建 MinIO 客户端失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.MinioBucket)
	if err != nil {
		return nil, fmt.Errorf("检查存储桶失败: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.MinioBucket, minio.MakeBucketOptions{Region: cfg.MinioRegion}); err != nil {
			return nil, fmt.Errorf("创建存储桶失败: %w", err)
		}
		logger.Info("bucket created", logger.String("bucket", cfg.MinioBucket))
	}

	minioClient = &MinioClient{client: client, bucketName: cfg.MinioBucket}
	logger.Info("MinIO client ready")
	return minioClient, nil
}

// GetMinioClient 获取 MinIO 客户端实例，未初始化时为 nil
func GetMinioClient() *MinioClient {
	return minioClient
}
