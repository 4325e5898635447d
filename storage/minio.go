package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/NotMugil/Inzx/config"
	"github.com/NotMugil/Inzx/logger"
)

// Archiver 把已完成的离线下载归档到 MinIO
type Archiver struct {
	client *minio.Client
	bucket string
}

// InitArchiver 初始化 MinIO 客户端并确保存储桶存在
func InitArchiver(cfg *config.Config) (*Archiver, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
		Region: cfg.MinioRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("创建 MinIO 客户端失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.MinioBucket)
	if err != nil {
		return nil, fmt.Errorf("检查存储桶失败: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.MinioBucket, minio.MakeBucketOptions{Region: cfg.MinioRegion}); err != nil {
			return nil, fmt.Errorf("创建存储桶失败: %w", err)
		}
		logger.Info("已创建归档存储桶", logger.String("bucket", cfg.MinioBucket))
	}

	return &Archiver{client: client, bucket: cfg.MinioBucket}, nil
}

// ArchiveFile 上传本地文件到归档桶，对象名按 audio/{basename} 布局
func (a *Archiver) ArchiveFile(ctx context.Context, localPath, contentType string) error {
	if a == nil || a.client == nil {
		return nil
	}

	objectName := "audio/" + filepath.Base(localPath)

	info, err := a.client.FPutObject(ctx, a.bucket, objectName, localPath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("归档上传失败: %w", err)
	}

	logger.Info("下载已归档",
		logger.String("object", objectName),
		logger.Int64("size", info.Size))
	return nil
}
