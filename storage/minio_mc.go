package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
)

// BucketStats 存储桶统计信息
type BucketStats struct {
	TotalObjects int64
	TotalSize    int64
	LastModified time.Time
	TypeStats    map[string]int64 // 媒体类型 -> 文件数
}

// ObjectInfo 文件信息
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ContentType  string
	ETag         string
}

// MinioClient 封装了 MinIO 客户端，同时作为 s3:// 源的 Fetcher
type MinioClient struct {
	client     *minio.Client
	bucketName string
}

// Bucket 默认存储桶
func (m *MinioClient) Bucket() string {
	return m.bucketName
}

// ParseS3URL 拆分 s3://bucket/key；bucket 为空时使用默认存储桶
func ParseS3URL(sourceURL, defaultBucket string) (bucket, key string, err error) {
	u, err := url.Parse(sourceURL)
	if err != nil {
		return "", "", fmt.Errorf("parse %s: %w", sourceURL, err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
	bucket = u.Host
	if bucket == "" {
		bucket = defaultBucket
	}
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid s3 url %q", sourceURL)
	}
	return bucket, key, nil
}

// Fetch 实现 Fetcher，读取 s3://bucket/key
func (m *MinioClient) Fetch(ctx context.Context, sourceURL string) ([]byte, error) {
	bucket, key, err := ParseS3URL(sourceURL, m.bucketName)
	if err != nil {
		return nil, err
	}

	object, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("获取对象失败 %s: %w", sourceURL, err)
	}
	defer object.Close()

	data, err := io.ReadAll(io.LimitReader(object, DefaultMaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("读取对象失败 %s: %w", sourceURL, err)
	}
	if len(data) > DefaultMaxBytes {
		return nil, fmt.Errorf("%w: %s", ErrSourceTooLarge, sourceURL)
	}
	return data, nil
}

// Upload 上传一个媒体文件到默认存储桶
func (m *MinioClient) Upload(ctx context.Context, key string, r io.Reader, size int64) error {
	_, err := m.client.PutObject(ctx, m.bucketName, key, r, size, minio.PutObjectOptions{
		ContentType: contentTypeFor(key),
	})
	if err != nil {
		return fmt.Errorf("上传对象失败 %s: %w", key, err)
	}
	return nil
}

// ListObjects 列出存储桶中的对象并统计
func (m *MinioClient) ListObjects(ctx context.Context, prefix string, recursive bool) ([]ObjectInfo, *BucketStats, error) {
	exists, err := m.client.BucketExists(ctx, m.bucketName)
	if err != nil {
		return nil, nil, fmt.Errorf("检查存储桶是否存在失败: %w", err)
	}
	if !exists {
		return nil, nil, fmt.Errorf("存储桶 %s 不存在", m.bucketName)
	}

	stats := &BucketStats{TypeStats: make(map[string]int64)}
	var objects []ObjectInfo

	objectCh := m.client.ListObjects(ctx, m.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: recursive,
	})
	for object := range objectCh {
		if object.Err != nil {
			return nil, nil, fmt.Errorf("列出对象时出错: %w", object.Err)
		}

		stats.TotalObjects++
		stats.TotalSize += object.Size
		if object.LastModified.After(stats.LastModified) {
			stats.LastModified = object.LastModified
		}
		stats.TypeStats[inferMediaType(object.Key)]++

		objects = append(objects, ObjectInfo{
			Key:          object.Key,
			Size:         object.Size,
			LastModified: object.LastModified,
			ContentType:  object.ContentType,
			ETag:         object.ETag,
		})
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, stats, nil
}

// DeleteDirectory 递归删除目录，返回删除数量
func (m *MinioClient) DeleteDirectory(ctx context.Context, prefix string) (int, error) {
	objects, _, err := m.ListObjects(ctx, prefix, true)
	if err != nil {
		return 0, err
	}
	if len(objects) == 0 {
		return 0, fmt.Errorf("目录 %s 为空或不存在", prefix)
	}

	objectsCh := make(chan minio.ObjectInfo, len(objects))
	go func() {
		defer close(objectsCh)
		for _, obj := range objects {
			objectsCh <- minio.ObjectInfo{Key: obj.Key}
		}
	}()

	for rerr := range m.client.RemoveObjects(ctx, m.bucketName, objectsCh, minio.RemoveObjectsOptions{}) {
		if rerr.Err != nil {
			return 0, fmt.Errorf("删除对象 %s 失败: %w", rerr.ObjectName, rerr.Err)
		}
	}
	return len(objects), nil
}

// FormatSize 格式化文件大小
func FormatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}

// inferMediaType 从文件名推断媒体类型
func inferMediaType(filename string) string {
	switch strings.ToLower(path.Ext(filename)) {
	case ".mp3", ".wav", ".wave", ".flac", ".ogg", ".oga":
		return "audio"
	case ".mid", ".midi", ".smf":
		return "midi"
	default:
		return "other"
	}
}

func contentTypeFor(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".mp3":
		return "audio/mpeg"
	case ".wav", ".wave":
		return "audio/wav"
	case ".flac":
		return "audio/flac"
	case ".ogg", ".oga":
		return "audio/ogg"
	case ".mid", ".midi", ".smf":
		return "audio/midi"
	default:
		return "application/octet-stream"
	}
}
