package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"sort"

	"mixdeck/storage"

	"github.com/spf13/cobra"
)

var (
	minioPrefix    string
	minioStats     bool
	minioRecursive bool
	minioDelete    bool
	minioUpload    string
)

var minioCmd = &cobra.Command{
	Use:   "minio",
	Short: "MinIO存储桶管理",
	Long:  `查看和管理 s3:// 媒体源所在的存储桶，支持列出文件、查看统计信息、上传音轨和删除目录。`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("MinIO配置: %s, Bucket: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)

		client, err := storage.InitMinio(cfg)
		if err != nil {
			log.Fatalf("无法连接到MinIO: %v", err)
		}
		fmt.Println("MinIO连接成功！")

		ctx := context.Background()
		switch {
		case minioUpload != "":
			f, err := os.Open(minioUpload)
			if err != nil {
				log.Fatalf("打开文件失败: %v", err)
			}
			defer f.Close()
			st, err := f.Stat()
			if err != nil {
				log.Fatalf("读取文件信息失败: %v", err)
			}
			key := path.Join(minioPrefix, filepath.Base(minioUpload))
			if err := client.Upload(ctx, key, f, st.Size()); err != nil {
				log.Fatalf("上传失败: %v", err)
			}
			fmt.Printf("已上传 s3://%s/%s (%s)\n", client.Bucket(), key, storage.FormatSize(st.Size()))

		case minioDelete:
			if minioPrefix == "" {
				log.Fatal("删除操作需要指定目录前缀")
			}
			n, err := client.DeleteDirectory(ctx, minioPrefix)
			if err != nil {
				log.Fatalf("删除目录失败: %v", err)
			}
			fmt.Printf("已删除 %s 下的 %d 个文件\n", minioPrefix, n)

		default:
			objects, stats, err := client.ListObjects(ctx, minioPrefix, minioRecursive)
			if err != nil {
				log.Fatalf("列出文件失败: %v", err)
			}
			if minioStats {
				printBucketStats(client.Bucket(), stats)
				return
			}
			fmt.Printf("\n%-60s %10s  %s\n", "KEY", "SIZE", "MODIFIED")
			for _, o := range objects {
				fmt.Printf("%-60s %10s  %s\n", o.Key, storage.FormatSize(o.Size), o.LastModified.Format("2006-01-02 15:04:05"))
			}
			fmt.Printf("\n共 %d 个文件\n", len(objects))
		}
	},
}

func printBucketStats(bucket string, stats *storage.BucketStats) {
	fmt.Printf("\n存储桶: %s\n", bucket)
	fmt.Printf("文件总数: %d\n", stats.TotalObjects)
	fmt.Printf("总大小: %s\n", storage.FormatSize(stats.TotalSize))
	if !stats.LastModified.IsZero() {
		fmt.Printf("最后修改: %s\n", stats.LastModified.Format("2006-01-02 15:04:05"))
	}

	types := make([]string, 0, len(stats.TypeStats))
	for t := range stats.TypeStats {
		types = append(types, t)
	}
	sort.Strings(types)
	fmt.Println("文件类型:")
	for _, t := range types {
		fmt.Printf("  %-8s %d\n", t, stats.TypeStats[t])
	}
}

func init() {
	rootCmd.AddCommand(minioCmd)

	minioCmd.Flags().StringVarP(&minioPrefix, "prefix", "p", "", "按前缀过滤文件或指定要操作的目录")
	minioCmd.Flags().BoolVarP(&minioStats, "stats", "s", false, "显示存储桶统计信息")
	minioCmd.Flags().BoolVarP(&minioRecursive, "recursive", "r", false, "递归列出子目录")
	minioCmd.Flags().BoolVarP(&minioDelete, "delete", "d", false, "删除指定目录及其下的所有文件")
	minioCmd.Flags().StringVarP(&minioUpload, "upload", "u", "", "上传本地音轨到前缀目录下")

	minioCmd.Example = `  # 列出所有文件
  mixdeck minio -r

  # 显示存储桶统计信息
  mixdeck minio -s -r

  # 上传音轨
  mixdeck minio -u ./stems/drums.flac -p "songs/demo"

  # 删除目录及其下的所有文件
  mixdeck minio -d -p "songs/demo/"`
}
