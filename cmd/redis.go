package cmd

import (
	"context"
	"fmt"
	"log"
	"sort"

	"mixdeck/cache"

	"github.com/spf13/cobra"
)

var (
	redisPurge bool
	redisInfo  bool
)

var redisCmd = &cobra.Command{
	Use:   "redis",
	Short: "Redis连接测试与媒体缓存管理",
	Long:  `测试Redis连接是否成功，并可查看或清空远程媒体字节缓存。`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("开始测试Redis连接...")
		fmt.Printf("Redis配置: %s:%s, DB: %d\n", cfg.RedisHost, cfg.RedisPort, cfg.RedisDB)

		client, err := cache.ConnectRedis(cfg)
		if err != nil {
			log.Fatalf("无法连接到Redis: %v", err)
		}
		defer func() {
			if err := cache.CloseRedis(); err != nil {
				log.Printf("关闭Redis连接时发生错误: %v", err)
			}
		}()
		fmt.Println("Redis连接成功！")

		ctx := context.Background()
		if err := cache.TestRedis(ctx, client); err != nil {
			log.Fatalf("Redis操作测试失败: %v", err)
		}
		fmt.Println("Redis基本操作测试成功！")

		mc := cache.NewMediaCache(client, cfg.MediaCacheTTL)
		if redisInfo {
			info, err := mc.Info(ctx)
			if err != nil {
				log.Fatalf("读取媒体缓存失败: %v", err)
			}
			keys := make([]string, 0, len(info))
			for k := range info {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			fmt.Printf("\n媒体缓存条目: %d\n", len(keys))
			for _, k := range keys {
				fmt.Printf("  %s  TTL %ds\n", k, info[k])
			}
		}
		if redisPurge {
			n, err := mc.Purge(ctx)
			if err != nil {
				log.Fatalf("清空媒体缓存失败: %v", err)
			}
			fmt.Printf("已删除 %d 个媒体缓存条目\n", n)
		}
	},
}

func init() {
	rootCmd.AddCommand(redisCmd)
	redisCmd.Flags().BoolVarP(&redisInfo, "info", "i", false, "列出媒体缓存条目及剩余 TTL")
	redisCmd.Flags().BoolVar(&redisPurge, "purge", false, "清空媒体缓存")
}
