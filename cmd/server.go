package cmd

import (
	"context"

	"mixdeck/logger"
	"mixdeck/server"

	"github.com/spf13/cobra"
)

var serverAddr string

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动控制 API 服务",
	Long:  `启动 HTTP/WebSocket 服务，通过 REST 接口加载音轨和控制播放，并通过 WebSocket 推送时间轴事件。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := newEngine(cfg)
		if err != nil {
			return err
		}
		defer e.Close()

		addr := cfg.ServerAddr
		if serverAddr != "" {
			addr = serverAddr
		}
		if err := server.New(addr, e.coord).Run(context.Background()); err != nil {
			logger.Error("server exited", logger.ErrorField(err))
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().StringVarP(&serverAddr, "addr", "a", "", "监听地址，默认使用 SERVER_ADDR")
}
