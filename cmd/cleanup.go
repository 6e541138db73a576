package cmd

import (
	"context"
	"time"

	"JamFM/cache"
	"JamFM/config"
	"JamFM/core/jam"
	"JamFM/db"
	"JamFM/logger"
	"JamFM/repository"

	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "清扫掉线的会话参与者",
	Long:  `扫描所有活跃会话，把心跳超时的参与者标记为离开。适合挂在定时任务上运行。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		logger.Init(cfg.LogLevel, cfg.LogPath)

		if err := db.Connect(cfg); err != nil {
			return err
		}
		defer db.Close()

		if err := cache.ConnectRedis(cfg); err != nil {
			logger.Warn("Redis 不可用，跳过缓存清理", logger.ErrorField(err))
		} else {
			defer cache.CloseRedis()
		}

		sessionRepo := repository.NewGormSessionRepository(db.DB)
		sessionCache := cache.NewSessionCache()

		// 一次性运行，没有在线连接可通知
		presence := jam.NewPresenceTracker(sessionRepo, sessionCache, nil, cfg.PresenceStaleAfter)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		return presence.Cleanup(ctx)
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}
