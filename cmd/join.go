package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"JamFM/client"
	"JamFM/config"
	"JamFM/logger"
	"JamFM/model"

	"github.com/spf13/cobra"
)

var (
	joinServer   string
	joinCode     string
	joinUsername string
	joinPassword string
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "以跟随端身份加入一个Jam会话",
	Long:  `登录后凭加入码加入会话，在终端打印播放状态变化，Ctrl+C 退出并离开会话`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		logger.Init(cfg.LogLevel, "")

		token, userID, err := login(joinServer, joinUsername, joinPassword)
		if err != nil {
			return fmt.Errorf("登录失败: %w", err)
		}

		api := client.NewHTTPAPI(joinServer, token)
		opener := client.NewWSOpener(joinServer)

		controller := client.NewController(api, opener, joinServer, token, userID,
			cfg.HeartbeatInterval, cfg.ReconcilePeriod,
			func(snap client.Snapshot) {
				if snap.Session == nil {
					return
				}
				track := "<none>"
				if snap.Session.CurrentTrackID != nil {
					track = *snap.Session.CurrentTrackID
				}
				fmt.Printf("[%s] track=%s pos=%.1fs playing=%v queue=%d participants=%d\n",
					snap.Phase, track, snap.Session.CurrentPosition,
					snap.Session.IsPlaying, len(snap.Session.Queue), len(snap.Participants))
			},
			func(msg string) {
				fmt.Println(">>", msg)
			})

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := controller.JoinByCode(ctx, joinCode); err != nil {
			return fmt.Errorf("加入会话失败: %w", err)
		}
		fmt.Println("已加入会话，Ctrl+C 退出")

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop

		leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer leaveCancel()
		return controller.Leave(leaveCtx)
	},
}

// login 换取 JWT token
func login(server, username, password string) (string, int64, error) {
	body, _ := json.Marshal(map[string]string{
		"username": username,
		"password": password,
	})

	resp, err := http.Post(server+"/api/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("login returned %d", resp.StatusCode)
	}

	var out struct {
		Token string     `json:"token"`
		User  model.User `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", 0, err
	}
	return out.Token, out.User.ID, nil
}

func init() {
	joinCmd.Flags().StringVar(&joinServer, "server", "http://localhost:8080", "服务器地址")
	joinCmd.Flags().StringVar(&joinCode, "code", "", "会话加入码")
	joinCmd.Flags().StringVar(&joinUsername, "username", "", "用户名或邮箱")
	joinCmd.Flags().StringVar(&joinPassword, "password", "", "密码")
	joinCmd.MarkFlagRequired("code")
	joinCmd.MarkFlagRequired("username")
	joinCmd.MarkFlagRequired("password")

	rootCmd.AddCommand(joinCmd)
}
