package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"gphotosync/pkg/core"
	"gphotosync/pkg/gphotos"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "gphotosync 错误: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		rootDir      string
		noResume     bool
		parallelism  int
		maxRetries   int
		stateFile    string
		logFile      string
		logLevel     string
		noProgress   bool
		timeout      time.Duration
		clientID     string
		clientSecret string
		tokenFile    string
	)

	cmd := &cobra.Command{
		Use:   "gphotosync",
		Short: "把本地照片目录树镜像上传到 Google Photos",
		RunE: func(cmd *cobra.Command, args []string) error {
			if rootDir == "" {
				return errors.New("必须指定 --root")
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if clientID == "" || clientSecret == "" {
				return errors.New("必须同时指定 --client-id 与 --client-secret")
			}
			if tokenFile == "" {
				configDir, err := os.UserConfigDir()
				if err != nil {
					return fmt.Errorf("无法确定 token 缓存位置: %w", err)
				}
				tokenFile = filepath.Join(configDir, "gphotosync", "token.json")
			}
			client, err := gphotos.NewHTTPClient(ctx, gphotos.HTTPClientConfig{
				ClientID:     clientID,
				ClientSecret: clientSecret,
				TokenFile:    tokenFile,
			})
			if err != nil {
				return err
			}
			cfg := &core.Config{
				Root:        rootDir,
				Resume:      !noResume,
				Parallelism: parallelism,
				MaxRetries:  maxRetries,
				StateFile:   stateFile,
				Timeout:     timeout,
				LogFile:     logFile,
				LogLevel:    logLevel,
				NoProgress:  noProgress,
				Client:      client,
			}
			return core.Run(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&rootDir, "root", "r", "", "源目录（本地照片树的根）")
	cmd.Flags().BoolVar(&noResume, "no-resume", false, "忽略历史上传状态，全部重新上传")
	cmd.Flags().IntVarP(&parallelism, "parallelism", "p", 0, "上传并发数，默认为 CPU 数")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 10, "暂时性错误的连续重试预算")
	cmd.Flags().StringVar(&stateFile, "state-file", "", "状态文件路径，默认在用户配置目录下")
	cmd.Flags().StringVar(&logFile, "log-file", "", "指定日志文件，不填则只输出到终端")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "日志级别：debug / info / warn / error")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "禁用进度条显示")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "整个运行的截止时长，0 表示不限")
	cmd.Flags().StringVar(&clientID, "client-id", "", "Google API OAuth2 client id")
	cmd.Flags().StringVar(&clientSecret, "client-secret", "", "Google API OAuth2 client secret")
	cmd.Flags().StringVar(&tokenFile, "token-file", "", "OAuth2 token 缓存路径")

	_ = cmd.MarkFlagRequired("root")
	return cmd
}
