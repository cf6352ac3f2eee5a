package core

import (
	"context"
	"fmt"
	"io"
	"os"

	"golang.org/x/sync/errgroup"

	"gphotosync/pkg/album"
	"gphotosync/pkg/gphotos"
	"gphotosync/pkg/logging"
	"gphotosync/pkg/retry"
	"gphotosync/pkg/scan"
	"gphotosync/pkg/state"
	"gphotosync/pkg/ui"
	"gphotosync/pkg/uploader"
)

const (
	fileProgressName      = "Uploading media files"
	directoryProgressName = "Uploading directories"
)

// Run 执行一次完整上传：扫描目录树与列取云端相册并行进行，
// 先完成相册绑定，再逐目录提交文件，结束时关闭进度流并落盘状态。
func Run(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	logWriters := []io.Writer{os.Stdout}
	if cfg.LogFile != "" {
		file, err := os.Create(cfg.LogFile)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		logWriters = append(logWriters, file)
	}
	logger, err := logging.New(cfg.LogLevel, logWriters...)
	if err != nil {
		return err
	}
	defer logger.Close()

	progress := cfg.Progress
	if progress == nil {
		if cfg.NoProgress {
			progress = ui.NoopFactory{}
		} else {
			progress = ui.NewBarFactory(os.Stdout, logger.Logger)
		}
	}

	backoff := retry.NewBackoff(cfg.MaxRetries)
	manager := album.NewManager(cfg.Client, logger.Logger, progress, backoff)

	// 扫描本地目录树与列取云端相册互不依赖，并行执行
	var dirs []scan.AlbumDirectory
	var index *album.Index
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		dirs, err = scan.Scan(cfg.Root)
		return err
	})
	g.Go(func() error {
		var err error
		index, err = manager.LoadIndex(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("扫描完成", "albumDirs", len(dirs))

	bindings, err := manager.BindWithIndex(ctx, dirs, index)
	if err != nil {
		return err
	}

	store := state.NewStore(cfg.StateFile)
	up, err := uploader.New(cfg.Client, store, logger.Logger, uploader.Config{
		Parallelism: cfg.Parallelism,
		MaxRetries:  cfg.MaxRetries,
		Resume:      cfg.Resume,
		Now:         cfg.Now,
	})
	if err != nil {
		return err
	}
	defer up.Close()

	dirStatus := progress.New(directoryProgressName, len(dirs))
	fileStatus := progress.New(fileProgressName, -1)

	// 所有绑定已就绪之后才开始提交文件
	g, gctx = errgroup.WithContext(ctx)
	for _, dir := range dirs {
		dir := dir
		g.Go(func() error {
			var bound *gphotos.CloudAlbum
			if dir.Title != "" {
				if b, ok := bindings[dir.Title]; ok {
					bound = &b
				}
			}
			if err := up.UploadDirectory(gctx, dir, bound, fileStatus); err != nil {
				return err
			}
			dirStatus.IncrementSuccess()
			return nil
		})
	}
	runErr := g.Wait()

	dirStatus.Close(runErr == nil)
	fileStatus.Close(runErr == nil)
	if runErr != nil {
		logger.Error("运行失败", "err", runErr)
		return runErr
	}
	logger.Info("全部完成", "albumDirs", len(dirs))
	return nil
}
