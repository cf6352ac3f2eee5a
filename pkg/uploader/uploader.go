package uploader

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"gphotosync/pkg/gphotos"
	"gphotosync/pkg/retry"
	"gphotosync/pkg/scan"
	"gphotosync/pkg/state"
	"gphotosync/pkg/ui"
)

// DefaultTokenTTL 是服务端文档声明的上传凭据有效期
const DefaultTokenTTL = 24 * time.Hour

const albumPermissionMessage = "INVALID_ARGUMENT: No permission to add media items to this album"

// Config 控制上传编排行为
type Config struct {
	// Parallelism 工作池大小，至少为 1，默认 CPU 数
	Parallelism int
	// MaxRetries 暂时性错误的连续重试预算
	MaxRetries int
	// TokenTTL 上传凭据有效期，超龄的凭据丢弃后重新上传二进制
	TokenTTL time.Duration
	// Resume 为 false 时忽略已加载状态做跳过判断，但照常持久化
	Resume bool
	// SaveInterval 状态落盘的去抖周期
	SaveInterval time.Duration
	// Now 可注入的时钟，便于测试
	Now func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Parallelism < 1 {
		c.Parallelism = runtime.NumCPU()
	}
	if c.Parallelism < 1 {
		c.Parallelism = 1
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = DefaultTokenTTL
	}
	if c.SaveInterval <= 0 {
		c.SaveInterval = time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// pendingUpload 合并同一路径上并发的上传请求
type pendingUpload struct {
	done chan struct{}
	err  error
}

// Uploader 驱动单文件状态机：已上传的跳过，有未过期凭据的续作，
// 其余走完整的二进制上传加条目创建。同一路径同一时刻至多一次在途上传。
type Uploader struct {
	client  gphotos.Client
	store   *state.Store
	logger  *slog.Logger
	backoff *retry.Backoff
	invalid retry.InvalidMediaItem
	saver   *state.Saver
	sem     *semaphore.Weighted
	cfg     Config

	mu      sync.Mutex
	items   map[string]state.ItemState
	pending map[string]*pendingUpload
}

// New 加载持久状态并启动去抖写线程
func New(client gphotos.Client, store *state.Store, logger *slog.Logger, cfg Config) (*Uploader, error) {
	cfg.applyDefaults()
	loaded, err := store.Load()
	if err != nil {
		return nil, err
	}
	u := &Uploader{
		client:  client,
		store:   store,
		logger:  logger,
		backoff: retry.NewBackoff(cfg.MaxRetries),
		sem:     semaphore.NewWeighted(int64(cfg.Parallelism)),
		cfg:     cfg,
		items:   loaded.Items,
		pending: make(map[string]*pendingUpload),
	}
	u.saver = state.NewSaver(cfg.SaveInterval, u.saveSnapshot, logger)
	return u, nil
}

// Close 停止写线程并执行最终落盘
func (u *Uploader) Close() {
	u.saver.Close()
}

// Snapshot 返回当前内存状态的副本
func (u *Uploader) Snapshot() state.UploadState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return state.UploadState{Items: u.items}.Clone()
}

// UploadDirectory 按创建时间顺序提交目录内所有文件。
// 提交顺序保持排序结果，云端相册内的条目顺序由此反映创建时间。
func (u *Uploader) UploadDirectory(ctx context.Context, dir scan.AlbumDirectory, album *gphotos.CloudAlbum, status ui.Status) error {
	files := scan.SortByCreationTime(dir.Files)
	g, gctx := errgroup.WithContext(ctx)
	for _, file := range files {
		file := file
		if err := u.sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer u.sem.Release(1)
			return u.UploadFile(gctx, file.Path, album, status)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// UploadFile 上传单个文件。同一路径的并发调用合并到同一个在途结果上。
// 条目级失败在此吸收并上报进度流，只有运行级失败会返回错误。
func (u *Uploader) UploadFile(ctx context.Context, path string, album *gphotos.CloudAlbum, status ui.Status) error {
	u.mu.Lock()
	if p, ok := u.pending[path]; ok {
		u.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return p.err
		}
	}
	p := &pendingUpload{done: make(chan struct{})}
	u.pending[path] = p
	u.mu.Unlock()

	p.err = u.uploadOne(ctx, path, album, status)
	u.mu.Lock()
	delete(u.pending, path)
	u.mu.Unlock()
	close(p.done)
	return p.err
}

func (u *Uploader) uploadOne(ctx context.Context, path string, album *gphotos.CloudAlbum, status ui.Status) error {
	prior, hasPrior := u.priorState(path)
	if hasPrior && prior.MediaID != nil {
		// 目标相册不同也不挪动条目，保持观测到的原行为
		u.logger.Info("此前已上传，跳过", "path", path)
		status.IncrementSuccess()
		return nil
	}
	if hasPrior && prior.Rejected() {
		u.logger.Info("此前已被永久拒绝，跳过", "path", path)
		status.IncrementSuccess()
		return nil
	}

	var token gphotos.UploadToken
	var tokenState *state.UploadMediaItemState
	if hasPrior && prior.UploadState != nil {
		if prior.TokenFresh(u.cfg.Now(), u.cfg.TokenTTL) {
			token = gphotos.UploadToken(prior.UploadState.Token)
			tokenState = prior.UploadState
			u.logger.Debug("复用未过期的上传凭据", "path", path)
		} else {
			u.logger.Info("上传凭据已过期，重新上传二进制", "path", path)
		}
	}

	albumID := ""
	if album != nil {
		albumID = album.ID
	}
	albumFallbackDone := false

	for {
		if token == "" {
			uploaded, err := u.client.UploadMediaData(ctx, path)
			if err != nil {
				if delay, shouldRetry := u.backoff.Advise(err); shouldRetry {
					u.logger.Warn("上传二进制暂时失败，退避后重试", "path", path, "delay", delay, "err", err)
					if sleepErr := retry.Sleep(ctx, delay); sleepErr != nil {
						return sleepErr
					}
					continue
				}
				if u.invalid.Permanent(err) {
					// 条目级永久失败：不持久化任何新状态
					status.KeyedError(path, fmt.Sprintf("INVALID_ARGUMENT: %s", gphotos.OpUploadMediaData))
					u.logger.Error("二进制被拒绝", "path", path, "err", err)
					return nil
				}
				return fmt.Errorf("上传 %s 失败: %w", path, err)
			}
			u.backoff.Reset()
			token = uploaded
			tokenState = &state.UploadMediaItemState{Token: string(token), UploadInstant: u.cfg.Now()}
			// 先持久化凭据，进程中断后下次运行可以续作
			u.setItem(path, state.ItemState{UploadState: tokenState})
		}

		item, err := u.client.CreateMediaItem(ctx, albumID, token, filepath.Base(path))
		if err != nil {
			if delay, shouldRetry := u.backoff.Advise(err); shouldRetry {
				u.logger.Warn("创建媒体条目暂时失败，退避后重试", "path", path, "delay", delay, "err", err)
				if sleepErr := retry.Sleep(ctx, delay); sleepErr != nil {
					return sleepErr
				}
				continue
			}
			if gphotos.CodeOf(err) == gphotos.CodeNoAlbumPermission && !albumFallbackDone {
				// 无权写入目标相册时退回无相册上传
				status.KeyedError(path, albumPermissionMessage)
				u.logger.Warn("无权加入相册，改为不归入相册上传", "path", path, "album", albumID)
				albumID = ""
				albumFallbackDone = true
				continue
			}
			if u.invalid.Permanent(err) {
				// 写入拒绝哨兵：清掉 mediaId 但保留凭据，下次运行不再重传二进制
				u.setItem(path, state.ItemState{UploadState: tokenState})
				status.KeyedError(path, fmt.Sprintf("INVALID_ARGUMENT: %s", gphotos.OpCreateMediaItem))
				u.logger.Error("媒体条目被拒绝", "path", path, "err", err)
				return nil
			}
			return fmt.Errorf("上传 %s 失败: %w", path, err)
		}
		u.backoff.Reset()

		next := state.ItemState{MediaID: state.StringPtr(item.ID), UploadState: tokenState}
		if albumID != "" {
			next.AlbumID = state.StringPtr(albumID)
		}
		u.setItem(path, next)
		status.IncrementSuccess()
		u.logger.Info("上传完成", "path", path, "media", item.ID, "album", albumID)
		return nil
	}
}

// priorState 取出用于跳过判断的历史记录；--no-resume 时一律视为无记录
func (u *Uploader) priorState(path string) (state.ItemState, bool) {
	if !u.cfg.Resume {
		return state.ItemState{}, false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	item, ok := u.items[path]
	return item, ok
}

func (u *Uploader) setItem(path string, item state.ItemState) {
	u.mu.Lock()
	u.items[path] = item
	u.mu.Unlock()
	u.saver.Nudge()
}

// saveSnapshot 把有意义的记录整体落盘，由去抖写线程串行调用
func (u *Uploader) saveSnapshot() error {
	u.mu.Lock()
	snapshot := state.NewUploadState()
	for path, item := range u.items {
		if item.Meaningful() {
			snapshot.Items[path] = item
		}
	}
	u.mu.Unlock()
	return u.store.Save(snapshot)
}
