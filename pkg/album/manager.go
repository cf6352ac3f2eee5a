package album

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"gphotosync/pkg/gphotos"
	"gphotosync/pkg/retry"
	"gphotosync/pkg/scan"
	"gphotosync/pkg/ui"
)

// bindParallelism 不同标题的绑定并发执行的上限
const bindParallelism = 4

// Index 是运行开始时云端相册按标题分组的快照。
// 快照本身构建后只读，运行中新建的相册只写进内存索引，不重新查询。
type Index struct {
	mu      sync.Mutex
	byTitle map[string][]gphotos.CloudAlbum
}

// Candidates 返回指定标题下的相册
func (idx *Index) Candidates(title string) []gphotos.CloudAlbum {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return append([]gphotos.CloudAlbum(nil), idx.byTitle[title]...)
}

func (idx *Index) record(album gphotos.CloudAlbum) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.byTitle[album.Title] = append(idx.byTitle[album.Title], album)
}

// Manager 把每个本地相册标题解析成唯一的目标云端相册，
// 同名的旧相册全部并入其中一个。
type Manager struct {
	client   gphotos.Client
	logger   *slog.Logger
	progress ui.Factory
	backoff  *retry.Backoff
}

// NewManager 创建相册管理器
func NewManager(client gphotos.Client, logger *slog.Logger, progress ui.Factory, backoff *retry.Backoff) *Manager {
	return &Manager{
		client:   client,
		logger:   logger,
		progress: progress,
		backoff:  backoff,
	}
}

// LoadIndex 拉取云端全部相册并按标题分组，每次运行只执行一次。
// 列取的永久失败终止整个运行。
func (m *Manager) LoadIndex(ctx context.Context) (*Index, error) {
	var albums []gphotos.CloudAlbum
	err := m.withRetry(ctx, "listAlbums", func() error {
		var err error
		albums, err = m.client.ListAlbums(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("列取云端相册失败: %w", err)
	}
	byTitle := make(map[string][]gphotos.CloudAlbum)
	for _, album := range albums {
		byTitle[album.Title] = append(byTitle[album.Title], album)
	}
	return &Index{byTitle: byTitle}, nil
}

// Bind 为每个不同的本地标题确定目标相册。不同标题并行处理；
// 同一标题内的合并顺序执行。任何永久失败都会终止整个运行。
func (m *Manager) Bind(ctx context.Context, dirs []scan.AlbumDirectory) (map[string]gphotos.CloudAlbum, error) {
	index, err := m.LoadIndex(ctx)
	if err != nil {
		return nil, err
	}
	return m.BindWithIndex(ctx, dirs, index)
}

// BindWithIndex 同 Bind，但使用调用方预先构建的快照
func (m *Manager) BindWithIndex(ctx context.Context, dirs []scan.AlbumDirectory, index *Index) (map[string]gphotos.CloudAlbum, error) {
	titles := distinctTitles(dirs)
	status := m.progress.New(fmt.Sprintf("Reconciling %d album(s) with Google Photos", len(titles)), len(titles))

	bindings := make(map[string]gphotos.CloudAlbum, len(titles))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bindParallelism)
	for _, title := range titles {
		title := title
		g.Go(func() error {
			bound, err := m.bindTitle(gctx, title, index, status)
			if err != nil {
				return err
			}
			mu.Lock()
			bindings[title] = bound
			mu.Unlock()
			status.IncrementSuccess()
			return nil
		})
	}
	err := g.Wait()
	status.Close(err == nil)
	if err != nil {
		return nil, err
	}
	return bindings, nil
}

func (m *Manager) bindTitle(ctx context.Context, title string, index *Index, status ui.Status) (gphotos.CloudAlbum, error) {
	candidates := index.Candidates(title)
	switch len(candidates) {
	case 0:
		var created gphotos.CloudAlbum
		err := m.withRetry(ctx, "createAlbum", func() error {
			var err error
			created, err = m.client.CreateAlbum(ctx, title)
			return err
		})
		if err != nil {
			return gphotos.CloudAlbum{}, fmt.Errorf("创建相册 %q 失败: %w", title, err)
		}
		m.logger.Info("已创建相册", "title", title, "id", created.ID)
		index.record(created)
		return created, nil
	case 1:
		m.logger.Debug("复用已有相册", "title", title, "id", candidates[0].ID)
		return candidates[0], nil
	default:
		return m.merge(ctx, title, candidates, status)
	}
}

// merge 选出主相册，把其余同名相册的条目全部搬进去。
// 主相册是条目数最多的那个，数目相同时取 id 字典序最小者。
func (m *Manager) merge(ctx context.Context, title string, candidates []gphotos.CloudAlbum, status ui.Status) (gphotos.CloudAlbum, error) {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].MediaItemCount != candidates[j].MediaItemCount {
			return candidates[i].MediaItemCount > candidates[j].MediaItemCount
		}
		return candidates[i].ID < candidates[j].ID
	})
	primary := candidates[0]
	secondaries := candidates[1:]
	sort.Slice(secondaries, func(i, j int) bool { return secondaries[i].ID < secondaries[j].ID })

	for _, secondary := range secondaries {
		if err := m.drain(ctx, primary, secondary); err != nil {
			return gphotos.CloudAlbum{}, fmt.Errorf("合并相册 %q 失败: %w", title, err)
		}
		// API 不允许删除相册，只能提示用户手工清理被抽空的旧相册
		status.KeyedError(secondary.URL, fmt.Sprintf(
			"Album '%s' may now be empty and will require manual deletion (Google Photos API does not allow me to delete it for you)", title))
	}
	m.logger.Info("同名相册已合并", "title", title, "primary", primary.ID, "merged", len(secondaries))
	return primary, nil
}

// drain 把 secondary 的条目分批搬到 primary，单批不超过 API 上限。
// 暂时性失败按退避重试同一批，从最后一个已确认的批次继续。
func (m *Manager) drain(ctx context.Context, primary, secondary gphotos.CloudAlbum) error {
	var items []gphotos.MediaItem
	err := m.withRetry(ctx, "listAlbumItems", func() error {
		var err error
		items, err = m.client.ListAlbumItems(ctx, secondary.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("列取相册条目失败: %w", err)
	}
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	for start := 0; start < len(ids); start += gphotos.MaxItemsPerBatch {
		end := min(start+gphotos.MaxItemsPerBatch, len(ids))
		batch := ids[start:end]
		err := m.withRetry(ctx, "batchAddMediaItems", func() error {
			return m.client.BatchAddToAlbum(ctx, primary.ID, batch)
		})
		if err != nil {
			return fmt.Errorf("批量转移条目失败: %w", err)
		}
	}
	return nil
}

// withRetry 对暂时性失败按共享的退避计划重试，其余错误原样返回
func (m *Manager) withRetry(ctx context.Context, what string, op func() error) error {
	for {
		err := op()
		if err == nil {
			m.backoff.Reset()
			return nil
		}
		delay, shouldRetry := m.backoff.Advise(err)
		if !shouldRetry {
			return err
		}
		m.logger.Warn("远端调用暂时失败，退避后重试", "op", what, "delay", delay, "err", err)
		if err := retry.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func distinctTitles(dirs []scan.AlbumDirectory) []string {
	seen := make(map[string]struct{})
	var titles []string
	for _, dir := range dirs {
		if dir.Title == "" {
			continue
		}
		if _, ok := seen[dir.Title]; ok {
			continue
		}
		seen[dir.Title] = struct{}{}
		titles = append(titles, dir.Title)
	}
	sort.Strings(titles)
	return titles
}
