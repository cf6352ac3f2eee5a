// Package fake 提供内存版照片服务客户端，行为可按文件名触发失败，
// 供各包测试使用。
package fake

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"gphotosync/pkg/gphotos"
)

// 触发失败的文件/目录名
const (
	FailCreateMediaItemName = "failOnMeWithInvalidArgumentDuringCreationOfMediaItem"
	FailUploadDataName      = "failOnMeWithInvalidArgumentDuringUploadIngMediaData"
	FailPermanentlyName     = "failOnMe"
	// NoPermissionAlbumTitle 预置的无写入权限相册
	NoPermissionAlbumTitle = "fail-on-me-pre-existing-album"
)

type albumRecord struct {
	album        gphotos.CloudAlbum
	denyAddMedia bool
}

type itemRecord struct {
	item gphotos.MediaItem
	path string
}

// Client 是 gphotos.Client 的内存实现。除按名称触发的失败外，
// 还可以模拟 RESOURCE_EXHAUSTED 突发。
type Client struct {
	mu sync.Mutex

	albums       []*albumRecord
	albumByID    map[string]*albumRecord
	items        []*itemRecord
	itemByID     map[string]*itemRecord
	uploadCounts map[string]int
	tokenSeq     int

	nameFailures      bool
	exhaustedBudget   int
	exhaustedRemained map[string]int

	batchSizes []int
}

// NewClient 创建空的内存客户端并预置无权限相册
func NewClient() *Client {
	c := &Client{
		albumByID:         make(map[string]*albumRecord),
		itemByID:          make(map[string]*itemRecord),
		uploadCounts:      make(map[string]int),
		nameFailures:      true,
		exhaustedRemained: make(map[string]int),
	}
	record := &albumRecord{
		album: gphotos.CloudAlbum{
			ID:    NoPermissionAlbumTitle,
			Title: NoPermissionAlbumTitle,
			URL:   "http://photos.com/" + NoPermissionAlbumTitle,
		},
		denyAddMedia: true,
	}
	c.albums = append(c.albums, record)
	c.albumByID[record.album.ID] = record
	return c
}

// DisableNameFailures 关闭按文件名触发的失败，模拟第二次运行时问题已修复
func (c *Client) DisableNameFailures() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nameFailures = false
}

// EnableResourceExhausted 让每个不同的调用先失败 n 次再成功
func (c *Client) EnableResourceExhausted(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exhaustedBudget = n
	c.exhaustedRemained = make(map[string]int)
}

// maybeExhausted 按 op+key 维度模拟暂时性失败，调用方必须持有锁
func (c *Client) maybeExhausted(op gphotos.Op, key string) error {
	if c.exhaustedBudget <= 0 {
		return nil
	}
	mapKey := string(op) + "|" + key
	remaining, ok := c.exhaustedRemained[mapKey]
	if !ok {
		remaining = c.exhaustedBudget
	}
	if remaining == 0 {
		return nil
	}
	c.exhaustedRemained[mapKey] = remaining - 1
	return gphotos.NewAPIError(gphotos.CodeTransient, op, "RESOURCE_EXHAUSTED")
}

func (c *Client) CreateAlbum(ctx context.Context, title string) (gphotos.CloudAlbum, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.maybeExhausted(gphotos.OpCreateAlbum, title); err != nil {
		return gphotos.CloudAlbum{}, err
	}
	if c.nameFailures && title == FailPermanentlyName {
		return gphotos.CloudAlbum{}, gphotos.NewAPIError(gphotos.CodeFatal, gphotos.OpCreateAlbum, "simulated failure")
	}
	id := title
	suffix := 0
	for _, record := range c.albums {
		if record.album.Title == title {
			suffix++
		}
	}
	if suffix > 0 {
		id = fmt.Sprintf("%s%d", title, suffix)
	}
	record := &albumRecord{
		album: gphotos.CloudAlbum{
			ID:    id,
			Title: title,
			URL:   "http://photos.com/" + id,
		},
	}
	c.albums = append(c.albums, record)
	c.albumByID[id] = record
	return record.album, nil
}

func (c *Client) ListAlbums(ctx context.Context) ([]gphotos.CloudAlbum, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.maybeExhausted(gphotos.OpListAlbums, ""); err != nil {
		return nil, err
	}
	albums := make([]gphotos.CloudAlbum, 0, len(c.albums))
	for _, record := range c.albums {
		album := record.album
		album.MediaItemCount = c.countLocked(album.ID)
		albums = append(albums, album)
	}
	return albums, nil
}

func (c *Client) UploadMediaData(ctx context.Context, path string) (gphotos.UploadToken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.maybeExhausted(gphotos.OpUploadMediaData, path); err != nil {
		return "", err
	}
	base := filepath.Base(path)
	if c.nameFailures {
		if strings.Contains(base, FailUploadDataName) {
			return "", gphotos.NewAPIError(gphotos.CodeInvalidArgument, gphotos.OpUploadMediaData, "simulated rejection")
		}
		if !strings.Contains(base, FailCreateMediaItemName) && strings.Contains(base, FailPermanentlyName) {
			return "", gphotos.NewAPIError(gphotos.CodeFatal, gphotos.OpUploadMediaData, "simulated failure")
		}
	}
	c.uploadCounts[path]++
	c.tokenSeq++
	return gphotos.UploadToken(fmt.Sprintf("%s|%d", path, c.tokenSeq)), nil
}

func (c *Client) CreateMediaItem(ctx context.Context, albumID string, token gphotos.UploadToken, description string) (gphotos.MediaItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	path := pathOfToken(token)
	if err := c.maybeExhausted(gphotos.OpCreateMediaItem, path); err != nil {
		return gphotos.MediaItem{}, err
	}
	if c.nameFailures && strings.Contains(filepath.Base(path), FailCreateMediaItemName) {
		return gphotos.MediaItem{}, gphotos.NewAPIError(gphotos.CodeInvalidArgument, gphotos.OpCreateMediaItem, "simulated rejection")
	}
	if albumID != "" {
		record, ok := c.albumByID[albumID]
		if !ok {
			return gphotos.MediaItem{}, gphotos.NewAPIError(gphotos.CodeInvalidArgument, gphotos.OpCreateMediaItem, "unknown album "+albumID)
		}
		if record.denyAddMedia {
			return gphotos.MediaItem{}, gphotos.NewAPIError(gphotos.CodeNoAlbumPermission, gphotos.OpCreateMediaItem,
				"No permission to add media items to this album")
		}
	}
	if existing, ok := c.itemByID[path]; ok {
		existing.item.AlbumID = albumID
		existing.item.Description = description
		return existing.item, nil
	}
	record := &itemRecord{
		item: gphotos.MediaItem{ID: path, Description: description, AlbumID: albumID},
		path: path,
	}
	c.items = append(c.items, record)
	c.itemByID[path] = record
	return record.item, nil
}

func (c *Client) BatchAddToAlbum(ctx context.Context, albumID string, mediaItemIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.maybeExhausted(gphotos.OpBatchAdd, albumID); err != nil {
		return err
	}
	if len(mediaItemIDs) > gphotos.MaxItemsPerBatch {
		return gphotos.NewAPIError(gphotos.CodeInvalidArgument, gphotos.OpBatchAdd,
			fmt.Sprintf("too many items in one batch: %d", len(mediaItemIDs)))
	}
	record, ok := c.albumByID[albumID]
	if !ok {
		return gphotos.NewAPIError(gphotos.CodeInvalidArgument, gphotos.OpBatchAdd, "unknown album "+albumID)
	}
	if record.denyAddMedia {
		return gphotos.NewAPIError(gphotos.CodeNoAlbumPermission, gphotos.OpBatchAdd,
			"No permission to add media items to this album")
	}
	c.batchSizes = append(c.batchSizes, len(mediaItemIDs))
	for _, id := range mediaItemIDs {
		item, ok := c.itemByID[id]
		if !ok {
			return gphotos.NewAPIError(gphotos.CodeInvalidArgument, gphotos.OpBatchAdd, "unknown media item "+id)
		}
		item.item.AlbumID = albumID
	}
	return nil
}

func (c *Client) ListAlbumItems(ctx context.Context, albumID string) ([]gphotos.MediaItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.maybeExhausted(gphotos.OpListAlbumItems, albumID); err != nil {
		return nil, err
	}
	var items []gphotos.MediaItem
	for _, record := range c.items {
		if record.item.AlbumID == albumID {
			items = append(items, record.item)
		}
	}
	return items, nil
}

// Albums 返回当前全部相册（含条目数）
func (c *Client) Albums() []gphotos.CloudAlbum {
	c.mu.Lock()
	defer c.mu.Unlock()
	albums := make([]gphotos.CloudAlbum, 0, len(c.albums))
	for _, record := range c.albums {
		album := record.album
		album.MediaItemCount = c.countLocked(album.ID)
		albums = append(albums, album)
	}
	return albums
}

// Album 按 id 查相册
func (c *Client) Album(id string) (gphotos.CloudAlbum, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.albumByID[id]
	if !ok {
		return gphotos.CloudAlbum{}, false
	}
	album := record.album
	album.MediaItemCount = c.countLocked(id)
	return album, true
}

// Items 按创建顺序返回全部媒体条目
func (c *Client) Items() []gphotos.MediaItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	items := make([]gphotos.MediaItem, 0, len(c.items))
	for _, record := range c.items {
		items = append(items, record.item)
	}
	return items
}

// ItemsInAlbum 按创建顺序返回指定相册内的条目
func (c *Client) ItemsInAlbum(albumID string) []gphotos.MediaItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	var items []gphotos.MediaItem
	for _, record := range c.items {
		if record.item.AlbumID == albumID {
			items = append(items, record.item)
		}
	}
	return items
}

// Item 按媒体 id 查条目
func (c *Client) Item(id string) (gphotos.MediaItem, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	record, ok := c.itemByID[id]
	if !ok {
		return gphotos.MediaItem{}, false
	}
	return record.item, true
}

// UploadCount 返回某路径二进制被上传的总次数
func (c *Client) UploadCount(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uploadCounts[path]
}

// TotalUploads 返回全部二进制上传次数之和
func (c *Client) TotalUploads() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, n := range c.uploadCounts {
		total += n
	}
	return total
}

// BatchSizes 返回 BatchAddToAlbum 各批的大小，用于校验分批上限
func (c *Client) BatchSizes() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.batchSizes...)
}

// SeedAlbum 直接放入一个相册，模拟云端已有数据
func (c *Client) SeedAlbum(title string) gphotos.CloudAlbum {
	album, err := c.CreateAlbum(context.Background(), title)
	if err != nil {
		panic(err)
	}
	return album
}

// SeedItem 直接放入一个媒体条目，模拟云端已有数据
func (c *Client) SeedItem(albumID, path string) gphotos.MediaItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	record := &itemRecord{
		item: gphotos.MediaItem{ID: path, Description: filepath.Base(path), AlbumID: albumID},
		path: path,
	}
	c.items = append(c.items, record)
	c.itemByID[path] = record
	return record.item
}

func (c *Client) countLocked(albumID string) int64 {
	var count int64
	for _, record := range c.items {
		if record.item.AlbumID == albumID {
			count++
		}
	}
	return count
}

func pathOfToken(token gphotos.UploadToken) string {
	s := string(token)
	if idx := strings.LastIndex(s, "|"); idx >= 0 {
		return s[:idx]
	}
	return s
}
