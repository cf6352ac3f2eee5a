package state

import (
	"time"
)

// UploadMediaItemState 记录二进制上传成功后拿到的凭据
type UploadMediaItemState struct {
	Token         string    `json:"token"`
	UploadInstant time.Time `json:"uploadInstant"`
}

// ItemState 是按绝对路径持久化的单文件记录。字段全部可缺省：
// MediaID 与 UploadState 同时缺省表示该文件被永久拒绝。
type ItemState struct {
	MediaID     *string               `json:"mediaId,omitempty"`
	AlbumID     *string               `json:"albumId,omitempty"`
	UploadState *UploadMediaItemState `json:"uploadState,omitempty"`
}

// Meaningful 判断记录是否值得写入：至少要有 MediaID 或 UploadState 之一。
// 读到的两者皆空的记录依然按永久拒绝哨兵对待，但核心从不写出这种记录。
func (s ItemState) Meaningful() bool {
	return s.MediaID != nil || s.UploadState != nil
}

// Rejected 判断是否为永久拒绝哨兵
func (s ItemState) Rejected() bool {
	return s.MediaID == nil && s.UploadState == nil
}

// TokenFresh 判断上传凭据在 ttl 内是否仍然有效
func (s ItemState) TokenFresh(now time.Time, ttl time.Duration) bool {
	if s.UploadState == nil {
		return false
	}
	return now.Sub(s.UploadState.UploadInstant) <= ttl
}

// UploadState 是绝对路径到 ItemState 的完整映射，一次运行开始时整体加载
type UploadState struct {
	Items map[string]ItemState
}

// NewUploadState 创建空状态
func NewUploadState() UploadState {
	return UploadState{Items: make(map[string]ItemState)}
}

// Clone 复制一份映射，更新总是产生新值而不是原地修改
func (u UploadState) Clone() UploadState {
	items := make(map[string]ItemState, len(u.Items))
	for path, item := range u.Items {
		items[path] = item
	}
	return UploadState{Items: items}
}

// StringPtr 小工具，构造可缺省字段
func StringPtr(v string) *string {
	return &v
}
