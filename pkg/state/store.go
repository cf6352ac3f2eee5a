package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

const (
	sectionKey = "photosUploader"
	itemsKey   = "uploadedMediaItemIdByAbsolutePath"
)

// DefaultPath 返回按操作系统约定的用户数据路径
func DefaultPath() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		home, homeErr := os.UserHomeDir()
		if homeErr != nil {
			return "", fmt.Errorf("无法确定状态文件位置: %w", err)
		}
		return filepath.Join(home, ".gphotosync", "uploaded-items.json"), nil
	}
	return filepath.Join(configDir, "gphotosync", "uploaded-items.json"), nil
}

// Store 负责状态文档的整体读写。写入是原子的：先写临时文件再改名。
// 文档中不认识的字段在重写时原样保留，保证向前兼容。
type Store struct {
	path string

	mu           sync.Mutex
	docExtra     map[string]json.RawMessage
	sectionExtra map[string]json.RawMessage
}

// NewStore 创建指向给定路径的 Store
func NewStore(path string) *Store {
	return &Store{
		path:         path,
		docExtra:     make(map[string]json.RawMessage),
		sectionExtra: make(map[string]json.RawMessage),
	}
}

// Load 读取完整状态。文件不存在视为空状态；文件损坏是致命错误。
func (s *Store) Load() (UploadState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return NewUploadState(), nil
		}
		return UploadState{}, fmt.Errorf("读取状态文件失败: %w", err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return UploadState{}, fmt.Errorf("状态文件已损坏: %w", err)
	}
	s.docExtra = make(map[string]json.RawMessage)
	for key, raw := range doc {
		if key != sectionKey {
			s.docExtra[key] = raw
		}
	}

	result := NewUploadState()
	sectionRaw, ok := doc[sectionKey]
	if !ok {
		return result, nil
	}
	var section map[string]json.RawMessage
	if err := json.Unmarshal(sectionRaw, &section); err != nil {
		return UploadState{}, fmt.Errorf("状态文件已损坏: %w", err)
	}
	s.sectionExtra = make(map[string]json.RawMessage)
	for key, raw := range section {
		if key != itemsKey {
			s.sectionExtra[key] = raw
		}
	}
	if itemsRaw, ok := section[itemsKey]; ok {
		if err := json.Unmarshal(itemsRaw, &result.Items); err != nil {
			return UploadState{}, fmt.Errorf("状态文件已损坏: %w", err)
		}
	}
	return result, nil
}

// Save 原子地写出整个状态文档，幂等。
// 无意义的记录（MediaID 与 UploadState 皆空且非哨兵写入来源）不会出现在这里：
// 调用方保证只提交满足不变量的状态。
func (s *Store) Save(state UploadState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	section := make(map[string]json.RawMessage, len(s.sectionExtra)+1)
	for key, raw := range s.sectionExtra {
		section[key] = raw
	}
	itemsRaw, err := json.Marshal(state.Items)
	if err != nil {
		return fmt.Errorf("序列化状态失败: %w", err)
	}
	section[itemsKey] = itemsRaw

	doc := make(map[string]json.RawMessage, len(s.docExtra)+1)
	for key, raw := range s.docExtra {
		doc[key] = raw
	}
	sectionRaw, err := json.Marshal(section)
	if err != nil {
		return fmt.Errorf("序列化状态失败: %w", err)
	}
	doc[sectionKey] = sectionRaw

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化状态失败: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("创建状态目录失败: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp*")
	if err != nil {
		return fmt.Errorf("创建临时状态文件失败: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("写入状态失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("写入状态失败: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("替换状态文件失败: %w", err)
	}
	return nil
}

// Path 返回状态文件路径
func (s *Store) Path() string {
	return s.path
}
