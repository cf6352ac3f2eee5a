package scan

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// titleSeparator 用于拼接嵌套目录的相册标题
const titleSeparator = ": "

// metadataDirNames 各平台生成的元数据目录，目录本身及其内容全部跳过
var metadataDirNames = map[string]struct{}{
	"DS_Store": {},
	"__MACOSX": {},
	"@eaDir":   {},
}

// uploadableExtensions 允许上传的媒体文件扩展名
var uploadableExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".bmp": {},
	".tif": {}, ".tiff": {}, ".webp": {}, ".heic": {}, ".heif": {},
	".mp4": {}, ".m4v": {}, ".mov": {}, ".avi": {}, ".mkv": {},
	".mpg": {}, ".mpeg": {}, ".wmv": {}, ".3gp": {},
}

// MediaFile 描述一个待上传的本地文件
type MediaFile struct {
	Path    string
	ModTime time.Time
}

// AlbumDirectory 表示将成为一个云端相册的本地目录。
// 根目录的 Title 为空，其中的文件不归入任何相册。
type AlbumDirectory struct {
	Path  string
	Title string
	Files []MediaFile
}

// Scan 深度优先遍历 root，返回相册目录列表。
// 只有传递地包含至少一个可上传文件的目录才会产出相册目录；
// 根目录总是产出（Title 为空）。结果按路径排序，保证确定性。
func Scan(root string) ([]AlbumDirectory, error) {
	root = filepath.Clean(root)
	byPath := map[string]*AlbumDirectory{
		root: {Path: root},
	}
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if path == root {
				return nil
			}
			if _, ok := metadataDirNames[entry.Name()]; ok {
				return filepath.SkipDir
			}
			byPath[path] = &AlbumDirectory{
				Path:  path,
				Title: titleFor(root, path),
			}
			return nil
		}
		if skippableFile(entry.Name()) {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return fmt.Errorf("读取文件信息失败: %w", err)
		}
		dir := byPath[filepath.Dir(path)]
		if dir == nil {
			return nil
		}
		dir.Files = append(dir.Files, MediaFile{Path: path, ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("扫描源目录失败: %w", err)
	}

	// 传递性规则：目录只要有任何后代目录持有文件，也要产出
	var result []AlbumDirectory
	for path, dir := range byPath {
		if path == root {
			result = append(result, *dir)
			continue
		}
		if hasTransitiveFiles(byPath, path) {
			result = append(result, *dir)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Path < result[j].Path })
	return result, nil
}

func hasTransitiveFiles(byPath map[string]*AlbumDirectory, dirPath string) bool {
	prefix := dirPath + string(filepath.Separator)
	for path, dir := range byPath {
		if len(dir.Files) == 0 {
			continue
		}
		if path == dirPath || strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// titleFor 以 ": " 连接祖先目录名，如 outer-album: inner-album
func titleFor(root, dirPath string) string {
	rel, err := filepath.Rel(root, dirPath)
	if err != nil {
		return filepath.Base(dirPath)
	}
	return strings.Join(strings.Split(filepath.ToSlash(rel), "/"), titleSeparator)
}

// skippableFile 判断单个文件是否按名称规则跳过
func skippableFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	if strings.EqualFold(name, "picasa.ini") {
		return true
	}
	ext := strings.ToLower(filepath.Ext(name))
	_, ok := uploadableExtensions[ext]
	return !ok
}
