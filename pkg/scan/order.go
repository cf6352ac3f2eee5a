package scan

import (
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

// creationTimePattern 匹配文件名中的 …YYYY_MM_DD_HH_MM_SS… 片段
var creationTimePattern = regexp.MustCompile(`(\d{4})_(\d{2})_(\d{2})_(\d{2})_(\d{2})_(\d{2})`)

// SortByCreationTime 按创建时间启发式排序：文件名内嵌时间戳优先，
// 否则回退到修改时间，仍相同时按文件名。返回新切片，不改动入参。
func SortByCreationTime(files []MediaFile) []MediaFile {
	sorted := make([]MediaFile, len(files))
	copy(sorted, files)
	sort.SliceStable(sorted, func(i, j int) bool {
		ti := creationTime(sorted[i])
		tj := creationTime(sorted[j])
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return filepath.Base(sorted[i].Path) < filepath.Base(sorted[j].Path)
	})
	return sorted
}

func creationTime(file MediaFile) time.Time {
	match := creationTimePattern.FindStringSubmatch(filepath.Base(file.Path))
	if match == nil {
		return file.ModTime
	}
	parsed, err := time.Parse("2006_01_02_15_04_05", match[0])
	if err != nil {
		return file.ModTime
	}
	return parsed
}
