package utils

import (
	"os"
	"strings"

	"github.com/sourcegraph/conc"
)

var invalidFileChars = strings.NewReplacer(
	"<", "_", ">", "_", ":", "_", "\"", "_",
	"/", "_", "\\", "_", "|", "_", "?", "_", "*", "_",
)

// SanitizeFileName 清洗文件名：非法字符替换为下划线，空白折叠为单个空格并去除首尾空白
func SanitizeFileName(name string) string {
	s := invalidFileChars.Replace(name)
	s = strings.Join(strings.Fields(s), " ")
	return s
}

// FileExists 检查文件是否存在且不小于 minSize 字节
func FileExists(path string, minSize int64) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Size() >= minSize
}

// StatMany 批量检查文件是否存在且不小于 minSize 字节
// 文件存在性检查可能落在慢速存储上，批量操作在 goroutine 池里并行执行，
// 调用方不应在 UI 线程上等待。
func StatMany(paths []string, minSize int64) []bool {
	results := make([]bool, len(paths))

	var wg conc.WaitGroup
	for i, p := range paths {
		i, p := i, p
		wg.Go(func() {
			results[i] = FileExists(p, minSize)
		})
	}
	wg.Wait()

	return results
}
