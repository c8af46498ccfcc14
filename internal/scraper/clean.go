package scraper

import (
	"regexp"
	"strings"
)

var (
	spaceRuns = regexp.MustCompile(`\s+`)
	// 只保留文字、数字、下划线、空白和常见标点，页面上的装饰符号与控制符全部去掉
	noisyChars = regexp.MustCompile(`[^\p{L}\p{N}_\s.,!?;:()'"-]`)
)

// CleanText 归一化从页面抠出来的文本：去首尾空白、压缩连续空白为单个空格、剔除杂符
func CleanText(s string) string {
	if s == "" {
		return ""
	}
	s = spaceRuns.ReplaceAllString(strings.TrimSpace(s), " ")
	return noisyChars.ReplaceAllString(s, "")
}
