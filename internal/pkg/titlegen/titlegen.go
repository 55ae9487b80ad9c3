package titlegen

import (
	"strings"
	"unicode/utf8"

	"github.com/go-ego/gse"
)

// maxTitleRunes 标题最大长度（按 rune 计）
const maxTitleRunes = 50

// Generator 从首条用户消息派生对话标题
// 使用 gse 分词按词边界截断，避免词组被裁断
type Generator struct {
	segmenter *gse.Segmenter
}

// New 创建标题生成器
func New() *Generator {
	segmenter, err := gse.New()
	if err != nil {
		// 初始化失败时降级到按字符截断
		return &Generator{}
	}
	return &Generator{segmenter: &segmenter}
}

// FromMessage 从消息内容生成标题
// 取第一行，按词边界截断到 50 个字符以内；空内容返回默认标题
func (g *Generator) FromMessage(content string) string {
	text := firstLine(strings.TrimSpace(content))
	if text == "" {
		return "新对话"
	}

	if utf8.RuneCountInString(text) <= maxTitleRunes {
		return text
	}

	if g.segmenter == nil {
		return truncateRunes(text, maxTitleRunes)
	}

	var b strings.Builder
	count := 0
	for _, word := range g.segmenter.Cut(text, false) {
		n := utf8.RuneCountInString(word)
		if count+n > maxTitleRunes {
			break
		}
		b.WriteString(word)
		count += n
	}
	if b.Len() == 0 {
		return truncateRunes(text, maxTitleRunes)
	}
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
