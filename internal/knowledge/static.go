// Package knowledge supplies short reference snippets that the conversation
// builder appends to the system prompt.
package knowledge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Provider 定义知识库检索的通用接口。
type Provider interface {
	Query(prompt string) []Snippet
}

// Snippet 描述可供大模型引用的一段知识。
type Snippet struct {
	Title    string   `json:"title" yaml:"title"`
	Content  string   `json:"content" yaml:"content"`
	Keywords []string `json:"keywords" yaml:"keywords"`
	Tags     []string `json:"tags" yaml:"tags"`
}

// StaticProvider 基于静态条目做关键词匹配。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

// NewStaticProvider 创建静态知识库实例。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{
		items:      items,
		maxResults: maxResults,
	}
}

// LoadStaticProvider 从 JSON 或 YAML 文件加载知识条目，格式按扩展名判断。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("知识库文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析知识库路径失败: %w", err)
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取知识库文件失败: %w", err)
	}

	entries, err := ParseSnippets(content, filepath.Ext(absPath))
	if err != nil {
		return nil, err
	}
	return NewStaticProvider(entries, maxResults), nil
}

// ParseSnippets 解析知识条目。
func ParseSnippets(content []byte, ext string) ([]Snippet, error) {
	var entries []Snippet
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &entries); err != nil {
			return nil, fmt.Errorf("解析知识库文件失败: %w", err)
		}
	default:
		if err := json.Unmarshal(content, &entries); err != nil {
			return nil, fmt.Errorf("解析知识库文件失败: %w", err)
		}
	}
	return entries, nil
}

// Query 根据用户输入进行关键词匹配。没有关键词与标签的条目总是命中。
func (p *StaticProvider) Query(prompt string) []Snippet {
	if p == nil {
		return nil
	}

	prompt = strings.ToLower(strings.TrimSpace(prompt))

	results := make([]Snippet, 0, p.maxResults)
	for _, item := range p.items {
		if matches(item, prompt) {
			results = append(results, item)
			if len(results) >= p.maxResults {
				break
			}
		}
	}
	return results
}

func matches(snippet Snippet, prompt string) bool {
	if len(snippet.Keywords) == 0 && len(snippet.Tags) == 0 {
		return true
	}
	for _, list := range [][]string{snippet.Keywords, snippet.Tags} {
		for _, word := range list {
			normalized := strings.ToLower(strings.TrimSpace(word))
			if normalized != "" && strings.Contains(prompt, normalized) {
				return true
			}
		}
	}
	return false
}

var _ Provider = (*StaticProvider)(nil)
