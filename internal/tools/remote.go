package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"OpenMCP-Intent/internal/session"
)

const defaultRemoteTimeout = 15 * time.Second

// RemoteDefinition 描述一个通过 HTTP 暴露的工具。
type RemoteDefinition struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Endpoint    string            `yaml:"endpoint"`
	Method      string            `yaml:"method"`
	Timeout     string            `yaml:"timeout"`
	Tags        []string          `yaml:"tags"`
	Headers     map[string]string `yaml:"headers"`
	Parameters  map[string]any    `yaml:"parameters"`
}

// Manifest 是工具清单文件的结构。
type Manifest struct {
	Tools []RemoteDefinition `yaml:"tools"`
}

// LoadManifest 从 YAML 文件读取工具清单。
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取工具清单失败: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest 解析 YAML 格式的工具清单。
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("解析工具清单失败: %w", err)
	}
	seen := make(map[string]struct{}, len(m.Tools))
	for i, def := range m.Tools {
		if strings.TrimSpace(def.Name) == "" {
			return nil, fmt.Errorf("第 %d 个工具缺少 name", i+1)
		}
		if strings.TrimSpace(def.Endpoint) == "" {
			return nil, fmt.Errorf("工具 %s 缺少 endpoint", def.Name)
		}
		if _, dup := seen[def.Name]; dup {
			return nil, fmt.Errorf("工具 %s 重复定义", def.Name)
		}
		seen[def.Name] = struct{}{}
	}
	return &m, nil
}

// RegisterManifest 把清单中的全部工具注册为远程工具。
func (r *Registry) RegisterManifest(m *Manifest, client *http.Client) error {
	if m == nil {
		return nil
	}
	for _, def := range m.Tools {
		tool, err := NewRemoteTool(def, client)
		if err != nil {
			return err
		}
		if err := r.Register(tool); err != nil {
			return err
		}
	}
	return nil
}

// NewRemoteTool 把 RemoteDefinition 包装为 Tool。请求体为
// {"arguments": ..., "session_id": ..., "wallet": ...}。
func NewRemoteTool(def RemoteDefinition, client *http.Client) (*Tool, error) {
	method := strings.ToUpper(strings.TrimSpace(def.Method))
	if method == "" {
		method = http.MethodPost
	}
	timeout := defaultRemoteTimeout
	if def.Timeout != "" {
		parsed, err := time.ParseDuration(def.Timeout)
		if err != nil {
			return nil, fmt.Errorf("工具 %s 的 timeout 无效: %w", def.Name, err)
		}
		timeout = parsed
	}
	if client == nil {
		client = &http.Client{}
	}
	endpoint := strings.TrimSpace(def.Endpoint)
	headers := def.Headers

	handler := func(ctx context.Context, args map[string]any, sctx session.Context) (any, error) {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		body, err := json.Marshal(map[string]any{
			"arguments":  args,
			"session_id": sctx.SessionID,
			"wallet":     sctx.Wallet,
		})
		if err != nil {
			return nil, fmt.Errorf("encode arguments: %w", err)
		}
		req, err := http.NewRequestWithContext(callCtx, method, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range headers {
			req.Header.Set(k, os.ExpandEnv(v))
		}

		resp, err := client.Do(req)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%s: request timeout: %w", def.Name, err)
			}
			return nil, fmt.Errorf("%s: network error: %w", def.Name, err)
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("%s: read response: %w", def.Name, err)
		}
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, remoteErrorText(payload))
		}

		var decoded any
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return strings.TrimSpace(string(payload)), nil
		}
		return decoded, nil
	}

	return &Tool{
		Name:        def.Name,
		Description: def.Description,
		Parameters:  def.Parameters,
		Tags:        def.Tags,
		Handler:     handler,
	}, nil
}

// remoteErrorText 优先取 {"error": "..."} 中的信息，便于错误分类。
func remoteErrorText(payload []byte) string {
	var envelope struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &envelope); err == nil {
		if envelope.Error != "" {
			return envelope.Error
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}
	text := strings.TrimSpace(string(payload))
	if len(text) > 512 {
		text = text[:512]
	}
	return text
}
