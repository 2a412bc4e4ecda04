package llm

import "context"

// Request 描述一次发送给大模型的推理请求。
type Request struct {
	// System 为可选的系统提示词。
	System string
	Prompt string
	// MaxTokens 为 0 时由各实现使用自己的默认值。
	MaxTokens int
}

// Response 是大模型返回的原始文本，解析由调用方负责。
type Response struct {
	Text  string
	Model string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
