package translate

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/loqalabs/signbridge/internal/config"
	"github.com/loqalabs/signbridge/internal/recognizer"
	"github.com/sashabaranov/go-openai"
)

const defaultSignOrderPrompt = `你是一位專業的手語翻譯專家，請將「自然語序的中文句子」轉換成「手語語序」。
只能使用繁體中文，只輸出以空格分隔的手語語序詞串，不要輸出標點或說明。
服務對象是聽障銀行客戶，請完整翻譯客戶的內容。

範例：
- 自然中文：歡迎光臨本行
  手語語序：歡迎 人來 銀行
- 自然中文：請問您要辦理什麼服務?
  手語語序：請問 蓋章蓋章 什麼
- 自然中文：請問您要開戶的原因是?
  手語語序：你 申請 存摺 用用 什麼`

// NaturalSentencePrompt turns a sign-order word sequence back into a natural
// sentence in a bank teller's voice.
const NaturalSentencePrompt = `你是一位專業的手語翻譯專家，請將「手語語序」轉換成自然的中文語句，並模仿銀行行員的口吻。
只能使用繁體中文及中文標點作答，不要摻雜英文字母、拼音或其他語種符號。
只輸出自然語序的中文句子，不要加入任何多餘說明文字。

範例：
- 手語：我 申請 存摺
  轉譯：我想要辦理開戶。
- 手語：存錢 用用 想 申請 存摺 封面名稱 各式
  轉譯：我要用於存款，想開綜合存款帳戶。
- 手語：紙 簽名 完了
  轉譯：我已經在上面簽名了。`

type openAITranslator struct {
	client *openai.Client
	model  string
	prompt string
	base   string
}

// NewOpenAITranslator talks to any OpenAI-compatible chat completion endpoint.
func NewOpenAITranslator(cfg config.OpenAIConfig, timeout time.Duration) Translator {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = &http.Client{Timeout: timeout}
	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = defaultSignOrderPrompt
	}
	return &openAITranslator{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		prompt: prompt,
		base:   clientCfg.BaseURL,
	}
}

func (o *openAITranslator) Name() string { return "openai" }

func (o *openAITranslator) Translate(ctx context.Context, text string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: o.prompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: text,
			},
		},
		Temperature: 0.2,
	}
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		serviceErr := &recognizer.ExternalServiceError{Endpoint: o.base, Err: err}
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			serviceErr.Status = apiErr.HTTPStatusCode
			serviceErr.Body = apiErr.Message
		}
		return "", serviceErr
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return clean(resp.Choices[0].Message.Content), nil
}
