package providers

import "github.com/turnstonelabs/turnstone/internal/gateway"

// EnvKeys lists the environment variables each adapter reads, keyed by
// provider name. The doctor command reports these.
var EnvKeys = map[string][]string{
	"openai":     {"OPENAI_API_KEY", "OPENAI_API_BASE"},
	"anthropic":  {"ANTHROPIC_API_KEY"},
	"dashscope":  {"DASHSCOPE_API_KEY", "DASHSCOPE_API_BASE"},
	"deepseek":   {"DEEPSEEK_API_KEY", "DEEPSEEK_API_BASE"},
	"volcengine": {"VOLCENGINE_API_KEY", "VOLCENGINE_API_BASE", "VOLCENGINE_CHAT_ENDPOINT_ID", "VOLCENGINE_IMAGE_ENDPOINT_ID"},
	"zhipuai":    {"ZHIPUAI_API_KEY", "ZHIPUAI_API_BASE"},
}

// FromEnv constructs every adapter whose API key is configured. A missing
// key is not an error here; the gateway reports ErrNoKeyConfigured when a
// request routes to a provider that never came up.
func FromEnv() []gateway.Provider {
	ctors := []func() (gateway.Provider, error){
		func() (gateway.Provider, error) { return NewOpenAI() },
		func() (gateway.Provider, error) { return NewAnthropic() },
		func() (gateway.Provider, error) { return NewDashScope() },
		func() (gateway.Provider, error) { return NewDeepSeek() },
		func() (gateway.Provider, error) { return NewVolcengine() },
		func() (gateway.Provider, error) { return NewZhipuAI() },
	}

	var configured []gateway.Provider
	for _, ctor := range ctors {
		provider, err := ctor()
		if err != nil {
			continue
		}
		configured = append(configured, provider)
	}
	return configured
}
