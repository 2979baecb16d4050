package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/wolfman30/pearlflow/internal/classify"
	appconfig "github.com/wolfman30/pearlflow/internal/config"
	"github.com/wolfman30/pearlflow/internal/llm"
	"github.com/wolfman30/pearlflow/internal/respond"
	"github.com/wolfman30/pearlflow/pkg/logging"
)

// BuildLLMClient returns the configured language model client, or nil when
// none is configured and the keyword classifier and templates should be used.
func BuildLLMClient(ctx context.Context, cfg *appconfig.Config, awsCfg aws.Config, logger *logging.Logger) (llm.Client, string, error) {
	if cfg == nil {
		return nil, "", fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}

	switch cfg.LLMProvider {
	case "gemini":
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			logger.Warn("gemini selected but GEMINI_API_KEY is empty; using templates")
			return nil, "", nil
		}
		client, err := llm.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModelID)
		if err != nil {
			return nil, "", err
		}
		logger.Info("llm enabled", "provider", "gemini", "model", cfg.GeminiModelID)
		return client, cfg.GeminiModelID, nil
	case "bedrock", "":
		model := strings.TrimSpace(cfg.BedrockModelID)
		if model == "" {
			logger.Warn("no Bedrock model configured; using keyword classifier and templates")
			return nil, "", nil
		}
		logger.Info("llm enabled", "provider", "bedrock", "model", model)
		return llm.NewBedrockClient(bedrockruntime.NewFromConfig(awsCfg), model), model, nil
	case "none":
		return nil, "", nil
	default:
		return nil, "", fmt.Errorf("bootstrap: unknown LLM_PROVIDER %q", cfg.LLMProvider)
	}
}

// BuildClassifier picks the intent classifier. The LLM classifier is only
// used when CLASSIFIER=llm and a client is available.
func BuildClassifier(cfg *appconfig.Config, client llm.Client, model string, logger *logging.Logger) classify.Classifier {
	if cfg != nil && cfg.Classifier == "llm" {
		if client != nil {
			return classify.NewLLMClassifier(client, model)
		}
		if logger != nil {
			logger.Warn("CLASSIFIER=llm without an LLM client; falling back to keywords")
		}
	}
	return classify.KeywordClassifier{}
}

// BuildGenerator returns the reply generator, or nil for the built-in templates.
func BuildGenerator(client llm.Client, model string) respond.Generator {
	if client == nil {
		return nil
	}
	return respond.NewLLMGenerator(client, model)
}
