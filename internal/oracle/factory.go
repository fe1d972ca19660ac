package oracle

import (
	"fmt"
	"log/slog"

	"github.com/coachlab/simcoach/internal/config"
)

// New selects an oracle backend from configuration: a remote oracle service
// when ORACLE_URL is set, otherwise a direct model client.
func New(cfg *config.Config, logger *slog.Logger) (Client, error) {
	switch {
	case cfg.OracleURL != "":
		logger.Info("Using remote oracle service", "url", cfg.OracleURL)
		return NewHTTP(cfg.OracleURL, logger), nil
	case cfg.OpenAIAPIKey != "":
		logger.Info("Using direct model oracle", "model", cfg.OpenAIModel)
		return NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel, logger), nil
	default:
		return nil, fmt.Errorf("no oracle configured: set ORACLE_URL or OPENAI_API_KEY")
	}
}
