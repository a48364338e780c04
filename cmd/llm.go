package cmd

import (
	"errors"
	"os"

	"github.com/spf13/viper"

	"github.com/joescharf/cmdassist/internal/llm"
	"github.com/joescharf/cmdassist/internal/workflow"
)

var errNoAPIKey = errors.New("no Anthropic API key configured (set anthropic.api_key or ANTHROPIC_API_KEY)")

// generatorFunc builds the command generator, replaceable in tests.
var generatorFunc = newLLMClient

// newLLMClient creates an LLM client from config/env, or returns an error if no API key is configured.
func newLLMClient() (workflow.Generator, error) {
	apiKey := viper.GetString("anthropic.api_key")
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, errNoAPIKey
	}
	return llm.NewClient(apiKey, viper.GetString("anthropic.model"), viper.GetInt64("anthropic.max_tokens")), nil
}

func newGenerator() (workflow.Generator, error) {
	return generatorFunc()
}
