package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"telegram-chatbot/handler"
	"telegram-chatbot/internal/archive"
	"telegram-chatbot/internal/integrations/ollama"
	"telegram-chatbot/internal/integrations/paramstore"
	"telegram-chatbot/internal/integrations/telegram"
	"telegram-chatbot/internal/logging"
	"telegram-chatbot/internal/repository"
	"telegram-chatbot/internal/session"
	"telegram-chatbot/internal/usecase"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	archiveBucket := mustEnv("ARCHIVE_BUCKET")
	paramPrefix := mustEnv("PARAM_PREFIX")
	ollamaURL := mustEnv("OLLAMA_URL")
	maxHistory := envInt("MAX_HISTORY", 10)
	maxMessageLen := envInt("MAX_MESSAGE_LENGTH", 4000)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	stateClient, err := repository.New(awsdynamodb.NewFromConfig(cfg), stateTable)
	if err != nil {
		slog.Error("failed to create state client", "err", err)
		os.Exit(1)
	}
	archiveClient, err := archive.New(awss3.NewFromConfig(cfg), archiveBucket)
	if err != nil {
		slog.Error("failed to create archive client", "err", err)
		os.Exit(1)
	}
	ollamaClient, err := ollama.NewClient(ollamaURL, ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create inference client", "err", err)
		os.Exit(1)
	}
	transport, err := telegram.NewClient(ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create transport client", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	sessions, err := session.NewManager(stateClient)
	if err != nil {
		slog.Error("failed to create session manager", "err", err)
		os.Exit(1)
	}
	dispatcher, err := usecase.NewDispatcher(ssmClient, ollamaClient, sessions, archiveClient, transport, stateClient, paramPrefix, ollamaURL, maxHistory, maxMessageLen)
	if err != nil {
		slog.Error("failed to create dispatcher", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(dispatcher, stateClient, transport, transport, logging.New(os.Stdout))
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
