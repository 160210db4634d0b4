package cli

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoire/pkg/adapter"
	"github.com/m-mizutani/memoire/pkg/policy"
	"github.com/m-mizutani/memoire/pkg/report"
	"github.com/m-mizutani/memoire/pkg/repository"
	"github.com/m-mizutani/memoire/pkg/service/embedding"
	"github.com/m-mizutani/memoire/pkg/service/summarize"
	"github.com/m-mizutani/memoire/pkg/usecase/consolidate"
	"github.com/m-mizutani/memoire/pkg/usecase/memory"
	"github.com/m-mizutani/memoire/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

// config holds configuration values
type config struct {
	// Logging
	logLevel  string
	logFormat string

	// Repository
	backend    string
	dbPath     string
	project    string
	database   string
	dimensions int64

	// Providers
	embeddingProvider string
	llmProvider       string
	ollamaURL         string
	ollamaEmbedModel  string
	ollamaChatModel   string
	geminiProject     string
	geminiLocation    string
	geminiEmbedModel  string
	geminiModel       string
	openaiAPIKey      string
	openaiBaseURL     string
	openaiEmbedModel  string
	openaiChatModel   string
	anthropicAPIKey   string
	claudeModel       string

	embedTimeout     time.Duration
	summarizeTimeout time.Duration
	contextWindow    int64
	queryCache       int64

	// Ingestion
	policyDir string
}

// globalFlags returns flags shared by every command
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("MEMOIRE_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "Log format (console, json)",
			Value:       "console",
			Sources:     cli.EnvVars("MEMOIRE_LOG_FORMAT"),
			Destination: &cfg.logFormat,
		},
		&cli.StringFlag{
			Name:        "backend",
			Aliases:     []string{"b"},
			Usage:       "Memory store backend (sqlite, firestore)",
			Value:       "sqlite",
			Sources:     cli.EnvVars("MEMOIRE_BACKEND"),
			Destination: &cfg.backend,
		},
		&cli.StringFlag{
			Name:        "db-path",
			Usage:       "SQLite database file",
			Value:       "memoire.db",
			Sources:     cli.EnvVars("MEMOIRE_DB_PATH"),
			Destination: &cfg.dbPath,
		},
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Google Cloud project ID",
			Sources:     cli.EnvVars("MEMOIRE_PROJECT", "GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.project,
		},
		&cli.StringFlag{
			Name:        "database",
			Aliases:     []string{"d"},
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("MEMOIRE_FIRESTORE_DATABASE_ID", "FIRESTORE_DATABASE_ID"),
			Destination: &cfg.database,
		},
		&cli.IntFlag{
			Name:        "dimensions",
			Usage:       "Embedding vector dimensions",
			Value:       embedding.DefaultDimensions,
			Sources:     cli.EnvVars("MEMOIRE_DIMENSIONS"),
			Destination: &cfg.dimensions,
		},
	}
}

// embeddingFlags returns flags for the embedding service
func embeddingFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "embedding-provider",
			Usage:       "Embedding provider (ollama, gemini, openai)",
			Value:       "ollama",
			Sources:     cli.EnvVars("MEMOIRE_EMBEDDING_PROVIDER"),
			Destination: &cfg.embeddingProvider,
		},
		&cli.StringFlag{
			Name:        "ollama-url",
			Usage:       "Ollama server URL",
			Value:       adapter.DefaultOllamaURL,
			Sources:     cli.EnvVars("MEMOIRE_OLLAMA_URL", "OLLAMA_HOST"),
			Destination: &cfg.ollamaURL,
		},
		&cli.StringFlag{
			Name:        "ollama-embedding-model",
			Usage:       "Ollama embedding model",
			Value:       adapter.DefaultOllamaEmbeddingModel,
			Sources:     cli.EnvVars("MEMOIRE_OLLAMA_EMBEDDING_MODEL"),
			Destination: &cfg.ollamaEmbedModel,
		},
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini",
			Sources:     cli.EnvVars("MEMOIRE_GEMINI_PROJECT", "GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     cli.EnvVars("MEMOIRE_GEMINI_LOCATION", "GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
		&cli.StringFlag{
			Name:        "gemini-embedding-model",
			Usage:       "Gemini embedding model",
			Value:       "gemini-embedding-001",
			Sources:     cli.EnvVars("MEMOIRE_GEMINI_EMBEDDING_MODEL"),
			Destination: &cfg.geminiEmbedModel,
		},
		&cli.StringFlag{
			Name:        "openai-api-key",
			Usage:       "OpenAI API key",
			Sources:     cli.EnvVars("MEMOIRE_OPENAI_API_KEY", "OPENAI_API_KEY"),
			Destination: &cfg.openaiAPIKey,
		},
		&cli.StringFlag{
			Name:        "openai-base-url",
			Usage:       "Base URL of an OpenAI compatible API",
			Sources:     cli.EnvVars("MEMOIRE_OPENAI_BASE_URL"),
			Destination: &cfg.openaiBaseURL,
		},
		&cli.StringFlag{
			Name:        "openai-embedding-model",
			Usage:       "OpenAI embedding model",
			Value:       "text-embedding-3-small",
			Sources:     cli.EnvVars("MEMOIRE_OPENAI_EMBEDDING_MODEL"),
			Destination: &cfg.openaiEmbedModel,
		},
		&cli.DurationFlag{
			Name:        "embedding-timeout",
			Usage:       "Timeout of one embedding request",
			Value:       embedding.DefaultTimeout,
			Sources:     cli.EnvVars("MEMOIRE_EMBEDDING_TIMEOUT"),
			Destination: &cfg.embedTimeout,
		},
		&cli.IntFlag{
			Name:        "query-cache",
			Usage:       "Number of query embeddings to cache, 0 disables the cache",
			Value:       1024,
			Sources:     cli.EnvVars("MEMOIRE_QUERY_CACHE"),
			Destination: &cfg.queryCache,
		},
	}
}

// llmFlags returns flags for the summarization chat model
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "llm-provider",
			Usage:       "Summarization provider (ollama, gemini, openai, claude)",
			Value:       "ollama",
			Sources:     cli.EnvVars("MEMOIRE_LLM_PROVIDER"),
			Destination: &cfg.llmProvider,
		},
		&cli.StringFlag{
			Name:        "ollama-chat-model",
			Usage:       "Ollama chat model",
			Value:       adapter.DefaultOllamaChatModel,
			Sources:     cli.EnvVars("MEMOIRE_OLLAMA_CHAT_MODEL"),
			Destination: &cfg.ollamaChatModel,
		},
		&cli.StringFlag{
			Name:        "gemini-model",
			Usage:       "Gemini generative model",
			Value:       "gemini-2.5-flash",
			Sources:     cli.EnvVars("MEMOIRE_GEMINI_MODEL"),
			Destination: &cfg.geminiModel,
		},
		&cli.StringFlag{
			Name:        "openai-chat-model",
			Usage:       "OpenAI chat model",
			Value:       "gpt-4o-mini",
			Sources:     cli.EnvVars("MEMOIRE_OPENAI_CHAT_MODEL"),
			Destination: &cfg.openaiChatModel,
		},
		&cli.StringFlag{
			Name:        "anthropic-api-key",
			Usage:       "Anthropic API key",
			Sources:     cli.EnvVars("MEMOIRE_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY"),
			Destination: &cfg.anthropicAPIKey,
		},
		&cli.StringFlag{
			Name:        "claude-model",
			Usage:       "Claude model",
			Value:       adapter.DefaultClaudeModel,
			Sources:     cli.EnvVars("MEMOIRE_CLAUDE_MODEL"),
			Destination: &cfg.claudeModel,
		},
		&cli.DurationFlag{
			Name:        "summarize-timeout",
			Usage:       "Timeout of one summarization request",
			Value:       summarize.DefaultTimeout,
			Sources:     cli.EnvVars("MEMOIRE_SUMMARIZE_TIMEOUT"),
			Destination: &cfg.summarizeTimeout,
		},
		&cli.IntFlag{
			Name:        "context-window",
			Usage:       "Context window requested from the chat model",
			Value:       summarize.DefaultContextWindow,
			Sources:     cli.EnvVars("MEMOIRE_CONTEXT_WINDOW"),
			Destination: &cfg.contextWindow,
		},
	}
}

// policyFlags returns flags for ingestion policies
func policyFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "policy-dir",
			Usage:       "Directory of Rego ingest policies (package ingest)",
			Sources:     cli.EnvVars("MEMOIRE_POLICY_DIR"),
			Destination: &cfg.policyDir,
		},
	}
}

// setupLogger applies the logging flags and attaches the logger to ctx
func (cfg *config) setupLogger(ctx context.Context) (context.Context, error) {
	logger, err := logging.New(cfg.logLevel, cfg.logFormat, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to configure logger")
	}
	logging.SetDefault(logger)
	return logging.With(ctx, logger), nil
}

// newRepository creates a new repository instance
func (cfg *config) newRepository(ctx context.Context) (repository.Repository, error) {
	opts := []repository.Option{repository.WithDimensions(int(cfg.dimensions))}

	switch cfg.backend {
	case "sqlite":
		if cfg.dbPath == "" {
			return nil, goerr.New("db-path is required")
		}
		repo, err := repository.NewSQLite(ctx, cfg.dbPath, opts...)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to open sqlite repository")
		}
		return repo, nil

	case "firestore":
		if cfg.project == "" {
			return nil, goerr.New("project is required")
		}
		if cfg.database == "" {
			return nil, goerr.New("database is required")
		}
		repo, err := repository.NewFirestore(ctx, cfg.project, cfg.database, opts...)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create firestore repository")
		}
		return repo, nil

	default:
		return nil, goerr.New("unsupported backend", goerr.V("backend", cfg.backend))
	}
}

func (cfg *config) newOllama() (*adapter.Ollama, error) {
	if cfg.ollamaURL == "" {
		return nil, goerr.New("ollama-url is required")
	}
	return adapter.NewOllama(cfg.ollamaURL,
		adapter.WithOllamaEmbeddingModel(cfg.ollamaEmbedModel),
		adapter.WithOllamaChatModel(cfg.ollamaChatModel),
	)
}

func (cfg *config) newGemini(ctx context.Context) (*adapter.GeminiClient, error) {
	if cfg.geminiProject == "" {
		return nil, goerr.New("gemini-project is required")
	}
	if cfg.geminiLocation == "" {
		return nil, goerr.New("gemini-location is required")
	}
	return adapter.NewGemini(ctx, cfg.geminiProject, cfg.geminiLocation,
		adapter.WithGenerativeModel(cfg.geminiModel),
		adapter.WithEmbeddingModel(cfg.geminiEmbedModel),
		adapter.WithEmbeddingDimensions(int(cfg.dimensions)),
	)
}

func (cfg *config) newOpenAI() (*adapter.OpenAI, error) {
	if cfg.openaiAPIKey == "" {
		return nil, goerr.New("openai-api-key is required")
	}
	opts := []adapter.OpenAIOption{
		adapter.WithOpenAIEmbeddingModel(cfg.openaiEmbedModel),
		adapter.WithOpenAIChatModel(cfg.openaiChatModel),
		adapter.WithOpenAIDimensions(int(cfg.dimensions)),
	}
	if cfg.openaiBaseURL != "" {
		opts = append(opts, adapter.WithOpenAIBaseURL(cfg.openaiBaseURL))
	}
	return adapter.NewOpenAI(cfg.openaiAPIKey, opts...), nil
}

// newEmbedding creates the embedding client of the configured provider
func (cfg *config) newEmbedding(ctx context.Context) (*embedding.Client, error) {
	var (
		embedder adapter.Embedder
		model    string
		err      error
	)

	switch cfg.embeddingProvider {
	case "ollama":
		embedder, err = cfg.newOllama()
		model = "ollama/" + cfg.ollamaEmbedModel
	case "gemini":
		embedder, err = cfg.newGemini(ctx)
		model = "gemini/" + cfg.geminiEmbedModel
	case "openai":
		embedder, err = cfg.newOpenAI()
		model = "openai/" + cfg.openaiEmbedModel
	default:
		return nil, goerr.New("unsupported embedding provider", goerr.V("provider", cfg.embeddingProvider))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create embedder", goerr.V("provider", cfg.embeddingProvider))
	}

	opts := []embedding.Option{
		embedding.WithDimensions(int(cfg.dimensions)),
		embedding.WithTimeout(cfg.embedTimeout),
		embedding.WithModelName(model),
	}
	if cfg.queryCache > 0 {
		opts = append(opts, embedding.WithQueryCache(cfg.queryCache))
	}
	return embedding.New(embedder, opts...)
}

// newSummarizer creates the summarization client of the configured provider
func (cfg *config) newSummarizer(ctx context.Context) (*summarize.Client, error) {
	var (
		llm adapter.LLM
		err error
	)

	switch cfg.llmProvider {
	case "ollama":
		llm, err = cfg.newOllama()
	case "gemini":
		llm, err = cfg.newGemini(ctx)
	case "openai":
		llm, err = cfg.newOpenAI()
	case "claude":
		if cfg.anthropicAPIKey == "" {
			return nil, goerr.New("anthropic-api-key is required")
		}
		llm = adapter.NewClaude(cfg.anthropicAPIKey, adapter.WithClaudeModel(cfg.claudeModel))
	default:
		return nil, goerr.New("unsupported llm provider", goerr.V("provider", cfg.llmProvider))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create llm", goerr.V("provider", cfg.llmProvider))
	}

	return summarize.New(llm,
		summarize.WithTimeout(cfg.summarizeTimeout),
		summarize.WithContextWindow(int(cfg.contextWindow)),
	), nil
}

// newMemoryUseCase wires ingestion and retrieval
func (cfg *config) newMemoryUseCase(ctx context.Context, repo repository.Repository, client *embedding.Client) (*memory.UseCase, error) {
	var opts []memory.Option
	if cfg.policyDir != "" {
		p, err := policy.LoadIngest(ctx, cfg.policyDir)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to load ingest policy")
		}
		if p != nil {
			opts = append(opts, memory.WithPolicy(p))
		}
	}
	return memory.New(repo, client, opts...), nil
}

// engineConfig holds consolidation settings
type engineConfig struct {
	chunkSize        int64
	concurrency      int64
	chunkConcurrency int64
	chunkRetries     int64

	reportBucket string
	reportPrefix string
	bqProject    string
	bqDataset    string
	bqTable      string
}

func engineFlags(cfg *engineConfig) []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "chunk-size",
			Usage:       "Memories per summarization chunk, also the eligibility threshold",
			Value:       consolidate.DefaultChunkSize,
			Sources:     cli.EnvVars("MEMOIRE_CHUNK_SIZE"),
			Destination: &cfg.chunkSize,
		},
		&cli.IntFlag{
			Name:        "concurrency",
			Usage:       "Users consolidated at the same time",
			Value:       4,
			Sources:     cli.EnvVars("MEMOIRE_CONCURRENCY"),
			Destination: &cfg.concurrency,
		},
		&cli.IntFlag{
			Name:        "chunk-concurrency",
			Usage:       "Chunks of one user summarized at the same time",
			Value:       1,
			Sources:     cli.EnvVars("MEMOIRE_CHUNK_CONCURRENCY"),
			Destination: &cfg.chunkConcurrency,
		},
		&cli.IntFlag{
			Name:        "chunk-retries",
			Usage:       "Extra attempts for a chunk whose summary failed",
			Value:       0,
			Sources:     cli.EnvVars("MEMOIRE_CHUNK_RETRIES"),
			Destination: &cfg.chunkRetries,
		},
		&cli.StringFlag{
			Name:        "report-bucket",
			Usage:       "Cloud Storage bucket to archive tick reports",
			Sources:     cli.EnvVars("MEMOIRE_REPORT_BUCKET"),
			Destination: &cfg.reportBucket,
		},
		&cli.StringFlag{
			Name:        "report-prefix",
			Usage:       "Object prefix for archived tick reports",
			Sources:     cli.EnvVars("MEMOIRE_REPORT_PREFIX"),
			Destination: &cfg.reportPrefix,
		},
		&cli.StringFlag{
			Name:        "bigquery-project",
			Usage:       "Google Cloud project ID for report analytics",
			Sources:     cli.EnvVars("MEMOIRE_BIGQUERY_PROJECT"),
			Destination: &cfg.bqProject,
		},
		&cli.StringFlag{
			Name:        "bigquery-dataset",
			Usage:       "BigQuery dataset for tick reports",
			Sources:     cli.EnvVars("MEMOIRE_BIGQUERY_DATASET"),
			Destination: &cfg.bqDataset,
		},
		&cli.StringFlag{
			Name:        "bigquery-table",
			Usage:       "BigQuery table for tick reports",
			Value:       "consolidation_ticks",
			Sources:     cli.EnvVars("MEMOIRE_BIGQUERY_TABLE"),
			Destination: &cfg.bqTable,
		},
	}
}

// newReporters returns the log reporter plus the optional cloud sinks
func (cfg *engineConfig) newReporters(ctx context.Context) ([]consolidate.Reporter, error) {
	reporters := []consolidate.Reporter{report.NewLog()}

	if cfg.reportBucket != "" {
		storage, err := adapter.NewStorage(ctx, cfg.reportBucket, cfg.reportPrefix)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create storage")
		}
		reporters = append(reporters, report.NewStorage(storage))
	}

	if cfg.bqDataset != "" {
		if cfg.bqProject == "" {
			return nil, goerr.New("bigquery-project is required")
		}
		bq, err := adapter.NewBigQuery(ctx, cfg.bqProject)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create bigquery client")
		}
		reporters = append(reporters, report.NewBigQuery(bq, cfg.bqDataset, cfg.bqTable))
	}

	return reporters, nil
}

// newEngine wires the consolidation engine with its own embedding and summarization clients
func (cfg *config) newEngine(ctx context.Context, ecfg *engineConfig, repo repository.Repository, client *embedding.Client) (*consolidate.Engine, error) {
	summarizer, err := cfg.newSummarizer(ctx)
	if err != nil {
		return nil, err
	}
	reporters, err := ecfg.newReporters(ctx)
	if err != nil {
		return nil, err
	}

	return consolidate.New(repo, summarizer, client,
		consolidate.WithChunkSize(int(ecfg.chunkSize)),
		consolidate.WithConcurrency(int(ecfg.concurrency)),
		consolidate.WithChunkConcurrency(int(ecfg.chunkConcurrency)),
		consolidate.WithChunkRetries(int(ecfg.chunkRetries)),
		consolidate.WithReporter(reporters...),
	), nil
}
