// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package regsearch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/poiesic/regsearch/ai"
	"github.com/poiesic/regsearch/ai/openai"
	"github.com/poiesic/regsearch/config"
	"github.com/poiesic/regsearch/core"
	"github.com/poiesic/regsearch/index"
	"github.com/poiesic/regsearch/ingestion"
	"github.com/poiesic/regsearch/reembed"
	"github.com/poiesic/regsearch/search"
	"github.com/poiesic/regsearch/storage"
	"github.com/poiesic/regsearch/storage/badger"
	"github.com/poiesic/regsearch/telemetry"
	"github.com/poiesic/regsearch/workflow"
)

// ErrMasterKeyRequired is returned when no workflow master key is configured.
var ErrMasterKeyRequired = errors.New("workflow master key is required")

// Database wires the semantic index, regulation processor, workflow tracker
// and search service over one badger backend.
type Database struct {
	backend      *badger.Backend
	vectorRepo   storage.VectorRepository
	workflowRepo storage.WorkflowRepository
	keyRepo      storage.KeyRepository
	provider     ai.AIProvider
	gateway      *ai.Gateway
	index        *index.Index
	tracker      *workflow.Tracker
	processor    *ingestion.Processor
	search       *search.Service
	retention    *workflow.RetentionScheduler
	workers      int
	logger       *slog.Logger
}

// DatabaseOption configures a Database.
type DatabaseOption func(*databaseOptions)

type databaseOptions struct {
	aiConfig      *ai.Config
	provider      ai.AIProvider
	masterKey     []byte
	inMemory      bool
	logger        *slog.Logger
	meterProvider metric.MeterProvider
	chunker       *ingestion.ChunkerConfig
	workers       int
	retention     time.Duration
	purgeInterval time.Duration
	rotationBatch int
	location      *time.Location
	indexHistory  bool
	searchOpts    []search.Option
}

// WithAIConfig sets the embedding service configuration.
func WithAIConfig(cfg *ai.Config) DatabaseOption {
	return func(o *databaseOptions) {
		o.aiConfig = cfg
	}
}

// WithAIProvider uses provider instead of an OpenAI-compatible one built
// from the AI config. The Database closes it.
func WithAIProvider(provider ai.AIProvider) DatabaseOption {
	return func(o *databaseOptions) {
		o.provider = provider
	}
}

// WithMasterKey sets the secret workflow keys are wrapped under.
func WithMasterKey(key []byte) DatabaseOption {
	return func(o *databaseOptions) {
		o.masterKey = key
	}
}

// WithInMemory keeps all data in memory; the path is ignored.
func WithInMemory() DatabaseOption {
	return func(o *databaseOptions) {
		o.inMemory = true
	}
}

// WithLogger sets the logger handed to every component.
func WithLogger(logger *slog.Logger) DatabaseOption {
	return func(o *databaseOptions) {
		o.logger = logger
	}
}

// WithMeterProvider records metrics through provider.
func WithMeterProvider(provider metric.MeterProvider) DatabaseOption {
	return func(o *databaseOptions) {
		o.meterProvider = provider
	}
}

// WithChunkerConfig overrides the regulation chunk bounds.
func WithChunkerConfig(cfg ingestion.ChunkerConfig) DatabaseOption {
	return func(o *databaseOptions) {
		o.chunker = &cfg
	}
}

// WithIngestionWorkers sets how many documents a pipeline processes at once.
func WithIngestionWorkers(n int) DatabaseOption {
	return func(o *databaseOptions) {
		o.workers = n
	}
}

// WithRetention sets how long workflow records are kept and how often
// expired ones are purged. A zero interval disables background purging.
func WithRetention(retention, purgeInterval time.Duration) DatabaseOption {
	return func(o *databaseOptions) {
		o.retention = retention
		o.purgeInterval = purgeInterval
	}
}

// WithRotationBatchSize sets how many records a key rotation re-encrypts per transaction.
func WithRotationBatchSize(n int) DatabaseOption {
	return func(o *databaseOptions) {
		o.rotationBatch = n
	}
}

// WithLocation sets the timezone workflow patterns are bucketed in.
func WithLocation(loc *time.Location) DatabaseOption {
	return func(o *databaseOptions) {
		o.location = loc
	}
}

// WithHistoryIndexing toggles mirroring opaque workflow step descriptors into
// the userHistory partition. Enabled by default.
func WithHistoryIndexing(enabled bool) DatabaseOption {
	return func(o *databaseOptions) {
		o.indexHistory = enabled
	}
}

// WithSearchOptions passes options through to the search service.
func WithSearchOptions(opts ...search.Option) DatabaseOption {
	return func(o *databaseOptions) {
		o.searchOpts = append(o.searchOpts, opts...)
	}
}

// NewDatabase opens or creates a database at filePath.
func NewDatabase(filePath string, opts ...DatabaseOption) (db *Database, err error) {
	// Apply options
	options := &databaseOptions{
		aiConfig:      ai.DefaultConfig(), // Default if not provided
		logger:        slog.Default(),
		workers:       ingestion.DefaultPoolSize,
		retention:     workflow.DefaultRetention,
		purgeInterval: time.Hour,
		rotationBatch: workflow.DefaultRotationBatchSize,
		location:      time.UTC,
		indexHistory:  true,
	}
	for _, opt := range opts {
		opt(options)
	}
	if len(options.masterKey) == 0 {
		return nil, ErrMasterKeyRequired
	}
	if options.aiConfig == nil {
		options.aiConfig = ai.DefaultConfig()
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}
	logger := options.logger

	metrics, err := telemetry.New(options.meterProvider)
	if err != nil {
		return nil, err
	}

	// Open backend
	backend, err := badger.OpenBackend(filePath, options.inMemory, badger.WithBackendLogger(logger))
	if err != nil {
		return nil, err
	}
	db = &Database{backend: backend, workers: options.workers, logger: logger.With("component", "database")}
	defer func() {
		if err != nil {
			db.Close()
			db = nil
		}
	}()

	if db.vectorRepo, err = badger.NewVectorRepository(backend); err != nil {
		return nil, err
	}
	if db.workflowRepo, err = badger.NewWorkflowRepository(backend); err != nil {
		return nil, err
	}
	if db.keyRepo, err = badger.NewKeyRepository(backend); err != nil {
		return nil, err
	}

	// Create AI provider with configured settings
	if options.provider != nil {
		db.provider = options.provider
	} else if db.provider, err = openai.NewProvider(options.aiConfig); err != nil {
		return nil, err
	}
	if db.gateway, err = ai.NewGateway(db.provider.Embedder(), options.aiConfig,
		ai.WithGatewayLogger(logger), ai.WithGatewayMetrics(metrics)); err != nil {
		return nil, err
	}

	if db.index, err = index.New(db.vectorRepo,
		index.WithLogger(logger),
		index.WithDimension(options.aiConfig.Dimension),
		index.WithMetrics(metrics)); err != nil {
		return nil, err
	}

	keys, err := workflow.NewStoreKeyManager(db.keyRepo, options.masterKey, workflow.WithKeyManagerLogger(logger))
	if err != nil {
		return nil, err
	}
	trackerOpts := []workflow.Option{
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
		workflow.WithRetention(options.retention),
		workflow.WithRotationBatchSize(options.rotationBatch),
		workflow.WithLocation(options.location),
	}
	if options.indexHistory {
		trackerOpts = append(trackerOpts, workflow.WithHistoryIndex(db.index, db.gateway))
	}
	if db.tracker, err = workflow.NewTracker(db.workflowRepo, keys, trackerOpts...); err != nil {
		return nil, err
	}

	processorOpts := []ingestion.ProcessorOption{
		ingestion.WithProcessorLogger(logger),
		ingestion.WithProcessorMetrics(metrics),
	}
	if options.chunker != nil {
		processorOpts = append(processorOpts, ingestion.WithChunkerConfig(*options.chunker))
	}
	if db.processor, err = ingestion.NewProcessor(db.gateway, db.index, processorOpts...); err != nil {
		return nil, err
	}

	searchOpts := append([]search.Option{
		search.WithLogger(logger),
		search.WithMetrics(metrics),
		search.WithPatternSource(db.tracker),
	}, options.searchOpts...)
	if db.search, err = search.NewService(db.index, db.gateway, searchOpts...); err != nil {
		return nil, err
	}

	if options.purgeInterval > 0 {
		if db.retention, err = workflow.NewRetentionScheduler(db.tracker, options.purgeInterval, logger); err != nil {
			return nil, err
		}
		db.retention.Start()
	}
	return db, nil
}

// NewDatabaseFromConfig opens the database described by cfg, creating the
// master key file on first use. opts are applied after the config.
func NewDatabaseFromConfig(cfg *config.Config, opts ...DatabaseOption) (*Database, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	masterKey, err := config.MasterKey(cfg.Workflow.MasterKeyFile, true)
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	base := []DatabaseOption{
		WithAIConfig(cfg.AIConfig()),
		WithMasterKey(masterKey),
		WithChunkerConfig(cfg.ChunkerConfig()),
		WithIngestionWorkers(cfg.Ingestion.Workers),
		WithRetention(cfg.Workflow.Retention, cfg.Workflow.PurgeInterval),
		WithRotationBatchSize(cfg.Workflow.RotationBatchSize),
		WithLocation(loc),
		WithHistoryIndexing(cfg.Workflow.IndexHistory),
		WithSearchOptions(
			search.WithMinScore(cfg.Search.MinScore),
			search.WithRelevanceFloor(cfg.Search.RelevanceFloor),
			search.WithPersonalizationWeight(cfg.Search.PersonalizationWeight),
			search.WithDiversityShare(cfg.Search.DiversityShare),
		),
	}
	if cfg.Storage.InMemory {
		base = append(base, WithInMemory())
	}
	return NewDatabase(cfg.Storage.Path, append(base, opts...)...)
}

// Close stops background work and releases every component. It is safe to
// call on a partially constructed Database.
func (db *Database) Close() error {
	if db.retention != nil {
		db.retention.Stop()
	}
	if db.gateway != nil {
		db.gateway.Release()
	}

	// Close AI provider first
	if db.provider != nil {
		if err := db.provider.Close(); err != nil {
			db.logger.Error("error closing AI provider", "err", err)
		}
	}

	// Close repositories
	for _, repo := range []storage.Repository{db.keyRepo, db.workflowRepo, db.vectorRepo} {
		if repo == nil {
			continue
		}
		if err := repo.Close(); err != nil {
			db.logger.Error("error closing repository", "err", err)
			return err
		}
	}

	// Close backend
	if err := db.backend.Close(); err != nil {
		db.logger.Error("error closing backend storage", "err", err)
		return err
	}
	return nil
}

// Index returns the semantic index.
func (db *Database) Index() *index.Index {
	return db.index
}

// Tracker returns the encrypted workflow tracker.
func (db *Database) Tracker() *workflow.Tracker {
	return db.tracker
}

// Processor returns the regulation processor.
func (db *Database) Processor() *ingestion.Processor {
	return db.processor
}

// Search returns the unified search service.
func (db *Database) Search() *search.Service {
	return db.search
}

// Embedder returns the bounded embedding gateway every component shares.
func (db *Database) Embedder() ai.Embedder {
	return db.gateway
}

// StorageStats reports per-domain record counts and on-disk size.
func (db *Database) StorageStats(ctx context.Context) (*core.StorageStats, error) {
	return db.index.StorageStats(ctx)
}

// NewIngestionPipeline creates a batch pipeline over the shared processor.
// The caller must Release it.
func (db *Database) NewIngestionPipeline(opts ...ingestion.Option) (*ingestion.Pipeline, error) {
	opts = append([]ingestion.Option{
		ingestion.WithPoolSize(db.workers),
		ingestion.WithLogger(db.logger),
	}, opts...)
	return ingestion.NewPipeline(db.processor, opts...)
}

// NewReembedder creates a reembedder over the index using the shared gateway.
func (db *Database) NewReembedder(cfg *reembed.Config, progress io.Writer) (*reembed.Reembedder, error) {
	return reembed.NewReembedder(db.index, db.gateway, cfg, progress)
}

// DeleteUser removes every trace of userID: encrypted records, keys,
// indexed history descriptors and in-memory search context.
func (db *Database) DeleteUser(ctx context.Context, userID string) error {
	if err := db.tracker.DeleteUserData(ctx, userID); err != nil {
		return err
	}
	db.search.ForgetUser(userID)
	return nil
}
