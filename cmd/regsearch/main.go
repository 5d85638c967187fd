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

package main

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/poiesic/regsearch"
	"github.com/poiesic/regsearch/config"
	"github.com/poiesic/regsearch/core"
	"github.com/poiesic/regsearch/ingestion"
	"github.com/poiesic/regsearch/reembed"
	"github.com/poiesic/regsearch/search"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// newApp builds the command tree. opts are appended to every database the
// commands open.
func newApp(opts ...regsearch.DatabaseOption) *cli.App {
	open := func(c *cli.Context) (*regsearch.Database, error) {
		cfg, err := config.Load(c.String("config"))
		if err != nil {
			return nil, err
		}
		db, err := regsearch.NewDatabaseFromConfig(cfg, append([]regsearch.DatabaseOption{regsearch.WithLogger(slog.Default())}, opts...)...)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		return db, nil
	}
	withDB := func(action func(*cli.Context, *regsearch.Database) error) cli.ActionFunc {
		return func(c *cli.Context) error {
			db, err := open(c)
			if err != nil {
				return err
			}
			defer db.Close()
			return action(c, db)
		}
	}
	userFlag := func() cli.Flag {
		return &cli.StringFlag{
			Name:     "user",
			Aliases:  []string{"u"},
			Usage:    "User identifier",
			Required: true,
		}
	}

	return &cli.App{
		Name:  "regsearch",
		Usage: "Semantic search over acquisition regulations, personalized by workflow history",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to a YAML config file (default: ./regsearch.yaml or ~/.config/regsearch/config.yaml)",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:      "ingest",
				Usage:     "Process regulation HTML files into the index",
				ArgsUsage: "FILE...",
				Action:    withDB(ingestCommand),
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "source",
						Aliases: []string{"s"},
						Usage:   "Regulation family of the files (FAR, DFARS, other)",
						Value:   "FAR",
					},
				},
			},
			{
				Name:      "record",
				Usage:     "Record a workflow step from a YAML file",
				ArgsUsage: "STEP_FILE",
				Action:    withDB(recordCommand),
				Flags:     []cli.Flag{userFlag()},
			},
			{
				Name:      "search",
				Usage:     "Search regulations and workflow history",
				ArgsUsage: "QUERY",
				Action:    withDB(searchCommand),
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "user",
						Aliases: []string{"u"},
						Usage:   "Personalize results for this user",
					},
					&cli.StringSliceFlag{
						Name:    "domain",
						Aliases: []string{"d"},
						Usage:   "Restrict the search to a domain (regulations, userHistory); routed when omitted",
					},
					&cli.IntFlag{
						Name:    "limit",
						Aliases: []string{"n"},
						Usage:   "Maximum number of results",
						Value:   10,
					},
					&cli.BoolFlag{
						Name:  "explain",
						Usage: "Print routing and ranking details to stderr",
					},
				},
			},
			{
				Name:   "stats",
				Usage:  "Show index record counts and storage size",
				Action: withDB(statsCommand),
			},
			{
				Name:   "history",
				Usage:  "Show a user's decrypted workflow history",
				Action: withDB(historyCommand),
				Flags:  []cli.Flag{userFlag()},
			},
			{
				Name:   "patterns",
				Usage:  "Analyze a user's workflow patterns",
				Action: withDB(patternsCommand),
				Flags:  []cli.Flag{userFlag()},
			},
			{
				Name:   "keys",
				Usage:  "Show a user's encryption key state",
				Action: withDB(keysCommand),
				Flags:  []cli.Flag{userFlag()},
			},
			{
				Name:   "rotate-key",
				Usage:  "Re-encrypt a user's history under a new key",
				Action: withDB(rotateKeyCommand),
				Flags:  []cli.Flag{userFlag()},
			},
			{
				Name:   "forget-user",
				Usage:  "Delete every record and key belonging to a user",
				Action: withDB(forgetUserCommand),
				Flags:  []cli.Flag{userFlag()},
			},
			{
				Name:   "purge",
				Usage:  "Delete workflow records older than the retention period",
				Action: withDB(purgeCommand),
			},
			{
				Name:   "reembed",
				Usage:  "Recompute the embeddings of every record in a domain",
				Action: withDB(reembedCommand),
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "domain",
						Aliases: []string{"d"},
						Usage:   "Domain to reembed (regulations, userHistory)",
						Value:   core.DomainRegulations.String(),
					},
					&cli.IntFlag{
						Name:  "batch-size",
						Usage: "Number of records to process in each batch",
						Value: reembed.DefaultBatchSize,
					},
					&cli.IntFlag{
						Name:  "report-interval",
						Usage: "Report progress every N records",
						Value: 100,
					},
					&cli.IntFlag{
						Name:  "max-retries",
						Usage: "Maximum retry attempts for failed operations",
						Value: 3,
					},
					&cli.DurationFlag{
						Name:  "retry-delay",
						Usage: "Base delay for exponential backoff",
						Value: 1 * time.Second,
					},
				},
			},
		},
	}
}

func ingestCommand(c *cli.Context, db *regsearch.Database) error {
	if c.NArg() == 0 {
		return fmt.Errorf("at least one file is required")
	}
	source, err := core.ParseRegulationSource(c.String("source"))
	if err != nil {
		return err
	}

	docs := make([]ingestion.Document, 0, c.NArg())
	for _, path := range c.Args().Slice() {
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		docs = append(docs, ingestion.Document{Name: filepath.Base(path), HTML: string(raw), Source: source})
	}

	pipeline, err := db.NewIngestionPipeline()
	if err != nil {
		return err
	}
	defer pipeline.Release()

	failed := 0
	out := c.App.Writer
	for _, res := range pipeline.ProcessBatch(c.Context, docs) {
		if res.Err != nil {
			failed++
			fmt.Fprintf(out, "%s: FAILED: %v\n", res.Name, res.Err)
			continue
		}
		reg := res.Regulation
		fmt.Fprintf(out, "%s: %s, %d chunks", res.Name, reg.Metadata.RegulationNumber, len(reg.Chunks))
		if reg.DegradedChunks > 0 {
			fmt.Fprintf(out, ", %d degraded", reg.DegradedChunks)
		}
		if reg.Truncated {
			fmt.Fprint(out, ", truncated")
		}
		fmt.Fprintf(out, " (%s)\n", reg.ProcessingTime.Round(time.Millisecond))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed", failed, len(docs))
	}
	return nil
}

// stepFile is the on-disk form of a workflow step accepted by the record command.
type stepFile struct {
	StepID       string            `yaml:"step_id"`
	Timestamp    time.Time         `yaml:"timestamp"`
	DocumentType string            `yaml:"document_type"`
	FormFields   map[string]string `yaml:"form_fields"`
	Actions      []struct {
		Type      string    `yaml:"type"`
		Target    string    `yaml:"target"`
		Timestamp time.Time `yaml:"timestamp"`
	} `yaml:"actions"`
}

func (f *stepFile) step(now time.Time) *core.WorkflowStep {
	step := &core.WorkflowStep{
		StepID:       f.StepID,
		Timestamp:    f.Timestamp,
		DocumentType: f.DocumentType,
		FormFields:   f.FormFields,
	}
	if step.Timestamp.IsZero() {
		step.Timestamp = now
	}
	for _, a := range f.Actions {
		at := a.Timestamp
		if at.IsZero() {
			at = step.Timestamp
		}
		step.UserActions = append(step.UserActions, core.UserAction{ActionType: a.Type, Target: a.Target, Timestamp: at})
	}
	return step
}

func readStepFile(path string) (*stepFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f stepFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return &f, nil
}

func recordCommand(c *cli.Context, db *regsearch.Database) error {
	if c.NArg() != 1 {
		return fmt.Errorf("exactly one step file is required")
	}
	f, err := readStepFile(c.Args().First())
	if err != nil {
		return err
	}
	step := f.step(time.Now())
	if err := db.Tracker().RecordWorkflowStep(c.Context, c.String("user"), step); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Recorded step %s (%s)\n", step.StepID, step.DocumentType)
	return nil
}

func parseDomains(values []string) ([]core.Domain, error) {
	if len(values) == 0 {
		return nil, nil
	}
	domains := make([]core.Domain, 0, len(values))
	for _, v := range values {
		d, err := core.ParseDomain(v)
		if err != nil {
			return nil, err
		}
		domains = append(domains, d)
	}
	return domains, nil
}

func searchCommand(c *cli.Context, db *regsearch.Database) error {
	query := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
	if query == "" {
		return fmt.Errorf("query is required")
	}
	domains, err := parseDomains(c.StringSlice("domain"))
	if err != nil {
		return err
	}

	var opts []search.CallOption
	if c.Bool("explain") {
		opts = append(opts, search.WithMonitor(&explainMonitor{w: c.App.ErrWriter}))
	}

	var resp *core.SearchResponse
	if user := c.String("user"); user != "" && domains == nil {
		userCtx := db.Search().UserContext(user)
		if userCtx == nil {
			userCtx = &core.UserSearchContext{UserID: user}
		}
		resp, err = db.Search().PerformOptimizedSearch(c.Context, query, userCtx, c.Int("limit"), opts...)
	} else {
		if user != "" {
			opts = append(opts, search.ForUser(user))
		}
		resp, err = db.Search().PerformUnifiedSearch(c.Context, query, domains, c.Int("limit"), opts...)
	}
	if err != nil {
		return err
	}

	printResults(c, resp)
	return nil
}

func printResults(c *cli.Context, resp *core.SearchResponse) {
	out := c.App.Writer
	if resp.Degraded {
		fmt.Fprintf(out, "warning: results are incomplete, failed domains: %v\n", resp.FailedDomains)
	}
	if len(resp.Results) == 0 {
		fmt.Fprintln(out, "No results.")
		return
	}
	for i, r := range resp.Results {
		label := r.Metadata[core.MetaRegulationNumber]
		if label == "" {
			label = r.Metadata[core.MetaDocumentType]
		}
		fmt.Fprintf(out, "%2d. [%.3f] %s %s\n", i+1, r.RelevanceScore, r.Domain, label)
		fmt.Fprintf(out, "    %s\n", preview(r.Content, 160))
	}
}

func preview(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	return string(r[:n]) + "..."
}

// explainMonitor prints the stages of a search as they happen.
type explainMonitor struct {
	w io.Writer
}

var _ search.SearchMonitor = (*explainMonitor)(nil)

func (m *explainMonitor) Start(query string) {
	fmt.Fprintf(m.w, "query: %q\n", query)
}

func (m *explainMonitor) AfterRouting(d core.RoutingDecision) {
	fmt.Fprintf(m.w, "routing: %v (confidence %.2f)\n", d.Domains, d.Confidence)
}

func (m *explainMonitor) AfterDomainSearch(domain core.Domain, hits int, err error) {
	if err != nil {
		fmt.Fprintf(m.w, "  %s: error: %v\n", domain, err)
		return
	}
	fmt.Fprintf(m.w, "  %s: %d hits\n", domain, hits)
}

func (m *explainMonitor) AfterMerge(results []*core.SearchResult) {
	fmt.Fprintf(m.w, "merged: %d results\n", len(results))
}

func (m *explainMonitor) Personalized(r *core.SearchResult, base, affinity float64) {
	fmt.Fprintf(m.w, "  %s: base %.3f affinity %.3f -> %.3f\n", r.ID, base, affinity, r.RelevanceScore)
}

func (m *explainMonitor) Finish(resp *core.SearchResponse) {
	fmt.Fprintf(m.w, "returned: %d results, degraded=%t\n", len(resp.Results), resp.Degraded)
}

func statsCommand(c *cli.Context, db *regsearch.Database) error {
	stats, err := db.StorageStats(c.Context)
	if err != nil {
		return err
	}
	out := c.App.Writer
	for _, d := range core.AllDomains {
		fmt.Fprintf(out, "%-12s %d\n", d.String()+":", stats.Records[d])
	}
	fmt.Fprintf(out, "%-12s %d\n", "total:", stats.TotalRecords)
	fmt.Fprintf(out, "%-12s %d bytes (lsm %d, vlog %d)\n", "storage:", stats.LSMBytes+stats.VLogBytes, stats.LSMBytes, stats.VLogBytes)
	return nil
}

func historyCommand(c *cli.Context, db *regsearch.Database) error {
	steps, err := db.Tracker().GetWorkflowHistory(c.Context, c.String("user"))
	if err != nil {
		return err
	}
	out := c.App.Writer
	if len(steps) == 0 {
		fmt.Fprintln(out, "No history.")
		return nil
	}
	for _, s := range steps {
		actions := make([]string, 0, len(s.UserActions))
		for _, a := range s.UserActions {
			actions = append(actions, a.ActionType)
		}
		fmt.Fprintf(out, "%s  %-20s %-12s %s\n", s.Timestamp.Format(time.RFC3339), s.StepID, s.DocumentType, strings.Join(actions, ","))
	}
	return nil
}

func patternsCommand(c *cli.Context, db *regsearch.Database) error {
	analysis, err := db.Tracker().AnalyzeWorkflowPatterns(c.Context, c.String("user"))
	if err != nil {
		return err
	}
	out := c.App.Writer
	fmt.Fprintf(out, "Steps analyzed: %d\n", analysis.StepCount)
	if len(analysis.Patterns) == 0 {
		fmt.Fprintln(out, "No patterns detected.")
	}
	for _, p := range analysis.Patterns {
		fmt.Fprintf(out, "[%s] %s: %s (frequency %d, confidence %.2f)\n", p.Kind, p.Name, p.Description, p.Frequency, p.Confidence)
	}
	if len(analysis.DocumentTypeAffinity) > 0 {
		fmt.Fprintln(out, "Document type affinity:")
		for docType, w := range analysis.DocumentTypeAffinity {
			fmt.Fprintf(out, "  %-20s %.2f\n", docType, w)
		}
	}
	return nil
}

func keysCommand(c *cli.Context, db *regsearch.Database) error {
	info, err := db.Tracker().EncryptionInfo(c.Context, c.String("user"))
	if err != nil {
		return err
	}
	out := c.App.Writer
	fmt.Fprintf(out, "Active key:  %s\n", info.ActiveKeyID)
	if info.PendingKeyID != "" {
		fmt.Fprintf(out, "Pending key: %s (rotation incomplete)\n", info.PendingKeyID)
	}
	fmt.Fprintf(out, "Records:     %d\n", info.Records)
	for id, n := range info.RecordsByKey {
		fmt.Fprintf(out, "  %s: %d\n", id, n)
	}
	return nil
}

func rotateKeyCommand(c *cli.Context, db *regsearch.Database) error {
	user := c.String("user")
	if err := db.Tracker().RotateEncryptionKey(c.Context, user); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Rotated encryption key for %s\n", user)
	return nil
}

func forgetUserCommand(c *cli.Context, db *regsearch.Database) error {
	user := c.String("user")
	if err := db.DeleteUser(c.Context, user); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Deleted all data for %s\n", user)
	return nil
}

func purgeCommand(c *cli.Context, db *regsearch.Database) error {
	n, err := db.Tracker().PurgeExpired(c.Context)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "Purged %d expired records (retention %s)\n", n, db.Tracker().Retention())
	return nil
}

func reembedCommand(c *cli.Context, db *regsearch.Database) error {
	domain, err := core.ParseDomain(c.String("domain"))
	if err != nil {
		return err
	}

	reembedConfig := &reembed.Config{
		BatchSize:      c.Int("batch-size"),
		ReportInterval: c.Int("report-interval"),
		MaxRetries:     c.Int("max-retries"),
		RetryDelay:     c.Duration("retry-delay"),
	}

	// Validate config
	if reembedConfig.BatchSize <= 0 {
		return fmt.Errorf("batch-size must be greater than 0")
	}
	if reembedConfig.ReportInterval <= 0 {
		return fmt.Errorf("report-interval must be greater than 0")
	}
	if reembedConfig.MaxRetries <= 0 {
		return fmt.Errorf("max-retries must be greater than 0")
	}

	reembedder, err := db.NewReembedder(reembedConfig, c.App.ErrWriter)
	if err != nil {
		return err
	}
	summary, err := reembedder.Run(c.Context, domain)
	if err != nil {
		return fmt.Errorf("reembedding failed: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "Reembedded %d of %d %s records in %s\n",
		summary.Reembedded, summary.Records, summary.Domain, summary.Elapsed.Round(time.Millisecond))
	return nil
}

func setupLogger(c *cli.Context) error {
	levelStr := strings.ToLower(c.String("log-level"))

	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	return nil
}
