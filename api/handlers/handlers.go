// Package handlers implements the HTTP surface: asking questions in
// plain language, the streaming variant with result narration, forced
// re-training, schema inspection, discovered processes, and the ask
// history. Every endpoint speaks JSON; failures share one error body.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/siftdata/sift/engine/pkg/execute"
	"github.com/siftdata/sift/engine/pkg/pipeline"
	"github.com/siftdata/sift/engine/pkg/process"
	"github.com/siftdata/sift/engine/pkg/schema"
	"github.com/siftdata/sift/store"
)

// Pipeline is the slice of the coordinator the handlers drive.
// *pipeline.Coordinator implements it.
type Pipeline interface {
	Process(ctx context.Context, question string, conn *schema.ConnectionConfig) (*pipeline.Result, error)
	Describe(ctx context.Context, question string, result *execute.QueryResult, onChunk func(string)) (string, error)
	Train(ctx context.Context, conn *schema.ConnectionConfig) (*schema.Snapshot, error)
	Snapshot(ctx context.Context, conn *schema.ConnectionConfig) (*schema.Snapshot, error)
}

// Ledger reads and writes the metadata store: ask audit rows, recorded
// training state, and run summaries. *store.Store implements it. A nil
// Ledger disables auditing, history, and the schema diff.
type Ledger interface {
	RecordAsk(ctx context.Context, rec store.AskRecord) error
	History(ctx context.Context, fingerprint string, limit, offset int) ([]store.AskRecord, error)
	Trained(ctx context.Context, fingerprint string) (*schema.Snapshot, error)
	TrainingRuns(ctx context.Context, fingerprint string, limit int) ([]store.TrainingRun, error)
}

// ProcessSource lists the processes discovered for a schema.
// *process.Discoverer implements it.
type ProcessSource interface {
	Discover(fingerprint string, snap *schema.Snapshot) []process.Discovered
}

// Config configures a Server.
type Config struct {
	Logger   *slog.Logger
	Pipeline Pipeline

	// Ledger is the metadata store. Optional.
	Ledger Ledger

	// Processes backs the process listing endpoint. Optional.
	Processes ProcessSource

	// Default is the connection used when a request carries none.
	// Optional; without it every request must bring its own.
	Default *schema.ConnectionConfig
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return fmt.Errorf("logger is required")
	}
	if c.Pipeline == nil {
		return fmt.Errorf("pipeline is required")
	}
	return nil
}

// Server holds the handler dependencies. All methods are safe for
// concurrent use.
type Server struct {
	cfg *Config
	log *slog.Logger
}

func New(cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid handlers config: %w", err)
	}
	return &Server{cfg: cfg, log: cfg.Logger}, nil
}

// ConnectionRequest carries per-request connection coordinates. The
// password arrives in the body and is never echoed back.
type ConnectionRequest struct {
	Dialect  string `json:"dialect"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	Schema   string `json:"schema,omitempty"`
	User     string `json:"user"`
	Password string `json:"password,omitempty"`
}

func (c *ConnectionRequest) config() *schema.ConnectionConfig {
	return &schema.ConnectionConfig{
		Dialect:  c.Dialect,
		Host:     c.Host,
		Port:     c.Port,
		Database: c.Database,
		Schema:   c.Schema,
		User:     c.User,
		Password: c.Password,
	}
}

// resolveConn picks the request connection when present, else the
// configured default.
func (s *Server) resolveConn(req *ConnectionRequest) (*schema.ConnectionConfig, error) {
	if req != nil {
		conn := req.config()
		if err := conn.Validate(); err != nil {
			return nil, fmt.Errorf("connection: %w", err)
		}
		return conn, nil
	}
	if s.cfg.Default == nil {
		return nil, fmt.Errorf("no connection in the request and no default configured")
	}
	return s.cfg.Default, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("handlers: response encoding failed", "error", err)
	}
}
