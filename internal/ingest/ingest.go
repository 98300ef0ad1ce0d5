package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/lazypower/resonance/internal/engine"
	"github.com/lazypower/resonance/internal/store"
)

// Storer is the slice of the engine the ingester writes through.
type Storer interface {
	Store(ctx context.Context, req engine.StoreRequest) (engine.StoreResult, error)
	Relate(ctx context.Context, a, b string) error
}

// Meta is attached to every atom an ingest produces.
type Meta struct {
	SessionID string
	UserID    string
	Topic     string
}

// Config sizes file chunks in runes.
type Config struct {
	ChunkSize    int
	ChunkOverlap int
}

// Report counts what an ingest wrote.
type Report struct {
	Stored     int      `json:"stored"`
	Duplicates int      `json:"duplicates"`
	Failed     int      `json:"failed"`
	RootID     string   `json:"root_id,omitempty"`
	SummaryID  string   `json:"summary_id,omitempty"`
	IDs        []string `json:"ids"`
}

func (r *Report) add(res engine.StoreResult) {
	switch res.Status {
	case engine.StatusStored:
		r.Stored++
	case engine.StatusDuplicate:
		r.Duplicates++
	}
	r.IDs = append(r.IDs, res.ID)
	if r.RootID == "" {
		r.RootID = res.ID
	}
}

// Ingester stores conversations and files as chains of atoms.
type Ingester struct {
	store Storer
	cfg   Config
	log   *slog.Logger
}

// New creates an Ingester. Zero config fields take defaults.
func New(s Storer, cfg Config, logger *slog.Logger) *Ingester {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1500
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{store: s, cfg: cfg, log: logger.With("component", "ingest")}
}

// Conversation stores each turn of a JSONL log as a conversation atom
// parented on the previous turn, then a summary atom linked to the first.
func (in *Ingester) Conversation(ctx context.Context, path string, meta Meta) (Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return Report{}, fmt.Errorf("open conversation: %w", err)
	}
	defer f.Close()

	entries, err := ParseConversation(f)
	if err != nil {
		return Report{}, err
	}
	turns := Pairs(entries)
	if len(turns) == 0 {
		return Report{}, fmt.Errorf("%s: no usable messages", path)
	}

	var rep Report
	parent := ""
	for _, t := range turns {
		res, err := in.store.Store(ctx, engine.StoreRequest{
			UserText:   t.User,
			SystemText: t.Assistant,
			MemoryType: store.TypeConversation,
			Source:     path,
			SessionID:  meta.SessionID,
			UserID:     meta.UserID,
			Topic:      meta.Topic,
			ParentID:   parent,
		})
		if err != nil {
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			in.log.Warn("turn not stored", "path", path, "err", err)
			rep.Failed++
			continue
		}
		rep.add(res)
		parent = res.ID
	}
	if rep.RootID == "" {
		return rep, fmt.Errorf("%s: every turn failed to store", path)
	}

	res, err := in.store.Store(ctx, engine.StoreRequest{
		UserText:   Condense(entries),
		MemoryType: store.TypeSummary,
		Source:     path,
		SessionID:  meta.SessionID,
		UserID:     meta.UserID,
		Topic:      meta.Topic,
	})
	if err != nil {
		in.log.Warn("summary not stored", "path", path, "err", err)
		rep.Failed++
		return rep, nil
	}
	rep.SummaryID = res.ID
	if err := in.store.Relate(ctx, res.ID, rep.RootID); err != nil {
		in.log.Warn("summary not linked", "summary", res.ID, "root", rep.RootID, "err", err)
	}

	in.log.Info("conversation ingested", "path", path, "turns", len(turns),
		"stored", rep.Stored, "duplicates", rep.Duplicates, "failed", rep.Failed)
	return rep, nil
}

// File stores a UTF-8 text file as file_chunk atoms, each parented on the
// one before. Chunks are never deduplicated.
func (in *Ingester) File(ctx context.Context, path string, meta Meta) (Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Report{}, fmt.Errorf("read file: %w", err)
	}
	if !utf8.Valid(data) {
		return Report{}, fmt.Errorf("%s: not UTF-8 text", path)
	}
	chunks := Chunk(string(data), in.cfg.ChunkSize, in.cfg.ChunkOverlap)
	if len(chunks) == 0 {
		return Report{}, fmt.Errorf("%s: empty file", path)
	}

	topic := meta.Topic
	if topic == "" {
		topic = filepath.Base(path)
	}

	var rep Report
	parent := ""
	for i, c := range chunks {
		res, err := in.store.Store(ctx, engine.StoreRequest{
			UserText:   c,
			MemoryType: store.TypeFileChunk,
			Source:     fmt.Sprintf("%s#%d", path, i),
			SessionID:  meta.SessionID,
			UserID:     meta.UserID,
			Topic:      topic,
			ParentID:   parent,
		})
		if err != nil {
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			in.log.Warn("chunk not stored", "path", path, "chunk", i, "err", err)
			rep.Failed++
			continue
		}
		rep.add(res)
		parent = res.ID
	}

	in.log.Info("file ingested", "path", path, "chunks", len(chunks), "stored", rep.Stored, "failed", rep.Failed)
	return rep, nil
}
