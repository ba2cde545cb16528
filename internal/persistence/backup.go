// Package persistence implements the backup/restore contract: one JSON
// (or JSONL) entry per logical memory, de-duplicated by parent_id, with
// chunk-specific payload fields stripped before export.
package persistence

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/trapias/memoria/internal/embeddings"
	memerrors "github.com/trapias/memoria/internal/errors"
	"github.com/trapias/memoria/internal/logging"
	"github.com/trapias/memoria/internal/storage"
	"github.com/trapias/memoria/internal/types"
)

// BackupManager handles export/import of the vector store's logical
// memories to a portable JSON representation.
type BackupManager struct {
	vectors       storage.VectorStore
	embedder      embeddings.Embedder
	backupDir     string
	retentionDays int
	log           logging.Logger
}

// BackupEntry is one logical memory's exported payload.
type BackupEntry struct {
	ID      string                 `json:"id"`
	Payload map[string]interface{} `json:"payload"`
	Vector  []float32              `json:"vector,omitempty"`
}

// jsonlEntry is a BackupEntry plus its owning collection, the shape
// accepted (one per line) by the JSONL import path.
type jsonlEntry struct {
	BackupEntry
	Collection string `json:"_collection"`
}

// BackupFile is the root JSON document written by CreateBackup.
type BackupFile struct {
	Version        string                   `json:"version"`
	ExportedAt     time.Time                `json:"exported_at"`
	IncludeVectors bool                     `json:"include_vectors"`
	Collections    map[string][]BackupEntry `json:"collections"`
}

// BackupMetadata is the sidecar file written alongside each backup,
// enough to list/prune backups without reparsing the payload.
type BackupMetadata struct {
	File       string    `json:"file"`
	Version    string    `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	EntryCount int       `json:"entry_count"`
	Size       int64     `json:"size"`
}

// NewBackupManager builds a manager rooted at backupDir. embedder may be
// nil; restoring entries that omit a vector then fails with EmbedError
// rather than silently dropping the memory.
func NewBackupManager(vectors storage.VectorStore, embedder embeddings.Embedder, backupDir string, log logging.Logger) *BackupManager {
	if log == nil {
		log = logging.Noop{}
	}
	return &BackupManager{vectors: vectors, embedder: embedder, backupDir: backupDir, retentionDays: 30, log: log}
}

// CreateBackup scrolls every kind, de-duplicates chunk points by
// parent_id, and writes one entry per logical memory to a JSON file
// under backupDir. includeVectors embeds each entry's raw vector so a
// restore can skip re-embedding.
func (bm *BackupManager) CreateBackup(ctx context.Context, includeVectors bool) (BackupMetadata, error) {
	if err := os.MkdirAll(bm.backupDir, 0o750); err != nil {
		return BackupMetadata{}, fmt.Errorf("create backup dir: %w", err)
	}

	doc := BackupFile{
		Version:        "1.0",
		ExportedAt:     time.Now(),
		IncludeVectors: includeVectors,
		Collections:    make(map[string][]BackupEntry),
	}
	total := 0

	for _, kind := range types.AllKinds {
		points, err := bm.vectors.Scroll(ctx, string(kind), nil, 0)
		if err != nil {
			return BackupMetadata{}, &memerrors.StoreError{Op: "scroll", Err: err}
		}

		winners := map[uuid.UUID]types.Point{}
		for _, p := range points {
			parent := p.ParentID
			if parent == uuid.Nil {
				parent = p.ID
			}
			if cur, ok := winners[parent]; !ok || p.ChunkIndex < cur.ChunkIndex {
				winners[parent] = p
			}
		}

		entries := make([]BackupEntry, 0, len(winners))
		for parent, p := range winners {
			entry := BackupEntry{ID: parent.String(), Payload: exportPayload(p)}
			if includeVectors {
				_, vec, err := bm.vectors.Get(ctx, string(kind), p.ID.String())
				if err == nil {
					entry.Vector = vec
				}
			}
			entries = append(entries, entry)
		}
		doc.Collections[string(kind)] = entries
		total += len(entries)
	}

	timestamp := time.Now().Format("20060102_150405")
	file := filepath.Join(bm.backupDir, fmt.Sprintf("backup_%s.json", timestamp))
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return BackupMetadata{}, fmt.Errorf("marshal backup: %w", err)
	}
	if err := os.WriteFile(file, data, 0o600); err != nil {
		return BackupMetadata{}, fmt.Errorf("write backup: %w", err)
	}

	meta := BackupMetadata{File: file, Version: doc.Version, CreatedAt: doc.ExportedAt, EntryCount: total, Size: int64(len(data))}
	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return BackupMetadata{}, fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(file+".meta.json", metaData, 0o600); err != nil {
		return BackupMetadata{}, fmt.Errorf("write metadata: %w", err)
	}
	bm.log.InfoContext(ctx, "backup created", "file", file, "entries", total)
	return meta, nil
}

// exportPayload builds the exported payload for a winning representative
// point: content is substituted with full_content when the memory was
// chunked, and chunk-specific fields are stripped, per the backup
// contract.
func exportPayload(p types.Point) map[string]interface{} {
	content := p.Content
	if p.FullContent != "" {
		content = p.FullContent
	}
	payload := map[string]interface{}{
		"content":      content,
		"memory_type":  string(p.Kind),
		"created_at":   p.CreatedAt,
		"updated_at":   p.UpdatedAt,
		"accessed_at":  p.AccessedAt,
		"access_count": p.AccessCount,
		"importance":   p.Importance,
		"tags":         p.Tags,
	}
	for k, v := range p.Metadata {
		payload[k] = v
	}
	return payload
}

// RestoreBackup reads path (JSON or JSONL, auto-detected) and upserts one
// non-chunked point per entry. Entries carrying a vector use it directly;
// otherwise the manager's embedder re-embeds the restored content.
func (bm *BackupManager) RestoreBackup(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return 0, fmt.Errorf("read backup file: %w", err)
	}

	entries, err := bm.parseEntries(data)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, e := range entries {
		if err := bm.restoreEntry(ctx, e); err != nil {
			return restored, err
		}
		restored++
	}
	bm.log.InfoContext(ctx, "backup restored", "file", path, "entries", restored)
	return restored, nil
}

type collectionEntry struct {
	collection string
	entry      BackupEntry
}

// parseEntries accepts the whole-document JSON form or one-entry-per-line
// JSONL, auto-detected by whether the document parses as a BackupFile.
func (bm *BackupManager) parseEntries(data []byte) ([]collectionEntry, error) {
	var doc BackupFile
	if err := json.Unmarshal(data, &doc); err == nil && len(doc.Collections) > 0 {
		out := make([]collectionEntry, 0)
		for collection, entries := range doc.Collections {
			for _, e := range entries {
				out = append(out, collectionEntry{collection: collection, entry: e})
			}
		}
		return out, nil
	}

	var out []collectionEntry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var je jsonlEntry
		if err := json.Unmarshal([]byte(line), &je); err != nil {
			return nil, fmt.Errorf("parse jsonl entry: %w", err)
		}
		out = append(out, collectionEntry{collection: je.Collection, entry: je.BackupEntry})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan jsonl: %w", err)
	}
	return out, nil
}

func (bm *BackupManager) restoreEntry(ctx context.Context, ce collectionEntry) error {
	id, err := uuid.Parse(ce.entry.ID)
	if err != nil {
		return fmt.Errorf("invalid entry id %q: %w", ce.entry.ID, err)
	}
	content, _ := ce.entry.Payload["content"].(string)

	var vec embeddings.Vector
	if len(ce.entry.Vector) > 0 {
		vec = ce.entry.Vector
	} else {
		if bm.embedder == nil {
			return &memerrors.EmbedError{Reason: "restore entry has no vector and no embedder configured"}
		}
		res, err := bm.embedder.Embed(ctx, content, embeddings.KindDocument)
		if err != nil {
			return &memerrors.EmbedError{Reason: "restore", Err: err}
		}
		vec = res.Vector
	}

	p := types.Point{
		ID: id, ParentID: id, Kind: types.Kind(ce.collection), Content: content,
		IsChunk:     false,
		Tags:        tagsOf(ce.entry.Payload),
		Importance:  floatOf(ce.entry.Payload["importance"]),
		CreatedAt:   timeOf(ce.entry.Payload["created_at"]),
		UpdatedAt:   timeOf(ce.entry.Payload["updated_at"]),
		AccessedAt:  timeOf(ce.entry.Payload["accessed_at"]),
		AccessCount: intOf(ce.entry.Payload["access_count"]),
		Metadata:    openMetadata(ce.entry.Payload),
	}
	if err := bm.vectors.Upsert(ctx, ce.collection, p, vec); err != nil {
		return &memerrors.StoreError{Op: "restore upsert", Err: err}
	}
	return nil
}

// fixedPayloadKeys are the exported keys restoreEntry extracts into typed
// Point fields; everything else in the payload is genuine open metadata.
var fixedPayloadKeys = map[string]bool{
	"content": true, "memory_type": true, "tags": true, "importance": true,
	"created_at": true, "updated_at": true, "accessed_at": true, "access_count": true,
}

// openMetadata returns only the open-metadata keys of an exported payload,
// so a restored point does not re-gain its fixed fields as metadata.
func openMetadata(payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})
	for k, v := range payload {
		if fixedPayloadKeys[k] {
			continue
		}
		out[k] = v
	}
	return out
}

func tagsOf(payload map[string]interface{}) []string {
	raw, ok := payload["tags"].([]interface{})
	if !ok {
		if strs, ok := payload["tags"].([]string); ok {
			return strs
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func intOf(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}

func floatOf(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}

func timeOf(v interface{}) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err == nil {
			return parsed
		}
	}
	return time.Time{}
}

// ListBackups returns every backup's sidecar metadata found in backupDir.
func (bm *BackupManager) ListBackups() ([]BackupMetadata, error) {
	entries, err := os.ReadDir(bm.backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read backup dir: %w", err)
	}

	var backups []BackupMetadata
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".meta.json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(bm.backupDir, e.Name()))
		if err != nil {
			continue
		}
		var meta BackupMetadata
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		backups = append(backups, meta)
	}
	return backups, nil
}

// CleanupOldBackups removes backups (and their sidecar metadata) older
// than the manager's retention window.
func (bm *BackupManager) CleanupOldBackups() error {
	cutoff := time.Now().AddDate(0, 0, -bm.retentionDays)
	backups, err := bm.ListBackups()
	if err != nil {
		return err
	}
	for _, b := range backups {
		if b.CreatedAt.After(cutoff) {
			continue
		}
		_ = os.Remove(b.File)
		_ = os.Remove(b.File + ".meta.json")
	}
	return nil
}

// SetRetentionDays overrides the default 30-day retention window.
func (bm *BackupManager) SetRetentionDays(days int) { bm.retentionDays = days }
