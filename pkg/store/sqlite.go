package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteStore implements EntityStore using SQLite as the backend.
type SQLiteStore struct {
	db *sql.DB

	mu       sync.Mutex
	embedDim int // fixed for the process lifetime once the first vector is stored

	passLocks sync.Map // pass name -> *sync.Mutex
}

// Compile-time interface check.
var _ EntityStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite-backed entity store.
// The dbPath can be a file path or ":memory:" for an in-memory database.
// Creates tables and indexes if they don't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %v", ErrUnavailable, err)
	}

	// A single connection avoids lock races between the write
	// transactions of concurrent maintenance passes.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.loadEmbedDim(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// initSchema creates the database schema if it doesn't exist.
func (s *SQLiteStore) initSchema() error {
	schema := `
	PRAGMA journal_mode = WAL;

	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		lineage_id TEXT NOT NULL,
		content TEXT,
		confidence REAL NOT NULL DEFAULT 0.5,
		domain TEXT,
		embedding BLOB,
		status TEXT NOT NULL DEFAULT 'provisional',
		recurrence INTEGER NOT NULL DEFAULT 0,
		resolution TEXT,
		proposal_key TEXT,
		created_at DATETIME NOT NULL,
		valid_from DATETIME NOT NULL,
		valid_to DATETIME,
		metadata TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_entities_kind_status ON entities(kind, status);
	CREATE INDEX IF NOT EXISTS idx_entities_lineage_active ON entities(lineage_id) WHERE valid_to IS NULL;
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_proposal_key ON entities(proposal_key) WHERE proposal_key IS NOT NULL AND valid_to IS NULL;

	CREATE TABLE IF NOT EXISTS edges (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		source_id TEXT NOT NULL,
		source_kind TEXT NOT NULL,
		target_id TEXT NOT NULL,
		target_kind TEXT NOT NULL,
		valid_from DATETIME NOT NULL,
		valid_to DATETIME,
		created_at DATETIME NOT NULL,
		attrs TEXT,
		FOREIGN KEY (source_id) REFERENCES entities(id),
		FOREIGN KEY (target_id) REFERENCES entities(id)
	);

	CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source_id);
	CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_id);
	CREATE INDEX IF NOT EXISTS idx_edges_type ON edges(type);
	`

	_, err := s.db.Exec(schema)
	return err
}

// loadEmbedDim recovers the embedding dimensionality from a pre-existing
// database so dimension validation survives restarts.
func (s *SQLiteStore) loadEmbedDim() error {
	var blob []byte
	err := s.db.QueryRow(
		"SELECT embedding FROM entities WHERE embedding IS NOT NULL LIMIT 1").Scan(&blob)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load embedding dimension: %w", err)
	}
	s.embedDim = len(blob) / 4
	return nil
}

// encodeEmbedding serializes a vector to little-endian float32 bytes.
func encodeEmbedding(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// decodeEmbedding deserializes little-endian float32 bytes to a vector.
func decodeEmbedding(buf []byte) []float32 {
	if len(buf) == 0 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

// wrapDBErr classifies low-level database failures into the store taxonomy.
func wrapDBErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, op, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "unable to open") ||
		strings.Contains(msg, "no such table") {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// validate checks entity attributes ahead of Create and Revise.
func (s *SQLiteStore) validate(e *Entity) error {
	if !knownKinds[e.Kind] {
		return fmt.Errorf("%w: unknown kind %q", ErrValidation, e.Kind)
	}
	if e.Content == "" && !referenceKinds[e.Kind] {
		return fmt.Errorf("%w: content required for kind %s", ErrValidation, e.Kind)
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrValidation, e.Confidence)
	}
	if len(e.Embedding) > 0 {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.embedDim == 0 {
			s.embedDim = len(e.Embedding)
		} else if len(e.Embedding) != s.embedDim {
			return fmt.Errorf("%w: embedding dimension %d, store uses %d",
				ErrValidation, len(e.Embedding), s.embedDim)
		}
	}
	return nil
}

const entityColumns = `id, kind, lineage_id, content, confidence, domain, embedding,
	status, recurrence, resolution, proposal_key, created_at, valid_from, valid_to, metadata`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row rowScanner) (*Entity, error) {
	var e Entity
	var content, domain, resolution, proposalKey sql.NullString
	var embeddingBytes, metadataJSON []byte
	var validTo sql.NullTime

	err := row.Scan(
		&e.ID, &e.Kind, &e.LineageID, &content, &e.Confidence, &domain,
		&embeddingBytes, &e.Status, &e.Recurrence, &resolution, &proposalKey,
		&e.CreatedAt, &e.ValidFrom, &validTo, &metadataJSON,
	)
	if err != nil {
		return nil, err
	}

	e.Content = content.String
	e.Domain = domain.String
	e.Resolution = resolution.String
	e.ProposalKey = proposalKey.String
	e.Embedding = decodeEmbedding(embeddingBytes)
	if validTo.Valid {
		t := validTo.Time
		e.ValidTo = &t
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &e.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &e, nil
}

func nullable(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

// Create validates and inserts a new entity.
func (s *SQLiteStore) Create(ctx context.Context, e *Entity) (string, error) {
	if err := s.validate(e); err != nil {
		return "", err
	}

	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.LineageID == "" {
		e.LineageID = e.ID
	}
	if e.Status == "" {
		if e.Kind == KindPattern {
			e.Status = StatusEmerging
		} else {
			e.Status = StatusProvisional
		}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.ValidFrom.IsZero() {
		e.ValidFrom = e.CreatedAt
	}

	var metadataJSON []byte
	var err error
	if e.Metadata != nil {
		metadataJSON, err = json.Marshal(e.Metadata)
		if err != nil {
			return "", fmt.Errorf("%w: metadata not serializable: %v", ErrValidation, err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (`+entityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Kind, e.LineageID, nullable(e.Content), e.Confidence,
		nullable(e.Domain), encodeEmbedding(e.Embedding), e.Status, e.Recurrence,
		nullable(e.Resolution), nullable(e.ProposalKey), e.CreatedAt, e.ValidFrom,
		nil, metadataJSON,
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return "", fmt.Errorf("%w: duplicate id or proposal key", ErrConflict)
		}
		return "", wrapDBErr("create entity", err)
	}
	return e.ID, nil
}

// Get retrieves an entity version by id. Returns (nil, nil) if not found.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Entity, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+entityColumns+" FROM entities WHERE id = ?", id)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDBErr("get entity", err)
	}
	return e, nil
}

// getActive fetches an entity and ensures it is the active version of its
// lineage.
func (s *SQLiteStore) getActive(ctx context.Context, id string) (*Entity, error) {
	e, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("%w: entity %s", ErrNotFound, id)
	}
	if !e.Active() {
		return nil, fmt.Errorf("%w: entity %s is not the active version", ErrNotFound, id)
	}
	return e, nil
}

// CreateEdge validates and inserts a relationship.
func (s *SQLiteStore) CreateEdge(ctx context.Context, r *Relationship) error {
	src, err := s.Get(ctx, r.SourceID)
	if err != nil {
		return err
	}
	if src == nil {
		return fmt.Errorf("%w: edge source %s", ErrNotFound, r.SourceID)
	}
	tgt, err := s.Get(ctx, r.TargetID)
	if err != nil {
		return err
	}
	if tgt == nil {
		return fmt.Errorf("%w: edge target %s", ErrNotFound, r.TargetID)
	}

	r.SourceKind = src.Kind
	r.TargetKind = tgt.Kind
	if !edgeAllowed(r.Type, r.SourceKind, r.TargetKind) {
		return fmt.Errorf("%w: %s edge not allowed from %s to %s",
			ErrValidation, r.Type, r.SourceKind, r.TargetKind)
	}

	// MERGED_INTO is terminal: a merged-away entity acquires no further
	// outgoing edges except the merge edge itself.
	merged, err := s.hasOutgoingMerge(ctx, r.SourceID)
	if err != nil {
		return err
	}
	if merged {
		return fmt.Errorf("%w: %s was merged away and cannot gain outgoing edges",
			ErrConflict, r.SourceID)
	}

	// Reject CONTRADICTS/SUPERSEDES edges that would close a cycle within
	// a single lineage.
	if r.Type == RelContradicts || r.Type == RelSupersedes {
		cyclic, err := s.wouldCloseCycle(ctx, r, src.LineageID, tgt.LineageID)
		if err != nil {
			return err
		}
		if cyclic {
			return fmt.Errorf("%w: %s edge %s -> %s closes a cycle in lineage %s",
				ErrConflict, r.Type, r.SourceID, r.TargetID, src.LineageID)
		}
	}

	return s.insertEdge(ctx, s.db, r)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// insertEdge writes an edge row without validation; callers validate first.
func (s *SQLiteStore) insertEdge(ctx context.Context, ex execer, r *Relationship) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.ValidFrom.IsZero() {
		r.ValidFrom = r.CreatedAt
	}

	var attrsJSON []byte
	var err error
	if r.Attrs != nil {
		attrsJSON, err = json.Marshal(r.Attrs)
		if err != nil {
			return fmt.Errorf("%w: edge attrs not serializable: %v", ErrValidation, err)
		}
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO edges (id, type, source_id, source_kind, target_id, target_kind,
			valid_from, valid_to, created_at, attrs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Type, r.SourceID, r.SourceKind, r.TargetID, r.TargetKind,
		r.ValidFrom, nil, r.CreatedAt, attrsJSON,
	)
	if err != nil {
		return wrapDBErr("create edge", err)
	}
	return nil
}

func (s *SQLiteStore) hasOutgoingMerge(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM edges WHERE source_id = ? AND type = ?",
		id, RelMergedInto).Scan(&n)
	if err != nil {
		return false, wrapDBErr("check merge terminality", err)
	}
	return n > 0, nil
}

// wouldCloseCycle checks whether adding r would close a CONTRADICTS or
// SUPERSEDES cycle within the source's lineage. Only same-lineage edges can
// form the cycles the invariant forbids.
func (s *SQLiteStore) wouldCloseCycle(ctx context.Context, r *Relationship, srcLineage, tgtLineage string) (bool, error) {
	if srcLineage != tgtLineage {
		return false, nil
	}
	if r.SourceID == r.TargetID {
		return true, nil
	}

	// BFS from target along same-type edges within the lineage; reaching
	// the source means the new edge closes a loop.
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.source_id, e.target_id FROM edges e
		JOIN entities src ON src.id = e.source_id
		WHERE e.type = ? AND src.lineage_id = ?`,
		r.Type, srcLineage)
	if err != nil {
		return false, wrapDBErr("cycle check", err)
	}
	defer rows.Close()

	adjacent := make(map[string][]string)
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return false, wrapDBErr("cycle check", err)
		}
		adjacent[from] = append(adjacent[from], to)
	}
	if err := rows.Err(); err != nil {
		return false, wrapDBErr("cycle check", err)
	}

	visited := map[string]bool{r.TargetID: true}
	frontier := []string{r.TargetID}
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		for _, to := range adjacent[next] {
			if to == r.SourceID {
				return true, nil
			}
			if !visited[to] {
				visited[to] = true
				frontier = append(frontier, to)
			}
		}
	}
	return false, nil
}

// Revise creates a new version of an active entity in a single transaction.
func (s *SQLiteStore) Revise(ctx context.Context, id string, rev Revision) (string, error) {
	old, err := s.getActive(ctx, id)
	if err != nil {
		return "", err
	}

	next := &Entity{
		ID:         uuid.New().String(),
		Kind:       old.Kind,
		LineageID:  old.LineageID,
		Content:    old.Content,
		Confidence: old.Confidence,
		Domain:     old.Domain,
		Embedding:  old.Embedding,
		Status:     old.Status,
		Recurrence: old.Recurrence,
		Resolution: old.Resolution,
		Metadata:   old.Metadata,
	}
	if rev.Content != nil {
		next.Content = *rev.Content
	}
	if rev.Confidence != nil {
		next.Confidence = *rev.Confidence
	}
	if rev.Domain != nil {
		next.Domain = *rev.Domain
	}
	if rev.Embedding != nil {
		next.Embedding = rev.Embedding
	}
	if rev.Status != nil {
		next.Status = *rev.Status
	}
	if rev.Resolution != nil {
		next.Resolution = *rev.Resolution
	}
	if rev.Metadata != nil {
		next.Metadata = rev.Metadata
	}
	if err := s.validate(next); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	next.CreatedAt = now
	next.ValidFrom = now

	var metadataJSON []byte
	if next.Metadata != nil {
		metadataJSON, err = json.Marshal(next.Metadata)
		if err != nil {
			return "", fmt.Errorf("%w: metadata not serializable: %v", ErrValidation, err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", wrapDBErr("begin revise", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entities (`+entityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		next.ID, next.Kind, next.LineageID, nullable(next.Content), next.Confidence,
		nullable(next.Domain), encodeEmbedding(next.Embedding), next.Status,
		next.Recurrence, nullable(next.Resolution), nil, next.CreatedAt,
		next.ValidFrom, nil, metadataJSON,
	)
	if err != nil {
		return "", wrapDBErr("insert revision", err)
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE entities SET valid_to = ? WHERE id = ? AND valid_to IS NULL",
		now, id)
	if err != nil {
		return "", wrapDBErr("close old version", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return "", fmt.Errorf("%w: entity %s is no longer active", ErrConflict, id)
	}

	edge := &Relationship{
		Type: RelSupersedes, SourceID: id, SourceKind: old.Kind,
		TargetID: next.ID, TargetKind: next.Kind,
	}
	if err := s.insertEdge(ctx, tx, edge); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", wrapDBErr("commit revise", err)
	}
	return next.ID, nil
}

// Archive sets status=archived and valid_to=now. Edges are preserved; the
// row remains as a tombstone for provenance queries.
func (s *SQLiteStore) Archive(ctx context.Context, id, reason string) error {
	e, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("%w: entity %s", ErrNotFound, id)
	}
	if e.Status == StatusArchived {
		return nil
	}

	meta := e.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	if reason != "" {
		meta["archive_reason"] = reason
	}
	metadataJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("%w: metadata not serializable: %v", ErrValidation, err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE entities SET status = ?, valid_to = COALESCE(valid_to, ?), metadata = ?
		WHERE id = ?`,
		StatusArchived, time.Now().UTC(), metadataJSON, id)
	return wrapDBErr("archive entity", err)
}

func buildFilter(f Filter, args *[]interface{}) string {
	var where []string
	if f.Kind != "" {
		where = append(where, "kind = ?")
		*args = append(*args, f.Kind)
	}
	if len(f.Kinds) > 0 {
		ph := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			ph[i] = "?"
			*args = append(*args, k)
		}
		where = append(where, "kind IN ("+strings.Join(ph, ",")+")")
	}
	if f.Domain != "" {
		where = append(where, "domain = ?")
		*args = append(*args, f.Domain)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		*args = append(*args, f.Status)
	}
	if f.ActiveOnly {
		where = append(where, "valid_to IS NULL AND status != ?")
		*args = append(*args, StatusArchived)
	}
	if f.MinRecurrence > 0 {
		where = append(where, "recurrence >= ?")
		*args = append(*args, f.MinRecurrence)
	}
	if len(where) == 0 {
		return "1=1"
	}
	return strings.Join(where, " AND ")
}

func (s *SQLiteStore) queryEntities(ctx context.Context, query string, args ...interface{}) ([]*Entity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBErr("query entities", err)
	}
	defer rows.Close()

	var out []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, wrapDBErr("scan entity", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr("iterate entities", err)
	}
	return out, nil
}

// Query returns entities matching the filter, ordered by created_at then id.
func (s *SQLiteStore) Query(ctx context.Context, f Filter) ([]*Entity, error) {
	var args []interface{}
	where := buildFilter(f, &args)
	return s.queryEntities(ctx,
		"SELECT "+entityColumns+" FROM entities WHERE "+where+" ORDER BY created_at, id",
		args...)
}

// QueryAsOf returns entities whose validity interval contains t.
func (s *SQLiteStore) QueryAsOf(ctx context.Context, f Filter, t time.Time) ([]*Entity, error) {
	f.ActiveOnly = false
	var args []interface{}
	where := buildFilter(f, &args)
	args = append(args, t.UTC(), t.UTC())
	return s.queryEntities(ctx,
		"SELECT "+entityColumns+" FROM entities WHERE "+where+
			" AND valid_from <= ? AND (valid_to IS NULL OR valid_to > ?)"+
			" ORDER BY created_at, id",
		args...)
}

// Nearest returns up to k active entities of kind ranked by cosine
// similarity, ties broken by more recent created_at.
func (s *SQLiteStore) Nearest(ctx context.Context, kind Kind, vec []float32, k int) ([]Match, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive", ErrValidation)
	}
	candidates, err := s.Query(ctx, Filter{Kind: kind, ActiveOnly: true})
	if err != nil {
		return nil, err
	}

	var matches []Match
	for _, e := range candidates {
		if len(e.Embedding) == 0 {
			continue
		}
		matches = append(matches, Match{Entity: e, Score: CosineSimilarity(vec, e.Embedding)})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Entity.CreatedAt.After(matches[j].Entity.CreatedAt)
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

const edgeColumns = `id, type, source_id, source_kind, target_id, target_kind,
	valid_from, valid_to, created_at, attrs`

func scanEdges(rows *sql.Rows) ([]*Relationship, error) {
	var out []*Relationship
	for rows.Next() {
		var r Relationship
		var validTo sql.NullTime
		var attrsJSON []byte
		err := rows.Scan(&r.ID, &r.Type, &r.SourceID, &r.SourceKind,
			&r.TargetID, &r.TargetKind, &r.ValidFrom, &validTo, &r.CreatedAt, &attrsJSON)
		if err != nil {
			return nil, wrapDBErr("scan edge", err)
		}
		if validTo.Valid {
			t := validTo.Time
			r.ValidTo = &t
		}
		if len(attrsJSON) > 0 {
			if err := json.Unmarshal(attrsJSON, &r.Attrs); err != nil {
				return nil, fmt.Errorf("failed to unmarshal edge attrs: %w", err)
			}
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr("iterate edges", err)
	}
	return out, nil
}

// Edges returns all edges incident to an entity, incoming and outgoing.
func (s *SQLiteStore) Edges(ctx context.Context, entityID string) ([]*Relationship, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+edgeColumns+" FROM edges WHERE source_id = ? OR target_id = ? ORDER BY created_at",
		entityID, entityID)
	if err != nil {
		return nil, wrapDBErr("get edges", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

// EdgesBetween returns edges of the given type linking a and b in either
// direction.
func (s *SQLiteStore) EdgesBetween(ctx context.Context, aID, bID string, rel RelType) ([]*Relationship, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+edgeColumns+` FROM edges WHERE type = ?
		 AND ((source_id = ? AND target_id = ?) OR (source_id = ? AND target_id = ?))
		 ORDER BY created_at`,
		rel, aID, bID, bID, aID)
	if err != nil {
		return nil, wrapDBErr("get edges between", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

// EdgesByType returns all edges of one type.
func (s *SQLiteStore) EdgesByType(ctx context.Context, rel RelType, activeOnly bool) ([]*Relationship, error) {
	query := "SELECT " + edgeColumns + " FROM edges WHERE type = ?"
	if activeOnly {
		query += " AND valid_to IS NULL"
	}
	query += " ORDER BY created_at"
	rows, err := s.db.QueryContext(ctx, query, rel)
	if err != nil {
		return nil, wrapDBErr("get edges by type", err)
	}
	defer rows.Close()
	return scanEdges(rows)
}

// IncomingRefCount counts incoming edges, excluding SUPERSEDES version
// plumbing.
func (s *SQLiteStore) IncomingRefCount(ctx context.Context, id string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM edges WHERE target_id = ? AND type != ?",
		id, RelSupersedes).Scan(&n)
	if err != nil {
		return 0, wrapDBErr("count incoming refs", err)
	}
	return n, nil
}

// SetRecurrence updates the recurrence count; decrements are rejected.
func (s *SQLiteStore) SetRecurrence(ctx context.Context, id string, n int) error {
	e, err := s.getActive(ctx, id)
	if err != nil {
		return err
	}
	if n < e.Recurrence {
		return fmt.Errorf("%w: recurrence is monotonic, %d < current %d",
			ErrConflict, n, e.Recurrence)
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE entities SET recurrence = ? WHERE id = ?", n, id)
	return wrapDBErr("set recurrence", err)
}

// IncrementRecurrence bumps the recurrence count by one.
func (s *SQLiteStore) IncrementRecurrence(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE entities SET recurrence = recurrence + 1 WHERE id = ? AND valid_to IS NULL", id)
	if err != nil {
		return wrapDBErr("increment recurrence", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("%w: entity %s", ErrNotFound, id)
	}
	return nil
}

// ResetRecurrence is the only sanctioned decrement; the reason is recorded
// in the entity metadata.
func (s *SQLiteStore) ResetRecurrence(ctx context.Context, id string, reason string) error {
	if reason == "" {
		return fmt.Errorf("%w: reset requires a reason", ErrValidation)
	}
	e, err := s.getActive(ctx, id)
	if err != nil {
		return err
	}
	meta := e.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["recurrence_reset_reason"] = reason
	meta["recurrence_reset_from"] = e.Recurrence
	metadataJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("%w: metadata not serializable: %v", ErrValidation, err)
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE entities SET recurrence = 0, metadata = ? WHERE id = ?",
		metadataJSON, id)
	return wrapDBErr("reset recurrence", err)
}

// SetConfidence updates confidence in place, clamped to (0, 1) exclusive;
// automatic processes never write exactly 0 or 1.
func (s *SQLiteStore) SetConfidence(ctx context.Context, id string, c float64) error {
	const floor, ceil = 0.01, 0.99
	if c < floor {
		c = floor
	}
	if c > ceil {
		c = ceil
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE entities SET confidence = ? WHERE id = ? AND valid_to IS NULL", c, id)
	if err != nil {
		return wrapDBErr("set confidence", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("%w: entity %s", ErrNotFound, id)
	}
	return nil
}

// proposalTransitions is the restricted governance state machine. The engine
// itself never calls UpdateStatus on proposals; only the external governance
// surface does.
var proposalTransitions = map[Status][]Status{
	ProposalPendingReview: {ProposalApproved, ProposalRejected, ProposalNeedsResearch},
	ProposalNeedsResearch: {ProposalApproved, ProposalRejected},
	ProposalApproved:      {ProposalImplemented},
}

// UpdateStatus transitions an entity's status, enforcing pattern
// monotonicity and the proposal governance machine.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id string, next Status) error {
	e, err := s.getActive(ctx, id)
	if err != nil {
		return err
	}
	if next == StatusArchived {
		return fmt.Errorf("%w: archive via Archive, not UpdateStatus", ErrValidation)
	}

	switch e.Kind {
	case KindPattern:
		if e.Status == StatusDeprecated && next != StatusDeprecated {
			return fmt.Errorf("%w: pattern %s is deprecated; a replacement pattern supersedes it via EVOLVED_FROM",
				ErrConflict, id)
		}
		if next == StatusEmerging && e.Status != StatusEmerging {
			return fmt.Errorf("%w: pattern %s cannot regress from %s to emerging",
				ErrConflict, id, e.Status)
		}
	case KindProposal:
		allowed := false
		for _, t := range proposalTransitions[e.Status] {
			if t == next {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: proposal transition %s -> %s not permitted",
				ErrConflict, e.Status, next)
		}
	}

	_, err = s.db.ExecContext(ctx,
		"UPDATE entities SET status = ? WHERE id = ?", next, id)
	return wrapDBErr("update status", err)
}

// Merge folds merged into canonical in a single transaction: edges incident
// to the merged entity are re-pointed to the canonical one (except version
// plumbing and edges between the pair, which are closed), a provenance edge
// records the merge, recurrence counts are summed, and the merged entity is
// archived. A reader never observes a half-merged pair.
func (s *SQLiteStore) Merge(ctx context.Context, canonicalID, mergedID string, rel RelType) error {
	if rel != RelMergedInto && rel != RelEvolvedFrom {
		return fmt.Errorf("%w: merge provenance must be MERGED_INTO or EVOLVED_FROM", ErrValidation)
	}
	canonical, err := s.getActive(ctx, canonicalID)
	if err != nil {
		return err
	}
	merged, err := s.getActive(ctx, mergedID)
	if err != nil {
		return err
	}
	if canonical.LineageID == merged.LineageID {
		return fmt.Errorf("%w: cannot merge versions of the same lineage", ErrConflict)
	}

	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapDBErr("begin merge", err)
	}
	defer tx.Rollback()

	// Close edges between the pair; re-pointing them would create
	// self-loops on the canonical entity.
	_, err = tx.ExecContext(ctx, `
		UPDATE edges SET valid_to = ? WHERE valid_to IS NULL
		AND ((source_id = ? AND target_id = ?) OR (source_id = ? AND target_id = ?))`,
		now, mergedID, canonicalID, canonicalID, mergedID)
	if err != nil {
		return wrapDBErr("close pair edges", err)
	}

	// Re-point remaining incident edges. SUPERSEDES stays on the merged
	// version chain so lineage history remains navigable.
	_, err = tx.ExecContext(ctx, `
		UPDATE edges SET source_id = ?, source_kind = ?
		WHERE source_id = ? AND type != ?`,
		canonicalID, canonical.Kind, mergedID, RelSupersedes)
	if err != nil {
		return wrapDBErr("re-point outgoing edges", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE edges SET target_id = ?, target_kind = ?
		WHERE target_id = ? AND type != ?`,
		canonicalID, canonical.Kind, mergedID, RelSupersedes)
	if err != nil {
		return wrapDBErr("re-point incoming edges", err)
	}

	// Provenance edge, inserted after re-pointing so it is the merged
	// entity's sole remaining outgoing edge.
	edge := &Relationship{
		Type: rel, SourceID: mergedID, SourceKind: merged.Kind,
		TargetID: canonicalID, TargetKind: canonical.Kind,
		Attrs: map[string]interface{}{"merged_at": now.Format(time.RFC3339)},
	}
	if err := s.insertEdge(ctx, tx, edge); err != nil {
		return err
	}

	// Conservation: the canonical recurrence absorbs the merged count.
	_, err = tx.ExecContext(ctx,
		"UPDATE entities SET recurrence = recurrence + ? WHERE id = ?",
		merged.Recurrence, canonicalID)
	if err != nil {
		return wrapDBErr("sum recurrence", err)
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE entities SET status = ?, valid_to = ? WHERE id = ?",
		StatusArchived, now, mergedID)
	if err != nil {
		return wrapDBErr("archive merged entity", err)
	}

	if err := tx.Commit(); err != nil {
		return wrapDBErr("commit merge", err)
	}
	return nil
}

// Unconsolidated returns active entities of the kind with no outgoing
// MERGED_INTO or CRYSTALLIZED_INTO edge.
func (s *SQLiteStore) Unconsolidated(ctx context.Context, kind Kind) ([]*Entity, error) {
	return s.queryEntities(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE kind = ? AND valid_to IS NULL AND status != ?
		AND id NOT IN (SELECT source_id FROM edges WHERE type IN (?, ?))
		ORDER BY created_at, id`,
		kind, StatusArchived, RelMergedInto, RelCrystallizedInto)
}

// FindProposalByKey returns the non-archived proposal with the given key,
// or (nil, nil).
func (s *SQLiteStore) FindProposalByKey(ctx context.Context, key string) (*Entity, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+entityColumns+` FROM entities
		 WHERE kind = ? AND proposal_key = ? AND status != ?
		 ORDER BY created_at DESC LIMIT 1`,
		KindProposal, key, StatusArchived)
	e, err := scanEntity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapDBErr("find proposal", err)
	}
	return e, nil
}

// InheritActive creates INHERITED edges from the session to every active
// entity of the given kinds. The scan and the edge writes share one
// transaction, so entities created after the snapshot boundary are excluded
// and later "what did I know when" queries are exact.
func (s *SQLiteStore) InheritActive(ctx context.Context, sessionID string, kinds []Kind) (map[Kind]int, error) {
	session, err := s.getActive(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapDBErr("begin snapshot", err)
	}
	defer tx.Rollback()

	breakdown := make(map[Kind]int, len(kinds))
	for _, kind := range kinds {
		ids, err := activeIDsBefore(ctx, tx, kind, session.CreatedAt)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			edge := &Relationship{
				Type: RelInherited, SourceID: sessionID, SourceKind: KindSession,
				TargetID: id, TargetKind: kind,
			}
			if err := s.insertEdge(ctx, tx, edge); err != nil {
				return nil, err
			}
		}
		if len(ids) > 0 {
			breakdown[kind] = len(ids)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, wrapDBErr("commit snapshot", err)
	}
	return breakdown, nil
}

func activeIDsBefore(ctx context.Context, tx *sql.Tx, kind Kind, boundary time.Time) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM entities
		WHERE kind = ? AND valid_to IS NULL AND status != ? AND created_at < ?
		ORDER BY created_at, id`,
		kind, StatusArchived, boundary)
	if err != nil {
		return nil, wrapDBErr("snapshot scan", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapDBErr("snapshot scan", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErr("snapshot scan", err)
	}
	return ids, nil
}

// CountActive returns the number of active entities of the kind.
func (s *SQLiteStore) CountActive(ctx context.Context, kind Kind) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM entities WHERE kind = ? AND valid_to IS NULL AND status != ?",
		kind, StatusArchived).Scan(&n)
	if err != nil {
		return 0, wrapDBErr("count active", err)
	}
	return n, nil
}

// AcquirePassLock takes the advisory lock for a maintenance pass type. One
// writer per pass type at a time; readers are unrestricted.
func (s *SQLiteStore) AcquirePassLock(name string) (func(), error) {
	v, _ := s.passLocks.LoadOrStore(name, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	if !mu.TryLock() {
		return nil, fmt.Errorf("%w: pass %q already running", ErrConflict, name)
	}
	return mu.Unlock, nil
}

// Close releases database resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
