// Package store persists newsletters, extracted problems, and problem
// clusters over database/sql. It supports the postgres and sqlite dialects;
// array-valued fields (topics, signals, embeddings) are stored as JSON text
// so the same schema works in both.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Newsletter source types.
const (
	SourceTypeFile    = "file"
	SourceTypeMailgun = "mailgun"
)

// Problem categories.
var Categories = []string{"pricing", "feature-gap", "ux", "performance", "integration", "other"}

// Problem severities.
var Severities = []string{"low", "medium", "high"}

// Newsletter is a stored newsletter issue.
type Newsletter struct {
	ID               string    `json:"id"`
	ReceivedAt       time.Time `json:"received_at"`
	FromEmail        string    `json:"from_email"`
	FromName         string    `json:"from_name"`
	Subject          string    `json:"subject"`
	HTMLBody         string    `json:"html_body,omitempty"`
	TextBody         string    `json:"text_body"`
	Analyzed         bool      `json:"analyzed"`
	AnalyzedAt       time.Time `json:"analyzed_at,omitzero"`
	SourceType       string    `json:"source_type"`
	OverallSentiment string    `json:"overall_sentiment,omitempty"`
	KeyTopics        []string  `json:"key_topics,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Problem is one extracted pain point.
type Problem struct {
	ID             string    `json:"id"`
	NewsletterID   string    `json:"newsletter_id"`
	Summary        string    `json:"problem_summary"`
	Detail         string    `json:"problem_detail"`
	Category       string    `json:"category"`
	Severity       string    `json:"severity"`
	OriginalQuote  string    `json:"original_quote,omitempty"`
	Context        string    `json:"context,omitempty"`
	Signals        []string  `json:"signals,omitempty"`
	MentionedTools []string  `json:"mentioned_tools,omitempty"`
	TargetAudience string    `json:"target_audience,omitempty"`
	Embedding      []float32 `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// Cluster is a group of similar problems.
type Cluster struct {
	ID           string    `json:"id"`
	Name         string    `json:"cluster_name"`
	Summary      string    `json:"cluster_summary,omitempty"`
	ProblemIDs   []string  `json:"problem_ids"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	MentionCount int       `json:"mention_count"`
}

// Stats summarizes the corpus.
type Stats struct {
	Newsletters         int            `json:"newsletters"`
	AnalyzedNewsletters int            `json:"analyzed_newsletters"`
	Problems            int            `json:"problems"`
	Clusters            int            `json:"clusters"`
	ByCategory          map[string]int `json:"by_category"`
	BySeverity          map[string]int `json:"by_severity"`
}

const (
	createNewslettersTableSQL = `
CREATE TABLE IF NOT EXISTS newsletters (
    id VARCHAR(36) PRIMARY KEY,
    received_at TIMESTAMP NOT NULL,
    from_email TEXT,
    from_name TEXT,
    subject TEXT,
    html_body TEXT,
    text_body TEXT NOT NULL,
    analyzed BOOLEAN NOT NULL DEFAULT FALSE,
    analyzed_at TIMESTAMP,
    source_type VARCHAR(20) NOT NULL,
    overall_sentiment TEXT,
    key_topics TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_newsletters_analyzed ON newsletters(analyzed);
CREATE INDEX IF NOT EXISTS idx_newsletters_received ON newsletters(received_at);
`

	createProblemsTableSQL = `
CREATE TABLE IF NOT EXISTS problems (
    id VARCHAR(36) PRIMARY KEY,
    newsletter_id VARCHAR(36) NOT NULL,
    problem_summary TEXT NOT NULL,
    problem_detail TEXT NOT NULL,
    category VARCHAR(20) NOT NULL,
    severity VARCHAR(10) NOT NULL,
    original_quote TEXT,
    context TEXT,
    signals TEXT,
    mentioned_tools TEXT,
    target_audience TEXT,
    embedding TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (newsletter_id) REFERENCES newsletters(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_problems_newsletter ON problems(newsletter_id);
CREATE INDEX IF NOT EXISTS idx_problems_category ON problems(category);
CREATE INDEX IF NOT EXISTS idx_problems_severity ON problems(severity);
`

	createClustersTableSQL = `
CREATE TABLE IF NOT EXISTS problem_clusters (
    id VARCHAR(36) PRIMARY KEY,
    cluster_name TEXT NOT NULL,
    cluster_summary TEXT,
    problem_ids TEXT,
    first_seen TIMESTAMP NOT NULL,
    last_seen TIMESTAMP NOT NULL,
    mention_count INTEGER NOT NULL DEFAULT 0
);
`
)

// Store is the SQL-backed persistence layer.
type Store struct {
	db      *sql.DB
	dialect string
}

// New creates a store and initializes its schema.
// Supported dialects: postgres, sqlite.
func New(db *sql.DB, dialect string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "sqlite":

	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, sqlite)", dialect)
	}

	s := &Store{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, ddl := range []string{createNewslettersTableSQL, createProblemsTableSQL, createClustersTableSQL} {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create tables: %w", err)
		}
	}
	return nil
}

// bind rewrites ? placeholders to $N for postgres.
func (s *Store) bind(query string) string {
	if s.dialect != "postgres" {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// InsertNewsletter stores a newsletter, assigning id and timestamps when unset.
func (s *Store) InsertNewsletter(ctx context.Context, n *Newsletter) error {
	if n == nil || n.TextBody == "" {
		return fmt.Errorf("newsletter text body is required")
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.SourceType == "" {
		n.SourceType = SourceTypeFile
	}
	now := time.Now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.ReceivedAt.IsZero() {
		n.ReceivedAt = now
	}

	query := `
INSERT INTO newsletters (id, received_at, from_email, from_name, subject, html_body, text_body, analyzed, source_type, key_topics, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`
	_, err := s.db.ExecContext(ctx, s.bind(query),
		n.ID, n.ReceivedAt, n.FromEmail, n.FromName, n.Subject, n.HTMLBody, n.TextBody,
		n.Analyzed, n.SourceType, marshalStrings(n.KeyTopics), n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert newsletter: %w", err)
	}
	return nil
}

const selectNewsletterSQL = `
SELECT id, received_at, from_email, from_name, subject, html_body, text_body, analyzed, analyzed_at, source_type, overall_sentiment, key_topics, created_at
FROM newsletters
`

// GetNewsletter fetches a newsletter by id.
func (s *Store) GetNewsletter(ctx context.Context, id string) (*Newsletter, error) {
	row := s.db.QueryRowContext(ctx, s.bind(selectNewsletterSQL+"WHERE id = ?"), id)
	n, err := scanNewsletter(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read newsletter: %w", err)
	}
	return n, nil
}

// ListNewsletters returns newsletters, newest first.
// When pendingOnly is set, only unanalyzed ones are returned.
func (s *Store) ListNewsletters(ctx context.Context, pendingOnly bool) ([]*Newsletter, error) {
	query := selectNewsletterSQL
	if pendingOnly {
		query += "WHERE analyzed = ? "
	}
	query += "ORDER BY received_at DESC"

	var (
		rows *sql.Rows
		err  error
	)
	if pendingOnly {
		rows, err = s.db.QueryContext(ctx, s.bind(query), false)
	} else {
		rows, err = s.db.QueryContext(ctx, query)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list newsletters: %w", err)
	}
	defer rows.Close()

	var result []*Newsletter
	for rows.Next() {
		n, err := scanNewsletter(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan newsletter: %w", err)
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

// DeleteNewsletter removes a newsletter and its problems.
func (s *Store) DeleteNewsletter(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.bind("DELETE FROM problems WHERE newsletter_id = ?"), id); err != nil {
		return fmt.Errorf("failed to delete problems: %w", err)
	}

	res, err := tx.ExecContext(ctx, s.bind("DELETE FROM newsletters WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("failed to delete newsletter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// SaveAnalysis stores extraction results and marks the newsletter analyzed,
// in one transaction. Problem ids and timestamps are assigned when unset.
func (s *Store) SaveAnalysis(ctx context.Context, newsletterID, sentiment string, topics []string, problems []*Problem) error {
	if newsletterID == "" {
		return fmt.Errorf("newsletter id is required")
	}

	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insertProblem := s.bind(`
INSERT INTO problems (id, newsletter_id, problem_summary, problem_detail, category, severity, original_quote, context, signals, mentioned_tools, target_audience, embedding, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
	for _, p := range problems {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		p.NewsletterID = newsletterID
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		_, err := tx.ExecContext(ctx, insertProblem,
			p.ID, p.NewsletterID, p.Summary, p.Detail, p.Category, p.Severity,
			p.OriginalQuote, p.Context, marshalStrings(p.Signals), marshalStrings(p.MentionedTools),
			p.TargetAudience, marshalEmbedding(p.Embedding), p.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert problem: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, s.bind(`
UPDATE newsletters
SET analyzed = ?, analyzed_at = ?, overall_sentiment = ?, key_topics = ?
WHERE id = ?
`), true, now, sentiment, marshalStrings(topics), newsletterID)
	if err != nil {
		return fmt.Errorf("failed to mark newsletter analyzed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

const selectProblemSQL = `
SELECT id, newsletter_id, problem_summary, problem_detail, category, severity, original_quote, context, signals, mentioned_tools, target_audience, embedding, created_at
FROM problems
`

// GetProblem fetches a problem by id.
func (s *Store) GetProblem(ctx context.Context, id string) (*Problem, error) {
	row := s.db.QueryRowContext(ctx, s.bind(selectProblemSQL+"WHERE id = ?"), id)
	p, err := scanProblem(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read problem: %w", err)
	}
	return p, nil
}

// ListProblems returns all problems, newest first.
func (s *Store) ListProblems(ctx context.Context) ([]*Problem, error) {
	rows, err := s.db.QueryContext(ctx, selectProblemSQL+"ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list problems: %w", err)
	}
	defer rows.Close()

	var result []*Problem
	for rows.Next() {
		p, err := scanProblem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan problem: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// ListEmbeddedProblems returns problems that have an embedding, oldest first,
// which is the order the clusterer consumes them in.
func (s *Store) ListEmbeddedProblems(ctx context.Context) ([]*Problem, error) {
	rows, err := s.db.QueryContext(ctx,
		selectProblemSQL+"WHERE embedding IS NOT NULL ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list embedded problems: %w", err)
	}
	defer rows.Close()

	var result []*Problem
	for rows.Next() {
		p, err := scanProblem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan problem: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// ReplaceClusters swaps the stored cluster set atomically.
func (s *Store) ReplaceClusters(ctx context.Context, clusters []*Cluster) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM problem_clusters"); err != nil {
		return fmt.Errorf("failed to clear clusters: %w", err)
	}

	insert := s.bind(`
INSERT INTO problem_clusters (id, cluster_name, cluster_summary, problem_ids, first_seen, last_seen, mention_count)
VALUES (?, ?, ?, ?, ?, ?, ?)
`)
	for _, c := range clusters {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		_, err := tx.ExecContext(ctx, insert,
			c.ID, c.Name, c.Summary, marshalStrings(c.ProblemIDs), c.FirstSeen, c.LastSeen, c.MentionCount)
		if err != nil {
			return fmt.Errorf("failed to insert cluster: %w", err)
		}
	}

	return tx.Commit()
}

// UpdateClusterSummary records the LLM-generated name and summary.
func (s *Store) UpdateClusterSummary(ctx context.Context, id, name, summary string) error {
	res, err := s.db.ExecContext(ctx, s.bind(`
UPDATE problem_clusters SET cluster_name = ?, cluster_summary = ? WHERE id = ?
`), name, summary, id)
	if err != nil {
		return fmt.Errorf("failed to update cluster summary: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListClusters returns clusters, most mentioned first.
func (s *Store) ListClusters(ctx context.Context) ([]*Cluster, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, cluster_name, cluster_summary, problem_ids, first_seen, last_seen, mention_count
FROM problem_clusters
ORDER BY mention_count DESC
`)
	if err != nil {
		return nil, fmt.Errorf("failed to list clusters: %w", err)
	}
	defer rows.Close()

	var result []*Cluster
	for rows.Next() {
		var (
			c          Cluster
			summary    sql.NullString
			problemIDs sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.Name, &summary, &problemIDs, &c.FirstSeen, &c.LastSeen, &c.MentionCount); err != nil {
			return nil, fmt.Errorf("failed to scan cluster: %w", err)
		}
		c.Summary = summary.String
		c.ProblemIDs = unmarshalStrings(problemIDs.String)
		result = append(result, &c)
	}
	return result, rows.Err()
}

// Stats returns corpus-wide counts.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByCategory: make(map[string]int),
		BySeverity: make(map[string]int),
	}

	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(CASE WHEN analyzed THEN 1 ELSE 0 END), 0) FROM newsletters
`)
	if err := row.Scan(&stats.Newsletters, &stats.AnalyzedNewsletters); err != nil {
		return nil, fmt.Errorf("failed to count newsletters: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM problems").Scan(&stats.Problems); err != nil {
		return nil, fmt.Errorf("failed to count problems: %w", err)
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM problem_clusters").Scan(&stats.Clusters); err != nil {
		return nil, fmt.Errorf("failed to count clusters: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, "SELECT category, COUNT(*) FROM problems GROUP BY category")
	if err != nil {
		return nil, fmt.Errorf("failed to count categories: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var category string
		var count int
		if err := rows.Scan(&category, &count); err != nil {
			return nil, fmt.Errorf("failed to scan category count: %w", err)
		}
		stats.ByCategory[category] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sevRows, err := s.db.QueryContext(ctx, "SELECT severity, COUNT(*) FROM problems GROUP BY severity")
	if err != nil {
		return nil, fmt.Errorf("failed to count severities: %w", err)
	}
	defer sevRows.Close()
	for sevRows.Next() {
		var severity string
		var count int
		if err := sevRows.Scan(&severity, &count); err != nil {
			return nil, fmt.Errorf("failed to scan severity count: %w", err)
		}
		stats.BySeverity[severity] = count
	}
	return stats, sevRows.Err()
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanNewsletter(sc scanner) (*Newsletter, error) {
	var (
		n          Newsletter
		fromEmail  sql.NullString
		fromName   sql.NullString
		subject    sql.NullString
		htmlBody   sql.NullString
		analyzedAt sql.NullTime
		sentiment  sql.NullString
		keyTopics  sql.NullString
	)
	err := sc.Scan(&n.ID, &n.ReceivedAt, &fromEmail, &fromName, &subject, &htmlBody, &n.TextBody,
		&n.Analyzed, &analyzedAt, &n.SourceType, &sentiment, &keyTopics, &n.CreatedAt)
	if err != nil {
		return nil, err
	}
	n.FromEmail = fromEmail.String
	n.FromName = fromName.String
	n.Subject = subject.String
	n.HTMLBody = htmlBody.String
	if analyzedAt.Valid {
		n.AnalyzedAt = analyzedAt.Time
	}
	n.OverallSentiment = sentiment.String
	n.KeyTopics = unmarshalStrings(keyTopics.String)
	return &n, nil
}

func scanProblem(sc scanner) (*Problem, error) {
	var (
		p         Problem
		quote     sql.NullString
		pctx      sql.NullString
		signals   sql.NullString
		tools     sql.NullString
		audience  sql.NullString
		embedding sql.NullString
	)
	err := sc.Scan(&p.ID, &p.NewsletterID, &p.Summary, &p.Detail, &p.Category, &p.Severity,
		&quote, &pctx, &signals, &tools, &audience, &embedding, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.OriginalQuote = quote.String
	p.Context = pctx.String
	p.Signals = unmarshalStrings(signals.String)
	p.MentionedTools = unmarshalStrings(tools.String)
	p.TargetAudience = audience.String
	p.Embedding = unmarshalEmbedding(embedding.String)
	return &p, nil
}

func marshalStrings(values []string) any {
	if len(values) == 0 {
		return nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil
	}
	return string(data)
}

func unmarshalStrings(data string) []string {
	if data == "" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(data), &values); err != nil {
		return nil
	}
	return values
}

func marshalEmbedding(vector []float32) any {
	if len(vector) == 0 {
		return nil
	}
	data, err := json.Marshal(vector)
	if err != nil {
		return nil
	}
	return string(data)
}

func unmarshalEmbedding(data string) []float32 {
	if data == "" {
		return nil
	}
	var vector []float32
	if err := json.Unmarshal([]byte(data), &vector); err != nil {
		return nil
	}
	return vector
}
