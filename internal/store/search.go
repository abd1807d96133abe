package store

import (
	"strings"

	"github.com/jiunbae/aily/internal/db"
	"github.com/jiunbae/aily/internal/models"
	"github.com/jiunbae/aily/internal/relay"
)

// SearchResult is one full-text hit with a highlighted snippet.
type SearchResult struct {
	MessageID   uint   `json:"id"`
	SessionName string `json:"session_name"`
	Role        string `json:"role"`
	Source      string `json:"source"`
	Snippet     string `json:"snippet"`
	Timestamp   string `json:"timestamp"`
}

// Search runs a full-text query over message content. sessionName narrows
// to one session; empty searches everything. With no FTS5 module in the
// sqlite build, search degrades to a LIKE scan.
func (s *Store) Search(sessionName, query string, limit int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, relay.Errorf(relay.KindInvalidArg, "store: empty search query")
	}
	if limit <= 0 {
		limit = 50
	}
	if db.HasFTS(s.db) {
		return s.searchFTS(sessionName, query, limit)
	}
	return s.searchLike(sessionName, query, limit)
}

func (s *Store) searchFTS(sessionName, query string, limit int) ([]SearchResult, error) {
	sql := `SELECT m.id, m.session_name, m.role, m.source, m.timestamp,
		snippet(messages_fts, 0, '<b>', '</b>', '…', 12) AS snip
		FROM messages_fts f
		JOIN messages m ON m.id = f.rowid
		WHERE messages_fts MATCH ?`
	args := []interface{}{ftsQuote(query)}
	if sessionName != "" {
		sql += " AND m.session_name = ?"
		args = append(args, sessionName)
	}
	sql += " ORDER BY m.timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Raw(sql, args...).Rows()
	if err != nil {
		return nil, relay.Wrap(relay.KindStorage, err, "store: search %q", query)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.MessageID, &r.SessionName, &r.Role, &r.Source, &r.Timestamp, &r.Snippet); err != nil {
			return nil, relay.Wrap(relay.KindStorage, err, "store: search scan")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) searchLike(sessionName, query string, limit int) ([]SearchResult, error) {
	q := s.db.Model(&models.Message{}).
		Where("instr(lower(content), lower(?)) > 0", query)
	if sessionName != "" {
		q = q.Where("session_name = ?", sessionName)
	}
	var msgs []models.Message
	if err := q.Order("timestamp DESC").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, relay.Wrap(relay.KindStorage, err, "store: search %q", query)
	}
	out := make([]SearchResult, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, SearchResult{
			MessageID:   m.ID,
			SessionName: m.SessionName,
			Role:        m.Role,
			Source:      m.Source,
			Snippet:     snippetAround(m.Content, query),
			Timestamp:   m.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	return out, nil
}

// snippetAround extracts a short window of content around the first match.
func snippetAround(content, query string) string {
	const window = 60
	idx := strings.Index(strings.ToLower(content), strings.ToLower(query))
	if idx < 0 {
		if len(content) > 2*window {
			return content[:2*window] + "…"
		}
		return content
	}
	start := idx - window
	if start < 0 {
		start = 0
	}
	end := idx + len(query) + window
	if end > len(content) {
		end = len(content)
	}
	snip := content[start:end]
	if start > 0 {
		snip = "…" + snip
	}
	if end < len(content) {
		snip += "…"
	}
	return snip
}

// ftsQuote turns free text into a phrase-safe FTS5 query: each token is
// double-quoted so user input cannot inject MATCH operators.
func ftsQuote(q string) string {
	fields := strings.Fields(q)
	for i, f := range fields {
		fields[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
	}
	return strings.Join(fields, " ")
}
