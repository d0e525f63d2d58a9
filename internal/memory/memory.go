// Package memory implements conversational context memory, grounded
// directly on the original memory/context_memory.py: the same Jaccard
// word-set similarity search over past conversations, the same
// recent-context windowing, the same prune-by-age policy — ported from a
// single JSON file to the shared SQLite database (internal/store) for
// durability and concurrent access, per SPEC_FULL.md §4.8.
package memory

import (
	"database/sql"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yayoboy/oxide-mesh/internal/shared"
	"github.com/yayoboy/oxide-mesh/internal/store"
)

// Memory is the context-memory service bound to a shared store.DB.
type Memory struct {
	db *store.DB
}

// New returns a Memory bound to db.
func New(db *store.DB) *Memory {
	return &Memory{db: db}
}

// AddContext appends a message to conversation convID, creating the
// conversation row if it doesn't exist yet, matching add_context.
func (m *Memory) AddContext(convID string, role shared.Role, content string, metadata map[string]string) (shared.Message, error) {
	now := time.Now()
	meta, err := json.Marshal(metadata)
	if err != nil {
		return shared.Message{}, err
	}

	var exists int
	if err := m.db.QueryRow(`SELECT COUNT(1) FROM conversations WHERE id = ?`, convID).Scan(&exists); err != nil {
		return shared.Message{}, err
	}
	if exists == 0 {
		if _, err := m.db.Exec(
			`INSERT INTO conversations (id, created_at, updated_at, metadata) VALUES (?, ?, ?, ?)`,
			convID, now.Unix(), now.Unix(), "{}",
		); err != nil {
			return shared.Message{}, err
		}
	} else {
		if _, err := m.db.Exec(`UPDATE conversations SET updated_at = ? WHERE id = ?`, now.Unix(), convID); err != nil {
			return shared.Message{}, err
		}
	}

	msg := shared.Message{
		ID:        convID + "_" + uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: now,
		Metadata:  metadata,
	}
	_, err = m.db.Exec(
		`INSERT INTO messages (id, conversation_id, role, content, timestamp, metadata) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, convID, string(role), content, now.Unix(), string(meta),
	)
	return msg, err
}

// GetConversation loads the full conversation by id, or (nil, nil) if it
// doesn't exist.
func (m *Memory) GetConversation(convID string) (*shared.Conversation, error) {
	var conv shared.Conversation
	var createdAt, updatedAt int64
	err := m.db.QueryRow(
		`SELECT id, created_at, updated_at FROM conversations WHERE id = ?`, convID,
	).Scan(&conv.ID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	conv.CreatedAt = time.Unix(createdAt, 0)
	conv.UpdatedAt = time.Unix(updatedAt, 0)

	conv.Messages, err = m.messagesFor(convID)
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (m *Memory) messagesFor(convID string) ([]shared.Message, error) {
	rows, err := m.db.Query(
		`SELECT id, role, content, timestamp, metadata FROM messages WHERE conversation_id = ? ORDER BY timestamp ASC`,
		convID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []shared.Message
	for rows.Next() {
		var msg shared.Message
		var ts int64
		var role, meta string
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &ts, &meta); err != nil {
			return nil, err
		}
		msg.Role = shared.Role(role)
		msg.Timestamp = time.Unix(ts, 0)
		_ = json.Unmarshal([]byte(meta), &msg.Metadata)
		out = append(out, msg)
	}
	return out, rows.Err()
}

// RecentContext returns up to maxMessages messages from convID newer than
// maxAge, newest first — matching get_recent_context's
// reversed(messages[-max_messages:]).
func (m *Memory) RecentContext(convID string, maxMessages int, maxAge time.Duration) ([]shared.Message, error) {
	all, err := m.messagesFor(convID)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-maxAge)
	var filtered []shared.Message
	for _, msg := range all {
		if msg.Timestamp.After(cutoff) {
			filtered = append(filtered, msg)
		}
	}
	if len(filtered) > maxMessages {
		filtered = filtered[len(filtered)-maxMessages:]
	}
	for i, j := 0, len(filtered)-1; i < j; i, j = i+1, j-1 {
		filtered[i], filtered[j] = filtered[j], filtered[i]
	}
	return filtered, nil
}

// similarConversation pairs a conversation id with its Jaccard score.
type similarConversation struct {
	convID string
	score  float64
}

// SearchSimilar scores every conversation's full content against query
// using Jaccard similarity over lowercased word sets, matching
// search_similar_conversations, returning matches at or above
// minSimilarity, highest first, capped at limit.
func (m *Memory) SearchSimilar(query string, limit int, minSimilarity float64) ([]string, error) {
	queryWords := wordSet(query)
	if len(queryWords) == 0 {
		return nil, nil
	}

	rows, err := m.db.Query(`SELECT id FROM conversations`)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var scored []similarConversation
	for _, id := range ids {
		msgs, err := m.messagesFor(id)
		if err != nil {
			return nil, err
		}
		var content strings.Builder
		for _, msg := range msgs {
			content.WriteString(msg.Content)
			content.WriteString(" ")
		}
		score := jaccard(queryWords, wordSet(content.String()))
		if score >= minSimilarity {
			scored = append(scored, similarConversation{convID: id, score: score})
		}
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if limit > 0 && len(scored) > limit {
		scored = scored[:limit]
	}

	out := make([]string, len(scored))
	for i, s := range scored {
		out[i] = s.convID
	}
	return out, nil
}

// ContextForTask composes similarity search (top 3 matches, min
// similarity 0.3) with a per-conversation recency window, matching
// get_context_for_task. category is accepted for signature parity with
// the task-classification pipeline that calls this (the original does
// not filter similarity search by category either).
func (m *Memory) ContextForTask(category shared.Category, query string, maxPerConv int, maxAge time.Duration) ([]shared.Message, error) {
	matches, err := m.SearchSimilar(query, 3, 0.3)
	if err != nil {
		return nil, err
	}

	var out []shared.Message
	for _, convID := range matches {
		recent, err := m.RecentContext(convID, maxPerConv, maxAge)
		if err != nil {
			return nil, err
		}
		out = append(out, recent...)
	}
	return out, nil
}

// PruneOld removes every conversation (and its messages) last updated
// before cutoff, matching prune_old_conversations.
func (m *Memory) PruneOld(cutoff time.Time) (int64, error) {
	res, err := m.db.Exec(`DELETE FROM messages WHERE conversation_id IN (SELECT id FROM conversations WHERE updated_at < ?)`, cutoff.Unix())
	if err != nil {
		return 0, err
	}
	if _, err := res.RowsAffected(); err != nil {
		return 0, err
	}
	res, err = m.db.Exec(`DELETE FROM conversations WHERE updated_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Statistics mirrors get_statistics: total conversation and message counts.
func (m *Memory) Statistics() (conversations, messages int64, err error) {
	if err = m.db.QueryRow(`SELECT COUNT(1) FROM conversations`).Scan(&conversations); err != nil {
		return
	}
	err = m.db.QueryRow(`SELECT COUNT(1) FROM messages`).Scan(&messages)
	return
}

func wordSet(s string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for w := range a {
		if _, ok := b[w]; ok {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
