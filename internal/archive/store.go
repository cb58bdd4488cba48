package archive

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Job statuses. At most one job is in_progress at any instant.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusIdle       = "idle"
	StatusError      = "error"
)

// DefaultTargetMessages is the backfill depth used when a job doesn't set one.
const DefaultTargetMessages = 1000

// Job is one archive job, exactly one per channel.
type Job struct {
	ID                 int64  `json:"id"`
	ChannelID          string `json:"channelId"`
	PeerTitle          string `json:"peerTitle"`
	PeerType           string `json:"peerType"`
	Status             string `json:"status"`
	LastMessageID      int64  `json:"lastMessageId"`
	OldestMessageID    *int64 `json:"oldestMessageId"`
	TargetMessageCount int    `json:"targetMessageCount"`
	MessageCount       int    `json:"messageCount"`
	LastSyncedAt       int64  `json:"lastSyncedAt,omitempty"`
	CreatedAt          int64  `json:"createdAt"`
	UpdatedAt          int64  `json:"updatedAt"`
	Error              string `json:"error,omitempty"`
}

// MessageRecord is one archived message row. Zero Date and empty FromID/Text
// are stored as NULL.
type MessageRecord struct {
	ChannelID string `json:"channelId"`
	MessageID int64  `json:"messageId"`
	Date      int64  `json:"date,omitempty"`
	FromID    string `json:"fromId,omitempty"`
	Text      string `json:"text"`
	RawJSON   string `json:"-"`
}

// MessageStats summarizes a channel's archive.
type MessageStats struct {
	Total   int   `json:"total"`
	MinID   int64 `json:"minId"`
	MaxID   int64 `json:"maxId"`
	MinDate int64 `json:"minDate"`
	MaxDate int64 `json:"maxDate"`
}

// Store is the embedded archive database. The sync worker writes messages
// and job progress; the scheduleMessageSync tool upserts job rows; the other
// tools only read, concurrently.
type Store struct {
	db *sql.DB
}

func OpenStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	s := &Store{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id TEXT NOT NULL UNIQUE,
			peer_title TEXT NOT NULL DEFAULT '',
			peer_type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			last_message_id INTEGER NOT NULL DEFAULT 0,
			oldest_message_id INTEGER,
			target_message_count INTEGER NOT NULL DEFAULT 1000,
			message_count INTEGER NOT NULL DEFAULT 0,
			last_synced_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, updated_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			channel_id TEXT NOT NULL,
			message_id INTEGER NOT NULL,
			date INTEGER,
			from_id TEXT,
			text TEXT,
			raw_json TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			PRIMARY KEY (channel_id, message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_date ON messages(channel_id, date)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// migrate adds the columns that older archives predate. Additive only.
func (s *Store) migrate() error {
	cols, err := s.tableColumns("jobs")
	if err != nil {
		return err
	}
	adds := map[string]string{
		"oldest_message_id":    "ALTER TABLE jobs ADD COLUMN oldest_message_id INTEGER",
		"target_message_count": "ALTER TABLE jobs ADD COLUMN target_message_count INTEGER NOT NULL DEFAULT 1000",
		"message_count":        "ALTER TABLE jobs ADD COLUMN message_count INTEGER NOT NULL DEFAULT 0",
	}
	for col, stmt := range adds {
		if cols[col] {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate jobs.%s: %w", col, err)
		}
	}
	return nil
}

func (s *Store) tableColumns(table string) (map[string]bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("table info %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return nil, fmt.Errorf("scan table info: %w", err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

const jobColumns = `id, channel_id, peer_title, peer_type, status,
	last_message_id, oldest_message_id, target_message_count, message_count,
	last_synced_at, created_at, updated_at, error`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var (
		j          Job
		oldest     sql.NullInt64
		lastSynced sql.NullInt64
		errText    sql.NullString
	)
	err := row.Scan(&j.ID, &j.ChannelID, &j.PeerTitle, &j.PeerType, &j.Status,
		&j.LastMessageID, &oldest, &j.TargetMessageCount, &j.MessageCount,
		&lastSynced, &j.CreatedAt, &j.UpdatedAt, &errText)
	if err != nil {
		return nil, err
	}
	if oldest.Valid {
		v := oldest.Int64
		j.OldestMessageID = &v
	}
	if lastSynced.Valid {
		j.LastSyncedAt = lastSynced.Int64
	}
	if errText.Valid {
		j.Error = errText.String
	}
	return &j, nil
}

// UpsertJob creates or re-queues the job for a channel: status returns to
// pending, the error clears and the target depth is updated.
func (s *Store) UpsertJob(channelID, peerTitle, peerType string, target int) (*Job, error) {
	if target <= 0 {
		target = DefaultTargetMessages
	}
	now := time.Now().UnixMilli()
	_, err := s.db.Exec(`
		INSERT INTO jobs (channel_id, peer_title, peer_type, status, target_message_count, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			status = 'pending',
			error = NULL,
			target_message_count = excluded.target_message_count,
			peer_title = CASE WHEN excluded.peer_title != '' THEN excluded.peer_title ELSE jobs.peer_title END,
			peer_type = CASE WHEN excluded.peer_type != '' THEN excluded.peer_type ELSE jobs.peer_type END,
			updated_at = excluded.updated_at
	`, channelID, peerTitle, peerType, target, now, now)
	if err != nil {
		return nil, fmt.Errorf("upsert job %s: %w", channelID, err)
	}
	return s.GetJob(channelID)
}

func (s *Store) GetJob(channelID string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE channel_id = ?`, channelID)
	j, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get job %s: %w", channelID, err)
	}
	return j, nil
}

// ListJobs returns every job, most recently touched first.
func (s *Store) ListJobs() ([]*Job, error) {
	rows, err := s.db.Query(`SELECT ` + jobColumns + ` FROM jobs ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// NextJob picks the oldest waiting job, or nil when the queue is drained.
func (s *Store) NextJob() (*Job, error) {
	row := s.db.QueryRow(`
		SELECT ` + jobColumns + ` FROM jobs
		WHERE status IN ('pending', 'in_progress')
		ORDER BY updated_at ASC
		LIMIT 1
	`)
	j, err := scanJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("next job: %w", err)
	}
	return j, nil
}

// JobUpdate names the fields UpdateJob touches; nil pointers are left alone.
type JobUpdate struct {
	Status             *string
	PeerTitle          *string
	PeerType           *string
	LastMessageID      *int64
	OldestMessageID    *int64
	TargetMessageCount *int
	MessageCount       *int
	LastSyncedAt       *int64
	Error              *string
	ClearError         bool
}

func (s *Store) UpdateJob(id int64, u JobUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UnixMilli()}

	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if u.Status != nil {
		add("status", *u.Status)
	}
	if u.PeerTitle != nil {
		add("peer_title", *u.PeerTitle)
	}
	if u.PeerType != nil {
		add("peer_type", *u.PeerType)
	}
	if u.LastMessageID != nil {
		add("last_message_id", *u.LastMessageID)
	}
	if u.OldestMessageID != nil {
		add("oldest_message_id", *u.OldestMessageID)
	}
	if u.TargetMessageCount != nil {
		add("target_message_count", *u.TargetMessageCount)
	}
	if u.MessageCount != nil {
		add("message_count", *u.MessageCount)
	}
	if u.LastSyncedAt != nil {
		add("last_synced_at", *u.LastSyncedAt)
	}
	if u.Error != nil {
		add("error", *u.Error)
	} else if u.ClearError {
		sets = append(sets, "error = NULL")
	}

	args = append(args, id)
	_, err := s.db.Exec("UPDATE jobs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update job %d: %w", id, err)
	}
	return nil
}

// MarkJobError parks the job with its failure text. It stays parked until a
// fresh scheduleMessageSync re-queues it.
func (s *Store) MarkJobError(id int64, msg string) error {
	_, err := s.db.Exec(`UPDATE jobs SET status = 'error', error = ?, updated_at = ? WHERE id = ?`,
		msg, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("mark job %d error: %w", id, err)
	}
	return nil
}

// InsertMessages writes one chunk in a single transaction. Conflicts on
// (channel_id, message_id) are ignored, so re-inserting is idempotent.
func (s *Store) InsertMessages(records []MessageRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO messages (channel_id, message_id, date, from_id, text, raw_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, r := range records {
		_, err := stmt.Exec(r.ChannelID, r.MessageID,
			nullInt64(r.Date), nullString(r.FromID), nullString(r.Text),
			r.RawJSON, now)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert message %s/%d: %w", r.ChannelID, r.MessageID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

func (s *Store) CountMessages(channelID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM messages WHERE channel_id = ?`, channelID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages %s: %w", channelID, err)
	}
	return n, nil
}

func (s *Store) MessageStats(channelID string) (MessageStats, error) {
	var (
		stats MessageStats
		minID, maxID, minDate, maxDate sql.NullInt64
	)
	err := s.db.QueryRow(`
		SELECT COUNT(1), MIN(message_id), MAX(message_id), MIN(date), MAX(date)
		FROM messages WHERE channel_id = ?
	`, channelID).Scan(&stats.Total, &minID, &maxID, &minDate, &maxDate)
	if err != nil {
		return MessageStats{}, fmt.Errorf("message stats %s: %w", channelID, err)
	}
	stats.MinID, stats.MaxID = minID.Int64, maxID.Int64
	stats.MinDate, stats.MaxDate = minDate.Int64, maxDate.Int64
	return stats, nil
}

// SearchMessages scans a channel's archive newest-first, applying the given
// regular expression (Go RE2 syntax) to each message's text.
func (s *Store) SearchMessages(channelID, pattern string, limit int, caseInsensitive bool) ([]MessageRecord, error) {
	expr := pattern
	if caseInsensitive {
		expr = "(?i)" + pattern
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", pattern, err)
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(`
		SELECT channel_id, message_id, date, from_id, text, raw_json
		FROM messages WHERE channel_id = ?
		ORDER BY message_id DESC
	`, channelID)
	if err != nil {
		return nil, fmt.Errorf("search messages %s: %w", channelID, err)
	}
	defer rows.Close()

	var out []MessageRecord
	for rows.Next() {
		var (
			r      MessageRecord
			date   sql.NullInt64
			fromID sql.NullString
			text   sql.NullString
		)
		if err := rows.Scan(&r.ChannelID, &r.MessageID, &date, &fromID, &text, &r.RawJSON); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		r.Date, r.FromID, r.Text = date.Int64, fromID.String, text.String
		if !re.MatchString(r.Text) {
			continue
		}
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

// Messages returns a channel's archived rows, newest first, up to limit.
func (s *Store) Messages(channelID string, limit int) ([]MessageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT channel_id, message_id, date, from_id, text, raw_json
		FROM messages WHERE channel_id = ?
		ORDER BY message_id DESC LIMIT ?
	`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("load messages %s: %w", channelID, err)
	}
	defer rows.Close()

	var out []MessageRecord
	for rows.Next() {
		var (
			r      MessageRecord
			date   sql.NullInt64
			fromID sql.NullString
			text   sql.NullString
		)
		if err := rows.Scan(&r.ChannelID, &r.MessageID, &date, &fromID, &text, &r.RawJSON); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		r.Date, r.FromID, r.Text = date.Int64, fromID.String, text.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
