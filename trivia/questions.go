package trivia

import (
	"context"
	"database/sql"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var (
	// ErrSetNotFound indicates the named question set does not exist.
	ErrSetNotFound = errors.New("question set not found")
	// ErrSetEmpty indicates the set exists but holds no questions.
	ErrSetEmpty = errors.New("question set has no questions")
)

// Question is one prompt/answer pair. Order within a set is positional.
type Question struct {
	Prompt string
	Answer string
	Reward string
}

// SetInfo summarizes a stored question set.
type SetInfo struct {
	Name          string    `json:"name"`
	Source        string    `json:"source"`
	QuestionCount int       `json:"question_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ParseCSV reads questions from CSV data. The header row must contain
// Question and Answer columns (case-insensitive); a Reward column is
// optional and extra columns are ignored. Rows with a blank question or
// answer are rejected.
func ParseCSV(r io.Reader) ([]Question, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("csv is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	qi, ai, ri := -1, -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "question":
			qi = i
		case "answer":
			ai = i
		case "reward":
			ri = i
		}
	}
	if qi < 0 || ai < 0 {
		return nil, fmt.Errorf("csv header must contain Question and Answer columns")
	}

	field := func(rec []string, idx int) string {
		if idx < 0 || idx >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[idx])
	}

	var questions []Question
	for row := 2; ; row++ {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d: %w", row, err)
		}
		q := Question{
			Prompt: field(rec, qi),
			Answer: field(rec, ai),
			Reward: field(rec, ri),
		}
		if q.Prompt == "" || q.Answer == "" {
			return nil, fmt.Errorf("csv row %d: question and answer are required", row)
		}
		questions = append(questions, q)
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("csv contains no question rows")
	}
	return questions, nil
}

// SaveSet stores a question set under name, replacing any existing set of the
// same name. The set row and all question rows are written in one transaction.
func SaveSet(ctx context.Context, db *sql.DB, name, source string, questions []Question) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("set name required")
	}
	if len(questions) == 0 {
		return fmt.Errorf("%w: %s", ErrSetEmpty, name)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback on error is best effort

	if _, err := tx.ExecContext(ctx, `INSERT INTO question_sets (name, source, question_count, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (name) DO UPDATE SET source=EXCLUDED.source, question_count=EXCLUDED.question_count, updated_at=NOW()`,
		name, source, len(questions)); err != nil {
		return fmt.Errorf("upsert question set: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM questions WHERE set_name=$1`, name); err != nil {
		return fmt.Errorf("clear old questions: %w", err)
	}

	for i, q := range questions {
		if _, err := tx.ExecContext(ctx, `INSERT INTO questions (set_name, position, prompt, answer, reward, created_at)
			VALUES ($1, $2, $3, $4, $5, NOW())`,
			name, i, q.Prompt, q.Answer, q.Reward); err != nil {
			return fmt.Errorf("insert question %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit question set: %w", err)
	}
	return nil
}

// LoadSet returns the questions of a named set in position order.
func LoadSet(ctx context.Context, db *sql.DB, name string) ([]Question, error) {
	rows, err := db.QueryContext(ctx, `SELECT prompt, answer, reward FROM questions WHERE set_name=$1 ORDER BY position`, name)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}
	defer rows.Close()

	var questions []Question
	for rows.Next() {
		var q Question
		if err := rows.Scan(&q.Prompt, &q.Answer, &q.Reward); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		questions = append(questions, q)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate questions: %w", err)
	}

	if len(questions) == 0 {
		var exists bool
		if err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM question_sets WHERE name=$1)`, name).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check question set: %w", err)
		}
		if !exists {
			return nil, fmt.Errorf("%w: %s", ErrSetNotFound, name)
		}
		return nil, fmt.Errorf("%w: %s", ErrSetEmpty, name)
	}
	return questions, nil
}

// ListSets returns stored set summaries ordered by name.
func ListSets(ctx context.Context, db *sql.DB) ([]SetInfo, error) {
	rows, err := db.QueryContext(ctx, `SELECT name, COALESCE(source,''), question_count, created_at, updated_at FROM question_sets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query question sets: %w", err)
	}
	defer rows.Close()

	var sets []SetInfo
	for rows.Next() {
		var s SetInfo
		if err := rows.Scan(&s.Name, &s.Source, &s.QuestionCount, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan question set: %w", err)
		}
		sets = append(sets, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate question sets: %w", err)
	}
	return sets, nil
}

// DeleteSet removes a set and its questions.
func DeleteSet(ctx context.Context, db *sql.DB, name string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM question_sets WHERE name=$1`, name)
	if err != nil {
		return fmt.Errorf("delete question set: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSetNotFound, name)
	}
	return nil
}
