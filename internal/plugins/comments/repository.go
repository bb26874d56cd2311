package comments

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fablenest/fablenest/internal/apperror"
	"github.com/fablenest/fablenest/internal/optimistic"
)

// CommentRepository defines the data access contract for comment records.
type CommentRepository interface {
	Create(ctx context.Context, comment *Comment) error
	FindByID(ctx context.Context, id string) (*Comment, error)
	ListByStory(ctx context.Context, storyID string) ([]Comment, error)
	Delete(ctx context.Context, id string) error

	// DeleteReplies removes every reply under a top-level comment and
	// returns how many rows went.
	DeleteReplies(ctx context.Context, parentID string) (int, error)

	// Save writes the mutable columns WHERE id AND version match, bumping
	// version in the same statement. Returns optimistic.ErrVersionConflict
	// on a lost race.
	Save(ctx context.Context, comment *Comment) error
}

type commentRepository struct {
	db *sql.DB
}

// NewCommentRepository creates a comment repository backed by the given DB pool.
func NewCommentRepository(db *sql.DB) CommentRepository {
	return &commentRepository{db: db}
}

const commentColumns = `id, story_id, content, author_id, author_username, author_photo,
	likes, like_count, parent_comment_id, replies, tagged_reply,
	version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanComment(row rowScanner) (*Comment, error) {
	var (
		c       Comment
		likes   []byte
		parent  sql.NullString
		replies []byte
	)

	err := row.Scan(
		&c.ID, &c.StoryID, &c.Content, &c.AuthorID, &c.AuthorUsername, &c.AuthorPhoto,
		&likes, &c.LikeCount, &parent, &replies, &c.TaggedReply,
		&c.Version, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	c.ParentCommentID = parent.String
	for _, col := range []struct {
		raw  []byte
		dest any
	}{
		{likes, &c.Likes},
		{replies, &c.Replies},
	} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.dest); err != nil {
			return nil, fmt.Errorf("decoding comment document column: %w", err)
		}
	}

	return &c, nil
}

func commentJSONColumns(c *Comment) ([][]byte, error) {
	out := make([][]byte, 0, 2)
	for _, v := range []any{c.Likes, c.Replies} {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding comment document column: %w", err)
		}
		if string(raw) == "null" {
			raw = []byte("[]")
		}
		out = append(out, raw)
	}
	return out, nil
}

// nullableParent maps the empty string to SQL NULL so the foreign key on
// parent_comment_id stays satisfiable.
func nullableParent(id string) any {
	if id == "" {
		return nil
	}
	return id
}

// Create inserts a new comment row. Version starts at 0.
func (r *commentRepository) Create(ctx context.Context, comment *Comment) error {
	docs, err := commentJSONColumns(comment)
	if err != nil {
		return err
	}

	query := `INSERT INTO comments (
		id, story_id, content, author_id, author_username, author_photo,
		likes, like_count, parent_comment_id, replies, tagged_reply)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		comment.ID, comment.StoryID, comment.Content,
		comment.AuthorID, comment.AuthorUsername, comment.AuthorPhoto,
		docs[0], comment.LikeCount, nullableParent(comment.ParentCommentID),
		docs[1], comment.TaggedReply,
	)
	if err != nil {
		return fmt.Errorf("inserting comment: %w", err)
	}

	return nil
}

// FindByID retrieves a comment by UUID.
func (r *commentRepository) FindByID(ctx context.Context, id string) (*Comment, error) {
	comment, err := scanComment(r.db.QueryRowContext(ctx,
		`SELECT `+commentColumns+` FROM comments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("comment not found")
	}
	if err != nil {
		return nil, fmt.Errorf("querying comment: %w", err)
	}
	return comment, nil
}

// ListByStory returns the full thread for a story, oldest first. Clients
// assemble nesting from parent_comment_id and the replies mirror.
func (r *commentRepository) ListByStory(ctx context.Context, storyID string) ([]Comment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+commentColumns+` FROM comments WHERE story_id = ? ORDER BY created_at ASC`,
		storyID)
	if err != nil {
		return nil, fmt.Errorf("listing comments: %w", err)
	}
	defer rows.Close()

	comments := []Comment{}
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning comment row: %w", err)
		}
		comments = append(comments, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating comment rows: %w", err)
	}

	return comments, nil
}

// Delete removes one comment row.
func (r *commentRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM comments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting comment: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return apperror.NewNotFound("comment not found")
	}
	return nil
}

// DeleteReplies removes the whole reply set under a parent.
func (r *commentRepository) DeleteReplies(ctx context.Context, parentID string) (int, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM comments WHERE parent_comment_id = ?`, parentID)
	if err != nil {
		return 0, fmt.Errorf("deleting replies: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading affected rows: %w", err)
	}
	return int(n), nil
}

// Save persists the mutable fields conditionally on the version. On success
// the in-memory Version is advanced to match the row.
func (r *commentRepository) Save(ctx context.Context, comment *Comment) error {
	docs, err := commentJSONColumns(comment)
	if err != nil {
		return err
	}

	query := `UPDATE comments SET
		content = ?, likes = ?, like_count = ?, replies = ?,
		version = version + 1
	WHERE id = ? AND version = ?`

	result, err := r.db.ExecContext(ctx, query,
		comment.Content, docs[0], comment.LikeCount, docs[1],
		comment.ID, comment.Version,
	)
	if err != nil {
		return fmt.Errorf("saving comment: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return optimistic.ErrVersionConflict
	}

	comment.Version++
	return nil
}
