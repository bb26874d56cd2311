package stories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fablenest/fablenest/internal/apperror"
	"github.com/fablenest/fablenest/internal/optimistic"
)

// StoryRepository defines the data access contract for story records. Save is
// the single mutation path for existing rows: the version-checked conditional
// update the optimistic helper retries on. Views and comment_count are
// counters, not snapshot state, so they get atomic in-place statements that
// never touch the version column.
type StoryRepository interface {
	Create(ctx context.Context, story *Story) error
	FindByID(ctx context.Context, id string) (*Story, error)
	FindBySlug(ctx context.Context, slug string) (*Story, error)
	List(ctx context.Context, filter ListFilter) ([]Story, int, error)
	SlugExists(ctx context.Context, slug string) (bool, error)
	TitleExists(ctx context.Context, title string) (bool, error)
	Exists(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error

	// Save writes every mutable column WHERE id AND version match the
	// snapshot, incrementing version in the same statement. Returns
	// optimistic.ErrVersionConflict when a concurrent writer won.
	Save(ctx context.Context, story *Story) error

	// IncrementViews bumps the view counter without a version check.
	IncrementViews(ctx context.Context, id string) error

	// AdjustCommentCount moves the comment counter by delta, clamped at
	// zero. Used by the comments plugin when comments come and go.
	AdjustCommentCount(ctx context.Context, id string, delta int) error
}

// storyRepository implements StoryRepository with hand-written MariaDB queries.
type storyRepository struct {
	db *sql.DB
}

// NewStoryRepository creates a story repository backed by the given DB pool.
func NewStoryRepository(db *sql.DB) StoryRepository {
	return &storyRepository{db: db}
}

// storyColumns is the SELECT list shared by every find query. Order must
// match scanStory.
const storyColumns = `id, slug, title, summary, author_id, author_username, image,
	tags, labels, content, content_titles, content_count, read_time,
	likes, like_count, comment_count, ratings, average_rating, rating_count, views,
	free, prize_per_chapter, completed, is_featured,
	version, created_at, updated_at`

// listColumns mirrors storyColumns with the heavy document columns replaced
// by empty literals, so catalog pages never drag chapter bodies off the wire.
const listColumns = `id, slug, title, summary, author_id, author_username, image,
	tags, labels, '[]', content_titles, content_count, read_time,
	'[]', like_count, comment_count, '[]', average_rating, rating_count, views,
	free, prize_per_chapter, completed, is_featured,
	version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanStory reads one row in storyColumns order, decoding the JSON document
// columns into their slice fields.
func scanStory(row rowScanner) (*Story, error) {
	var (
		s             Story
		tags          []byte
		labels        []byte
		content       []byte
		contentTitles []byte
		readTime      []byte
		likes         []byte
		ratings       []byte
	)

	err := row.Scan(
		&s.ID, &s.Slug, &s.Title, &s.Summary, &s.AuthorID, &s.AuthorUsername, &s.Image,
		&tags, &labels, &content, &contentTitles, &s.ContentCount, &readTime,
		&likes, &s.LikeCount, &s.CommentCount, &ratings, &s.AverageRating, &s.RatingCount, &s.Views,
		&s.Free, &s.PrizePerChapter, &s.Completed, &s.IsFeatured,
		&s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	for _, col := range []struct {
		raw  []byte
		dest any
	}{
		{tags, &s.Tags},
		{labels, &s.Labels},
		{content, &s.Content},
		{contentTitles, &s.ContentTitles},
		{readTime, &s.ReadTime},
		{likes, &s.Likes},
		{ratings, &s.Ratings},
	} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.dest); err != nil {
			return nil, fmt.Errorf("decoding story document column: %w", err)
		}
	}

	return &s, nil
}

// storyJSONColumns marshals the document columns for INSERT/UPDATE, in the
// same order both statements bind them.
func storyJSONColumns(s *Story) ([][]byte, error) {
	out := make([][]byte, 0, 7)
	for _, v := range []any{
		s.Tags, s.Labels, s.Content, s.ContentTitles, s.ReadTime, s.Likes, s.Ratings,
	} {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding story document column: %w", err)
		}
		if string(raw) == "null" {
			raw = []byte("[]")
		}
		out = append(out, raw)
	}
	return out, nil
}

// Create inserts a new story row. Version starts at 0.
func (r *storyRepository) Create(ctx context.Context, story *Story) error {
	docs, err := storyJSONColumns(story)
	if err != nil {
		return err
	}

	query := `INSERT INTO stories (
		id, slug, title, summary, author_id, author_username, image,
		tags, labels, content, content_titles, content_count, read_time,
		likes, like_count, comment_count, ratings, average_rating, rating_count, views,
		free, prize_per_chapter, completed, is_featured)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		story.ID, story.Slug, story.Title, story.Summary, story.AuthorID, story.AuthorUsername, story.Image,
		docs[0], docs[1], docs[2], docs[3], story.ContentCount, docs[4],
		docs[5], story.LikeCount, story.CommentCount, docs[6], story.AverageRating, story.RatingCount, story.Views,
		story.Free, story.PrizePerChapter, story.Completed, story.IsFeatured,
	)
	if err != nil {
		return fmt.Errorf("inserting story: %w", err)
	}

	return nil
}

// FindByID retrieves a story by UUID, chapter bodies included.
func (r *storyRepository) FindByID(ctx context.Context, id string) (*Story, error) {
	return r.findOne(ctx, `SELECT `+storyColumns+` FROM stories WHERE id = ?`, id)
}

// FindBySlug retrieves a story by its URL slug.
func (r *storyRepository) FindBySlug(ctx context.Context, slug string) (*Story, error) {
	return r.findOne(ctx, `SELECT `+storyColumns+` FROM stories WHERE slug = ?`, slug)
}

func (r *storyRepository) findOne(ctx context.Context, query string, arg any) (*Story, error) {
	story, err := scanStory(r.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperror.NewNotFound("story not found")
	}
	if err != nil {
		return nil, fmt.Errorf("querying story: %w", err)
	}
	return story, nil
}

// List returns one catalog page plus the unpaged total. Search matches title
// and summary; tag filters on the tags JSON array.
func (r *storyRepository) List(ctx context.Context, filter ListFilter) ([]Story, int, error) {
	where := `WHERE 1 = 1`
	args := []any{}

	if filter.Search != "" {
		where += ` AND (title LIKE ? OR summary LIKE ?)`
		pattern := "%" + filter.Search + "%"
		args = append(args, pattern, pattern)
	}
	if filter.Tag != "" {
		where += ` AND JSON_CONTAINS(tags, JSON_QUOTE(?))`
		args = append(args, filter.Tag)
	}

	var total int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stories `+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting stories: %w", err)
	}

	query := `SELECT ` + listColumns + ` FROM stories ` + where +
		` ORDER BY is_featured DESC, created_at DESC LIMIT ? OFFSET ?`
	args = append(args, filter.Limit, (filter.Page-1)*filter.Limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing stories: %w", err)
	}
	defer rows.Close()

	stories := []Story{}
	for rows.Next() {
		s, err := scanStory(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning story row: %w", err)
		}
		stories = append(stories, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating story rows: %w", err)
	}

	return stories, total, nil
}

// SlugExists returns true if the slug is taken. Used by the collision-suffix
// loop in slug generation.
func (r *storyRepository) SlugExists(ctx context.Context, slug string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM stories WHERE slug = ?)`, slug).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking slug existence: %w", err)
	}
	return exists, nil
}

// TitleExists returns true if a story with this exact title already exists.
func (r *storyRepository) TitleExists(ctx context.Context, title string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM stories WHERE title = ?)`, title).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking title existence: %w", err)
	}
	return exists, nil
}

// Exists reports whether a story row with this ID is present. Used by the
// comments plugin before attaching a thread.
func (r *storyRepository) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM stories WHERE id = ?)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking story existence: %w", err)
	}
	return exists, nil
}

// Delete removes a story row permanently.
func (r *storyRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM stories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting story: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return apperror.NewNotFound("story not found")
	}
	return nil
}

// Save persists every mutable field of the snapshot conditionally on its
// version. On success the in-memory Version is advanced to match the row.
// views and comment_count are deliberately left out: they move through their
// own atomic statements and must not be overwritten by stale snapshots.
func (r *storyRepository) Save(ctx context.Context, story *Story) error {
	docs, err := storyJSONColumns(story)
	if err != nil {
		return err
	}

	query := `UPDATE stories SET
		slug = ?, title = ?, summary = ?, image = ?,
		tags = ?, labels = ?, content = ?, content_titles = ?, content_count = ?, read_time = ?,
		likes = ?, like_count = ?, ratings = ?, average_rating = ?, rating_count = ?,
		free = ?, prize_per_chapter = ?, completed = ?, is_featured = ?,
		version = version + 1
	WHERE id = ? AND version = ?`

	result, err := r.db.ExecContext(ctx, query,
		story.Slug, story.Title, story.Summary, story.Image,
		docs[0], docs[1], docs[2], docs[3], story.ContentCount, docs[4],
		docs[5], story.LikeCount, docs[6], story.AverageRating, story.RatingCount,
		story.Free, story.PrizePerChapter, story.Completed, story.IsFeatured,
		story.ID, story.Version,
	)
	if err != nil {
		return fmt.Errorf("saving story: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if n == 0 {
		return optimistic.ErrVersionConflict
	}

	story.Version++
	return nil
}

// IncrementViews is a plain counter bump, no version involved.
func (r *storyRepository) IncrementViews(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE stories SET views = views + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("incrementing story views: %w", err)
	}
	return nil
}

// AdjustCommentCount moves the counter by delta without going below zero.
func (r *storyRepository) AdjustCommentCount(ctx context.Context, id string, delta int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE stories SET comment_count = GREATEST(CAST(comment_count AS SIGNED) + ?, 0) WHERE id = ?`,
		delta, id)
	if err != nil {
		return fmt.Errorf("adjusting story comment count: %w", err)
	}
	return nil
}
