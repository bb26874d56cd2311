package comments

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/fablenest/fablenest/internal/apperror"
	"github.com/fablenest/fablenest/internal/optimistic"
	"github.com/fablenest/fablenest/internal/plugins/auth"
	"github.com/fablenest/fablenest/internal/sanitize"
)

const maxCommentLength = 2000

// StoryCatalog is the slice of the catalog this plugin needs: existence
// checks before attaching a thread, and the per-story comment counter.
// Satisfied by stories.StoryRepository.
type StoryCatalog interface {
	Exists(ctx context.Context, id string) (bool, error)
	AdjustCommentCount(ctx context.Context, id string, delta int) error
}

// CommentService is the business logic layer for discussion threads.
type CommentService interface {
	Add(ctx context.Context, author *auth.User, storyID, content string) (*Comment, error)
	Reply(ctx context.Context, author *auth.User, parentID, content string, tagged bool) (*Comment, error)
	ListByStory(ctx context.Context, storyID string) ([]Comment, error)
	ToggleLike(ctx context.Context, commentID, userID string) (*Comment, error)
	Delete(ctx context.Context, commentID string, actor *auth.User) error
}

type commentService struct {
	comments CommentRepository
	catalog  StoryCatalog
}

// NewCommentService creates the comment service.
func NewCommentService(comments CommentRepository, catalog StoryCatalog) CommentService {
	return &commentService{comments: comments, catalog: catalog}
}

// Add posts a top-level comment on a story.
func (s *commentService) Add(ctx context.Context, author *auth.User, storyID, content string) (*Comment, error) {
	content, err := cleanContent(content)
	if err != nil {
		return nil, err
	}

	exists, err := s.catalog.Exists(ctx, storyID)
	if err != nil {
		return nil, apperror.NewInternal(err)
	}
	if !exists {
		return nil, apperror.NewNotFound("story not found")
	}

	comment := newComment(author, storyID, content)
	if err := s.comments.Create(ctx, comment); err != nil {
		return nil, apperror.NewInternal(err)
	}

	s.bumpCommentCount(ctx, storyID, 1)
	return comment, nil
}

// Reply posts a reply under a top-level comment. Threads never go deeper
// than two levels: replying to a reply is rejected.
func (s *commentService) Reply(ctx context.Context, author *auth.User, parentID, content string, tagged bool) (*Comment, error) {
	content, err := cleanContent(content)
	if err != nil {
		return nil, err
	}

	parent, err := s.comments.FindByID(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if !parent.IsTopLevel() {
		return nil, apperror.NewValidation("replies can only be added to top-level comments")
	}

	reply := newComment(author, parent.StoryID, content)
	reply.ParentCommentID = parent.ID
	reply.TaggedReply = tagged
	if err := s.comments.Create(ctx, reply); err != nil {
		return nil, apperror.NewInternal(err)
	}

	// Mirror the reply ID on the parent so a thread renders from one read.
	if _, err := optimistic.Update(ctx, optimistic.DefaultAttempts,
		func(ctx context.Context) (*Comment, error) {
			return s.comments.FindByID(ctx, parentID)
		},
		func(c *Comment) error {
			if !containsString(c.Replies, reply.ID) {
				c.Replies = append(c.Replies, reply.ID)
			}
			return nil
		},
		s.comments.Save,
	); err != nil {
		slog.Warn("reply mirror update failed",
			"parent_id", parentID, "reply_id", reply.ID, "error", err)
	}

	s.bumpCommentCount(ctx, parent.StoryID, 1)
	return reply, nil
}

// ListByStory returns the full thread for a story.
func (s *commentService) ListByStory(ctx context.Context, storyID string) ([]Comment, error) {
	return s.comments.ListByStory(ctx, storyID)
}

// ToggleLike flips the user's like on a comment under the version check.
func (s *commentService) ToggleLike(ctx context.Context, commentID, userID string) (*Comment, error) {
	return optimistic.Update(ctx, optimistic.DefaultAttempts,
		func(ctx context.Context) (*Comment, error) {
			return s.comments.FindByID(ctx, commentID)
		},
		func(c *Comment) error {
			if c.LikedBy(userID) {
				c.Likes = removeString(c.Likes, userID)
			} else {
				c.Likes = append(c.Likes, userID)
			}
			c.LikeCount = len(c.Likes)
			return nil
		},
		s.comments.Save,
	)
}

// Delete removes a comment. Authors can delete their own; staff can delete
// anything. Deleting a top-level comment takes its replies with it.
func (s *commentService) Delete(ctx context.Context, commentID string, actor *auth.User) error {
	comment, err := s.comments.FindByID(ctx, commentID)
	if err != nil {
		return err
	}
	if comment.AuthorID != actor.ID && !actor.IsStaff() {
		return apperror.NewForbidden("you can only delete your own comments")
	}

	removed := 1
	if comment.IsTopLevel() {
		n, err := s.comments.DeleteReplies(ctx, comment.ID)
		if err != nil {
			return apperror.NewInternal(err)
		}
		removed += n
	}

	if err := s.comments.Delete(ctx, comment.ID); err != nil {
		return err
	}

	// Detach a deleted reply from its parent's mirror.
	if !comment.IsTopLevel() {
		if _, err := optimistic.Update(ctx, optimistic.DefaultAttempts,
			func(ctx context.Context) (*Comment, error) {
				return s.comments.FindByID(ctx, comment.ParentCommentID)
			},
			func(c *Comment) error {
				c.Replies = removeString(c.Replies, comment.ID)
				return nil
			},
			s.comments.Save,
		); err != nil {
			slog.Warn("reply unlink failed",
				"parent_id", comment.ParentCommentID, "reply_id", comment.ID, "error", err)
		}
	}

	s.bumpCommentCount(ctx, comment.StoryID, -removed)
	return nil
}

// bumpCommentCount moves the story's counter best effort; a miss leaves the
// counter slightly stale, never the thread.
func (s *commentService) bumpCommentCount(ctx context.Context, storyID string, delta int) {
	if err := s.catalog.AdjustCommentCount(ctx, storyID, delta); err != nil {
		slog.Warn("comment counter update failed",
			"story_id", storyID, "delta", delta, "error", err)
	}
}

func newComment(author *auth.User, storyID, content string) *Comment {
	return &Comment{
		ID:             uuid.NewString(),
		StoryID:        storyID,
		Content:        content,
		AuthorID:       author.ID,
		AuthorUsername: author.Username,
		AuthorPhoto:    author.Photo,
	}
}

// cleanContent strips markup and enforces the length bounds.
func cleanContent(content string) (string, error) {
	content = sanitize.Comment(content)
	if strings.TrimSpace(content) == "" {
		return "", apperror.NewValidation("comment content is required")
	}
	if len(content) > maxCommentLength {
		return "", apperror.NewValidation("comment is too long")
	}
	return content, nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
