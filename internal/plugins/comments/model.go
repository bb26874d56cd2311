// Package comments owns the story discussion threads. Threads are exactly
// two levels deep: top-level comments on a story, and replies whose parent
// must itself be top-level. Reply IDs are mirrored on the parent so a
// thread can be assembled from a single per-story read.
package comments

import (
	"time"
)

// Comment is the domain model for the comments table. The author fields are
// a snapshot taken at posting time; they do not follow later profile edits.
type Comment struct {
	ID      string `json:"id"`
	StoryID string `json:"story_id"`
	Content string `json:"content"`

	AuthorID       string `json:"author_id"`
	AuthorUsername string `json:"author_username"`
	AuthorPhoto    string `json:"author_photo,omitempty"`

	Likes     []string `json:"-"`
	LikeCount int      `json:"like_count"`

	// ParentCommentID is empty for top-level comments.
	ParentCommentID string   `json:"parent_comment_id,omitempty"`
	Replies         []string `json:"replies"`
	TaggedReply     bool     `json:"tagged_reply"`

	Version   int64     `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"-"`
}

// IsTopLevel reports whether this comment can accept replies.
func (c *Comment) IsTopLevel() bool {
	return c.ParentCommentID == ""
}

// LikedBy reports whether the user is in the likes array.
func (c *Comment) LikedBy(userID string) bool {
	for _, id := range c.Likes {
		if id == userID {
			return true
		}
	}
	return false
}

// CommentRequest is the body of the add-comment and add-reply endpoints.
type CommentRequest struct {
	Content     string `json:"content"`
	TaggedReply bool   `json:"tagged_reply"`
}
