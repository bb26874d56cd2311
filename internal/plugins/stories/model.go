// Package stories owns the catalog: chaptered story content, social state
// (likes, ratings), and the paywall that gates non-free chapters behind the
// voucher balance.
package stories

import (
	"time"
)

// FreeChapterCount is the free tier: the first chapters of every story
// (0-based indices below this) are always readable without payment.
const FreeChapterCount = 5

// Rating is one user's 1..5 score inside the story's ratings array.
// average_rating and rating_count are always recomputed from this array,
// never drifted incrementally.
type Rating struct {
	UserID string `json:"user_id"`
	Rating int    `json:"rating"`
}

// Story is the domain model for the stories table. Chapter bodies and the
// ratings array are excluded from list/detail JSON; chapters are delivered
// through the paywall endpoint only.
type Story struct {
	ID             string   `json:"id"`
	Slug           string   `json:"slug"`
	Title          string   `json:"title"`
	Summary        string   `json:"summary"`
	AuthorID       string   `json:"author_id"`
	AuthorUsername string   `json:"author_username"`
	Image          string   `json:"image,omitempty"`
	Tags           []string `json:"tags"`
	Labels         []string `json:"labels"`

	Content       []string `json:"-"` // Chapter bodies, never listed.
	ContentTitles []string `json:"content_titles"`
	ContentCount  int      `json:"content_count"`
	ReadTime      []int    `json:"read_time"` // Minutes per chapter.

	Likes         []string `json:"-"`
	LikeCount     int      `json:"like_count"`
	CommentCount  int      `json:"comment_count"`
	Ratings       []Rating `json:"-"`
	AverageRating float64  `json:"average_rating"`
	RatingCount   int      `json:"rating_count"`
	Views         int      `json:"views"`

	Free            bool `json:"free"`
	PrizePerChapter int  `json:"prize_per_chapter"`
	Completed       bool `json:"completed"`
	IsFeatured      bool `json:"is_featured"`

	Version   int64     `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"-"`
}

// LikedBy reports whether the user is in the likes array.
func (s *Story) LikedBy(userID string) bool {
	for _, id := range s.Likes {
		if id == userID {
			return true
		}
	}
	return false
}

// RecomputeDerived rebuilds every derived field from its source array.
// Called inside the mutate step of each conditional update so the
// invariants hold after every write.
func (s *Story) RecomputeDerived() {
	s.LikeCount = len(s.Likes)
	s.RatingCount = len(s.Ratings)
	if len(s.Ratings) == 0 {
		s.AverageRating = 0
	} else {
		sum := 0
		for _, r := range s.Ratings {
			sum += r.Rating
		}
		s.AverageRating = float64(sum) / float64(len(s.Ratings))
	}
	s.ContentCount = len(s.Content)
}

// --- Request DTOs ---

// ChapterInput is one chapter in a create/update request.
type ChapterInput struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// StoryRequest is the body of the admin create/update endpoints.
type StoryRequest struct {
	Title           string         `json:"title"`
	Summary         string         `json:"summary"`
	Image           string         `json:"image"`
	Tags            []string       `json:"tags"`
	Labels          []string       `json:"labels"`
	Chapters        []ChapterInput `json:"chapters"`
	Free            bool           `json:"free"`
	PrizePerChapter int            `json:"prize_per_chapter"`
	Completed       bool           `json:"completed"`
	IsFeatured      bool           `json:"is_featured"`
}

// RateRequest is the body of POST /stories/:id/rating.
type RateRequest struct {
	Rating int `json:"rating"`
}

// ChaptersRequest is the body of the paywall endpoint: the 0-based chapter
// indices the client wants to read.
type ChaptersRequest struct {
	Chapters []int `json:"chapters"`
}

// ListFilter narrows the catalog listing.
type ListFilter struct {
	Search string
	Tag    string
	Page   int
	Limit  int
}

// --- Response DTOs ---

// ChapterContent is one granted chapter in the paywall response.
type ChapterContent struct {
	Index    int    `json:"index"`
	Title    string `json:"title"`
	Body     string `json:"body"`
	ReadTime int    `json:"read_time"`
}

// ChapterGrant is the paywall response: the requested chapters plus what
// the grant cost. Charged is zero for free-tier, premium, and
// already-purchased requests.
type ChapterGrant struct {
	StoryID      string           `json:"story_id"`
	Chapters     []ChapterContent `json:"chapters"`
	Charged      int              `json:"charged"`
	VouchersLeft int              `json:"vouchers_left"`
}
