package stories

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/fablenest/fablenest/internal/apperror"
	"github.com/fablenest/fablenest/internal/optimistic"
	"github.com/fablenest/fablenest/internal/plugins/auth"
	"github.com/fablenest/fablenest/internal/sanitize"
)

const (
	// readingWordsPerMinute drives the per-chapter read-time estimate.
	readingWordsPerMinute = 200

	defaultPageLimit = 20
	maxPageLimit     = 100

	slugMaxAttempts = 10
)

// StoryService is the business logic layer for the catalog: curation (CRUD),
// discovery (list/detail), social state (likes, ratings, read list) and
// chapter access through the paywall.
type StoryService interface {
	Create(ctx context.Context, author *auth.User, req StoryRequest) (*Story, error)
	Update(ctx context.Context, id string, req StoryRequest) (*Story, error)
	Delete(ctx context.Context, id string) error

	List(ctx context.Context, filter ListFilter) ([]Story, int, error)
	GetBySlug(ctx context.Context, slug string) (*Story, error)

	ToggleLike(ctx context.Context, storyID, userID string) (*Story, error)
	Rate(ctx context.Context, storyID, userID string, rating int) (*Story, error)
	ToggleReadList(ctx context.Context, userID, storyID string) (*auth.User, error)

	// AccessChapters is the paywall entry point; see paywall.go.
	AccessChapters(ctx context.Context, userID, storyID string, chapters []int) (*ChapterGrant, error)
}

// Notifier pushes catalog events to readers. Implemented by the
// notifications plugin; a noop stands in until it is wired.
type Notifier interface {
	NotifyPurchase(userID, storyTitle string, chapters []int, cost int)
}

type noopNotifier struct{}

func (noopNotifier) NotifyPurchase(string, string, []int, int) {}

// storyService implements StoryService.
type storyService struct {
	stories  StoryRepository
	users    auth.UserRepository
	notifier Notifier
}

// NewStoryService creates the story service. The users repository carries the
// voucher debits, purchase ledgers, and per-user like/read-list mirrors.
func NewStoryService(stories StoryRepository, users auth.UserRepository) StoryService {
	return &storyService{stories: stories, users: users, notifier: noopNotifier{}}
}

// SetNotifier swaps in the real notifier after construction. Breaks the
// wiring cycle between this plugin and notifications.
func SetNotifier(s StoryService, n Notifier) {
	if svc, ok := s.(*storyService); ok && n != nil {
		svc.notifier = n
	}
}

// --- Curation ---

// Create publishes a new story from the curation pipeline. Chapter bodies
// are sanitized before storage and read times are recomputed from the
// sanitized text.
func (s *storyService) Create(ctx context.Context, author *auth.User, req StoryRequest) (*Story, error) {
	if err := validateStoryRequest(req); err != nil {
		return nil, err
	}

	taken, err := s.stories.TitleExists(ctx, req.Title)
	if err != nil {
		return nil, apperror.NewInternal(err)
	}
	if taken {
		return nil, apperror.NewConflict("a story with this title already exists")
	}

	slug, err := s.uniqueSlug(ctx, req.Title)
	if err != nil {
		return nil, err
	}

	story := &Story{
		ID:              uuid.NewString(),
		Slug:            slug,
		Title:           strings.TrimSpace(req.Title),
		Summary:         strings.TrimSpace(req.Summary),
		AuthorID:        author.ID,
		AuthorUsername:  author.Username,
		Image:           req.Image,
		Tags:            req.Tags,
		Labels:          req.Labels,
		Free:            req.Free,
		PrizePerChapter: req.PrizePerChapter,
		Completed:       req.Completed,
		IsFeatured:      req.IsFeatured,
	}
	if story.PrizePerChapter <= 0 {
		story.PrizePerChapter = 5
	}
	applyChapters(story, req.Chapters)
	story.RecomputeDerived()

	if err := s.stories.Create(ctx, story); err != nil {
		return nil, apperror.NewInternal(err)
	}

	slog.Info("story published",
		"story_id", story.ID,
		"slug", story.Slug,
		"chapters", story.ContentCount)

	return story, nil
}

// Update replaces the editable fields of a story. Likes, ratings and
// counters survive; chapters and read times are rebuilt from the request.
func (s *storyService) Update(ctx context.Context, id string, req StoryRequest) (*Story, error) {
	if err := validateStoryRequest(req); err != nil {
		return nil, err
	}

	return optimistic.Update(ctx, optimistic.DefaultAttempts,
		func(ctx context.Context) (*Story, error) {
			return s.stories.FindByID(ctx, id)
		},
		func(story *Story) error {
			story.Title = strings.TrimSpace(req.Title)
			story.Summary = strings.TrimSpace(req.Summary)
			story.Image = req.Image
			story.Tags = req.Tags
			story.Labels = req.Labels
			story.Free = req.Free
			story.Completed = req.Completed
			story.IsFeatured = req.IsFeatured
			if req.PrizePerChapter > 0 {
				story.PrizePerChapter = req.PrizePerChapter
			}
			applyChapters(story, req.Chapters)
			story.RecomputeDerived()
			return nil
		},
		s.stories.Save,
	)
}

// Delete removes a story from the catalog.
func (s *storyService) Delete(ctx context.Context, id string) error {
	if err := s.stories.Delete(ctx, id); err != nil {
		return err
	}
	slog.Info("story deleted", "story_id", id)
	return nil
}

// --- Discovery ---

// List returns one catalog page; defaults keep unbounded queries off the DB.
func (s *storyService) List(ctx context.Context, filter ListFilter) ([]Story, int, error) {
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit < 1 {
		filter.Limit = defaultPageLimit
	}
	if filter.Limit > maxPageLimit {
		filter.Limit = maxPageLimit
	}
	return s.stories.List(ctx, filter)
}

// GetBySlug returns story metadata for the detail page and bumps the view
// counter. The counter bump is best effort; a hiccup never fails the read.
func (s *storyService) GetBySlug(ctx context.Context, slug string) (*Story, error) {
	story, err := s.stories.FindBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}

	if err := s.stories.IncrementViews(ctx, story.ID); err != nil {
		slog.Warn("view counter bump failed", "story_id", story.ID, "error", err)
	} else {
		story.Views++
	}

	return story, nil
}

// --- Social state ---

// ToggleLike adds or removes the user from the story's likes array under the
// version check, with like_count recomputed in the same write. The per-user
// likes mirror is updated best effort afterwards.
func (s *storyService) ToggleLike(ctx context.Context, storyID, userID string) (*Story, error) {
	liked := false
	story, err := optimistic.Update(ctx, optimistic.DefaultAttempts,
		func(ctx context.Context) (*Story, error) {
			return s.stories.FindByID(ctx, storyID)
		},
		func(story *Story) error {
			liked = !story.LikedBy(userID)
			if liked {
				story.Likes = append(story.Likes, userID)
			} else {
				story.Likes = removeString(story.Likes, userID)
			}
			story.RecomputeDerived()
			return nil
		},
		s.stories.Save,
	)
	if err != nil {
		return nil, err
	}

	// The user's own likes list is a denormalized mirror for profile pages;
	// losing one update is tolerable, losing the canonical count is not.
	if _, err := optimistic.Update(ctx, optimistic.DefaultAttempts,
		func(ctx context.Context) (*auth.User, error) {
			return s.users.FindByID(ctx, userID)
		},
		func(u *auth.User) error {
			if liked {
				if !containsString(u.Likes, storyID) {
					u.Likes = append(u.Likes, storyID)
				}
			} else {
				u.Likes = removeString(u.Likes, storyID)
			}
			return nil
		},
		s.users.Save,
	); err != nil {
		slog.Warn("user likes mirror update failed",
			"user_id", userID, "story_id", storyID, "error", err)
	}

	return story, nil
}

// Rate upserts the user's score in the ratings array. average_rating and
// rating_count are rebuilt from the array inside the same conditional write,
// so they can never drift from their source.
func (s *storyService) Rate(ctx context.Context, storyID, userID string, rating int) (*Story, error) {
	if rating < 1 || rating > 5 {
		return nil, apperror.NewValidation("rating must be between 1 and 5")
	}

	return optimistic.Update(ctx, optimistic.DefaultAttempts,
		func(ctx context.Context) (*Story, error) {
			return s.stories.FindByID(ctx, storyID)
		},
		func(story *Story) error {
			found := false
			for i := range story.Ratings {
				if story.Ratings[i].UserID == userID {
					story.Ratings[i].Rating = rating
					found = true
					break
				}
			}
			if !found {
				story.Ratings = append(story.Ratings, Rating{UserID: userID, Rating: rating})
			}
			story.RecomputeDerived()
			return nil
		},
		s.stories.Save,
	)
}

// ToggleReadList adds or removes a story from the user's read list, keeping
// read_list_length in step.
func (s *storyService) ToggleReadList(ctx context.Context, userID, storyID string) (*auth.User, error) {
	if _, err := s.stories.FindByID(ctx, storyID); err != nil {
		return nil, err
	}

	return optimistic.Update(ctx, optimistic.DefaultAttempts,
		func(ctx context.Context) (*auth.User, error) {
			return s.users.FindByID(ctx, userID)
		},
		func(u *auth.User) error {
			if containsString(u.ReadList, storyID) {
				u.ReadList = removeString(u.ReadList, storyID)
			} else {
				u.ReadList = append(u.ReadList, storyID)
			}
			u.ReadListLength = len(u.ReadList)
			return nil
		},
		s.users.Save,
	)
}

// --- Helpers ---

func validateStoryRequest(req StoryRequest) error {
	if strings.TrimSpace(req.Title) == "" {
		return apperror.NewValidation("title is required")
	}
	if len(req.Chapters) == 0 {
		return apperror.NewValidation("a story needs at least one chapter")
	}
	for i, ch := range req.Chapters {
		if strings.TrimSpace(ch.Body) == "" {
			return apperror.NewValidation(fmt.Sprintf("chapter %d has no body", i+1))
		}
	}
	return nil
}

// applyChapters sanitizes and stores the chapter bodies, titles and read
// times in index lockstep.
func applyChapters(story *Story, chapters []ChapterInput) {
	story.Content = make([]string, 0, len(chapters))
	story.ContentTitles = make([]string, 0, len(chapters))
	story.ReadTime = make([]int, 0, len(chapters))
	for _, ch := range chapters {
		body := sanitize.Chapter(ch.Body)
		story.Content = append(story.Content, body)
		story.ContentTitles = append(story.ContentTitles, strings.TrimSpace(ch.Title))
		story.ReadTime = append(story.ReadTime, estimateReadTime(body))
	}
}

// estimateReadTime returns whole minutes at readingWordsPerMinute, never
// below one.
func estimateReadTime(body string) int {
	words := len(strings.Fields(body))
	minutes := int(math.Ceil(float64(words) / readingWordsPerMinute))
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}

// uniqueSlug slugifies the title and, on collision, appends -2, -3, ...
func (s *storyService) uniqueSlug(ctx context.Context, title string) (string, error) {
	base := slugify(title)
	candidate := base
	for i := 2; i <= slugMaxAttempts+1; i++ {
		taken, err := s.stories.SlugExists(ctx, candidate)
		if err != nil {
			return "", apperror.NewInternal(err)
		}
		if !taken {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, i)
	}
	return "", apperror.NewConflict("could not derive a unique slug for this title")
}

// slugify lowercases the title and collapses every non-alphanumeric run into
// a single hyphen.
func slugify(title string) string {
	var b strings.Builder
	lastHyphen := true // Suppress a leading hyphen.
	for _, r := range strings.ToLower(strings.TrimSpace(title)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
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
