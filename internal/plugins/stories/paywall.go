package stories

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/fablenest/fablenest/internal/apperror"
	"github.com/fablenest/fablenest/internal/optimistic"
	"github.com/fablenest/fablenest/internal/plugins/auth"
)

// The paywall gates chapter bodies behind the voucher balance. Per request:
//
//  1. Indices below FreeChapterCount are always readable.
//  2. A free story, or a premium reader, gets everything without charge.
//  3. Otherwise the billable indices minus the reader's purchase record are
//     unpaid, and the grant is all-or-nothing: prize_per_chapter per unpaid
//     chapter, charged in one conditional write together with the purchase
//     record append. A shortfall grants nothing and changes nothing.
//
// The debit runs through the optimistic protocol on the users row so a
// concurrent purchase or wallet adjustment can never double-spend a voucher.

// AccessChapters resolves chapter access for one reader and one story, and
// returns the granted chapter bodies.
func (s *storyService) AccessChapters(ctx context.Context, userID, storyID string, chapters []int) (*ChapterGrant, error) {
	story, err := s.stories.FindByID(ctx, storyID)
	if err != nil {
		return nil, err
	}

	requested, err := normalizeChapterIndices(chapters, story.ContentCount)
	if err != nil {
		return nil, err
	}

	charged := 0
	var paidFor []int
	user, err := optimistic.Update(ctx, optimistic.DefaultAttempts,
		func(ctx context.Context) (*auth.User, error) {
			return s.users.FindByID(ctx, userID)
		},
		func(u *auth.User) error {
			// Recomputed per attempt: a concurrent purchase may have paid
			// for some of these chapters already.
			unpaid := unpaidChapters(u, story, requested)
			paidFor = unpaid
			charged = story.PrizePerChapter * len(unpaid)
			if charged == 0 {
				return nil
			}
			if u.Vouchers < charged {
				return apperror.NewInsufficientVouchers()
			}
			u.Vouchers -= charged
			recordPurchase(u, story.ID, unpaid)
			return nil
		},
		s.users.Save,
	)
	if err != nil {
		return nil, err
	}

	if charged > 0 {
		slog.Info("chapters purchased",
			"user_id", userID,
			"story_id", story.ID,
			"charged", charged,
			"balance", user.Vouchers)
		s.notifier.NotifyPurchase(userID, story.Title, paidFor, charged)
	}

	grant := &ChapterGrant{
		StoryID:      story.ID,
		Chapters:     make([]ChapterContent, 0, len(requested)),
		Charged:      charged,
		VouchersLeft: user.Vouchers,
	}
	for _, idx := range requested {
		grant.Chapters = append(grant.Chapters, ChapterContent{
			Index:    idx,
			Title:    chapterTitle(story, idx),
			Body:     story.Content[idx],
			ReadTime: chapterReadTime(story, idx),
		})
	}
	return grant, nil
}

// normalizeChapterIndices dedupes, sorts and range-checks the request.
func normalizeChapterIndices(chapters []int, contentCount int) ([]int, error) {
	if len(chapters) == 0 {
		return nil, apperror.NewValidation("no chapters requested")
	}

	seen := map[int]bool{}
	out := make([]int, 0, len(chapters))
	for _, idx := range chapters {
		if idx < 0 || idx >= contentCount {
			return nil, apperror.NewValidation(
				fmt.Sprintf("chapter index %d is out of range", idx))
		}
		if !seen[idx] {
			seen[idx] = true
			out = append(out, idx)
		}
	}
	sort.Ints(out)
	return out, nil
}

// unpaidChapters returns the requested indices the reader still has to pay
// for, given the user snapshot of the current attempt.
func unpaidChapters(u *auth.User, story *Story, requested []int) []int {
	if story.Free || !u.Free {
		return nil
	}

	var owned []int
	if record := u.PurchaseFor(story.ID); record != nil {
		owned = record.Chapters
	}

	unpaid := []int{}
	for _, idx := range requested {
		if idx < FreeChapterCount {
			continue
		}
		if containsInt(owned, idx) {
			continue
		}
		unpaid = append(unpaid, idx)
	}
	return unpaid
}

// recordPurchase appends the newly paid indices to the user's purchase
// record for the story, creating the record on first purchase.
func recordPurchase(u *auth.User, storyID string, chapters []int) {
	record := u.PurchaseFor(storyID)
	if record == nil {
		u.Purchased = append(u.Purchased, auth.PurchaseRecord{StoryID: storyID})
		record = &u.Purchased[len(u.Purchased)-1]
	}
	for _, idx := range chapters {
		if !containsInt(record.Chapters, idx) {
			record.Chapters = append(record.Chapters, idx)
		}
	}
	sort.Ints(record.Chapters)
}

func chapterTitle(story *Story, idx int) string {
	if idx < len(story.ContentTitles) {
		return story.ContentTitles[idx]
	}
	return ""
}

func chapterReadTime(story *Story, idx int) int {
	if idx < len(story.ReadTime) {
		return story.ReadTime[idx]
	}
	return 0
}

func containsInt(list []int, v int) bool {
	for _, n := range list {
		if n == v {
			return true
		}
	}
	return false
}
