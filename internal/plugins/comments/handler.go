package comments

import (
	"github.com/labstack/echo/v4"

	"github.com/fablenest/fablenest/internal/apperror"
	"github.com/fablenest/fablenest/internal/middleware"
	"github.com/fablenest/fablenest/internal/plugins/auth"
)

// Handler handles HTTP requests for discussion threads.
type Handler struct {
	service CommentService
}

// NewHandler creates a new comments handler.
func NewHandler(service CommentService) *Handler {
	return &Handler{service: service}
}

// ListByStory returns the full thread for a story
// (GET /comments/story/:storyID).
func (h *Handler) ListByStory(c echo.Context) error {
	comments, err := h.service.ListByStory(c.Request().Context(), c.Param("storyID"))
	if err != nil {
		return err
	}
	return middleware.OK(c, "", echo.Map{"comments": comments})
}

// Add posts a top-level comment (POST /comments/story/:storyID).
func (h *Handler) Add(c echo.Context) error {
	var req CommentRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}

	comment, err := h.service.Add(
		c.Request().Context(), auth.GetUser(c), c.Param("storyID"), req.Content)
	if err != nil {
		return err
	}

	return middleware.Created(c, "comment added", echo.Map{"comment": comment})
}

// Reply posts a reply under a top-level comment (POST /comments/:id/replies).
func (h *Handler) Reply(c echo.Context) error {
	var req CommentRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}

	reply, err := h.service.Reply(
		c.Request().Context(), auth.GetUser(c), c.Param("id"), req.Content, req.TaggedReply)
	if err != nil {
		return err
	}

	return middleware.Created(c, "reply added", echo.Map{"comment": reply})
}

// ToggleLike flips the reader's like on a comment (POST /comments/:id/like).
func (h *Handler) ToggleLike(c echo.Context) error {
	comment, err := h.service.ToggleLike(
		c.Request().Context(), c.Param("id"), auth.GetUserID(c))
	if err != nil {
		return err
	}

	return middleware.OK(c, "", echo.Map{
		"like_count": comment.LikeCount,
		"liked":      comment.LikedBy(auth.GetUserID(c)),
	})
}

// Delete removes a comment (DELETE /comments/:id).
func (h *Handler) Delete(c echo.Context) error {
	err := h.service.Delete(c.Request().Context(), c.Param("id"), auth.GetUser(c))
	if err != nil {
		return err
	}
	return middleware.OK(c, "comment deleted", nil)
}
