package stories

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/fablenest/fablenest/internal/apperror"
	"github.com/fablenest/fablenest/internal/middleware"
	"github.com/fablenest/fablenest/internal/plugins/auth"
)

// Handler handles HTTP requests for the catalog. Handlers are thin: they
// bind the request, call the service, and write the envelope.
type Handler struct {
	service StoryService
}

// NewHandler creates a new stories handler.
func NewHandler(service StoryService) *Handler {
	return &Handler{service: service}
}

// List returns one catalog page (GET /stories?q=&tag=&page=&limit=).
func (h *Handler) List(c echo.Context) error {
	filter := ListFilter{
		Search: c.QueryParam("q"),
		Tag:    c.QueryParam("tag"),
	}
	filter.Page, _ = strconv.Atoi(c.QueryParam("page"))
	filter.Limit, _ = strconv.Atoi(c.QueryParam("limit"))

	stories, total, err := h.service.List(c.Request().Context(), filter)
	if err != nil {
		return err
	}

	return middleware.OK(c, "", echo.Map{
		"stories": stories,
		"total":   total,
	})
}

// Get returns story metadata for the detail page (GET /stories/:slug).
// Chapter bodies are not included; they come through the chapters endpoint.
func (h *Handler) Get(c echo.Context) error {
	story, err := h.service.GetBySlug(c.Request().Context(), c.Param("slug"))
	if err != nil {
		return err
	}
	return middleware.OK(c, "", echo.Map{"story": story})
}

// Chapters resolves chapter access for the signed-in reader
// (POST /stories/:id/chapters).
func (h *Handler) Chapters(c echo.Context) error {
	var req ChaptersRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}

	grant, err := h.service.AccessChapters(
		c.Request().Context(), auth.GetUserID(c), c.Param("id"), req.Chapters)
	if err != nil {
		return err
	}

	return middleware.OK(c, "", grant)
}

// ToggleLike flips the reader's like on a story (POST /stories/:id/like).
func (h *Handler) ToggleLike(c echo.Context) error {
	story, err := h.service.ToggleLike(
		c.Request().Context(), c.Param("id"), auth.GetUserID(c))
	if err != nil {
		return err
	}

	return middleware.OK(c, "", echo.Map{
		"like_count": story.LikeCount,
		"liked":      story.LikedBy(auth.GetUserID(c)),
	})
}

// Rate records or updates the reader's rating (POST /stories/:id/rating).
func (h *Handler) Rate(c echo.Context) error {
	var req RateRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}

	story, err := h.service.Rate(
		c.Request().Context(), c.Param("id"), auth.GetUserID(c), req.Rating)
	if err != nil {
		return err
	}

	return middleware.OK(c, "", echo.Map{
		"average_rating": story.AverageRating,
		"rating_count":   story.RatingCount,
	})
}

// ToggleReadList flips a story in the reader's read list
// (POST /stories/:id/readlist).
func (h *Handler) ToggleReadList(c echo.Context) error {
	user, err := h.service.ToggleReadList(
		c.Request().Context(), auth.GetUserID(c), c.Param("id"))
	if err != nil {
		return err
	}

	return middleware.OK(c, "", echo.Map{
		"read_list":        user.ReadList,
		"read_list_length": user.ReadListLength,
	})
}

// --- Curation (staff only) ---

// Create publishes a new story (POST /stories).
func (h *Handler) Create(c echo.Context) error {
	var req StoryRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}

	story, err := h.service.Create(c.Request().Context(), auth.GetUser(c), req)
	if err != nil {
		return err
	}

	return middleware.Created(c, "story published", echo.Map{"story": story})
}

// Update edits an existing story (PUT /stories/:id).
func (h *Handler) Update(c echo.Context) error {
	var req StoryRequest
	if err := c.Bind(&req); err != nil {
		return apperror.NewBadRequest("invalid request body")
	}

	story, err := h.service.Update(c.Request().Context(), c.Param("id"), req)
	if err != nil {
		return err
	}

	return middleware.OK(c, "story updated", echo.Map{"story": story})
}

// Delete removes a story (DELETE /stories/:id).
func (h *Handler) Delete(c echo.Context) error {
	if err := h.service.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return middleware.OK(c, "story deleted", nil)
}
