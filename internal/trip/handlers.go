package trip

import (
	"errors"

	"backend-fieldtrack/internal/auth"

	"github.com/gofiber/fiber/v2"
)

func RegisterRoutes(r fiber.Router, svc *Service, authMiddleware fiber.Handler) {
	r.Post("/start", authMiddleware, func(c *fiber.Ctx) error {
		var body struct {
			SubjectID string `json:"subject_id"`
		}
		if len(c.Body()) > 0 {
			if err := c.BodyParser(&body); err != nil {
				return fiber.NewError(fiber.StatusBadRequest, err.Error())
			}
		}
		subjectID := subjectFrom(c, body.SubjectID)
		if subjectID == "" {
			return fiber.NewError(fiber.StatusBadRequest, "subject_id required")
		}
		res, err := svc.Start(c.Context(), subjectID)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(res)
	})

	r.Post("/stop", authMiddleware, func(c *fiber.Ctx) error {
		var req StopRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		req.SubjectID = subjectFrom(c, req.SubjectID)
		if req.TripID == "" || req.SubjectID == "" {
			return fiber.NewError(fiber.StatusBadRequest, "trip_id and subject_id required")
		}
		t, err := svc.Stop(c.Context(), req)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(t)
	})

	r.Get("/stats", authMiddleware, func(c *fiber.Ctx) error {
		subjectID := subjectFrom(c, c.Query("subject_id"))
		if subjectID == "" {
			return fiber.NewError(fiber.StatusBadRequest, "subject_id required")
		}
		stats, err := svc.Stats(c.Context(), subjectID)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(stats)
	})

	r.Get("/:id", authMiddleware, func(c *fiber.Ctx) error {
		t, err := svc.Get(c.Context(), c.Params("id"))
		if err != nil {
			return httpError(err)
		}
		userID, role := auth.Identity(c)
		if userID != "" && role != auth.RoleAdmin && userID != t.SubjectID {
			return httpError(ErrForbidden)
		}
		return c.JSON(t)
	})
}

// subjectFrom prefers the authenticated identity over a client-supplied
// subject; the fallback only applies when no auth middleware ran.
func subjectFrom(c *fiber.Ctx, fallback string) string {
	if userID, _ := auth.Identity(c); userID != "" {
		return userID
	}
	return fallback
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, ErrForbidden):
		return fiber.NewError(fiber.StatusForbidden, err.Error())
	case errors.Is(err, ErrInvalidInput):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	default:
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
}
