package policy

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

// RequirePermission provides Fiber middleware enforcing one permission key.
// The engine itself never raises Forbidden; this middleware is the consuming
// layer applying the bundle's decision. It expects the authentication layer
// to have set "user_id" (uint) and "roles" ([]string) locals, and optionally
// an "appointment_hint" (*AppointmentHint).
func (s *Service) RequirePermission(key PermKey) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID, ok := c.Locals("user_id").(uint)
		if !ok {
			return fiber.NewError(fiber.StatusUnauthorized, "user_id not found in context")
		}
		roles, _ := c.Locals("roles").([]string)
		hint, _ := c.Locals("appointment_hint").(*AppointmentHint)

		bundle, err := s.CachedEffectivePermissions(c.Context(), userID, roles, hint)
		if err != nil {
			return StatusError(err)
		}
		if !bundle.Allows(key) {
			return fiber.NewError(fiber.StatusForbidden, "missing permission "+string(key))
		}
		c.Locals("permission_bundle", bundle)
		return c.Next()
	}
}

// StatusError maps engine errors onto Fiber HTTP errors.
func StatusError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, ErrBadRequest):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	default:
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}
}
