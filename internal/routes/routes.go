package routes

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/octrack/policy"
)

// Setup mounts the policy engine's HTTP surface. The auth middleware here is
// a stand-in: it trusts X-User-ID and X-Roles headers the way the real
// deployment trusts its session layer, and forwards an optional
// X-Appointment-ID so a user holding several posts can act under one of them.
func Setup(app *fiber.App, svc *policy.Service) {
	app.Use(func(c *fiber.Ctx) error {
		rawID := c.Get("X-User-ID")
		if rawID == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "X-User-ID header is required")
		}
		id, err := strconv.ParseUint(rawID, 10, 32)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid X-User-ID header")
		}
		c.Locals("user_id", uint(id))

		if raw := c.Get("X-Roles"); raw != "" {
			c.Locals("roles", strings.Split(raw, ","))
		}
		if raw := c.Get("X-Appointment-ID"); raw != "" {
			apptID, err := strconv.ParseUint(raw, 10, 32)
			if err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "invalid X-Appointment-ID header")
			}
			hinted := uint(apptID)
			c.Locals("appointment_hint", &policy.AppointmentHint{AppointmentID: &hinted})
		}
		return c.Next()
	})

	api := app.Group("/api/v1")

	api.Get("/me/permissions", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(uint)
		roles, _ := c.Locals("roles").([]string)
		hint, _ := c.Locals("appointment_hint").(*policy.AppointmentHint)

		bundle, err := svc.CachedEffectivePermissions(c.Context(), userID, roles, hint)
		if err != nil {
			return policy.StatusError(err)
		}
		return c.JSON(bundle)
	})

	appointments := api.Group("/appointments", svc.RequirePermission("oc:appointment:update"))
	appointments.Post("/", createAppointment(svc))
	appointments.Post("/:id/transfer", transferAppointment(svc))
	appointments.Post("/:id/end", endAppointment(svc))

	admin := api.Group("/admin")

	roles := admin.Group("/roles", svc.RequirePermission("admin:role:update"))
	roles.Post("/", createRole(svc))
	roles.Put("/:id", updateRole(svc))
	roles.Delete("/:id", deleteRole(svc))
	roles.Put("/:id/permissions", setRolePermissions(svc))

	perms := admin.Group("/permissions", svc.RequirePermission("admin:role:update"))
	perms.Post("/", createPermission(svc))
	perms.Put("/:id", updatePermission(svc))
	perms.Delete("/:id", deletePermission(svc))

	positions := admin.Group("/positions", svc.RequirePermission("admin:role:update"))
	positions.Post("/", createPosition(svc))
	positions.Put("/:id", updatePosition(svc))
	positions.Put("/:id/permissions", setPositionPermissions(svc))

	fieldRules := admin.Group("/field-rules", svc.RequirePermission("admin:field_rule:update"))
	fieldRules.Post("/", createFieldRule(svc))
	fieldRules.Put("/:id", updateFieldRule(svc))
	fieldRules.Delete("/:id", deleteFieldRule(svc))

	admin.Get("/audit-logs", svc.RequirePermission("admin:audit:read"), listAuditLogs(svc))
}

func actorID(c *fiber.Ctx) uint {
	return c.Locals("user_id").(uint)
}

func paramID(c *fiber.Ctx) (uint, error) {
	id, err := strconv.ParseUint(c.Params("id"), 10, 32)
	if err != nil {
		return 0, fiber.NewError(fiber.StatusBadRequest, "invalid id parameter")
	}
	return uint(id), nil
}

type appointRequest struct {
	UserID     uint                  `json:"user_id"`
	PositionID uint                  `json:"position_id"`
	Kind       policy.AssignmentKind `json:"kind"`
	ScopeKind  policy.ScopeKind      `json:"scope_kind"`
	ScopeID    *uint                 `json:"scope_id"`
	StartsAt   time.Time             `json:"starts_at"`
	Reason     string                `json:"reason"`
}

func createAppointment(svc *policy.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req appointRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		if req.StartsAt.IsZero() {
			req.StartsAt = time.Now()
		}
		a, err := svc.Appoint(c.Context(), req.UserID, req.PositionID, req.Kind,
			req.ScopeKind, req.ScopeID, req.StartsAt, actorID(c), req.Reason)
		if err != nil {
			return policy.StatusError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(a)
	}
}

type transferRequest struct {
	NewUserID   uint      `json:"new_user_id"`
	PrevEndsAt  time.Time `json:"prev_ends_at"`
	NewStartsAt time.Time `json:"new_starts_at"`
	Reason      string    `json:"reason"`
}

func transferAppointment(svc *policy.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := paramID(c)
		if err != nil {
			return err
		}
		var req transferRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		res, err := svc.TransferAppointment(c.Context(), policy.TransferRequest{
			AppointmentID: id,
			ActorID:       actorID(c),
			NewUserID:     req.NewUserID,
			PrevEndsAt:    req.PrevEndsAt,
			NewStartsAt:   req.NewStartsAt,
			Reason:        req.Reason,
		})
		if err != nil {
			return policy.StatusError(err)
		}
		return c.JSON(res)
	}
}

type endRequest struct {
	EndsAt time.Time `json:"ends_at"`
	Reason string    `json:"reason"`
}

func endAppointment(svc *policy.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := paramID(c)
		if err != nil {
			return err
		}
		var req endRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		if req.EndsAt.IsZero() {
			req.EndsAt = time.Now()
		}
		a, err := svc.EndAppointment(c.Context(), id, req.EndsAt, actorID(c), req.Reason)
		if err != nil {
			return policy.StatusError(err)
		}
		return c.JSON(a)
	}
}

type roleRequest struct {
	Key         string `json:"key"`
	Description string `json:"description"`
}

func createRole(svc *policy.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req roleRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		role, err := svc.CreateRole(c.Context(), req.Key, req.Description, actorID(c))
		if err != nil {
			return policy.StatusError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(role)
	}
}

func updateRole(svc *policy.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := paramID(c)
		if err != nil {
			return err
		}
		var req roleRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		role, err := svc.UpdateRole(c.Context(), id, req.Key, req.Description, actorID(c))
		if err != nil {
			return policy.StatusError(err)
		}
		return c.JSON(role)
	}
}

func deleteRole(svc *policy.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := paramID(c)
		if err != nil {
			return err
		}
		if err := svc.DeleteRole(c.Context(), id, actorID(c)); err != nil {
			return policy.StatusError(err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

type grantRequest struct {
	Permissions []policy.PermKey `json:"permissions"`
}

func setRolePermissions(svc *policy.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := paramID(c)
		if err != nil {
			return err
		}
		var req grantRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		if err := svc.SetRolePermissions(c.Context(), id, req.Permissions, actorID(c)); err != nil {
			return policy.StatusError(err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func setPositionPermissions(svc *policy.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := paramID(c)
		if err != nil {
			return err
		}
		var req grantRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		if err := svc.SetPositionPermissions(c.Context(), id, req.Permissions, actorID(c)); err != nil {
			return policy.StatusError(err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

type permissionRequest struct {
	Key         string `json:"key"`
	Description string `json:"description"`
}

func createPermission(svc *policy.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req permissionRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		perm, err := svc.CreatePermission(c.Context(), req.Key, req.Description, actorID(c))
		if err != nil {
			return policy.StatusError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(perm)
	}
}

func updatePermission(svc *policy.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := paramID(c)
		if err != nil {
			return err
		}
		var req permissionRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		perm, err := svc.UpdatePermission(c.Context(), id, req.Key, req.Description, actorID(c))
		if err != nil {
			return policy.StatusError(err)
		}
		return c.JSON(perm)
	}
}

func deletePermission(svc *policy.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := paramID(c)
		if err != nil {
			return err
		}
		if err := svc.DeletePermission(c.Context(), id, actorID(c)); err != nil {
			return policy.StatusError(err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

type positionRequest struct {
	Key       string           `json:"key"`
	Name      string           `json:"name"`
	ScopeKind policy.ScopeKind `json:"scope_kind"`
	Singleton bool             `json:"singleton"`
}

func createPosition(svc *policy.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req positionRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		pos, err := svc.CreatePosition(c.Context(), req.Key, req.Name, req.ScopeKind, req.Singleton, actorID(c))
		if err != nil {
			return policy.StatusError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(pos)
	}
}

func updatePosition(svc *policy.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := paramID(c)
		if err != nil {
			return err
		}
		var req positionRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		pos, err := svc.UpdatePosition(c.Context(), id, req.Name, actorID(c))
		if err != nil {
			return policy.StatusError(err)
		}
		return c.JSON(pos)
	}
}

func createFieldRule(svc *policy.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req policy.FieldRuleInput
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		fr, err := svc.CreateFieldRule(c.Context(), req, actorID(c))
		if err != nil {
			return policy.StatusError(err)
		}
		return c.Status(fiber.StatusCreated).JSON(fr)
	}
}

type fieldRuleUpdateRequest struct {
	Mode   policy.FieldRuleMode `json:"mode"`
	Fields []string             `json:"fields"`
	Note   string               `json:"note"`
}

func updateFieldRule(svc *policy.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := paramID(c)
		if err != nil {
			return err
		}
		var req fieldRuleUpdateRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
		}
		fr, err := svc.UpdateFieldRule(c.Context(), id, req.Mode, req.Fields, req.Note, actorID(c))
		if err != nil {
			return policy.StatusError(err)
		}
		return c.JSON(fr)
	}
}

func deleteFieldRule(svc *policy.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := paramID(c)
		if err != nil {
			return err
		}
		if err := svc.DeleteFieldRule(c.Context(), id, actorID(c)); err != nil {
			return policy.StatusError(err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func listAuditLogs(svc *policy.Service) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var actor *uint
		if raw := c.Query("actor_id"); raw != "" {
			id, err := strconv.ParseUint(raw, 10, 32)
			if err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "invalid actor_id")
			}
			v := uint(id)
			actor = &v
		}
		var action *string
		if raw := c.Query("action"); raw != "" {
			action = &raw
		}
		since, err := queryTime(c, "since")
		if err != nil {
			return err
		}
		until, err := queryTime(c, "until")
		if err != nil {
			return err
		}
		logs, err := svc.ListAuditLogs(c.Context(), actor, action, since, until)
		if err != nil {
			return policy.StatusError(err)
		}
		return c.JSON(logs)
	}
}

func queryTime(c *fiber.Ctx, name string) (*time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "invalid "+name+" timestamp")
	}
	return &t, nil
}
