package web

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/safewalk/pkg/app"
	"github.com/teslashibe/safewalk/pkg/call"
	"github.com/teslashibe/safewalk/pkg/geo"
	"github.com/teslashibe/safewalk/pkg/lifecycle"
	"github.com/teslashibe/safewalk/pkg/location"
	"github.com/teslashibe/safewalk/pkg/session"
)

// locationBody is the body of POST /api/location.
type locationBody struct {
	Lat        *float64  `json:"lat"`
	Lng        *float64  `json:"lng"`
	ObservedAt time.Time `json:"observed_at"`

	// Error reports that the device cannot provide a fix, e.g. "denied".
	Error string `json:"error"`
}

// messageBody is the body of POST /api/messages.
type messageBody struct {
	Text string `json:"text"`
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.agent.Status())
}

func (s *Server) requireRequester(c *fiber.Ctx) error {
	if s.agent.Requester() == nil {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "only available to requesters"})
	}
	return c.Next()
}

func (s *Server) requireHelper(c *fiber.Ctx) error {
	if s.agent.Helper() == nil {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "only available to helpers"})
	}
	return c.Next()
}

// Requester actions

func (s *Server) handleActivate(c *fiber.Ctx) error {
	req, err := s.agent.Requester().Activate(c.UserContext())
	if err != nil {
		return s.respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"request": req,
		"status":  s.agent.Requester().Status(),
	})
}

func (s *Server) handleCancel(c *fiber.Ctx) error {
	s.agent.Requester().Cancel()
	return c.JSON(s.agent.Requester().Status())
}

func (s *Server) handleStartSession(c *fiber.Ctx) error {
	if err := s.agent.Requester().StartSession(); err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(s.agent.Requester().Status())
}

func (s *Server) handleRequestComplete(c *fiber.Ctx) error {
	if err := s.agent.Requester().Complete(); err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(s.agent.Requester().Status())
}

func (s *Server) handleHelpers(c *fiber.Ctx) error {
	helpers, err := s.agent.Requester().Available(c.UserContext())
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(helpers)
}

// Helper actions

func (s *Server) handlePending(c *fiber.Ctx) error {
	if c.QueryBool("refresh") {
		if err := s.agent.Helper().Refresh(c.UserContext()); err != nil {
			return s.respondError(c, err)
		}
	}
	return c.JSON(s.agent.Helper().Status().Pending)
}

func (s *Server) handleAccept(c *fiber.Ctx) error {
	if err := s.agent.Helper().Accept(c.UserContext(), c.Params("id")); err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(s.agent.Helper().Status())
}

func (s *Server) handleDecline(c *fiber.Ctx) error {
	s.agent.Helper().Decline(c.Params("id"))
	return c.JSON(s.agent.Helper().Status())
}

func (s *Server) handleArrive(c *fiber.Ctx) error {
	if err := s.agent.Helper().Arrive(); err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(s.agent.Helper().Status())
}

func (s *Server) handleHelpComplete(c *fiber.Ctx) error {
	if err := s.agent.Helper().Complete(); err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(s.agent.Helper().Status())
}

// Call actions

func (s *Server) handleCallStart(c *fiber.Ctx) error {
	cl, err := s.agent.Call()
	if err != nil {
		return s.respondError(c, err)
	}
	if err := cl.StartCall(c.UserContext()); err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(cl.Status())
}

func (s *Server) handleCallEnd(c *fiber.Ctx) error {
	cl, err := s.agent.Call()
	if err != nil {
		return s.respondError(c, err)
	}
	if err := cl.EndCall(c.UserContext()); err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(cl.Status())
}

func (s *Server) handleCallMute(c *fiber.Ctx) error {
	cl, err := s.agent.Call()
	if err != nil {
		return s.respondError(c, err)
	}
	cl.ToggleMute()
	return c.JSON(cl.Status())
}

// Chat

func (s *Server) handleMessages(c *fiber.Ctx) error {
	msgs, err := s.agent.Messages(c.UserContext())
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(msgs)
}

func (s *Server) handleSendMessage(c *fiber.Ctx) error {
	var body messageBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	msg, err := s.agent.SendMessage(c.UserContext(), body.Text)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(msg)
}

// Location

func (s *Server) handleSetLocation(c *fiber.Ctx) error {
	var body locationBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}

	src := s.agent.Location()
	switch {
	case body.Error == "denied":
		src.Fail(location.ErrPermissionDenied)
		return c.JSON(fiber.Map{"status": "unavailable"})
	case body.Error != "":
		src.Fail(errors.New(body.Error))
		return c.JSON(fiber.Map{"status": "unavailable"})
	case body.Lat == nil || body.Lng == nil:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "lat and lng are required"})
	}

	loc := geo.TrackedLocation{
		Coordinate: geo.Coordinate{Latitude: *body.Lat, Longitude: *body.Lng},
		ObservedAt: body.ObservedAt,
	}
	if err := src.SetLocation(loc); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) handleCounterpart(c *fiber.Ctx) error {
	loc, ok, err := s.agent.Counterpart()
	if err != nil {
		return s.respondError(c, err)
	}
	if !ok {
		return c.SendStatus(fiber.StatusNoContent)
	}
	return c.JSON(loc)
}

// describe maps any action error to the status line shown to the user.
func describe(err error) string {
	if errors.Is(err, app.ErrNoSession) {
		return "no active session"
	}
	if errors.Is(err, session.ErrEmptyMessage) {
		return "message is empty"
	}
	if msg := call.Describe(err); msg != "" {
		return msg
	}
	return lifecycle.Describe(err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrEmptyMessage):
		return fiber.StatusBadRequest
	case errors.Is(err, lifecycle.ErrLocationRequired):
		return fiber.StatusPreconditionFailed
	case errors.Is(err, lifecycle.ErrRequestCreationFailed), errors.Is(err, call.ErrConnectFailed):
		return fiber.StatusBadGateway
	case errors.Is(err, lifecycle.ErrAlreadyActive),
		errors.Is(err, lifecycle.ErrRequestTaken),
		errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, app.ErrNoSession),
		errors.Is(err, call.ErrOfferExists),
		errors.Is(err, call.ErrCallInProgress),
		errors.Is(err, call.ErrNoCall),
		errors.Is(err, call.ErrNotOpen):
		return fiber.StatusConflict
	}
	return fiber.StatusInternalServerError
}

func (s *Server) respondError(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	if status >= fiber.StatusInternalServerError {
		s.logger.Warn("request failed", "path", c.Path(), "error", err)
	}
	return c.Status(status).JSON(fiber.Map{"error": describe(err), "detail": err.Error()})
}
