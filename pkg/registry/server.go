package registry

import (
	"github.com/gofiber/fiber/v2"
	"github.com/teslashibe/safewalk/pkg/geo"
)

// Server exposes a Service over HTTP.
type Server struct {
	svc *Service
}

// NewServer creates the HTTP front end for svc.
func NewServer(svc *Service) *Server {
	return &Server{svc: svc}
}

// createRequestBody is the body of POST /api/help-requests.
type createRequestBody struct {
	RequesterID string          `json:"requester_id"`
	Location    *geo.Coordinate `json:"location"`
}

// acceptRequestBody is the body of POST /api/help-requests/:id/accept.
type acceptRequestBody struct {
	HelperID string `json:"helper_id"`
}

// locationBody is the body of PUT /api/users/:id/location.
type locationBody struct {
	Location *geo.Coordinate `json:"location"`
	Name     string          `json:"name,omitempty"`
	Role     string          `json:"role,omitempty"`
}

// RegisterRoutes registers the registry API under api.
func (s *Server) RegisterRoutes(api fiber.Router) {
	users := api.Group("/users")
	users.Get("/volunteers", s.handleListVolunteers)
	users.Get("/requesters", s.handleListRequesters)
	users.Put("/:id/location", s.handleUpdateLocation)

	requests := api.Group("/help-requests")
	requests.Post("/", s.handleCreate)
	requests.Get("/pending", s.handleListPending)
	requests.Get("/:id", s.handleGet)
	requests.Post("/:id/accept", s.handleAccept)
	requests.Post("/:id/cancel", s.handleCancel)
}

func (s *Server) handleListVolunteers(c *fiber.Ctx) error {
	volunteers, err := s.svc.ListVolunteers(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(volunteers)
}

func (s *Server) handleListRequesters(c *fiber.Ctx) error {
	requesters, err := s.svc.ListRequesters(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(requesters)
}

func (s *Server) handleUpdateLocation(c *fiber.Ctx) error {
	var body locationBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if body.Location == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "location is required"})
	}

	err := s.svc.UpdateLocation(c.UserContext(), c.Params("id"), Profile{Name: body.Name, Role: body.Role}, *body.Location)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"status": "updated"})
}

func (s *Server) handleCreate(c *fiber.Ctx) error {
	var body createRequestBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if body.Location == nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "location is required"})
	}

	req, err := s.svc.CreateHelpRequest(c.UserContext(), body.RequesterID, *body.Location)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(req)
}

func (s *Server) handleListPending(c *fiber.Ctx) error {
	reqs, err := s.svc.ListPendingHelpRequests(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(reqs)
}

func (s *Server) handleGet(c *fiber.Ctx) error {
	req, err := s.svc.GetHelpRequest(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(req)
}

func (s *Server) handleAccept(c *fiber.Ctx) error {
	var body acceptRequestBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	if err := s.svc.AcceptHelpRequest(c.UserContext(), c.Params("id"), body.HelperID); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"status": "accepted"})
}

func (s *Server) handleCancel(c *fiber.Ctx) error {
	if err := s.svc.CancelHelpRequest(c.UserContext(), c.Params("id")); err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"status": "cancelled"})
}

func respondError(c *fiber.Ctx, err error) error {
	status := statusFor(err)
	msg := err.Error()
	if status == fiber.StatusInternalServerError {
		msg = "internal error"
	}
	return c.Status(status).JSON(fiber.Map{"error": msg})
}
