package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"inquirychat/pkg/interfaces"
	"inquirychat/pkg/types"
)

// InquiryService is the lifecycle surface the REST handlers drive
type InquiryService interface {
	Create(ctx context.Context, patientUserID, doctorID int64, symptoms string) (*types.Inquiry, error)
	GetForParticipant(ctx context.Context, inquiryID, userID int64) (*types.Inquiry, error)
	Accept(ctx context.Context, inquiryID, actingUserID int64) (*types.Inquiry, error)
	Complete(ctx context.Context, inquiryID, actingUserID int64) (*types.Inquiry, error)
	ListForPatient(ctx context.Context, patientUserID int64) ([]*types.Inquiry, error)
	ListForDoctor(ctx context.Context, doctorUserID int64, state types.InquiryState) ([]*types.Inquiry, error)
}

// HealthChecker reports store connectivity
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// SessionStats is implemented by the websocket registry
type SessionStats interface {
	GetStats() map[string]int
}

// StatsProvider is implemented by components that expose counters
type StatsProvider interface {
	GetStats() map[string]interface{}
}

// Deps wires the server to the rest of the application
type Deps struct {
	Verifier    interfaces.TokenVerifier
	Resolver    interfaces.IdentityResolver
	Inquiries   InquiryService
	Messages    interfaces.MessageStore
	Health      HealthChecker
	Sessions    SessionStats
	Components  map[string]StatsProvider
	WebSocket   http.Handler
	CORSOrigins []string
}

// Server is the HTTP surface: REST endpoints, the websocket endpoint and
// the health check. It has no business logic of its own.
type Server struct {
	deps   Deps
	echo   *echo.Echo
	logger zerolog.Logger
}

// NewServer builds the echo instance and registers every route
func NewServer(deps Deps, logger zerolog.Logger) *Server {
	s := &Server{
		deps:   deps,
		echo:   echo.New(),
		logger: logger.With().Str("component", "api").Logger(),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = errorHandler(s.logger)

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	e := s.echo
	e.Use(Recovery(s.logger))
	e.Use(RequestID())
	e.Use(Logger(s.logger))
	if len(s.deps.CORSOrigins) > 0 {
		e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
			AllowOrigins: s.deps.CORSOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost},
			AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, RequestIDHeader},
		}))
	}

	e.GET("/health", s.healthCheck)
	if s.deps.WebSocket != nil {
		// The websocket handler authenticates on its own so that failures
		// are reported as close frames
		e.GET("/ws", echo.WrapHandler(s.deps.WebSocket))
	}

	api := e.Group("/api", Authenticate(s.deps.Verifier, s.deps.Resolver))

	inquiries := api.Group("/inquiries")
	inquiries.POST("", s.createInquiry)
	inquiries.GET("/patient", s.listPatientInquiries)
	inquiries.GET("/doctor", s.listDoctorInquiries(""))
	inquiries.GET("/doctor/pending", s.listDoctorInquiries(types.InquiryPending))
	inquiries.GET("/doctor/in-progress", s.listDoctorInquiries(types.InquiryInProgress))
	inquiries.GET("/:id", s.getInquiry)
	inquiries.POST("/:id/accept", s.acceptInquiry)
	inquiries.POST("/:id/complete", s.completeInquiry)

	messages := api.Group("/messages")
	messages.GET("/inquiry/:id", s.listMessages)
	messages.GET("/inquiry/:id/new", s.listNewMessages)
}

// ServeHTTP makes the server usable as an http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status      string                            `json:"status"`
	Timestamp   time.Time                         `json:"timestamp"`
	Database    string                            `json:"database"`
	Connections map[string]int                    `json:"connections"`
	Components  map[string]map[string]interface{} `json:"components,omitempty"`
}

func (s *Server) healthCheck(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Database:  "healthy",
	}
	status := http.StatusOK

	if s.deps.Health != nil {
		if err := s.deps.Health.HealthCheck(ctx); err != nil {
			s.logger.Warn().Err(err).Msg("database health check failed")
			resp.Status = "unhealthy"
			resp.Database = "unhealthy"
			status = http.StatusServiceUnavailable
		}
	}
	if s.deps.Sessions != nil {
		resp.Connections = s.deps.Sessions.GetStats()
	}
	if len(s.deps.Components) > 0 {
		resp.Components = make(map[string]map[string]interface{}, len(s.deps.Components))
		for name, provider := range s.deps.Components {
			resp.Components[name] = provider.GetStats()
		}
	}

	return c.JSON(status, resp)
}
