// Package api provides a REST API to operate a scale
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fako1024/btscale/pkg/scale"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

const defaultRequestTimeout = 10 * time.Second

// buzzerToggler is implemented by devices providing a buzzer on touch / action (e.g. Felicita)
type buzzerToggler interface {
	ToggleBuzzingOnTouch(ctx context.Context) error
}

// API denotes a REST API for a scale
type API struct {
	device scale.Device
	router *fiber.App

	requestTimeout time.Duration
	sub            scale.Subscription

	mu   sync.RWMutex
	last *scale.Reading

	logger scale.Logger
}

// ReadingResponse denotes the JSON representation of a reading
type ReadingResponse struct {
	Value     decimal.Decimal `json:"value"`
	Unit      scale.Unit      `json:"unit"`
	Stable    bool            `json:"stable"`
	TimeStamp time.Time       `json:"timestamp"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}

// StatusResponse denotes the JSON representation of the device status
type StatusResponse struct {
	Device       string  `json:"device"`
	Manufacturer string  `json:"manufacturer,omitempty"`
	Model        string  `json:"model,omitempty"`
	Transport    string  `json:"transport"`
	Address      string  `json:"address"`
	Status       string  `json:"status"`
	Continuous   bool    `json:"continuous"`
	ConnectedFor float64 `json:"connected_for_seconds"`
}

// RawRequest denotes the body of a raw command request
type RawRequest struct {
	Command string `json:"command"`
}

// RawResponse denotes the response to a raw command request
type RawResponse struct {
	Response string `json:"response"`
}

// ErrorResponse denotes the body of a failed request
type ErrorResponse struct {
	Error string `json:"error"`
}

// New instantiates a new API for the given device, executing functional options, if any
func New(device scale.Device, options ...func(*API)) *API {

	api := &API{
		device:         device,
		requestTimeout: defaultRequestTimeout,
		logger:         &scale.NullLogger{},
	}

	// Execute functional options (if any)
	for _, option := range options {
		option(api)
	}

	api.router = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          api.handleError,
	})

	// Track the latest streamed reading
	api.sub = device.OnReading(func(reading scale.Reading) {
		api.mu.Lock()
		api.last = &reading
		api.mu.Unlock()
	})

	// Setup routes
	api.router.Get("/status", api.handleStatus())
	api.router.Get("/weight", api.handleWeight())
	api.router.Get("/reading/last", api.handleLastReading())
	api.router.Post("/connect", api.handleAction("connect", device.Connect))
	api.router.Post("/disconnect", api.handleAction("disconnect", device.Disconnect))
	api.router.Post("/zero", api.handleAction("zero", device.ZeroScale))
	api.router.Post("/continuous/start", api.handleAction("start continuous reading", device.StartContinuousReading))
	api.router.Post("/continuous/stop", api.handleAction("stop continuous reading", device.StopContinuousReading))
	api.router.Post("/raw", api.handleRaw())
	api.router.Post("/toggle_buzzer", api.handleToggleBuzzer())

	return api
}

// WithRequestTimeout bounds the duration of each device operation triggered by a request
func WithRequestTimeout(timeout time.Duration) func(*API) {
	return func(api *API) {
		if timeout > 0 {
			api.requestTimeout = timeout
		}
	}
}

// WithLogger sets a logger
func WithLogger(logger scale.Logger) func(*API) {
	return func(api *API) {
		if logger != nil {
			api.logger = logger
		}
	}
}

// App provides access to the underlying router (e.g. for testing)
func (api *API) App() *fiber.App {
	return api.router
}

// Start listens on the given endpoint in the background
func (api *API) Start(endpoint string) {
	go func() {
		if err := api.router.Listen(endpoint); err != nil {
			api.logger.Errorf("API listener on %s terminated: %s", endpoint, err)
		}
	}()
	api.logger.Infof("API listening on %s", endpoint)
}

// Shutdown stops the listener and unregisters from the device
func (api *API) Shutdown() error {
	api.sub.Cancel()
	return api.router.Shutdown()
}

////////////////////////////////////////////////////////////////////////////////

func (api *API) handleStatus() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		identity, cfg := api.device.Identity(), api.device.Config()
		return c.JSON(StatusResponse{
			Device:       identity.DisplayName(),
			Manufacturer: identity.Manufacturer,
			Model:        identity.Model,
			Transport:    string(cfg.Type),
			Address:      cfg.Address,
			Status:       api.device.ConnectionStatus().String(),
			Continuous:   api.device.IsContinuousReadingActive(),
			ConnectedFor: api.device.ConnectedFor().Seconds(),
		})
	}
}

func (api *API) handleWeight() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), api.requestTimeout)
		defer cancel()

		reading, err := api.device.GetWeight(ctx)
		if err != nil {
			return err
		}
		return c.JSON(newReadingResponse(reading))
	}
}

func (api *API) handleLastReading() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		api.mu.RLock()
		last := api.last
		api.mu.RUnlock()

		if last == nil {
			return c.SendStatus(fiber.StatusNoContent)
		}
		return c.JSON(newReadingResponse(*last))
	}
}

func (api *API) handleAction(op string, fn func(ctx context.Context) error) func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), api.requestTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			return err
		}
		api.logger.Debugf("API: %s performed on %s", op, api.device.Identity().DisplayName())

		return c.SendStatus(fiber.StatusNoContent)
	}
}

func (api *API) handleRaw() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		var req RawRequest
		if err := c.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, "malformed request body")
		}
		if req.Command == "" {
			return fiber.NewError(fiber.StatusBadRequest, "no command specified")
		}

		ctx, cancel := context.WithTimeout(c.UserContext(), api.requestTimeout)
		defer cancel()

		resp, err := api.device.SendRawCommand(ctx, req.Command)
		if err != nil {
			return err
		}
		return c.JSON(RawResponse{Response: resp})
	}
}

func (api *API) handleToggleBuzzer() func(c *fiber.Ctx) error {
	return func(c *fiber.Ctx) error {
		toggler, ok := api.device.(buzzerToggler)
		if !ok {
			return scale.ErrUnsupported
		}

		ctx, cancel := context.WithTimeout(c.UserContext(), api.requestTimeout)
		defer cancel()

		if err := toggler.ToggleBuzzingOnTouch(ctx); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

// handleError maps device errors to HTTP status codes
func (api *API) handleError(c *fiber.Ctx, err error) error {
	code := StatusCode(err)
	if code >= fiber.StatusInternalServerError {
		api.logger.Warnf("API: %s %s failed: %s", c.Method(), c.Path(), err)
	}

	return c.Status(code).JSON(ErrorResponse{Error: err.Error()})
}

// StatusCode returns the HTTP status code corresponding to an error
func StatusCode(err error) int {
	var fiberErr *fiber.Error
	switch {
	case errors.As(err, &fiberErr):
		return fiberErr.Code
	case errors.Is(err, scale.ErrDisposed):
		return fiber.StatusGone
	case errors.Is(err, scale.ErrInvalidState):
		return fiber.StatusConflict
	case errors.Is(err, scale.ErrUnsupported):
		return fiber.StatusNotImplemented
	case errors.Is(err, scale.ErrConfig):
		return fiber.StatusBadRequest
	case errors.Is(err, scale.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	case errors.Is(err, scale.ErrDeviceFault):
		return fiber.StatusBadGateway
	}

	return fiber.StatusInternalServerError
}

func newReadingResponse(reading scale.Reading) ReadingResponse {
	return ReadingResponse{
		Value:     reading.Value,
		Unit:      reading.Unit,
		Stable:    reading.IsStable,
		TimeStamp: reading.TimeStamp,
		Metadata:  reading.Metadata,
	}
}
