package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"order-stream/domain"
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, pub Publisher, dir Directory, seq SequenceReader, rooms Rooms, auth Authenticator, deduper Deduper, stats StatsSource, logger *log.Logger) {
	e.GET("/ws", getWS(rooms, auth, logger))
	e.POST("/api/orders", postOrder(pub, auth))
	e.GET("/api/orders/:id", getOrder(dir, seq, auth))
	e.POST("/api/orders/:id/status", postStatus(pub, auth, deduper, logger))
	e.POST("/api/orders/:id/driver", postDriver(pub, auth))
	e.POST("/api/orders/:id/location", postLocation(pub, dir, auth))
	e.POST("/api/orders/:id/arrived", postArrived(pub, dir, auth))
	e.POST("/api/orders/:id/messages", postMessage(pub, dir, auth))
	e.POST("/api/alerts", postAlert(pub, auth))
	e.GET("/api/stream/stats", getStreamStats(stats, auth))
	e.GET("/healthz", healthz())
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func decodeBody(c echo.Context, out any) error {
	lr := io.LimitReader(c.Request().Body, requestBodyMaxSize)
	dec := sonic.ConfigStd.NewDecoder(lr)
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

// domainStatus maps domain errors onto HTTP statuses. Unknown errors
// surface as 500.
func domainStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrAuthFailure):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(c echo.Context, err error) error {
	return c.JSON(domainStatus(err), errorResponse{Error: err.Error()})
}

func postOrder(pub Publisher, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity, err := auth.IdentityFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		if identity.Role == domain.RoleDriver {
			return c.JSON(http.StatusForbidden, errorResponse{Error: "drivers cannot place orders"})
		}

		var req createOrderRequest
		if err := decodeBody(c, &req); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}
		if req.RestaurantID == "" {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "restaurant_id is required"})
		}

		clientID := req.ClientID
		if identity.Role == domain.RoleCustomer {
			// Customers always order as themselves.
			clientID = identity.SubjectID
		}
		if clientID == "" {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "client_id is required"})
		}

		order, err := pub.CreateOrder(c.Request().Context(), domain.Order{
			ClientID:     clientID,
			RestaurantID: req.RestaurantID,
			Zone:         req.Zone,
		})
		if err != nil {
			c.Logger().Error(err)
			return writeDomainError(c, err)
		}
		return c.JSON(http.StatusCreated, order)
	}
}

// getOrder is the resync endpoint: the current order snapshot plus the
// highest sequence number issued for it.
func getOrder(dir Directory, seq SequenceReader, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		identity, err := auth.IdentityFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}

		order, err := dir.GetOrder(ctx, c.Param("id"))
		if err != nil {
			return writeDomainError(c, err)
		}
		if !identity.CanAccessOrder(order) {
			return c.JSON(http.StatusForbidden, errorResponse{Error: "forbidden"})
		}

		current, err := seq.Current(ctx, order.ID)
		if err != nil {
			c.Logger().Error(err)
			return c.JSON(http.StatusInternalServerError, errorResponse{Error: "sequence unavailable"})
		}
		return c.JSON(http.StatusOK, resyncResponse{Order: order, Sequence: current})
	}
}

func postStatus(pub Publisher, auth Authenticator, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newStatusRequestMetrics(ctx, logger)
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		authStart := time.Now()
		identity, authErr := auth.IdentityFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		metrics.ObserveAuth(time.Since(authStart))
		if authErr != nil {
			metrics.SetErrorStage("auth")
			err = c.JSON(http.StatusUnauthorized, errorResponse{Error: authErr.Error()})
			return err
		}

		var req statusUpdateRequest
		if decodeErr := decodeBody(c, &req); decodeErr != nil {
			metrics.SetErrorStage("decode")
			err = c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
			return err
		}
		target, parseErr := domain.ParseStatus(req.Status)
		if parseErr != nil {
			metrics.SetErrorStage("invalid_status")
			err = c.JSON(http.StatusBadRequest, errorResponse{Error: "unknown status"})
			return err
		}
		metrics.SetTargetStatus(string(target))

		orderID := c.Param("id")
		if roleErr := statusChangeAllowed(identity, target); roleErr != nil {
			metrics.SetErrorStage("authz")
			err = writeDomainError(c, roleErr)
			return err
		}

		key := c.Request().Header.Get("Idempotency-Key")
		if key != "" && deduper != nil {
			added, dedupeErr := deduper.Add(ctx, orderID, key)
			if dedupeErr != nil {
				logger.WithError(dedupeErr).Warn("dedupe check failed, processing anyway")
			} else if !added {
				metrics.SetDuplicate(true)
				err = c.NoContent(http.StatusNoContent)
				return err
			}
		}

		commitStart := time.Now()
		order, commitErr := pub.Transition(ctx, orderID, target)
		metrics.ObserveCommit(time.Since(commitStart))
		if commitErr != nil {
			if deduper != nil && key != "" {
				if rmErr := deduper.Remove(ctx, orderID, key); rmErr != nil {
					logger.WithError(rmErr).Errorf("dedupe rollback failed, key: %s, order: %s", key, orderID)
				}
			}
			metrics.SetErrorStage("commit")
			err = writeDomainError(c, commitErr)
			return err
		}

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, order)
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

// statusChangeAllowed applies the role rules for status updates.
// Customers may only cancel; drivers may only move orders through the
// delivery leg; admins may do anything.
func statusChangeAllowed(identity domain.Identity, target domain.Status) error {
	switch identity.Role {
	case domain.RoleAdmin:
		return nil
	case domain.RoleCustomer:
		if target == domain.StatusCancelled {
			return nil
		}
		return domain.ErrUnauthorized
	case domain.RoleDriver:
		switch target {
		case domain.StatusPickedUp, domain.StatusDelivering, domain.StatusDelivered:
			return nil
		}
		return domain.ErrUnauthorized
	default:
		return domain.ErrAuthFailure
	}
}

func postDriver(pub Publisher, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity, err := auth.IdentityFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		if identity.Role != domain.RoleAdmin {
			return c.JSON(http.StatusForbidden, errorResponse{Error: "forbidden"})
		}

		var req assignDriverRequest
		if err := decodeBody(c, &req); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}
		if req.DriverID == "" {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "driver_id is required"})
		}

		order, err := pub.AssignDriver(c.Request().Context(), c.Param("id"), req.DriverID, req.DriverSummary)
		if err != nil {
			return writeDomainError(c, err)
		}
		return c.JSON(http.StatusOK, order)
	}
}

// assignedDriver checks the caller is the courier on the order, admins
// pass unconditionally.
func assignedDriver(c echo.Context, dir Directory, identity domain.Identity) error {
	if identity.Role == domain.RoleAdmin {
		return nil
	}
	if identity.Role != domain.RoleDriver {
		return domain.ErrUnauthorized
	}
	order, err := dir.GetOrder(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if order.DriverID == nil || *order.DriverID != identity.SubjectID {
		return domain.ErrUnauthorized
	}
	return nil
}

func postLocation(pub Publisher, dir Directory, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity, err := auth.IdentityFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		if err := assignedDriver(c, dir, identity); err != nil {
			return writeDomainError(c, err)
		}

		var req locationRequest
		if err := decodeBody(c, &req); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}
		if err := pub.RecordLocation(c.Request().Context(), c.Param("id"), req.Lat, req.Lng); err != nil {
			return writeDomainError(c, err)
		}
		return c.NoContent(http.StatusAccepted)
	}
}

func postArrived(pub Publisher, dir Directory, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity, err := auth.IdentityFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		if err := assignedDriver(c, dir, identity); err != nil {
			return writeDomainError(c, err)
		}
		if err := pub.Arrived(c.Request().Context(), c.Param("id")); err != nil {
			return writeDomainError(c, err)
		}
		return c.NoContent(http.StatusAccepted)
	}
}

func postMessage(pub Publisher, dir Directory, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		identity, err := auth.IdentityFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}

		order, err := dir.GetOrder(ctx, c.Param("id"))
		if err != nil {
			return writeDomainError(c, err)
		}
		if !identity.CanAccessOrder(order) {
			return c.JSON(http.StatusForbidden, errorResponse{Error: "forbidden"})
		}

		var req messageRequest
		if err := decodeBody(c, &req); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}
		if req.Text == "" {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "text is required"})
		}

		if err := pub.PostMessage(ctx, order.ID, identity.Role, req.Text); err != nil {
			return writeDomainError(c, err)
		}
		return c.NoContent(http.StatusAccepted)
	}
}

func postAlert(pub Publisher, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity, err := auth.IdentityFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		if identity.Role != domain.RoleAdmin {
			return c.JSON(http.StatusForbidden, errorResponse{Error: "forbidden"})
		}

		var req alertRequest
		if err := decodeBody(c, &req); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}
		if req.Message == "" {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "message is required"})
		}
		if req.Severity == "" {
			req.Severity = "info"
		}

		pub.SystemAlert(req.Message, req.Severity)
		return c.NoContent(http.StatusAccepted)
	}
}

func getStreamStats(stats StatsSource, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity, err := auth.IdentityFromAuthHeader(c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}
		if identity.Role != domain.RoleAdmin {
			return c.JSON(http.StatusForbidden, errorResponse{Error: "forbidden"})
		}
		return c.JSON(http.StatusOK, stats.Stats())
	}
}
