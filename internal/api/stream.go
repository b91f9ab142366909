package api

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// streamTokenTTL bounds how long a minted stream token stays valid.
	streamTokenTTL = 5 * time.Minute
	// streamBuffer is the per-subscriber event buffer. Subscribers that
	// fall this far behind are dropped by the supervisor.
	streamBuffer = 64
)

// StreamToken mints a short-lived signed token granting WebSocket access
// to one task's event stream. Browsers cannot set an Authorization header
// on WebSocket upgrades, so the UI trades its bearer credential for this
// token and passes it in the query string.
func (h *Handlers) StreamToken(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}

	if !h.cfg.StreamSigningEnabled() {
		return problemResponse(c, fiber.StatusNotImplemented,
			"stream_tokens_disabled", "Not Implemented",
			"SECRET_KEY_BASE is not configured")
	}

	task, err := h.store.GetTask(id)
	if err != nil {
		return problemFromError(c, err)
	}
	if task == nil {
		return problemResponse(c, fiber.StatusNotFound,
			"not_found", "Not Found", fmt.Sprintf("task %d not found", id))
	}

	now := time.Now()
	expiresAt := now.Add(streamTokenTTL)
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(id, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
		SignedString([]byte(h.cfg.SecretKeyBase))
	if err != nil {
		return problemFromError(c, err)
	}

	return c.JSON(streamTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt.UnixMilli(),
	})
}

// streamUpgrade authenticates the stream request before the WebSocket
// upgrade, while a plain HTTP error response is still possible. With
// signing enabled a per-task token is required; without it the service
// password is accepted in the query string; with neither the stream is
// open, matching the rest of the API.
func (h *Handlers) streamUpgrade(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}

	switch {
	case h.cfg.StreamSigningEnabled():
		subject, err := h.verifyStreamToken(c.Query("token"))
		if err != nil || subject != strconv.FormatInt(id, 10) {
			return problemResponse(c, fiber.StatusUnauthorized,
				"invalid_stream_token", "Unauthorized",
				"a valid stream token for this task is required")
		}
	case h.cfg.AuthEnabled():
		if c.Query("password") != h.cfg.ServicePassword {
			return problemResponse(c, fiber.StatusUnauthorized,
				"invalid_credentials", "Unauthorized",
				"invalid service password")
		}
	}

	if !websocket.IsWebSocketUpgrade(c) {
		return problemResponse(c, fiber.StatusUpgradeRequired,
			"upgrade_required", "Upgrade Required",
			"this endpoint only accepts WebSocket connections")
	}

	c.Locals("stream_task_id", id)
	return c.Next()
}

func (h *Handlers) verifyStreamToken(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("missing stream token")
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return []byte(h.cfg.SecretKeyBase), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// streamHandler returns the WebSocket handler that forwards supervisor
// events as JSON text frames. The supervisor replays the current status
// on attach; the stream closes when the session ends or the client
// disconnects. A task without a live session gets a single error frame.
func (h *Handlers) streamHandler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		defer conn.Close()

		taskID, _ := conn.Locals("stream_task_id").(int64)

		sup, ok := h.registry.Get(taskID)
		if !ok {
			_ = conn.WriteJSON(fiber.Map{"type": "error", "error": "no live session"})
			return
		}

		sub := sup.Subscribe(streamBuffer)
		defer sub.Close()

		clientGone := make(chan struct{})
		go func() {
			defer close(clientGone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		h.logger.Debug().Int64("task_id", taskID).Msg("stream attached")

		for {
			select {
			case ev, open := <-sub.C:
				if !open {
					return
				}
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			case <-clientGone:
				return
			}
		}
	})
}
