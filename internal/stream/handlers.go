package stream

import (
	"errors"
	"fmt"

	"backend-fieldtrack/internal/auth"
	"backend-fieldtrack/internal/trip"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

type inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type joinPayload struct {
	SubjectID string `json:"subject_id"`
}

type locationPayload struct {
	SubjectID string   `json:"subject_id"`
	TripID    string   `json:"trip_id"`
	Lat       *float64 `json:"lat"`
	Lng       *float64 `json:"lng"`
}

// session is the identity the connection authenticated with. Both fields
// are empty when the route is mounted without authentication.
type session struct {
	userID string
	role   string
}

var (
	errForeignSubject = fmt.Errorf("cannot act for another subject: %w", trip.ErrForbidden)
	errAdminRequired  = fmt.Errorf("admin role required: %w", trip.ErrForbidden)
)

// RegisterRoutes mounts the websocket endpoint. buffer bounds each
// connection's outbound queue.
func RegisterRoutes(r fiber.Router, hub *Hub, authMiddleware fiber.Handler, buffer int) {
	handlers := []fiber.Handler{}
	if authMiddleware != nil {
		handlers = append(handlers, authMiddleware)
	}
	handlers = append(handlers, websocket.New(func(c *websocket.Conn) {
		userID, role := auth.IdentityFrom(func(key string) interface{} { return c.Locals(key) })
		sess := session{userID: userID, role: role}

		client := NewClient(buffer)

		done := make(chan struct{})
		go func() {
			for msg := range client.Send() {
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					break
				}
			}
			close(done)
		}()

		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				break
			}
			if err := hub.dispatch(client, sess, data); err != nil {
				if !isClientError(err) {
					hub.logger.Warn("handle message", zap.Uint64("conn", client.ID()), zap.Error(err))
				}
				hub.SendError(client, err)
			}
		}
		hub.Disconnect(client)
		<-done
	}))
	r.Get("/ws", handlers...)
}

func (h *Hub) dispatch(c *Client, sess session, data []byte) error {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("malformed message: %w", trip.ErrInvalidInput)
	}

	switch msg.Event {
	case EventJoinTracking:
		var p joinPayload
		if err := decodeData(msg.Data, &p); err != nil {
			return err
		}
		subjectID := p.SubjectID
		if subjectID == "" {
			subjectID = sess.userID
		}
		if !sess.mayActFor(subjectID) {
			return errForeignSubject
		}
		return h.JoinTracking(c, subjectID)

	case EventAdminMonitor:
		if sess.userID != "" && sess.role != auth.RoleAdmin {
			return errAdminRequired
		}
		var p joinPayload
		if err := decodeData(msg.Data, &p); err != nil {
			return err
		}
		h.Monitor(c, p.SubjectID)
		return nil

	case EventLocationUpdate:
		var p locationPayload
		if err := decodeData(msg.Data, &p); err != nil {
			return err
		}
		if p.Lat == nil || p.Lng == nil {
			return fmt.Errorf("location update: lat and lng required: %w", trip.ErrInvalidInput)
		}
		subjectID := p.SubjectID
		if subjectID == "" {
			subjectID, _ = h.registry.SubjectOf(c)
		}
		if subjectID == "" {
			subjectID = sess.userID
		}
		if !sess.mayActFor(subjectID) {
			return errForeignSubject
		}
		_, err := h.OnPositionSample(Sample{SubjectID: subjectID, TripID: p.TripID, Lat: *p.Lat, Lng: *p.Lng})
		return err

	default:
		return fmt.Errorf("unknown event %q: %w", msg.Event, trip.ErrInvalidInput)
	}
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("malformed data: %w", trip.ErrInvalidInput)
	}
	return nil
}

// mayActFor allows unauthenticated sessions, admins, and a user acting for
// themselves.
func (s session) mayActFor(subjectID string) bool {
	return s.userID == "" || s.role == auth.RoleAdmin || s.userID == subjectID
}

func isClientError(err error) bool {
	return errors.Is(err, trip.ErrInvalidInput) || errors.Is(err, trip.ErrForbidden)
}
