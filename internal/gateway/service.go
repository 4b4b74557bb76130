// Package gateway exposes the HTTP surface: REST reads, session mutations,
// and the WebSocket upgrade endpoint.
package gateway

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/bridge"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events"
	"github.com/agentdeck/agentdeck/internal/events/bus"
	"github.com/agentdeck/agentdeck/internal/journal"
	"github.com/agentdeck/agentdeck/internal/store"
	"github.com/agentdeck/agentdeck/pkg/wire"
)

const eventSource = "gateway"

// Service implements the REST operations over the store, delegating journal
// writes to the bridge and announcing row changes on the event bus.
type Service struct {
	store  *store.Store
	layout *journal.Layout
	bridge *bridge.Bridge
	bus    bus.EventBus
	logger *logger.Logger
}

// NewService creates the gateway service.
func NewService(st *store.Store, layout *journal.Layout, br *bridge.Bridge, eventBus bus.EventBus, log *logger.Logger) *Service {
	return &Service{
		store:  st,
		layout: layout,
		bridge: br,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "gateway")),
	}
}

// ListProjects returns all known projects.
func (s *Service) ListProjects(ctx context.Context) ([]wire.Project, error) {
	projects, err := s.store.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]wire.Project, 0, len(projects))
	for _, p := range projects {
		out = append(out, p.ToWire())
	}
	return out, nil
}

// ListSessions returns a project's sessions, pinned first then most recent.
func (s *Service) ListSessions(ctx context.Context, projectID string, opts store.ListSessionsOptions) ([]wire.Session, error) {
	sessions, err := s.store.ListSessions(ctx, projectID, opts)
	if err != nil {
		return nil, err
	}
	return toWireSessions(sessions), nil
}

// RecentSessions returns the most recently written sessions across projects.
func (s *Service) RecentSessions(ctx context.Context, limit int) ([]wire.Session, error) {
	sessions, err := s.store.ListRecentSessions(ctx, limit)
	if err != nil {
		return nil, err
	}
	return toWireSessions(sessions), nil
}

// GetSession returns one session row. A session reached through the wrong
// project path is ErrNotFound.
func (s *Service) GetSession(ctx context.Context, projectID, sessionID string) (*wire.Session, error) {
	sess, err := s.sessionInProject(ctx, projectID, sessionID)
	if err != nil {
		return nil, err
	}
	out := sess.ToWire()
	return &out, nil
}

// ListItems returns a session's items after the given line. includeDebug
// keeps debug-only items in the result.
func (s *Service) ListItems(ctx context.Context, projectID, sessionID string, afterLine int64, includeDebug bool) ([]wire.SessionItem, error) {
	if _, err := s.sessionInProject(ctx, projectID, sessionID); err != nil {
		return nil, err
	}
	items, err := s.store.ListItems(ctx, sessionID, afterLine, includeDebug)
	if err != nil {
		return nil, err
	}
	out := make([]wire.SessionItem, 0, len(items))
	for _, item := range items {
		out = append(out, item.ToWire())
	}
	return out, nil
}

// SessionPatch is the partial update accepted by UpdateSession. Nil fields
// are left unchanged.
type SessionPatch struct {
	Title    *string `json:"title"`
	Archived *bool   `json:"archived"`
	Pinned   *bool   `json:"pinned"`
}

// UpdateSession applies a patch to a session row. A title change is written
// to the store immediately and handed to the bridge, which appends the
// journal line once the session's process is quiet. The updated row is
// broadcast as session_updated.
func (s *Service) UpdateSession(ctx context.Context, projectID, sessionID string, patch SessionPatch) (*wire.Session, error) {
	if _, err := s.sessionInProject(ctx, projectID, sessionID); err != nil {
		return nil, err
	}

	if patch.Title != nil {
		if err := s.store.UpdateSessionTitle(ctx, sessionID, *patch.Title); err != nil {
			return nil, fmt.Errorf("update title: %w", err)
		}
		if err := s.bridge.SetTitle(projectID, sessionID, *patch.Title); err != nil {
			// The store copy is already correct; the journal line is
			// best-effort durability for other journal readers.
			s.logger.WithError(err).Warn("Failed to record title in journal",
				zap.String("session_id", sessionID))
		}
	}
	if patch.Archived != nil {
		if err := s.store.SetSessionArchived(ctx, sessionID, *patch.Archived); err != nil {
			return nil, fmt.Errorf("update archived: %w", err)
		}
	}
	if patch.Pinned != nil {
		if err := s.store.SetSessionPinned(ctx, sessionID, *patch.Pinned); err != nil {
			return nil, fmt.Errorf("update pinned: %w", err)
		}
	}

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.publishSessionEvent(ctx, events.SessionUpdated, wire.TypeSessionUpdated, sess)
	out := sess.ToWire()
	return &out, nil
}

// DeleteSession removes a session's rows and its journal file, and
// broadcasts session_removed. The journal removal is best-effort; a file
// already gone is not an error.
func (s *Service) DeleteSession(ctx context.Context, projectID, sessionID string) error {
	sess, err := s.sessionInProject(ctx, projectID, sessionID)
	if err != nil {
		return err
	}

	// Drop any staged rename first so a late flush cannot recreate the file.
	s.bridge.Discard(sessionID)

	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session rows: %w", err)
	}

	path := s.layout.SessionPath(projectID, sessionID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.WithError(err).Warn("Failed to remove journal file",
			zap.String("path", path))
	}

	s.publishSessionEvent(ctx, events.SessionRemoved, wire.TypeSessionRemoved, sess)
	s.logger.Info("Deleted session",
		zap.String("session_id", sessionID),
		zap.String("project_id", projectID))
	return nil
}

// sessionInProject loads a session and verifies it belongs to the project
// named in the request path.
func (s *Service) sessionInProject(ctx context.Context, projectID, sessionID string) (*store.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.ProjectID != projectID {
		return nil, store.ErrNotFound
	}
	return sess, nil
}

func (s *Service) publishSessionEvent(ctx context.Context, eventType, frameType string, sess *store.Session) {
	frame := wire.NewSessionFrame(frameType, sess.ToWire())

	var subject string
	switch eventType {
	case events.SessionRemoved:
		subject = events.BuildSessionRemovedSubject(sess.ID)
	default:
		subject = events.BuildSessionUpdatedSubject(sess.ID)
	}
	if err := s.bus.Publish(ctx, subject, bus.NewEvent(eventType, eventSource, frame)); err != nil {
		s.logger.WithError(err).Warn("Failed to publish session event",
			zap.String("session_id", sess.ID))
	}
}

func toWireSessions(sessions []*store.Session) []wire.Session {
	out := make([]wire.Session, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.ToWire())
	}
	return out
}
