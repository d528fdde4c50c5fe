package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crystal-devs/rc-realtime/internal/auth"
	"github.com/crystal-devs/rc-realtime/internal/errs"
	"github.com/crystal-devs/rc-realtime/internal/metrics"
	"github.com/crystal-devs/rc-realtime/internal/model"
	"github.com/crystal-devs/rc-realtime/internal/store"
)

// CredentialVerifier checks a bearer credential.
type CredentialVerifier interface {
	Verify(token string) (auth.Principal, error)
}

// Credentials is what a client presents in its authenticate message.
type Credentials struct {
	Token      string
	EventID    string
	ShareToken string
	GuestName  string
}

func (c Credentials) method() string {
	switch {
	case c.Token != "":
		return "bearer"
	case c.ShareToken != "":
		return "share"
	default:
		return "none"
	}
}

// Gate authenticates connections and promotes them in the registry.
type Gate struct {
	registry  *Registry
	events    store.EventStore
	verifier  CredentialVerifier
	guestName string
	metrics   *metrics.Metrics
	log       *zap.Logger
	now       func() time.Time
}

func NewGate(registry *Registry, events store.EventStore, verifier CredentialVerifier, guestName string, m *metrics.Metrics, log *zap.Logger) *Gate {
	if guestName == "" {
		guestName = "Guest"
	}
	return &Gate{
		registry:  registry,
		events:    events,
		verifier:  verifier,
		guestName: guestName,
		metrics:   m,
		log:       log.With(zap.String("component", "gate")),
		now:       time.Now,
	}
}

// Authenticate classifies connID from its credentials. On success the identity
// is stored in the registry; the caller closes the transport on failure.
func (g *Gate) Authenticate(ctx context.Context, connID string, cred Credentials) (model.Identity, error) {
	c, ok := g.registry.Get(connID)
	if !ok {
		return model.Identity{}, errs.ErrConnectionNotFound
	}
	if c.Authenticated {
		return model.Identity{}, errs.ErrAlreadyAuthenticated
	}

	method := cred.method()
	identity, err := g.classify(ctx, cred)
	if err == nil {
		_, err = g.registry.Promote(connID, identity)
	}
	if err != nil {
		g.metrics.AuthAttempts.WithLabelValues(method, errs.Code(err)).Inc()
		g.log.Info("authentication failed",
			zap.String("connection_id", connID),
			zap.String("method", method),
			zap.Error(err))
		return model.Identity{}, err
	}

	g.metrics.AuthAttempts.WithLabelValues(method, "success").Inc()
	g.log.Info("connection authenticated",
		zap.String("connection_id", connID),
		zap.String("event_id", identity.EventID),
		zap.String("role", string(identity.Role)))
	return identity, nil
}

func (g *Gate) classify(ctx context.Context, cred Credentials) (model.Identity, error) {
	switch {
	case cred.Token != "":
		principal, err := g.verifier.Verify(cred.Token)
		if err != nil {
			return model.Identity{}, err
		}
		if cred.EventID == "" {
			return model.Identity{}, errs.ErrEventNotFound
		}
		ev, err := g.ResolveEvent(ctx, cred.EventID)
		if err != nil {
			return model.Identity{}, err
		}
		role := model.RoleCoHost
		if principal.UserID == ev.OwnerID {
			role = model.RoleHost
		}
		name := principal.DisplayName
		if name == "" {
			name = principal.UserID
		}
		return model.Identity{
			UserID:      principal.UserID,
			DisplayName: name,
			Role:        role,
			EventID:     ev.ID,
			MultiEvent:  principal.MultiEvent,
		}, nil

	case cred.ShareToken != "":
		ref := cred.EventID
		if ref == "" {
			ref = cred.ShareToken
		}
		ev, err := g.ResolveEvent(ctx, ref)
		if errors.Is(err, errs.ErrEventNotFound) && !IsCanonicalEventID(ref) {
			return model.Identity{}, errs.ErrInvalidShareHandle
		}
		if err != nil {
			return model.Identity{}, err
		}
		if !ev.ShareEnabled || ev.ShareToken == "" || ev.ShareToken != cred.ShareToken {
			return model.Identity{}, errs.ErrInvalidShareHandle
		}
		name := strings.TrimSpace(cred.GuestName)
		if name == "" {
			name = g.guestName
		}
		return model.Identity{
			UserID:      g.guestID(),
			DisplayName: name,
			Role:        model.RoleGuest,
			EventID:     ev.ID,
			ShareToken:  cred.ShareToken,
		}, nil

	default:
		return model.Identity{}, errs.ErrAuthRequired
	}
}

// ResolveEvent loads an event by canonical id, or by share handle when ref is
// not a UUID.
func (g *Gate) ResolveEvent(ctx context.Context, ref string) (model.Event, error) {
	if IsCanonicalEventID(ref) {
		return g.events.GetEvent(ctx, ref)
	}
	return g.events.ResolveEventByShareHandle(ctx, ref)
}

// IsCanonicalEventID reports whether ref is a canonical event id rather than a share handle.
func IsCanonicalEventID(ref string) bool {
	_, err := uuid.Parse(ref)
	return err == nil
}

func (g *Gate) guestID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("guest_%d_%s", g.now().UnixMilli(), suffix)
}
