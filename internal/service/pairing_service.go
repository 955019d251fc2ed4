package service

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tomnoakes9/iRacing-Telemetry/internal/config"
	"github.com/tomnoakes9/iRacing-Telemetry/internal/logger"
	"github.com/tomnoakes9/iRacing-Telemetry/internal/metrics"
	"github.com/tomnoakes9/iRacing-Telemetry/internal/model"
	"github.com/tomnoakes9/iRacing-Telemetry/internal/registry"
)

// RegisterRequest is a parsed register frame
type RegisterRequest struct {
	SessionID string
	Role      model.Role
	Code      string // Declared sharer code, or the code a viewer wants to pair with
}

// PairingService handles registration, pairing and teardown.
// Session fields and both registries are only mutated while holding mu, so a
// pairing and a concurrent teardown of the same session cannot interleave.
type PairingService struct {
	mu       sync.RWMutex
	sessions *registry.SessionRegistry
	codes    *registry.CodeRegistry
	policy   config.PairingConfig
	metrics  *metrics.Relay
	now      func() time.Time
}

// NewPairingService creates a new pairing service
func NewPairingService(
	sessions *registry.SessionRegistry,
	codes *registry.CodeRegistry,
	policy config.PairingConfig,
) *PairingService {
	return &PairingService{
		sessions: sessions,
		codes:    codes,
		policy:   policy,
		now:      time.Now,
	}
}

// SetMetrics sets the collector for pairing events
func (s *PairingService) SetMetrics(m *metrics.Relay) {
	s.metrics = m
}

// Register creates or resumes the session for req.SessionID on conn.
// Sharers get a code; viewers carrying a code pair immediately under the eager flow.
// A pairing failure leaves the viewer registered, so the returned session may be
// non-nil alongside an error.
func (s *PairingService) Register(conn model.Conn, req RegisterRequest) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.sessions.Upsert(req.SessionID, req.Role, conn, s.now())
	if err != nil {
		return nil, err
	}
	sess := res.Session
	log := logger.Session(sess.ID).WithFields(logrus.Fields{"role": sess.Role, "conn_id": conn.ID()})

	if res.Replaced != nil {
		res.Replaced.Close()
		log.Info("Session moved to a new connection")
	}
	switch {
	case res.Created:
		log.Info("Session registered")
	case res.Resumed:
		s.metrics.Reconnected()
		log.Info("Session resumed within grace period")
	}

	if sess.Role == model.RoleSharer {
		if err := s.assignCodeLocked(sess, req.Code); err != nil {
			if res.Created {
				// a brand new sharer without a code holds nothing worth keeping
				s.sessions.Remove(sess.ID)
				return nil, err
			}
			return sess, err
		}
	}

	peer, linked := s.linkedLocked(sess)
	switch {
	case linked && peer.Live():
		s.notify(sess, model.PairedMessage(peer))
		s.notify(peer, model.PairedMessage(sess))
		log.WithField("peer_id", peer.ID).Info("Pairing restored")
	case !linked:
		sess.PairedWith = ""
	}

	if sess.Role == model.RoleViewer && req.Code != "" && s.policy.Flow == config.FlowEager {
		if linked {
			if owner, ok := s.codes.Resolve(req.Code); ok && owner == peer.ID {
				if !peer.Live() {
					// the link is kept so the pairing resumes when the sharer returns
					return sess, fmt.Errorf("%w: sharer for %s is not connected", ErrPeerOffline, registry.NormalizeCode(req.Code))
				}
				return sess, nil
			}
		}
		if err := s.pairLocked(sess, req.Code); err != nil {
			return sess, err
		}
	}
	return sess, nil
}

// assignCodeLocked gives a sharer its active code and announces it
func (s *PairingService) assignCodeLocked(sess *model.Session, requested string) error {
	switch s.policy.CodeMode {
	case config.CodeDeclared:
		code := registry.NormalizeCode(requested)
		if code == "" {
			if sess.Code == "" {
				return fmt.Errorf("%w: code is required", ErrMalformedMessage)
			}
			code = sess.Code
		}
		if code != sess.Code {
			// claim first so a collision leaves the old code in place
			claimed, err := s.codes.Claim(code, sess.ID)
			if err != nil {
				return err
			}
			if sess.Code != "" {
				s.codes.Release(sess.Code, sess.ID)
			}
			sess.Code = claimed
		}

	default:
		if sess.Code != "" && s.policy.SharerCode == config.SharerCodeKeep {
			if owner, ok := s.codes.Resolve(sess.Code); ok && owner == sess.ID {
				break
			}
			sess.Code = ""
		}
		if sess.Code != "" {
			s.codes.Release(sess.Code, sess.ID)
			sess.Code = ""
		}
		code, err := s.codes.Generate(sess.ID)
		if err != nil {
			return err
		}
		sess.Code = code
	}

	s.notify(sess, model.PairingCodeMessage(sess.Code))
	logger.Session(sess.ID).WithField("code", sess.Code).Info("Sharer holds code")
	return nil
}

// Pair links a viewer to the sharer owning code
func (s *PairingService) Pair(viewerID, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	viewer, ok := s.sessions.Get(viewerID)
	if !ok {
		return ErrNotRegistered
	}
	if viewer.Role != model.RoleViewer {
		return ErrNotViewer
	}
	return s.pairLocked(viewer, code)
}

func (s *PairingService) pairLocked(viewer *model.Session, raw string) error {
	code := registry.NormalizeCode(raw)
	if err := registry.ValidateCode(code); err != nil {
		return err
	}

	ownerID, ok := s.codes.Resolve(code)
	if !ok {
		return fmt.Errorf("%w: %s", ErrCodeNotFound, code)
	}
	sharer, ok := s.sessions.Get(ownerID)
	if !ok {
		s.codes.Release(code, ownerID)
		return fmt.Errorf("%w: %s", ErrCodeNotFound, code)
	}
	if !sharer.Live() {
		return fmt.Errorf("%w: sharer for %s is not connected", ErrPeerOffline, code)
	}

	if peer, ok := s.linkedLocked(viewer); ok && peer.ID == sharer.ID {
		s.notify(viewer, model.PairedMessage(sharer))
		s.notify(sharer, model.PairedMessage(viewer))
		return nil
	}

	// leave any previous partner on either side before linking
	s.unlinkLocked(viewer, true)
	s.unlinkLocked(sharer, true)

	viewer.PairedWith = sharer.ID
	sharer.PairedWith = viewer.ID

	s.notify(viewer, model.PairedMessage(sharer))
	s.notify(sharer, model.PairedMessage(viewer))
	s.metrics.Paired()
	logger.Session(viewer.ID).WithFields(logrus.Fields{"peer_id": sharer.ID, "code": code}).Info("Paired")
	return nil
}

// Disconnect handles conn closing for sessionID. A conn that is no longer the
// session's current connection is ignored.
func (s *PairingService) Disconnect(sessionID string, conn model.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions.Get(sessionID)
	if !ok || sess.Conn != conn {
		return
	}

	if s.policy.Reconnect == config.ReconnectImmediate {
		s.teardownLocked(sess)
		logger.Session(sessionID).Info("Session closed")
		return
	}
	s.markDisconnectedLocked(sess)
}

// markDisconnectedLocked starts the grace period and tells the peer right away
func (s *PairingService) markDisconnectedLocked(sess *model.Session) {
	if sess.DisconnectedAt != nil {
		return
	}
	now := s.now()
	sess.DisconnectedAt = &now

	if peer, ok := s.linkedLocked(sess); ok {
		s.notify(peer, model.UnpairedMessage())
	}
	logger.Session(sess.ID).WithField("grace", s.policy.GracePeriod).Info("Session disconnected, holding for reconnect")
}

// Teardown removes a session, releasing its code and pairing
func (s *PairingService) Teardown(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions.Get(sessionID); ok {
		s.teardownLocked(sess)
	}
}

func (s *PairingService) teardownLocked(sess *model.Session) {
	// a peer told at disconnect time is not told twice
	s.unlinkLocked(sess, sess.DisconnectedAt == nil)
	if sess.Code != "" {
		s.codes.Release(sess.Code, sess.ID)
		sess.Code = ""
	}
	s.sessions.Remove(sess.ID)
}

// unlinkLocked clears both sides of sess's pairing
func (s *PairingService) unlinkLocked(sess *model.Session, notifyPeer bool) {
	if !sess.IsPaired() {
		return
	}
	peerID := sess.PairedWith
	sess.PairedWith = ""

	peer, ok := s.sessions.Get(peerID)
	if !ok || peer.PairedWith != sess.ID {
		return
	}
	peer.PairedWith = ""
	s.metrics.Unpaired()
	if notifyPeer {
		s.notify(peer, model.UnpairedMessage())
	}
	logger.Session(sess.ID).WithField("peer_id", peerID).Info("Unpaired")
}

// Reap evicts sessions whose grace period has run out and returns their IDs.
// Sessions whose connection died unnoticed are marked disconnected first.
func (s *PairingService) Reap() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var evicted []string
	for _, sess := range s.sessions.List() {
		if sess.DisconnectedAt == nil {
			if sess.Conn != nil && sess.Conn.Alive() {
				continue
			}
			if s.policy.Reconnect == config.ReconnectGrace {
				s.markDisconnectedLocked(sess)
				continue
			}
		} else if now.Sub(*sess.DisconnectedAt) < s.policy.GracePeriod {
			continue
		}

		s.teardownLocked(sess)
		evicted = append(evicted, sess.ID)
	}
	s.metrics.Reaped(len(evicted))
	return evicted
}

// Lookup returns a copy of the session for id
func (s *PairingService) Lookup(id string) (model.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions.Get(id)
	if !ok {
		return model.Session{}, false
	}
	return *sess, true
}

// Stats counts sessions, codes and pairings. Connections is left to the caller.
func (s *PairingService) Stats() model.RelayStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := model.RelayStats{ActiveCodes: s.codes.Count()}
	for _, sess := range s.sessions.List() {
		stats.Sessions++
		if sess.DisconnectedAt != nil {
			stats.Disconnected++
		}
		if sess.Role == model.RoleSharer {
			if _, ok := s.linkedLocked(sess); ok {
				stats.Pairings++
			}
		}
	}
	return stats
}

// route finds the live viewer a sharer's telemetry goes to, or why there is none
func (s *PairingService) route(senderID string) (model.Conn, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sender, ok := s.sessions.Get(senderID)
	if !ok {
		return nil, "unregistered"
	}
	if sender.Role != model.RoleSharer {
		return nil, "viewer_sender"
	}
	peer, ok := s.linkedLocked(sender)
	if !ok {
		return nil, "unpaired"
	}
	if !peer.Live() {
		return nil, "peer_offline"
	}
	return peer.Conn, ""
}

// linkedLocked returns sess's peer when the link holds on both sides
func (s *PairingService) linkedLocked(sess *model.Session) (*model.Session, bool) {
	if !sess.IsPaired() {
		return nil, false
	}
	peer, ok := s.sessions.Get(sess.PairedWith)
	if !ok || peer.PairedWith != sess.ID {
		return nil, false
	}
	return peer, true
}

func (s *PairingService) notify(sess *model.Session, msg *model.Outbound) {
	if !sess.Live() {
		return
	}
	if !sess.Conn.Send(msg) {
		logger.Session(sess.ID).WithField("type", msg.Type).Warn("Notification dropped, send buffer full")
	}
}
