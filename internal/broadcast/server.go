// Package broadcast fans simulation output out to connected clients and
// routes their commands back into the tick loop. It is the only place that
// knows the wire protocol.
package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/sandscape/internal/calibration"
	"github.com/banshee-data/sandscape/internal/config"
	"github.com/banshee-data/sandscape/internal/heightfield"
	"github.com/banshee-data/sandscape/internal/monitoring"
	"github.com/banshee-data/sandscape/internal/timeutil"
)

// Core is the part of the pipeline the server talks to.
type Core interface {
	Width() int
	Height() int
	TickRate() float64
	SensorIDs() []string
	Snapshot() *heightfield.Snapshot
	SubmitEdit(heightfield.Edit) error
	SubmitCalibration(sensorID string, reply func(calibration.Result)) error
}

// Config bounds per-session resources.
type Config struct {
	FrameQueueDepth    int
	ControlQueueDepth  int
	MaxOverflowStrikes int
	MaxMalformed       int
	// WriteTimeout bounds a single transport write.
	WriteTimeout time.Duration
}

// ConfigFromTuning builds a Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		FrameQueueDepth:    cfg.GetFrameQueueDepth(),
		ControlQueueDepth:  cfg.GetControlQueueDepth(),
		MaxOverflowStrikes: cfg.GetMaxOverflowStrikes(),
		MaxMalformed:       cfg.GetMaxMalformedCommands(),
		WriteTimeout:       10 * time.Second,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.FrameQueueDepth < 1 || c.ControlQueueDepth < 1 {
		return fmt.Errorf("queue depths must be at least 1, got %d/%d", c.FrameQueueDepth, c.ControlQueueDepth)
	}
	if c.MaxOverflowStrikes < 1 || c.MaxMalformed < 1 {
		return fmt.Errorf("disconnect thresholds must be at least 1, got %d/%d", c.MaxOverflowStrikes, c.MaxMalformed)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("WriteTimeout must be positive, got %v", c.WriteTimeout)
	}
	return nil
}

// Server owns the sessions. PublishFrame and PublishTopography are called
// from the tick loop and never block on a client.
type Server struct {
	cfg     Config
	core    Core
	clock   timeutil.Clock
	metrics *monitoring.Collector
	log     monitoring.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// NewServer validates cfg and returns a server with no sessions.
func NewServer(cfg Config, core Core, clock timeutil.Clock, metrics *monitoring.Collector) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Server{
		cfg:      cfg,
		core:     core,
		clock:    clock,
		metrics:  metrics,
		log:      monitoring.Component("Broadcast"),
		sessions: make(map[string]*Session),
	}, nil
}

// Open registers a session on t, starts its writer and queues WELCOME.
func (s *Server) Open(t Transport) *Session {
	sess := newSession(uuid.NewString(), t, s.clock.Now())

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	n := len(s.sessions)
	s.mu.Unlock()
	s.metrics.SetSessions(n)
	s.log.Printf("session %s connected (total: %d)", sess.ID, n)

	s.wg.Add(1)
	go s.writeLoop(sess)

	s.sendControl(sess, WelcomeMessage{
		Type:      TypeWelcome,
		SessionID: sess.ID,
		Width:     s.core.Width(),
		Height:    s.core.Height(),
		Sensors:   s.core.SensorIDs(),
		TickRate:  s.core.TickRate(),
	})
	return sess
}

// Close ends a session. It is safe to call more than once.
func (s *Server) Close(sess *Session, reason string) {
	if !sess.markClosed(reason) {
		return
	}
	s.mu.Lock()
	delete(s.sessions, sess.ID)
	n := len(s.sessions)
	s.mu.Unlock()

	s.metrics.SetSessions(n)
	s.metrics.Disconnected(reason)
	s.log.Printf("session %s disconnected: %s (remaining: %d)", sess.ID, reason, n)
}

// Shutdown closes every session and waits for their writers.
func (s *Server) Shutdown() {
	s.mu.RLock()
	all := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.RUnlock()
	for _, sess := range all {
		s.Close(sess, ReasonShutdown)
	}
	s.wg.Wait()
}

// Sessions lists open sessions sorted by connection time.
func (s *Server) Sessions() []SessionInfo {
	s.mu.RLock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.info())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Connected.Equal(out[j].Connected) {
			return out[i].ID < out[j].ID
		}
		return out[i].Connected.Before(out[j].Connected)
	})
	return out
}

// Subscribe adds topics to a session.
func (s *Server) Subscribe(sess *Session, topics ...Topic) {
	sess.setTopics(topics, true)
}

// PublishFrame encodes the snapshot once and queues it on every session
// subscribed to frames.
func (s *Server) PublishFrame(snap *heightfield.Snapshot) {
	data, err := json.Marshal(NewFrameMessage(snap))
	if err != nil {
		s.log.Printf("encode frame %d: %v", snap.Sequence, err)
		return
	}
	s.fanOut(TopicFrames, data)
}

// PublishTopography queues a summary on every session subscribed to
// topography.
func (s *Server) PublishTopography(summary heightfield.Summary) {
	data, err := json.Marshal(TopographyMessage{Type: TypeTopography, Summary: summary})
	if err != nil {
		s.log.Printf("encode topography: %v", err)
		return
	}
	s.fanOut(TopicTopography, data)
}

func (s *Server) fanOut(topic Topic, data []byte) {
	s.mu.RLock()
	targets := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.Subscribed(topic) {
			targets = append(targets, sess)
		}
	}
	s.mu.RUnlock()

	for _, sess := range targets {
		dropped, strikes := sess.pushFrame(data, s.cfg.FrameQueueDepth)
		if !dropped {
			continue
		}
		s.metrics.FrameDropped()
		if strikes >= s.cfg.MaxOverflowStrikes {
			s.sendControl(sess, ErrorMessage{
				Type:   TypeError,
				Kind:   KindOverflow,
				Detail: fmt.Sprintf("%v after %d dropped frames", ErrSessionOverflow, strikes),
			})
			s.Close(sess, ReasonOverflow)
		}
	}
}

// HandleCommand parses and routes one inbound message. Malformed messages
// get an ERROR reply; too many in a row close the session.
func (s *Server) HandleCommand(sess *Session, data []byte) error {
	if sess.Reason() != "" {
		return ErrSessionClosed
	}
	err := s.route(sess, data)
	if errors.Is(err, ErrMalformedCommand) {
		s.metrics.CommandRejected(KindMalformed)
		s.sendControl(sess, ErrorMessage{Type: TypeError, Kind: KindMalformed, Detail: err.Error()})
		sess.mu.Lock()
		sess.malformed++
		n := sess.malformed
		sess.mu.Unlock()
		if n >= s.cfg.MaxMalformed {
			s.Close(sess, ReasonMalformed)
		}
		return err
	}
	sess.mu.Lock()
	sess.malformed = 0
	sess.mu.Unlock()
	return err
}

func (s *Server) route(sess *Session, data []byte) error {
	m, err := ParseClientMessage(data)
	if err != nil {
		return err
	}
	switch m.Type {
	case TypeSubscribe, TypeUnsubscribe:
		if len(m.Topics) == 0 {
			return fmt.Errorf("%w: no topics", ErrMalformedCommand)
		}
		topics := make([]Topic, 0, len(m.Topics))
		for _, name := range m.Topics {
			t, err := ParseTopic(name)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrMalformedCommand, err)
			}
			topics = append(topics, t)
		}
		sess.setTopics(topics, m.Type == TypeSubscribe)
		return nil

	case TypeEdit:
		e, err := m.Edit()
		if err != nil {
			return err
		}
		if err := e.Validate(s.core.Width(), s.core.Height()); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedCommand, err)
		}
		if err := s.core.SubmitEdit(e); err != nil {
			s.metrics.CommandRejected(KindBusy)
			s.sendControl(sess, ErrorMessage{Type: TypeError, Kind: KindBusy, Detail: err.Error()})
			return err
		}
		return nil

	case TypeCalibrate:
		reply := func(res calibration.Result) { s.sendControl(sess, calibrationMessage(res)) }
		if err := s.core.SubmitCalibration(m.SensorID, reply); err != nil {
			s.metrics.CommandRejected(KindBusy)
			s.sendControl(sess, CalibrationMessage{
				Type:     TypeCalibrateError,
				SensorID: m.SensorID,
				Status:   KindBusy,
				Reason:   err.Error(),
			})
			return err
		}
		return nil

	case TypeAck:
		sess.mu.Lock()
		if m.Sequence > sess.lastAck {
			sess.lastAck = m.Sequence
		}
		sess.mu.Unlock()
		return nil

	case TypePing:
		s.sendControl(sess, PongMessage{Type: TypePong, Timestamp: m.Timestamp})
		return nil

	case TypeGetFrame:
		s.sendControl(sess, NewFrameMessage(s.core.Snapshot()))
		return nil
	}
	return fmt.Errorf("%w: unknown type %q", ErrMalformedCommand, m.Type)
}

func calibrationMessage(res calibration.Result) CalibrationMessage {
	if res.Err != nil {
		return CalibrationMessage{
			Type:     TypeCalibrateError,
			SensorID: res.SensorID,
			Status:   res.State.String(),
			Reason:   res.Err.Error(),
		}
	}
	return CalibrationMessage{Type: TypeCalibrateAck, SensorID: res.SensorID, Status: res.State.String()}
}

// sendControl queues a message that must not be dropped. A session whose
// control queue is full is closed as overflowed.
func (s *Server) sendControl(sess *Session, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Printf("session %s: encode %T: %v", sess.ID, v, err)
		return
	}
	if !sess.pushControl(data, s.cfg.ControlQueueDepth) {
		s.Close(sess, ReasonOverflow)
	}
}

// writeLoop is the only caller of the session's Transport.Send. When the
// session closes it flushes queued control messages and closes the
// transport.
func (s *Server) writeLoop(sess *Session) {
	defer s.wg.Done()
	defer close(sess.finished)
	defer func() {
		if err := sess.transport.Close(); err != nil {
			s.log.Printf("session %s: close: %v", sess.ID, err)
		}
	}()

	for {
		if !s.drain(sess) {
			s.Close(sess, ReasonWriteError)
			return
		}
		select {
		case <-sess.done:
			s.drain(sess)
			return
		case <-sess.wake:
		}
	}
}

// drain writes queued messages until the queues are empty. It reports false
// on a write error.
func (s *Server) drain(sess *Session) bool {
	for {
		data, ok := sess.next()
		if !ok {
			return true
		}
		if err := sess.transport.Send(data); err != nil {
			return false
		}
		sess.countSent()
	}
}
