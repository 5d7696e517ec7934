package coordinator

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PuuuTao/eway-go/pkg/connection"
	"github.com/PuuuTao/eway-go/pkg/interaction"
	"github.com/PuuuTao/eway-go/pkg/log"
	"github.com/PuuuTao/eway-go/pkg/model"
	"github.com/PuuuTao/eway-go/pkg/wire"
)

// session is the per-device arena entry: link, tracker, refresh loop,
// state and subscribers. All state mutation goes through merge/update
// under stateMu, the single-writer path.
type session struct {
	desc   model.Descriptor
	config Config
	logger log.Logger

	manager *connection.Manager
	tracker *interaction.Tracker

	stateMu sync.Mutex
	state   *model.State

	subMu       sync.Mutex
	subscribers map[uint64]*Subscription
	nextSubID   uint64
	storageInit bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newSession(desc model.Descriptor, config Config, dial dialFunc) *session {
	ctx, cancel := context.WithCancel(context.Background())

	s := &session{
		desc:        desc,
		config:      config,
		logger:      config.Logger,
		state:       model.NewState(desc),
		subscribers: make(map[uint64]*Subscription),
		ctx:         ctx,
		cancel:      cancel,
	}

	s.tracker = interaction.NewTracker(config.CommandTimeout, desc.Key(), config.Logger)

	s.manager = connection.NewManager(func(ctx context.Context) (connection.Session, error) {
		return dial(ctx, desc)
	}, connection.Config{
		Backoff:         config.Backoff,
		StabilityWindow: config.StabilityWindow,
		Device:          desc.Key(),
		Logger:          config.Logger,
	})
	s.manager.OnEnvelope(s.handleEnvelope)
	s.manager.OnStateChange(s.handleConnectionState)
	s.manager.OnConnected(func() {
		// Prime state right after every (re)connect.
		s.refresh()
	})

	return s
}

// start connects and launches the periodic refresh loop.
func (s *session) start(ctx context.Context) error {
	err := s.manager.Start(ctx)

	s.wg.Add(1)
	go s.refreshLoop()

	return err
}

// stop tears the session down: refresh loop, link, pending commands.
func (s *session) stop() {
	s.cancel()
	s.manager.Close()
	s.tracker.Close()
	s.wg.Wait()

	s.updateStatus(model.StatusDisconnected)

	s.subMu.Lock()
	for _, sub := range s.subscribers {
		sub.close()
	}
	s.subscribers = make(map[uint64]*Subscription)
	s.subMu.Unlock()
}

func (s *session) refreshLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.refresh()
		}
	}
}

// refresh issues the type-appropriate poll queries. Responses flow in
// asynchronously through handleEnvelope; a refresh with no responses
// leaves the snapshot untouched.
func (s *session) refresh() error {
	if !s.manager.IsConnected() {
		return connection.ErrNotConnected
	}

	var envs []wire.Envelope
	switch s.desc.Type {
	case model.DeviceCharger:
		info, err := wire.EncodeChargerQuery(s.desc.DeviceID, s.desc.Serial, wire.KindInfo)
		if err != nil {
			return err
		}
		prop, err := wire.EncodeChargerQuery(s.desc.DeviceID, s.desc.Serial, wire.KindProperty)
		if err != nil {
			return err
		}
		envs = append(envs, info, prop)

	case model.DeviceStorage:
		prop, err := wire.EncodeStorageQuery(s.desc.Serial, uuid.NewString(), wire.KindProperty, time.Now())
		if err != nil {
			return err
		}
		envs = append(envs, prop)
	}

	for _, env := range envs {
		if err := s.manager.Send(env); err != nil {
			return err
		}
	}
	return nil
}

// subscribe registers a consumer and delivers the priming snapshot.
func (s *session) subscribe() *Subscription {
	s.subMu.Lock()
	s.nextSubID++
	sub := newSubscription(s.nextSubID, s)
	s.subscribers[sub.id] = sub

	initStorage := s.desc.Type == model.DeviceStorage && !s.storageInit
	if initStorage {
		s.storageInit = true
	}
	s.subMu.Unlock()

	sub.deliver(s.snapshot())

	if initStorage {
		s.wg.Add(1)
		go s.initStoragePower()
	}
	return sub
}

func (s *session) unsubscribe(id uint64) {
	s.subMu.Lock()
	sub, ok := s.subscribers[id]
	if ok {
		delete(s.subscribers, id)
	}
	s.subMu.Unlock()
	if ok {
		sub.close()
	}
}

// initStoragePower runs the one-shot power-control initialization: a
// single info/get; work mode "0" seeds the power target from the
// reported constant power, anything else keeps the default. Never part
// of the periodic refresh loop.
func (s *session) initStoragePower() {
	defer s.wg.Done()

	messageID := uuid.NewString()
	ch, err := s.tracker.Issue(messageID, "")
	if err != nil {
		return
	}

	env, err := wire.EncodeStorageQuery(s.desc.Serial, messageID, wire.KindInfo, time.Now())
	if err != nil {
		s.tracker.Fail(messageID, "", err)
		return
	}
	if err := s.manager.Send(env); err != nil {
		s.tracker.Fail(messageID, "", err)
		s.logError(err, "storage power init")
		return
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			s.logError(res.Err, "storage power init")
			return
		}
		info := res.Decoded.StorageInfo
		if info == nil || info.WorkModeInfo.WorkMode != "0" {
			return
		}
		s.merge(map[string]model.Value{
			wire.KeyConstantPower: model.FloatValue(info.WorkModeInfo.Extend.ConstantPower),
		})
	case <-s.ctx.Done():
	}
}

// setChargingState sends the charg-switch command and records the
// outcome.
func (s *session) setChargingState(ctx context.Context, on bool) error {
	value := wire.ChargeSwitchOff
	if on {
		value = wire.ChargeSwitchOn
	}

	env, err := wire.EncodeChargerCommand(s.desc.DeviceID, s.desc.Serial, wire.CmdChargeSwitch, value, "")
	if err != nil {
		return err
	}

	// Charger responses carry no correlation id; the function topic
	// family allows one in-flight command.
	family := wire.ChargerTopic(s.desc.DeviceID, s.desc.Serial, wire.KindFunction, wire.DirPost)
	return s.issue(ctx, wire.CmdChargeSwitch, "", family, env, nil)
}

// setStoragePower sends the constant-power property set. Range is
// validated by the caller.
func (s *session) setStoragePower(ctx context.Context, watts int) error {
	messageID := uuid.NewString()
	props := []wire.StorageProperty{{
		ID:    wire.PropConstantPower,
		Value: strconv.Itoa(watts),
	}}

	env, err := wire.EncodeStoragePropertySet(s.desc.Serial, messageID, s.config.ProductCode, props, time.Now())
	if err != nil {
		return err
	}

	onSuccess := map[string]model.Value{
		wire.KeyConstantPower: model.FloatValue(float64(watts)),
	}
	return s.issue(ctx, wire.PropConstantPower, messageID, "", env, onSuccess)
}

// issue registers a tracked command, sends it and awaits the result,
// recording the outcome in LastCommand. onSuccess values merge into
// the snapshot when the device confirms.
func (s *session) issue(ctx context.Context, cmdID, correlationID, family string, env wire.Envelope, onSuccess map[string]model.Value) error {
	ch, err := s.tracker.Issue(correlationID, family)
	if err != nil {
		return err
	}

	if err := s.manager.Send(env); err != nil {
		s.tracker.Fail(correlationID, family, err)
		s.recordCommand(cmdID, "", "", err)
		return err
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			s.recordCommand(cmdID, "", "", res.Err)
			return res.Err
		}
		if devErr := res.Decoded.Err; devErr != nil {
			err := fmt.Errorf("device error %d: %s", devErr.Code, devErr.Message)
			s.recordCommand(cmdID, "", "", err)
			return err
		}
		result, detail := commandOutcome(cmdID, res.Decoded)
		s.recordCommand(cmdID, result, detail, nil)
		if onSuccess != nil {
			s.merge(onSuccess)
		}
		return nil

	case <-ctx.Done():
		s.tracker.Fail(correlationID, family, ctx.Err())
		s.recordCommand(cmdID, "", "", ctx.Err())
		return ctx.Err()
	}
}

// commandOutcome extracts the result value and remark for a command
// from its decoded response.
func commandOutcome(cmdID string, d wire.Decoded) (result, detail string) {
	for _, item := range d.Items {
		if item.ID == cmdID {
			return item.Value, item.Remark
		}
	}
	if d.StorageProps != nil {
		for _, p := range d.StorageProps.Property {
			if p.ID == cmdID {
				return p.Value, ""
			}
		}
	}
	return "ok", ""
}

// handleEnvelope is the single inbound path for poll responses and
// unsolicited pushes.
func (s *session) handleEnvelope(env wire.Envelope) {
	decoded, err := wire.Decode(env)
	if err != nil {
		// Malformed payload on a known topic: log, keep last values.
		s.logError(err, env.Topic)
		return
	}
	if decoded.Kind == wire.DecodedUnrecognized {
		s.logDiagnostic(env.Topic)
		return
	}

	s.logMessage(env.Topic)
	s.resolveCommand(decoded)
	s.merge(valuesFromDecoded(decoded))
}

// resolveCommand completes a pending command matching this message.
// Storage responses correlate by messageId; charger function and error
// responses by topic family.
func (s *session) resolveCommand(d wire.Decoded) {
	if d.CorrelationID != "" {
		s.tracker.Resolve(d.CorrelationID, d)
		return
	}
	if d.Kind == wire.DecodedFunction || d.Kind == wire.DecodedError {
		family := wire.ChargerTopic(d.Topic.DeviceID, d.Topic.Serial, wire.KindFunction, wire.DirPost)
		s.tracker.ResolveFamily(family, d)
	}
}

func (s *session) handleConnectionState(_, newState connection.State) {
	s.updateStatus(statusFromConnection(newState))
}

func statusFromConnection(cs connection.State) model.ConnectionStatus {
	switch cs {
	case connection.StateConnecting:
		return model.StatusConnecting
	case connection.StateConnected:
		return model.StatusConnected
	case connection.StateReconnecting:
		return model.StatusReconnecting
	default:
		return model.StatusDisconnected
	}
}

// snapshot returns a clone of the current state.
func (s *session) snapshot() *model.State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state.Clone()
}

// merge applies a decoded message's values atomically and dispatches
// the new snapshot. An empty update is a no-op.
func (s *session) merge(values map[string]model.Value) {
	if len(values) == 0 {
		return
	}

	s.stateMu.Lock()
	for k, v := range values {
		s.state.Values[k] = v
	}
	s.state.LastUpdated = time.Now()
	snap := s.state.Clone()
	s.stateMu.Unlock()

	s.dispatch(snap)
}

// updateStatus reflects a connection transition into the snapshot.
func (s *session) updateStatus(status model.ConnectionStatus) {
	s.stateMu.Lock()
	if s.state.ConnectionStatus == status {
		s.stateMu.Unlock()
		return
	}
	s.state.ConnectionStatus = status
	s.state.LastUpdated = time.Now()
	snap := s.state.Clone()
	s.stateMu.Unlock()

	s.dispatch(snap)
}

// recordCommand stores the latest command outcome, separate from
// telemetry keys.
func (s *session) recordCommand(cmdID, result, detail string, err error) {
	s.stateMu.Lock()
	s.state.LastCommand = model.CommandResult{
		ID:        cmdID,
		Result:    result,
		Detail:    detail,
		Timestamp: time.Now(),
	}
	if err != nil {
		s.state.LastCommand.Err = err.Error()
	}
	s.state.LastUpdated = time.Now()
	snap := s.state.Clone()
	s.stateMu.Unlock()

	s.dispatch(snap)
}

func (s *session) dispatch(snap *model.State) {
	s.subMu.Lock()
	subs := make([]*Subscription, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.subMu.Unlock()

	for _, sub := range subs {
		sub.deliver(snap)
	}
}

func (s *session) logMessage(topic string) {
	s.logger.Log(log.Event{
		Timestamp: time.Now(),
		Device:    s.desc.Key(),
		Direction: log.DirectionIn,
		Layer:     log.LayerCoordinator,
		Category:  log.CategoryMessage,
		Topic:     topic,
	})
}

func (s *session) logDiagnostic(topic string) {
	s.logger.Log(log.Event{
		Timestamp: time.Now(),
		Device:    s.desc.Key(),
		Direction: log.DirectionIn,
		Layer:     log.LayerCoordinator,
		Category:  log.CategoryError,
		Topic:     topic,
		Error: &log.ErrorEventData{
			Message: "unrecognized message dropped",
			Context: topic,
		},
	})
}

func (s *session) logError(err error, context string) {
	s.logger.Log(log.Event{
		Timestamp: time.Now(),
		Device:    s.desc.Key(),
		Direction: log.DirectionNone,
		Layer:     log.LayerCoordinator,
		Category:  log.CategoryError,
		Error: &log.ErrorEventData{
			Message: err.Error(),
			Context: context,
		},
	})
}
