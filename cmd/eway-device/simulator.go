package main

import (
	"encoding/json"
	"log"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PuuuTao/eway-go/pkg/wire"
)

// simulator answers decoded queries and produces periodic telemetry.
type simulator interface {
	// handle returns the responses to one inbound envelope.
	handle(env wire.Envelope) []wire.Envelope

	// tick returns the periodic telemetry push, if any.
	tick() []wire.Envelope
}

// serveClient runs the read loop and telemetry pusher for one client.
func serveClient(ws *websocket.Conn, sim simulator, interval time.Duration) {
	defer ws.Close()

	var writeMu sync.Mutex
	send := func(env wire.Envelope) bool {
		data, err := env.Marshal()
		if err != nil {
			log.Printf("Encode failed: %v", err)
			return true
		}
		writeMu.Lock()
		err = ws.WriteMessage(websocket.TextMessage, data)
		writeMu.Unlock()
		return err == nil
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				for _, env := range sim.tick() {
					if !send(env) {
						return
					}
				}
			}
		}
	}()
	defer close(done)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		envs, err := wire.ParseFrame(data)
		if err != nil {
			log.Printf("Malformed frame: %v", err)
			continue
		}
		for _, env := range envs {
			log.Printf("<- %s", env.Topic)
			for _, resp := range sim.handle(env) {
				log.Printf("-> %s", resp.Topic)
				if !send(resp) {
					return
				}
			}
		}
	}
}

// chargerSim simulates an EV charger.
type chargerSim struct {
	deviceID string
	serial   string

	mu       sync.Mutex
	charging bool
	gun      int
	amount   float64 // session energy, kWh
	duration int64   // session seconds
	total    float64 // lifetime energy, kWh
}

func newChargerSim(deviceID, serial string) *chargerSim {
	return &chargerSim{
		deviceID: deviceID,
		serial:   serial,
		gun:      1,
		total:    1523.4,
	}
}

func (s *chargerSim) handle(env wire.Envelope) []wire.Envelope {
	topic, err := wire.ParseTopic(env.Topic)
	if err != nil || topic.Dir != wire.DirGet {
		return nil
	}
	if topic.DeviceID != s.deviceID || topic.Serial != s.serial {
		return nil
	}

	switch topic.Kind {
	case wire.KindInfo:
		return s.infoResponse()
	case wire.KindProperty:
		return s.propertyResponse()
	case wire.KindFunction:
		return s.functionResponse(env.Payload)
	default:
		return nil
	}
}

func (s *chargerSim) infoResponse() []wire.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := wire.ChargerInfo{
		AppFirmVer:   "2.1.7",
		McbFirmVer:   "1.4.0",
		NetFirmVer:   "3.0.2",
		WifiSsid:     "eway-lab",
		TimeZone:     "UTC+8",
		ChargCurrent: intPtr(16),
		ChargeStatus: intPtr(boolToInt(s.charging)),
		GunStatus:    intPtr(s.gun),
		GunLock:      intPtr(0),
		PileStatus:   intPtr(boolToInt(s.charging)),
		NetworkWay:   intPtr(1),
		NfcEnable:    intPtr(1),
		WorkThis:     floatPtr(s.amount),
		WorkTotal:    floatPtr(s.total),
	}
	env, err := wire.NewEnvelope(
		wire.ChargerTopic(s.deviceID, s.serial, wire.KindInfo, wire.DirPost), info)
	if err != nil {
		return nil
	}
	return []wire.Envelope{env}
}

func (s *chargerSim) propertyResponse() []wire.Envelope {
	s.mu.Lock()
	status := wire.ChargerStatus{
		ChargingStatus: intPtr(boolToInt(s.charging)),
		GunStatus:      intPtr(s.gun),
		PileStatus:     intPtr(boolToInt(s.charging)),
	}
	s.mu.Unlock()

	env, err := wire.NewEnvelope(
		wire.ChargerTopic(s.deviceID, s.serial, wire.KindProperty, wire.DirPost), status)
	if err != nil {
		return nil
	}
	return []wire.Envelope{env}
}

func (s *chargerSim) functionResponse(payload json.RawMessage) []wire.Envelope {
	var cmd struct {
		ID    string `json:"id"`
		Value string `json:"value"`
	}
	if err := json.Unmarshal(payload, &cmd); err != nil || cmd.ID == "" {
		env, _ := wire.NewEnvelope(
			wire.ChargerTopic(s.deviceID, s.serial, wire.KindFunction, wire.DirPost),
			wire.DeviceError{Code: 400, Message: "bad command"})
		return []wire.Envelope{env}
	}

	s.mu.Lock()
	if cmd.ID == wire.CmdChargeSwitch {
		s.charging = cmd.Value == wire.ChargeSwitchOn
		if !s.charging {
			s.amount = 0
			s.duration = 0
		}
	}
	s.mu.Unlock()

	env, err := wire.NewEnvelope(
		wire.ChargerTopic(s.deviceID, s.serial, wire.KindFunction, wire.DirPost),
		[]wire.CommandItem{{ID: cmd.ID, Value: cmd.Value, Remark: "success"}})
	if err != nil {
		return nil
	}
	return []wire.Envelope{env}
}

func (s *chargerSim) tick() []wire.Envelope {
	s.mu.Lock()
	var power float64
	if s.charging {
		// Wander around 7 kW.
		power = 7000 + 500*math.Sin(float64(s.duration)/30)
		s.duration += int64(config.Interval.Seconds())
		delta := power * config.Interval.Seconds() / 3600 / 1000
		s.amount += delta
		s.total += delta
	}
	m := wire.MonitorData{
		Amount:      s.amount,
		Power:       power,
		Voltage:     230.1,
		Current:     power / 230.1,
		CurrentL1:   power / 230.1,
		Duration:    s.duration,
		Temperature: 31.4,
		WifiRssi:    -54,
	}
	s.mu.Unlock()

	env, err := wire.NewEnvelope(
		wire.ChargerTopic(s.deviceID, s.serial, wire.KindMonitor, wire.DirPost), m)
	if err != nil {
		return nil
	}
	return []wire.Envelope{env}
}

// storageSim simulates an energy-storage unit.
type storageSim struct {
	serial string

	mu            sync.Mutex
	workMode      string
	constantPower float64
	soc           float64 // tenths of a percent
	pvPower       float64
}

func newStorageSim(serial string) *storageSim {
	return &storageSim{
		serial:        serial,
		workMode:      "0",
		constantPower: 350,
		soc:           872,
		pvPower:       420.5,
	}
}

func (s *storageSim) handle(env wire.Envelope) []wire.Envelope {
	topic, err := wire.ParseTopic(env.Topic)
	if err != nil || topic.Dir != wire.DirGet {
		return nil
	}
	if topic.DeviceID != "" || topic.Serial != s.serial {
		return nil
	}

	switch topic.Kind {
	case wire.KindInfo:
		return s.infoResponse(env.Payload)
	case wire.KindProperty:
		return s.propertyResponse(env.Payload)
	default:
		return nil
	}
}

func (s *storageSim) infoResponse(payload json.RawMessage) []wire.Envelope {
	var query struct {
		MessageID string `json:"messageId"`
	}
	_ = json.Unmarshal(payload, &query)

	s.mu.Lock()
	info := wire.StorageInfo{
		Timestamp: time.Now().UnixMilli(),
		MessageID: query.MessageID,
		WorkModeInfo: wire.WorkModeInfo{
			WorkMode: s.workMode,
			Extend:   wire.StorageExtend{ConstantPower: s.constantPower},
		},
	}
	s.mu.Unlock()

	env, err := wire.NewEnvelope(wire.StorageTopic(s.serial, wire.KindInfo, wire.DirPost), info)
	if err != nil {
		return nil
	}
	return []wire.Envelope{env}
}

func (s *storageSim) propertyResponse(payload json.RawMessage) []wire.Envelope {
	var req struct {
		MessageID string                 `json:"messageId"`
		Property  []wire.StorageProperty `json:"property"`
	}
	_ = json.Unmarshal(payload, &req)

	s.mu.Lock()
	// A property array makes this a set; apply it before echoing.
	for _, p := range req.Property {
		if p.ID == wire.PropConstantPower {
			if watts, err := strconv.ParseFloat(p.Value, 64); err == nil {
				s.constantPower = watts
			}
		}
	}
	post := wire.StoragePropertyPost{
		Timestamp: time.Now().UnixMilli(),
		MessageID: req.MessageID,
		Property: []wire.StorageProperty{
			{
				ID:     wire.PropConstantPower,
				Value:  strconv.FormatFloat(s.constantPower, 'f', -1, 64),
				Extend: &wire.StorageExtend{ConstantPower: s.constantPower},
			},
		},
	}
	s.mu.Unlock()

	env, err := wire.NewEnvelope(wire.StorageTopic(s.serial, wire.KindProperty, wire.DirPost), post)
	if err != nil {
		return nil
	}
	return []wire.Envelope{env}
}

func (s *storageSim) tick() []wire.Envelope {
	s.mu.Lock()
	output := s.constantPower
	battery := s.pvPower - output
	// SOC drifts with the battery power sign.
	s.soc += battery / 2000
	if s.soc > 1000 {
		s.soc = 1000
	}
	if s.soc < 0 {
		s.soc = 0
	}
	var m wire.StorageMini
	m.Timestamp = time.Now().UnixMilli()
	m.ProtocolVer = "1.2"
	m.OutputPower = output
	m.PV.Power = s.pvPower
	m.Battery.BatteryPower = battery
	m.Battery.BatteryTotalSOC = math.Round(s.soc)
	s.mu.Unlock()

	env, err := wire.NewEnvelope(wire.StorageTopic(s.serial, wire.KindStorageMini, wire.DirPost), m)
	if err != nil {
		return nil
	}
	return []wire.Envelope{env}
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
