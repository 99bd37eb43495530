package ace

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"

	"k3mmu/common/config"
	"k3mmu/common/logger"
	"k3mmu/project/sensor"
)

const (
	RECONNECT_COUNT = 10
	SLOT_COUNT      = 4
)

type Slot struct {
	Index  int    `json:"index" mapstructure:"index"`
	Status string `json:"status" mapstructure:"status"`
	SKU    string `json:"sku" mapstructure:"sku"`
	Type   string `json:"type" mapstructure:"type"`
	Color  []int  `json:"color" mapstructure:"color"`
}

func (s Slot) Ready() bool {
	return s.Status == "ready"
}

type DryerInfo struct {
	Status     string  `json:"status" mapstructure:"status"`
	TargetTemp float64 `json:"target_temp" mapstructure:"target_temp"`
	Duration   float64 `json:"duration" mapstructure:"duration"`
	RemainTime float64 `json:"remain_time" mapstructure:"remain_time"`
}

// Info is the get_status result.
type Info struct {
	Status          string    `json:"status" mapstructure:"status"`
	Temp            float64   `json:"temp" mapstructure:"temp"`
	FanSpeed        int       `json:"fan_speed" mapstructure:"fan_speed"`
	EnableRFID      int       `json:"enable_rfid" mapstructure:"enable_rfid"`
	FeedAssistCount int       `json:"feed_assist_count" mapstructure:"feed_assist_count"`
	ContAssistTime  float64   `json:"cont_assist_time" mapstructure:"cont_assist_time"`
	Dryer           DryerInfo `json:"dryer" mapstructure:"dryer"`
	Slots           []Slot    `json:"slots" mapstructure:"slots"`
}

func defaultInfo() Info {
	info := Info{Status: "ready", FanSpeed: 7000, EnableRFID: 1, Dryer: DryerInfo{Status: "stop"}}
	for i := 0; i < SLOT_COUNT; i++ {
		info.Slots = append(info.Slots, Slot{Index: i, Status: "empty", Color: []int{0, 0, 0}})
	}
	return info
}

func decodeInfo(result map[string]interface{}) (Info, error) {
	var info Info
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &info,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return info, err
	}
	err = dec.Decode(result)
	return info, err
}

// Binding ties a slot to the gate it feeds and the sensor reporting that
// gate's spool.
type Binding struct {
	Gate   int
	Sensor sensor.ID
}

// ACE drives an Anycubic Color Engine: a four slot feeder with its own
// dryer. Run keeps the link up and polls get_status; slot readiness is
// latched into the gate sensors.
type ACE struct {
	cfg    config.ACEConfig
	commun *AceCommun
	hub    *sensor.Hub
	slots  []Binding

	mu                sync.Mutex
	info              Info
	fw_info           map[string]interface{}
	feed_assist_index int
	selected          int
	reconnected_count int
	onSlots           func([]Slot)
	onTravel          func(gate int, distance float64)
}

func New(cfg config.ACEConfig, commun *AceCommun, hub *sensor.Hub, slots []Binding) *ACE {
	self := &ACE{
		cfg:               cfg,
		commun:            commun,
		hub:               hub,
		slots:             slots,
		info:              defaultInfo(),
		feed_assist_index: -1,
		selected:          -1,
	}
	for _, b := range slots {
		if b.Sensor != "" && hub != nil {
			hub.Register(b.Sensor)
		}
	}
	return self
}

func (self *ACE) Commun() *AceCommun {
	return self.commun
}

// OnSlots is called with every slot table the unit reports.
func (self *ACE) OnSlots(fn func([]Slot)) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.onSlots = fn
}

// OnTravel is called after every completed drive move with the gate fed
// and the distance moved. Path sensors on the host side follow from it.
func (self *ACE) OnTravel(fn func(gate int, distance float64)) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.onTravel = fn
}

func (self *ACE) travelled(slot int, distance float64) {
	self.mu.Lock()
	fn := self.onTravel
	self.mu.Unlock()
	if fn != nil {
		fn(self.Gate(slot), distance)
	}
}

func calc_reconnect_timeout(attempt int) time.Duration {
	secs := 0.8*float64(attempt) + math.Cos(float64(attempt))*0.5
	return time.Duration(secs * float64(time.Second))
}

// Run connects, reconnecting with backoff, and polls the unit until ctx
// is done.
func (self *ACE) Run(ctx context.Context) error {
	defer self.commun.Disconnect()
	for {
		if err := self.connect(ctx); err != nil {
			delay := 10 * time.Second
			self.mu.Lock()
			if self.reconnected_count <= RECONNECT_COUNT {
				self.reconnected_count++
				delay = calc_reconnect_timeout(self.reconnected_count)
			}
			self.mu.Unlock()
			logger.Warnf("ACE: %v, will auto reconnect after %s", err, delay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		self.heartbeat(ctx)
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (self *ACE) connect(ctx context.Context) error {
	if err := self.commun.Connect(); err != nil {
		return err
	}
	logger.Infof("ACE: Connected to %s", self.commun.Name())

	resp, err := self.commun.Call(ctx, "get_info", nil)
	if err != nil {
		self.commun.Disconnect()
		return err
	}
	self.mu.Lock()
	self.fw_info = resp.Result
	self.reconnected_count = 0
	index := self.feed_assist_index
	self.mu.Unlock()
	logger.Infof("ACE: Firmware info %v", resp.Result)

	if index >= 0 {
		logger.Infof("ACE: Re-enabling feed assist on reconnect for index %d", index)
		if err := self.EnableFeedAssist(ctx, index); err != nil {
			logger.Warnf("ACE: %v", err)
		}
	}
	return nil
}

func (self *ACE) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(self.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		if err := self.Refresh(ctx); err != nil {
			if ctx.Err() == nil {
				logger.Errorf("ACE: heartbeat: %v", err)
			}
			self.commun.Disconnect()
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-self.commun.Done():
			return
		case <-ticker.C:
		}
	}
}

// Refresh polls get_status once.
func (self *ACE) Refresh(ctx context.Context) error {
	resp, err := self.commun.Call(ctx, "get_status", nil)
	if err != nil {
		return err
	}
	info, err := decodeInfo(resp.Result)
	if err != nil {
		return fmt.Errorf("ACE: get_status: %w", err)
	}
	self.mu.Lock()
	self.info = info
	fn := self.onSlots
	self.mu.Unlock()

	for i, b := range self.slots {
		if b.Sensor == "" || self.hub == nil {
			continue
		}
		ready := i < len(info.Slots) && info.Slots[i].Ready()
		self.hub.NotePresent(b.Sensor, ready)
	}
	if fn != nil {
		fn(append([]Slot(nil), info.Slots...))
	}
	return nil
}

func (self *ACE) Info() Info {
	self.mu.Lock()
	defer self.mu.Unlock()
	info := self.info
	info.Slots = append([]Slot(nil), self.info.Slots...)
	return info
}

// Gate is the gate fed by slot, or -1.
func (self *ACE) Gate(slot int) int {
	if slot < 0 || slot >= len(self.slots) {
		return -1
	}
	return self.slots[slot].Gate
}

// SlotOf is the slot feeding gate, or -1.
func (self *ACE) SlotOf(gate int) int {
	for i, b := range self.slots {
		if b.Gate == gate {
			return i
		}
	}
	return -1
}

// WaitReady blocks until the unit reports ready.
func (self *ACE) WaitReady(ctx context.Context) error {
	for {
		self.mu.Lock()
		status := self.info.Status
		self.mu.Unlock()
		if status == "ready" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
		if err := self.Refresh(ctx); err != nil {
			return err
		}
	}
}

func (self *ACE) checkSlot(index int) error {
	if index < 0 || index >= SLOT_COUNT {
		return fmt.Errorf("ACE: wrong index %d", index)
	}
	return nil
}

func (self *ACE) Feed(ctx context.Context, index, length, speed int) error {
	return self.move(ctx, "feed_filament", index, length, speed)
}

func (self *ACE) Retract(ctx context.Context, index, length, speed int) error {
	return self.move(ctx, "unwind_filament", index, length, speed)
}

func (self *ACE) move(ctx context.Context, method string, index, length, speed int) error {
	if err := self.checkSlot(index); err != nil {
		return err
	}
	if length <= 0 {
		return fmt.Errorf("ACE: wrong length %d", length)
	}
	if speed <= 0 {
		return fmt.Errorf("ACE: wrong speed %d", speed)
	}
	_, err := self.commun.Call(ctx, method, map[string]interface{}{
		"index":  index,
		"length": length,
		"speed":  speed,
	})
	return err
}

func (self *ACE) EnableFeedAssist(ctx context.Context, index int) error {
	if err := self.checkSlot(index); err != nil {
		return err
	}
	if _, err := self.commun.Call(ctx, "start_feed_assist", map[string]interface{}{"index": index}); err != nil {
		return err
	}
	self.mu.Lock()
	self.feed_assist_index = index
	self.mu.Unlock()
	logger.Info("ACE: Enabled ACE feed assist")
	return nil
}

func (self *ACE) DisableFeedAssist(ctx context.Context, index int) error {
	if err := self.checkSlot(index); err != nil {
		return err
	}
	if _, err := self.commun.Call(ctx, "stop_feed_assist", map[string]interface{}{"index": index}); err != nil {
		return err
	}
	self.mu.Lock()
	self.feed_assist_index = -1
	self.mu.Unlock()
	logger.Info("ACE: Disabled ACE feed assist")
	return nil
}

func (self *ACE) FeedAssist() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.feed_assist_index
}

func (self *ACE) StartDrying(ctx context.Context, temp, minutes int) error {
	if minutes <= 0 {
		return fmt.Errorf("ACE: wrong duration %d", minutes)
	}
	if temp <= 0 {
		return fmt.Errorf("ACE: wrong temperature %d", temp)
	}
	_, err := self.commun.Call(ctx, "drying", map[string]interface{}{
		"temp":      temp,
		"fan_speed": 7000,
		"duration":  minutes,
	})
	if err != nil {
		return err
	}
	self.mu.Lock()
	self.info.Dryer.Status = "drying"
	self.info.Dryer.TargetTemp = float64(temp)
	self.info.Dryer.Duration = float64(minutes)
	self.mu.Unlock()
	return nil
}

func (self *ACE) StopDrying(ctx context.Context) error {
	if _, err := self.commun.Call(ctx, "drying_stop", nil); err != nil {
		return err
	}
	self.mu.Lock()
	self.info.Dryer.Status = "stop"
	self.info.Dryer.TargetTemp = 0
	self.mu.Unlock()
	return nil
}

func (self *ACE) Get_status() map[string]interface{} {
	self.mu.Lock()
	defer self.mu.Unlock()
	slots := make([]interface{}, 0, len(self.info.Slots))
	for _, s := range self.info.Slots {
		slots = append(slots, map[string]interface{}{
			"index": s.Index, "status": s.Status, "sku": s.SKU, "type": s.Type, "color": s.Color,
		})
	}
	return map[string]interface{}{
		"connected":         self.commun.Is_connected(),
		"status":            self.info.Status,
		"temp":              self.info.Temp,
		"feed_assist_index": self.feed_assist_index,
		"selected":          self.selected,
		"dryer": map[string]interface{}{
			"status":      self.info.Dryer.Status,
			"target_temp": self.info.Dryer.TargetTemp,
			"duration":    self.info.Dryer.Duration,
			"remain_time": self.info.Dryer.RemainTime,
		},
		"slots": slots,
	}
}
