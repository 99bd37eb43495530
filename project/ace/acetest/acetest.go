// Package acetest provides an in-memory ACE that answers the framed JSON
// protocol over a pipe, for tests of code that talks to the unit.
package acetest

import (
	"encoding/json"
	"io"
	"net"
	"sync"

	"k3mmu/project/ace"
)

// Unit answers requests the way an ACE does. Slot statuses, error codes
// and silence per method can be changed while it runs.
type Unit struct {
	mu       sync.Mutex
	slots    []string
	codes    map[string]int
	silent   map[string]bool
	requests []map[string]interface{}
	dials    int
}

// NewUnit starts with the given slot statuses; none means four ready slots.
func NewUnit(slots ...string) *Unit {
	if len(slots) == 0 {
		slots = []string{"ready", "ready", "ready", "ready"}
	}
	return &Unit{
		slots:  append([]string(nil), slots...),
		codes:  map[string]int{},
		silent: map[string]bool{},
	}
}

// Dial is an ace.Dialer connecting to the unit.
func (self *Unit) Dial(name string, baud int) (io.ReadWriteCloser, error) {
	client, server := net.Pipe()
	go self.serve(server)
	self.mu.Lock()
	self.dials++
	self.mu.Unlock()
	return client, nil
}

func (self *Unit) Dials() int {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.dials
}

func (self *Unit) SetSlot(i int, status string) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.slots[i] = status
}

// SetCode makes method answer with code; non zero codes carry "forbidden".
func (self *Unit) SetCode(method string, code int) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.codes[method] = code
}

// SetSilent makes method go unanswered.
func (self *Unit) SetSilent(method string, silent bool) {
	self.mu.Lock()
	defer self.mu.Unlock()
	self.silent[method] = silent
}

// Methods lists the methods received so far, oldest first.
func (self *Unit) Methods() []string {
	self.mu.Lock()
	defer self.mu.Unlock()
	var out []string
	for _, r := range self.requests {
		out = append(out, r["method"].(string))
	}
	return out
}

// Last is the most recent request for method, or nil.
func (self *Unit) Last(method string) map[string]interface{} {
	self.mu.Lock()
	defer self.mu.Unlock()
	for i := len(self.requests) - 1; i >= 0; i-- {
		if self.requests[i]["method"] == method {
			return self.requests[i]
		}
	}
	return nil
}

// Params is the params object of the most recent request for method.
func (self *Unit) Params(method string) map[string]interface{} {
	req := self.Last(method)
	if req == nil {
		return nil
	}
	params, _ := req["params"].(map[string]interface{})
	return params
}

func (self *Unit) serve(conn net.Conn) {
	dec := &ace.Decoder{}
	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		for _, payload := range dec.Feed(buf[:n]) {
			var req map[string]interface{}
			if json.Unmarshal(payload, &req) != nil {
				continue
			}
			method, _ := req["method"].(string)
			self.mu.Lock()
			self.requests = append(self.requests, req)
			code, silent := self.codes[method], self.silent[method]
			var slots []interface{}
			for i, s := range self.slots {
				slots = append(slots, map[string]interface{}{"index": i, "status": s, "sku": "", "type": "PLA", "color": []int{255, 0, 0}})
			}
			self.mu.Unlock()
			if silent {
				continue
			}
			resp := map[string]interface{}{"id": req["id"], "code": code, "msg": "success"}
			switch method {
			case "get_info":
				resp["result"] = map[string]interface{}{"model": "ACE", "firmware": "V1.3.84"}
			case "get_status":
				resp["result"] = map[string]interface{}{
					"status": "ready", "temp": 31, "fan_speed": 7000, "feed_assist_count": 0,
					"dryer": map[string]interface{}{"status": "stop", "target_temp": 0, "duration": 0, "remain_time": 0},
					"slots": slots,
				}
			}
			if code != 0 {
				resp["msg"] = "forbidden"
			}
			bts, _ := json.Marshal(resp)
			if _, err := conn.Write(ace.EncodeFrame(bts)); err != nil {
				return
			}
		}
	}
}
