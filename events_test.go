// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package raremeta

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/net/websocket"
	"gopkg.in/check.v1"
)

type eventsSuite struct{}

var _ = check.Suite(&eventsSuite{})

func (s *eventsSuite) TestSubscribe(c *check.C) {
	const uuid = "zzzzz-dz642-aaaaaaaaaaaaaaa"
	requests := make(chan map[string]interface{}, 8)
	srv := httptest.NewServer(websocket.Handler(func(ws *websocket.Conn) {
		dec := json.NewDecoder(ws)
		enc := json.NewEncoder(ws)
		for {
			var req map[string]interface{}
			if err := dec.Decode(&req); err != nil {
				return
			}
			requests <- req
			if req["method"] == "subscribe" {
				enc.Encode(map[string]interface{}{"object_uuid": "zzzzz-dz642-bbbbbbbbbbbbbbb", "event_type": "update"})
				enc.Encode(map[string]interface{}{"object_uuid": uuid, "event_type": "update"})
			}
		}
	}))
	defer srv.Close()

	var dials int32
	client := &eventClient{dial: func() (*websocket.Conn, error) {
		atomic.AddInt32(&dials, 1)
		return websocket.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), "", srv.URL)
	}}
	defer client.Close()
	ch := make(chan eventMessage)
	client.Subscribe(ch, uuid)

	nextRequest := func() map[string]interface{} {
		select {
		case req := <-requests:
			return req
		case <-time.After(10 * time.Second):
			c.Fatal("timed out waiting for request")
		}
		return nil
	}
	req := nextRequest()
	c.Check(req["method"], check.Equals, "subscribe")
	filters, _ := req["filters"].([]interface{})
	c.Assert(filters, check.HasLen, 2)
	c.Check(filters[0], check.DeepEquals, []interface{}{"object_uuid", "=", uuid})

	select {
	case msg := <-ch:
		c.Check(msg.ObjectUUID, check.Equals, uuid)
		c.Check(msg.EventType, check.Equals, "update")
	case <-time.After(10 * time.Second):
		c.Fatal("timed out waiting for event")
	}

	client.Unsubscribe(ch, uuid)
	req = nextRequest()
	c.Check(req["method"], check.Equals, "unsubscribe")
	c.Check(atomic.LoadInt32(&dials), check.Equals, int32(1))
}

func (s *eventsSuite) TestSubscribeCounts(c *check.C) {
	client := &eventClient{dial: func() (*websocket.Conn, error) {
		select {}
	}}
	ch := make(chan eventMessage)
	client.Subscribe(ch, "x")
	client.Subscribe(ch, "x")
	client.Unsubscribe(ch, "x")
	client.mtx.Lock()
	c.Check(client.notifying["x"][ch], check.Equals, 1)
	client.mtx.Unlock()
	client.Unsubscribe(ch, "x")
	client.mtx.Lock()
	_, ok := client.notifying["x"]
	client.mtx.Unlock()
	c.Check(ok, check.Equals, false)
	client.Close()
	client.Close()
}
