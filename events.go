// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package raremeta

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/websocket"
)

type eventMessage struct {
	Status     int
	ObjectUUID string `json:"object_uuid"`
	EventType  string `json:"event_type"`
	Properties struct {
		Text string
	}
}

var eventTypes = []string{"stderr", "crunch-run", "crunchstat", "update"}

func subscription(method, uuid string) map[string]interface{} {
	return map[string]interface{}{
		"method": method,
		"filters": [][]interface{}{
			{"object_uuid", "=", uuid},
			{"event_type", "in", eventTypes},
		},
	}
}

// eventClient relays events from the arvados websocket service to
// subscribed channels, reconnecting as needed.
type eventClient struct {
	*arvados.Client
	// dial connects to the event stream. nil means the cluster's
	// configured websocket service.
	dial func() (*websocket.Conn, error)

	notifying map[string]map[chan<- eventMessage]int
	wantClose chan struct{}
	wsconn    *websocket.Conn
	mtx       sync.Mutex
}

// Subscribe sends each event concerning uuid to ch. A {ch, uuid}
// pair subscribed twice gets each event once, and needs two
// Unsubscribe calls.
func (client *eventClient) Subscribe(ch chan<- eventMessage, uuid string) {
	client.mtx.Lock()
	defer client.mtx.Unlock()
	if client.notifying == nil {
		client.notifying = map[string]map[chan<- eventMessage]int{}
		client.wantClose = make(chan struct{})
		go client.runNotifier()
	}
	chmap := client.notifying[uuid]
	if chmap == nil {
		chmap = map[chan<- eventMessage]int{}
		client.notifying[uuid] = chmap
	}
	needSub := len(chmap) == 0
	chmap[ch]++
	if needSub && client.wsconn != nil {
		go json.NewEncoder(client.wsconn).Encode(subscription("subscribe", uuid))
	}
}

func (client *eventClient) Unsubscribe(ch chan<- eventMessage, uuid string) {
	client.mtx.Lock()
	defer client.mtx.Unlock()
	chmap := client.notifying[uuid]
	if n := chmap[ch] - 1; n == 0 {
		delete(chmap, ch)
		if len(chmap) == 0 {
			delete(client.notifying, uuid)
			if client.wsconn != nil {
				go json.NewEncoder(client.wsconn).Encode(subscription("unsubscribe", uuid))
			}
		}
	} else if n > 0 {
		chmap[ch] = n
	}
}

func (client *eventClient) Close() {
	client.mtx.Lock()
	defer client.mtx.Unlock()
	if client.notifying != nil {
		client.notifying = nil
		close(client.wantClose)
		if client.wsconn != nil {
			client.wsconn.Close()
		}
	}
}

func (client *eventClient) dialCluster() (*websocket.Conn, error) {
	var cluster arvados.Cluster
	err := client.RequestAndDecode(&cluster, "GET", arvados.EndpointConfigGet.Path, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("error getting cluster config: %w", err)
	}
	wsURL := cluster.Services.Websocket.ExternalURL
	wsURL.Scheme = strings.Replace(wsURL.Scheme, "http", "ws", 1)
	wsURL.Path = "/websocket"
	wsURLNoToken := wsURL.String()
	wsURL.RawQuery = url.Values{"api_token": []string{client.AuthToken}}.Encode()
	conn, err := websocket.Dial(wsURL.String(), "", cluster.Services.Controller.ExternalURL.String())
	if err != nil {
		return nil, err
	}
	log.Printf("connected to websocket at %s", wsURLNoToken)
	return conn, nil
}

func (client *eventClient) closing() bool {
	select {
	case <-client.wantClose:
		return true
	default:
		return false
	}
}

func (client *eventClient) runNotifier() {
	dial := client.dial
	if dial == nil {
		dial = client.dialCluster
	}
reconnect:
	for !client.closing() {
		conn, err := dial()
		if err != nil {
			log.Warnf("websocket connection error: %s", err)
			select {
			case <-client.wantClose:
				return
			case <-time.After(5 * time.Second):
			}
			continue reconnect
		}

		client.mtx.Lock()
		if client.closing() {
			client.mtx.Unlock()
			conn.Close()
			return
		}
		client.wsconn = conn
		resubscribe := make([]string, 0, len(client.notifying))
		for uuid := range client.notifying {
			resubscribe = append(resubscribe, uuid)
		}
		client.mtx.Unlock()

		go func() {
			w := json.NewEncoder(conn)
			for _, uuid := range resubscribe {
				w.Encode(subscription("subscribe", uuid))
			}
		}()

		r := json.NewDecoder(conn)
		for {
			var msg eventMessage
			err := r.Decode(&msg)
			if client.closing() {
				return
			}
			if err != nil {
				log.Printf("error decoding websocket message: %s", err)
				client.mtx.Lock()
				client.wsconn = nil
				client.mtx.Unlock()
				go conn.Close()
				continue reconnect
			}
			client.mtx.Lock()
			for ch := range client.notifying[msg.ObjectUUID] {
				go func(ch chan<- eventMessage) { ch <- msg }(ch)
			}
			client.mtx.Unlock()
		}
	}
}
